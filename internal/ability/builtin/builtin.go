// Package builtin provides the abilities shipped with hero.
package builtin

import (
	"time"

	"github.com/th317erd/hero/internal/ability"
)

type Options struct {
	ExecTimeout   time.Duration
	ExecMaxOutput int
	ExecWorkdir   string
}

const (
	DefaultExecTimeout   = 60 * time.Second
	DefaultExecMaxOutput = 16 * 1024
)

// All returns every built-in ability, ready for ability.NewRegistry.
func All(opts Options) []ability.Ability {
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = DefaultExecTimeout
	}
	if opts.ExecMaxOutput <= 0 {
		opts.ExecMaxOutput = DefaultExecMaxOutput
	}
	return []ability.Ability{
		&TimeAbility{now: time.Now},
		&ExecAbility{timeout: opts.ExecTimeout, maxOutput: opts.ExecMaxOutput, workdir: opts.ExecWorkdir},
	}
}
