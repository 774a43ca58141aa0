package daemon

import (
	"context"
	"fmt"
	"strings"
)

// Status is the lifecycle phase of a daemon.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

type ComponentHealth struct {
	Name    string
	Healthy bool
	Error   error
}

// Component is one stage of the workspace. Dependencies name the components
// that are initialized and started before it and stopped after it.
type Component interface {
	Name() string
	Dependencies() []string
	Init(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) (*ComponentHealth, error)
}

// plan orders comps so every component follows its dependencies. Among
// components that are ready at the same time, registration order wins.
func plan(comps []Component) ([]Component, error) {
	index := make(map[string]int, len(comps))
	for i, c := range comps {
		if _, dup := index[c.Name()]; dup {
			return nil, fmt.Errorf("component %s registered twice", c.Name())
		}
		index[c.Name()] = i
	}

	unmet := make([]int, len(comps))
	dependents := make([][]int, len(comps))
	for i, c := range comps {
		for _, dep := range c.Dependencies() {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("component %s depends on %s which is not registered", c.Name(), dep)
			}
			unmet[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	placed := make([]bool, len(comps))
	ordered := make([]Component, 0, len(comps))
	for len(ordered) < len(comps) {
		next := -1
		for i := range comps {
			if !placed[i] && unmet[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var stuck []string
			for i, c := range comps {
				if !placed[i] {
					stuck = append(stuck, c.Name())
				}
			}
			return nil, fmt.Errorf("circular dependency among %s", strings.Join(stuck, ", "))
		}

		placed[next] = true
		ordered = append(ordered, comps[next])
		for _, k := range dependents[next] {
			unmet[k]--
		}
	}
	return ordered, nil
}

func names(comps []Component) []string {
	out := make([]string, len(comps))
	for i, c := range comps {
		out[i] = c.Name()
	}
	return out
}
