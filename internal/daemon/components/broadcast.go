package components

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/th317erd/hero/internal/broadcast"
	"github.com/th317erd/hero/internal/daemon"
)

// BroadcastComponent owns the event hub. The log sink is always present;
// callers add their own sinks, such as the stdout event stream.
type BroadcastComponent struct {
	hub         *broadcast.Hub
	sinks       []broadcast.Sink
	initialized bool
	started     bool
}

func NewBroadcastComponent(sinks ...broadcast.Sink) *BroadcastComponent {
	return &BroadcastComponent{sinks: sinks}
}

func (b *BroadcastComponent) Name() string {
	return "Broadcast"
}

func (b *BroadcastComponent) Dependencies() []string {
	return []string{}
}

func (b *BroadcastComponent) Init(ctx context.Context) error {
	hub := broadcast.NewHub()
	if err := hub.Register(broadcast.LogSink{}); err != nil {
		return fmt.Errorf("register log sink: %w", err)
	}
	for _, sink := range b.sinks {
		if err := hub.Register(sink); err != nil {
			return fmt.Errorf("register sink: %w", err)
		}
	}
	b.hub = hub
	b.initialized = true
	return nil
}

func (b *BroadcastComponent) Start(ctx context.Context) error {
	if !b.initialized {
		return fmt.Errorf("broadcast component not initialized")
	}
	b.started = true
	slog.Info("Broadcast started", "component", b.Name(), "sinks", len(b.hub.Sinks()))
	return nil
}

func (b *BroadcastComponent) Stop(ctx context.Context) error {
	if !b.started {
		return nil
	}
	for _, sink := range b.sinks {
		if c, ok := sink.(interface{ Close() }); ok {
			c.Close()
		}
	}
	b.started = false
	slog.Info("Broadcast stopped", "component", b.Name())
	return nil
}

func (b *BroadcastComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	if !b.initialized {
		return &daemon.ComponentHealth{Name: b.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	if !b.started {
		return &daemon.ComponentHealth{Name: b.Name(), Healthy: false, Error: fmt.Errorf("not started")}, nil
	}
	if err := b.hub.Health(ctx); err != nil {
		return &daemon.ComponentHealth{Name: b.Name(), Healthy: false, Error: err}, nil
	}
	return &daemon.ComponentHealth{Name: b.Name(), Healthy: true}, nil
}

func (b *BroadcastComponent) Hub() *broadcast.Hub {
	return b.hub
}
