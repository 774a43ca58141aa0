package daemon

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

func (d *Daemon) monitorHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.checkComponentHealth(last)
		}
	}
}

// checkComponentHealth logs components whose health changed since last and
// returns their names. A component seen for the first time only counts when
// it is unhealthy.
func (d *Daemon) checkComponentHealth(last map[string]bool) []string {
	var changed []string
	for name, health := range d.ComponentHealth() {
		was, seen := last[name]
		last[name] = health.Healthy

		switch {
		case !health.Healthy && (!seen || was):
			slog.Warn("Component unhealthy", "component", name, "error", health.Error)
		case health.Healthy && seen && !was:
			slog.Info("Component recovered", "component", name)
		default:
			continue
		}
		changed = append(changed, name)
	}
	sort.Strings(changed)
	return changed
}
