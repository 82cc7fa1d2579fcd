package dispatch

import (
	"context"
	"time"

	"github.com/lucidrender/dispatch/internal/log"
)

// RunWatchdog periodically checks busy backends for inactivity. A backend
// that held a claim without progress for the configured threshold is
// force-released and marked Errored; the claim fails with ErrBackendStalled.
func (d *Dispatcher) RunWatchdog(ctx context.Context) error {
	logger := log.WithComponent("watchdog")
	ticker := time.NewTicker(d.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			for _, access := range d.activeAccesses() {
				idle := access.idleFor(now)
				if idle < d.cfg.MaxTimeout {
					continue
				}
				logger.Error().
					Str("backend", access.rec.ID).
					Dur("idle", idle).
					Dur("threshold", d.cfg.MaxTimeout).
					Msg("backend stalled, force-releasing claim")
				access.forceStall()
			}
		}
	}
}

func (d *Dispatcher) activeAccesses() []*WorkerAccess {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*WorkerAccess, 0, len(d.accesses))
	for _, a := range d.accesses {
		out = append(out, a)
	}
	return out
}
