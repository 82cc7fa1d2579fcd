package federation

import (
	"context"
	"time"

	"github.com/lucidrender/dispatch/internal/backend"
)

// startMonitor launches the long-lived peer monitor once. It owns two
// duties on one cadence: re-probing an Idle peer, and refreshing the pool
// reflection of a Running one.
func (d *Driver) startMonitor(ctx context.Context) {
	d.monitorOnce.Do(func() {
		go d.runMonitor(ctx)
	})
}

func (d *Driver) runMonitor(ctx context.Context) {
	ticker := time.NewTicker(d.opt.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		switch d.rec.Status() {
		case backend.StatusIdle:
			probesTotal.WithLabelValues("idle").Inc()
			if err := d.probe(ctx); err != nil {
				d.logger.Debug().Err(err).Msg("idle peer still unavailable")
				continue
			}
			d.logger.Info().Msg("idle peer came back, resuming")
			d.setAllStatus(backend.StatusRunning)
		case backend.StatusRunning:
			probesTotal.WithLabelValues("refresh").Inc()
			if err := d.refresh(ctx); err != nil {
				d.logger.Warn().Err(err).Msg("peer list refresh failed")
				if d.opt.AllowIdle {
					d.setAllStatus(backend.StatusIdle)
				} else {
					d.setAllStatus(backend.StatusErrored)
				}
			}
		}
	}
}

// probe re-establishes the session and refreshes the reflection. Used to
// recover an Idle peer; any failure leaves the driver Idle.
func (d *Driver) probe(ctx context.Context) error {
	if err := d.newSession(ctx); err != nil {
		return err
	}
	return d.refresh(ctx)
}
