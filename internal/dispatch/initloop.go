package dispatch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lucidrender/dispatch/internal/backend"
	"github.com/lucidrender/dispatch/internal/log"
)

// RunInitLoop drains the init queue until ctx is cancelled, initializing
// each queued backend in its own goroutine.
func (d *Dispatcher) RunInitLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-d.initCh:
			go d.initBackend(ctx, id)
		}
	}
}

func (d *Dispatcher) initBackend(ctx context.Context, id string) {
	rec := d.Record(id)
	drv := d.Driver(id)
	if rec == nil || drv == nil {
		return
	}
	logger := log.WithComponent("dispatch").With().Str("backend", id).Str("type", rec.DriverType).Logger()

	if err := rec.SetStatus(backend.StatusLoading); err != nil {
		logger.Warn().Err(err).Msg("backend not in an initializable state")
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second

	attempts := d.cfg.MaxInitAttempts
	if attempts <= 0 {
		attempts = 3
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		lastErr = drv.Init(ctx)
		if lastErr == nil {
			// Drivers may have settled on Idle (allow_idle peers) during
			// Init; only promote the default Loading state.
			if rec.Status() == backend.StatusLoading {
				if err := rec.SetStatus(backend.StatusRunning); err != nil {
					logger.Warn().Err(err).Msg("could not promote backend to running")
				}
			}
			rec.SetFeatures(drv.SupportedFeatures())
			initResults.WithLabelValues("success").Inc()
			logger.Info().Int("attempt", attempt).Str("status", rec.Status().String()).Msg("backend initialized")
			return
		}
		logger.Warn().Err(lastErr).Int("attempt", attempt).Int("max", attempts).Msg("backend init failed")
		if attempt < attempts {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return
			}
		}
	}
	initResults.WithLabelValues("failure").Inc()
	if err := rec.SetStatus(backend.StatusErrored); err != nil {
		logger.Warn().Err(err).Msg("could not mark backend errored")
	}
	logger.Error().Err(lastErr).Msg("backend left errored after exhausting init attempts")
}
