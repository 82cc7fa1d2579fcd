package federation

import (
	"context"
	"fmt"

	"github.com/lucidrender/dispatch/internal/backend"
	"github.com/lucidrender/dispatch/internal/log"
)

// resizeShadows reconciles the shadow pool to
//
//	target = max(0, remoteCount − 1 + overQueue)
//
// The −1 reserves the parent driver itself as the peer's first slot.
// Oversized pools trim from the front; trimmed shadows drain their
// in-flight claim before leaving the pool. Undersized pools append fresh
// shadow records sharing the parent's settings.
func (d *Driver) resizeShadows(ctx context.Context) {
	d.mu.Lock()
	target := d.remoteCount - 1 + d.opt.OverQueue
	if target < 0 {
		target = 0
	}

	var trimmed []*backend.Record
	for len(d.shadows) > target {
		trimmed = append(trimmed, d.shadows[0])
		d.shadows = d.shadows[1:]
	}

	var added []*backend.Record
	for len(d.shadows) < target {
		d.shadowSeq++
		rec := backend.NewRecord(
			fmt.Sprintf("%s-shadow-%d", d.rec.ID, d.shadowSeq),
			d.rec.DriverType,
			d.rec.Settings,
			false,
		)
		d.shadows = append(d.shadows, rec)
		added = append(added, rec)
	}
	size := len(d.shadows)
	d.mu.Unlock()

	for _, rec := range trimmed {
		go func(rec *backend.Record) {
			if err := d.opt.Pool.RemoveWhenIdle(ctx, rec.ID); err != nil {
				d.logger.Warn().Err(err).Str("shadow", rec.ID).Msg("shadow drain interrupted")
			}
		}(rec)
	}
	for _, rec := range added {
		if err := d.opt.Pool.Add(rec, &shadowDriver{parent: d, rec: rec}); err != nil {
			d.logger.Error().Err(err).Str("shadow", rec.ID).Msg("could not add shadow record")
		}
	}
	if len(trimmed) > 0 || len(added) > 0 {
		d.logger.Info().Int("shadows", size).Int("added", len(added)).Int("trimmed", len(trimmed)).Msg("shadow pool resized")
	}
	shadowRecords.WithLabelValues(d.rec.ID).Set(float64(size))
}

// ShadowIDs returns the current shadow record IDs in pool order. Intended
// for status reporting and tests.
func (d *Driver) ShadowIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.shadows))
	for _, rec := range d.shadows {
		out = append(out, rec.ID)
	}
	return out
}

// shadowDriver represents one reserved concurrency slot on the peer. All
// real work funnels through the parent driver's session and transport.
type shadowDriver struct {
	parent *Driver
	rec    *backend.Record
}

// Init mirrors the parent's observable state onto the fresh shadow record.
func (s *shadowDriver) Init(ctx context.Context) error {
	switch s.parent.rec.Status() {
	case backend.StatusIdle:
		if err := s.rec.SetStatus(backend.StatusIdle); err != nil {
			logger := log.WithComponent("federation")
			logger.Warn().Err(err).Str("shadow", s.rec.ID).Msg("could not mirror idle state")
		}
	default:
		// Leave Loading; the init loop promotes to Running.
	}
	return nil
}

func (s *shadowDriver) Shutdown(ctx context.Context) error { return nil }

func (s *shadowDriver) LoadModel(ctx context.Context, modelID string) (bool, error) {
	return s.parent.LoadModel(ctx, modelID)
}

func (s *shadowDriver) GenerateStream(ctx context.Context, req backend.GenerateRequest, batchID string, sink backend.Sink) (backend.Outcome, error) {
	return s.parent.GenerateStream(ctx, req, batchID, sink)
}

func (s *shadowDriver) SupportedFeatures() []string {
	return s.parent.SupportedFeatures()
}
