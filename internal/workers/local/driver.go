// Package local provides the in-process reference worker. It produces
// placeholder images and exists so a pool can run, and be tested, without
// any remote worker.
package local

import (
	"context"
	"fmt"
	"time"

	"github.com/lucidrender/dispatch/internal/backend"
)

// placeholderPNG is a 1x1 transparent PNG.
const placeholderPNG = "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="

// Driver is the "local" worker adapter.
type Driver struct {
	rec      *backend.Record
	features []string
	stepTime time.Duration
}

// Factory builds local drivers from record settings. Recognized keys:
// "features" (list of capability tags), "model" (preloaded model id),
// "step_time" (per-step simulation delay, Go duration string).
func Factory() backend.Factory {
	return func(rec *backend.Record) (backend.Driver, error) {
		return &Driver{rec: rec}, nil
	}
}

func (d *Driver) Init(ctx context.Context) error {
	d.features = stringList(d.rec.Settings["features"])
	d.stepTime = 0
	if raw, ok := d.rec.Settings["step_time"].(string); ok && raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("local backend %s: bad step_time %q: %w", d.rec.ID, raw, err)
		}
		d.stepTime = parsed
	}
	if model, ok := d.rec.Settings["model"].(string); ok && model != "" {
		d.rec.SetCurrentModel(model)
	}
	return nil
}

func (d *Driver) Shutdown(ctx context.Context) error { return nil }

func (d *Driver) LoadModel(ctx context.Context, modelID string) (bool, error) {
	return true, nil
}

func (d *Driver) GenerateStream(ctx context.Context, req backend.GenerateRequest, batchID string, sink backend.Sink) (backend.Outcome, error) {
	images := req.Images
	if images <= 0 {
		images = 1
	}
	for i := 0; i < images; i++ {
		if err := ctx.Err(); err != nil {
			return backend.OutcomeDone, err
		}
		if d.stepTime > 0 {
			select {
			case <-time.After(d.stepTime):
			case <-ctx.Done():
				return backend.OutcomeDone, ctx.Err()
			}
		}
		if err := sink(backend.StreamItem{Progress: map[string]any{
			"current": i + 1,
			"total":   images,
		}}); err != nil {
			return backend.OutcomeDone, err
		}
		if err := sink(backend.StreamItem{Image: placeholderPNG}); err != nil {
			return backend.OutcomeDone, err
		}
	}
	return backend.OutcomeDone, nil
}

func (d *Driver) SupportedFeatures() []string {
	return append([]string(nil), d.features...)
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
