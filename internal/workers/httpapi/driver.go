// Package httpapi adapts a plain JSON-over-HTTP generation worker: a
// health probe for init, a load endpoint for model switches, and a single
// blocking generate call.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lucidrender/dispatch/internal/backend"
)

// Driver is the "http" worker adapter.
type Driver struct {
	rec  *backend.Record
	base string
	http *http.Client

	features []string
}

// Factory builds http drivers. Required setting: "address".
func Factory() backend.Factory {
	return func(rec *backend.Record) (backend.Driver, error) {
		address, _ := rec.Settings["address"].(string)
		if address == "" {
			return nil, fmt.Errorf("http backend %s: missing address setting", rec.ID)
		}
		return &Driver{
			rec:  rec,
			base: strings.TrimRight(address, "/"),
			http: &http.Client{Timeout: 10 * time.Minute},
		}, nil
	}
}

type healthResponse struct {
	Status   string   `json:"status"`
	Model    string   `json:"model,omitempty"`
	Features []string `json:"features"`
}

func (d *Driver) Init(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.base+"/health", nil)
	if err != nil {
		return err
	}
	res, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", d.base, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("probe %s: unexpected status %d", d.base, res.StatusCode)
	}
	var health healthResponse
	if err := json.NewDecoder(res.Body).Decode(&health); err != nil {
		return fmt.Errorf("decode health reply: %w", err)
	}
	if health.Status != "ok" {
		return fmt.Errorf("worker %s not ready: %q", d.base, health.Status)
	}
	d.features = health.Features
	if health.Model != "" {
		d.rec.SetCurrentModel(health.Model)
	}
	return nil
}

func (d *Driver) Shutdown(ctx context.Context) error { return nil }

func (d *Driver) LoadModel(ctx context.Context, modelID string) (bool, error) {
	var resp struct {
		Success bool `json:"success"`
	}
	if err := d.post(ctx, "/load", map[string]string{"model": modelID}, &resp); err != nil {
		return false, err
	}
	return resp.Success, nil
}

func (d *Driver) GenerateStream(ctx context.Context, req backend.GenerateRequest, batchID string, sink backend.Sink) (backend.Outcome, error) {
	var resp struct {
		Images []string `json:"images"`
		Error  string   `json:"error,omitempty"`
	}
	if err := d.post(ctx, "/generate", req, &resp); err != nil {
		return backend.OutcomeDone, err
	}
	if resp.Error != "" {
		return backend.OutcomeDone, fmt.Errorf("worker %s: %s", d.base, resp.Error)
	}
	for _, image := range resp.Images {
		if err := sink(backend.StreamItem{Image: image}); err != nil {
			return backend.OutcomeDone, err
		}
	}
	return backend.OutcomeDone, nil
}

func (d *Driver) SupportedFeatures() []string {
	return append([]string(nil), d.features...)
}

func (d *Driver) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", path, res.StatusCode)
	}
	return json.NewDecoder(res.Body).Decode(out)
}
