// Package session provides the pipeline's per-caller collaborator: it
// stamps metadata onto accepted images, writes them durably, and records
// them in the generation history.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lucidrender/dispatch/internal/backend"
	"github.com/lucidrender/dispatch/internal/imagesave"
	"github.com/lucidrender/dispatch/internal/persistence/sqlite"
)

// Store writes images to disk and indexes them in the history database.
// Create one per request; the model seen in ApplyMetadata is carried into
// the history row of the following SaveImage.
type Store struct {
	Saver   *imagesave.Saver
	History *sqlite.Store

	mu    sync.Mutex
	model string
}

// NewStore builds the default Session implementation.
func NewStore(saver *imagesave.Saver, history *sqlite.Store) *Store {
	return &Store{Saver: saver, History: history}
}

// ApplyMetadata renders the metadata string for one accepted image. The
// image payload passes through untouched; embedding is the encoder's
// concern, not the core's.
func (s *Store) ApplyMetadata(ctx context.Context, image string, req backend.GenerateRequest, index int) (string, string, error) {
	meta := map[string]any{
		"prompt":     req.Prompt,
		"model":      req.Model,
		"index":      index,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
	if req.NegativePrompt != "" {
		meta["negative_prompt"] = req.NegativePrompt
	}
	if len(req.Features) > 0 {
		meta["features"] = req.Features
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", "", fmt.Errorf("render metadata: %w", err)
	}
	s.mu.Lock()
	s.model = req.Model
	s.mu.Unlock()
	return image, string(raw), nil
}

// SaveImage writes the image and its history row.
func (s *Store) SaveImage(ctx context.Context, batchID string, index int, image, metadata string) error {
	path, err := s.Saver.Save(batchID, index, image, metadata)
	if err != nil {
		return err
	}
	if s.History == nil {
		return nil
	}
	s.mu.Lock()
	model := s.model
	s.mu.Unlock()
	_, err = s.History.Record(ctx, sqlite.Generation{
		BatchID:   batchID,
		Index:     index,
		Model:     model,
		ImagePath: path,
		Metadata:  metadata,
	})
	return err
}

// Discard is a Session that keeps images in memory and persists nothing.
// Used for donotsave federation requests, where the caller stores results.
type Discard struct {
	mu     sync.Mutex
	images []string
}

func (d *Discard) ApplyMetadata(ctx context.Context, image string, req backend.GenerateRequest, index int) (string, string, error) {
	return image, "", nil
}

func (d *Discard) SaveImage(ctx context.Context, batchID string, index int, image, metadata string) error {
	d.mu.Lock()
	d.images = append(d.images, image)
	d.mu.Unlock()
	return nil
}

// Images returns the collected payloads in arrival order.
func (d *Discard) Images() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.images...)
}
