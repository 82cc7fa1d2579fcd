// Package imagesave writes accepted images to disk atomically. Payloads
// are opaque; data URIs are decoded, anything else is written as-is.
package imagesave

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

var extByMime = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
}

// Saver stores images under Root, one directory per batch.
type Saver struct {
	Root string
}

// Save writes the index-th image of a batch plus its metadata sidecar and
// returns the image path. Writes are atomic: partially written files never
// land under Root.
func (s *Saver) Save(batchID string, index int, image, metadata string) (string, error) {
	data, ext := decodePayload(image)
	dir := filepath.Join(s.Root, batchID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create batch dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%04d%s", index, ext))
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	if metadata != "" {
		if err := renameio.WriteFile(path+".json", []byte(metadata), 0o644); err != nil {
			return "", fmt.Errorf("write metadata: %w", err)
		}
	}
	return path, nil
}

// decodePayload splits a data URI into bytes and a file extension. Payloads
// that are not data URIs, or that fail to decode, are stored verbatim.
func decodePayload(image string) ([]byte, string) {
	if !strings.HasPrefix(image, "data:") {
		return []byte(image), ".bin"
	}
	rest := strings.TrimPrefix(image, "data:")
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return []byte(image), ".bin"
	}
	header, payload := rest[:comma], rest[comma+1:]
	mime := header
	if semi := strings.IndexByte(header, ';'); semi >= 0 {
		mime = header[:semi]
	}
	ext, ok := extByMime[mime]
	if !ok {
		ext = ".bin"
	}
	if strings.HasSuffix(header, ";base64") {
		if data, err := base64.StdEncoding.DecodeString(payload); err == nil {
			return data, ext
		}
	}
	return []byte(payload), ext
}
