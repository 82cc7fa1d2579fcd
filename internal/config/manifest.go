package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BackendEntry declares one backend in the manifest. Settings is opaque to
// the dispatcher; each driver type interprets its own keys.
type BackendEntry struct {
	ID       string         `yaml:"id"`
	Type     string         `yaml:"type"`
	Settings map[string]any `yaml:"settings"`
}

// PeerEntry declares one federated peer instance.
type PeerEntry struct {
	ID        string `yaml:"id"`
	Address   string `yaml:"address"`
	AllowIdle bool   `yaml:"allow_idle"`
	OverQueue int    `yaml:"over_queue"`
}

// Manifest is the on-disk backend pool declaration.
type Manifest struct {
	Backends []BackendEntry `yaml:"backends"`
	Peers    []PeerEntry    `yaml:"peers"`
}

// LoadManifest reads and validates the YAML backend manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	seen := make(map[string]bool, len(m.Backends)+len(m.Peers))
	for i, b := range m.Backends {
		if b.ID == "" {
			return nil, fmt.Errorf("manifest backend %d: missing id", i)
		}
		if b.Type == "" {
			return nil, fmt.Errorf("manifest backend %q: missing type", b.ID)
		}
		if seen[b.ID] {
			return nil, fmt.Errorf("manifest backend %q: duplicate id", b.ID)
		}
		seen[b.ID] = true
	}
	for i, p := range m.Peers {
		if p.ID == "" {
			return nil, fmt.Errorf("manifest peer %d: missing id", i)
		}
		if p.Address == "" {
			return nil, fmt.Errorf("manifest peer %q: missing address", p.ID)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("manifest peer %q: duplicate id", p.ID)
		}
		seen[p.ID] = true
	}
	return &m, nil
}
