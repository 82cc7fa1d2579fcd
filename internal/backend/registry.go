package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a driver for one record. The record's Settings carry the
// driver-specific configuration.
type Factory func(rec *Record) (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// RegisterDriver binds a driver_type tag to its factory. Later registrations
// of the same tag replace earlier ones; the daemon wires each type once.
func RegisterDriver(driverType string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[driverType] = factory
}

// NewDriver instantiates the driver for rec.DriverType.
func NewDriver(rec *Record) (Driver, error) {
	registryMu.RLock()
	factory, ok := registry[rec.DriverType]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown driver type %q", rec.DriverType)
	}
	return factory(rec)
}

// DriverTypes lists the registered driver_type tags, sorted.
func DriverTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
