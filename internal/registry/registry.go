// Package registry holds the last-known state of every device seen by the
// process. It is a generic keyed merge store: it performs no validation of
// field semantics and merge never fails.
package registry

import (
	"sync"

	"github.com/srg/blescope/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Registry maps a device id to its Device record.
// Entries are never deleted and are listed in first-seen order.
// All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	devices *orderedmap.OrderedMap[string, *device.Device]
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		devices: orderedmap.New[string, *device.Device](),
	}
}

// Get returns a copy of the device record, or false when the id is unknown
func (r *Registry) Get(id string) (*device.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices.Get(id)
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// Merge applies patch to the record for id, creating it when absent.
// Returns a copy of the merged record.
func (r *Registry) Merge(id string, patch *device.Patch) *device.Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices.Get(id)
	if !ok {
		d = &device.Device{ID: id, ServiceUUIDs: []string{}}
		r.devices.Set(id, d)
	}
	patch.Apply(d)
	return d.Clone()
}

// Update runs fn against the current record (nil when absent) and merges the
// patch it returns, all under one lock. A nil patch leaves the registry unchanged.
func (r *Registry) Update(id string, fn func(current *device.Device) *device.Patch) *device.Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices.Get(id)
	var current *device.Device
	if ok {
		current = d.Clone()
	}

	patch := fn(current)
	if patch == nil {
		return current
	}
	if !ok {
		d = &device.Device{ID: id, ServiceUUIDs: []string{}}
		r.devices.Set(id, d)
	}
	patch.Apply(d)
	return d.Clone()
}

// List returns an independent snapshot of all records in first-seen order
func (r *Registry) List() []*device.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*device.Device, 0, r.devices.Len())
	for pair := r.devices.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value.Clone())
	}
	return result
}

// Len returns the number of known devices
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices.Len()
}
