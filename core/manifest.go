package core

import (
	"fmt"
	"sort"
	"sync"
)

// Manifest is a static descriptor to factory table. Coordinator and hosts
// build the same manifest so a descriptor resolves identically on both sides.
type Manifest struct {
	mu        sync.RWMutex
	factories map[Descriptor]Factory
}

// NewManifest creates an empty manifest.
func NewManifest() *Manifest {
	return &Manifest{factories: make(map[Descriptor]Factory)}
}

// Register adds a factory for d.
func (m *Manifest) Register(d Descriptor, f Factory) error {
	if d.IsZero() {
		return fmt.Errorf("cannot register empty descriptor")
	}
	if f == nil {
		return fmt.Errorf("cannot register nil factory for %s", d)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.factories[d]; exists {
		return fmt.Errorf("%s: %w", d, ErrDuplicateDescriptor)
	}
	m.factories[d] = f
	return nil
}

// MustRegister is Register that panics on error, for static wiring.
func (m *Manifest) MustRegister(d Descriptor, f Factory) *Manifest {
	if err := m.Register(d, f); err != nil {
		panic(err)
	}
	return m
}

// Resolve returns the factory for d or a *ResolutionError.
func (m *Manifest) Resolve(d Descriptor) (Factory, error) {
	m.mu.RLock()
	f, ok := m.factories[d]
	m.mu.RUnlock()

	if !ok {
		return nil, &ResolutionError{Descriptor: d, Err: ErrUnknownDescriptor}
	}
	return f, nil
}

// Descriptors lists registered descriptors in a stable order.
func (m *Manifest) Descriptors() []Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Descriptor, 0, len(m.factories))
	for d := range m.factories {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}
