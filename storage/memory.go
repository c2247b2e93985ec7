package storage

import (
	"context"
	"sync"
)

// Memory keeps records in process memory. Records survive handle Close and
// reopen, so an actor that is hibernated and woken again sees its state, but
// nothing survives the process.
type Memory struct {
	mu      sync.RWMutex
	records map[string]map[string][]byte
	closed  bool
}

// NewMemory creates an empty in-memory provider.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]map[string][]byte)}
}

// Open returns a handle for identity.
func (m *Memory) Open(ctx context.Context, identity string) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.records[identity]; !ok {
		m.records[identity] = make(map[string][]byte)
	}
	return &memoryHandle{store: m, identity: identity}, nil
}

// Close drops every record.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.records = make(map[string]map[string][]byte)
	return nil
}

// Identities returns the identities that have been opened at least once.
func (m *Memory) Identities() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	return ids
}

type memoryHandle struct {
	store    *Memory
	identity string

	mu     sync.Mutex
	closed bool
}

func (h *memoryHandle) Get(ctx context.Context, key string) ([]byte, error) {
	if h.isClosed() {
		return nil, ErrClosed
	}

	h.store.mu.RLock()
	defer h.store.mu.RUnlock()

	value, ok := h.store.records[h.identity][key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (h *memoryHandle) Put(ctx context.Context, key string, value []byte) error {
	if h.isClosed() {
		return ErrClosed
	}

	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	records, ok := h.store.records[h.identity]
	if !ok {
		// Provider was closed and reset underneath us.
		return ErrClosed
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	records[key] = stored
	return nil
}

func (h *memoryHandle) Delete(ctx context.Context, key string) error {
	if h.isClosed() {
		return ErrClosed
	}

	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	delete(h.store.records[h.identity], key)
	return nil
}

func (h *memoryHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *memoryHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
