package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
)

// File persists each identity as one JSON document under a root directory.
// Writes go to a temporary file that is renamed over the document, so a crash
// leaves either the old or the new record set.
//
// Several processes may share a directory as long as each identity is only
// written by the process that owns it, which placement guarantees.
type File struct {
	dir string

	mu    sync.Mutex
	locks map[string]*identityLock
}

// identityLock serializes the handles of one identity. The entry is dropped
// when its last handle closes.
type identityLock struct {
	sync.Mutex
	refs int
}

// NewFile creates a file provider rooted at dir, creating it if needed.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, fmt.Errorf("file storage requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}
	return &File{dir: dir, locks: make(map[string]*identityLock)}, nil
}

// Open returns a handle for identity.
func (f *File) Open(ctx context.Context, identity string) (Handle, error) {
	f.mu.Lock()
	lock, ok := f.locks[identity]
	if !ok {
		lock = &identityLock{}
		f.locks[identity] = lock
	}
	lock.refs++
	f.mu.Unlock()

	return &fileHandle{
		provider: f,
		identity: identity,
		path:     filepath.Join(f.dir, url.PathEscape(identity)+".json"),
		lock:     lock,
	}, nil
}

func (f *File) release(identity string, lock *identityLock) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lock.refs--
	if lock.refs == 0 && f.locks[identity] == lock {
		delete(f.locks, identity)
	}
}

// Close is a no-op; records stay on disk.
func (f *File) Close() error {
	return nil
}

type fileHandle struct {
	provider *File
	identity string
	path     string

	// lock is shared by every open handle of the same identity.
	lock   *identityLock
	closed bool
}

func (h *fileHandle) Get(ctx context.Context, key string) ([]byte, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	records, err := h.load()
	if err != nil {
		return nil, err
	}
	value, ok := records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

func (h *fileHandle) Put(ctx context.Context, key string, value []byte) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.closed {
		return ErrClosed
	}
	records, err := h.load()
	if err != nil {
		return err
	}
	records[key] = value
	return h.store(records)
}

func (h *fileHandle) Delete(ctx context.Context, key string) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.closed {
		return ErrClosed
	}
	records, err := h.load()
	if err != nil {
		return err
	}
	if _, ok := records[key]; !ok {
		return nil
	}
	delete(records, key)
	return h.store(records)
}

func (h *fileHandle) Close() error {
	h.lock.Lock()
	if h.closed {
		h.lock.Unlock()
		return nil
	}
	h.closed = true
	h.lock.Unlock()

	h.provider.release(h.identity, h.lock)
	return nil
}

// load reads the record set. []byte values round-trip through base64 in JSON.
func (h *fileHandle) load() (map[string][]byte, error) {
	records := make(map[string][]byte)

	data, err := os.ReadFile(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return records, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", h.path, err)
	}
	if len(data) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", h.path, err)
	}
	return records, nil
}

func (h *fileHandle) store(records map[string][]byte) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode records: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(h.path), ".record-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write records: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync records: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), h.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", h.path, err)
	}
	return nil
}
