// Package storage persists authenticator state through an abstract key-value
// store. All values are UTF-8 JSON strings; binary payloads are base64 inside
// the JSON. The store contract includes CompareAndSwap so that every
// read-modify-write sequence (credential list append, pool pop) can be
// serialized per key without a global lock.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/samber/mo"
)

var ErrStoreUnavailable = errors.New("storage: store unavailable")

// KV is the abstract key-value store consumed by this engine. Get returns
// None for absent keys; absence is a valid, not exceptional, state.
// CompareAndSwap succeeds only when the current value matches old (None
// meaning the key must be absent).
type KV interface {
	Get(ctx context.Context, key string) (mo.Option[string], error)
	Set(ctx context.Context, key, value string) error
	CompareAndSwap(ctx context.Context, key string, old mo.Option[string], value string) (bool, error)
}

// MemoryStore is an in-process KV used by tests and embedding hosts.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (mo.Option[string], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.values[key]
	if !ok {
		return mo.None[string](), nil
	}
	return mo.Some(v), nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
	return nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, key string, old mo.Option[string], value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.values[key]
	if expected, present := old.Get(); present {
		if !ok || current != expected {
			return false, nil
		}
	} else if ok {
		return false, nil
	}

	s.values[key] = value
	return true, nil
}

// FileStore is a KV backed by a single JSON document on disk, used by the
// administrative CLI. Writes go through a temp file plus rename.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) load() (map[string]string, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	values := make(map[string]string)
	if err := json.Unmarshal(b, &values); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return values, nil
}

func (s *FileStore) flush(values map[string]string) error {
	b, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, key string) (mo.Option[string], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return mo.None[string](), err
	}
	v, ok := values[key]
	if !ok {
		return mo.None[string](), nil
	}
	return mo.Some(v), nil
}

func (s *FileStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return err
	}
	values[key] = value
	return s.flush(values)
}

func (s *FileStore) CompareAndSwap(_ context.Context, key string, old mo.Option[string], value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return false, err
	}

	current, ok := values[key]
	if expected, present := old.Get(); present {
		if !ok || current != expected {
			return false, nil
		}
	} else if ok {
		return false, nil
	}

	values[key] = value
	return true, s.flush(values)
}
