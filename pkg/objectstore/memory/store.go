// Package memory implements an in-memory object store used by tests and
// single-process development deployments.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/nearlinedata/nlds/pkg/objectstore"
)

// Store holds buckets of objects in process memory. Safe for concurrent
// use. Connect returns the same store regardless of credentials, mirroring
// a tenancy every worker can reach.
type Store struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
	tenancy string
}

var (
	_ objectstore.Store     = (*Store)(nil)
	_ objectstore.Connector = (*Store)(nil)
)

// New creates an empty store.
func New(tenancy string) *Store {
	return &Store{
		buckets: make(map[string]map[string][]byte),
		tenancy: tenancy,
	}
}

// Connect implements Connector; credentials are accepted unchecked.
func (s *Store) Connect(_ context.Context, _ objectstore.Credentials) (objectstore.Store, error) {
	return s, nil
}

// Tenancy returns the configured namespace.
func (s *Store) Tenancy() string { return s.tenancy }

// EnsureBucket creates the bucket if missing.
func (s *Store) EnsureBucket(_ context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[bucket]; !ok {
		s.buckets[bucket] = make(map[string][]byte)
	}
	return nil
}

// Put stores the object bytes.
func (s *Store) Put(_ context.Context, bucket, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("size mismatch for %s/%s: declared %d, read %d",
			bucket, key, size, len(data))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		s.buckets[bucket] = b
	}
	b[key] = append([]byte(nil), data...)
	return nil
}

// Get opens the object for reading.
func (s *Store) Get(_ context.Context, bucket, key string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[bucket]
	if !ok {
		return nil, objectstore.ObjectInfo{}, objectstore.ErrNotFound
	}
	data, ok := b[key]
	if !ok {
		return nil, objectstore.ObjectInfo{}, objectstore.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), objectstore.ObjectInfo{Size: int64(len(data))}, nil
}

// Stat returns the object size.
func (s *Store) Stat(_ context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.buckets[bucket]; ok {
		if data, ok := b[key]; ok {
			return objectstore.ObjectInfo{Size: int64(len(data))}, nil
		}
	}
	return objectstore.ObjectInfo{}, objectstore.ErrNotFound
}

// Delete removes the object; missing objects are ignored.
func (s *Store) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[bucket]; ok {
		delete(b, key)
	}
	return nil
}
