// Package memstore is an in-process content backend. It stands in for a
// real node in offline setups and in tests, where it can be switched
// offline to exercise the pending queue.
package memstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/healthsync/internal/common"
)

type Store struct {
	name string

	mu      sync.RWMutex
	blobs   map[string][]byte
	offline bool
	uploads int
}

func New(name string) *Store {
	return &Store{name: name, blobs: map[string][]byte{}}
}

func (s *Store) Name() string { return s.name }

// SetOffline makes every call fail with common.ErrUnavailable.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// Uploads counts successful uploads.
func (s *Store) Uploads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uploads
}

// Len returns the number of distinct blobs held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

func (s *Store) Upload(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return "", fmt.Errorf("%s offline: %w", s.name, common.ErrUnavailable)
	}
	sum := sha256.Sum256(data)
	id := "mem-" + hex.EncodeToString(sum[:])
	s.blobs[id] = append([]byte(nil), data...)
	s.uploads++
	return id, nil
}

func (s *Store) Download(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.offline {
		return nil, fmt.Errorf("%s offline: %w", s.name, common.ErrUnavailable)
	}
	b, ok := s.blobs[id]
	if !ok {
		return nil, fmt.Errorf("%s: blob %s: %w", s.name, id, common.ErrNotFound)
	}
	return append([]byte(nil), b...), nil
}

func (s *Store) Probe(ctx context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.offline && ctx.Err() == nil
}

// Forget drops a blob, as if the backend lost it.
func (s *Store) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, id)
}
