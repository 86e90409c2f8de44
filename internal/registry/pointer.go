package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/healthsync/internal/common"
)

// PointerStore holds the shared, mutable "latest snapshot" pointer.
type PointerStore interface {
	Publish(ctx context.Context, p Pointer) error
	// Resolve returns common.ErrNotFound when nothing was published yet.
	Resolve(ctx context.Context) (Pointer, error)
}

// FileStore is a mutable file namespace: the local node's MFS or an S3
// bucket.
type FileStore interface {
	WriteFile(ctx context.Context, path string, data []byte) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// Default pointer locations.
const (
	MFSPointerPath = "/healthsync/registry-latest.json"
	S3PointerKey   = "registry/latest.json"
)

// FilePointer stores the pointer as a JSON file.
type FilePointer struct {
	files FileStore
	path  string
}

func NewFilePointer(files FileStore, path string) *FilePointer {
	return &FilePointer{files: files, path: path}
}

func (p *FilePointer) Publish(ctx context.Context, ptr Pointer) error {
	data, err := json.Marshal(ptr)
	if err != nil {
		return err
	}
	if err := p.files.WriteFile(ctx, p.path, data); err != nil {
		return fmt.Errorf("publish pointer to %s: %w", p.path, err)
	}
	return nil
}

func (p *FilePointer) Resolve(ctx context.Context) (Pointer, error) {
	var ptr Pointer
	data, err := p.files.ReadFile(ctx, p.path)
	if err != nil {
		return ptr, fmt.Errorf("resolve pointer at %s: %w", p.path, err)
	}
	if err := json.Unmarshal(data, &ptr); err != nil {
		return ptr, fmt.Errorf("decode pointer at %s: %w", p.path, err)
	}
	if err := ptr.LatestRef.Validate(); err != nil {
		return ptr, fmt.Errorf("pointer at %s: %w", p.path, err)
	}
	return ptr, nil
}

// LocalOnly keeps no shared pointer; the registry then lives on this
// device only.
type LocalOnly struct{}

func (LocalOnly) Publish(context.Context, Pointer) error { return nil }

func (LocalOnly) Resolve(context.Context) (Pointer, error) {
	return Pointer{}, fmt.Errorf("local-only registry: %w", common.ErrNotFound)
}

// MemPointer is an in-process PointerStore several registries can share.
type MemPointer struct {
	mu      sync.Mutex
	ptr     *Pointer
	offline bool
}

func (m *MemPointer) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

var errPointerOffline = fmt.Errorf("pointer store offline: %w", common.ErrUnavailable)

func (m *MemPointer) Publish(_ context.Context, p Pointer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return errPointerOffline
	}
	m.ptr = &p
	return nil
}

func (m *MemPointer) Resolve(context.Context) (Pointer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return Pointer{}, errPointerOffline
	}
	if m.ptr == nil {
		return Pointer{}, common.ErrNotFound
	}
	return *m.ptr, nil
}

func isNotFound(err error) bool { return errors.Is(err, common.ErrNotFound) }
