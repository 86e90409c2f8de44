// Package registry maintains the cross-device index of records. The whole
// index is republished to the content store on every change and a shared
// pointer names the latest snapshot, so any device can discover records it
// does not have in one fetch.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/healthsync/internal/common"
	"github.com/dmitrijs2005/healthsync/internal/cryptobox"
	"github.com/dmitrijs2005/healthsync/internal/ledger"
	"github.com/dmitrijs2005/healthsync/internal/localdb"
	"github.com/dmitrijs2005/healthsync/internal/logging"
	"github.com/dmitrijs2005/healthsync/internal/models"
)

// Origin tags records inserted by Reconcile.
const Origin = "registry"

const snapshotVersion = 1

// Entry locates one record.
type Entry struct {
	RecordID   string            `json:"record_id"`
	ContentRef models.ContentRef `json:"content_ref"`
	Metadata   models.Metadata   `json:"metadata"`
	DeviceID   string            `json:"device_id"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Snapshot is the serialized registry.
type Snapshot struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Records   []Entry   `json:"records"`
}

// Pointer names the current snapshot.
type Pointer struct {
	LatestRef models.ContentRef `json:"latest_ref"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Content is the part of the content store the registry uses.
type Content interface {
	Put(ctx context.Context, data []byte) (models.ContentRef, error)
	Get(ctx context.Context, ref models.ContentRef) ([]byte, error)
	Probe(ctx context.Context) bool
}

// Ledger is the part of the ledger Reconcile uses.
type Ledger interface {
	Has(ctx context.Context, id string) (bool, error)
	Merge(ctx context.Context, remote models.Record, policy ledger.Policy, origin string) (ledger.MergeOutcome, error)
}

// State persists the local copy of the snapshot and pointer.
type State interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

type Registry struct {
	mu sync.Mutex

	content  Content
	pointers PointerStore
	state    State
	ledger   Ledger
	key      cryptobox.Key
	deviceID string
	logger   logging.Logger
	now      func() time.Time
}

type Option func(*Registry)

func WithLogger(logger logging.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New builds a registry. Snapshots are sealed under key, so only devices
// holding the same key can read them.
func New(content Content, pointers PointerStore, state State, l Ledger, key cryptobox.Key, deviceID string, opts ...Option) *Registry {
	if pointers == nil {
		pointers = LocalOnly{}
	}
	r := &Registry{
		content:  content,
		pointers: pointers,
		state:    state,
		ledger:   l,
		key:      key,
		deviceID: deviceID,
		logger:   logging.Nop{},
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) loadLocal(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Version: snapshotVersion}
	raw, err := r.state.Get(ctx, localdb.KeyRegistryCache)
	if isNotFound(err) {
		return snap, nil
	}
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snap, fmt.Errorf("decode cached registry: %w", err)
	}
	return snap, nil
}

func (r *Registry) saveLocal(ctx context.Context, snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return r.state.Set(ctx, localdb.KeyRegistryCache, raw)
}

// Local returns this device's view of the registry.
func (r *Registry) Local(ctx context.Context) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocal(ctx)
}

// Dirty reports whether the last publish did not reach the shared pointer.
func (r *Registry) Dirty(ctx context.Context) (bool, error) {
	raw, err := r.state.Get(ctx, localdb.KeyRegistryDirty)
	if isNotFound(err) {
		return false, nil
	}
	return string(raw) == "1", err
}

func (r *Registry) setDirty(ctx context.Context, dirty bool) error {
	v := "0"
	if dirty {
		v = "1"
	}
	return r.state.Set(ctx, localdb.KeyRegistryDirty, []byte(v))
}

// fetchRemote loads the snapshot the shared pointer names.
func (r *Registry) fetchRemote(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	ptr, err := r.pointers.Resolve(ctx)
	if err != nil {
		return snap, err
	}
	sealed, err := r.content.Get(ctx, ptr.LatestRef)
	if err != nil {
		return snap, fmt.Errorf("fetch snapshot %s: %w", ptr.LatestRef, err)
	}
	if err := cryptobox.Decrypt(sealed, r.key, &snap); err != nil {
		return snap, fmt.Errorf("open snapshot %s: %w", ptr.LatestRef, err)
	}
	if snap.Version != snapshotVersion {
		return snap, fmt.Errorf("snapshot %s has unsupported version %d", ptr.LatestRef, snap.Version)
	}
	return snap, nil
}

// mergeSnapshots unions entries by record id. For an id on both sides the
// entry updated later wins; ties keep base.
func mergeSnapshots(base, other Snapshot) (Snapshot, bool) {
	idx := make(map[string]int, len(base.Records))
	for i, e := range base.Records {
		idx[e.RecordID] = i
	}
	changed := false
	for _, e := range other.Records {
		i, ok := idx[e.RecordID]
		if !ok {
			idx[e.RecordID] = len(base.Records)
			base.Records = append(base.Records, e)
			changed = true
			continue
		}
		if e.UpdatedAt.After(base.Records[i].UpdatedAt) {
			base.Records[i] = e
			changed = true
		}
	}
	return base, changed
}

func upsertEntry(snap *Snapshot, e Entry) {
	for i := range snap.Records {
		if snap.Records[i].RecordID == e.RecordID {
			e.CreatedAt = snap.Records[i].CreatedAt
			snap.Records[i] = e
			return
		}
	}
	snap.Records = append(snap.Records, e)
}

// withRemote folds the shared snapshot into local when it can be read.
// Failing to read it is not an error: the registry stays usable offline.
func (r *Registry) withRemote(ctx context.Context, local Snapshot) Snapshot {
	remote, err := r.fetchRemote(ctx)
	if err != nil {
		if !isNotFound(err) {
			r.logger.Debug(ctx, "shared registry not readable, publishing local view", "error", err)
		}
		return local
	}
	merged, _ := mergeSnapshots(local, remote)
	return merged
}

// publish stores snap, updates the local pointer and tries the shared one.
// A pending snapshot or an unreachable pointer store leaves the registry
// dirty for a later Republish.
func (r *Registry) publish(ctx context.Context, snap Snapshot) error {
	snap.Version = snapshotVersion
	snap.UpdatedAt = r.now().UTC()
	sort.Slice(snap.Records, func(i, j int) bool { return snap.Records[i].RecordID < snap.Records[j].RecordID })

	if err := r.saveLocal(ctx, snap); err != nil {
		return err
	}

	sealed, err := cryptobox.Encrypt(snap, r.key)
	if err != nil {
		return fmt.Errorf("seal snapshot: %w", err)
	}
	ref, err := r.content.Put(ctx, sealed)
	if err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}

	ptr := Pointer{LatestRef: ref, UpdatedAt: snap.UpdatedAt}
	rawPtr, err := json.Marshal(ptr)
	if err != nil {
		return err
	}
	if err := r.state.Set(ctx, localdb.KeyRegistryPointer, rawPtr); err != nil {
		return err
	}

	if ref.IsPending() {
		r.logger.Info(ctx, "registry snapshot queued, pointer publish deferred", "ref", ref.String())
		return r.setDirty(ctx, true)
	}
	if err := r.pointers.Publish(ctx, ptr); err != nil {
		r.logger.Warn(ctx, "registry pointer not published", "ref", ref.String(), "error", err)
		return r.setDirty(ctx, true)
	}
	r.logger.Debug(ctx, "registry published", "ref", ref.String(), "entries", len(snap.Records))
	return r.setDirty(ctx, false)
}

// Register adds or updates the entry for a record and republishes.
func (r *Registry) Register(ctx context.Context, recordID string, ref models.ContentRef, md models.Metadata) error {
	return r.RegisterRecords(ctx, []models.Record{{ID: recordID, ContentRef: ref, Metadata: md}})
}

// RegisterRecords upserts entries for several records with one publish.
// Tombstones and records without content are skipped; the registry is
// additive.
func (r *Registry) RegisterRecords(ctx context.Context, records []models.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	local, err := r.loadLocal(ctx)
	if err != nil {
		return err
	}
	snap := r.withRemote(ctx, local)

	now := r.now().UTC()
	for _, rec := range records {
		if rec.Deleted || rec.ContentRef.IsZero() {
			continue
		}
		device := rec.DeviceID
		if device == "" {
			device = r.deviceID
		}
		upsertEntry(&snap, Entry{
			RecordID:   rec.ID,
			ContentRef: rec.ContentRef,
			Metadata:   rec.Metadata.Normalize(),
			DeviceID:   device,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	return r.publish(ctx, snap)
}

// Republish publishes the local snapshot again if the last publish did not
// reach the shared pointer.
func (r *Registry) Republish(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dirty, err := r.Dirty(ctx)
	if err != nil || !dirty {
		return err
	}
	local, err := r.loadLocal(ctx)
	if err != nil {
		return err
	}
	if err := r.publish(ctx, r.withRemote(ctx, local)); err != nil {
		return err
	}
	if dirty, _ := r.Dirty(ctx); dirty {
		return fmt.Errorf("registry still unpublished: %w", common.ErrUnavailable)
	}
	return nil
}

// RewriteRef replaces a drained pending ref in every entry and, if the
// registry referred to it, republishes.
func (r *Registry) RewriteRef(ctx context.Context, from, to models.ContentRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, err := r.loadLocal(ctx)
	if err != nil {
		return err
	}
	changed := false
	for i := range snap.Records {
		if snap.Records[i].ContentRef.Equal(from) {
			snap.Records[i].ContentRef = to
			snap.Records[i].UpdatedAt = r.now().UTC()
			changed = true
		}
	}

	var ptr Pointer
	if raw, err := r.state.Get(ctx, localdb.KeyRegistryPointer); err == nil {
		if json.Unmarshal(raw, &ptr) == nil && ptr.LatestRef.Equal(from) {
			changed = true
		}
	} else if !errors.Is(err, common.ErrNotFound) {
		return err
	}

	if !changed {
		return nil
	}
	return r.publish(ctx, r.withRemote(ctx, snap))
}
