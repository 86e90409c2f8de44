// Package contentstore keeps encrypted blobs on one or more content
// backends. Puts fan out to every configured backend; when none accepts a
// blob it is parked in a durable local queue and drained later.
package contentstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/healthsync/internal/common"
	"github.com/dmitrijs2005/healthsync/internal/logging"
	"github.com/dmitrijs2005/healthsync/internal/models"
	"github.com/dmitrijs2005/healthsync/internal/netx"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Backend is a content-addressed blob store.
type Backend interface {
	Name() string
	// Upload stores data and returns the backend's id for it.
	Upload(ctx context.Context, data []byte) (string, error)
	// Download returns common.ErrNotFound when id is unknown.
	Download(ctx context.Context, id string) ([]byte, error)
	// Probe reports whether the backend answers right now.
	Probe(ctx context.Context) bool
}

// RefRewriter replaces references to a queued blob once it has a durable
// location.
type RefRewriter interface {
	RewriteRef(ctx context.Context, from, to models.ContentRef) error
}

type location struct {
	backend string
	id      string
}

type Store struct {
	db          *sql.DB
	backends    []Backend
	callTimeout time.Duration
	logger      logging.Logger
	now         func() time.Time
}

type Option func(*Store)

// WithCallTimeout bounds every individual backend call.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New returns a Store over db (opened by localdb.Open). backends are listed
// in preference order: the first one that accepts a blob names its ref.
func New(db *sql.DB, backends []Backend, opts ...Option) *Store {
	s := &Store{
		db:          db,
		backends:    backends,
		callTimeout: netx.DefaultTimeout,
		logger:      logging.Nop{},
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Backends returns the configured backends in preference order.
func (s *Store) Backends() []Backend {
	return s.backends
}

func (s *Store) backend(name string) Backend {
	for _, b := range s.backends {
		if b.Name() == name {
			return b
		}
	}
	return nil
}

// Probe reports whether at least one backend is reachable.
func (s *Store) Probe(ctx context.Context) bool {
	for _, b := range s.backends {
		cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
		ok := b.Probe(cctx)
		cancel()
		if ok {
			return true
		}
	}
	return false
}

// upload sends data to every backend concurrently. It returns the
// successful locations in preference order and the joined failures.
func (s *Store) upload(ctx context.Context, data []byte) ([]location, error) {
	ids := make([]string, len(s.backends))
	errs := make([]error, len(s.backends))

	var g errgroup.Group
	for i, b := range s.backends {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
			defer cancel()

			id, err := b.Upload(cctx, data)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", b.Name(), netx.Classify(err))
				return nil
			}
			ids[i] = id
			return nil
		})
	}
	_ = g.Wait()

	var locs []location
	for i, b := range s.backends {
		if ids[i] != "" {
			locs = append(locs, location{backend: b.Name(), id: ids[i]})
		}
	}
	return locs, multierr.Combine(errs...)
}

func (s *Store) recordLocations(ctx context.Context, ref models.ContentRef, locs []location) error {
	for _, l := range locs {
		_, err := s.db.ExecContext(ctx, `INSERT INTO content_locations (ref_backend, ref_id, backend, backend_id)
			VALUES (?, ?, ?, ?) ON CONFLICT(ref_backend, ref_id, backend) DO UPDATE SET backend_id=excluded.backend_id`,
			ref.Backend, ref.ID, l.backend, l.id)
		if err != nil {
			return fmt.Errorf("record location %s on %s: %w", ref, l.backend, err)
		}
	}
	return nil
}

// Put stores data and returns its reference. When every backend fails the
// blob is queued locally and a pending reference is returned; Put only
// fails if the local queue cannot be written.
func (s *Store) Put(ctx context.Context, data []byte) (models.ContentRef, error) {
	locs, uploadErr := s.upload(ctx, data)
	if len(locs) > 0 {
		ref := models.Durable(locs[0].backend, locs[0].id)
		if err := s.recordLocations(ctx, ref, locs); err != nil {
			return models.ContentRef{}, err
		}
		if uploadErr != nil {
			s.logger.Warn(ctx, "some content backends rejected a blob", "ref", ref.String(), "error", uploadErr)
		}
		return ref, nil
	}

	if err := ctx.Err(); err != nil {
		return models.ContentRef{}, err
	}

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO pending_blobs (id, data, created_at) VALUES (?, ?, ?)`,
		id, data, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return models.ContentRef{}, fmt.Errorf("queue blob: %w", err)
	}

	s.logger.Info(ctx, "no content backend reachable, blob queued", "queue_id", id, "error", uploadErr)
	return models.Pending(id), nil
}

// Get returns the bytes behind ref. Pending refs are served from the queue,
// or from the durable location a drain moved them to. Durable refs try the
// named backend first, then every other recorded location.
func (s *Store) Get(ctx context.Context, ref models.ContentRef) ([]byte, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if ref.IsPending() {
		return s.getPending(ctx, ref)
	}
	return s.getDurable(ctx, ref)
}

func (s *Store) getPending(ctx context.Context, ref models.ContentRef) ([]byte, error) {
	var (
		data            []byte
		backend, target string
	)
	err := s.db.QueryRowContext(ctx, `SELECT data, drained_backend, drained_id FROM pending_blobs WHERE id=?`, ref.ID).
		Scan(&data, &backend, &target)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queued blob %s: %w", ref.ID, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select queued blob %s: %w", ref.ID, err)
	}
	if target == "" {
		return data, nil
	}
	return s.getDurable(ctx, models.Durable(backend, target))
}

func (s *Store) locations(ctx context.Context, ref models.ContentRef) ([]location, error) {
	locs := []location{{backend: ref.Backend, id: ref.ID}}

	rows, err := s.db.QueryContext(ctx,
		`SELECT backend, backend_id FROM content_locations WHERE ref_backend=? AND ref_id=? ORDER BY rowid`,
		ref.Backend, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("select locations of %s: %w", ref, err)
	}
	defer rows.Close()

	for rows.Next() {
		var l location
		if err := rows.Scan(&l.backend, &l.id); err != nil {
			return nil, err
		}
		if l != locs[0] {
			locs = append(locs, l)
		}
	}
	return locs, rows.Err()
}

func (s *Store) getDurable(ctx context.Context, ref models.ContentRef) ([]byte, error) {
	locs, err := s.locations(ctx, ref)
	if err != nil {
		return nil, err
	}

	var errs error
	allMissing := true
	for _, l := range locs {
		b := s.backend(l.backend)
		if b == nil {
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
		data, err := b.Download(cctx, l.id)
		cancel()
		if err == nil {
			return data, nil
		}

		err = netx.Classify(err)
		if !errors.Is(err, common.ErrNotFound) {
			allMissing = false
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", l.backend, err))
	}

	if allMissing {
		return nil, fmt.Errorf("content %s: %w", ref, common.ErrNotFound)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("content %s: %w: %w", ref, common.ErrUnavailable, errs)
}

// PendingCount reports how many blobs wait in the queue.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_blobs WHERE drained_id=''`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queued blobs: %w", err)
	}
	return n, nil
}
