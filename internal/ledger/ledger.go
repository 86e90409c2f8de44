package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/healthsync/internal/common"
	"github.com/dmitrijs2005/healthsync/internal/dbx"
	"github.com/dmitrijs2005/healthsync/internal/logging"
	"github.com/dmitrijs2005/healthsync/internal/models"
	"github.com/dmitrijs2005/healthsync/internal/shared"
)

// OriginLocal marks changes made by direct edits on this device.
const OriginLocal = "local"

var ErrAttachmentImmutable = errors.New("attachments cannot be modified")

// Ledger is safe for concurrent use.
type Ledger struct {
	db     *sql.DB
	feed   *feed
	now    func() time.Time
	logger logging.Logger
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(logger logging.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New wraps a database opened by localdb.Open.
func New(db *sql.DB, opts ...Option) *Ledger {
	l := &Ledger{
		db:     db,
		feed:   newFeed(),
		now:    time.Now,
		logger: logging.Nop{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

const recordColumns = `id, rev, kind, metadata, content_ref, blockchain_hash, attachments,
	device_id, synced_from, deleted, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (models.Record, error) {
	var (
		r                    models.Record
		kind, md, ref, atts  string
		deleted              int
		createdAt, updatedAt string
	)
	err := row.Scan(&r.ID, &r.Rev, &kind, &md, &ref, &r.BlockchainHash, &atts,
		&r.DeviceID, &r.SyncedFrom, &deleted, &createdAt, &updatedAt)
	if err != nil {
		return r, err
	}
	r.Kind = models.Kind(kind)
	r.Deleted = deleted == 1
	if err := json.Unmarshal([]byte(md), &r.Metadata); err != nil {
		return r, fmt.Errorf("decode metadata of %s: %w", r.ID, err)
	}
	if r.ContentRef, err = models.UnmarshalRef(ref); err != nil {
		return r, fmt.Errorf("decode content ref of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(atts), &r.Attachments); err != nil {
		return r, fmt.Errorf("decode attachments of %s: %w", r.ID, err)
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return r, err
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return r, err
	}
	return r, nil
}

// getTx returns the stored row, tombstones included.
func getTx(ctx context.Context, tx dbx.DBTX, id string) (models.Record, bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id=?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, false, nil
	}
	if err != nil {
		return r, false, fmt.Errorf("select record %s: %w", id, err)
	}
	return r, true, nil
}

func upsertTx(ctx context.Context, tx dbx.DBTX, r models.Record) error {
	md, err := json.Marshal(r.Metadata)
	if err != nil {
		return err
	}
	ref, err := models.MarshalRef(r.ContentRef)
	if err != nil {
		return err
	}
	atts := r.Attachments
	if atts == nil {
		atts = []models.Attachment{}
	}
	attJSON, err := json.Marshal(atts)
	if err != nil {
		return err
	}
	deleted := 0
	if r.Deleted {
		deleted = 1
	}

	query := `INSERT INTO records (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			rev=excluded.rev, kind=excluded.kind, metadata=excluded.metadata,
			content_ref=excluded.content_ref, blockchain_hash=excluded.blockchain_hash,
			attachments=excluded.attachments, device_id=excluded.device_id,
			synced_from=excluded.synced_from, deleted=excluded.deleted,
			created_at=excluded.created_at, updated_at=excluded.updated_at`

	_, err = tx.ExecContext(ctx, query, r.ID, r.Rev, string(r.Kind), string(md), ref,
		r.BlockchainHash, string(attJSON), r.DeviceID, r.SyncedFrom, deleted,
		r.CreatedAt.UTC().Format(time.RFC3339Nano), r.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert record %s: %w", r.ID, err)
	}
	return nil
}

func appendChangeTx(ctx context.Context, tx dbx.DBTX, r models.Record, kind models.ChangeKind, origin string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO changes (record_id, revision, kind, origin) VALUES (?, ?, ?, ?)`,
		r.ID, r.Rev, string(kind), origin)
	if err != nil {
		return fmt.Errorf("append change for %s: %w", r.ID, err)
	}
	return nil
}

// nextRev advances a "<generation>-<hex>" token.
func nextRev(prev string) string {
	gen := 0
	if head, _, ok := strings.Cut(prev, "-"); ok {
		gen, _ = strconv.Atoi(head)
	}
	suffix, err := shared.MakeRandHexString(8)
	if err != nil {
		suffix = strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return strconv.Itoa(gen+1) + "-" + suffix
}

func conflict(id, current, given string) error {
	return fmt.Errorf("record %s: revision %q is stale, current is %q: %w", id, given, current, common.ErrConflict)
}

// Put creates or updates a record. prevRev must be "" for a new record and
// the current revision otherwise. The stored record is returned with its
// new revision. A caller-supplied UpdatedAt is kept when it moves the
// record forward, so it can match a payload sealed before the write;
// otherwise the ledger clock stamps it.
func (l *Ledger) Put(ctx context.Context, rec models.Record, prevRev string) (models.Record, error) {
	if rec.ID == "" {
		return rec, errors.New("record id is required")
	}
	rec.Metadata = rec.Metadata.Normalize()
	if rec.Kind == "" {
		rec.Kind = models.KindOf(rec.ID)
	}

	var out models.Record
	err := dbx.WithTx(ctx, l.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		cur, found, err := getTx(ctx, tx, rec.ID)
		if err != nil {
			return err
		}

		kind := models.ChangeCreate
		now := l.now().UTC()

		if found {
			if cur.Rev != prevRev {
				return conflict(rec.ID, cur.Rev, prevRev)
			}
			if err := checkAttachments(cur.Attachments, rec.Attachments); err != nil {
				return err
			}
			if err := dropRemovedBlobs(ctx, tx, rec.ID, cur.Attachments, rec.Attachments); err != nil {
				return err
			}
			kind = models.ChangeUpdate
			rec.CreatedAt = cur.CreatedAt
		} else if prevRev != "" {
			return conflict(rec.ID, "", prevRev)
		}

		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		if rec.UpdatedAt.IsZero() || (found && !rec.UpdatedAt.After(cur.UpdatedAt)) {
			rec.UpdatedAt = now
			if found && !now.After(cur.UpdatedAt) {
				rec.UpdatedAt = cur.UpdatedAt.Add(time.Microsecond)
			}
		}
		rec.Rev = nextRev(cur.Rev)

		if err := upsertTx(ctx, tx, rec); err != nil {
			return err
		}
		if err := appendChangeTx(ctx, tx, rec, kind, OriginLocal); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return models.Record{}, err
	}

	l.feed.notify()
	return out, nil
}

// Get returns a live record. Tombstones are reported as common.ErrNotFound.
func (l *Ledger) Get(ctx context.Context, id string) (models.Record, error) {
	r, err := l.Lookup(ctx, id)
	if err != nil {
		return r, err
	}
	if r.Deleted {
		return models.Record{}, fmt.Errorf("record %s is deleted: %w", id, common.ErrNotFound)
	}
	return r, nil
}

// Lookup returns a record including tombstones.
func (l *Ledger) Lookup(ctx context.Context, id string) (models.Record, error) {
	r, found, err := getTx(ctx, l.db, id)
	if err != nil {
		return r, err
	}
	if !found {
		return r, fmt.Errorf("record %s: %w", id, common.ErrNotFound)
	}
	return r, nil
}

// Has reports whether id exists, tombstones included.
func (l *Ledger) Has(ctx context.Context, id string) (bool, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE id=?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (l *Ledger) query(ctx context.Context, query string, args ...any) ([]models.Record, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select records: %w", err)
	}
	defer rows.Close()

	result := []models.Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// List returns live records, most recently updated first.
func (l *Ledger) List(ctx context.Context) ([]models.Record, error) {
	return l.query(ctx, `SELECT `+recordColumns+` FROM records WHERE deleted=0 ORDER BY updated_at DESC, id`)
}

// Search matches q case-insensitively against name, diagnosis and age.
func (l *Ledger) Search(ctx context.Context, q string) ([]models.Record, error) {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return l.List(ctx)
	}
	like := "%" + q + "%"
	return l.query(ctx, `SELECT `+recordColumns+` FROM records
		WHERE deleted=0 AND (
			LOWER(json_extract(metadata, '$.name')) LIKE ? OR
			LOWER(json_extract(metadata, '$.diagnosis')) LIKE ? OR
			LOWER(json_extract(metadata, '$.age')) LIKE ?)
		ORDER BY updated_at DESC, id`, like, like, like)
}

// Delete writes a tombstone for id.
func (l *Ledger) Delete(ctx context.Context, id, prevRev string) (models.Record, error) {
	var out models.Record
	err := dbx.WithTx(ctx, l.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		cur, found, err := getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if !found || cur.Deleted {
			return fmt.Errorf("record %s: %w", id, common.ErrNotFound)
		}
		if cur.Rev != prevRev {
			return conflict(id, cur.Rev, prevRev)
		}

		cur.Deleted = true
		cur.UpdatedAt = l.now().UTC()
		cur.Rev = nextRev(cur.Rev)

		if err := upsertTx(ctx, tx, cur); err != nil {
			return err
		}
		if err := appendChangeTx(ctx, tx, cur, models.ChangeDelete, OriginLocal); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return models.Record{}, err
	}

	l.feed.notify()
	return out, nil
}

// checkAttachments rejects changes to attachments that exist in both lists.
func checkAttachments(cur, next []models.Attachment) error {
	for _, n := range next {
		for _, c := range cur {
			if c.ID != n.ID {
				continue
			}
			if !c.ContentRef.Equal(n.ContentRef) || !c.MetadataRef.Equal(n.MetadataRef) ||
				c.BlockchainHash != n.BlockchainHash || c.Size != n.Size {
				return fmt.Errorf("attachment %s: %w", n.ID, ErrAttachmentImmutable)
			}
		}
	}
	return nil
}

func dropRemovedBlobs(ctx context.Context, tx dbx.DBTX, recordID string, cur, next []models.Attachment) error {
	keep := make(map[string]struct{}, len(next))
	for _, n := range next {
		keep[n.ID] = struct{}{}
	}
	for _, c := range cur {
		if _, ok := keep[c.ID]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM attachment_blobs WHERE record_id=? AND attachment_id=?`, recordID, c.ID); err != nil {
			return fmt.Errorf("drop attachment blob %s: %w", c.ID, err)
		}
	}
	return nil
}
