package relational

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/healthsync/internal/models"
)

const columns = `id, metadata, content_ref, blockchain_hash, attachments, device_id, deleted, created_at, updated_at`

// selectColumns adds the server-assigned change_seq, which pulls page on.
const selectColumns = columns + `, change_seq`

// replicated reports whether id belongs in the patients table.
func replicated(id string) bool {
	return strings.HasPrefix(id, models.PatientPrefix+"_")
}

// pgTime drops what a timestamptz cannot hold.
func pgTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// encode returns the upsert arguments for r in column order.
func encode(r models.Record) ([]any, error) {
	md, err := json.Marshal(r.Metadata)
	if err != nil {
		return nil, err
	}
	ref, err := models.MarshalRef(r.ContentRef)
	if err != nil {
		return nil, err
	}
	atts := r.Attachments
	if atts == nil {
		atts = []models.Attachment{}
	}
	attJSON, err := json.Marshal(atts)
	if err != nil {
		return nil, err
	}
	return []any{
		r.ID, string(md), sql.NullString{String: ref, Valid: ref != ""}, r.BlockchainHash,
		string(attJSON), r.DeviceID, r.Deleted, pgTime(r.CreatedAt), pgTime(r.UpdatedAt),
	}, nil
}

type row struct {
	id             string
	metadata       []byte
	contentRef     sql.NullString
	blockchainHash string
	attachments    []byte
	deviceID       string
	deleted        bool
	createdAt      time.Time
	updatedAt      time.Time
	changeSeq      int64
}

func (r *row) scan(rows *sql.Rows) error {
	return rows.Scan(&r.id, &r.metadata, &r.contentRef, &r.blockchainHash, &r.attachments,
		&r.deviceID, &r.deleted, &r.createdAt, &r.updatedAt, &r.changeSeq)
}

func (r row) record() (models.Record, error) {
	rec := models.Record{
		ID:             r.id,
		Kind:           models.KindPatient,
		BlockchainHash: r.blockchainHash,
		DeviceID:       r.deviceID,
		Deleted:        r.deleted,
		CreatedAt:      r.createdAt.UTC(),
		UpdatedAt:      r.updatedAt.UTC(),
	}
	if err := json.Unmarshal(r.metadata, &rec.Metadata); err != nil {
		return rec, fmt.Errorf("row %s metadata: %w", r.id, err)
	}
	if r.contentRef.Valid {
		ref, err := models.UnmarshalRef(r.contentRef.String)
		if err != nil {
			return rec, fmt.Errorf("row %s content_ref: %w", r.id, err)
		}
		rec.ContentRef = ref
	}
	if len(r.attachments) > 0 {
		if err := json.Unmarshal(r.attachments, &rec.Attachments); err != nil {
			return rec, fmt.Errorf("row %s attachments: %w", r.id, err)
		}
	}
	return rec, nil
}
