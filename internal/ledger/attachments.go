package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/healthsync/internal/common"
	"github.com/dmitrijs2005/healthsync/internal/dbx"
	"github.com/dmitrijs2005/healthsync/internal/models"
)

// PutAttachment adds att to the record and stores its encrypted blob under
// (recordID, att.ID). The record revision advances like any other write.
func (l *Ledger) PutAttachment(ctx context.Context, recordID, prevRev string, att models.Attachment, blob []byte) (models.Record, error) {
	if att.ID == "" {
		return models.Record{}, errors.New("attachment id is required")
	}

	var out models.Record
	err := dbx.WithTx(ctx, l.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		cur, found, err := getTx(ctx, tx, recordID)
		if err != nil {
			return err
		}
		if !found || cur.Deleted {
			return fmt.Errorf("record %s: %w", recordID, common.ErrNotFound)
		}
		if cur.Rev != prevRev {
			return conflict(recordID, cur.Rev, prevRev)
		}
		if _, dup := cur.FindAttachment(att.ID); dup {
			return fmt.Errorf("attachment %s already exists: %w", att.ID, ErrAttachmentImmutable)
		}

		now := l.now().UTC()
		if att.CreatedAt.IsZero() {
			att.CreatedAt = now
		}
		cur.Attachments = append(cur.Attachments, att)
		cur.UpdatedAt = now
		cur.Rev = nextRev(cur.Rev)

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO attachment_blobs (record_id, attachment_id, data) VALUES (?, ?, ?)`,
			recordID, att.ID, blob); err != nil {
			return fmt.Errorf("store attachment blob %s: %w", att.ID, err)
		}
		if err := upsertTx(ctx, tx, cur); err != nil {
			return err
		}
		if err := appendChangeTx(ctx, tx, cur, models.ChangeUpdate, OriginLocal); err != nil {
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

// GetAttachmentBlob returns the locally stored encrypted blob.
func (l *Ledger) GetAttachmentBlob(ctx context.Context, recordID, attachmentID string) ([]byte, error) {
	var data []byte
	err := l.db.QueryRowContext(ctx,
		`SELECT data FROM attachment_blobs WHERE record_id=? AND attachment_id=?`,
		recordID, attachmentID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attachment %s/%s: %w", recordID, attachmentID, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select attachment blob: %w", err)
	}
	return data, nil
}

// StoreAttachmentBlob caches a blob fetched from elsewhere, for example
// after a merge brought in an attachment descriptor without its bytes.
func (l *Ledger) StoreAttachmentBlob(ctx context.Context, recordID, attachmentID string, blob []byte) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO attachment_blobs (record_id, attachment_id, data) VALUES (?, ?, ?)
		 ON CONFLICT(record_id, attachment_id) DO NOTHING`,
		recordID, attachmentID, blob)
	if err != nil {
		return fmt.Errorf("cache attachment blob %s: %w", attachmentID, err)
	}
	return nil
}
