package ledger

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/healthsync/internal/dbx"
	"github.com/dmitrijs2005/healthsync/internal/models"
)

// RewriteRef replaces every reference to from with to: record content refs
// and attachment content and metadata refs. Each affected record is
// rewritten in its own transaction and gets a new revision, so after the
// call no record refers to from. UpdatedAt advances too, which lets
// last-writer-wins peers accept the durable reference.
func (l *Ledger) RewriteRef(ctx context.Context, from, to models.ContentRef) error {
	if from.ID == "" {
		return nil
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT id FROM records WHERE instr(content_ref, ?) > 0 OR instr(attachments, ?) > 0`,
		from.ID, from.ID)
	if err != nil {
		return fmt.Errorf("find refs to %s: %w", from, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	changed := false
	for _, id := range ids {
		did, err := l.rewriteRecord(ctx, id, from, to)
		if err != nil {
			return err
		}
		changed = changed || did
	}
	if changed {
		l.feed.notify()
	}
	return nil
}

func (l *Ledger) rewriteRecord(ctx context.Context, id string, from, to models.ContentRef) (bool, error) {
	changed := false
	err := dbx.WithTx(ctx, l.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		r, found, err := getTx(ctx, tx, id)
		if err != nil || !found {
			return err
		}

		if r.ContentRef.Equal(from) {
			r.ContentRef = to
			changed = true
		}
		for i := range r.Attachments {
			if r.Attachments[i].ContentRef.Equal(from) {
				r.Attachments[i].ContentRef = to
				changed = true
			}
			if r.Attachments[i].MetadataRef.Equal(from) {
				r.Attachments[i].MetadataRef = to
				changed = true
			}
		}
		if !changed {
			return nil
		}

		r.Rev = nextRev(r.Rev)
		r.UpdatedAt = l.now().UTC()
		if err := upsertTx(ctx, tx, r); err != nil {
			return err
		}
		return appendChangeTx(ctx, tx, r, models.ChangeUpdate, OriginLocal)
	})
	if err != nil {
		return false, fmt.Errorf("rewrite refs in %s: %w", id, err)
	}
	return changed, nil
}
