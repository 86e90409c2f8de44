package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/healthsync/internal/dbx"
	"github.com/dmitrijs2005/healthsync/internal/models"
)

// PendingPush returns the records adapter has not pushed successfully yet,
// tombstones included, oldest change first. Changes that adapter itself
// merged in are not queued for it.
func (l *Ledger) PendingPush(ctx context.Context, adapter string) ([]models.Record, error) {
	err := dbx.WithTx(ctx, l.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var checkpoint int64
		err := tx.QueryRowContext(ctx, `SELECT seq FROM sync_checkpoints WHERE adapter=?`, adapter).Scan(&checkpoint)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("select checkpoint: %w", err)
		}

		var last int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM changes`).Scan(&last); err != nil {
			return err
		}
		if last <= checkpoint {
			return nil
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO sync_outbox (adapter, record_id, seq)
			SELECT ?, record_id, MAX(seq) FROM changes
			WHERE seq > ? AND seq <= ? AND origin <> ?
			GROUP BY record_id
			ON CONFLICT(adapter, record_id) DO UPDATE SET seq=excluded.seq`,
			adapter, checkpoint, last, adapter)
		if err != nil {
			return fmt.Errorf("fill outbox: %w", err)
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO sync_checkpoints (adapter, seq) VALUES (?, ?)
			ON CONFLICT(adapter) DO UPDATE SET seq=excluded.seq`, adapter, last)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("pending push for %s: %w", adapter, err)
	}

	cols := strings.ReplaceAll(recordColumns, "\n\t", " ")
	return l.query(ctx, `SELECT `+prefixColumns("r.", cols)+` FROM sync_outbox o
		JOIN records r ON r.id = o.record_id
		WHERE o.adapter = ?
		ORDER BY o.seq`, adapter)
}

// AckPush removes successfully pushed records from adapter's outbox.
func (l *Ledger) AckPush(ctx context.Context, adapter string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return dbx.WithTx(ctx, l.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM sync_outbox WHERE adapter=? AND record_id=?`, adapter, id); err != nil {
				return fmt.Errorf("ack %s for %s: %w", id, adapter, err)
			}
		}
		return nil
	})
}

// OutboxSize reports how many records wait to be pushed to adapter.
func (l *Ledger) OutboxSize(ctx context.Context, adapter string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_outbox WHERE adapter=?`, adapter).Scan(&n)
	return n, err
}

func prefixColumns(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
