package contentstore

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/healthsync/internal/common"
	"github.com/dmitrijs2005/healthsync/internal/models"
)

// DrainResult summarizes a DrainQueue run.
type DrainResult struct {
	Drained int
	Failed  int
	// Errors holds one entry per failed queue item, keyed by queue id.
	Errors []common.RecordError
}

type queued struct {
	id   string
	data []byte
}

func (s *Store) queuedBlobs(ctx context.Context) ([]queued, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM pending_blobs WHERE drained_id='' ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("select queued blobs: %w", err)
	}
	defer rows.Close()

	var out []queued
	for rows.Next() {
		var q queued
		if err := rows.Scan(&q.id, &q.data); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// DrainQueue uploads every queued blob. For each success the rewriters
// replace the pending ref with the durable one, then the queue row keeps
// only a redirect to the new location. Items that fail stay queued for the
// next run. The returned error is reserved for local database failures and
// cancellation; per-item failures are reported in the result.
func (s *Store) DrainQueue(ctx context.Context, rewriters ...RefRewriter) (DrainResult, error) {
	var res DrainResult

	items, err := s.queuedBlobs(ctx)
	if err != nil {
		return res, err
	}

	for _, q := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if err := s.drainOne(ctx, q, rewriters); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, common.RecordError{RecordID: q.id, Err: err})
			s.logger.Warn(ctx, "queued blob not drained", "queue_id", q.id, "error", err)
			continue
		}
		res.Drained++
	}

	if res.Drained > 0 || res.Failed > 0 {
		s.logger.Info(ctx, "content queue drained", "drained", res.Drained, "failed", res.Failed)
	}
	return res, nil
}

func (s *Store) drainOne(ctx context.Context, q queued, rewriters []RefRewriter) error {
	locs, err := s.upload(ctx, q.data)
	if len(locs) == 0 {
		if err == nil {
			err = fmt.Errorf("no content backend configured: %w", common.ErrUnavailable)
		}
		return err
	}

	durable := models.Durable(locs[0].backend, locs[0].id)
	if err := s.recordLocations(ctx, durable, locs); err != nil {
		return err
	}

	pending := models.Pending(q.id)
	for _, rw := range rewriters {
		if err := rw.RewriteRef(ctx, pending, durable); err != nil {
			return fmt.Errorf("rewrite %s: %w", pending, err)
		}
	}

	_, err = s.db.ExecContext(ctx, `UPDATE pending_blobs
		SET data=NULL, drained_backend=?, drained_id=?, drained_at=? WHERE id=?`,
		durable.Backend, durable.ID, s.now().UTC().Format(time.RFC3339Nano), q.id)
	if err != nil {
		return fmt.Errorf("mark %s drained: %w", q.id, err)
	}
	return nil
}
