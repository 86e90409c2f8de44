package relational

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/healthsync/internal/adapters"
	"github.com/dmitrijs2005/healthsync/internal/models"
)

// upsertQuery leaves a stored row alone when it is newer than the pushed
// one. Every write that lands takes a fresh change_seq, so readers see it
// whatever updated_at the writing device put on it.
const upsertQuery = `INSERT INTO patients (` + columns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (id) DO UPDATE SET
		metadata = EXCLUDED.metadata, content_ref = EXCLUDED.content_ref,
		blockchain_hash = EXCLUDED.blockchain_hash, attachments = EXCLUDED.attachments,
		device_id = EXCLUDED.device_id, deleted = EXCLUDED.deleted,
		updated_at = EXCLUDED.updated_at, change_seq = nextval('patients_change_seq')
	WHERE patients.updated_at <= EXCLUDED.updated_at`

// Push upserts patient records one statement at a time. Records that do
// not belong in the table are acknowledged without a write. An outage or
// auth failure stops the batch.
func (a *Adapter) Push(ctx context.Context, records []models.Record) (adapters.Result, error) {
	var res adapters.Result
	if err := a.ensureSchema(ctx); err != nil {
		return res, err
	}

	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !replicated(r.ID) {
			res.Succeed(r.ID)
			continue
		}

		args, err := encode(r)
		if err != nil {
			res.Fail(r.ID, err)
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, a.timeout)
		result, err := a.db.ExecContext(cctx, upsertQuery, args...)
		cancel()
		if err != nil {
			err = Classify(err)
			if adapters.Fatal(err) || errors.Is(err, context.Canceled) {
				return res, err
			}
			res.Fail(r.ID, err)
			continue
		}
		if n, err := result.RowsAffected(); err == nil && n == 0 {
			a.logger.Debug(ctx, "stored row is newer, keeping it", "id", r.ID)
		}
		res.Succeed(r.ID)
	}
	return res, nil
}
