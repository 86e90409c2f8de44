package registry

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/healthsync/internal/adapters"
	"github.com/dmitrijs2005/healthsync/internal/common"
	"github.com/dmitrijs2005/healthsync/internal/cryptobox"
	"github.com/dmitrijs2005/healthsync/internal/ledger"
	"github.com/dmitrijs2005/healthsync/internal/models"
)

// ReconcileResult reports what Reconcile did.
type ReconcileResult struct {
	Inserted []string
	Skipped  int
	Errors   []common.RecordError
}

// Reconcile inserts every record the shared registry lists but the ledger
// lacks. Present records are never touched. Failures on single entries
// are collected and do not stop the run. Without a published registry it
// does nothing.
func (r *Registry) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult

	remote, err := r.fetchRemote(ctx)
	if isNotFound(err) {
		return res, nil
	}
	if err != nil {
		return res, err
	}

	r.mu.Lock()
	local, err := r.loadLocal(ctx)
	if err == nil {
		if merged, changed := mergeSnapshots(local, remote); changed {
			err = r.saveLocal(ctx, merged)
		}
	}
	r.mu.Unlock()
	if err != nil {
		return res, err
	}

	for _, e := range remote.Records {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !adapters.EligibleID(e.RecordID) {
			continue
		}

		has, err := r.ledger.Has(ctx, e.RecordID)
		if err != nil {
			res.Errors = append(res.Errors, common.RecordError{RecordID: e.RecordID, Err: err})
			continue
		}
		if has {
			res.Skipped++
			continue
		}

		rec, err := r.materialize(ctx, e)
		if err != nil {
			res.Errors = append(res.Errors, common.RecordError{RecordID: e.RecordID, Err: err})
			continue
		}

		outcome, err := r.ledger.Merge(ctx, rec, ledger.InsertOnly, Origin)
		if err != nil {
			res.Errors = append(res.Errors, common.RecordError{RecordID: e.RecordID, Err: err})
			continue
		}
		if outcome.Changed() {
			res.Inserted = append(res.Inserted, e.RecordID)
		} else {
			res.Skipped++
		}
	}

	if len(res.Inserted) > 0 || len(res.Errors) > 0 {
		r.logger.Info(ctx, "registry reconciled", "inserted", len(res.Inserted), "skipped", res.Skipped, "failed", len(res.Errors))
	}
	return res, nil
}

// materialize fetches and decrypts an entry's payload.
func (r *Registry) materialize(ctx context.Context, e Entry) (models.Record, error) {
	sealed, err := r.content.Get(ctx, e.ContentRef)
	if err != nil {
		return models.Record{}, fmt.Errorf("fetch %s: %w", e.ContentRef, err)
	}
	var p models.PatientPayload
	if err := cryptobox.Decrypt(sealed, r.key, &p); err != nil {
		return models.Record{}, fmt.Errorf("decrypt %s: %w", e.ContentRef, err)
	}
	if p.ID != e.RecordID {
		return models.Record{}, fmt.Errorf("payload of %s names %s: %w", e.RecordID, p.ID, common.ErrIntegrity)
	}

	created := p.CreatedAt
	if created.IsZero() {
		created = e.CreatedAt
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = e.UpdatedAt
	}
	return models.Record{
		ID:         e.RecordID,
		Kind:       models.KindOf(e.RecordID),
		Metadata:   p.Metadata,
		ContentRef: e.ContentRef,
		DeviceID:   e.DeviceID,
		CreatedAt:  created,
		UpdatedAt:  updated,
	}, nil
}
