package registry

import (
	"context"

	"github.com/dmitrijs2005/healthsync/internal/adapters"
	"github.com/dmitrijs2005/healthsync/internal/models"
)

type registryAdapter struct {
	r *Registry
}

// Adapter exposes the registry to the orchestrator. Push registers the
// pushed records in one publish, pull reconciles.
func (r *Registry) Adapter() adapters.Adapter {
	return registryAdapter{r: r}
}

func (a registryAdapter) Name() string { return Origin }

func (a registryAdapter) Push(ctx context.Context, records []models.Record) (adapters.Result, error) {
	var res adapters.Result

	var batch []models.Record
	for _, rec := range adapters.Eligible(records) {
		if rec.Deleted || rec.ContentRef.IsZero() {
			res.Succeed(rec.ID)
			continue
		}
		batch = append(batch, rec)
	}

	if len(batch) == 0 {
		return res, adapters.Classify(a.r.Republish(ctx))
	}
	if err := a.r.RegisterRecords(ctx, batch); err != nil {
		return res, adapters.Classify(err)
	}
	for _, rec := range batch {
		res.Succeed(rec.ID)
	}
	return res, nil
}

func (a registryAdapter) Pull(ctx context.Context) (adapters.Result, error) {
	var res adapters.Result
	rr, err := a.r.Reconcile(ctx)
	if err != nil {
		return res, adapters.Classify(err)
	}
	for _, id := range rr.Inserted {
		res.Succeed(id)
	}
	for _, e := range rr.Errors {
		res.Fail(e.RecordID, e.Err)
	}
	return res, nil
}

func (a registryAdapter) IsAvailable(ctx context.Context) bool {
	return a.r.content.Probe(ctx)
}
