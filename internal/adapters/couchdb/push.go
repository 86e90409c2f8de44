package couchdb

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dmitrijs2005/healthsync/internal/adapters"
	"github.com/dmitrijs2005/healthsync/internal/common"
	"github.com/dmitrijs2005/healthsync/internal/models"
)

const (
	conflictRetries = 3
	conflictBackoff = 50 * time.Millisecond
)

type allDocsRow struct {
	Key   string `json:"key"`
	Error string `json:"error,omitempty"`
	Value *struct {
		Rev     string `json:"rev"`
		Deleted bool   `json:"deleted,omitempty"`
	} `json:"value,omitempty"`
}

type bulkResult struct {
	ID     string `json:"id"`
	Rev    string `json:"rev,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (r bulkResult) err() error {
	switch r.Error {
	case "":
		return nil
	case "conflict":
		return fmt.Errorf("%s: %w", r.Reason, common.ErrConflict)
	case "unauthorized":
		return fmt.Errorf("%s: %w", r.Reason, common.ErrAuthFailed)
	default:
		return fmt.Errorf("rejected by couchdb: %s: %s", r.Error, r.Reason)
	}
}

// revisions returns the current remote revision of every id that exists.
func (a *Adapter) revisions(ctx context.Context, ids []string) (map[string]string, error) {
	var out struct {
		Rows []allDocsRow `json:"rows"`
	}
	if err := a.do(ctx, a.timeout, http.MethodPost, "/_all_docs", nil, map[string]any{"keys": ids}, &out); err != nil {
		return nil, err
	}
	revs := make(map[string]string, len(out.Rows))
	for _, row := range out.Rows {
		if row.Error == "" && row.Value != nil {
			revs[row.Key] = row.Value.Rev
		}
	}
	return revs, nil
}

func (a *Adapter) bulkDocs(ctx context.Context, docs []document) ([]bulkResult, error) {
	var out []bulkResult
	if err := a.do(ctx, a.timeout, http.MethodPost, "/_bulk_docs", nil, map[string]any{"docs": docs}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// fetch returns the live remote document. Deleted documents read as
// absent.
func (a *Adapter) fetch(ctx context.Context, id string) (document, bool, error) {
	var d document
	err := a.do(ctx, a.timeout, http.MethodGet, "/"+url.PathEscape(id), nil, nil, &d)
	if isNotFound(err) {
		return d, false, nil
	}
	return d, err == nil, err
}

// Push writes records with one _bulk_docs call. Documents rejected with a
// conflict are retried one by one; the others fail individually without
// affecting the rest of the batch.
func (a *Adapter) Push(ctx context.Context, records []models.Record) (adapters.Result, error) {
	var res adapters.Result

	var batch []models.Record
	for _, r := range records {
		if !a.replicated(r.ID) {
			res.Succeed(r.ID)
			continue
		}
		batch = append(batch, r)
	}
	if len(batch) == 0 {
		return res, nil
	}

	ids := make([]string, len(batch))
	for i, r := range batch {
		ids[i] = r.ID
	}
	revs, err := a.revisions(ctx, ids)
	if err != nil {
		return res, adapters.Classify(err)
	}

	docs := make([]document, len(batch))
	for i, r := range batch {
		docs[i] = toDocument(r, revs[r.ID])
	}
	results, err := a.bulkDocs(ctx, docs)
	if err != nil {
		return res, adapters.Classify(err)
	}
	byID := make(map[string]bulkResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}

	for _, rec := range batch {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		r, ok := byID[rec.ID]
		switch {
		case !ok:
			res.Fail(rec.ID, fmt.Errorf("missing from _bulk_docs response"))
		case r.Error == "":
			res.Succeed(rec.ID)
		case r.Error == "conflict":
			if err := a.retryConflict(ctx, rec); err != nil {
				res.Fail(rec.ID, err)
				continue
			}
			res.Succeed(rec.ID)
		default:
			res.Fail(rec.ID, r.err())
		}
	}

	if len(res.Errors) > 0 {
		a.logger.Warn(ctx, "push finished with failures", "failed", len(res.Errors), "pushed", len(res.Succeeded))
	}
	return res, nil
}

// retryConflict re-reads the remote revision and writes rec again. A
// remote document that is strictly newer wins: nothing is written and
// the next pull brings it in.
func (a *Adapter) retryConflict(ctx context.Context, rec models.Record) error {
	b := retry.WithMaxRetries(conflictRetries, retry.NewExponential(conflictBackoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		remote, found, err := a.fetch(ctx, rec.ID)
		if err != nil {
			return err
		}
		rev := ""
		if found {
			if remote.UpdatedAt.After(rec.UpdatedAt) {
				a.logger.Debug(ctx, "remote document is newer, keeping it", "id", rec.ID)
				return nil
			}
			rev = remote.Rev
		}

		results, err := a.bulkDocs(ctx, []document{toDocument(rec, rev)})
		if err != nil {
			return err
		}
		if len(results) != 1 {
			return fmt.Errorf("unexpected _bulk_docs response size %d", len(results))
		}
		if results[0].Error == "conflict" {
			return retry.RetryableError(results[0].err())
		}
		return results[0].err()
	})
}
