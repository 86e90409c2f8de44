// Package adapters defines the replication contract every remote backend
// implements and the helpers the implementations share: error
// normalization, identifier filtering and last-writer-wins pulls.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/healthsync/internal/common"
	"github.com/dmitrijs2005/healthsync/internal/ledger"
	"github.com/dmitrijs2005/healthsync/internal/models"
	"github.com/dmitrijs2005/healthsync/internal/netx"
)

// Adapter replicates ledger records with one remote backend.
type Adapter interface {
	Name() string
	// Push sends records and reports which of them the remote accepted.
	Push(ctx context.Context, records []models.Record) (Result, error)
	// Pull merges remote novelty into the ledger. Count is the number of
	// records that changed locally.
	Pull(ctx context.Context) (Result, error)
	IsAvailable(ctx context.Context) bool
}

// Result is the per-record outcome of a push or pull.
type Result struct {
	Count     int
	Succeeded []string
	Errors    []common.RecordError
}

// Err summarizes r: nil when nothing failed, otherwise a
// *common.PartialFailureError listing every failed record.
func (r Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return &common.PartialFailureError{Succeeded: r.Succeeded, Failed: r.Errors}
}

// Succeed records a successful record.
func (r *Result) Succeed(id string) {
	r.Count++
	r.Succeeded = append(r.Succeeded, id)
}

// Fail records a failed record, classifying err.
func (r *Result) Fail(id string, err error) {
	r.Errors = append(r.Errors, common.RecordError{RecordID: id, Err: Classify(err)})
}

// Classify normalizes a transport failure to the error taxonomy. Errors
// that already carry a sentinel pass through; timeouts and network errors
// become common.ErrUnavailable.
func Classify(err error) error {
	return netx.Classify(err)
}

// Fatal reports whether err should stop the batch it occurred in: an
// outage or an auth failure affects every remaining record alike.
func Fatal(err error) bool {
	return errors.Is(err, common.ErrUnavailable) || errors.Is(err, common.ErrAuthFailed)
}

// EligibleID reports whether a record takes part in replication. Only
// patient and file records do.
func EligibleID(id string) bool {
	return strings.HasPrefix(id, models.PatientPrefix+"_") || strings.HasPrefix(id, models.FilePrefix+"_")
}

// Eligible filters records down to the replicated ones.
func Eligible(records []models.Record) []models.Record {
	out := make([]models.Record, 0, len(records))
	for _, r := range records {
		if EligibleID(r.ID) {
			out = append(out, r)
		}
	}
	return out
}

// Merger is the ledger operation pulls go through.
type Merger interface {
	Merge(ctx context.Context, remote models.Record, policy ledger.Policy, origin string) (ledger.MergeOutcome, error)
}

// MergeAll merges remote records last-writer-wins, skipping ineligible ids
// and continuing past per-record failures. It stops early only when ctx is
// done.
func MergeAll(ctx context.Context, l Merger, origin string, remote []models.Record) (Result, error) {
	var res Result
	for _, r := range remote {
		if !EligibleID(r.ID) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		outcome, err := l.Merge(ctx, r, ledger.LastWriterWins, origin)
		if err != nil {
			res.Fail(r.ID, err)
			continue
		}
		if outcome.Changed() {
			res.Succeed(r.ID)
		}
	}
	return res, nil
}

// Checkpoints persists adapter cursors such as a CouchDB since-sequence
// or a relational watermark. localdb.State satisfies it.
type Checkpoints interface {
	GetString(ctx context.Context, key string) (string, error)
	SetString(ctx context.Context, key, value string) error
}

// CheckpointKey namespaces key under adapter.
func CheckpointKey(adapter, key string) string {
	return fmt.Sprintf("adapter.%s.%s", adapter, key)
}
