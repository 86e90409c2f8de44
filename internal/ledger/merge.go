package ledger

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/healthsync/internal/dbx"
	"github.com/dmitrijs2005/healthsync/internal/models"
)

// Policy decides how Merge treats a record that already exists locally.
type Policy int

const (
	// InsertOnly adds absent records and never touches present ones.
	InsertOnly Policy = iota
	// LastWriterWins overwrites when the remote UpdatedAt is strictly later.
	LastWriterWins
)

func (p Policy) String() string {
	if p == LastWriterWins {
		return "last-writer-wins"
	}
	return "insert-only"
}

// MergeOutcome reports what Merge did.
type MergeOutcome int

const (
	MergeSkipped MergeOutcome = iota
	MergeInserted
	MergeUpdated
)

// Changed reports whether the ledger was modified.
func (o MergeOutcome) Changed() bool { return o != MergeSkipped }

// Merge applies a record received from origin (an adapter or the registry)
// under policy. The remote revision token is ignored; the local token
// advances, so direct edits holding an older token get ErrConflict. The
// merged record is tagged with origin in SyncedFrom and its change is
// attributed to origin so the outbox does not echo it back.
func (l *Ledger) Merge(ctx context.Context, remote models.Record, policy Policy, origin string) (MergeOutcome, error) {
	if remote.ID == "" {
		return MergeSkipped, fmt.Errorf("merge from %s: record id is required", origin)
	}
	remote.Metadata = remote.Metadata.Normalize()
	if remote.Kind == "" {
		remote.Kind = models.KindOf(remote.ID)
	}

	outcome := MergeSkipped
	err := dbx.WithTx(ctx, l.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		local, found, err := getTx(ctx, tx, remote.ID)
		if err != nil {
			return err
		}

		var next models.Record
		switch {
		case !found:
			next = remote
			next.Rev = nextRev("")
			if next.CreatedAt.IsZero() {
				next.CreatedAt = l.now().UTC()
			}
			if next.UpdatedAt.IsZero() {
				next.UpdatedAt = next.CreatedAt
			}
			outcome = MergeInserted

		case policy == LastWriterWins && remote.UpdatedAt.After(local.UpdatedAt):
			next = local
			next.Metadata = remote.Metadata
			next.ContentRef = remote.ContentRef
			next.BlockchainHash = remote.BlockchainHash
			next.Attachments = unionAttachments(remote.Attachments, local.Attachments)
			next.Deleted = remote.Deleted
			next.UpdatedAt = remote.UpdatedAt
			if remote.DeviceID != "" {
				next.DeviceID = remote.DeviceID
			}
			next.Rev = nextRev(local.Rev)
			outcome = MergeUpdated

		default:
			return nil
		}

		next.SyncedFrom = origin
		if err := upsertTx(ctx, tx, next); err != nil {
			return err
		}
		return appendChangeTx(ctx, tx, next, models.ChangeMerge, origin)
	})
	if err != nil {
		return MergeSkipped, fmt.Errorf("merge %s from %s: %w", remote.ID, origin, err)
	}

	if outcome.Changed() {
		l.feed.notify()
	}
	return outcome, nil
}

// unionAttachments keeps the winner's list and appends attachments only
// the other side knows about. Attachments are immutable, so equal ids are
// equal attachments.
func unionAttachments(winner, other []models.Attachment) []models.Attachment {
	out := make([]models.Attachment, 0, len(winner)+len(other))
	seen := make(map[string]struct{}, len(winner))
	for _, a := range winner {
		seen[a.ID] = struct{}{}
		out = append(out, a)
	}
	for _, a := range other {
		if _, ok := seen[a.ID]; !ok {
			out = append(out, a)
		}
	}
	return out
}
