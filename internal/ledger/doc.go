// Package ledger is the local mutable document store.
//
// # Overview
//
// Every record carries a revision token. A write must present the token it
// read; a stale token fails with common.ErrConflict and is never reordered
// or merged silently. Each mutation and its change-feed entry are written in
// one transaction, so a record is either fully written or not at all.
//
// Deletes are tombstones. They keep the record row, flip the deleted flag
// and advance the revision, so replication can propagate the deletion.
//
// # Merging remote data
//
// Merge is the only path by which data from elsewhere (the sync registry
// or a replication adapter) enters the ledger. InsertOnly adds records that
// are absent and leaves present ones untouched. LastWriterWins overwrites
// the local copy only when the remote UpdatedAt is strictly later. Both run
// inside a single transaction, so the two policies cannot interleave on
// the same record.
//
// # Change feed
//
// Subscribe yields the ordered change stream to any number of independent
// subscribers, each from its own starting point. PendingPush and AckPush
// keep a per-adapter outbox on top of the same stream.
package ledger
