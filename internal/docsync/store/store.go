// Package store persists the documents of the sync service, keyed by
// owner and id.
package store

import (
	"context"
	"time"
)

// Document is one stored JSON object.
type Document struct {
	Owner     string
	ID        string
	Body      []byte
	UpdatedAt time.Time
	Version   int64
}

// Store is implemented by the Postgres and in-memory stores.
type Store interface {
	// Upsert writes doc unless the stored copy has a strictly later
	// UpdatedAt. It returns the stored document and whether doc was
	// applied.
	Upsert(ctx context.Context, doc Document) (Document, bool, error)
	// All returns every document of owner ordered by id.
	All(ctx context.Context, owner string) ([]Document, error)
	Close() error
}
