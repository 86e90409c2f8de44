package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// RefKind discriminates the ContentRef union.
type RefKind string

const (
	RefDurable RefKind = "durable"
	RefPending RefKind = "pending"
)

var ErrInvalidRef = errors.New("invalid content ref")

// ContentRef points at an encrypted blob. The zero value is "no content".
type ContentRef struct {
	Kind    RefKind `json:"kind"`
	Backend string  `json:"backend,omitempty"`
	ID      string  `json:"id"`
}

// Durable references a blob held by a named backend.
func Durable(backend, id string) ContentRef {
	return ContentRef{Kind: RefDurable, Backend: backend, ID: id}
}

// Pending references a blob waiting in the local upload queue.
func Pending(queueID string) ContentRef {
	return ContentRef{Kind: RefPending, ID: queueID}
}

func (r ContentRef) IsZero() bool    { return r.Kind == "" && r.ID == "" }
func (r ContentRef) IsPending() bool { return r.Kind == RefPending }
func (r ContentRef) IsDurable() bool { return r.Kind == RefDurable }

// Equal compares refs by value.
func (r ContentRef) Equal(o ContentRef) bool {
	return r.Kind == o.Kind && r.Backend == o.Backend && r.ID == o.ID
}

// Validate checks that the union is well formed.
func (r ContentRef) Validate() error {
	switch r.Kind {
	case RefDurable:
		if r.Backend == "" || r.ID == "" {
			return fmt.Errorf("%w: durable ref needs backend and id", ErrInvalidRef)
		}
	case RefPending:
		if r.ID == "" || r.Backend != "" {
			return fmt.Errorf("%w: pending ref needs a queue id only", ErrInvalidRef)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRef, r.Kind)
	}
	return nil
}

func (r ContentRef) String() string {
	switch r.Kind {
	case RefDurable:
		return r.Backend + "/" + r.ID
	case RefPending:
		return "pending/" + r.ID
	default:
		return ""
	}
}

// MarshalRef encodes r for a TEXT column. The zero ref encodes as "".
func MarshalRef(r ContentRef) (string, error) {
	if r.IsZero() {
		return "", nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UnmarshalRef is the inverse of MarshalRef.
func UnmarshalRef(s string) (ContentRef, error) {
	var r ContentRef
	if s == "" {
		return r, nil
	}
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	return r, r.Validate()
}
