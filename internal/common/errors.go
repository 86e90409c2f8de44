// Package common defines the error taxonomy shared by every healthsync
// component. Callers should match these values with errors.Is; transport
// packages never return their own error types past their boundary.
package common

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound reports referenced content or a record that no store holds.
	ErrNotFound = errors.New("not found")

	// ErrConflict reports a write that supplied a stale revision token.
	ErrConflict = errors.New("revision conflict")

	// ErrIntegrity reports a decryption or authentication failure.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrUnavailable reports a transient backend outage. Retried later.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrAuthFailed reports invalid credentials. Fatal until reconfigured.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrPartialFailure reports a batch in which some records failed.
	ErrPartialFailure = errors.New("partial failure")

	// ErrLocked is returned by components that need the encryption key
	// before the keyring was unlocked.
	ErrLocked = errors.New("keyring locked")
)

// RecordError ties a failure to the record it happened on.
type RecordError struct {
	RecordID string
	Err      error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("%s: %v", e.RecordID, e.Err)
}

func (e RecordError) Unwrap() error { return e.Err }

// PartialFailureError is returned by batch operations when at least one
// record succeeded and at least one failed.
type PartialFailureError struct {
	Succeeded []string
	Failed    []RecordError
}

func (e *PartialFailureError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		ids = append(ids, f.RecordID)
	}
	return fmt.Sprintf("partial failure: %d succeeded, %d failed [%s]",
		len(e.Succeeded), len(e.Failed), strings.Join(ids, ", "))
}

// Is makes errors.Is(err, ErrPartialFailure) true.
func (e *PartialFailureError) Is(target error) bool {
	return target == ErrPartialFailure
}

// FailedIDs lists the records that failed, in batch order.
func (e *PartialFailureError) FailedIDs() []string {
	ids := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		ids = append(ids, f.RecordID)
	}
	return ids
}
