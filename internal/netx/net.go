// Package netx holds the HTTP plumbing shared by the clients that talk to
// the content backends, the notary and CouchDB: status mapping onto the
// common error taxonomy and transport error classification.
package netx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/dmitrijs2005/healthsync/internal/common"
)

// DefaultTimeout bounds a single remote call when the caller sets nothing.
const DefaultTimeout = 30 * time.Second

// maxErrorBody limits how much of an error response is quoted.
const maxErrorBody = 512

// NewClient returns an http.Client whose requests time out after timeout.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// StatusError maps an HTTP status onto the error taxonomy.
//
//	401, 403           -> common.ErrAuthFailed
//	404, 410           -> common.ErrNotFound
//	409, 412           -> common.ErrConflict
//	408, 429, 5xx      -> common.ErrUnavailable
func StatusError(code int, body string) error {
	var kind error
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = common.ErrAuthFailed
	case code == http.StatusNotFound || code == http.StatusGone:
		kind = common.ErrNotFound
	case code == http.StatusConflict || code == http.StatusPreconditionFailed:
		kind = common.ErrConflict
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		kind = common.ErrUnavailable
	default:
		return fmt.Errorf("unexpected status %d: %s", code, body)
	}
	if body == "" {
		return fmt.Errorf("status %d: %w", code, kind)
	}
	return fmt.Errorf("status %d: %s: %w", code, body, kind)
}

// CheckResponse returns nil for 2xx responses. Otherwise it drains and
// closes the body and returns StatusError.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return StatusError(resp.StatusCode, string(b))
}

// Classify wraps transport failures (refused connections, DNS errors,
// timeouts) with common.ErrUnavailable. Errors that already carry a
// taxonomy sentinel and context.Canceled pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, s := range []error{common.ErrNotFound, common.ErrConflict, common.ErrIntegrity,
		common.ErrUnavailable, common.ErrAuthFailed, common.ErrPartialFailure} {
		if errors.Is(err, s) {
			return err
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", common.ErrUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", common.ErrUnavailable, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %w", common.ErrUnavailable, err)
	}
	return err
}

// Do sends req and returns the response of a 2xx reply. Every failure is
// classified; the caller closes the body on success.
func Do(client *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, Classify(err)
	}
	if err := CheckResponse(resp); err != nil {
		return nil, err
	}
	return resp, nil
}
