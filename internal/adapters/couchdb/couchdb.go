// Package couchdb replicates ledger records with a CouchDB database over
// its HTTP API: _all_docs and _bulk_docs for pushes, _changes for pulls
// and live replication.
package couchdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/healthsync/internal/adapters"
	"github.com/dmitrijs2005/healthsync/internal/logging"
	"github.com/dmitrijs2005/healthsync/internal/netx"
)

const Name = "couchdb"

const (
	defaultLongPoll      = 25 * time.Second
	defaultReconnectBase = time.Second
	defaultReconnectCap  = 60 * time.Second
)

type Config struct {
	URL      string
	Database string
	Username string
	Password string
	// Timeout bounds every request except the wait of a long poll.
	Timeout time.Duration
	// Prefixes restricts replication to ids with one of these prefixes.
	// Empty means every eligible record.
	Prefixes []string

	LongPoll      time.Duration
	ReconnectBase time.Duration
	ReconnectCap  time.Duration
}

type Adapter struct {
	base     string
	user     string
	pass     string
	http     *http.Client
	timeout  time.Duration
	prefixes []string

	longPoll      time.Duration
	reconnectBase time.Duration
	reconnectCap  time.Duration

	ledger adapters.Merger
	state  adapters.Checkpoints
	logger logging.Logger

	liveMu     sync.Mutex
	liveCancel context.CancelFunc
	liveDone   chan struct{}
}

func New(cfg Config, l adapters.Merger, state adapters.Checkpoints, logger logging.Logger) *Adapter {
	a := &Adapter{
		base:          strings.TrimRight(cfg.URL, "/") + "/" + url.PathEscape(cfg.Database),
		user:          cfg.Username,
		pass:          cfg.Password,
		http:          &http.Client{},
		timeout:       cfg.Timeout,
		prefixes:      cfg.Prefixes,
		longPoll:      cfg.LongPoll,
		reconnectBase: cfg.ReconnectBase,
		reconnectCap:  cfg.ReconnectCap,
		ledger:        l,
		state:         state,
		logger:        logger.With("adapter", Name),
	}
	if a.timeout <= 0 {
		a.timeout = netx.DefaultTimeout
	}
	if a.longPoll <= 0 {
		a.longPoll = defaultLongPoll
	}
	if a.reconnectBase <= 0 {
		a.reconnectBase = defaultReconnectBase
	}
	if a.reconnectCap <= 0 {
		a.reconnectCap = defaultReconnectCap
	}
	return a
}

func (a *Adapter) Name() string { return Name }

// replicated reports whether id is eligible and matches the configured
// prefixes.
func (a *Adapter) replicated(id string) bool {
	if !adapters.EligibleID(id) {
		return false
	}
	if len(a.prefixes) == 0 {
		return true
	}
	for _, p := range a.prefixes {
		if strings.HasPrefix(id, p) {
			return true
		}
	}
	return false
}

// do sends one request bounded by timeout and decodes a 2xx JSON reply
// into out.
func (a *Adapter) do(ctx context.Context, timeout time.Duration, method, path string, query url.Values, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	u := a.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.user != "" {
		req.SetBasicAuth(a.user, a.pass)
	}

	resp, err := netx.Do(a.http, req)
	if err != nil {
		return fmt.Errorf("couchdb %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("couchdb %s %s: decode: %w", method, path, netx.Classify(err))
	}
	return nil
}

// IsAvailable checks that the database exists and the credentials work.
func (a *Adapter) IsAvailable(ctx context.Context) bool {
	return a.do(ctx, a.timeout, http.MethodGet, "", nil, nil, nil) == nil
}
