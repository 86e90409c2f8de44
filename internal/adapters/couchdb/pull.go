package couchdb

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dmitrijs2005/healthsync/internal/adapters"
	"github.com/dmitrijs2005/healthsync/internal/common"
	"github.com/dmitrijs2005/healthsync/internal/ledger"
)

const sinceKey = "since"

type change struct {
	Seq     seq       `json:"seq"`
	ID      string    `json:"id"`
	Deleted bool      `json:"deleted,omitempty"`
	Doc     *document `json:"doc,omitempty"`
}

type changesResponse struct {
	Results []change `json:"results"`
	LastSeq seq      `json:"last_seq"`
}

func isNotFound(err error) bool { return errors.Is(err, common.ErrNotFound) }

// Since returns the stored _changes checkpoint, "0" before the first pull.
func (a *Adapter) Since(ctx context.Context) (string, error) {
	s, err := a.state.GetString(ctx, adapters.CheckpointKey(Name, sinceKey))
	if err != nil {
		return "", err
	}
	if s == "" {
		s = "0"
	}
	return s, nil
}

// Pull merges every change since the stored checkpoint last-writer-wins.
func (a *Adapter) Pull(ctx context.Context) (adapters.Result, error) {
	return a.pull(ctx, false)
}

// pull reads one page of _changes. The checkpoint advances past every
// change up to the first one that failed to merge, so failures are seen
// again by the next pull.
func (a *Adapter) pull(ctx context.Context, longPoll bool) (adapters.Result, error) {
	var res adapters.Result

	since, err := a.Since(ctx)
	if err != nil {
		return res, err
	}

	q := url.Values{}
	q.Set("since", since)
	q.Set("include_docs", "true")
	q.Set("style", "main_only")
	timeout := a.timeout
	if longPoll {
		q.Set("feed", "longpoll")
		q.Set("timeout", strconv.FormatInt(a.longPoll.Milliseconds(), 10))
		timeout += a.longPoll
	}

	var out changesResponse
	if err := a.do(ctx, timeout, http.MethodGet, "/_changes", q, nil, &out); err != nil {
		return res, adapters.Classify(err)
	}

	next, blocked := since, false
	for _, ch := range out.Results {
		if err := ctx.Err(); err != nil {
			return res, errors.Join(err, a.saveSince(ctx, since, next))
		}
		if ch.Doc == nil || ch.Doc.Type != docType || !a.replicated(ch.ID) {
			if !blocked {
				next = string(ch.Seq)
			}
			continue
		}

		rec := ch.Doc.record()
		rec.Deleted = rec.Deleted || ch.Deleted
		outcome, err := a.ledger.Merge(ctx, rec, ledger.LastWriterWins, Name)
		if err != nil {
			res.Fail(ch.ID, err)
			blocked = true
			continue
		}
		if outcome.Changed() {
			res.Succeed(ch.ID)
		}
		if !blocked {
			next = string(ch.Seq)
		}
	}
	if !blocked && out.LastSeq != "" {
		next = string(out.LastSeq)
	}

	return res, a.saveSince(ctx, since, next)
}

func (a *Adapter) saveSince(ctx context.Context, old, next string) error {
	if next == old {
		return nil
	}
	return a.state.SetString(context.WithoutCancel(ctx), adapters.CheckpointKey(Name, sinceKey), next)
}

func (a *Adapter) reconnectBackoff() retry.Backoff {
	return retry.WithCappedDuration(a.reconnectCap, retry.NewExponential(a.reconnectBase))
}

// Live long-polls _changes until ctx ends, calling onChange after every
// poll that touched the ledger. Failures reconnect with exponential
// backoff; an auth failure ends the loop. At most one loop runs per
// adapter: a new call stops the running one and waits for it first.
func (a *Adapter) Live(ctx context.Context, onChange func(adapters.Result)) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	a.liveMu.Lock()
	if a.liveCancel != nil {
		a.liveCancel()
		<-a.liveDone
	}
	a.liveCancel, a.liveDone = cancel, done
	a.liveMu.Unlock()

	defer func() {
		cancel()
		close(done)
		a.liveMu.Lock()
		if a.liveDone == done {
			a.liveCancel, a.liveDone = nil, nil
		}
		a.liveMu.Unlock()
	}()

	return a.watch(ctx, onChange)
}

func (a *Adapter) watch(ctx context.Context, onChange func(adapters.Result)) error {
	backoff := a.reconnectBackoff()
	attempt := 0
	for {
		res, err := a.pull(ctx, true)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if errors.Is(err, common.ErrAuthFailed) {
				a.logger.Error(ctx, "changes feed rejected credentials", "error", err)
				return err
			}
			wait, _ := backoff.Next()
			attempt++
			a.logger.Warn(ctx, "changes feed failed, reconnecting", "attempt", attempt, "wait", wait, "error", err)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		if attempt > 0 {
			a.logger.Info(ctx, "changes feed reconnected", "attempts", attempt)
			attempt = 0
			backoff = a.reconnectBackoff()
		}
		if onChange != nil && (res.Count > 0 || len(res.Errors) > 0) {
			onChange(res)
		}
	}
}
