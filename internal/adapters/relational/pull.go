package relational

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dmitrijs2005/healthsync/internal/adapters"
	"github.com/dmitrijs2005/healthsync/internal/common"
	"github.com/dmitrijs2005/healthsync/internal/ledger"
	"github.com/dmitrijs2005/healthsync/internal/models"
)

const watermarkKey = "change_seq"

const selectQuery = `SELECT ` + selectColumns + ` FROM patients
	WHERE change_seq > $1
	ORDER BY change_seq
	LIMIT $2`

// Watermark is the last change a pull has fully processed. change_seq is
// assigned by the server on every write, so a row pushed late by a device
// that was offline still sorts after everything already read, whatever
// its updated_at.
type Watermark struct {
	Seq int64  `json:"seq"`
	ID  string `json:"id,omitempty"`
}

func (a *Adapter) Watermark(ctx context.Context) (Watermark, error) {
	var w Watermark
	s, err := a.state.GetString(ctx, adapters.CheckpointKey(Name, watermarkKey))
	if err != nil || s == "" {
		return w, err
	}
	err = json.Unmarshal([]byte(s), &w)
	return w, err
}

func (a *Adapter) saveWatermark(ctx context.Context, old, next Watermark) error {
	if old == next {
		return nil
	}
	b, err := json.Marshal(next)
	if err != nil {
		return err
	}
	return a.state.SetString(context.WithoutCancel(ctx), adapters.CheckpointKey(Name, watermarkKey), string(b))
}

type fetched struct {
	mark Watermark
	rec  models.Record
	err  error
}

func (a *Adapter) page(ctx context.Context, after Watermark) ([]fetched, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	rows, err := a.db.QueryContext(ctx, selectQuery, after.Seq, a.pageSize)
	if err != nil {
		return nil, Classify(err)
	}
	defer rows.Close()

	var out []fetched
	for rows.Next() {
		var r row
		if err := r.scan(rows); err != nil {
			return nil, Classify(err)
		}
		rec, err := r.record()
		out = append(out, fetched{mark: Watermark{Seq: r.changeSeq, ID: r.id}, rec: rec, err: err})
	}
	return out, Classify(rows.Err())
}

// Pull merges every row past the watermark last-writer-wins. Rows that
// cannot be decoded are reported and passed over; a failed merge holds
// the watermark so the row is read again by the next pull.
func (a *Adapter) Pull(ctx context.Context) (adapters.Result, error) {
	var res adapters.Result
	if err := a.ensureSchema(ctx); err != nil {
		return res, err
	}
	mark, err := a.Watermark(ctx)
	if err != nil {
		return res, err
	}

	for {
		rows, err := a.page(ctx, mark)
		if err != nil {
			return res, err
		}

		next, blocked := mark, false
		for _, f := range rows {
			if err := ctx.Err(); err != nil {
				return res, errors.Join(err, a.saveWatermark(ctx, mark, next))
			}
			if f.err != nil {
				res.Fail(f.mark.ID, f.err)
				if !blocked {
					next = f.mark
				}
				continue
			}
			outcome, err := a.ledger.Merge(ctx, f.rec, ledger.LastWriterWins, Name)
			if err != nil {
				res.Fail(f.mark.ID, err)
				blocked = true
				continue
			}
			if outcome.Changed() {
				res.Succeed(f.mark.ID)
			}
			if !blocked {
				next = f.mark
			}
		}

		if err := a.saveWatermark(ctx, mark, next); err != nil {
			return res, err
		}
		if blocked || len(rows) < a.pageSize {
			return res, nil
		}
		mark = next
	}
}

func (a *Adapter) reconnectBackoff() retry.Backoff {
	return retry.WithCappedDuration(a.reconnectCap, retry.NewExponential(a.reconnectBase))
}

// Watch listens on Channel and pulls after every notification, calling
// onChange when a pull touched the ledger. Each connection starts with a
// catch-up pull. A lost connection is redialed with exponential backoff;
// an auth failure ends the loop.
func (a *Adapter) Watch(ctx context.Context, onChange func(adapters.Result)) error {
	backoff := a.reconnectBackoff()
	attempt := 0
	connected := func() {
		if attempt > 0 {
			a.logger.Info(ctx, "listener reconnected", "attempts", attempt)
		}
		attempt = 0
		backoff = a.reconnectBackoff()
	}

	for {
		err := a.listenOnce(ctx, onChange, connected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, common.ErrAuthFailed) {
			a.logger.Error(ctx, "listener rejected credentials", "error", err)
			return err
		}
		wait, _ := backoff.Next()
		attempt++
		a.logger.Warn(ctx, "listener failed, reconnecting", "attempt", attempt, "wait", wait, "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Adapter) listenOnce(ctx context.Context, onChange func(adapters.Result), connected func()) error {
	l, err := a.listen(ctx)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		_ = l.Close(cctx)
		cancel()
	}()
	connected()

	for {
		res, err := a.Pull(ctx)
		if err != nil {
			return err
		}
		if onChange != nil && (res.Count > 0 || len(res.Errors) > 0) {
			onChange(res)
		}
		if _, err := l.WaitForNotification(ctx); err != nil {
			return Classify(err)
		}
	}
}
