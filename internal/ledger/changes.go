package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/healthsync/internal/models"
)

const (
	// FromBeginning replays the whole history.
	FromBeginning int64 = 0
	// FromNow starts after the last change committed at subscribe time.
	FromNow int64 = -1

	feedPageSize = 256
)

// feed wakes subscribers after commits. notify closes the current signal
// channel and installs a fresh one.
type feed struct {
	mu     sync.Mutex
	signal chan struct{}
}

func newFeed() *feed {
	return &feed{signal: make(chan struct{})}
}

func (f *feed) wait() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signal
}

func (f *feed) notify() {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.signal)
	f.signal = make(chan struct{})
}

// LastSeq returns the sequence number of the newest change, 0 when empty.
func (l *Ledger) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := l.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM changes`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("select last seq: %w", err)
	}
	return seq, nil
}

// ChangesSince returns up to limit changes with seq > since, in order.
func (l *Ledger) ChangesSince(ctx context.Context, since int64, limit int) ([]models.Change, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, record_id, revision, kind, origin FROM changes WHERE seq > ? ORDER BY seq LIMIT ?`,
		since, limit)
	if err != nil {
		return nil, fmt.Errorf("select changes: %w", err)
	}
	defer rows.Close()

	var out []models.Change
	for rows.Next() {
		var c models.Change
		var kind string
		if err := rows.Scan(&c.Seq, &c.RecordID, &c.Revision, &kind, &c.Origin); err != nil {
			return nil, err
		}
		c.Kind = models.ChangeKind(kind)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Subscribe streams changes after from (FromBeginning, FromNow or a seq
// previously received) until ctx is done, then closes the channel. Each
// subscriber has its own cursor and sees every change in order.
//
// A failed read of the change table also closes the channel, with ctx
// still live. A consumer that sees the channel closed while ctx.Err() is
// nil has missed nothing it was sent and resumes by subscribing again from
// the last Seq it received.
func (l *Ledger) Subscribe(ctx context.Context, from int64) (<-chan models.Change, error) {
	if from == FromNow {
		seq, err := l.LastSeq(ctx)
		if err != nil {
			return nil, err
		}
		from = seq
	}

	out := make(chan models.Change, 64)
	go func() {
		defer close(out)
		cursor := from
		for {
			wake := l.feed.wait()

			batch, err := l.ChangesSince(ctx, cursor, feedPageSize)
			if err != nil {
				if ctx.Err() == nil {
					l.logger.Warn(ctx, "change feed query failed", "error", err)
				}
				return
			}
			for _, c := range batch {
				select {
				case out <- c:
					cursor = c.Seq
				case <-ctx.Done():
					return
				}
			}
			if len(batch) == feedPageSize {
				continue
			}

			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
