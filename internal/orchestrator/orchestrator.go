// Package orchestrator schedules replication runs. Each adapter moves
// through idle, syncing and then synced or error; runs of one adapter
// never overlap, and every transition is published on the event broker.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/healthsync/internal/adapters"
	"github.com/dmitrijs2005/healthsync/internal/common"
	"github.com/dmitrijs2005/healthsync/internal/events"
	"github.com/dmitrijs2005/healthsync/internal/logging"
	"github.com/dmitrijs2005/healthsync/internal/models"
	"github.com/dmitrijs2005/healthsync/internal/netx"
)

type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateSynced  State = "synced"
	StateError   State = "error"
)

var (
	ErrUnknownAdapter = errors.New("unknown adapter")
	ErrBusy           = errors.New("sync already running")
	// ErrHalted is returned for an adapter stopped by an auth failure
	// until Resume is called.
	ErrHalted = errors.New("adapter halted")
)

// Status is the advisory sync state of one adapter.
type Status struct {
	Adapter   string    `json:"adapter"`
	State     State     `json:"state"`
	LastSync  time.Time `json:"last_sync,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Halted    bool      `json:"halted,omitempty"`
}

// Report is the outcome of one run.
type Report struct {
	Adapter string
	Pushed  adapters.Result
	Pulled  adapters.Result
}

// Outbox is the part of the ledger a run needs.
type Outbox interface {
	PendingPush(ctx context.Context, adapter string) ([]models.Record, error)
	AckPush(ctx context.Context, adapter string, ids []string) error
}

type entry struct {
	status   Status
	inFlight bool
}

type Orchestrator struct {
	outbox      Outbox
	adapters    []adapters.Adapter
	byName      map[string]adapters.Adapter
	broker      *events.Broker[events.Event]
	logger      logging.Logger
	callTimeout time.Duration
	now         func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
}

type Option func(*Orchestrator)

// WithCallTimeout bounds each push and each pull.
func WithCallTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.callTimeout = d }
}

func WithBroker(b *events.Broker[events.Event]) Option {
	return func(o *Orchestrator) { o.broker = b }
}

func WithLogger(l logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(outbox Outbox, list []adapters.Adapter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		outbox:      outbox,
		adapters:    list,
		byName:      make(map[string]adapters.Adapter, len(list)),
		entries:     make(map[string]*entry, len(list)),
		logger:      logging.Nop{},
		callTimeout: netx.DefaultTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("module", "orchestrator")
	for _, a := range list {
		o.byName[a.Name()] = a
		o.entries[a.Name()] = &entry{status: Status{Adapter: a.Name(), State: StateIdle}}
	}
	return o
}

// Adapters lists the configured adapter names in order.
func (o *Orchestrator) Adapters() []string {
	names := make([]string, 0, len(o.adapters))
	for _, a := range o.adapters {
		names = append(names, a.Name())
	}
	return names
}

// Adapter returns the adapter registered under name.
func (o *Orchestrator) Adapter(name string) (adapters.Adapter, bool) {
	a, ok := o.byName[name]
	return a, ok
}

func (o *Orchestrator) publish(ev events.Event) {
	if o.broker != nil {
		o.broker.Publish(ev)
	}
}

// transition must be called with o.mu held.
func (o *Orchestrator) transition(e *entry, state State) {
	e.status.State = state
	s := e.status
	o.publish(events.StatusChanged{
		Adapter:   s.Adapter,
		State:     string(s.State),
		LastError: s.LastError,
		Halted:    s.Halted,
		LastSync:  s.LastSync,
	})
}

func (o *Orchestrator) begin(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e := o.entries[id]
	if e.status.Halted {
		return fmt.Errorf("%s: %w", id, ErrHalted)
	}
	if e.inFlight {
		return fmt.Errorf("%s: %w", id, ErrBusy)
	}
	e.inFlight = true
	o.transition(e, StateSyncing)
	return nil
}

func (o *Orchestrator) finish(id string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e := o.entries[id]
	e.inFlight = false

	switch {
	case err == nil:
		e.status.LastSync = o.now().UTC()
		e.status.LastError = ""
		o.transition(e, StateSynced)
	case errors.Is(err, context.Canceled):
		o.transition(e, StateIdle)
	default:
		e.status.LastError = err.Error()
		if errors.Is(err, common.ErrAuthFailed) {
			e.status.Halted = true
		}
		o.transition(e, StateError)
	}
}

// RunOnce pushes the adapter's outbox, acknowledges whatever the remote
// accepted, then pulls. It fails with ErrBusy when a run of the same
// adapter is in flight and with ErrHalted after an auth failure.
func (o *Orchestrator) RunOnce(ctx context.Context, id string) (Report, error) {
	a, ok := o.byName[id]
	if !ok {
		return Report{Adapter: id}, fmt.Errorf("%s: %w", id, ErrUnknownAdapter)
	}
	if err := o.begin(id); err != nil {
		return Report{Adapter: id}, err
	}

	rep, err := o.run(ctx, a)
	o.finish(id, err)
	if err != nil {
		o.logger.Warn(ctx, "sync failed", "adapter", id, "error", err)
	} else {
		o.logger.Debug(ctx, "sync done", "adapter", id,
			"pushed", len(rep.Pushed.Succeeded), "pulled", rep.Pulled.Count)
	}
	return rep, err
}

func (o *Orchestrator) run(ctx context.Context, a adapters.Adapter) (Report, error) {
	rep := Report{Adapter: a.Name()}

	pending, err := o.outbox.PendingPush(ctx, a.Name())
	if err != nil {
		return rep, err
	}
	if len(pending) > 0 {
		cctx, cancel := context.WithTimeout(ctx, o.callTimeout)
		res, pushErr := a.Push(cctx, pending)
		cancel()
		rep.Pushed = res

		// acknowledged even when the batch stopped early
		if err := o.outbox.AckPush(context.WithoutCancel(ctx), a.Name(), res.Succeeded); err != nil {
			return rep, fmt.Errorf("ack push: %w", err)
		}
		if pushErr != nil {
			return rep, fmt.Errorf("push: %w", adapters.Classify(pushErr))
		}
	}

	cctx, cancel := context.WithTimeout(ctx, o.callTimeout)
	res, pullErr := a.Pull(cctx)
	cancel()
	rep.Pulled = res
	if res.Count > 0 {
		o.publish(events.DataChanged{Adapter: a.Name(), Count: res.Count})
	}
	if pullErr != nil {
		return rep, fmt.Errorf("pull: %w", adapters.Classify(pullErr))
	}

	return rep, errors.Join(rep.Pushed.Err(), rep.Pulled.Err())
}

// RunAll runs every adapter concurrently and joins their errors.
func (o *Orchestrator) RunAll(ctx context.Context) ([]Report, error) {
	reports := make([]Report, len(o.adapters))
	errs := make([]error, len(o.adapters))

	var g errgroup.Group
	for i, a := range o.adapters {
		g.Go(func() error {
			reports[i], errs[i] = o.RunOnce(ctx, a.Name())
			return nil
		})
	}
	_ = g.Wait()
	return reports, errors.Join(errs...)
}

// RunPeriodic runs every adapter now and then on each tick until ctx is
// done. A tick skips adapters that are halted or still running.
func (o *Orchestrator) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer o.wg.Wait()

	o.tick(ctx)
	for {
		select {
		case <-ticker.C:
			o.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	for _, a := range o.adapters {
		id := a.Name()
		if skip, why := o.skip(id); skip {
			o.logger.Debug(ctx, "skipping scheduled sync", "adapter", id, "reason", why)
			continue
		}
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			_, _ = o.RunOnce(ctx, id)
		}()
	}
}

func (o *Orchestrator) skip(id string) (bool, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e := o.entries[id]
	switch {
	case e.status.Halted:
		return true, "halted"
	case e.inFlight:
		return true, "in flight"
	}
	return false, ""
}

// Status returns a snapshot of every adapter in configuration order.
func (o *Orchestrator) Status() []Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Status, 0, len(o.adapters))
	for _, a := range o.adapters {
		out = append(out, o.entries[a.Name()].status)
	}
	return out
}

// Probe asks every adapter whether its remote is reachable right now.
// It does not change any state.
func (o *Orchestrator) Probe(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(o.adapters))
	var mu sync.Mutex

	var g errgroup.Group
	for _, a := range o.adapters {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, o.callTimeout)
			defer cancel()
			ok := a.IsAvailable(cctx)
			mu.Lock()
			out[a.Name()] = ok
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Resume clears the halt set by an auth failure.
func (o *Orchestrator) Resume(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownAdapter)
	}
	if !e.status.Halted {
		return nil
	}
	e.status.Halted = false
	e.status.LastError = ""
	o.transition(e, StateIdle)
	return nil
}
