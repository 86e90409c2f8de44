package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/healthsync/internal/adapters"
	"github.com/dmitrijs2005/healthsync/internal/events"
)

const shutdownTimeout = 5 * time.Second

func (app *App) initSignalHandler(ctx context.Context, cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		defer signal.Stop(sigs)
		select {
		case <-sigs:
			cancelFunc()
		case <-ctx.Done():
		}
	}()
}

// onChange announces records brought in by a live feed.
func (app *App) onChange(name string) func(adapters.Result) {
	return func(res adapters.Result) {
		if res.Count > 0 {
			app.broker.Publish(events.DataChanged{Adapter: name, Count: res.Count})
		}
	}
}

func (app *App) startHub(ctx context.Context, ln net.Listener) {
	hub := events.NewHub(app.broker, app.logger.With("module", "hub"), app.config.HubOrigins...)
	srv := &http.Server{Handler: hub.Handler(), ReadHeaderTimeout: 10 * time.Second}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	app.logger.Info(ctx, "event hub listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		app.logger.Error(ctx, "event hub stopped", "error", err)
	}
	wg.Wait()
}

// drainLoop retries queued uploads on every tick.
func (app *App) drainLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := app.patients.DrainQueue(ctx)
			if err != nil {
				app.logger.Warn(ctx, "drain queue", "error", err)
				continue
			}
			if res.Drained > 0 || res.Failed > 0 {
				app.logger.Info(ctx, "drained queued content", "drained", res.Drained, "failed", res.Failed)
			}
		}
	}
}

// Run syncs until SIGINT/SIGTERM or ctx ends: scheduled runs of every
// adapter, the CouchDB changes feed, Postgres notifications, queue
// draining and the event hub.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting healthsync daemon...", "adapters", app.orchestrator.Adapters())
	app.initSignalHandler(ctx, cancelFunc)

	var ln net.Listener
	if app.config.HubAddr != "" {
		var err error
		ln, err = net.Listen("tcp", app.config.HubAddr)
		if err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	spawn := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}

	spawn(func() { app.orchestrator.RunPeriodic(ctx, app.config.SyncInterval) })
	spawn(func() { app.drainLoop(ctx, app.config.SyncInterval) })

	if app.couch != nil {
		spawn(func() {
			err := app.couch.Live(ctx, app.onChange(app.couch.Name()))
			if err != nil && !errors.Is(err, context.Canceled) {
				app.logger.Error(ctx, "couchdb live replication stopped", "error", err)
			}
		})
	}
	if app.postgres != nil {
		spawn(func() {
			err := app.postgres.Watch(ctx, app.onChange(app.postgres.Name()))
			if err != nil && !errors.Is(err, context.Canceled) {
				app.logger.Error(ctx, "postgres listener stopped", "error", err)
			}
		})
	}
	if ln != nil {
		spawn(func() { app.startHub(ctx, ln) })
	}

	wg.Wait()
	app.logger.Info(context.WithoutCancel(ctx), "healthsync daemon stopped")
	return nil
}
