// Package docsync runs the document sync service that the docsync
// replication adapter talks to.
package docsync

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dmitrijs2005/healthsync/internal/docsync/config"
	"github.com/dmitrijs2005/healthsync/internal/docsync/server"
	"github.com/dmitrijs2005/healthsync/internal/docsync/store"
	"github.com/dmitrijs2005/healthsync/internal/logging"
)

type App struct {
	config *config.Config
	logger logging.Logger
	store  store.Store
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger, _ := logging.New(logging.Options{Format: c.LogFormat, Level: c.LogLevel})

	var st store.Store
	if c.DatabaseDSN == "" {
		logger.Warn(ctx, "no database configured, documents are kept in memory")
		st = store.NewMemory()
	} else {
		pg, err := store.OpenPostgres(ctx, c.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("db init error: %w", err)
		}
		st = pg
	}

	return &App{config: c, logger: logger, store: st}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {
	s := server.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger, app.store, app.config.SecretKey)
	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

// Run serves until SIGINT/SIGTERM or ctx ends, then closes the store.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting docsyncd...")
	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()
	wg.Wait()

	if err := app.store.Close(); err != nil {
		app.logger.Error(ctx, "close store", "error", err)
	}
}
