// Package app wires a healthsync installation together: it owns every
// long-lived component and tears them down in Close.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	"go.uber.org/multierr"

	"github.com/dmitrijs2005/healthsync/internal/adapters"
	"github.com/dmitrijs2005/healthsync/internal/adapters/couchdb"
	"github.com/dmitrijs2005/healthsync/internal/adapters/docsync"
	"github.com/dmitrijs2005/healthsync/internal/adapters/relational"
	"github.com/dmitrijs2005/healthsync/internal/config"
	"github.com/dmitrijs2005/healthsync/internal/contentstore"
	"github.com/dmitrijs2005/healthsync/internal/contentstore/kubo"
	"github.com/dmitrijs2005/healthsync/internal/contentstore/pinata"
	"github.com/dmitrijs2005/healthsync/internal/contentstore/s3store"
	"github.com/dmitrijs2005/healthsync/internal/cryptobox"
	"github.com/dmitrijs2005/healthsync/internal/events"
	"github.com/dmitrijs2005/healthsync/internal/filex"
	"github.com/dmitrijs2005/healthsync/internal/ledger"
	"github.com/dmitrijs2005/healthsync/internal/localdb"
	"github.com/dmitrijs2005/healthsync/internal/logging"
	"github.com/dmitrijs2005/healthsync/internal/notary"
	"github.com/dmitrijs2005/healthsync/internal/orchestrator"
	"github.com/dmitrijs2005/healthsync/internal/patients"
	"github.com/dmitrijs2005/healthsync/internal/registry"
)

const brokerBuffer = 64

type App struct {
	config    *config.Config
	logger    logging.Logger
	logCloser io.Closer

	db       *sql.DB
	state    *localdb.State
	deviceID string

	ledger   *ledger.Ledger
	content  *contentstore.Store
	registry *registry.Registry
	chain    *notary.Chain
	patients *patients.Service

	adapters     []adapters.Adapter
	couch        *couchdb.Adapter
	postgres     *relational.Adapter
	closers      []io.Closer
	broker       *events.Broker[events.Event]
	orchestrator *orchestrator.Orchestrator
}

type options struct {
	logger   logging.Logger
	backends []contentstore.Backend
	pointer  registry.PointerStore
	extra    []adapters.Adapter
	now      func() time.Time
}

type Option func(*options)

// WithLogger replaces the logger built from the config.
func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBackends replaces the content backends built from the config.
func WithBackends(b ...contentstore.Backend) Option {
	return func(o *options) { o.backends = b }
}

// WithPointerStore replaces the registry pointer store built from the config.
func WithPointerStore(p registry.PointerStore) Option {
	return func(o *options) { o.pointer = p }
}

// WithAdapters adds replication adapters after the configured ones.
func WithAdapters(a ...adapters.Adapter) Option {
	return func(o *options) { o.extra = append(o.extra, a...) }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New opens the installation in c.DataDir and unlocks it with passphrase.
// The first call on an empty data directory creates the key.
func New(ctx context.Context, c *config.Config, passphrase []byte, opts ...Option) (app *App, err error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	app = &App{config: c}
	defer func() {
		if err != nil {
			_ = app.Close()
			app = nil
		}
	}()

	if c.DataDir, err = filex.EnsureDir(c.DataDir); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	app.logger = o.logger
	if app.logger == nil {
		lg, closer := logging.New(logging.Options{
			Format:     c.LogFormat,
			Level:      c.LogLevel,
			File:       c.LogFile,
			MaxSizeMB:  10,
			MaxBackups: 3,
		})
		app.logger, app.logCloser = lg, closer
	}

	app.db, err = localdb.Open(ctx, c.DBPath())
	if err != nil {
		return nil, err
	}
	app.state = localdb.NewState(app.db)

	key, err := app.unlock(ctx, passphrase)
	if err != nil {
		return nil, err
	}

	app.deviceID, err = app.state.DeviceID(ctx)
	if err != nil {
		return nil, err
	}
	app.logger = app.logger.With("device", app.deviceID)

	app.ledger = ledger.New(app.db, ledger.WithLogger(app.logger), ledger.WithClock(o.now))

	backends := o.backends
	var files map[string]registry.FileStore
	if backends == nil {
		backends, files, err = buildBackends(ctx, c)
		if err != nil {
			return nil, err
		}
	}
	app.content = contentstore.New(app.db, backends,
		contentstore.WithCallTimeout(c.CallTimeout),
		contentstore.WithLogger(app.logger.With("module", "contentstore")))

	pointer := o.pointer
	if pointer == nil {
		pointer, err = buildPointer(c, files)
		if err != nil {
			return nil, err
		}
	}
	app.registry = registry.New(app.content, pointer, app.state, app.ledger, key, app.deviceID,
		registry.WithLogger(app.logger.With("module", "registry")),
		registry.WithClock(o.now))

	app.chain, err = notary.OpenChain(c.ChainPath(), app.deviceID)
	if err != nil {
		return nil, err
	}
	n := &notary.Fallback{Mock: app.chain, Logger: app.logger}
	if c.NotaryURL != "" {
		n.Primary = notary.NewHTTPClient(c.NotaryURL, c.NotaryToken, c.CallTimeout)
	}

	app.patients = patients.New(app.ledger, app.content, key, app.deviceID,
		patients.WithRegistry(app.registry),
		patients.WithNotary(n),
		patients.WithUser(c.User),
		patients.WithClock(o.now),
		patients.WithLogger(app.logger.With("module", "patients")))

	if err = app.buildAdapters(c); err != nil {
		return nil, err
	}
	app.adapters = append(app.adapters, o.extra...)

	app.broker = events.NewBroker[events.Event](brokerBuffer)
	app.orchestrator = orchestrator.New(app.ledger, app.adapters,
		orchestrator.WithCallTimeout(c.CallTimeout),
		orchestrator.WithBroker(app.broker),
		orchestrator.WithLogger(app.logger),
		orchestrator.WithClock(o.now))

	return app, nil
}

func (app *App) unlock(ctx context.Context, passphrase []byte) (cryptobox.Key, error) {
	params := cryptobox.DefaultParams()
	if app.config.KDF == config.KDFArgon2id {
		params = cryptobox.Argon2Params()
	}
	var kopts []cryptobox.KeyringOption
	salt, err := app.config.Salt()
	if err != nil {
		return nil, err
	}
	if salt != nil {
		kopts = append(kopts, cryptobox.WithSharedSalt(salt))
	}

	key, err := cryptobox.NewKeyring(app.state, params, kopts...).Unlock(ctx, passphrase)
	if err != nil {
		return nil, fmt.Errorf("unlock: %w", err)
	}
	return key, nil
}

// buildBackends returns the configured backends in preference order and
// the ones that can also hold the registry pointer, by pointer kind.
func buildBackends(ctx context.Context, c *config.Config) ([]contentstore.Backend, map[string]registry.FileStore, error) {
	var backends []contentstore.Backend
	files := make(map[string]registry.FileStore)

	if c.KuboURL != "" {
		k := kubo.New(c.KuboURL, c.CallTimeout)
		backends = append(backends, k)
		files[config.PointerKubo] = k
	}
	if c.PinataJWT != "" {
		backends = append(backends, pinata.New(pinata.Config{
			APIURL:            c.PinataAPIURL,
			GatewayURL:        c.PinataGatewayURL,
			JWT:               c.PinataJWT,
			RequestsPerSecond: c.PinataRPS,
			Timeout:           c.CallTimeout,
		}))
	}
	if c.S3Bucket != "" {
		s, err := s3store.New(ctx, s3store.Config{
			Bucket:       c.S3Bucket,
			Region:       c.S3Region,
			Endpoint:     c.S3Endpoint,
			AccessKey:    c.S3AccessKey,
			SecretKey:    c.S3SecretKey,
			UsePathStyle: c.S3PathStyle,
		})
		if err != nil {
			return nil, nil, err
		}
		backends = append(backends, s)
		files[config.PointerS3] = s
	}
	return backends, files, nil
}

func buildPointer(c *config.Config, files map[string]registry.FileStore) (registry.PointerStore, error) {
	switch c.RegistryPointer {
	case config.PointerKubo:
		if f, ok := files[config.PointerKubo]; ok {
			return registry.NewFilePointer(f, registry.MFSPointerPath), nil
		}
	case config.PointerS3:
		if f, ok := files[config.PointerS3]; ok {
			return registry.NewFilePointer(f, registry.S3PointerKey), nil
		}
	case config.PointerLocal, "":
		return registry.LocalOnly{}, nil
	}
	return nil, fmt.Errorf("registry pointer %q has no backend configured", c.RegistryPointer)
}

func (app *App) buildAdapters(c *config.Config) error {
	app.adapters = []adapters.Adapter{app.registry.Adapter()}

	if c.CouchURL != "" {
		app.couch = couchdb.New(couchdb.Config{
			URL:      c.CouchURL,
			Database: c.CouchDatabase,
			Username: c.CouchUser,
			Password: c.CouchPassword,
			Timeout:  c.CallTimeout,
			Prefixes: c.CouchPrefixes,
		}, app.ledger, app.state, app.logger)
		app.adapters = append(app.adapters, app.couch)
	}

	if c.PostgresDSN != "" {
		pg, err := relational.Open(relational.Config{DSN: c.PostgresDSN, Timeout: c.CallTimeout},
			app.ledger, app.state, app.logger)
		if err != nil {
			return err
		}
		app.postgres = pg
		app.closers = append(app.closers, pg)
		app.adapters = append(app.adapters, pg)
	}

	if c.DocsyncAddr != "" {
		ds, err := docsync.Dial(docsync.Config{
			Address: c.DocsyncAddr,
			Token:   c.DocsyncToken,
			Timeout: c.CallTimeout,
		}, app.ledger, app.logger)
		if err != nil {
			return err
		}
		app.closers = append(app.closers, ds)
		app.adapters = append(app.adapters, ds)
	}
	return nil
}

func (app *App) Config() *config.Config                   { return app.config }
func (app *App) Logger() logging.Logger                   { return app.logger }
func (app *App) DeviceID() string                         { return app.deviceID }
func (app *App) Ledger() *ledger.Ledger                   { return app.ledger }
func (app *App) Content() *contentstore.Store             { return app.content }
func (app *App) Registry() *registry.Registry             { return app.registry }
func (app *App) Patients() *patients.Service              { return app.patients }
func (app *App) Orchestrator() *orchestrator.Orchestrator { return app.orchestrator }
func (app *App) Broker() *events.Broker[events.Event]     { return app.broker }

// Close releases everything New opened, in reverse order.
func (app *App) Close() error {
	var err error
	if app.broker != nil {
		app.broker.Close()
	}
	for i := len(app.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, app.closers[i].Close())
	}
	if app.chain != nil {
		err = multierr.Append(err, app.chain.Close())
	}
	if app.db != nil {
		err = multierr.Append(err, app.db.Close())
	}
	if app.logCloser != nil {
		err = multierr.Append(err, app.logCloser.Close())
	}
	return err
}
