// Package relational replicates patient records with a Postgres table.
// Pushes upsert row by row, pulls page through rows past a stored
// change_seq watermark, and Watch turns LISTEN/NOTIFY into pulls.
package relational

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/dmitrijs2005/healthsync/internal/adapters"
	"github.com/dmitrijs2005/healthsync/internal/adapters/relational/migrations"
	"github.com/dmitrijs2005/healthsync/internal/common"
	"github.com/dmitrijs2005/healthsync/internal/dbx"
	"github.com/dmitrijs2005/healthsync/internal/logging"
	"github.com/dmitrijs2005/healthsync/internal/netx"
)

const Name = "postgres"

// Channel is the NOTIFY channel the patients trigger publishes on.
const Channel = "patients_changes"

const (
	defaultPageSize      = 500
	defaultReconnectBase = time.Second
	defaultReconnectCap  = 60 * time.Second
)

type Config struct {
	DSN      string
	Timeout  time.Duration
	PageSize int

	ReconnectBase time.Duration
	ReconnectCap  time.Duration
}

// listener is the part of *pgx.Conn that Watch needs.
type listener interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

type Adapter struct {
	db       *sql.DB
	dsn      string
	timeout  time.Duration
	pageSize int

	reconnectBase time.Duration
	reconnectCap  time.Duration

	ledger adapters.Merger
	state  adapters.Checkpoints
	logger logging.Logger
	listen func(ctx context.Context) (listener, error)

	schemaMu    sync.Mutex
	schemaReady bool
}

// Open prepares a pgx pool for cfg.DSN. Nothing is dialed until the first
// call, and the schema is migrated on first use.
func Open(cfg Config, l adapters.Merger, state adapters.Checkpoints, logger logging.Logger) (*Adapter, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	a := New(db, cfg, l, state, logger)
	a.schemaReady = false
	return a, nil
}

// New wraps a database whose schema is already in place.
func New(db *sql.DB, cfg Config, l adapters.Merger, state adapters.Checkpoints, logger logging.Logger) *Adapter {
	a := &Adapter{
		db:            db,
		dsn:           cfg.DSN,
		timeout:       cfg.Timeout,
		pageSize:      cfg.PageSize,
		reconnectBase: cfg.ReconnectBase,
		reconnectCap:  cfg.ReconnectCap,
		ledger:        l,
		state:         state,
		logger:        logger.With("adapter", Name),
		schemaReady:   true,
	}
	if a.timeout <= 0 {
		a.timeout = netx.DefaultTimeout
	}
	if a.pageSize <= 0 {
		a.pageSize = defaultPageSize
	}
	if a.reconnectBase <= 0 {
		a.reconnectBase = defaultReconnectBase
	}
	if a.reconnectCap <= 0 {
		a.reconnectCap = defaultReconnectCap
	}
	a.listen = a.dialListener
	return a
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Close() error { return a.db.Close() }

func Migrate(ctx context.Context, db *sql.DB) error {
	return dbx.Migrate(ctx, db, migrations.FS, "postgres")
}

func (a *Adapter) ensureSchema(ctx context.Context) error {
	a.schemaMu.Lock()
	defer a.schemaMu.Unlock()
	if a.schemaReady {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := Migrate(ctx, a.db); err != nil {
		return fmt.Errorf("migration error: %w", Classify(err))
	}
	a.schemaReady = true
	return nil
}

func (a *Adapter) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.db.PingContext(ctx) == nil
}

func (a *Adapter) dialListener(ctx context.Context) (listener, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	conn, err := pgx.Connect(ctx, a.dsn)
	if err != nil {
		return nil, Classify(err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		_ = conn.Close(context.WithoutCancel(ctx))
		return nil, Classify(err)
	}
	return conn, nil
}

// Classify maps Postgres failures onto the error taxonomy. SQLSTATE class
// 28 is an authorization failure; class 08, operator intervention and
// connection limits are outages.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "28"):
			return fmt.Errorf("%w: %w", common.ErrAuthFailed, err)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"), pgErr.Code == "53300":
			return fmt.Errorf("%w: %w", common.ErrUnavailable, err)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) ||
		errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", common.ErrUnavailable, err)
	}
	return adapters.Classify(err)
}
