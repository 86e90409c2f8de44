// Package localdb opens the single SQLite database that holds everything a
// device keeps locally: the ledger, its change feed and sync outbox, the
// pending upload queue and the installation state.
package localdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/healthsync/internal/dbx"
	"github.com/dmitrijs2005/healthsync/internal/localdb/migrations"

	_ "modernc.org/sqlite"
)

// Open opens (creating if needed) the database at path and migrates it.
// ":memory:" gives a private in-memory database.
//
// The pool is limited to one connection: SQLite serializes writers anyway
// and an in-memory database exists only on the connection that created it.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open local db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping local db: %w", err)
	}

	if err := dbx.Migrate(ctx, db, migrations.FS, "sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate local db: %w", err)
	}

	return db, nil
}

func dsn(path string) string {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return path
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}
