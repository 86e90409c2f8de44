package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/dmitrijs2005/healthsync/internal/dbx"
	"github.com/dmitrijs2005/healthsync/internal/docsync/store/migrations"
)

type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects through pgx and applies the migrations.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}
	return NewPostgres(db), nil
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func Migrate(ctx context.Context, db *sql.DB) error {
	return dbx.Migrate(ctx, db, migrations.FS, "postgres")
}

// Upsert relies on the WHERE clause of ON CONFLICT: when the stored row is
// newer nothing is returned and the stored row is read back instead.
func (p *Postgres) Upsert(ctx context.Context, doc Document) (Document, bool, error) {
	query := `INSERT INTO documents (owner, id, body, updated_at, version)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (owner, id) DO UPDATE
		SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at, version = documents.version + 1
		WHERE documents.updated_at <= EXCLUDED.updated_at
		RETURNING version`

	err := p.db.QueryRowContext(ctx, query, doc.Owner, doc.ID, doc.Body, doc.UpdatedAt).Scan(&doc.Version)
	if err == nil {
		return doc, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Document{}, false, fmt.Errorf("error performing sql request: %w", err)
	}

	cur := Document{Owner: doc.Owner, ID: doc.ID}
	err = p.db.QueryRowContext(ctx,
		`SELECT body, updated_at, version FROM documents WHERE owner = $1 AND id = $2`,
		doc.Owner, doc.ID).Scan(&cur.Body, &cur.UpdatedAt, &cur.Version)
	if err != nil {
		return Document{}, false, fmt.Errorf("error reading stored document: %w", err)
	}
	return cur, false, nil
}

func (p *Postgres) All(ctx context.Context, owner string) ([]Document, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, body, updated_at, version FROM documents WHERE owner = $1 ORDER BY id`, owner)
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		d := Document{Owner: owner}
		if err := rows.Scan(&d.ID, &d.Body, &d.UpdatedAt, &d.Version); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
