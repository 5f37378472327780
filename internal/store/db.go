package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds the row-level operations. It runs either directly on the
// connection pool or inside a transaction.
type Queries struct {
	q dbtx
}

// DB wraps a SQLite database connection for the app-owned cache.db.
type DB struct {
	*sql.DB
	Queries
}

// Tx is a cache transaction exposing the same row-level operations as DB.
type Tx struct {
	Queries
	tx *sql.Tx
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, Queries: Queries{q: db}}, nil
}

// Transaction runs fn inside a single transaction, committing when fn
// returns nil.
func (db *DB) Transaction(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&Tx{Queries: Queries{q: sqlTx}, tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
