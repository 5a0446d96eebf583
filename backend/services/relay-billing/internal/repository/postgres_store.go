package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	libdb "relayrent/backend/libs/db"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PostgresStore implements Store on top of database/sql with the pgx driver.
type PostgresStore struct {
	*queries
	db *sql.DB
}

// NewPostgresStore returns a store bound to db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{queries: &queries{db: db}, db: db}
}

// WithTx runs fn in a database transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(q Queries) error) error {
	return libdb.InTx(ctx, s.db, func(tx *sql.Tx) error {
		return fn(&queries{db: tx})
	})
}

// queries implements Queries for either a pool or a transaction.
type queries struct {
	db DBTX
}

func isUniqueViolation(err error) bool {
	return pgCode(err) == pgUniqueViolation
}

func isForeignKeyViolation(err error) bool {
	return pgCode(err) == pgForeignKeyViolation
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
