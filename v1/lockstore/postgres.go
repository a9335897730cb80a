package lockstore

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const (
	postgresCreate = `
	CREATE TABLE IF NOT EXISTS booking_locks (
		entity_id    TEXT PRIMARY KEY,
		owner_token  TEXT NOT NULL DEFAULT '',
		refreshed_at BIGINT NOT NULL DEFAULT 0
	)`

	postgresEnsure = `
	INSERT INTO booking_locks
		(entity_id)
	VALUES
		($1)
	ON CONFLICT (entity_id) DO NOTHING`

	postgresRead = `
	SELECT
		owner_token, refreshed_at
	FROM
		booking_locks
	WHERE
		entity_id = $1`

	postgresSwap = `
	UPDATE
		booking_locks
	SET
		owner_token = $1, refreshed_at = $2
	WHERE
		entity_id = $3 AND owner_token = $4 AND refreshed_at = $5`
)

// PostgresStore persists lock records in PostgreSQL. This is the
// backend of record for multi-node deployments where the database is
// already the source of truth for bookings.
type PostgresStore struct {
	sqlStore
}

// NewPostgres connects with the given DSN and creates the lock table if
// it does not exist.
func NewPostgres(dsn string, maxConns int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrUnavailable, err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	if _, err := db.Exec(postgresCreate); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create table: %v", ErrUnavailable, err)
	}
	return &PostgresStore{sqlStore{
		db: db,
		stmts: sqlStatements{
			ensure: postgresEnsure,
			read:   postgresRead,
			swap:   postgresSwap,
		},
	}}, nil
}
