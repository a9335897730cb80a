package lockstore

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteCreate = `
	CREATE TABLE IF NOT EXISTS booking_locks (
		entity_id    TEXT PRIMARY KEY,
		owner_token  TEXT NOT NULL DEFAULT '',
		refreshed_at INTEGER NOT NULL DEFAULT 0
	)`

	sqliteEnsure = `
	INSERT INTO booking_locks
		(entity_id)
	VALUES
		(?)
	ON CONFLICT(entity_id) DO NOTHING`

	sqliteRead = `
	SELECT
		owner_token, refreshed_at
	FROM
		booking_locks
	WHERE
		entity_id = ?`

	sqliteSwap = `
	UPDATE
		booking_locks
	SET
		owner_token = ?, refreshed_at = ?
	WHERE
		entity_id = ? AND owner_token = ? AND refreshed_at = ?`
)

// SQLiteStore persists lock records in a SQLite database. It suits
// single-node deployments that want lock state to survive restarts.
type SQLiteStore struct {
	sqlStore
}

// NewSQLite opens the database at path (":memory:" works) and creates
// the lock table if it does not exist.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %v", ErrUnavailable, path, err)
	}
	// A memory database exists per connection, and a single connection
	// also keeps concurrent writers from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteCreate); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create table: %v", ErrUnavailable, err)
	}
	return &SQLiteStore{sqlStore{
		db: db,
		stmts: sqlStatements{
			ensure: sqliteEnsure,
			read:   sqliteRead,
			swap:   sqliteSwap,
		},
	}}, nil
}
