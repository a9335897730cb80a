package lockstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// sqlStatements carries the per-dialect text for the three store
// operations. The table shape is identical across dialects; only the
// placeholder syntax differs.
type sqlStatements struct {
	ensure string
	read   string
	swap   string
}

// sqlStore implements Store on a database/sql handle. SQLiteStore and
// PostgresStore embed it with their own statements.
type sqlStore struct {
	db    *sql.DB
	stmts sqlStatements
}

func (s *sqlStore) Ensure(ctx context.Context, entityID string) (Record, error) {
	if _, err := s.db.ExecContext(ctx, s.stmts.ensure, entityID); err != nil {
		return Record{}, fmt.Errorf("%w: ensure %q: %v", ErrUnavailable, entityID, err)
	}
	rec, ok, err := s.Read(ctx, entityID)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, fmt.Errorf("%w: ensure %q: row missing after insert", ErrUnavailable, entityID)
	}
	return rec, nil
}

func (s *sqlStore) CompareAndSwap(ctx context.Context, entityID string, expect, next Claim) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.stmts.swap,
		next.Token, unixMilli(next.RefreshedAt),
		entityID, expect.Token, unixMilli(expect.RefreshedAt))
	if err != nil {
		return false, fmt.Errorf("%w: swap %q: %v", ErrUnavailable, entityID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: swap %q: %v", ErrUnavailable, entityID, err)
	}
	return n == 1, nil
}

func (s *sqlStore) Read(ctx context.Context, entityID string) (Record, bool, error) {
	var (
		token string
		ms    int64
	)
	err := s.db.QueryRowContext(ctx, s.stmts.read, entityID).Scan(&token, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: read %q: %v", ErrUnavailable, entityID, err)
	}
	return Record{EntityID: entityID, OwnerToken: token, RefreshedAt: fromMilli(ms)}, true, nil
}

// Close releases the underlying database handle.
func (s *sqlStore) Close() error {
	return s.db.Close()
}
