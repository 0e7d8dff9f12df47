// Package store is the PostgreSQL implementation of jobs.Store.
//
// Claims are a single UPDATE over a FOR UPDATE SKIP LOCKED subquery, so two
// workers racing for the same row never both win. Settle writes are
// conditioned on status, lease owner and lease token.
package store

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scarson/jobrunner/internal/jobs"
)

// Store is the PostgreSQL job store.
type Store struct {
	pool *pgxpool.Pool
}

var _ jobs.Store = (*Store)(nil)

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// classify wraps err for op, marking connectivity failures and timeouts as
// transient so the worker retries at the next poll instead of logging a fault.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return jobs.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08": // connection exception
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01": // serialization failure, deadlock
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57014": // admin shutdown, statement timeout
			return true
		case pgErr.Code == "53300": // too many connections
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
