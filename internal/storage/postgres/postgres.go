package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"feature-materializer/internal/storage"
)

// Pool wraps pgxpool.Pool for dependency injection.
type Pool struct {
	*pgxpool.Pool
}

// PoolOptions tunes the connection pool. Zero values keep pgx defaults.
type PoolOptions struct {
	MaxConns int32
	MinConns int32
}

// NewPool creates a new Postgres connection pool.
func NewPool(ctx context.Context, dsn string) (*Pool, error) {
	return NewPoolWithOptions(ctx, dsn, PoolOptions{})
}

// NewPoolWithOptions creates a new Postgres connection pool with explicit sizing.
func NewPoolWithOptions(ctx context.Context, dsn string, opts PoolOptions) (*Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		config.MinConns = opts.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// Close closes the connection pool.
func (p *Pool) Close() {
	p.Pool.Close()
}

// PostgreSQL error codes
const (
	pgErrLockNotAvailable  = "55P03" // lock_not_available
	pgErrDeadlockDetected  = "40P01" // deadlock_detected
	pgErrQueryCanceled     = "57014" // query_canceled (statement_timeout)
	pgErrClassConnection   = "08"    // connection_exception
	pgErrAdminShutdown     = "57P01" // admin_shutdown
	pgErrCannotConnectNow  = "57P03" // cannot_connect_now
	pgErrTooManyConnection = "53300" // too_many_connections
)

// isLockError checks if error is a lock wait timeout or a deadlock abort.
func isLockError(err error) bool {
	return hasCode(err, pgErrLockNotAvailable) || hasCode(err, pgErrDeadlockDetected)
}

// isConnectionError checks if error means the server could not be reached.
func isConnectionError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, pgErrClassConnection) ||
			pgErr.Code == pgErrAdminShutdown ||
			pgErr.Code == pgErrCannotConnectNow ||
			pgErr.Code == pgErrTooManyConnection
	}

	return false
}

// isNotFoundError checks if error indicates no rows found.
func isNotFoundError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func hasCode(err error, code string) bool {
	if err == nil {
		return false
	}

	// Use pgconn.PgError for reliable error code detection
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}

	return false
}

// classifyWriteError maps a write failure to a storage sentinel.
// Lock waits and statement timeouts on the work context count as lock timeouts.
func classifyWriteError(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case isLockError(err), hasCode(err, pgErrQueryCanceled):
		return fmt.Errorf("%w: %w", storage.ErrLockTimeout, err)
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
		return fmt.Errorf("%w: %w", storage.ErrLockTimeout, err)
	case isConnectionError(err):
		return fmt.Errorf("%w: %w", storage.ErrStoreUnavailable, err)
	default:
		return fmt.Errorf("%w: %w", storage.ErrCommitFailure, err)
	}
}

// classifyReadError maps a read failure on the feature or cursor store.
func classifyReadError(err error) error {
	if err == nil {
		return nil
	}
	if isConnectionError(err) {
		return fmt.Errorf("%w: %w", storage.ErrStoreUnavailable, err)
	}
	return err
}
