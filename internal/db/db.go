package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the minimal query interface satisfied by both *pgxpool.Pool and
// pgx.Tx, so the same queries run inside and outside transactions.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// New creates a Queries instance bound to the given connection or transaction.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// Queries is the concrete pgx-backed implementation of Querier.
type Queries struct {
	db DBTX
}

// WithTx returns a Queries instance bound to the given transaction.
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

// Store is the full persistence surface: all queries plus transactional
// execution. SQLStore implements it over a pgx pool; tests substitute an
// in-memory fake.
type Store interface {
	Querier
	ExecTx(ctx context.Context, fn func(Querier) error) error
}

// SQLStore provides all query and transaction functions over a pgx pool.
type SQLStore struct {
	*Queries
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *SQLStore {
	return &SQLStore{
		Queries: New(pool),
		pool:    pool,
	}
}

// execTxMaxRetries bounds retries on serialization failures.
const execTxMaxRetries = 3

// ExecTx executes fn within a database transaction, committing when fn
// returns nil and rolling back otherwise. Serialization failures are
// retried, so fn must be safe to run more than once.
func (s *SQLStore) ExecTx(ctx context.Context, fn func(Querier) error) error {
	return WithTransactionRetry(ctx, s.pool, execTxMaxRetries, func(tx pgx.Tx) error {
		return fn(s.Queries.WithTx(tx))
	})
}

// Pool exposes the underlying connection pool for lifecycle management.
func (s *SQLStore) Pool() *pgxpool.Pool {
	return s.pool
}
