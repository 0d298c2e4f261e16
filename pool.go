package que

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool is the connection pool adapter (spec.md §4.2): it hands out scoped
// checkouts of a dedicated Postgres session and a transaction helper built
// on top of jackc/pgx/v5's pgxpool.Pool.
type Pool struct {
	pg *pgxpool.Pool
}

// NewPool wraps an existing pgxpool.Pool.
func NewPool(pg *pgxpool.Pool) *Pool {
	return &Pool{pg: pg}
}

// Raw returns the underlying pgxpool.Pool, for callers (such as Client)
// that want direct pool-level access rather than a single checked-out
// session.
func (p *Pool) Raw() *pgxpool.Pool {
	return p.pg
}

// Checkout acquires a session, invokes fn with it, and releases the
// session on every exit path, including a panic inside fn.
func (p *Pool) Checkout(ctx context.Context, fn func(ctx context.Context, s *Session) error) error {
	conn, err := p.pg.Acquire(ctx)
	if err != nil {
		return err
	}
	s := &Session{conn: conn}
	defer s.Release()
	return fn(ctx, s)
}

// AcquireDedicated checks out a session that the caller holds for an
// arbitrary lifetime rather than the duration of a single callback. The
// Locker uses this for its lifetime-long dedicated session: advisory locks
// are session-scoped, so sharing this session with workers would let a
// worker's accidental rollback or disconnect release every lock this
// process holds.
func (p *Pool) AcquireDedicated(ctx context.Context) (*Session, error) {
	conn, err := p.pg.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &Session{conn: conn}, nil
}

// Session is a single checked-out Postgres connection, optionally with an
// open transaction layered on top of it.
type Session struct {
	conn *pgxpool.Conn
	txn  pgx.Tx
}

// Release returns the underlying connection to the pool. After Release the
// Session must not be used again.
func (s *Session) Release() {
	s.conn.Release()
}

// BackendPID returns this session's Postgres backend process id, the key
// used for the que_lockers registry row and for pg_locks introspection.
func (s *Session) BackendPID() uint32 {
	return s.conn.Conn().PgConn().PID()
}

// InTransaction reports whether a transaction is currently open on this
// session.
func (s *Session) InTransaction() bool {
	return s.txn != nil
}

// Transaction runs fn inside a transaction on this session. If a
// transaction is already open (a nested/re-entrant call), fn simply runs
// inside the existing one. Otherwise it issues BEGIN, runs fn, and commits
// on a nil return or rolls back on any error (including a panic, which is
// re-raised after rollback).
func (s *Session) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.InTransaction() {
		return fn(ctx)
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	s.txn = tx

	defer func() {
		s.txn = nil
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (s *Session) queryable() queryable {
	if s.txn != nil {
		return s.txn
	}
	return s.conn
}

// Exec, Query, and QueryRow satisfy the queryable interface, routing
// through the open transaction when one exists.
func (s *Session) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return s.queryable().Exec(ctx, sql, args...)
}

func (s *Session) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return s.queryable().Query(ctx, sql, args...)
}

func (s *Session) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return s.queryable().QueryRow(ctx, sql, args...)
}
