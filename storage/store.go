// Package storage is the persistence layer over Postgres. All multi-row
// writes are transactional; readers observe either the previous or the new
// complete set, never a partial rematerialization.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/yuru-sha/fuji-calendar-sub001/log"
	"github.com/yuru-sha/fuji-calendar-sub001/observability"
)

var logger = log.Logger()

// Store wraps the database handle with the operations the core needs.
type Store struct {
	db       *sqlx.DB
	observer observability.ObserverInterface
}

// Open connects to Postgres and pings it.
func Open(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, observability.Tag(observability.KindQueueUnavailable, "storage.Open",
			fmt.Errorf("connect: %w", err))
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewStore(db), nil
}

// NewStore wraps an existing handle; tests pass a sqlmock-backed one.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, observer: observability.Observer()}
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// tagDBError classifies a database failure into the shared taxonomy.
// Serialization failures, deadlocks, and connection drops are transient;
// constraint and schema errors are fatal.
func tagDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03", "57014":
			return observability.Tag(observability.KindPersistTransient, op, err)
		case "23505", "42P01", "42703":
			return observability.Tag(observability.KindPersistFatal, op, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return observability.Tag(observability.KindPersistTransient, op, err)
	}
	return observability.Tag(observability.KindPersistTransient, op, err)
}

// retryTransient runs fn up to three times with exponential backoff while
// it keeps failing transiently. Fatal classifications abort immediately.
func retryTransient(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		kind, _ := observability.KindOf(err)
		if kind == observability.KindPersistFatal {
			return backoff.Permanent(err)
		}
		logger.WarnContext(ctx, "transient persistence failure, retrying",
			"operation", op, "attempt", attempt, "error", err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, 2), ctx))
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return tagDBError(op, err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.ErrorContext(ctx, "rollback failed", "operation", op, "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return tagDBError(op, err)
	}
	return nil
}

// WithLocationLock holds a session-scoped advisory lock for one location
// while fn runs, serializing writers per location. Distinct locations
// proceed concurrently.
func (s *Store) WithLocationLock(ctx context.Context, locationID int64, fn func() error) error {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return tagDBError("storage.WithLocationLock", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1, $2)`, lockClassLocation, locationID); err != nil {
		return tagDBError("storage.WithLocationLock", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1, $2)`, lockClassLocation, locationID); err != nil {
			logger.Error("advisory unlock failed", "location_id", locationID, "error", err)
		}
	}()
	return fn()
}

// lockClassLocation namespaces per-location advisory locks.
const lockClassLocation = 0x0f5a
