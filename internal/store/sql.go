// Package store persists processed records, the invalid-record log,
// processing statistics, the erasure queue and partition leases in the
// relational database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/BartekS5/retailetl/internal/partition"
	"github.com/BartekS5/retailetl/pkg/database"
	"github.com/BartekS5/retailetl/pkg/logger"
)

// querier is satisfied by both *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Options configures a Store.
type Options struct {
	Dialect database.Dialect
	// Schema prefixes every table name when set, e.g. "data".
	Schema string
	Clock  clock.Clock
}

// Store is bound to one checked-out connection for the duration of a job.
type Store struct {
	conn    *sql.Conn
	dialect database.Dialect
	schema  string
	clock   clock.Clock
}

var _ Repository = (*Store)(nil)

func New(conn *sql.Conn, opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Dialect == "" {
		opts.Dialect = database.Postgres
	}
	return &Store{conn: conn, dialect: opts.Dialect, schema: opts.Schema, clock: opts.Clock}
}

// WithinTx runs fn in one transaction, committing only if fn succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(Writer) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if err := tx.Rollback(); err != nil {
				logger.Errorf("Failed to rollback transaction: %v", err)
			}
			panic(p)
		}
	}()

	if err := fn(&txWriter{s: s, q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %v, rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) CustomerExists(ctx context.Context, id int64) (bool, error) {
	return s.exists(ctx, s.conn, "customers", "id = ?", id)
}

func (s *Store) ProductExists(ctx context.Context, sku string) (bool, error) {
	return s.exists(ctx, s.conn, "products", "sku = ?", sku)
}

func (s *Store) CustomerPartitions(ctx context.Context, id int64) ([]partition.Key, error) {
	query := s.bind(fmt.Sprintf(
		"SELECT DISTINCT record_date, record_hour FROM %s WHERE id = ? ORDER BY record_date, record_hour",
		s.table("customers")))

	rows, err := s.conn.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to look up partitions of customer %d: %w", id, err)
	}
	defer rows.Close()

	var keys []partition.Key
	for rows.Next() {
		var (
			date time.Time
			hour int
		)
		if err := rows.Scan(&date, &hour); err != nil {
			return nil, fmt.Errorf("failed to scan customer partition: %w", err)
		}
		keys = append(keys, partition.NewKey(date, hour))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate customer partitions: %w", err)
	}
	return keys, nil
}

func (s *Store) PendingErasures(ctx context.Context) ([]ErasureEntry, error) {
	query := s.bind(fmt.Sprintf(
		"SELECT customer_id, email, record_date, record_hour, status, last_error FROM %s WHERE status <> ? ORDER BY record_date, record_hour, customer_id",
		s.table("erasure_requests")))

	rows, err := s.conn.QueryContext(ctx, query, ErasureApplied)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending erasure requests: %w", err)
	}
	defer rows.Close()

	var entries []ErasureEntry
	for rows.Next() {
		var (
			e    ErasureEntry
			date time.Time
			hour int
		)
		if err := rows.Scan(&e.Request.CustomerID, &e.Request.Email, &date, &hour, &e.Status, &e.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan erasure request: %w", err)
		}
		e.Partition = partition.NewKey(date, hour)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate erasure requests: %w", err)
	}
	return entries, nil
}

// AcquireLease takes the (partition, dataset) lease for owner. It runs outside
// any batch transaction so other processes see it immediately. An expired
// lease, or one already held by owner, is replaced.
func (s *Store) AcquireLease(ctx context.Context, p partition.Key, dataset, owner string, ttl time.Duration) error {
	now := s.clock.Now().UTC()
	table := s.table("partition_leases")

	var (
		holder    string
		expiresAt time.Time
	)
	err := s.conn.QueryRowContext(ctx,
		s.bind(fmt.Sprintf("SELECT owner, expires_at FROM %s WHERE record_date = ? AND record_hour = ? AND dataset_type = ?", table)),
		p.Date, p.Hour, dataset,
	).Scan(&holder, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read lease %s %s: %w", p, dataset, err)
	case holder != owner && expiresAt.After(now):
		return fmt.Errorf("%s %s held by %s until %s: %w", p, dataset, holder, expiresAt.Format(time.RFC3339), ErrLeaseHeld)
	default:
		if holder != owner {
			logger.Warnf("Taking over expired lease on %s %s from %s", p, dataset, holder)
		}
		if _, err := s.conn.ExecContext(ctx,
			s.bind(fmt.Sprintf("DELETE FROM %s WHERE record_date = ? AND record_hour = ? AND dataset_type = ?", table)),
			p.Date, p.Hour, dataset,
		); err != nil {
			return fmt.Errorf("failed to clear lease %s %s: %w", p, dataset, err)
		}
	}

	if _, err := s.conn.ExecContext(ctx,
		s.bind(fmt.Sprintf("INSERT INTO %s (record_date, record_hour, dataset_type, owner, expires_at) VALUES (?, ?, ?, ?, ?)", table)),
		p.Date, p.Hour, dataset, owner, now.Add(ttl),
	); err != nil {
		// A concurrent owner won the primary key between our read and insert.
		return fmt.Errorf("failed to insert lease %s %s: %v: %w", p, dataset, err, ErrLeaseHeld)
	}
	return nil
}

func (s *Store) ReleaseLease(ctx context.Context, p partition.Key, dataset, owner string) error {
	_, err := s.conn.ExecContext(ctx,
		s.bind(fmt.Sprintf("DELETE FROM %s WHERE record_date = ? AND record_hour = ? AND dataset_type = ? AND owner = ?", s.table("partition_leases"))),
		p.Date, p.Hour, dataset, owner,
	)
	if err != nil {
		return fmt.Errorf("failed to release lease %s %s: %w", p, dataset, err)
	}
	return nil
}

func (s *Store) exists(ctx context.Context, q querier, table, where string, args ...interface{}) (bool, error) {
	var count int
	query := s.bind(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", s.table(table), where))
	if err := q.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, fmt.Errorf("error checking row existence in %s: %w", table, err)
	}
	return count > 0, nil
}

func (s *Store) table(name string) string {
	if s.schema == "" {
		return name
	}
	return s.schema + "." + name
}

// bind rewrites '?' markers into the dialect's numbered placeholders.
func (s *Store) bind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.dialect.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
