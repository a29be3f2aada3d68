// Package storetest provides an in-memory store.Repository for tests of the
// jobs built on top of the store.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BartekS5/retailetl/internal/partition"
	"github.com/BartekS5/retailetl/internal/store"
	"github.com/BartekS5/retailetl/pkg/models"
)

// Row is one persisted record.
type Row struct {
	Partition  partition.Key
	Record     models.Record
	LastChange time.Time
}

type rowKey struct {
	partition partition.Key
	key       string
}

type leaseKey struct {
	partition partition.Key
	dataset   string
}

type state struct {
	rows       map[models.Dataset]map[rowKey]Row
	invalid    map[models.Dataset]map[string]store.InvalidRecord
	stats      []store.Statistics
	queue      map[int64]store.ErasureEntry
	anonymized map[int64]time.Time
}

func newState() *state {
	return &state{
		rows:       make(map[models.Dataset]map[rowKey]Row),
		invalid:    make(map[models.Dataset]map[string]store.InvalidRecord),
		queue:      make(map[int64]store.ErasureEntry),
		anonymized: make(map[int64]time.Time),
	}
}

func (s *state) clone() *state {
	c := newState()
	for d, rows := range s.rows {
		c.rows[d] = make(map[rowKey]Row, len(rows))
		for k, v := range rows {
			c.rows[d][k] = v
		}
	}
	for d, inv := range s.invalid {
		c.invalid[d] = make(map[string]store.InvalidRecord, len(inv))
		for k, v := range inv {
			c.invalid[d][k] = v
		}
	}
	c.stats = append(c.stats, s.stats...)
	for k, v := range s.queue {
		c.queue[k] = v
	}
	for k, v := range s.anonymized {
		c.anonymized[k] = v
	}
	return c
}

// Repository keeps every table in memory. Transactions work on a copy that
// replaces the committed state only when the callback succeeds.
type Repository struct {
	mu     sync.Mutex
	state  *state
	leases map[leaseKey]string

	// Now stamps anonymized_at; defaults to time.Now.
	Now func() time.Time
	// LookupErr, when set, is returned by the reference checks.
	LookupErr error
	// FailWrite, when set, is consulted before every write inside WithinTx.
	FailWrite func(op string) error
}

var _ store.Repository = (*Repository)(nil)

func New() *Repository {
	return &Repository{state: newState(), leases: make(map[leaseKey]string), Now: time.Now}
}

// Seed stores rows as if they had been committed earlier.
func (r *Repository) Seed(p partition.Key, recs ...models.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		putRow(r.state, Row{Partition: p, Record: rec})
	}
}

func putRow(s *state, row Row) {
	d := row.Record.Dataset()
	if s.rows[d] == nil {
		s.rows[d] = make(map[rowKey]Row)
	}
	s.rows[d][rowKey{row.Partition, row.Record.Key()}] = row
}

// Rows returns the committed rows of a dataset ordered by partition and key.
func (r *Repository) Rows(d models.Dataset) []Row {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Row, 0, len(r.state.rows[d]))
	for _, row := range r.state.rows[d] {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Partition.Date.Equal(out[j].Partition.Date) || out[i].Partition.Hour != out[j].Partition.Hour {
			return out[i].Partition.Before(out[j].Partition)
		}
		return out[i].Record.Key() < out[j].Record.Key()
	})
	return out
}

// Invalid returns the invalid log of a dataset keyed by natural key.
func (r *Repository) Invalid(d models.Dataset) map[string]store.InvalidRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]store.InvalidRecord, len(r.state.invalid[d]))
	for k, v := range r.state.invalid[d] {
		out[k] = v
	}
	return out
}

func (r *Repository) Statistics() []store.Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.Statistics(nil), r.state.stats...)
}

// Erasure returns the queue entry of a customer.
func (r *Repository) Erasure(customerID int64) (store.ErasureEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.state.queue[customerID]
	return e, ok
}

// AnonymizedAt reports when the customer's rows were anonymized.
func (r *Repository) AnonymizedAt(customerID int64) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.state.anonymized[customerID]
	return t, ok
}

// LeaseHolder returns the owner of a lease, if any.
func (r *Repository) LeaseHolder(p partition.Key, dataset string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.leases[leaseKey{p, dataset}]
	return owner, ok
}

// HoldLease simulates another process holding a lease.
func (r *Repository) HoldLease(p partition.Key, dataset, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leases[leaseKey{p, dataset}] = owner
}

func (r *Repository) CustomerExists(_ context.Context, id int64) (bool, error) {
	if r.LookupErr != nil {
		return false, r.LookupErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.state.rows[models.DatasetCustomers] {
		if row.Record.(models.Customer).ID == id {
			return true, nil
		}
	}
	return false, nil
}

func (r *Repository) ProductExists(_ context.Context, sku string) (bool, error) {
	if r.LookupErr != nil {
		return false, r.LookupErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.state.rows[models.DatasetProducts] {
		if k.key == sku {
			return true, nil
		}
	}
	return false, nil
}

func (r *Repository) CustomerPartitions(_ context.Context, id int64) ([]partition.Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[partition.Key]struct{})
	var keys []partition.Key
	for _, row := range r.state.rows[models.DatasetCustomers] {
		if row.Record.(models.Customer).ID != id {
			continue
		}
		if _, ok := seen[row.Partition]; ok {
			continue
		}
		seen[row.Partition] = struct{}{}
		keys = append(keys, row.Partition)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })
	return keys, nil
}

func (r *Repository) PendingErasures(_ context.Context) ([]store.ErasureEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.ErasureEntry
	for _, e := range r.state.queue {
		if e.Status != store.ErasureApplied {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Partition != b.Partition {
			return a.Partition.Before(b.Partition)
		}
		return a.Request.CustomerID < b.Request.CustomerID
	})
	return out, nil
}

func (r *Repository) AcquireLease(_ context.Context, p partition.Key, dataset, owner string, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := leaseKey{p, dataset}
	if holder, ok := r.leases[k]; ok && holder != owner {
		return fmt.Errorf("%s %s held by %s: %w", p, dataset, holder, store.ErrLeaseHeld)
	}
	r.leases[k] = owner
	return nil
}

func (r *Repository) ReleaseLease(_ context.Context, p partition.Key, dataset, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := leaseKey{p, dataset}
	if r.leases[k] == owner {
		delete(r.leases, k)
	}
	return nil
}

func (r *Repository) WithinTx(_ context.Context, fn func(store.Writer) error) error {
	r.mu.Lock()
	work := r.state.clone()
	r.mu.Unlock()

	if err := fn(&writer{repo: r, s: work}); err != nil {
		return err
	}

	r.mu.Lock()
	r.state = work
	r.mu.Unlock()
	return nil
}

type writer struct {
	repo *Repository
	s    *state
}

func (w *writer) fail(op string) error {
	if w.repo.FailWrite == nil {
		return nil
	}
	return w.repo.FailWrite(op)
}

func (w *writer) Upsert(_ context.Context, p partition.Key, rec models.Record, lastChange time.Time) (bool, error) {
	if err := w.fail("upsert"); err != nil {
		return false, err
	}
	if _, ok := rec.(models.ErasureRequest); ok {
		return false, fmt.Errorf("unsupported record type %T for upsert", rec)
	}
	if _, ok := w.s.rows[rec.Dataset()][rowKey{p, rec.Key()}]; ok {
		return false, nil
	}
	putRow(w.s, Row{Partition: p, Record: rec, LastChange: lastChange})
	return true, nil
}

func (w *writer) LogInvalid(_ context.Context, rec store.InvalidRecord) error {
	if err := w.fail("invalid"); err != nil {
		return err
	}
	inv := w.s.invalid[rec.Dataset]
	if inv == nil {
		inv = make(map[string]store.InvalidRecord)
		w.s.invalid[rec.Dataset] = inv
	}
	if prev, ok := inv[rec.Key]; ok {
		prev.Reason = rec.Reason
		inv[rec.Key] = prev
		return nil
	}
	inv[rec.Key] = rec
	return nil
}

func (w *writer) RecordStatistics(_ context.Context, stat store.Statistics) error {
	if err := w.fail("statistics"); err != nil {
		return err
	}
	w.s.stats = append(w.s.stats, stat)
	return nil
}

func (w *writer) EnqueueErasure(_ context.Context, p partition.Key, req models.ErasureRequest) (bool, error) {
	if err := w.fail("enqueue"); err != nil {
		return false, err
	}
	if _, ok := w.s.queue[req.CustomerID]; ok {
		return false, nil
	}
	w.s.queue[req.CustomerID] = store.ErasureEntry{Request: req, Partition: p, Status: store.ErasurePending}
	return true, nil
}

func (w *writer) MarkErasure(_ context.Context, customerID int64, status, lastError string) error {
	if err := w.fail("mark"); err != nil {
		return err
	}
	e, ok := w.s.queue[customerID]
	if !ok {
		return nil
	}
	e.Status = status
	e.LastError = lastError
	w.s.queue[customerID] = e
	return nil
}

func (w *writer) AnonymizeCustomer(_ context.Context, customerID int64, digest string) error {
	if err := w.fail("anonymize"); err != nil {
		return err
	}
	for k, row := range w.s.rows[models.DatasetCustomers] {
		c := row.Record.(models.Customer)
		if c.ID != customerID {
			continue
		}
		c.Email = digest
		row.Record = c
		w.s.rows[models.DatasetCustomers][k] = row
	}
	w.s.anonymized[customerID] = w.repo.Now().UTC()
	return nil
}
