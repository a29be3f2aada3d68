package store

import (
	"context"
	"errors"
	"time"

	"github.com/BartekS5/retailetl/internal/partition"
	"github.com/BartekS5/retailetl/pkg/models"
)

// ErrLeaseHeld is returned when another owner holds an unexpired lease.
var ErrLeaseHeld = errors.New("partition lease held by another owner")

// Erasure queue statuses.
const (
	ErasurePending    = "pending"
	ErasureUnresolved = "unresolved"
	ErasureFailed     = "failed"
	ErasureApplied    = "applied"
)

// InvalidRecord is one rejected record and why.
type InvalidRecord struct {
	Partition partition.Key
	Dataset   models.Dataset
	Key       string
	Payload   []byte
	Reason    string
}

// Statistics is one processing_statistics row.
type Statistics struct {
	Partition   partition.Key
	Dataset     string
	RecordCount int
	Elapsed     time.Duration
}

// ErasureEntry is a queued erasure request.
type ErasureEntry struct {
	Request   models.ErasureRequest
	Partition partition.Key
	Status    string
	LastError string
}

// Writer groups the statements of one partition batch; they commit together.
type Writer interface {
	// Upsert inserts rec unless (partition, key) already exists. It reports
	// whether a row was inserted.
	Upsert(ctx context.Context, p partition.Key, rec models.Record, lastChange time.Time) (bool, error)
	// LogInvalid updates the message of an existing row for the key, or
	// inserts a new one.
	LogInvalid(ctx context.Context, rec InvalidRecord) error
	RecordStatistics(ctx context.Context, stat Statistics) error

	// EnqueueErasure adds a request unless one is already queued for the
	// subject. It reports whether a row was inserted.
	EnqueueErasure(ctx context.Context, p partition.Key, req models.ErasureRequest) (bool, error)
	MarkErasure(ctx context.Context, customerID int64, status, lastError string) error
	// AnonymizeCustomer replaces the stored email of every row of the
	// customer with digest and stamps anonymized_at.
	AnonymizeCustomer(ctx context.Context, customerID int64, digest string) error
}

// ReferenceChecker answers the lookups transaction validation needs.
type ReferenceChecker interface {
	CustomerExists(ctx context.Context, id int64) (bool, error)
	ProductExists(ctx context.Context, sku string) (bool, error)
}

// Leaser guards processed artifacts against concurrent read-modify-write.
type Leaser interface {
	AcquireLease(ctx context.Context, p partition.Key, dataset, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, p partition.Key, dataset, owner string) error
}

// Repository is everything a job needs from the relational store.
type Repository interface {
	ReferenceChecker
	Leaser

	// CustomerPartitions lists, oldest first, every partition a customer was
	// persisted in.
	CustomerPartitions(ctx context.Context, id int64) ([]partition.Key, error)
	// PendingErasures lists queued requests not yet applied.
	PendingErasures(ctx context.Context) ([]ErasureEntry, error)

	WithinTx(ctx context.Context, fn func(Writer) error) error
}
