package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/BartekS5/retailetl/internal/partition"
	"github.com/BartekS5/retailetl/pkg/database"
	"github.com/BartekS5/retailetl/pkg/models"
)

var testPartition = partition.NewKey(time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC), 5)

func newTestStore(t *testing.T, dialect database.Dialect) (*Store, sqlmock.Sqlmock, *clock.Mock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	conn, err := db.Conn(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	clk := clock.NewMock()
	clk.Set(time.Date(2022, 1, 2, 3, 4, 5, 0, time.UTC))
	return New(conn, Options{Dialect: dialect, Schema: "data", Clock: clk}), mock, clk
}

func countRows(n int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"count"}).AddRow(n)
}

func TestUpsertCustomerInsertsOnce(t *testing.T) {
	s, mock, _ := newTestStore(t, database.Postgres)
	ctx := context.Background()
	c := models.Customer{ID: 7, FirstName: "Ana", LastName: "Horvat", Email: "a@example.com"}

	existsQ := regexp.QuoteMeta("SELECT COUNT(*) FROM data.customers WHERE record_date = $1 AND record_hour = $2 AND id = $3")

	mock.ExpectBegin()
	mock.ExpectQuery(existsQ).WithArgs(testPartition.Date, 5, int64(7)).WillReturnRows(countRows(0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO data.customers (record_date, record_hour, id, first_name, last_name, email, last_change) VALUES ($1, $2, $3, $4, $5, $6, $7)")).
		WithArgs(testPartition.Date, 5, int64(7), "Ana", "Horvat", "a@example.com", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(existsQ).WithArgs(testPartition.Date, 5, int64(7)).WillReturnRows(countRows(1))
	mock.ExpectCommit()

	var inserted []bool
	for i := 0; i < 2; i++ {
		err := s.WithinTx(ctx, func(w Writer) error {
			ok, err := w.Upsert(ctx, testPartition, c, time.Now().UTC())
			inserted = append(inserted, ok)
			return err
		})
		require.NoError(t, err)
	}
	require.Equal(t, []bool{true, false}, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertTransactionWritesChildren(t *testing.T) {
	s, mock, _ := newTestStore(t, database.SQLServer)
	ctx := context.Background()
	tx := models.Transaction{
		TransactionID:   "t-1",
		CustomerID:      7,
		TransactionTime: time.Date(2022, 1, 1, 5, 10, 0, 0, time.UTC),
		DeliveryAddress: models.Address{Address: "Ilica 1", Postcode: "10000", City: "Zagreb", Country: "HR"},
		Purchases: models.Purchases{
			Products: []models.ProductLine{
				{SKU: "A", Quantity: 2, Price: decimal.RequireFromString("10")},
				{SKU: "B", Quantity: 1, Price: decimal.RequireFromString("15")},
			},
			TotalCost: decimal.RequireFromString("35"),
		},
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM data.transactions WHERE record_date = @p1 AND record_hour = @p2 AND transaction_id = @p3")).
		WillReturnRows(countRows(0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO data.transactions (")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO data.delivery_addresses (")).
		WithArgs(testPartition.Date, testPartition.Hour, "t-1", "Ilica 1", "10000", "Zagreb", "HR").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO data.purchases (")).
		WithArgs(testPartition.Date, testPartition.Hour, "t-1", "A", 2, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO data.purchases (")).
		WithArgs(testPartition.Date, testPartition.Hour, "t-1", "B", 1, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.WithinTx(ctx, func(w Writer) error {
		_, err := w.Upsert(ctx, testPartition, tx, time.Now())
		return err
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRejectsErasureRequest(t *testing.T) {
	s, mock, _ := newTestStore(t, database.Postgres)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := s.WithinTx(ctx, func(w Writer) error {
		_, err := w.Upsert(ctx, testPartition, models.ErasureRequest{CustomerID: 1, Email: "a@example.com"}, time.Now())
		return err
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLogInvalidUpdatesExistingKey(t *testing.T) {
	s, mock, _ := newTestStore(t, database.Postgres)
	ctx := context.Background()
	existsQ := regexp.QuoteMeta("SELECT COUNT(*) FROM data.invalid_products WHERE sku = $1")

	mock.ExpectBegin()
	mock.ExpectQuery(existsQ).WithArgs("X1").WillReturnRows(countRows(0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO data.invalid_products (record_date, record_hour, sku, payload, error_message) VALUES ($1, $2, $3, $4, $5)")).
		WithArgs(testPartition.Date, 5, "X1", `{"sku":"X1"}`, "duplicate key").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(existsQ).WithArgs("X1").WillReturnRows(countRows(1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE data.invalid_products SET error_message = $1 WHERE sku = $2")).
		WithArgs("schema violation: name: cannot be blank.", "X1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithinTx(ctx, func(w Writer) error {
		rec := InvalidRecord{
			Partition: testPartition,
			Dataset:   models.DatasetProducts,
			Key:       "X1",
			Payload:   []byte(`{"sku":"X1"}`),
			Reason:    "duplicate key",
		}
		if err := w.LogInvalid(ctx, rec); err != nil {
			return err
		}
		rec.Reason = "schema violation: name: cannot be blank."
		return w.LogInvalid(ctx, rec)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	s, mock, _ := newTestStore(t, database.Postgres)
	ctx := context.Background()
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO data.processing_statistics")).
		WithArgs(testPartition.Date, 5, "customers", 3, 1.5).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectRollback()

	err := s.WithinTx(ctx, func(w Writer) error {
		if err := w.RecordStatistics(ctx, Statistics{
			Partition:   testPartition,
			Dataset:     "customers",
			RecordCount: 3,
			Elapsed:     1500 * time.Millisecond,
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireLease(t *testing.T) {
	selectQ := regexp.QuoteMeta("SELECT owner, expires_at FROM data.partition_leases WHERE record_date = $1 AND record_hour = $2 AND dataset_type = $3")
	insertQ := regexp.QuoteMeta("INSERT INTO data.partition_leases (record_date, record_hour, dataset_type, owner, expires_at) VALUES ($1, $2, $3, $4, $5)")
	deleteQ := regexp.QuoteMeta("DELETE FROM data.partition_leases WHERE record_date = $1 AND record_hour = $2 AND dataset_type = $3")
	ctx := context.Background()

	t.Run("free", func(t *testing.T) {
		s, mock, _ := newTestStore(t, database.Postgres)
		mock.ExpectQuery(selectQ).WillReturnRows(sqlmock.NewRows([]string{"owner", "expires_at"}))
		mock.ExpectExec(insertQ).
			WithArgs(testPartition.Date, 5, "customers", "me", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		require.NoError(t, s.AcquireLease(ctx, testPartition, "customers", "me", time.Minute))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("held", func(t *testing.T) {
		s, mock, clk := newTestStore(t, database.Postgres)
		mock.ExpectQuery(selectQ).WillReturnRows(
			sqlmock.NewRows([]string{"owner", "expires_at"}).AddRow("other", clk.Now().Add(time.Minute)))

		err := s.AcquireLease(ctx, testPartition, "customers", "me", time.Minute)
		require.ErrorIs(t, err, ErrLeaseHeld)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("expired", func(t *testing.T) {
		s, mock, clk := newTestStore(t, database.Postgres)
		mock.ExpectQuery(selectQ).WillReturnRows(
			sqlmock.NewRows([]string{"owner", "expires_at"}).AddRow("other", clk.Now().Add(-time.Second)))
		mock.ExpectExec(deleteQ).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(insertQ).WillReturnResult(sqlmock.NewResult(1, 1))

		require.NoError(t, s.AcquireLease(ctx, testPartition, "customers", "me", time.Minute))
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestReleaseLeaseOnlyDeletesOwnRow(t *testing.T) {
	s, mock, _ := newTestStore(t, database.Postgres)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM data.partition_leases WHERE record_date = $1 AND record_hour = $2 AND dataset_type = $3 AND owner = $4")).
		WithArgs(testPartition.Date, 5, "customers", "me").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.ReleaseLease(context.Background(), testPartition, "customers", "me"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestErasureQueue(t *testing.T) {
	s, mock, _ := newTestStore(t, database.Postgres)
	ctx := context.Background()
	req := models.ErasureRequest{CustomerID: 7, Email: "a@example.com"}

	existsQ := regexp.QuoteMeta("SELECT COUNT(*) FROM data.erasure_requests WHERE customer_id = $1")
	mock.ExpectBegin()
	mock.ExpectQuery(existsQ).WithArgs(int64(7)).WillReturnRows(countRows(0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO data.erasure_requests")).
		WithArgs(int64(7), "a@example.com", testPartition.Date, 5, ErasurePending, "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(existsQ).WithArgs(int64(7)).WillReturnRows(countRows(1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE data.customers SET email = $1, anonymized_at = $2 WHERE id = $3")).
		WithArgs("digest", sqlmock.AnyArg(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE data.erasure_requests SET status = $1, last_error = $2, applied_at = $3, updated_at = $4 WHERE customer_id = $5")).
		WithArgs(ErasureApplied, "", sqlmock.AnyArg(), sqlmock.AnyArg(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithinTx(ctx, func(w Writer) error {
		ok, err := w.EnqueueErasure(ctx, testPartition, req)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = w.EnqueueErasure(ctx, testPartition, req)
		require.NoError(t, err)
		require.False(t, ok)

		if err := w.AnonymizeCustomer(ctx, 7, "digest"); err != nil {
			return err
		}
		return w.MarkErasure(ctx, 7, ErasureApplied, "")
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingErasures(t *testing.T) {
	s, mock, _ := newTestStore(t, database.Postgres)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT customer_id, email, record_date, record_hour, status, last_error FROM data.erasure_requests WHERE status <> $1 ORDER BY record_date, record_hour, customer_id")).
		WithArgs(ErasureApplied).
		WillReturnRows(sqlmock.NewRows([]string{"customer_id", "email", "record_date", "record_hour", "status", "last_error"}).
			AddRow(int64(7), "a@example.com", testPartition.Date, 5, ErasurePending, "").
			AddRow(int64(9), "b@example.com", testPartition.Date, 6, ErasureFailed, "open x: permission denied"))

	entries, err := s.PendingErasures(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, int64(7), entries[0].Request.CustomerID)
	require.Equal(t, 6, entries[1].Partition.Hour)
	require.Equal(t, ErasureFailed, entries[1].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCustomerPartitionsAndReferences(t *testing.T) {
	s, mock, _ := newTestStore(t, database.Postgres)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT record_date, record_hour FROM data.customers WHERE id = $1")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"record_date", "record_hour"}).
			AddRow(testPartition.Date, 5).
			AddRow(testPartition.Date, 9))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM data.customers WHERE id = $1")).
		WithArgs(int64(7)).WillReturnRows(countRows(1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM data.products WHERE sku = $1")).
		WithArgs("NOPE").WillReturnRows(countRows(0))

	keys, err := s.CustomerPartitions(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, []partition.Key{testPartition, partition.NewKey(testPartition.Date, 9)}, keys)

	ok, err := s.CustomerExists(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ProductExists(ctx, "NOPE")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
