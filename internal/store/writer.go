package store

import (
	"context"
	"fmt"
	"time"

	"github.com/BartekS5/retailetl/internal/partition"
	"github.com/BartekS5/retailetl/pkg/logger"
	"github.com/BartekS5/retailetl/pkg/models"
)

// txWriter issues the statements of one partition batch inside a transaction.
type txWriter struct {
	s *Store
	q querier
}

func (w *txWriter) Upsert(ctx context.Context, p partition.Key, rec models.Record, lastChange time.Time) (bool, error) {
	switch r := rec.(type) {
	case models.Customer:
		return w.insertIfAbsent(ctx, p, "customers", "id", r.ID, func() error {
			return w.exec(ctx,
				"INSERT INTO %s (record_date, record_hour, id, first_name, last_name, email, last_change) VALUES (?, ?, ?, ?, ?, ?, ?)",
				"customers", p.Date, p.Hour, r.ID, r.FirstName, r.LastName, r.Email, lastChange)
		})
	case models.Product:
		return w.insertIfAbsent(ctx, p, "products", "sku", r.SKU, func() error {
			return w.exec(ctx,
				"INSERT INTO %s (record_date, record_hour, sku, name, price, category, popularity, last_change) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
				"products", p.Date, p.Hour, r.SKU, r.Name, r.Price, r.Category, r.Popularity, lastChange)
		})
	case models.Transaction:
		return w.insertIfAbsent(ctx, p, "transactions", "transaction_id", r.TransactionID, func() error {
			return w.insertTransaction(ctx, p, r, lastChange)
		})
	}
	return false, fmt.Errorf("unsupported record type %T for upsert", rec)
}

func (w *txWriter) insertTransaction(ctx context.Context, p partition.Key, t models.Transaction, lastChange time.Time) error {
	if err := w.exec(ctx,
		"INSERT INTO %s (record_date, record_hour, transaction_id, customer_id, transaction_time, total_cost, last_change) VALUES (?, ?, ?, ?, ?, ?, ?)",
		"transactions", p.Date, p.Hour, t.TransactionID, t.CustomerID, t.TransactionTime, t.Purchases.TotalCost, lastChange,
	); err != nil {
		return err
	}

	a := t.DeliveryAddress
	if err := w.exec(ctx,
		"INSERT INTO %s (record_date, record_hour, transaction_id, address, postcode, city, country) VALUES (?, ?, ?, ?, ?, ?, ?)",
		"delivery_addresses", p.Date, p.Hour, t.TransactionID, a.Address, a.Postcode, a.City, a.Country,
	); err != nil {
		return err
	}

	for _, l := range t.Purchases.Products {
		if err := w.exec(ctx,
			"INSERT INTO %s (record_date, record_hour, transaction_id, product_sku, quantity, price, total) VALUES (?, ?, ?, ?, ?, ?, ?)",
			"purchases", p.Date, p.Hour, t.TransactionID, l.SKU, l.Quantity, l.Price, l.LineTotal(),
		); err != nil {
			return err
		}
	}
	return nil
}

func (w *txWriter) insertIfAbsent(ctx context.Context, p partition.Key, table, keyCol string, key interface{}, insert func() error) (bool, error) {
	exists, err := w.s.exists(ctx, w.q, table,
		fmt.Sprintf("record_date = ? AND record_hour = ? AND %s = ?", keyCol), p.Date, p.Hour, key)
	if err != nil {
		return false, err
	}
	if exists {
		logger.Infof("Record %s=%v in %s already exists in %s. Skipping.", keyCol, key, p, table)
		return false, nil
	}
	if err := insert(); err != nil {
		return false, err
	}
	return true, nil
}

func (w *txWriter) LogInvalid(ctx context.Context, rec InvalidRecord) error {
	table, keyCol, err := invalidTable(rec.Dataset)
	if err != nil {
		return err
	}

	exists, err := w.s.exists(ctx, w.q, table, keyCol+" = ?", rec.Key)
	if err != nil {
		return err
	}
	if exists {
		return w.exec(ctx,
			"UPDATE %s SET error_message = ? WHERE "+keyCol+" = ?",
			table, rec.Reason, rec.Key)
	}
	return w.exec(ctx,
		"INSERT INTO %s (record_date, record_hour, "+keyCol+", payload, error_message) VALUES (?, ?, ?, ?, ?)",
		table, rec.Partition.Date, rec.Partition.Hour, rec.Key, string(rec.Payload), rec.Reason)
}

func (w *txWriter) RecordStatistics(ctx context.Context, stat Statistics) error {
	return w.exec(ctx,
		"INSERT INTO %s (record_date, record_hour, dataset_type, record_count, processing_time) VALUES (?, ?, ?, ?, ?)",
		"processing_statistics",
		stat.Partition.Date, stat.Partition.Hour, stat.Dataset, stat.RecordCount, stat.Elapsed.Seconds())
}

func (w *txWriter) EnqueueErasure(ctx context.Context, p partition.Key, req models.ErasureRequest) (bool, error) {
	exists, err := w.s.exists(ctx, w.q, "erasure_requests", "customer_id = ?", req.CustomerID)
	if err != nil {
		return false, err
	}
	if exists {
		logger.Infof("Erasure request for customer %d already queued. Skipping.", req.CustomerID)
		return false, nil
	}
	err = w.exec(ctx,
		"INSERT INTO %s (customer_id, email, record_date, record_hour, status, last_error, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		"erasure_requests",
		req.CustomerID, req.Email, p.Date, p.Hour, ErasurePending, "", w.s.clock.Now().UTC())
	if err != nil {
		return false, err
	}
	return true, nil
}

func (w *txWriter) MarkErasure(ctx context.Context, customerID int64, status, lastError string) error {
	now := w.s.clock.Now().UTC()
	if status == ErasureApplied {
		return w.exec(ctx,
			"UPDATE %s SET status = ?, last_error = ?, applied_at = ?, updated_at = ? WHERE customer_id = ?",
			"erasure_requests", status, lastError, now, now, customerID)
	}
	return w.exec(ctx,
		"UPDATE %s SET status = ?, last_error = ?, updated_at = ? WHERE customer_id = ?",
		"erasure_requests", status, lastError, now, customerID)
}

func (w *txWriter) AnonymizeCustomer(ctx context.Context, customerID int64, digest string) error {
	return w.exec(ctx,
		"UPDATE %s SET email = ?, anonymized_at = ? WHERE id = ?",
		"customers", digest, w.s.clock.Now().UTC(), customerID)
}

// exec formats the table name into query, binds placeholders and runs it.
func (w *txWriter) exec(ctx context.Context, query, table string, args ...interface{}) error {
	stmt := w.s.bind(fmt.Sprintf(query, w.s.table(table)))
	if _, err := w.q.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("error writing to %s: %w", table, err)
	}
	return nil
}

func invalidTable(d models.Dataset) (string, string, error) {
	switch d {
	case models.DatasetCustomers:
		return "invalid_customers", "id", nil
	case models.DatasetProducts:
		return "invalid_products", "sku", nil
	case models.DatasetTransactions:
		return "invalid_transactions", "transaction_id", nil
	case models.DatasetErasureRequests:
		return "invalid_erasure_requests", "customer_id", nil
	}
	return "", "", fmt.Errorf("no invalid-record table for dataset %q", d)
}
