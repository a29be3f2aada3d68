// Package mirror keeps an optional document-store copy of processed records.
package mirror

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/BartekS5/retailetl/internal/ndjson"
	"github.com/BartekS5/retailetl/internal/partition"
	"github.com/BartekS5/retailetl/pkg/logger"
	"github.com/BartekS5/retailetl/pkg/models"
	"github.com/BartekS5/retailetl/pkg/utils"
)

// Mirror receives every processed partition and every applied erasure.
type Mirror interface {
	Upsert(ctx context.Context, dataset models.Dataset, p partition.Key, records []ndjson.Record) error
	Anonymize(ctx context.Context, customerID int64, digest string) error
}

// Nop is used when no document store is configured.
type Nop struct{}

func (Nop) Upsert(context.Context, models.Dataset, partition.Key, []ndjson.Record) error { return nil }
func (Nop) Anonymize(context.Context, int64, string) error                               { return nil }

// MongoMirror upserts records into one collection per dataset, keyed by
// partition and natural key.
type MongoMirror struct {
	DB      *mongo.Database
	Timeout time.Duration
	Now     func() time.Time
}

func NewMongoMirror(client *mongo.Client, database string) *MongoMirror {
	return &MongoMirror{DB: client.Database(database), Timeout: 30 * time.Second, Now: time.Now}
}

func (m *MongoMirror) Upsert(ctx context.Context, dataset models.Dataset, p partition.Key, records []ndjson.Record) error {
	writes := upsertModels(dataset, p, records)
	if len(writes) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.Timeout)
	defer cancel()
	res, err := m.DB.Collection(CollectionName(dataset)).BulkWrite(ctx, writes)
	if err != nil {
		return fmt.Errorf("mongo bulk write %s %s: %w", dataset, p, err)
	}
	logger.Infof("Mongo BulkWrite %s %s: Match %d, Mod %d, Upsert %d",
		dataset, p, res.MatchedCount, res.ModifiedCount, res.UpsertedCount)
	return nil
}

func (m *MongoMirror) Anonymize(ctx context.Context, customerID int64, digest string) error {
	ctx, cancel := context.WithTimeout(ctx, m.Timeout)
	defer cancel()
	res, err := m.DB.Collection(CollectionName(models.DatasetCustomers)).UpdateMany(ctx,
		bson.M{"id": customerID},
		bson.M{"$set": bson.M{"email": digest, "anonymized_at": m.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("mongo anonymize customer %d: %w", customerID, err)
	}
	logger.Infof("Mongo anonymized customer %d in %d documents", customerID, res.ModifiedCount)
	return nil
}

// CollectionName maps a dataset onto its collection.
func CollectionName(d models.Dataset) string {
	return strings.ReplaceAll(string(d), "-", "_")
}

func upsertModels(dataset models.Dataset, p partition.Key, records []ndjson.Record) []mongo.WriteModel {
	keyField := dataset.KeyField()
	writes := make([]mongo.WriteModel, 0, len(records))
	for _, rec := range records {
		doc := Document(rec)
		idVal := doc[keyField]
		if idVal == nil {
			logger.Errorf("Missing %s for %s document in %s", keyField, dataset, p)
			continue
		}
		doc["record_date"] = p.DateString()
		doc["record_hour"] = p.Hour

		filter := bson.M{"record_date": p.DateString(), "record_hour": p.Hour, keyField: idVal}
		// Insert-only, like the store: a re-run must not undo an anonymization.
		update := bson.M{"$setOnInsert": doc}
		writes = append(writes, mongo.NewUpdateOneModel().SetFilter(filter).SetUpdate(update).SetUpsert(true))
	}
	return writes
}

// Document converts a decoded record into BSON-friendly values: exact JSON
// numbers become int64 when integral and float64 otherwise.
func Document(rec ndjson.Record) bson.M {
	doc := make(bson.M, len(rec))
	for k, v := range rec {
		doc[k] = convertValue(v)
	}
	return doc
}

func convertValue(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		if i, err := utils.ConvertToInt64(val); err == nil {
			return i
		}
		f, err := val.Float64()
		if err != nil {
			return val.String()
		}
		return f
	case map[string]interface{}:
		return Document(val)
	case []interface{}:
		out := make(bson.A, len(val))
		for i, item := range val {
			out[i] = convertValue(item)
		}
		return out
	}
	return v
}
