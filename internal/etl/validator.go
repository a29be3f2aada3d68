package etl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"

	"github.com/BartekS5/retailetl/internal/ndjson"
	"github.com/BartekS5/retailetl/internal/partition"
	"github.com/BartekS5/retailetl/internal/store"
	"github.com/BartekS5/retailetl/pkg/models"
)

// Rejection reasons written to the invalid-record log.
const (
	ReasonDuplicateKey    = "duplicate key"
	ReasonUnknownCustomer = "invalid reference: unknown customer"
	ReasonUnknownSKU      = "invalid reference: unknown sku"
	ReasonTotalMismatch   = "invalid total: mismatch"
	schemaViolationPrefix = "schema violation: "
)

// KeylessPrefix marks invalid-log keys derived from the payload of a record
// that has no usable natural key.
const KeylessPrefix = "payload-sha256:"

// LastChangeField is stamped on every accepted record.
const LastChangeField = "last_change"

// Valid is an accepted record in both its raw (stamped) and typed forms.
type Valid struct {
	Raw        ndjson.Record
	Record     models.Record
	LastChange time.Time
}

// Result splits a batch into disjoint valid and invalid sequences. Valid keeps
// input order.
type Result struct {
	Valid   []Valid
	Invalid []store.InvalidRecord
}

// RawRecords returns the stamped raw form of every valid record.
func (r Result) RawRecords() []ndjson.Record {
	out := make([]ndjson.Record, len(r.Valid))
	for i, v := range r.Valid {
		out[i] = v.Raw
	}
	return out
}

// Validator applies the presence, uniqueness and referential checks of a
// dataset. Refs may be nil for datasets without references.
type Validator struct {
	Refs  store.ReferenceChecker
	Clock clock.Clock
}

func NewValidator(refs store.ReferenceChecker, clk clock.Clock) *Validator {
	if clk == nil {
		clk = clock.New()
	}
	return &Validator{Refs: refs, Clock: clk}
}

// Validate checks raws in order. Lookup failures against the store are
// returned as errors, not as rejected records.
func (v *Validator) Validate(ctx context.Context, dataset models.Dataset, p partition.Key, raws []ndjson.Record) (Result, error) {
	var res Result
	seen := make(map[string]struct{}, len(raws))
	refs := newRefCache(v.Refs)

	for _, raw := range raws {
		rec, err := models.Decode(dataset, raw)
		if err != nil {
			res.Invalid = append(res.Invalid, invalid(dataset, p, models.RawKey(dataset, raw), raw, schemaViolationPrefix+err.Error()))
			continue
		}

		key := rec.Key()
		if _, dup := seen[key]; dup {
			res.Invalid = append(res.Invalid, invalid(dataset, p, key, raw, ReasonDuplicateKey))
			continue
		}
		seen[key] = struct{}{}

		if t, ok := rec.(models.Transaction); ok {
			reason, err := v.checkTransaction(ctx, refs, t)
			if err != nil {
				return res, err
			}
			if reason != "" {
				res.Invalid = append(res.Invalid, invalid(dataset, p, key, raw, reason))
				continue
			}
		}

		now := v.Clock.Now().UTC()
		res.Valid = append(res.Valid, Valid{Raw: stamp(raw, now), Record: rec, LastChange: now})
	}
	return res, nil
}

func (v *Validator) checkTransaction(ctx context.Context, refs *refCache, t models.Transaction) (string, error) {
	ok, err := refs.customer(ctx, t.CustomerID)
	if err != nil {
		return "", err
	}
	if !ok {
		return ReasonUnknownCustomer, nil
	}
	for _, sku := range t.SKUs() {
		ok, err := refs.product(ctx, sku)
		if err != nil {
			return "", err
		}
		if !ok {
			return ReasonUnknownSKU, nil
		}
	}
	if !t.HasValidTotal() {
		return ReasonTotalMismatch, nil
	}
	return "", nil
}

func stamp(raw ndjson.Record, at time.Time) ndjson.Record {
	out := make(ndjson.Record, len(raw)+1)
	for k, v := range raw {
		out[k] = v
	}
	out[LastChangeField] = at.Format(time.RFC3339Nano)
	return out
}

func invalid(dataset models.Dataset, p partition.Key, key string, raw ndjson.Record, reason string) store.InvalidRecord {
	payload, err := json.Marshal(raw)
	if err != nil {
		payload = []byte(fmt.Sprintf("%q", fmt.Sprint(raw)))
	}
	if key == "" {
		key = FallbackKey(payload)
	}
	return store.InvalidRecord{Partition: p, Dataset: dataset, Key: key, Payload: payload, Reason: reason}
}

// FallbackKey identifies a keyless record by its payload, so distinct keyless
// records get distinct invalid-log rows and a re-delivered one maps onto its
// earlier row.
func FallbackKey(payload []byte) string {
	sum := sha256.Sum256(payload)
	return KeylessPrefix + hex.EncodeToString(sum[:])
}

// refCache memoizes reference lookups for the duration of one batch.
type refCache struct {
	refs      store.ReferenceChecker
	customers map[int64]bool
	products  map[string]bool
}

func newRefCache(refs store.ReferenceChecker) *refCache {
	return &refCache{refs: refs, customers: make(map[int64]bool), products: make(map[string]bool)}
}

func (c *refCache) customer(ctx context.Context, id int64) (bool, error) {
	if ok, hit := c.customers[id]; hit {
		return ok, nil
	}
	if c.refs == nil {
		return false, fmt.Errorf("no reference checker configured")
	}
	ok, err := c.refs.CustomerExists(ctx, id)
	if err != nil {
		return false, fmt.Errorf("lookup customer %d: %w", id, err)
	}
	c.customers[id] = ok
	return ok, nil
}

func (c *refCache) product(ctx context.Context, sku string) (bool, error) {
	if ok, hit := c.products[sku]; hit {
		return ok, nil
	}
	if c.refs == nil {
		return false, fmt.Errorf("no reference checker configured")
	}
	ok, err := c.refs.ProductExists(ctx, sku)
	if err != nil {
		return false, fmt.Errorf("lookup product %s: %w", sku, err)
	}
	c.products[sku] = ok
	return ok, nil
}
