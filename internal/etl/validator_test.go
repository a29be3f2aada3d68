package etl

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/BartekS5/retailetl/internal/ndjson"
	"github.com/BartekS5/retailetl/internal/partition"
	"github.com/BartekS5/retailetl/internal/store"
	"github.com/BartekS5/retailetl/internal/store/storetest"
	"github.com/BartekS5/retailetl/pkg/models"
)

var testKey = partition.NewKey(time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC), 5)

func mustDecode(t *testing.T, line string) ndjson.Record {
	t.Helper()
	recs, err := ndjson.Decode(strings.NewReader(line))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	return recs[0]
}

func seededRepo() *storetest.Repository {
	repo := storetest.New()
	repo.Seed(testKey,
		models.Customer{ID: 7, FirstName: "Ana", LastName: "Horvat", Email: "a@example.com"},
		models.Product{SKU: "A", Name: "Apple", Price: decimal.RequireFromString("10"), Category: "fruit"},
		models.Product{SKU: "B", Name: "Banana", Price: decimal.RequireFromString("15"), Category: "fruit"},
	)
	return repo
}

func newMockClock() *clock.Mock {
	clk := clock.NewMock()
	clk.Set(time.Date(2022, 1, 1, 5, 30, 0, 123000000, time.UTC))
	return clk
}

func TestValidateCustomers(t *testing.T) {
	clk := newMockClock()
	v := NewValidator(nil, clk)

	res, err := v.Validate(context.Background(), models.DatasetCustomers, testKey, []ndjson.Record{
		mustDecode(t, `{"id": 1, "first_name": "Ana", "last_name": "Horvat", "email": "a@example.com"}`),
		mustDecode(t, `{"id": 2, "first_name": "Ivo", "last_name": "Ivić", "email": "not-an-email"}`),
		mustDecode(t, `{"id": 1, "first_name": "Ana", "last_name": "Horvat", "email": "a@example.com"}`),
		mustDecode(t, `{"first_name": "No", "last_name": "Id", "email": "n@example.com"}`),
	})
	require.NoError(t, err)

	require.Len(t, res.Valid, 1)
	require.Equal(t, "2022-01-01T05:30:00.123Z", res.Valid[0].Raw[LastChangeField])
	require.Equal(t, clk.Now().UTC(), res.Valid[0].LastChange)

	require.Len(t, res.Invalid, 3)
	require.Equal(t, "2", res.Invalid[0].Key)
	require.True(t, strings.HasPrefix(res.Invalid[0].Reason, "schema violation: "))
	require.Contains(t, res.Invalid[0].Reason, "email")
	require.Equal(t, "1", res.Invalid[1].Key)
	require.Equal(t, ReasonDuplicateKey, res.Invalid[1].Reason)
	require.True(t, strings.HasPrefix(res.Invalid[2].Key, KeylessPrefix))

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(res.Invalid[0].Payload, &payload))
	require.Equal(t, "not-an-email", payload["email"])
}

func TestValidateDoesNotMutateInput(t *testing.T) {
	raw := mustDecode(t, `{"sku": "A", "name": "Apple", "price": 1.5, "category": "fruit", "popularity": 0.3}`)
	res, err := NewValidator(nil, newMockClock()).Validate(context.Background(), models.DatasetProducts, testKey, []ndjson.Record{raw})
	require.NoError(t, err)
	require.Len(t, res.Valid, 1)
	_, stamped := raw[LastChangeField]
	require.False(t, stamped)
}

func TestValidateTransactions(t *testing.T) {
	v := NewValidator(seededRepo(), newMockClock())
	tx := func(id string, customer int, sku string, total string) ndjson.Record {
		return mustDecode(t, `{"transaction_id": "`+id+`", "customer_id": `+strconv.Itoa(customer)+`,
			"transaction_time": "2022-01-01T05:10:00Z",
			"delivery_address": {"address": "Ilica 1", "postcode": "10000", "city": "Zagreb", "country": "HR"},
			"purchases": {"products": [{"sku": "A", "quantity": 2, "price": 10}, {"sku": "`+sku+`", "quantity": 1, "price": 15}], "total_cost": `+total+`}}`)
	}

	res, err := v.Validate(context.Background(), models.DatasetTransactions, testKey, []ndjson.Record{
		tx("t1", 7, "B", "35"),
		tx("t2", 7, "B", "34.99"),
		tx("t3", 8, "B", "35"),
		tx("t4", 7, "Z", "35"),
		tx("t5", 7, "B", `"35.00"`),
	})
	require.NoError(t, err)

	require.Len(t, res.Valid, 2)
	require.Equal(t, "t1", res.Valid[0].Record.Key())
	require.Equal(t, "t5", res.Valid[1].Record.Key())

	reasons := map[string]string{}
	for _, inv := range res.Invalid {
		reasons[inv.Key] = inv.Reason
	}
	require.Equal(t, map[string]string{
		"t2": ReasonTotalMismatch,
		"t3": ReasonUnknownCustomer,
		"t4": ReasonUnknownSKU,
	}, reasons)
}

func TestValidateAbortsOnLookupError(t *testing.T) {
	repo := seededRepo()
	repo.LookupErr = errors.New("connection reset")
	v := NewValidator(repo, newMockClock())

	_, err := v.Validate(context.Background(), models.DatasetTransactions, testKey, []ndjson.Record{
		mustDecode(t, `{"transaction_id": "t1", "customer_id": 7, "transaction_time": "2022-01-01T05:10:00Z",
			"delivery_address": {"address": "Ilica 1", "postcode": "10000", "city": "Zagreb", "country": "HR"},
			"purchases": {"products": [{"sku": "A", "quantity": 1, "price": 10}], "total_cost": 10}}`),
	})
	require.ErrorIs(t, err, repo.LookupErr)
}

func TestValidateKeylessRecordsGetDistinctKeys(t *testing.T) {
	v := NewValidator(nil, newMockClock())
	first := `{"first_name": "No", "last_name": "Id", "email": "n@example.com"}`
	second := `{"first_name": "Also", "last_name": "Keyless", "email": "k@example.com"}`

	res, err := v.Validate(context.Background(), models.DatasetCustomers, testKey, []ndjson.Record{
		mustDecode(t, first), mustDecode(t, second),
	})
	require.NoError(t, err)
	require.Len(t, res.Invalid, 2)
	require.NotEqual(t, res.Invalid[0].Key, res.Invalid[1].Key)

	again, err := v.Validate(context.Background(), models.DatasetCustomers, testKey, []ndjson.Record{mustDecode(t, first)})
	require.NoError(t, err)
	require.Equal(t, res.Invalid[0].Key, again.Invalid[0].Key)

	repo := storetest.New()
	require.NoError(t, repo.WithinTx(context.Background(), func(w store.Writer) error {
		for _, inv := range append(res.Invalid, again.Invalid...) {
			if err := w.LogInvalid(context.Background(), inv); err != nil {
				return err
			}
		}
		return nil
	}))
	require.Len(t, repo.Invalid(models.DatasetCustomers), 2)
}
