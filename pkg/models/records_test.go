package models

import (
	"testing"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestIsValidTotalCostRoundsBothSides(t *testing.T) {
	lines := []ProductLine{
		{SKU: "A", Quantity: 3, Price: decimal.RequireFromString("0.333")},
		{SKU: "B", Quantity: 1, Price: decimal.RequireFromString("10")},
	}
	// 3 × 0.333 + 10 = 10.999 → 11.00
	require.True(t, IsValidTotalCost(lines, decimal.RequireFromString("11")))
	require.True(t, IsValidTotalCost(lines, decimal.RequireFromString("10.999")))
	require.False(t, IsValidTotalCost(lines, decimal.RequireFromString("10.99")))
}

func TestDecodeCollectsFieldErrors(t *testing.T) {
	_, err := Decode(DatasetTransactions, map[string]interface{}{
		"transaction_id":   "t1",
		"customer_id":      "seven",
		"transaction_time": "yesterday",
		"purchases": map[string]interface{}{
			"products":   []interface{}{map[string]interface{}{"sku": "A", "quantity": 1.5, "price": json.Number("1")}},
			"total_cost": json.Number("1"),
		},
	})
	var errs validation.Errors
	require.ErrorAs(t, err, &errs)
	require.Contains(t, errs, "customer_id")
	require.Contains(t, errs, "transaction_time")
	require.Contains(t, errs, "purchases.products[0].quantity")
}

func TestDecodeCustomer(t *testing.T) {
	rec, err := Decode(DatasetCustomers, map[string]interface{}{
		"id": json.Number("12"), "first_name": "Ana", "last_name": "Horvat", "email": "a@example.com",
	})
	require.NoError(t, err)
	require.Equal(t, Customer{ID: 12, FirstName: "Ana", LastName: "Horvat", Email: "a@example.com"}, rec)
	require.Equal(t, "12", rec.Key())

	_, err = Decode(DatasetCustomers, map[string]interface{}{"id": json.Number("12"), "first_name": "Ana", "last_name": "Horvat"})
	require.Error(t, err)
}

func TestRawKey(t *testing.T) {
	require.Equal(t, "7", RawKey(DatasetErasureRequests, map[string]interface{}{"customer-id": json.Number("7")}))
	require.Equal(t, "", RawKey(DatasetProducts, map[string]interface{}{"sku": map[string]interface{}{}}))
	require.Equal(t, "", RawKey(DatasetProducts, map[string]interface{}{}))
}
