// Package models defines the typed record variants of every dataset the
// pipeline ingests.
package models

import (
	"fmt"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/shopspring/decimal"
)

// Dataset names a family of raw files and the tables they feed.
type Dataset string

const (
	DatasetCustomers       Dataset = "customers"
	DatasetProducts        Dataset = "products"
	DatasetTransactions    Dataset = "transactions"
	DatasetErasureRequests Dataset = "erasure-requests"
)

// ETLDatasets are the datasets handled by the ordinary ETL job, in the order
// "all" runs them. Transactions reference the other two.
var ETLDatasets = []Dataset{DatasetCustomers, DatasetProducts, DatasetTransactions}

// ParseDataset maps a CLI argument onto a Dataset.
func ParseDataset(s string) (Dataset, error) {
	switch d := Dataset(s); d {
	case DatasetCustomers, DatasetProducts, DatasetTransactions, DatasetErasureRequests:
		return d, nil
	}
	return "", fmt.Errorf("unknown dataset %q", s)
}

// KeyField is the raw field holding the natural key.
func (d Dataset) KeyField() string {
	switch d {
	case DatasetCustomers:
		return "id"
	case DatasetProducts:
		return "sku"
	case DatasetTransactions:
		return "transaction_id"
	case DatasetErasureRequests:
		return "customer-id"
	}
	return ""
}

// Record is implemented by every dataset variant.
type Record interface {
	Dataset() Dataset
	// Key is the natural key rendered as a string.
	Key() string
	Validate() error
}

type Customer struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

func (c Customer) Dataset() Dataset { return DatasetCustomers }
func (c Customer) Key() string      { return strconv.FormatInt(c.ID, 10) }

func (c Customer) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ID, validation.Required, validation.Min(int64(1))),
		validation.Field(&c.FirstName, validation.Required),
		validation.Field(&c.LastName, validation.Required),
		validation.Field(&c.Email, validation.Required, is.EmailFormat),
	)
}

type Product struct {
	SKU        string          `json:"sku"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	Category   string          `json:"category"`
	Popularity float64         `json:"popularity"`
}

func (p Product) Dataset() Dataset { return DatasetProducts }
func (p Product) Key() string      { return p.SKU }

func (p Product) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.SKU, validation.Required),
		validation.Field(&p.Name, validation.Required),
		validation.Field(&p.Price, validation.By(nonNegative)),
		validation.Field(&p.Category, validation.Required),
		validation.Field(&p.Popularity, validation.Min(0.0)),
	)
}

type Transaction struct {
	TransactionID   string    `json:"transaction_id"`
	CustomerID      int64     `json:"customer_id"`
	TransactionTime time.Time `json:"transaction_time"`
	DeliveryAddress Address   `json:"delivery_address"`
	Purchases       Purchases `json:"purchases"`
}

type Address struct {
	Address  string `json:"address"`
	Postcode string `json:"postcode"`
	City     string `json:"city"`
	Country  string `json:"country"`
}

type Purchases struct {
	Products  []ProductLine   `json:"products"`
	TotalCost decimal.Decimal `json:"total_cost"`
}

type ProductLine struct {
	SKU      string          `json:"sku"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	// Total is optional in source files; zero means "not given".
	Total decimal.Decimal `json:"total"`
}

func (t Transaction) Dataset() Dataset { return DatasetTransactions }
func (t Transaction) Key() string      { return t.TransactionID }

func (t Transaction) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.TransactionID, validation.Required),
		validation.Field(&t.CustomerID, validation.Required, validation.Min(int64(1))),
		validation.Field(&t.TransactionTime, validation.Required),
		validation.Field(&t.DeliveryAddress),
		validation.Field(&t.Purchases),
	)
}

func (a Address) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Address, validation.Required),
		validation.Field(&a.City, validation.Required),
		validation.Field(&a.Country, validation.Required),
	)
}

func (p Purchases) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Products, validation.Required),
		validation.Field(&p.TotalCost, validation.By(nonNegative)),
	)
}

func (l ProductLine) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.SKU, validation.Required),
		validation.Field(&l.Quantity, validation.Required, validation.Min(1)),
		validation.Field(&l.Price, validation.By(nonNegative)),
	)
}

// LineTotal is the declared line total, or price × quantity when absent.
func (l ProductLine) LineTotal() decimal.Decimal {
	if !l.Total.IsZero() {
		return l.Total
	}
	return l.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// HasValidTotal reports whether the declared total cost matches the line items.
func (t Transaction) HasValidTotal() bool {
	return IsValidTotalCost(t.Purchases.Products, t.Purchases.TotalCost)
}

// IsValidTotalCost compares round(Σ price×quantity, 2) with round(total, 2).
func IsValidTotalCost(lines []ProductLine, total decimal.Decimal) bool {
	sum := decimal.Zero
	for _, l := range lines {
		sum = sum.Add(l.Price.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return sum.Round(2).Equal(total.Round(2))
}

// SKUs lists the distinct product skus referenced by the transaction.
func (t Transaction) SKUs() []string {
	seen := make(map[string]struct{}, len(t.Purchases.Products))
	skus := make([]string, 0, len(t.Purchases.Products))
	for _, l := range t.Purchases.Products {
		if _, ok := seen[l.SKU]; ok {
			continue
		}
		seen[l.SKU] = struct{}{}
		skus = append(skus, l.SKU)
	}
	return skus
}

// ErasureRequest asks for the contact data of one customer to be anonymized.
type ErasureRequest struct {
	CustomerID int64  `json:"customer-id"`
	Email      string `json:"email"`
}

func (e ErasureRequest) Dataset() Dataset { return DatasetErasureRequests }
func (e ErasureRequest) Key() string      { return strconv.FormatInt(e.CustomerID, 10) }

func (e ErasureRequest) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.CustomerID, validation.Required, validation.Min(int64(1))),
		validation.Field(&e.Email, validation.Required, is.EmailFormat),
	)
}

func nonNegative(value interface{}) error {
	d, ok := value.(decimal.Decimal)
	if !ok {
		return nil
	}
	if d.IsNegative() {
		return validation.NewError("validation_negative", "must not be negative")
	}
	return nil
}
