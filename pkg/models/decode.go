package models

import (
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"

	"github.com/BartekS5/retailetl/pkg/utils"
)

// Decode builds the typed variant of raw and validates it. Type mismatches and
// rule violations are both reported as validation.Errors keyed by field.
func Decode(dataset Dataset, raw map[string]interface{}) (Record, error) {
	var rec Record
	d := newFieldDecoder(raw)

	switch dataset {
	case DatasetCustomers:
		rec = Customer{
			ID:        d.int64("id"),
			FirstName: d.string("first_name"),
			LastName:  d.string("last_name"),
			Email:     d.string("email"),
		}
	case DatasetProducts:
		rec = Product{
			SKU:        d.key("sku"),
			Name:       d.string("name"),
			Price:      d.decimal("price", true),
			Category:   d.string("category"),
			Popularity: d.float("popularity"),
		}
	case DatasetTransactions:
		rec = decodeTransaction(d)
	case DatasetErasureRequests:
		rec = ErasureRequest{
			CustomerID: d.int64("customer-id"),
			Email:      d.string("email"),
		}
	default:
		return nil, fmt.Errorf("unknown dataset %q", dataset)
	}

	if err := d.err(); err != nil {
		return rec, err
	}
	return rec, rec.Validate()
}

// RawKey extracts the natural key from an undecoded record, or "" when it is
// missing or not a scalar.
func RawKey(dataset Dataset, raw map[string]interface{}) string {
	key, err := utils.ConvertToString(raw[dataset.KeyField()])
	if err != nil {
		return ""
	}
	return key
}

func decodeTransaction(d *fieldDecoder) Transaction {
	t := Transaction{
		TransactionID:   d.key("transaction_id"),
		CustomerID:      d.int64("customer_id"),
		TransactionTime: d.time("transaction_time"),
	}

	if addr := d.object("delivery_address"); addr != nil {
		t.DeliveryAddress = Address{
			Address:  addr.string("address"),
			Postcode: addr.key("postcode"),
			City:     addr.string("city"),
			Country:  addr.string("country"),
		}
	}

	if purchases := d.object("purchases"); purchases != nil {
		t.Purchases.TotalCost = purchases.decimal("total_cost", true)
		for i, item := range purchases.array("products") {
			line := purchases.child(fmt.Sprintf("products[%d]", i), item)
			if line == nil {
				continue
			}
			t.Purchases.Products = append(t.Purchases.Products, ProductLine{
				SKU:      line.key("sku"),
				Quantity: line.int("quantity"),
				Price:    line.decimal("price", true),
				Total:    line.decimal("total", false),
			})
		}
	}
	return t
}

// fieldDecoder reads typed fields out of a raw JSON object, collecting every
// failure instead of stopping at the first one.
type fieldDecoder struct {
	raw    map[string]interface{}
	prefix string
	errs   validation.Errors
}

func newFieldDecoder(raw map[string]interface{}) *fieldDecoder {
	return &fieldDecoder{raw: raw, errs: validation.Errors{}}
}

func (d *fieldDecoder) err() error {
	if len(d.errs) == 0 {
		return nil
	}
	return d.errs
}

func (d *fieldDecoder) fail(name, msg string) {
	d.errs[d.prefix+name] = errors.New(msg)
}

func (d *fieldDecoder) value(name string) (interface{}, bool) {
	v, ok := d.raw[name]
	return v, ok && v != nil
}

func (d *fieldDecoder) int64(name string) int64 {
	v, ok := d.value(name)
	if !ok {
		return 0
	}
	n, err := utils.ConvertToInt64(v)
	if err != nil {
		d.fail(name, "must be an integer")
	}
	return n
}

func (d *fieldDecoder) int(name string) int {
	v, ok := d.value(name)
	if !ok {
		return 0
	}
	n, err := utils.ConvertToInt(v)
	if err != nil {
		d.fail(name, "must be an integer")
	}
	return n
}

func (d *fieldDecoder) string(name string) string {
	v, ok := d.value(name)
	if !ok {
		return ""
	}
	s, isString := v.(string)
	if !isString {
		d.fail(name, "must be a string")
	}
	return s
}

// key accepts any scalar, since identifiers arrive both quoted and bare.
func (d *fieldDecoder) key(name string) string {
	v, ok := d.value(name)
	if !ok {
		return ""
	}
	s, err := utils.ConvertToString(v)
	if err != nil {
		d.fail(name, "must be a scalar")
	}
	return s
}

func (d *fieldDecoder) decimal(name string, required bool) decimal.Decimal {
	v, ok := d.value(name)
	if !ok {
		if required {
			d.fail(name, "cannot be blank")
		}
		return decimal.Zero
	}
	n, err := utils.ConvertToDecimal(v)
	if err != nil {
		d.fail(name, "must be a number")
	}
	return n
}

func (d *fieldDecoder) float(name string) float64 {
	f, _ := d.decimal(name, false).Float64()
	return f
}

func (d *fieldDecoder) time(name string) time.Time {
	v, ok := d.value(name)
	if !ok {
		return time.Time{}
	}
	parsed, err := utils.ConvertDateTime(v)
	if err != nil {
		d.fail(name, "must be a timestamp")
	}
	return parsed
}

func (d *fieldDecoder) object(name string) *fieldDecoder {
	v, ok := d.value(name)
	if !ok {
		return nil
	}
	return d.child(name, v)
}

func (d *fieldDecoder) child(name string, v interface{}) *fieldDecoder {
	m, ok := v.(map[string]interface{})
	if !ok {
		d.fail(name, "must be an object")
		return nil
	}
	return &fieldDecoder{raw: m, prefix: d.prefix + name + ".", errs: d.errs}
}

func (d *fieldDecoder) array(name string) []interface{} {
	v, ok := d.value(name)
	if !ok {
		return nil
	}
	items, isArray := v.([]interface{})
	if !isArray {
		d.fail(name, "must be an array")
	}
	return items
}
