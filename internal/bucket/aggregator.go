// Package bucket groups individually tracked inventory units into fungible
// buckets and computes per-bucket and per-order totals.
//
// Aggregation is pure and deterministic: the same selection always yields the
// same buckets in the same (first-seen) order. Fingerprints are always
// recomputed from the entry attributes; a client-supplied key is never trusted.
package bucket

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Entry is one selected inventory unit (or a quantity of identical units).
type Entry struct {
	UnitID   string `json:"unit_id"`
	SellerID string `json:"seller_id"`
	Attributes
	Name      string          `json:"name,omitempty"`
	ImageURL  string          `json:"image_url,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Currency  string          `json:"currency"`

	// Individual-market listings carry a concrete vehicle identity.
	Mileage int    `json:"mileage,omitempty"`
	VIN     string `json:"vin,omitempty"`
}

// Units returns the number of units the entry contributes. An omitted (zero)
// quantity is one unit; negative quantities are rejected by Validate.
func (e Entry) Units() int {
	if e.Quantity == 0 {
		return 1
	}
	return e.Quantity
}

// InvalidEntry describes the first malformed entry of a selection.
type InvalidEntry struct {
	Index  int
	Field  string
	Reason string
}

func (e *InvalidEntry) Error() string {
	return fmt.Sprintf("entry %d: %s %s", e.Index, e.Field, e.Reason)
}

// Validate rejects entries with a negative quantity or unit price.
func Validate(entries []Entry) error {
	for i, e := range entries {
		switch {
		case e.Quantity < 0:
			return &InvalidEntry{Index: i, Field: "quantity", Reason: "must not be negative"}
		case e.UnitPrice.IsNegative():
			return &InvalidEntry{Index: i, Field: "unit_price", Reason: "must not be negative"}
		}
	}
	return nil
}

// LineTotal is quantity × unit price.
func (e Entry) LineTotal() decimal.Decimal {
	return e.UnitPrice.Mul(decimal.NewFromInt(int64(e.Units())))
}

// Bucket is a derived, never persisted, group of entries sharing a fingerprint.
type Bucket struct {
	Key      string `json:"key"`
	SellerID string `json:"seller_id"`
	Attributes
	Name          string   `json:"name,omitempty"`
	ImageURL      string   `json:"image_url,omitempty"`
	DisplayUnitID string   `json:"display_unit_id"`
	UnitIDs       []string `json:"unit_ids"`

	UnitCount   int             `json:"unit_count"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	MinPrice    decimal.Decimal `json:"min_price"`
	MaxPrice    decimal.Decimal `json:"max_price"`
	Total       decimal.Decimal `json:"total"`
	Currency    string          `json:"currency"`
	MixedPrices bool            `json:"mixed_prices"`
}

// Summary is the aggregation result for a whole selection.
type Summary struct {
	Buckets       []Bucket        `json:"buckets"`
	TotalUnits    int             `json:"total_units"`
	OrderTotal    decimal.Decimal `json:"order_total"`
	Currency      string          `json:"currency"`
	MixedCurrency bool            `json:"mixed_currency"`
}

// Find returns the bucket with the given key.
func (s Summary) Find(key string) (Bucket, bool) {
	for _, b := range s.Buckets {
		if b.Key == key {
			return b, true
		}
	}
	return Bucket{}, false
}

// Keys returns bucket keys in output order.
func (s Summary) Keys() []string {
	out := make([]string, len(s.Buckets))
	for i, b := range s.Buckets {
		out[i] = b.Key
	}
	return out
}

// Aggregate groups one seller's entries by fingerprint in a single pass; use
// GroupBySeller for selections that span sellers. The first entry
// seen for a fingerprint supplies the display attributes and the nominal unit
// price; every entry contributes its own line total.
func Aggregate(entries []Entry) Summary {
	sum := Summary{
		Buckets:    make([]Bucket, 0),
		OrderTotal: decimal.Zero,
	}
	index := make(map[string]int, len(entries))

	for _, e := range entries {
		key := Fingerprint(e.Attributes)
		units := e.Units()
		line := e.LineTotal()
		cur := strings.ToUpper(strings.TrimSpace(e.Currency))

		i, seen := index[key]
		if !seen {
			index[key] = len(sum.Buckets)
			sum.Buckets = append(sum.Buckets, Bucket{
				Key:           key,
				SellerID:      e.SellerID,
				Attributes:    e.Attributes.Trimmed(),
				Name:          e.Name,
				ImageURL:      e.ImageURL,
				DisplayUnitID: e.UnitID,
				UnitIDs:       []string{e.UnitID},
				UnitCount:     units,
				UnitPrice:     e.UnitPrice,
				MinPrice:      e.UnitPrice,
				MaxPrice:      e.UnitPrice,
				Total:         line,
				Currency:      cur,
			})
		} else {
			b := &sum.Buckets[i]
			b.UnitIDs = append(b.UnitIDs, e.UnitID)
			b.UnitCount += units
			b.Total = b.Total.Add(line)
			if e.UnitPrice.LessThan(b.MinPrice) {
				b.MinPrice = e.UnitPrice
			}
			if e.UnitPrice.GreaterThan(b.MaxPrice) {
				b.MaxPrice = e.UnitPrice
			}
			if !e.UnitPrice.Equal(b.UnitPrice) {
				b.MixedPrices = true
			}
		}

		sum.TotalUnits += units
		sum.OrderTotal = sum.OrderTotal.Add(line)
		switch {
		case sum.Currency == "":
			sum.Currency = cur
		case cur != "" && cur != sum.Currency:
			sum.MixedCurrency = true
		}
	}
	return sum
}

// GroupBySeller splits a mixed selection into one summary per seller, in the
// order sellers first appear.
func GroupBySeller(entries []Entry) ([]string, map[string]Summary) {
	var order []string
	per := make(map[string][]Entry)
	for _, e := range entries {
		if _, ok := per[e.SellerID]; !ok {
			order = append(order, e.SellerID)
		}
		per[e.SellerID] = append(per[e.SellerID], e)
	}
	out := make(map[string]Summary, len(per))
	for seller, es := range per {
		out[seller] = Aggregate(es)
	}
	return order, out
}
