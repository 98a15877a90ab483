package negotiation

import (
	"github.com/shopspring/decimal"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/bucket"
)

// MoneyPlaces is the number of decimals every derived amount is rounded to
// (half away from zero).
const MoneyPlaces = 2

var hundred = decimal.NewFromInt(100)

// BucketDiscount is the discount a party offers on one bucket.
type BucketDiscount struct {
	BucketKey string          `json:"bucket_key"`
	Percent   decimal.Decimal `json:"percent"`
}

// Terms is the party-supplied content of a proposal. Everything monetary is
// derived from it server-side.
type Terms struct {
	BucketDiscounts    []BucketDiscount `json:"bucket_discounts"`
	DownPaymentPercent decimal.Decimal  `json:"down_payment_percent"`
	Port               string           `json:"selected_port"`
}

// Line is the priced view of one bucket inside a proposal.
type Line struct {
	BucketKey       string          `json:"bucket_key"`
	Name            string          `json:"name,omitempty"`
	UnitCount       int             `json:"unit_count"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	Total           decimal.Decimal `json:"total"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	DiscountAmount  decimal.Decimal `json:"discount_amount"`
	FinalPrice      decimal.Decimal `json:"final_price"`
}

// Quote is a fully priced proposal.
type Quote struct {
	Lines              []Line          `json:"lines"`
	OriginalTotal      decimal.Decimal `json:"original_total"`
	DiscountAmount     decimal.Decimal `json:"discount_amount"`
	DiscountPercent    decimal.Decimal `json:"discount_percent"`
	FinalPrice         decimal.Decimal `json:"final_price"`
	DownPaymentPercent decimal.Decimal `json:"down_payment_percent"`
	DownPaymentAmount  decimal.Decimal `json:"down_payment_amount"`
	RemainingBalance   decimal.Decimal `json:"remaining_balance"`
	Port               string          `json:"selected_port"`
	Currency           string          `json:"currency"`
}

// Terms reconstructs the inputs that produced the quote.
func (q Quote) Terms() Terms {
	ds := make([]BucketDiscount, len(q.Lines))
	for i, l := range q.Lines {
		ds[i] = BucketDiscount{BucketKey: l.BucketKey, Percent: l.DiscountPercent}
	}
	return Terms{BucketDiscounts: ds, DownPaymentPercent: q.DownPaymentPercent, Port: q.Port}
}

// Price computes every derived field. It assumes terms were validated against
// the same buckets; buckets without a discount are priced at 0%.
//
//	final     = Σ total × (1 − p/100)
//	aggregate = (original − final) / original × 100
func Price(buckets []bucket.Bucket, t Terms) Quote {
	pct := make(map[string]decimal.Decimal, len(t.BucketDiscounts))
	for _, d := range t.BucketDiscounts {
		pct[d.BucketKey] = d.Percent
	}

	q := Quote{
		Lines:              make([]Line, 0, len(buckets)),
		OriginalTotal:      decimal.Zero,
		DiscountAmount:     decimal.Zero,
		FinalPrice:         decimal.Zero,
		DownPaymentPercent: t.DownPaymentPercent,
		Port:               t.Port,
	}
	for _, b := range buckets {
		p := pct[b.Key]
		total := b.Total.Round(MoneyPlaces)
		off := total.Mul(p).Div(hundred).Round(MoneyPlaces)
		final := total.Sub(off)

		q.Lines = append(q.Lines, Line{
			BucketKey:       b.Key,
			Name:            b.Name,
			UnitCount:       b.UnitCount,
			UnitPrice:       b.UnitPrice,
			Total:           total,
			DiscountPercent: p,
			DiscountAmount:  off,
			FinalPrice:      final,
		})
		q.OriginalTotal = q.OriginalTotal.Add(total)
		q.DiscountAmount = q.DiscountAmount.Add(off)
		q.FinalPrice = q.FinalPrice.Add(final)
		if q.Currency == "" {
			q.Currency = b.Currency
		}
	}

	q.DiscountPercent = decimal.Zero
	if q.OriginalTotal.IsPositive() {
		q.DiscountPercent = q.OriginalTotal.Sub(q.FinalPrice).
			Div(q.OriginalTotal).Mul(hundred).Round(MoneyPlaces)
	}
	q.DownPaymentAmount = q.FinalPrice.Mul(t.DownPaymentPercent).Div(hundred).Round(MoneyPlaces)
	q.RemainingBalance = q.FinalPrice.Sub(q.DownPaymentAmount)
	return q
}
