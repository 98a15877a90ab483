package negotiation

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/bucket"
)

// Rules carries the tunable validation bounds.
type Rules struct {
	Ports          Ports
	MinDownPayment decimal.Decimal
	MaxDownPayment decimal.Decimal
}

// DefaultRules: built-in ports, down payment within [10, 100].
func DefaultRules() Rules {
	return Rules{
		Ports:          DefaultPorts(),
		MinDownPayment: decimal.NewFromInt(10),
		MaxDownPayment: hundred,
	}
}

// Validate checks terms against the buckets they apply to and returns a
// normalized copy (canonical port name, discounts in bucket order, missing
// buckets filled with 0%).
func (r Rules) Validate(buckets []bucket.Bucket, t Terms) (Terms, error) {
	if len(buckets) == 0 {
		return t, invalid("buckets", "proposal must cover at least one bucket")
	}

	if t.Port == "" {
		return t, invalid("selected_port", "port is required")
	}
	port, ok := r.Ports.Resolve(t.Port)
	if !ok {
		return t, invalid("selected_port", "%q is not a supported loading port", t.Port)
	}

	lo, hi := r.MinDownPayment, r.MaxDownPayment
	if hi.IsZero() {
		hi = hundred
	}
	if t.DownPaymentPercent.LessThan(lo) || t.DownPaymentPercent.GreaterThan(hi) {
		return t, invalid("down_payment_percent", "must be between %s and %s", lo, hi)
	}

	known := make(map[string]struct{}, len(buckets))
	for _, b := range buckets {
		known[b.Key] = struct{}{}
	}
	given := make(map[string]decimal.Decimal, len(t.BucketDiscounts))
	for i, d := range t.BucketDiscounts {
		field := fmt.Sprintf("bucket_discounts[%d]", i)
		if _, ok := known[d.BucketKey]; !ok {
			return t, invalid(field+".bucket_key", "unknown bucket %q", d.BucketKey)
		}
		if _, dup := given[d.BucketKey]; dup {
			return t, invalid(field+".bucket_key", "bucket %q listed more than once", d.BucketKey)
		}
		if d.Percent.IsNegative() || d.Percent.GreaterThan(hundred) {
			return t, invalid(field+".percent", "must be between 0 and 100")
		}
		given[d.BucketKey] = d.Percent
	}

	out := Terms{
		BucketDiscounts:    make([]BucketDiscount, 0, len(buckets)),
		DownPaymentPercent: t.DownPaymentPercent,
		Port:               port,
	}
	for _, b := range buckets {
		p, ok := given[b.Key]
		if !ok {
			p = decimal.Zero
		}
		out.BucketDiscounts = append(out.BucketDiscounts, BucketDiscount{BucketKey: b.Key, Percent: p})
	}
	return out, nil
}

// Quote validates and prices in one step.
func (r Rules) Quote(buckets []bucket.Bucket, t Terms) (Quote, error) {
	norm, err := r.Validate(buckets, t)
	if err != nil {
		return Quote{}, err
	}
	return Price(buckets, norm), nil
}
