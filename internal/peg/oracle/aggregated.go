package oracle

import (
	"sort"
	"time"
)

// AggregatedOracle composes multiple sub-oracles and reports their median
// price by price_scaled, ties broken by earlier source index. Grounded on
// spec.md §4.2's "aggregated" variant; the original stub has no direct
// analogue (median-of-N aggregation beyond a single stub is explicitly
// this system's own addition per spec.md §1's non-goals scoping the
// aggregation rule to median-of-N, nothing fancier).
type AggregatedOracle struct {
	Base
	sources       []Oracle
	maxAgeSeconds int64
}

// NewAggregated constructs an AggregatedOracle over sources, rejecting a
// candidate aggregate price unless at least ceil(n/2) sources yield a
// fresh (non-stale, valid) reading.
func NewAggregated(sources []Oracle, maxAgeSeconds int64) *AggregatedOracle {
	o := &AggregatedOracle{sources: sources, maxAgeSeconds: maxAgeSeconds}
	o.Base.Self = o
	return o
}

type indexedPrice struct {
	price Price
	index int
}

// Latest returns the median reading among sources currently yielding a
// fresh, valid price; ok=false if fewer than ceil(n/2) qualify.
func (o *AggregatedOracle) Latest() (Price, bool) {
	now := uint64(time.Now().Unix())
	var fresh []indexedPrice
	for i, src := range o.sources {
		p, ok := src.Latest()
		if !ok || !p.IsValid() {
			continue
		}
		if p.IsStale(now, o.maxAgeSeconds) {
			continue
		}
		fresh = append(fresh, indexedPrice{price: p, index: i})
	}

	quorum := (len(o.sources) + 1) / 2 // ceil(n/2)
	if len(fresh) < quorum {
		return Price{}, false
	}

	sort.SliceStable(fresh, func(i, j int) bool {
		if fresh[i].price.PriceScaled != fresh[j].price.PriceScaled {
			return fresh[i].price.PriceScaled < fresh[j].price.PriceScaled
		}
		return fresh[i].index < fresh[j].index
	})

	median := fresh[len(fresh)/2].price
	median.Source = "aggregated"
	median.Timestamp = now
	return median, true
}

// Median returns Latest(n is ignored; aggregation already folds all
// sub-oracles into a single reading per call).
func (o *AggregatedOracle) Median(n int) (Price, bool) {
	return o.Latest()
}

// Recent returns the most recent aggregate reading only; the aggregated
// variant does not retain sub-oracle history beyond spec.md §4.2's default.
func (o *AggregatedOracle) Recent(n int) []Price {
	p, ok := o.Latest()
	if !ok {
		return nil
	}
	return []Price{p}
}
