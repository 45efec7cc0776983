// Package oracle provides the peg controller's price-source abstraction:
// a narrow interface plus a type:params factory selecting among fixed,
// file-backed, random-walk and aggregated implementations.
package oracle

import "fmt"

// Price is a single oracle reading (spec.md §3 "Oracle price").
type Price struct {
	PriceScaled int64
	Timestamp   uint64
	Source      string
	Signature   []byte
}

// IsValid reports whether the reading satisfies price_scaled > 0 and
// timestamp > 0.
func (p Price) IsValid() bool {
	return p.PriceScaled > 0 && p.Timestamp > 0
}

// IsStale reports whether now - p.Timestamp exceeds maxAgeSeconds.
func (p Price) IsStale(now uint64, maxAgeSeconds int64) bool {
	if now < p.Timestamp {
		return false
	}
	return int64(now-p.Timestamp) > maxAgeSeconds
}

// Oracle is the port the controller reads prices through (spec.md §4.2).
// Implementations must be safe for concurrent use; Latest may suspend on
// I/O (file reads, network calls in a real deployment).
type Oracle interface {
	// Latest returns the most recent price, or ok=false if unavailable
	// (transport failure, missing file, parse error).
	Latest() (p Price, ok bool)

	// Median returns the median of the n most recent prices. The default
	// behavior (embedded via Base) is to return Latest().
	Median(n int) (p Price, ok bool)

	// Recent returns up to n of the most recent prices, newest first. The
	// default behavior is an empty slice.
	Recent(n int) []Price
}

// Base supplies the default Median/Recent behavior spec.md §4.2 describes,
// so concrete oracles only need to implement Latest unless they have
// something better to offer. Embed it by value in a concrete type and
// override Median/Recent as needed (the aggregated variant does).
type Base struct {
	Self Oracle
}

// Median defaults to Latest, ignoring n.
func (b Base) Median(n int) (Price, bool) {
	return b.Self.Latest()
}

// Recent defaults to an empty slice.
func (b Base) Recent(n int) []Price {
	return nil
}

// New constructs an Oracle from a "kind:params" configuration string
// (spec.md §6 "oracle configuration string"), kind one of
// stub, fixed, file, random. stub and fixed are synonyms: the
// original's OracleStub defaults to fixed-price mode when no params are
// given. The aggregated kind is rejected here; NewFromSpec builds it.
func New(spec string) (Oracle, error) {
	kind, params := splitSpec(spec)
	switch kind {
	case "stub", "fixed":
		return newFixedFromParams(params)
	case "file":
		return newFileFromParams(params)
	case "random":
		return newRandomFromParams(params)
	case "aggregated":
		return nil, fmt.Errorf("oracle: aggregated cannot be built from a bare spec string, use NewAggregated with sub-oracles")
	default:
		return nil, fmt.Errorf("oracle: unknown kind %q in spec %q", kind, spec)
	}
}

func splitSpec(spec string) (kind, params string) {
	for i := 0; i < len(spec); i++ {
		if spec[i] == ':' {
			return spec[:i], spec[i+1:]
		}
	}
	return spec, ""
}
