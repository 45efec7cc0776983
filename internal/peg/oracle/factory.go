package oracle

import (
	"fmt"
	"strings"
)

// NewAggregatedFromSpec builds an AggregatedOracle from a spec of the form
// "aggregated:sub1|sub2|...", each sub-spec itself a "kind:params" string
// recursively passed to New. maxAgeSeconds is the freshness window used to
// decide whether a sub-oracle counts toward quorum (spec.md §4.2); callers
// normally pass the controller's own oracle_max_age_seconds.
func NewAggregatedFromSpec(spec string, maxAgeSeconds int64) (Oracle, error) {
	kind, params := splitSpec(spec)
	if kind != "aggregated" {
		return nil, fmt.Errorf("oracle: not an aggregated spec: %q", spec)
	}
	if params == "" {
		return nil, fmt.Errorf("oracle: aggregated: requires at least one sub-oracle spec")
	}
	subSpecs := strings.Split(params, "|")
	sources := make([]Oracle, 0, len(subSpecs))
	for _, s := range subSpecs {
		sub, err := New(s)
		if err != nil {
			return nil, fmt.Errorf("oracle: aggregated: sub-oracle %q: %w", s, err)
		}
		sources = append(sources, sub)
	}
	return NewAggregated(sources, maxAgeSeconds), nil
}

// NewFromSpec is the full factory: it dispatches to New for simple kinds
// and to NewAggregatedFromSpec for "aggregated:...". This is the entry
// point cmd/pegd uses so it never needs to know which path a given spec
// string takes; the controller itself is handed an already-built Oracle.
func NewFromSpec(spec string, maxAgeSeconds int64) (Oracle, error) {
	kind, _ := splitSpec(spec)
	if kind == "aggregated" {
		return NewAggregatedFromSpec(spec, maxAgeSeconds)
	}
	return New(spec)
}
