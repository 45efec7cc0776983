package oracle

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// priceScale mirrors peg.PriceScale. Duplicated rather than imported to
// avoid an import cycle (internal/peg imports this package); both
// constants encode the same protocol-wide six-decimal price fixed point.
const priceScale = 1_000_000

// FixedOracle always returns a configured price with a fresh timestamp.
// Grounded on the original OracleStub's Fixed mode (src/monetary/oracle_stub.cpp).
type FixedOracle struct {
	Base
	mu          sync.RWMutex
	priceScaled int64
}

// NewFixed constructs a FixedOracle returning priceUSD (e.g. 1.00) scaled
// to PriceScale.
func NewFixed(priceUSD float64) *FixedOracle {
	o := &FixedOracle{priceScaled: int64(priceUSD*priceScale + 0.5)}
	o.Base.Self = o
	return o
}

func newFixedFromParams(params string) (Oracle, error) {
	if params == "" {
		return NewFixed(1.0), nil
	}
	price, err := parsePriceDecimal(params)
	if err != nil {
		return nil, fmt.Errorf("oracle: fixed: %w", err)
	}
	o := &FixedOracle{priceScaled: price}
	o.Base.Self = o
	return o, nil
}

// Latest returns the configured price with the current wall-clock time.
func (o *FixedOracle) Latest() (Price, bool) {
	o.mu.RLock()
	price := o.priceScaled
	o.mu.RUnlock()
	return Price{
		PriceScaled: price,
		Timestamp:   uint64(time.Now().Unix()),
		Source:      "fixed",
	}, true
}

// SetPrice changes the fixed price at runtime without reconstructing the
// oracle. Supplemented from the original's set_fixed_price operator hook
// (SPEC_FULL.md §4 item 1); used by tests and the peg_setoraclefixedprice
// debug RPC method.
func (o *FixedOracle) SetPrice(priceUSD float64) {
	o.mu.Lock()
	o.priceScaled = int64(priceUSD*priceScale + 0.5)
	o.mu.Unlock()
}

// parsePriceDecimal parses a plain decimal string ("1.05") into a
// PriceScale-scaled int64. This is a configuration/file boundary, not the
// control loop itself (spec.md §4.1 forbids floating point only inside the
// math, not at text-parsing boundaries) — the original stub uses std::stod
// for the same purpose.
func parsePriceDecimal(s string) (int64, error) {
	s = strings.TrimSpace(s)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid decimal price %q: %w", s, err)
	}
	if f <= 0 {
		return 0, fmt.Errorf("price must be positive, got %q", s)
	}
	return int64(f*priceScale + 0.5), nil
}
