package oracle

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	minClampedPrice = priceScale / 10  // 0.10
	maxClampedPrice = priceScale * 10  // 10.00
)

// RandomOracle generates a random-walk price around a center, clamped to
// [0.10, 10.00]. Grounded on the original's generate_random_price
// (src/monetary/oracle_stub.cpp), which draws from a normal distribution
// and clamps the result. Seeded non-deterministically at construction;
// used only for stress harnesses, never consensus (spec.md §4.2).
type RandomOracle struct {
	Base
	mu       sync.Mutex
	center   int64
	variance float64
	rng      *rand.Rand
}

// NewRandom constructs a RandomOracle around centerUSD with the given
// fractional variance (e.g. 0.02 for 2%).
func NewRandom(centerUSD, variance float64) *RandomOracle {
	o := &RandomOracle{
		center:   int64(centerUSD*priceScale + 0.5),
		variance: variance,
		rng:      rand.New(rand.NewPCG(seedWord(), seedWord())),
	}
	o.Base.Self = o
	return o
}

func newRandomFromParams(params string) (Oracle, error) {
	parts := strings.Split(params, ":")
	if len(parts) != 2 {
		return nil, fmt.Errorf("oracle: random: expected CENTER:VARIANCE, got %q", params)
	}
	center, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return nil, fmt.Errorf("oracle: random: invalid center %q: %w", parts[0], err)
	}
	variance, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return nil, fmt.Errorf("oracle: random: invalid variance %q: %w", parts[1], err)
	}
	return NewRandom(center, variance), nil
}

// Latest draws a new sample: price = center * (1 + N(0,1) * variance),
// clamped to [0.10 * PriceScale, 10 * PriceScale].
func (o *RandomOracle) Latest() (Price, bool) {
	o.mu.Lock()
	sample := o.rng.NormFloat64()
	o.mu.Unlock()

	price := float64(o.center) * (1 + sample*o.variance)
	scaled := int64(math.Round(price))
	if scaled < minClampedPrice {
		scaled = minClampedPrice
	}
	if scaled > maxClampedPrice {
		scaled = maxClampedPrice
	}
	return Price{
		PriceScaled: scaled,
		Timestamp:   uint64(time.Now().Unix()),
		Source:      "random",
	}, true
}

// seedWord draws 64 bits of entropy for the PRNG seed from the runtime's
// non-deterministic source (time-based, not crypto/rand — this feeds a
// stress-test oracle, never a consensus or security decision).
func seedWord() uint64 {
	return uint64(time.Now().UnixNano())
}
