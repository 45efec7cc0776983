package peg

import "math/big"

// State is the controller's single persisted record (spec.md §3 "State").
// Every field mirrors the original PegState one-for-one.
type State struct {
	EpochID     uint64
	Timestamp   uint64
	BlockHeight uint64

	LastPriceScaled int64
	LastSupply      *big.Int
	LastDelta       *big.Int

	TotalBondDebt          *big.Int
	BondsIssuedThisEpoch   *big.Int
	BondsRedeemedThisEpoch *big.Int

	Integral         *big.Int
	PrevErrorScaled  int64

	LastAction Action
	LastReason string

	CircuitBreakerTriggered bool
}

// NewState returns a zeroed State with all big.Int fields allocated, ready
// for a freshly-constructed controller with no prior persisted state.
func NewState() State {
	return State{
		LastSupply:             big.NewInt(0),
		LastDelta:              big.NewInt(0),
		TotalBondDebt:          big.NewInt(0),
		BondsIssuedThisEpoch:   big.NewInt(0),
		BondsRedeemedThisEpoch: big.NewInt(0),
		Integral:               big.NewInt(0),
		LastAction:             ActionDisabled,
	}
}

// Clone deep-copies the big.Int fields so a caller can safely mutate the
// copy without affecting the controller's internal snapshot, satisfying
// get_state's "snapshot copy" contract.
func (s State) Clone() State {
	c := s
	c.LastSupply = new(big.Int).Set(nz(s.LastSupply))
	c.LastDelta = new(big.Int).Set(nz(s.LastDelta))
	c.TotalBondDebt = new(big.Int).Set(nz(s.TotalBondDebt))
	c.BondsIssuedThisEpoch = new(big.Int).Set(nz(s.BondsIssuedThisEpoch))
	c.BondsRedeemedThisEpoch = new(big.Int).Set(nz(s.BondsRedeemedThisEpoch))
	c.Integral = new(big.Int).Set(nz(s.Integral))
	return c
}

func nz(x *big.Int) *big.Int {
	if x == nil {
		return big.NewInt(0)
	}
	return x
}

// Event is the append-only record written once per acting or dead-band
// epoch (spec.md §3 "Event").
type Event struct {
	EpochID     uint64
	Timestamp   uint64
	BlockHeight uint64
	PriceScaled int64
	Supply      *big.Int
	Delta       *big.Int
	Action      Action
	Reason      string
}

// Bond is a persisted contraction-shortfall record (spec.md §3 "Bond record").
type Bond struct {
	BondID          uint64
	Amount          *big.Int
	IssuedEpoch     uint64
	MaturityEpoch   uint64
	DiscountRatePPM int64
	Redeemed        bool
}
