package peg

import (
	"math/big"
	"testing"
)

// --- property 6: round-trip ---------------------------------------------

func TestCodec_StateRoundTrip(t *testing.T) {
	want := State{
		EpochID:                 42,
		Timestamp:               1_700_000_000,
		BlockHeight:             12345,
		LastPriceScaled:         1_050_000,
		LastSupply:              big.NewInt(1_000_000_000),
		LastDelta:               big.NewInt(-2_500_000),
		TotalBondDebt:           big.NewInt(20),
		BondsIssuedThisEpoch:    big.NewInt(20),
		BondsRedeemedThisEpoch:  big.NewInt(0),
		Integral:                big.NewInt(-300_000),
		PrevErrorScaled:         -250_000,
		LastAction:              ActionContract,
		LastReason:              "burned 2500000 from treasury",
		CircuitBreakerTriggered: false,
	}

	first, err := DeserializeState(SerializeState(want))
	if err != nil {
		t.Fatal(err)
	}
	second, err := DeserializeState(SerializeState(first))
	if err != nil {
		t.Fatal(err)
	}

	a, b := SerializeState(first), SerializeState(second)
	if string(a) != string(b) {
		t.Fatalf("state bytes diverged across a second serialize: %x vs %x", a, b)
	}
	if first.EpochID != want.EpochID || first.LastAction != want.LastAction ||
		first.LastReason != want.LastReason || first.LastSupply.Cmp(want.LastSupply) != 0 ||
		first.LastDelta.Cmp(want.LastDelta) != 0 || first.TotalBondDebt.Cmp(want.TotalBondDebt) != 0 ||
		first.Integral.Cmp(want.Integral) != 0 || first.PrevErrorScaled != want.PrevErrorScaled {
		t.Fatalf("round-tripped state %+v does not match original %+v", first, want)
	}
}

func TestCodec_StateRoundTrip_NegativeInt128Fields(t *testing.T) {
	// The 128-bit wire format must round-trip any big.Int the
	// Euclidean-mod packing can represent, including negative ones
	// (LastDelta and Integral legitimately are).
	want := NewState()
	want.LastDelta = big.NewInt(-1)
	want.Integral = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 100))

	got, err := DeserializeState(SerializeState(want))
	if err != nil {
		t.Fatal(err)
	}
	if got.LastDelta.Cmp(want.LastDelta) != 0 {
		t.Errorf("LastDelta = %s, want %s", got.LastDelta, want.LastDelta)
	}
	if got.Integral.Cmp(want.Integral) != 0 {
		t.Errorf("Integral = %s, want %s", got.Integral, want.Integral)
	}
}

func TestCodec_EventRoundTrip(t *testing.T) {
	want := Event{
		EpochID:     7,
		Timestamp:   1_700_000_100,
		BlockHeight: 700,
		PriceScaled: 950_000,
		Supply:      big.NewInt(999_999_999),
		Delta:       big.NewInt(-420),
		Action:      ActionContract,
		Reason:      "burned 400, issued bond 0 for 20",
	}

	first, err := DeserializeEvent(SerializeEvent(want))
	if err != nil {
		t.Fatal(err)
	}
	second, err := DeserializeEvent(SerializeEvent(first))
	if err != nil {
		t.Fatal(err)
	}

	a, b := SerializeEvent(first), SerializeEvent(second)
	if string(a) != string(b) {
		t.Fatalf("event bytes diverged across a second serialize: %x vs %x", a, b)
	}
	if first.EpochID != want.EpochID || first.Action != want.Action || first.Reason != want.Reason ||
		first.Supply.Cmp(want.Supply) != 0 || first.Delta.Cmp(want.Delta) != 0 {
		t.Fatalf("round-tripped event %+v does not match original %+v", first, want)
	}
}

func TestCodec_BondRoundTrip(t *testing.T) {
	want := Bond{
		BondID:          3,
		Amount:          big.NewInt(20),
		IssuedEpoch:     1,
		MaturityEpoch:   145,
		DiscountRatePPM: 50_000,
		Redeemed:        true,
	}

	first, err := DeserializeBond(SerializeBond(want))
	if err != nil {
		t.Fatal(err)
	}
	second, err := DeserializeBond(SerializeBond(first))
	if err != nil {
		t.Fatal(err)
	}

	a, b := SerializeBond(first), SerializeBond(second)
	if string(a) != string(b) {
		t.Fatalf("bond bytes diverged across a second serialize: %x vs %x", a, b)
	}
	if first.BondID != want.BondID || first.Amount.Cmp(want.Amount) != 0 ||
		first.MaturityEpoch != want.MaturityEpoch || first.Redeemed != want.Redeemed {
		t.Fatalf("round-tripped bond %+v does not match original %+v", first, want)
	}
}
