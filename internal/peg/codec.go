package peg

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"
)

// SchemaVersion is the u16 header every serialized record begins with.
// Readers must reject a version they don't recognize (spec.md §4.4);
// bump this and add a migration path if the layout below changes in a
// way that isn't backward-readable.
const SchemaVersion uint16 = 1

var mod128 = new(big.Int).Lsh(big.NewInt(1), 128)
var half128 = new(big.Int).Lsh(big.NewInt(1), 127)

// putInt128 writes x as two little-endian uint64 words (low then high),
// the wire form spec.md §4.4 specifies for 128-bit values.
func putInt128(buf *bytes.Buffer, x *big.Int) {
	u := new(big.Int).Mod(nz(x), mod128) // Euclidean mod: always in [0, 2^128)
	mask64 := new(big.Int).SetUint64(^uint64(0))
	lo := new(big.Int).And(u, mask64).Uint64()
	hi := new(big.Int).Rsh(u, 64).Uint64()
	binary.Write(buf, binary.LittleEndian, lo)
	binary.Write(buf, binary.LittleEndian, hi)
}

// getInt128 is putInt128's inverse.
func getInt128(r *bytes.Reader) (*big.Int, error) {
	var lo, hi uint64
	if err := binary.Read(r, binary.LittleEndian, &lo); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &hi); err != nil {
		return nil, err
	}
	u := new(big.Int).Lsh(new(big.Int).SetUint64(hi), 64)
	u.Or(u, new(big.Int).SetUint64(lo))
	if u.Cmp(half128) >= 0 {
		u.Sub(u, mod128)
	}
	return u, nil
}

func putString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint32(len(s)))
	buf.WriteString(s)
}

func getString(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil && n > 0 {
		return "", err
	}
	return string(b), nil
}

func putBool(buf *bytes.Buffer, b bool) {
	if b {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func getBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func checkVersion(r *bytes.Reader) error {
	var v uint16
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return err
	}
	if v != SchemaVersion {
		return fmt.Errorf("peg: unsupported schema version %d (want %d)", v, SchemaVersion)
	}
	return nil
}

// SerializeState encodes a State in the fixed binary layout of spec.md
// §4.4: u16 version, then 64-bit scalars little-endian, 128-bit values as
// low64 then high64, strings as u32 length prefix + bytes.
func SerializeState(s State) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, SchemaVersion)
	binary.Write(buf, binary.LittleEndian, s.EpochID)
	binary.Write(buf, binary.LittleEndian, s.Timestamp)
	binary.Write(buf, binary.LittleEndian, s.BlockHeight)
	binary.Write(buf, binary.LittleEndian, s.LastPriceScaled)
	putInt128(buf, s.LastSupply)
	putInt128(buf, s.LastDelta)
	putInt128(buf, s.TotalBondDebt)
	putInt128(buf, s.BondsIssuedThisEpoch)
	putInt128(buf, s.BondsRedeemedThisEpoch)
	putInt128(buf, s.Integral)
	binary.Write(buf, binary.LittleEndian, s.PrevErrorScaled)
	putString(buf, string(s.LastAction))
	putString(buf, s.LastReason)
	putBool(buf, s.CircuitBreakerTriggered)
	return buf.Bytes()
}

// DeserializeState is SerializeState's inverse.
func DeserializeState(data []byte) (State, error) {
	r := bytes.NewReader(data)
	var s State
	if err := checkVersion(r); err != nil {
		return s, err
	}
	if err := binary.Read(r, binary.LittleEndian, &s.EpochID); err != nil {
		return s, err
	}
	if err := binary.Read(r, binary.LittleEndian, &s.Timestamp); err != nil {
		return s, err
	}
	if err := binary.Read(r, binary.LittleEndian, &s.BlockHeight); err != nil {
		return s, err
	}
	if err := binary.Read(r, binary.LittleEndian, &s.LastPriceScaled); err != nil {
		return s, err
	}
	var err error
	if s.LastSupply, err = getInt128(r); err != nil {
		return s, err
	}
	if s.LastDelta, err = getInt128(r); err != nil {
		return s, err
	}
	if s.TotalBondDebt, err = getInt128(r); err != nil {
		return s, err
	}
	if s.BondsIssuedThisEpoch, err = getInt128(r); err != nil {
		return s, err
	}
	if s.BondsRedeemedThisEpoch, err = getInt128(r); err != nil {
		return s, err
	}
	if s.Integral, err = getInt128(r); err != nil {
		return s, err
	}
	if err := binary.Read(r, binary.LittleEndian, &s.PrevErrorScaled); err != nil {
		return s, err
	}
	action, err := getString(r)
	if err != nil {
		return s, err
	}
	s.LastAction = Action(action)
	if s.LastReason, err = getString(r); err != nil {
		return s, err
	}
	if s.CircuitBreakerTriggered, err = getBool(r); err != nil {
		return s, err
	}
	return s, nil
}

// SerializeEvent encodes an Event with the same layout conventions.
func SerializeEvent(e Event) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, SchemaVersion)
	binary.Write(buf, binary.LittleEndian, e.EpochID)
	binary.Write(buf, binary.LittleEndian, e.Timestamp)
	binary.Write(buf, binary.LittleEndian, e.BlockHeight)
	binary.Write(buf, binary.LittleEndian, e.PriceScaled)
	putInt128(buf, e.Supply)
	putInt128(buf, e.Delta)
	putString(buf, string(e.Action))
	putString(buf, e.Reason)
	return buf.Bytes()
}

// DeserializeEvent is SerializeEvent's inverse.
func DeserializeEvent(data []byte) (Event, error) {
	r := bytes.NewReader(data)
	var e Event
	if err := checkVersion(r); err != nil {
		return e, err
	}
	if err := binary.Read(r, binary.LittleEndian, &e.EpochID); err != nil {
		return e, err
	}
	if err := binary.Read(r, binary.LittleEndian, &e.Timestamp); err != nil {
		return e, err
	}
	if err := binary.Read(r, binary.LittleEndian, &e.BlockHeight); err != nil {
		return e, err
	}
	if err := binary.Read(r, binary.LittleEndian, &e.PriceScaled); err != nil {
		return e, err
	}
	var err error
	if e.Supply, err = getInt128(r); err != nil {
		return e, err
	}
	if e.Delta, err = getInt128(r); err != nil {
		return e, err
	}
	action, err := getString(r)
	if err != nil {
		return e, err
	}
	e.Action = Action(action)
	if e.Reason, err = getString(r); err != nil {
		return e, err
	}
	return e, nil
}

// SerializeBond encodes a Bond record.
func SerializeBond(b Bond) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, SchemaVersion)
	binary.Write(buf, binary.LittleEndian, b.BondID)
	putInt128(buf, b.Amount)
	binary.Write(buf, binary.LittleEndian, b.IssuedEpoch)
	binary.Write(buf, binary.LittleEndian, b.MaturityEpoch)
	binary.Write(buf, binary.LittleEndian, b.DiscountRatePPM)
	putBool(buf, b.Redeemed)
	return buf.Bytes()
}

// DeserializeBond is SerializeBond's inverse.
func DeserializeBond(data []byte) (Bond, error) {
	r := bytes.NewReader(data)
	var b Bond
	if err := checkVersion(r); err != nil {
		return b, err
	}
	if err := binary.Read(r, binary.LittleEndian, &b.BondID); err != nil {
		return b, err
	}
	var err error
	if b.Amount, err = getInt128(r); err != nil {
		return b, err
	}
	if err := binary.Read(r, binary.LittleEndian, &b.IssuedEpoch); err != nil {
		return b, err
	}
	if err := binary.Read(r, binary.LittleEndian, &b.MaturityEpoch); err != nil {
		return b, err
	}
	if err := binary.Read(r, binary.LittleEndian, &b.DiscountRatePPM); err != nil {
		return b, err
	}
	if b.Redeemed, err = getBool(r); err != nil {
		return b, err
	}
	return b, nil
}

// EpochKeyEvent builds the big-endian events:<epoch_id> key so a forward
// range scan traverses by ascending epoch.
func EpochKeyEvent(epochID uint64) []byte {
	return bigEndianKey("events:", epochID)
}

// EpochKeyBond builds the big-endian bonds:<bond_id> key.
func EpochKeyBond(bondID uint64) []byte {
	return bigEndianKey("bonds:", bondID)
}

func bigEndianKey(prefix string, id uint64) []byte {
	b := make([]byte, len(prefix)+8)
	copy(b, prefix)
	binary.BigEndian.PutUint64(b[len(prefix):], id)
	return b
}

// StateKey is the fixed key under which the single current-state record lives.
const StateKey = "state:current"
