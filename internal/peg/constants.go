// Package peg implements the algorithmic monetary-peg controller: the
// closed control loop that reads an oracle price, compares it against a
// target of 1.00, and adjusts circulating supply by minting to or burning
// from a protocol treasury so the native coin tracks the target.
package peg

import "math/big"

// Scales. All control-loop arithmetic is integer; these denominators turn
// a raw int64/big.Int into the rational it represents.
const (
	// PriceScale is the fixed-point denominator for prices (six decimals).
	PriceScale int64 = 1_000_000
	// CoinScale is the smallest-unit denominator for amounts (satoshi-equivalent).
	CoinScale int64 = 100_000_000
	// PPMScale is parts-per-million, used for gains, dead-band and caps.
	PPMScale int64 = 1_000_000
	// TargetPrice is 1.000000 expressed in PriceScale units.
	TargetPrice int64 = PriceScale
)

var (
	bigPriceScale = big.NewInt(PriceScale)
	bigPPMScale   = big.NewInt(PPMScale)
)

// Action enumerates the last_action values a controller can record.
type Action string

const (
	ActionDisabled             Action = "disabled"
	ActionDeadband             Action = "deadband"
	ActionExpand               Action = "expand"
	ActionContract             Action = "contract"
	ActionNone                 Action = "none"
	ActionError                Action = "error"
	ActionCircuitBreaker       Action = "circuit_breaker"
	ActionEmergencyStop        Action = "emergency_stop"
	ActionCircuitBreakerReset  Action = "circuit_breaker_reset"
	ActionStaleEpoch           Action = "stale_epoch"
)
