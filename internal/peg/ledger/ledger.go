// Package ledger provides the peg controller's supply/treasury
// abstraction: queries and mint/burn actions expressed in UTXO terms
// (spec.md §4.3), kept as a narrow interface so the controller never
// depends on the concrete blockchain, mempool, or wallet machinery that
// are explicitly out of scope (spec.md §1).
package ledger

import "math/big"

// Ledger is the port the controller drives mint/burn/query operations
// through. All amounts are in smallest units (satoshi-equivalent, 128-bit).
type Ledger interface {
	// TotalSupply returns the sum of all unspent outputs minus provably-
	// unspendable outputs.
	TotalSupply() (*big.Int, error)

	// TreasuryBalance returns the sum of spendable outputs locked to addr.
	TreasuryBalance(addr string) (*big.Int, error)

	// MintToTreasury builds a no-input protocol transaction with one
	// output of amount locked to addr, tagged so validators can
	// distinguish it from a coinbase or an ordinary transaction, and
	// submits it. Rejected if amount <= 0 or addr is malformed.
	MintToTreasury(amount *big.Int, addr string) error

	// BurnFromTreasury selects spendable outputs locked to addr until
	// their total covers amount plus a fee, and constructs a transaction
	// spending them with one provably-unspendable output tagged PEG_BURN
	// for amount and a change output back to addr for any surplus.
	// Rejected if the treasury cannot cover amountplus fee; callers
	// should inspect ErrInsufficientBalance to trigger the bond-issuance
	// fallback (spec.md §4.5 step 9).
	BurnFromTreasury(amount *big.Int, addr string) error

	// IsHealthy reports whether the ledger can answer queries and its
	// current block height is nonzero.
	IsHealthy() bool

	// Fee returns the flat protocol fee a burn transaction must cover on
	// top of the requested burn amount, so a caller computing a partial
	// burn against a known spendable total can size the request correctly.
	Fee() *big.Int
}

// ErrInsufficientBalance is returned by BurnFromTreasury when the
// treasury's spendable balance at addr is less than amount plus fee. The
// controller treats this specifically as the trigger for issuing bonds to
// cover the shortfall (spec.md §4.5 step 9).
type ErrInsufficientBalance struct {
	Addr      string
	Requested *big.Int
	Available *big.Int
}

func (e *ErrInsufficientBalance) Error() string {
	return "ledger: insufficient balance at " + e.Addr
}
