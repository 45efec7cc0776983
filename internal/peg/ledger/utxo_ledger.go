package ledger

import (
	"database/sql"
	"fmt"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"

	"github.com/klingon-exchange/klingon-v2/pkg/logging"
)

// mintTxVersion and mintTxLocktime are the marker values a peg-expansion
// transaction carries so a validator can recognize and admit a no-input
// transaction (spec.md §6 "Boundary: block validator").
const (
	mintTxVersion  = 2
	mintTxLocktime = 0xFFFFFFFF
	burnTag        = "PEG_BURN"
)

// defaultFeeSatoshis is the flat fee UTXOLedger assumes a contraction
// transaction must cover; the real fee market is out of scope (spec.md
// §1 treats the mempool/miner as a black box), so this models a fixed
// protocol fee rather than estimating one.
var defaultFeeSatoshis = big.NewInt(1000)

// UTXOLedger is a SQLite-backed model of the UTXO set sufficient to
// exercise the mint/burn/query contract of spec.md §4.3. It does not
// implement a PoW chain, mempool, or miner (all explicitly out of scope,
// spec.md §1) — those are the real Ledger Port's eventual backing, and
// this type stands in for them in the adapter role the original's
// LedgerAdapter plays over the genuine chain (src/ledger/ledger_adapter.cpp).
type UTXOLedger struct {
	db     *sql.DB
	params *chaincfg.Params
	log    *logging.Logger
	mu     sync.Mutex
	fee    *big.Int
}

// New opens (creating if necessary) the peg_utxos and peg_ledger_meta
// tables on an existing *sql.DB connection, so the ledger and the peg
// store share one file rather than each opening its own.
func New(db *sql.DB, params *chaincfg.Params) (*UTXOLedger, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger: nil db")
	}
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	l := &UTXOLedger{
		db:     db,
		params: params,
		log:    logging.GetDefault().Component("peg.ledger"),
		fee:    defaultFeeSatoshis,
	}
	if err := l.initSchema(); err != nil {
		return nil, fmt.Errorf("ledger: init schema: %w", err)
	}
	return l, nil
}

func (l *UTXOLedger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS peg_utxos (
		txid        TEXT NOT NULL,
		vout        INTEGER NOT NULL,
		address     TEXT NOT NULL,
		amount      TEXT NOT NULL,
		unspendable INTEGER NOT NULL DEFAULT 0,
		spent       INTEGER NOT NULL DEFAULT 0,
		tag         TEXT,
		created_at  INTEGER NOT NULL,
		PRIMARY KEY (txid, vout)
	);
	CREATE INDEX IF NOT EXISTS idx_peg_utxos_address ON peg_utxos(address, spent, unspendable);

	CREATE TABLE IF NOT EXISTS peg_ledger_meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return err
	}
	_, err := l.db.Exec(
		`INSERT OR IGNORE INTO peg_ledger_meta (key, value) VALUES ('block_height', '1')`,
	)
	return err
}

// TotalSupply sums every unspent, non-unspendable output.
func (l *UTXOLedger) TotalSupply() (*big.Int, error) {
	return l.sumWhere(`spent = 0 AND unspendable = 0`)
}

// TreasuryBalance sums unspent, non-unspendable outputs locked to addr.
func (l *UTXOLedger) TreasuryBalance(addr string) (*big.Int, error) {
	return l.sumWhere(`spent = 0 AND unspendable = 0 AND address = ?`, addr)
}

func (l *UTXOLedger) sumWhere(where string, args ...interface{}) (*big.Int, error) {
	rows, err := l.db.Query(`SELECT amount FROM peg_utxos WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	total := big.NewInt(0)
	for rows.Next() {
		var amountStr string
		if err := rows.Scan(&amountStr); err != nil {
			return nil, err
		}
		amount, ok := new(big.Int).SetString(amountStr, 10)
		if !ok {
			return nil, fmt.Errorf("ledger: corrupt amount %q", amountStr)
		}
		total.Add(total, amount)
	}
	return total, rows.Err()
}

// MintToTreasury builds a no-input transaction (version=2, locktime=0xFFFFFFFF
// per spec.md §6) with a single output of amount locked to addr, and
// records it as a new unspent output.
func (l *UTXOLedger) MintToTreasury(amount *big.Int, addr string) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("ledger: mint amount must be positive")
	}
	if err := l.validateAddress(addr); err != nil {
		return fmt.Errorf("ledger: mint: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	txid := l.syntheticTxID(addr, amount, "mint")
	now := l.blockHeight()

	_, err := l.db.Exec(
		`INSERT INTO peg_utxos (txid, vout, address, amount, unspendable, spent, tag, created_at)
		 VALUES (?, 0, ?, ?, 0, 0, ?, ?)`,
		txid, addr, amount.String(), fmt.Sprintf("mint-v%d-lt%x", mintTxVersion, uint32(mintTxLocktime)), now,
	)
	if err != nil {
		return fmt.Errorf("ledger: mint insert: %w", err)
	}
	l.bumpBlockHeight()
	l.log.Debug("minted to treasury", "amount", amount.String(), "addr", addr, "txid", txid)
	return nil
}

// BurnFromTreasury selects spendable outputs at addr until their total
// covers amount plus the protocol fee, spends them, and writes one
// provably-unspendable PEG_BURN output plus a change output for any
// surplus. Returns *ErrInsufficientBalance if the treasury can't cover it.
func (l *UTXOLedger) BurnFromTreasury(amount *big.Int, addr string) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("ledger: burn amount must be positive")
	}
	if err := l.validateAddress(addr); err != nil {
		return fmt.Errorf("ledger: burn: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	needed := new(big.Int).Add(amount, l.fee)

	rows, err := l.db.Query(
		`SELECT txid, vout, amount FROM peg_utxos
		 WHERE address = ? AND spent = 0 AND unspendable = 0
		 ORDER BY created_at ASC`,
		addr,
	)
	if err != nil {
		return fmt.Errorf("ledger: burn select: %w", err)
	}

	type input struct {
		txid   string
		vout   int
		amount *big.Int
	}
	var selected []input
	sum := big.NewInt(0)
	for rows.Next() {
		var txid string
		var vout int
		var amountStr string
		if err := rows.Scan(&txid, &vout, &amountStr); err != nil {
			rows.Close()
			return err
		}
		a, ok := new(big.Int).SetString(amountStr, 10)
		if !ok {
			rows.Close()
			return fmt.Errorf("ledger: corrupt amount %q", amountStr)
		}
		selected = append(selected, input{txid: txid, vout: vout, amount: a})
		sum.Add(sum, a)
		if sum.Cmp(needed) >= 0 {
			break
		}
	}
	rows.Close()

	if sum.Cmp(needed) < 0 {
		return &ErrInsufficientBalance{Addr: addr, Requested: needed, Available: sum}
	}

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("ledger: burn begin tx: %w", err)
	}

	for _, in := range selected {
		if _, err := tx.Exec(
			`UPDATE peg_utxos SET spent = 1 WHERE txid = ? AND vout = ?`, in.txid, in.vout,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("ledger: burn mark spent: %w", err)
		}
	}

	burnTxID := l.syntheticTxID(addr, amount, "burn")
	now := l.blockHeight()
	if _, err := tx.Exec(
		`INSERT INTO peg_utxos (txid, vout, address, amount, unspendable, spent, tag, created_at)
		 VALUES (?, 0, ?, ?, 1, 0, ?, ?)`,
		burnTxID, addr, amount.String(), burnTag, now,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("ledger: burn output insert: %w", err)
	}

	change := new(big.Int).Sub(sum, needed)
	if change.Sign() > 0 {
		if _, err := tx.Exec(
			`INSERT INTO peg_utxos (txid, vout, address, amount, unspendable, spent, tag, created_at)
			 VALUES (?, 1, ?, ?, 0, 0, 'change', ?)`,
			burnTxID, addr, change.String(), now,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("ledger: burn change insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: burn commit: %w", err)
	}

	l.bumpBlockHeight()
	l.log.Debug("burned from treasury", "amount", amount.String(), "addr", addr, "txid", burnTxID)
	return nil
}

// IsHealthy reports whether the ledger can answer queries and its block
// height counter is nonzero.
func (l *UTXOLedger) IsHealthy() bool {
	return l.blockHeight() > 0
}

// Fee returns the flat fee a burn must cover alongside its requested amount.
func (l *UTXOLedger) Fee() *big.Int {
	return new(big.Int).Set(l.fee)
}

func (l *UTXOLedger) validateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("empty address")
	}
	if _, err := btcutil.DecodeAddress(addr, l.params); err != nil {
		return fmt.Errorf("malformed address %q: %w", addr, err)
	}
	return nil
}

func (l *UTXOLedger) blockHeight() int64 {
	var v string
	if err := l.db.QueryRow(`SELECT value FROM peg_ledger_meta WHERE key = 'block_height'`).Scan(&v); err != nil {
		return 0
	}
	n := new(big.Int)
	if _, ok := n.SetString(v, 10); !ok {
		return 0
	}
	return n.Int64()
}

func (l *UTXOLedger) bumpBlockHeight() {
	l.db.Exec(
		`UPDATE peg_ledger_meta SET value = CAST(CAST(value AS INTEGER) + 1 AS TEXT) WHERE key = 'block_height'`,
	)
}

// syntheticTxID derives a deterministic-looking txid by double-hashing a
// fresh uuid together with the action's identifying fields, using the
// same double-SHA256 primitive (chainhash) real BTC-family transaction
// ids are computed with.
func (l *UTXOLedger) syntheticTxID(addr string, amount *big.Int, kind string) string {
	seed := []byte(uuid.New().String() + "|" + kind + "|" + addr + "|" + amount.String())
	h := chainhash.HashH(seed)
	return h.String()
}
