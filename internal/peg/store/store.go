// Package store provides the peg controller's durable key/value
// persistence: a namespaced contract over state:, events:, and bonds:
// prefixes (spec.md §4.4), backed by SQLite.
package store

import (
	"database/sql"
	"fmt"
	"sort"

	"github.com/klingon-exchange/klingon-v2/pkg/logging"
)

// Store is the namespaced key/value port the controller persists
// state, events, and bonds through.
type Store interface {
	// Get returns the value for key, or ok=false if absent.
	Get(key []byte) (value []byte, ok bool, err error)
	// Put writes value under key, overwriting any existing value.
	Put(key, value []byte) error
	// Delete removes key if present; absent keys are not an error.
	Delete(key []byte) error
	// ScanReverse returns up to limit (key, value) pairs with keys in
	// [prefix, prefixUpperBound) ordered by descending key. Keys never
	// written are simply absent from the result, which is how
	// get_recent_events skips epochs that wrote no event.
	ScanReverse(prefix []byte, limit int) ([]KV, error)
}

// KV is a single stored record.
type KV struct {
	Key   []byte
	Value []byte
}

// SQLiteStore implements Store over a single table inside an existing
// SQLite connection, so callers that also hold a ledger.UTXOLedger can
// share one connection rather than opening a second database file.
type SQLiteStore struct {
	db  *sql.DB
	log *logging.Logger
}

// New opens (creating if necessary) the peg_kv table on db.
func New(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("store: nil db")
	}
	s := &SQLiteStore{db: db, log: logging.GetDefault().Component("peg.store")}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS peg_kv (
		key   BLOB PRIMARY KEY,
		value BLOB NOT NULL
	);
	`)
	return err
}

// Get returns the stored value for key.
func (s *SQLiteStore) Get(key []byte) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM peg_kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Put writes value under key.
func (s *SQLiteStore) Put(key, value []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO peg_kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// Delete removes key if present.
func (s *SQLiteStore) Delete(key []byte) error {
	_, err := s.db.Exec(`DELETE FROM peg_kv WHERE key = ?`, key)
	return err
}

// ScanReverse returns up to limit keys in [prefix, upperBound(prefix))
// ordered by descending key. SQLite has no native "prefix scan" operator,
// so this uses a half-open byte range the same way a prefix iterator
// would over a column-family engine (spec.md §4.4's "forward range scan"
// note, applied in reverse for get_recent_events).
func (s *SQLiteStore) ScanReverse(prefix []byte, limit int) ([]KV, error) {
	upper := prefixUpperBound(prefix)

	var rows *sql.Rows
	var err error
	if upper == nil {
		rows, err = s.db.Query(
			`SELECT key, value FROM peg_kv WHERE key >= ? ORDER BY key DESC LIMIT ?`,
			prefix, limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT key, value FROM peg_kv WHERE key >= ? AND key < ? ORDER BY key DESC LIMIT ?`,
			prefix, upper, limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []KV
	for rows.Next() {
		var kv KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, err
		}
		out = append(out, kv)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return string(out[i].Key) > string(out[j].Key)
	})
	return out, rows.Err()
}

// prefixUpperBound returns the smallest byte string greater than every
// string with the given prefix, or nil if prefix is all 0xFF (unbounded
// above — never the case for our ASCII prefixes).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
