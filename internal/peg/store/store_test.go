package store

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := New(db)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := newTestStore(t)

	key := []byte("state:current")
	value := []byte("hello")

	if _, ok, err := s.Get(key); err != nil || ok {
		t.Fatalf("expected absent key, got ok=%v err=%v", ok, err)
	}

	if err := s.Put(key, value); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.Get(key)
	if err != nil || !ok {
		t.Fatalf("expected present key, got ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, value) {
		t.Errorf("got %q, want %q", got, value)
	}

	// overwrite
	if err := s.Put(key, []byte("world")); err != nil {
		t.Fatal(err)
	}
	got, _, _ = s.Get(key)
	if string(got) != "world" {
		t.Errorf("got %q after overwrite, want world", got)
	}

	if err := s.Delete(key); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(key); ok {
		t.Error("expected key to be gone after delete")
	}
}

func eventKey(epochID uint64) []byte {
	b := make([]byte, len("events:")+8)
	copy(b, "events:")
	binary.BigEndian.PutUint64(b[len("events:"):], epochID)
	return b
}

func TestScanReverseOrdersByDescendingEpoch(t *testing.T) {
	s := newTestStore(t)

	for _, epoch := range []uint64{1, 2, 3, 5, 8} {
		if err := s.Put(eventKey(epoch), []byte{byte(epoch)}); err != nil {
			t.Fatal(err)
		}
	}
	// Unrelated namespace must not leak into the events: scan.
	if err := s.Put([]byte("bonds:\x00\x00\x00\x00\x00\x00\x00\x01"), []byte("bond")); err != nil {
		t.Fatal(err)
	}

	kvs, err := s.ScanReverse([]byte("events:"), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(kvs) != 5 {
		t.Fatalf("got %d results, want 5", len(kvs))
	}

	want := []uint64{8, 5, 3, 2, 1}
	for i, kv := range kvs {
		got := binary.BigEndian.Uint64(kv.Key[len("events:"):])
		if got != want[i] {
			t.Errorf("position %d: got epoch %d, want %d", i, got, want[i])
		}
	}
}

func TestScanReverseRespectsLimit(t *testing.T) {
	s := newTestStore(t)
	for _, epoch := range []uint64{1, 2, 3, 4, 5} {
		s.Put(eventKey(epoch), []byte{byte(epoch)})
	}
	kvs, err := s.ScanReverse([]byte("events:"), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(kvs) != 2 {
		t.Fatalf("got %d results, want 2", len(kvs))
	}
	if binary.BigEndian.Uint64(kvs[0].Key[len("events:"):]) != 5 {
		t.Error("expected newest epoch first")
	}
}
