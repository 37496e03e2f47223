package state

import (
	"bytes"
	"math/big"
	"testing"

	"peerlend/storage"
)

type storedPair struct {
	Owner  [20]byte
	Amount *big.Int
}

func TestStoreSnapshotRevert(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	_ = store.Put([]byte("a"), []byte("1"))
	store.Emit(testEvent{name: "kept"})

	snap := store.Snapshot()
	_ = store.Put([]byte("a"), []byte("2"))
	_ = store.Put([]byte("b"), []byte("3"))
	store.Emit(testEvent{name: "reverted"})
	store.RevertToSnapshot(snap)

	value, _ := store.Get([]byte("a"))
	if string(value) != "1" {
		t.Fatalf("expected a=1 after revert, got %q", value)
	}
	if value, _ := store.Get([]byte("b")); value != nil {
		t.Fatalf("expected b absent after revert, got %q", value)
	}
	logs, err := store.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(logs) != 1 || logs[0].EventType() != "kept" {
		t.Fatalf("unexpected logs after revert: %+v", logs)
	}
}

func TestStoreNestedSnapshots(t *testing.T) {
	store := NewStore(nil)
	outer := store.Snapshot()
	_ = store.Put([]byte("x"), []byte("outer"))
	inner := store.Snapshot()
	_ = store.Delete([]byte("x"))
	store.RevertToSnapshot(inner)
	if value, _ := store.Get([]byte("x")); string(value) != "outer" {
		t.Fatalf("expected inner revert to restore outer write, got %q", value)
	}
	store.RevertToSnapshot(outer)
	if value, _ := store.Get([]byte("x")); value != nil {
		t.Fatalf("expected outer revert to clear key, got %q", value)
	}
}

func TestStoreRevertUnknownSnapshotPanics(t *testing.T) {
	store := NewStore(nil)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	store.RevertToSnapshot(42)
}

func TestStoreDeleteHidesCommittedValue(t *testing.T) {
	db := storage.NewMemDB()
	_ = db.Put([]byte("k"), []byte("v"))
	store := NewStore(db)
	_ = store.Delete([]byte("k"))
	if value, _ := store.Get([]byte("k")); value != nil {
		t.Fatalf("expected pending delete to hide value")
	}
	if _, err := store.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if db.Len() != 0 {
		t.Fatalf("expected key removed from database")
	}
}

func TestRLPRecordHelpers(t *testing.T) {
	store := NewStore(nil)
	key := Key("test/pair/", []byte{0x01})
	var missing storedPair
	ok, err := GetRLP(store, key, &missing)
	if err != nil || ok {
		t.Fatalf("expected missing record, ok=%v err=%v", ok, err)
	}
	in := storedPair{Owner: [20]byte{0xaa}, Amount: big.NewInt(12345)}
	if err := PutRLP(store, key, &in); err != nil {
		t.Fatalf("put: %v", err)
	}
	var out storedPair
	ok, err = GetRLP(store, key, &out)
	if err != nil || !ok {
		t.Fatalf("expected record, ok=%v err=%v", ok, err)
	}
	if out.Owner != in.Owner || out.Amount.Cmp(in.Amount) != 0 {
		t.Fatalf("unexpected record %+v", out)
	}
}

func TestKeyIsNamespaced(t *testing.T) {
	a := Key("nonce/", []byte{0x01, 0x02})
	b := Key("nonce/", []byte{0x01}, []byte{0x02})
	c := Key("utilization/", []byte{0x01, 0x02})
	if !bytes.Equal(a, b) {
		t.Fatalf("parts should concatenate")
	}
	if bytes.Equal(a, c) {
		t.Fatalf("prefixes must separate namespaces")
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 byte key, got %d", len(a))
	}
}

func TestBigHelpersDeleteZero(t *testing.T) {
	store := NewStore(nil)
	key := []byte("amount")
	if err := PutBig(store, key, big.NewInt(5)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := PutBig(store, key, big.NewInt(0)); err != nil {
		t.Fatalf("put zero: %v", err)
	}
	if raw, _ := store.Get(key); raw != nil {
		t.Fatalf("expected zero to delete key")
	}
	if err := PutBig(store, key, big.NewInt(-1)); err == nil {
		t.Fatalf("expected negative value to be rejected")
	}
}
