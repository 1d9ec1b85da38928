package storage

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func TestMemDBRoundTrip(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	if err := db.Put([]byte("alpha"), []byte("one")); err != nil {
		t.Fatalf("put: %v", err)
	}
	value, err := db.Get([]byte("alpha"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(value, []byte("one")) {
		t.Fatalf("unexpected value: %q", value)
	}
	if err := db.Delete([]byte("alpha")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get([]byte("alpha")); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound after delete, got %v", err)
	}
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	original := []byte("payload")
	if err := db.Put([]byte("k"), original); err != nil {
		t.Fatalf("put: %v", err)
	}
	original[0] = 'X'

	stored, err := db.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(stored, []byte("payload")) {
		t.Fatalf("mutating the caller's slice must not reach the store: %q", stored)
	}

	stored[0] = 'Y'
	again, err := db.Get([]byte("k"))
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if !bytes.Equal(again, []byte("payload")) {
		t.Fatalf("mutating a returned slice must not reach the store: %q", again)
	}
}

func TestBatchWrite(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	if err := db.Put([]byte("stale"), []byte("x")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	batch := new(Batch)
	batch.Put([]byte("a"), []byte("1"))
	batch.Put([]byte("b"), []byte("2"))
	batch.Delete([]byte("stale"))
	batch.Put([]byte("a"), []byte("3"))
	if batch.Len() != 4 {
		t.Fatalf("expected 4 queued ops, got %d", batch.Len())
	}

	if err := db.Write(batch); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if value, err := db.Get([]byte("a")); err != nil || !bytes.Equal(value, []byte("3")) {
		t.Fatalf("later writes must win: %q err=%v", value, err)
	}
	if value, err := db.Get([]byte("b")); err != nil || !bytes.Equal(value, []byte("2")) {
		t.Fatalf("unexpected value for b: %q err=%v", value, err)
	}
	if _, err := db.Get([]byte("stale")); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("batched delete must apply, got %v", err)
	}

	batch.Reset()
	if batch.Len() != 0 {
		t.Fatalf("reset must clear the batch, got %d", batch.Len())
	}
}

func TestBatchCopiesInputs(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	key := []byte("k")
	value := []byte("v")
	batch := new(Batch)
	batch.Put(key, value)
	key[0] = 'q'
	value[0] = 'w'

	if err := db.Write(batch); err != nil {
		t.Fatalf("write: %v", err)
	}
	stored, err := db.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(stored, []byte("v")) {
		t.Fatalf("batch must copy keys and values at queue time: %q", stored)
	}
}

func TestLevelDBRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	db, err := NewLevelDB(path)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	defer db.Close()

	if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	if err := db.Put([]byte("alpha"), []byte("one")); err != nil {
		t.Fatalf("put: %v", err)
	}
	value, err := db.Get([]byte("alpha"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(value, []byte("one")) {
		t.Fatalf("unexpected value: %q", value)
	}

	batch := new(Batch)
	batch.Put([]byte("beta"), []byte("two"))
	batch.Delete([]byte("alpha"))
	if err := db.Write(batch); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if _, err := db.Get([]byte("alpha")); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected alpha deleted, got %v", err)
	}
	if value, err := db.Get([]byte("beta")); err != nil || !bytes.Equal(value, []byte("two")) {
		t.Fatalf("unexpected value for beta: %q err=%v", value, err)
	}
}
