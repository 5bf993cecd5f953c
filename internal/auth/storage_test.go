package auth

import (
	"context"
	"path/filepath"
	"testing"
)

func TestMemoryKeyStorage_StoreAndRetrieve(t *testing.T) {
	s := NewMemoryKeyStorage()
	key := ApiKey{ID: "1", HashedValue: "hash-1", Active: true}

	if err := s.Store(context.Background(), key); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok, err := s.GetByID(context.Background(), "1")
	if err != nil || !ok || got.ID != "1" {
		t.Fatalf("expected to retrieve stored key, got ok=%v err=%v", ok, err)
	}

	got, ok, err = s.GetByHash(context.Background(), "hash-1")
	if err != nil || !ok || got.ID != "1" {
		t.Fatalf("expected GetByHash to find the key, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryKeyStorage_Delete(t *testing.T) {
	s := NewMemoryKeyStorage()
	s.Store(context.Background(), ApiKey{ID: "1"})
	s.Delete(context.Background(), "1")

	if _, ok, _ := s.GetByID(context.Background(), "1"); ok {
		t.Error("expected key to be gone after Delete")
	}
}

func TestMemoryKeyStorage_List(t *testing.T) {
	s := NewMemoryKeyStorage()
	s.Store(context.Background(), ApiKey{ID: "1"})
	s.Store(context.Background(), ApiKey{ID: "2"})

	keys, err := s.List(context.Background())
	if err != nil || len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d (err=%v)", len(keys), err)
	}
}

func TestFileKeyStorage_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")

	s1, err := NewFileKeyStorage(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s1.Store(context.Background(), ApiKey{ID: "1", HashedValue: "hash-1", Active: true}); err != nil {
		t.Fatalf("unexpected error storing key: %v", err)
	}

	s2, err := NewFileKeyStorage(path)
	if err != nil {
		t.Fatalf("unexpected error reopening store: %v", err)
	}
	got, ok, err := s2.GetByID(context.Background(), "1")
	if err != nil || !ok || got.HashedValue != "hash-1" {
		t.Fatalf("expected key to survive reopening the file store, got ok=%v err=%v", ok, err)
	}
}

func TestFileKeyStorage_DeleteAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	s, err := NewFileKeyStorage(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s.Store(context.Background(), ApiKey{ID: "1"})
	s.Store(context.Background(), ApiKey{ID: "2"})
	if err := s.Delete(context.Background(), "1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	keys, err := s.List(context.Background())
	if err != nil || len(keys) != 1 {
		t.Fatalf("expected 1 remaining key, got %d (err=%v)", len(keys), err)
	}
}

func TestFileKeyStorage_EmptyFileOnFirstOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.json")
	s, err := NewFileKeyStorage(path)
	if err != nil {
		t.Fatalf("unexpected error opening a not-yet-existing key file: %v", err)
	}
	keys, err := s.List(context.Background())
	if err != nil || len(keys) != 0 {
		t.Fatalf("expected an empty store, got %d keys (err=%v)", len(keys), err)
	}
}
