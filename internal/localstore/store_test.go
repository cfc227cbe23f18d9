package localstore

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return Open(filepath.Join(t.TempDir(), "store.json"))
}

func TestSetGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	type payload struct {
		Name  string `json:"name"`
		Cents int64  `json:"cents"`
	}

	if err := s.Set("item", payload{Name: "Chips", Cents: 2550}); err != nil {
		t.Fatalf("Set error: %v", err)
	}

	var got payload
	if !s.Get("item", &got) {
		t.Fatalf("Get: key not found")
	}
	if got.Name != "Chips" || got.Cents != 2550 {
		t.Fatalf("unexpected value: %+v", got)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")

	s := Open(path)
	if err := s.Set("key", "value"); err != nil {
		t.Fatalf("Set error: %v", err)
	}

	reopened := Open(path)
	var got string
	if !reopened.Get("key", &got) || got != "value" {
		t.Fatalf("reopened store lost data, got %q", got)
	}
}

func TestCorruptFileYieldsEmptyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	s := Open(path)
	if keys := s.Keys(); len(keys) != 0 {
		t.Fatalf("expected empty store, got keys %v", keys)
	}

	// Запись поверх повреждённого файла должна работать.
	if err := s.Set("key", 1); err != nil {
		t.Fatalf("Set over corrupt file: %v", err)
	}
}

func TestDeleteByPrefix(t *testing.T) {
	s := newTestStore(t)

	for _, k := range []string{"auth.session", "auth.verifier", "items.snapshot"} {
		if err := s.Set(k, "x"); err != nil {
			t.Fatalf("Set %q: %v", k, err)
		}
	}

	if err := s.DeleteByPrefix("auth."); err != nil {
		t.Fatalf("DeleteByPrefix error: %v", err)
	}

	keys := s.Keys()
	if len(keys) != 1 || keys[0] != "items.snapshot" {
		t.Fatalf("unexpected keys after prefix delete: %v", keys)
	}
}

func TestClear(t *testing.T) {
	s := newTestStore(t)

	if err := s.Set("a", 1); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear error: %v", err)
	}
	if len(s.Keys()) != 0 {
		t.Fatalf("store not empty after Clear")
	}
}
