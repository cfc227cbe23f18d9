package admincache

import (
	"path/filepath"
	"testing"

	"github.com/mmeshcher/ledgerpad/internal/localstore"
)

func TestCacheRoundTrip(t *testing.T) {
	c := New(localstore.Open(filepath.Join(t.TempDir(), "store.json")))

	if _, ok := c.Get("user-1"); ok {
		t.Fatalf("expected cache miss for unknown user")
	}

	if err := c.Set("user-1", true); err != nil {
		t.Fatalf("Set error: %v", err)
	}

	isAdmin, ok := c.Get("user-1")
	if !ok || !isAdmin {
		t.Fatalf("Get = (%v, %v), want (true, true)", isAdmin, ok)
	}

	if err := c.Invalidate("user-1"); err != nil {
		t.Fatalf("Invalidate error: %v", err)
	}
	if _, ok := c.Get("user-1"); ok {
		t.Fatalf("expected cache miss after Invalidate")
	}
}

func TestCacheIsolatedPerUser(t *testing.T) {
	c := New(localstore.Open(filepath.Join(t.TempDir(), "store.json")))

	if err := c.Set("admin", true); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	if err := c.Set("mortal", false); err != nil {
		t.Fatalf("Set error: %v", err)
	}

	if isAdmin, _ := c.Get("mortal"); isAdmin {
		t.Fatalf("mortal must not be admin")
	}
	if isAdmin, _ := c.Get("admin"); !isAdmin {
		t.Fatalf("admin flag lost")
	}
}
