package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"go.uber.org/zap"

	"github.com/mmeshcher/ledgerpad/internal/localstore"
	"github.com/mmeshcher/ledgerpad/internal/model"
)

func newTestClient(t *testing.T, url string) (*Client, *localstore.Store) {
	t.Helper()
	store := localstore.Open(filepath.Join(t.TempDir(), "store.json"))
	return NewClient(url, "test-key", store, zap.NewNop()), store
}

func TestFetchItems_OwnerScoped(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/items" {
			t.Fatalf("path = %s, want /rest/v1/items", r.URL.Path)
		}
		if got := r.URL.Query().Get("user_id"); got != "eq.user-1" {
			t.Fatalf("user_id filter = %q, want eq.user-1", got)
		}
		if got := r.Header.Get("apikey"); got != "test-key" {
			t.Fatalf("apikey header = %q", got)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]model.Item{
			{ID: "srv-1", UserID: "user-1", Name: "Chips", PriceCents: 2550, Section: model.SectionIncome, Date: "2026-01-28"},
		})
	}))
	defer ts.Close()

	c, _ := newTestClient(t, ts.URL)

	items, err := c.FetchItems(context.Background(), "user-1", false)
	if err != nil {
		t.Fatalf("FetchItems error: %v", err)
	}
	if len(items) != 1 || items[0].ID != "srv-1" || items[0].PriceCents != 2550 {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestFetchItems_AdminUnscoped(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("user_id") {
			t.Fatalf("admin fetch must not carry an owner filter")
		}
		json.NewEncoder(w).Encode([]model.Item{})
	}))
	defer ts.Close()

	c, _ := newTestClient(t, ts.URL)

	if _, err := c.FetchItems(context.Background(), "admin-1", true); err != nil {
		t.Fatalf("FetchItems error: %v", err)
	}
}

func TestInsertItem_ReturnsServerRow(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if got := r.Header.Get("Prefer"); got != "return=representation" {
			t.Fatalf("Prefer header = %q", got)
		}

		var in model.Item
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Fatalf("decode body: %v", err)
		}

		in.ID = "srv-42"
		in.CreatedAt = time.Now()
		json.NewEncoder(w).Encode(in)
	}))
	defer ts.Close()

	c, _ := newTestClient(t, ts.URL)

	created, err := c.InsertItem(context.Background(), model.Item{Name: "Chips", PriceCents: 2550, Section: model.SectionIncome, Date: "2026-01-28"})
	if err != nil {
		t.Fatalf("InsertItem error: %v", err)
	}
	if created.ID != "srv-42" {
		t.Fatalf("ID = %q, want srv-42", created.ID)
	}
}

func TestCheckAuthorization_AdminRole(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/user_roles" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]roleRow{{UserID: "user-1", Role: "admin"}})
	}))
	defer ts.Close()

	c, _ := newTestClient(t, ts.URL)

	isAdmin, err := c.CheckAuthorization(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("CheckAuthorization error: %v", err)
	}
	if !isAdmin {
		t.Fatalf("isAdmin = false, want true")
	}
}

func TestCheckAuthorization_SingleTransportAttempt(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c, _ := newTestClient(t, ts.URL)

	if _, err := c.CheckAuthorization(context.Background(), "user-1"); err == nil {
		t.Fatalf("CheckAuthorization error = nil, want error")
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("requests = %d, want 1", got)
	}
}

func TestCheckAuthorization_SchemaNotProvisioned(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(apiError{
			Code:    pgerrcode.UndefinedTable,
			Message: `relation "public.user_roles" does not exist`,
		})
	}))
	defer ts.Close()

	c, _ := newTestClient(t, ts.URL)

	_, err := c.CheckAuthorization(context.Background(), "user-1")
	if !errors.Is(err, ErrSchemaNotProvisioned) {
		t.Fatalf("error = %v, want ErrSchemaNotProvisioned", err)
	}
}

func TestSignIn_PersistsSessionAndEmitsEvent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/token" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(model.Session{
			AccessToken:  "token-1",
			RefreshToken: "refresh-1",
			ExpiresAt:    time.Now().Add(time.Hour),
			User:         model.User{ID: "user-1", Email: "a@b.c"},
		})
	}))
	defer ts.Close()

	store := localstore.Open(filepath.Join(t.TempDir(), "store.json"))
	c := NewClient(ts.URL, "test-key", store, zap.NewNop())

	var events []model.AuthEventType
	unsubscribe := c.SubscribeAuth(func(ev model.AuthEvent) {
		events = append(events, ev.Type)
	})
	defer unsubscribe()

	session, err := c.SignIn(context.Background(), "a@b.c", "secret")
	if err != nil {
		t.Fatalf("SignIn error: %v", err)
	}
	if session.User.ID != "user-1" {
		t.Fatalf("unexpected session user: %+v", session.User)
	}

	if len(events) != 2 || events[0] != model.AuthInitialSession || events[1] != model.AuthSignedIn {
		t.Fatalf("unexpected events: %v", events)
	}

	// Новый клиент поверх того же хранилища восстанавливает сессию.
	reopened := NewClient(ts.URL, "test-key", localstore.Open(store.Path()), zap.NewNop())
	if s := reopened.Session(); s == nil || s.AccessToken != "token-1" {
		t.Fatalf("session not restored from store: %+v", s)
	}
}

func TestSignIn_BadCredentials(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(apiError{Message: "invalid login credentials"})
	}))
	defer ts.Close()

	c, _ := newTestClient(t, ts.URL)

	_, err := c.SignIn(context.Background(), "a@b.c", "wrong")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("error = %v, want ErrUnauthorized", err)
	}
}

func TestSignOut_PurgesAuthKeys(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/v1/token":
			json.NewEncoder(w).Encode(model.Session{AccessToken: "token-1", User: model.User{ID: "user-1"}})
		case "/auth/v1/logout":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	c, store := newTestClient(t, ts.URL)

	if _, err := c.SignIn(context.Background(), "a@b.c", "secret"); err != nil {
		t.Fatalf("SignIn error: %v", err)
	}
	if err := c.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut error: %v", err)
	}

	if c.Session() != nil {
		t.Fatalf("session survived sign out")
	}
	for _, k := range store.Keys() {
		if len(k) >= 5 && k[:5] == "auth." {
			t.Fatalf("auth key %q survived sign out", k)
		}
	}
}
