package serviceauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/helmsmanhq/helmsman/scopes"
	"github.com/helmsmanhq/helmsman/types"
)

// fakeHub answers the verification endpoint the way the control plane
// does, counting how many times each token was asked about.
type fakeHub struct {
	mu           sync.Mutex
	serviceToken string
	identities   map[string]Identity
	asks         map[string]int
	failWith     int // when nonzero, answer every request with this status
}

func (h *fakeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.failWith != 0 {
		http.Error(w, "nope", h.failWith)
		return
	}
	if r.Header.Get("Authorization") != "token "+h.serviceToken {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	raw := strings.TrimPrefix(r.URL.Path, "/api/authorizations/token/")
	token, _ := url.PathUnescape(raw)
	h.asks[token]++
	identity, ok := h.identities[token]
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(identity)
}

func newTestVerifier(t *testing.T, ttl time.Duration) (*Verifier, *fakeHub) {
	t.Helper()
	hub := &fakeHub{
		serviceToken: "hm-service-token",
		identities: map[string]Identity{
			"hm-wash-token": {
				Kind:   types.OwnerUser,
				Name:   "wash",
				Scopes: []string{"access:servers!user=wash"},
			},
		},
		asks: map[string]int{},
	}
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)

	verifier, err := NewVerifier(server.URL+"/api", "hm-service-token", ttl)
	if err != nil {
		t.Fatalf("NewVerifier: %s", err)
	}
	return verifier, hub
}

func TestVerifyToken(t *testing.T) {
	ctx := context.Background()
	verifier, _ := newTestVerifier(t, 0)

	identity, err := verifier.VerifyToken(ctx, "hm-wash-token")
	if err != nil {
		t.Fatalf("VerifyToken: %s", err)
	}
	if identity.Name != "wash" || identity.Kind != types.OwnerUser {
		t.Errorf("wrong identity: %+v", identity)
	}
	if !identity.HasScope(scopes.MustParse("access:servers!user=wash")) {
		t.Error("identity missing its own scope")
	}
	if identity.HasScope(scopes.MustParse("admin:users")) {
		t.Error("identity has a scope it was never granted")
	}

	if _, err := verifier.VerifyToken(ctx, "hm-bogus"); err != ErrInvalidToken {
		t.Errorf("bogus token: got %v, want ErrInvalidToken", err)
	}
	if _, err := verifier.VerifyToken(ctx, ""); err != ErrInvalidToken {
		t.Errorf("empty token: got %v, want ErrInvalidToken", err)
	}
}

func TestPositiveVerdictsAreCached(t *testing.T) {
	ctx := context.Background()
	verifier, hub := newTestVerifier(t, time.Hour)

	for i := 0; i < 5; i++ {
		if _, err := verifier.VerifyToken(ctx, "hm-wash-token"); err != nil {
			t.Fatalf("VerifyToken #%d: %s", i, err)
		}
	}
	hub.mu.Lock()
	asks := hub.asks["hm-wash-token"]
	hub.mu.Unlock()
	if asks != 1 {
		t.Errorf("hub asked %d times, want 1 (cache miss only)", asks)
	}

	// Rejections are never cached.
	for i := 0; i < 3; i++ {
		verifier.VerifyToken(ctx, "hm-bogus")
	}
	hub.mu.Lock()
	asks = hub.asks["hm-bogus"]
	hub.mu.Unlock()
	if asks != 3 {
		t.Errorf("hub asked %d times about a bad token, want 3", asks)
	}
}

func TestCacheEntriesExpire(t *testing.T) {
	ctx := context.Background()
	verifier, hub := newTestVerifier(t, 50*time.Millisecond)

	if _, err := verifier.VerifyToken(ctx, "hm-wash-token"); err != nil {
		t.Fatalf("VerifyToken: %s", err)
	}
	time.Sleep(80 * time.Millisecond)
	if _, err := verifier.VerifyToken(ctx, "hm-wash-token"); err != nil {
		t.Fatalf("VerifyToken after TTL: %s", err)
	}

	hub.mu.Lock()
	asks := hub.asks["hm-wash-token"]
	hub.mu.Unlock()
	if asks != 2 {
		t.Errorf("hub asked %d times, want 2 (entry should have expired)", asks)
	}
	if size := verifier.CacheSize(); size != 1 {
		t.Errorf("cache holds %d entries, want 1", size)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	ctx := context.Background()

	t.Run("StaleServiceCredentials", func(t *testing.T) {
		verifier, hub := newTestVerifier(t, 0)
		hub.mu.Lock()
		hub.serviceToken = "rotated-away"
		hub.mu.Unlock()

		if _, err := verifier.VerifyToken(ctx, "hm-wash-token"); err != ErrStaleCredentials {
			t.Errorf("got %v, want ErrStaleCredentials", err)
		}
	})

	t.Run("HubDown", func(t *testing.T) {
		verifier, hub := newTestVerifier(t, 0)
		hub.mu.Lock()
		hub.failWith = http.StatusBadGateway
		hub.mu.Unlock()

		if _, err := verifier.VerifyToken(ctx, "hm-wash-token"); err != ErrUpstreamUnavailable {
			t.Errorf("got %v, want ErrUpstreamUnavailable", err)
		}
	})

	t.Run("Unreachable", func(t *testing.T) {
		verifier, err := NewVerifier("http://127.0.0.1:1/api", "tok", 0)
		if err != nil {
			t.Fatalf("NewVerifier: %s", err)
		}
		if _, err := verifier.VerifyToken(ctx, "hm-wash-token"); err != ErrUpstreamUnavailable {
			t.Errorf("got %v, want ErrUpstreamUnavailable", err)
		}
	})
}

func TestTokenFromRequest(t *testing.T) {
	newReq := func() *http.Request {
		r, _ := http.NewRequest(http.MethodGet, "http://svc.example.org/", nil)
		return r
	}

	r := newReq()
	r.Header.Set("Authorization", "token hm-from-header")
	if got := TokenFromRequest(r); got != "hm-from-header" {
		t.Errorf("header token: got %q", got)
	}

	r = newReq()
	r.Header.Set("Authorization", "Bearer hm-from-bearer")
	if got := TokenFromRequest(r); got != "hm-from-bearer" {
		t.Errorf("bearer token: got %q", got)
	}

	r = newReq()
	r.AddCookie(&http.Cookie{Name: TokenCookie, Value: "hm-from-cookie"})
	if got := TokenFromRequest(r); got != "hm-from-cookie" {
		t.Errorf("cookie token: got %q", got)
	}

	r, _ = http.NewRequest(http.MethodGet, "http://svc.example.org/?token=hm-from-query", nil)
	if got := TokenFromRequest(r); got != "hm-from-query" {
		t.Errorf("query token: got %q", got)
	}

	// Header beats cookie beats query.
	r, _ = http.NewRequest(http.MethodGet, "http://svc.example.org/?token=hm-from-query", nil)
	r.Header.Set("Authorization", "token hm-from-header")
	r.AddCookie(&http.Cookie{Name: TokenCookie, Value: "hm-from-cookie"})
	if got := TokenFromRequest(r); got != "hm-from-header" {
		t.Errorf("precedence: got %q", got)
	}

	if got := TokenFromRequest(newReq()); got != "" {
		t.Errorf("no token: got %q", got)
	}
}
