/*
Package serviceauth lets an external service verify caller tokens against
the control plane. A service embeds a Verifier, hands it each request's
token, and gets back the token owner's identity and scopes.

Verdicts are cached by token digest for a short TTL so a chatty client
doesn't turn into a hub hotspot. Only positive verdicts are cached;
rejections always re-ask the hub, since a rejected token may be seconds
away from being minted.
*/
package serviceauth // import "github.com/helmsmanhq/helmsman/serviceauth"

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/helmsmanhq/helmsman/scopes"
	"github.com/helmsmanhq/helmsman/types"
	"github.com/helmsmanhq/helmsman/utils"
)

// DefaultCacheTTL is how long a positive verdict stays cached.
const DefaultCacheTTL = 5 * time.Minute

// TokenCookie is the cookie external services read tokens from.
const TokenCookie = "helmsman-token"

// ErrInvalidToken means the hub does not recognize the presented token.
var ErrInvalidToken = utils.MakeError("serviceauth: invalid token")

// ErrStaleCredentials means the service's own token was rejected by the
// hub. The service is misconfigured or its token was revoked; retrying
// with the same credentials is pointless.
var ErrStaleCredentials = utils.MakeError("serviceauth: the service's own credentials were rejected")

// ErrUpstreamUnavailable means the hub couldn't be reached or answered
// with a server error. The verdict is unknown; callers should fail closed
// but may retry.
var ErrUpstreamUnavailable = utils.MakeError("serviceauth: control plane unavailable")

// Identity is the hub's answer about a token's owner.
type Identity struct {
	Kind   types.OwnerKind `json:"kind"`
	Name   string          `json:"name"`
	Admin  bool            `json:"admin"`
	Scopes []string        `json:"scopes"`
}

// HasScope reports whether the identity holds a scope satisfying required.
func (id *Identity) HasScope(required scopes.Scope) bool {
	held, err := scopes.ParseAll(id.Scopes)
	if err != nil {
		return false
	}
	return scopes.HasScope(held, required)
}

type cacheEntry struct {
	identity Identity
	expires  time.Time
}

// Verifier checks caller tokens against the control plane's verification
// endpoint.
type Verifier struct {
	hubAPIURL    string
	serviceToken string
	client       *http.Client
	cacheTTL     time.Duration

	mu        sync.Mutex
	cache     map[[sha256.Size]byte]cacheEntry
	lastPurge time.Time
}

// NewVerifier returns a Verifier for the hub API at hubAPIURL,
// authenticating its own requests with serviceToken. cacheTTL <= 0 selects
// the default.
func NewVerifier(hubAPIURL, serviceToken string, cacheTTL time.Duration) (*Verifier, error) {
	parsed, err := url.Parse(hubAPIURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, utils.MakeError("bad hub API URL %q", hubAPIURL)
	}
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &Verifier{
		hubAPIURL:    strings.TrimSuffix(hubAPIURL, "/"),
		serviceToken: serviceToken,
		client:       &http.Client{Timeout: 20 * time.Second},
		cacheTTL:     cacheTTL,
		cache:        make(map[[sha256.Size]byte]cacheEntry),
		lastPurge:    time.Now(),
	}, nil
}

// TokenFromRequest extracts the caller's token from a request, checking the
// Authorization header ("token <x>" or "Bearer <x>"), then the token
// cookie, then the ?token query parameter.
func TokenFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	for _, prefix := range []string{"token ", "Bearer "} {
		if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
			return header[len(prefix):]
		}
	}
	if cookie, err := r.Cookie(TokenCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.URL.Query().Get("token")
}

// VerifyToken resolves a caller token to its owner identity. Unknown and
// expired tokens yield ErrInvalidToken.
func (v *Verifier) VerifyToken(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	digest := sha256.Sum256([]byte(token))

	now := time.Now()
	v.mu.Lock()
	entry, ok := v.cache[digest]
	v.mu.Unlock()
	if ok {
		if now.Before(entry.expires) {
			identity := entry.identity
			return &identity, nil
		}
		// Entry self-expired; drop it and re-verify.
		v.mu.Lock()
		delete(v.cache, digest)
		v.mu.Unlock()
	}

	identity, err := v.ask(ctx, token)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.cache[digest] = cacheEntry{identity: *identity, expires: now.Add(v.cacheTTL)}
	// Sweep dead entries occasionally, piggybacked on writes so there's no
	// background goroutine to manage.
	if now.Sub(v.lastPurge) > v.cacheTTL {
		for key, e := range v.cache {
			if now.After(e.expires) {
				delete(v.cache, key)
			}
		}
		v.lastPurge = now
	}
	v.mu.Unlock()

	return identity, nil
}

// ask performs the actual hub round trip.
func (v *Verifier) ask(ctx context.Context, token string) (*Identity, error) {
	endpoint := v.hubAPIURL + "/authorizations/token/" + url.PathEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, utils.MakeError("couldn't build verification request: %s", err)
	}
	req.Header.Set("Authorization", "token "+v.serviceToken)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, ErrUpstreamUnavailable
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var identity Identity
		if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
			return nil, utils.MakeError("couldn't decode verification response: %s", err)
		}
		return &identity, nil
	case resp.StatusCode == http.StatusNotFound:
		// The hub is fine; the caller's token just isn't real.
		return nil, ErrInvalidToken
	case resp.StatusCode == http.StatusForbidden:
		return nil, ErrStaleCredentials
	case resp.StatusCode >= 500:
		return nil, ErrUpstreamUnavailable
	default:
		return nil, utils.MakeError("unexpected verification response: %s", resp.Status)
	}
}

// CacheSize reports the number of cached verdicts, for tests and metrics.
func (v *Verifier) CacheSize() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.cache)
}
