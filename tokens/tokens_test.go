package tokens

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/helmsmanhq/helmsman/hubdb"
	"github.com/helmsmanhq/helmsman/types"
)

func TestMintAndLookup(t *testing.T) {
	ctx := context.Background()
	store := NewStore(hubdb.NewMemClient())

	cleartext, minted, err := store.Mint(ctx, MintRequest{
		UserID: "u-1",
		Scopes: []string{"access:servers!user=wash"},
	})
	if err != nil {
		t.Fatalf("Mint: %s", err)
	}
	if !strings.HasPrefix(cleartext, CleartextPrefix) {
		t.Errorf("cleartext %q missing the %q prefix", cleartext, CleartextPrefix)
	}
	if strings.Contains(minted.Hashed, cleartext[len(CleartextPrefix):]) {
		t.Error("stored hash contains token material")
	}

	got, err := store.Lookup(ctx, cleartext)
	if err != nil {
		t.Fatalf("Lookup: %s", err)
	}
	if got.ID != minted.ID {
		t.Errorf("lookup resolved to token %s, want %s", got.ID, minted.ID)
	}
	if got.OwnerKind != types.OwnerUser || got.UserID != "u-1" {
		t.Errorf("wrong owner: kind %s, user %s", got.OwnerKind, got.UserID)
	}
}

func TestLookupRejectsUnknownTokens(t *testing.T) {
	ctx := context.Background()
	store := NewStore(hubdb.NewMemClient())

	cleartext, _, err := store.Mint(ctx, MintRequest{UserID: "u-1"})
	if err != nil {
		t.Fatalf("Mint: %s", err)
	}

	for _, bad := range []string{
		"",
		"not-a-token",
		cleartext + "0",                      // extended
		cleartext[:len(cleartext)-1] + "z",   // corrupted tail, same prefix
		strings.Replace(cleartext, "hm-", "tok-", 1),
	} {
		if _, err := store.Lookup(ctx, bad); err != ErrInvalidToken {
			t.Errorf("Lookup(%q): got %v, want ErrInvalidToken", bad, err)
		}
	}
}

func TestMintRequiresExactlyOneOwner(t *testing.T) {
	ctx := context.Background()
	store := NewStore(hubdb.NewMemClient())

	if _, _, err := store.Mint(ctx, MintRequest{}); err == nil {
		t.Error("ownerless mint succeeded")
	}
	if _, _, err := store.Mint(ctx, MintRequest{UserID: "u-1", Service: "culler"}); err == nil {
		t.Error("doubly-owned mint succeeded")
	}
	if _, _, err := store.Mint(ctx, MintRequest{Service: "culler"}); err != nil {
		t.Errorf("service mint failed: %s", err)
	}
}

func TestExpiredTokenLookup(t *testing.T) {
	ctx := context.Background()
	db := hubdb.NewMemClient()
	store := NewStore(db)

	cleartext, minted, err := store.Mint(ctx, MintRequest{
		UserID:    "u-1",
		ExpiresIn: time.Nanosecond,
	})
	if err != nil {
		t.Fatalf("Mint: %s", err)
	}
	time.Sleep(time.Millisecond)

	if _, err := store.Lookup(ctx, cleartext); err != ErrInvalidToken {
		t.Errorf("expired token lookup: got %v, want ErrInvalidToken", err)
	}

	purged, err := store.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge: %s", err)
	}
	if purged != 1 {
		t.Errorf("purged %d tokens, want 1 (minted %s)", purged, minted.ID)
	}
}

func TestRevokeForOAuthClient(t *testing.T) {
	ctx := context.Background()
	store := NewStore(hubdb.NewMemClient())

	serverToken, _, err := store.Mint(ctx, MintRequest{
		UserID:        "u-1",
		OAuthClientID: "oauth-client-wash",
	})
	if err != nil {
		t.Fatalf("Mint server token: %s", err)
	}
	apiToken, _, err := store.Mint(ctx, MintRequest{UserID: "u-1"})
	if err != nil {
		t.Fatalf("Mint API token: %s", err)
	}

	if err := store.RevokeForOAuthClient(ctx, "u-1", "oauth-client-wash"); err != nil {
		t.Fatalf("RevokeForOAuthClient: %s", err)
	}

	if _, err := store.Lookup(ctx, serverToken); err != ErrInvalidToken {
		t.Error("server-bound token survived revocation")
	}
	// Tokens not tied to the server's OAuth client stay valid.
	if _, err := store.Lookup(ctx, apiToken); err != nil {
		t.Errorf("unrelated token revoked: %v", err)
	}
}

func TestOAuthClientSecret(t *testing.T) {
	ctx := context.Background()
	store := NewStore(hubdb.NewMemClient())

	secret, err := store.NewOAuthClient(ctx, "oauth-client-wash", "/user/wash/oauth_callback")
	if err != nil {
		t.Fatalf("NewOAuthClient: %s", err)
	}
	if err := store.VerifyOAuthClient(ctx, "oauth-client-wash", secret); err != nil {
		t.Errorf("correct secret rejected: %s", err)
	}
	if err := store.VerifyOAuthClient(ctx, "oauth-client-wash", "hm-wrong"); err != ErrInvalidToken {
		t.Errorf("wrong secret: got %v, want ErrInvalidToken", err)
	}
	if err := store.VerifyOAuthClient(ctx, "no-such-client", secret); err != ErrInvalidToken {
		t.Errorf("unknown client: got %v, want ErrInvalidToken", err)
	}
}
