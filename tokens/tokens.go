/*
Package tokens mints and verifies API tokens for users and services. Only a
salted SHA-512 hash of each token is ever stored; the cleartext exists in a
single HTTP response and then only in the holder's hands.

Cleartext tokens carry the "hm-" prefix so that leaked credentials can be
recognized by secret scanners. Lookups fetch candidate rows by the token's
stored prefix and verify each candidate's salted hash in constant time.
*/
package tokens // import "github.com/helmsmanhq/helmsman/tokens"

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v3"

	"github.com/helmsmanhq/helmsman/hubdb"
	"github.com/helmsmanhq/helmsman/hublogger"
	"github.com/helmsmanhq/helmsman/types"
	"github.com/helmsmanhq/helmsman/utils"
)

// CleartextPrefix marks every token this control plane mints.
const CleartextPrefix = "hm-"

// lookupPrefixLength is how many leading characters of the cleartext are
// stored for candidate selection. Long enough that collisions are rare,
// short enough to reveal nothing.
const lookupPrefixLength = 8

// tokenBytes of entropy per token, hex-encoded in the cleartext.
const tokenBytes = 32

// ErrInvalidToken is returned by Lookup for tokens that don't exist, are
// expired, or fail hash verification. Callers must not distinguish the
// cases to the outside world.
var ErrInvalidToken = utils.MakeError("tokens: invalid token")

// Store mints, verifies, and revokes tokens on top of the persistence layer.
type Store struct {
	db hubdb.Client
}

// NewStore returns a token store backed by db.
func NewStore(db hubdb.Client) *Store {
	return &Store{db: db}
}

// generateCleartext returns a fresh token cleartext with the standard
// prefix.
func generateCleartext() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", utils.MakeError("couldn't read random bytes for token: %s", err)
	}
	return CleartextPrefix + hex.EncodeToString(buf), nil
}

// hashToken returns the stored form "sha512:<salt>:<digest>" for a
// cleartext token with a fresh random salt.
func hashToken(cleartext string) (string, error) {
	saltBuf := make([]byte, 8)
	if _, err := rand.Read(saltBuf); err != nil {
		return "", utils.MakeError("couldn't read random bytes for salt: %s", err)
	}
	salt := hex.EncodeToString(saltBuf)
	digest := sha512.Sum512([]byte(salt + cleartext))
	return "sha512:" + salt + ":" + hex.EncodeToString(digest[:]), nil
}

// verifyToken checks cleartext against a stored hash in constant time.
func verifyToken(hashed, cleartext string) bool {
	parts := strings.SplitN(hashed, ":", 3)
	if len(parts) != 3 || parts[0] != "sha512" {
		return false
	}
	digest := sha512.Sum512([]byte(parts[1] + cleartext))
	return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(digest[:])), []byte(parts[2])) == 1
}

func lookupPrefix(cleartext string) string {
	if len(cleartext) < lookupPrefixLength {
		return cleartext
	}
	return cleartext[:lookupPrefixLength]
}

// MintRequest describes the token to create. Exactly one of UserID and
// Service must be set.
type MintRequest struct {
	UserID        types.UserID
	Service       types.ServiceName
	Scopes        []string
	ExpiresIn     time.Duration // zero = never expires
	OAuthClientID types.OAuthClientID
}

// Mint creates a token and returns its cleartext exactly once, along with
// the stored row.
func (s *Store) Mint(ctx context.Context, req MintRequest) (string, *hubdb.APIToken, error) {
	if (req.UserID == "") == (req.Service == "") {
		return "", nil, utils.MakeError("exactly one of user and service must own a token")
	}

	cleartext, err := generateCleartext()
	if err != nil {
		return "", nil, err
	}
	hashed, err := hashToken(cleartext)
	if err != nil {
		return "", nil, err
	}

	now := time.Now()
	token := &hubdb.APIToken{
		ID:            types.TokenID(shortuuid.New()),
		Hashed:        hashed,
		Prefix:        lookupPrefix(cleartext),
		Scopes:        req.Scopes,
		OAuthClientID: req.OAuthClientID,
		Created:       now,
		LastUsed:      now,
	}
	if req.UserID != "" {
		token.OwnerKind = types.OwnerUser
		token.UserID = req.UserID
	} else {
		token.OwnerKind = types.OwnerService
		token.Service = req.Service
	}
	if req.ExpiresIn > 0 {
		expires := now.Add(req.ExpiresIn)
		token.Expires = &expires
	}

	if err := s.db.InsertToken(ctx, token); err != nil {
		return "", nil, utils.MakeError("couldn't store minted token: %s", err)
	}
	return cleartext, token, nil
}

// Lookup resolves a cleartext token to its stored row, updating the row's
// last-used timestamp. Expired and unknown tokens are indistinguishable.
func (s *Store) Lookup(ctx context.Context, cleartext string) (*hubdb.APIToken, error) {
	if !strings.HasPrefix(cleartext, CleartextPrefix) {
		return nil, ErrInvalidToken
	}
	candidates, err := s.db.LookupTokensByPrefix(ctx, lookupPrefix(cleartext))
	if err != nil {
		return nil, utils.MakeError("token candidate lookup failed: %s", err)
	}
	for _, candidate := range candidates {
		if verifyToken(candidate.Hashed, cleartext) {
			// Best effort. A missed touch only skews idle culling slightly.
			if err := s.db.TouchToken(ctx, candidate.ID, time.Now()); err != nil {
				hublogger.Warningf("Couldn't touch token %s: %s", candidate.ID, err)
			}
			return candidate, nil
		}
	}
	return nil, ErrInvalidToken
}

// Revoke deletes a token by ID.
func (s *Store) Revoke(ctx context.Context, id types.TokenID) error {
	return s.db.DeleteToken(ctx, id)
}

// RevokeForOAuthClient deletes every token of userID minted against the
// given OAuth client. Called when a single-user server stops for good; a
// server that will resume keeps its tokens.
func (s *Store) RevokeForOAuthClient(ctx context.Context, userID types.UserID, clientID types.OAuthClientID) error {
	tokens, err := s.db.ListTokensForUser(ctx, userID)
	if err != nil {
		return utils.MakeError("couldn't list tokens for user %s: %s", userID, err)
	}
	for _, t := range tokens {
		if t.OAuthClientID != clientID {
			continue
		}
		if err := s.db.DeleteToken(ctx, t.ID); err != nil && err != hubdb.ErrNotFound {
			return utils.MakeError("couldn't revoke token %s: %s", t.ID, err)
		}
	}
	return nil
}

// Purge physically deletes expired token rows and reports how many were
// removed. Run periodically; lookups already treat expired rows as absent.
func (s *Store) Purge(ctx context.Context) (int, error) {
	return s.db.PurgeExpiredTokens(ctx, time.Now())
}

// NewOAuthClient mints an OAuth client with a fresh secret and stores only
// the secret's salted hash. Returns the cleartext secret exactly once.
func (s *Store) NewOAuthClient(ctx context.Context, id types.OAuthClientID, redirectURI string) (string, error) {
	secret, err := generateCleartext()
	if err != nil {
		return "", err
	}
	hashed, err := hashToken(secret)
	if err != nil {
		return "", err
	}
	client := &hubdb.OAuthClient{
		ID:          id,
		SecretHash:  hashed,
		RedirectURI: redirectURI,
		Created:     time.Now(),
	}
	if err := s.db.InsertOAuthClient(ctx, client); err == hubdb.ErrAlreadyExists {
		return "", err
	} else if err != nil {
		return "", utils.MakeError("couldn't store OAuth client %s: %s", id, err)
	}
	return secret, nil
}

// VerifyOAuthClient checks a client secret against the stored hash.
func (s *Store) VerifyOAuthClient(ctx context.Context, id types.OAuthClientID, secret string) error {
	client, err := s.db.GetOAuthClient(ctx, id)
	if err == hubdb.ErrNotFound {
		return ErrInvalidToken
	}
	if err != nil {
		return utils.MakeError("couldn't get OAuth client %s: %s", id, err)
	}
	if !verifyToken(client.SecretHash, secret) {
		return ErrInvalidToken
	}
	return nil
}

// DeleteOAuthClient removes an OAuth client row.
func (s *Store) DeleteOAuthClient(ctx context.Context, id types.OAuthClientID) error {
	return s.db.DeleteOAuthClient(ctx, id)
}
