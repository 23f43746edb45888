/*
Package hubdb is the control plane's persistence layer. It defines the row
types for users, spawner records, tokens, OAuth clients, services, and
shares, plus the Client interface every consumer programs against.

Two implementations exist: PGClient, backed by a pgx connection pool, and
MemClient, a mutex-guarded in-memory store used in the localdev-without-DB
environment and in tests. By abstracting the methods behind an interface we
can test the orchestrator and token store without a live database.

All writes commit synchronously relative to each lifecycle step. A crash
between steps must leave the database consistent with whatever was last
durably decided, so no caller may defer a commit across a suspension point.
*/
package hubdb // import "github.com/helmsmanhq/helmsman/hubdb"

import (
	"context"
	"time"

	"github.com/helmsmanhq/helmsman/metadata"
	"github.com/helmsmanhq/helmsman/routes"
	"github.com/helmsmanhq/helmsman/types"
	"github.com/helmsmanhq/helmsman/utils"
)

// ErrNotFound is returned by lookups for rows that don't exist (or are
// expired, for tokens). It is a valid-but-absent outcome, distinct from an
// erroneous one.
var ErrNotFound = utils.MakeError("hubdb: not found")

// ErrAlreadyExists is returned by inserts that collide with an existing row
// on a unique key.
var ErrAlreadyExists = utils.MakeError("hubdb: already exists")

// A User row. Created on first successful authentication or admin
// pre-registration; deleting a user cascades to its spawners, tokens, OAuth
// clients, and shares.
type User struct {
	ID           types.UserID
	Name         types.Username
	Admin        bool
	Groups       []types.GroupName
	AuthState    []byte // sealed by the crypt keeper, opaque here
	Created      time.Time
	LastActivity time.Time
}

// A Spawner row: the persisted half of one (user, server-name) pair. The
// in-memory wrapper holding a live process handle is reconstructed from this
// record after a control-plane restart.
type Spawner struct {
	UserID        types.UserID
	Name          types.ServerName
	State         map[string]string // opaque driver state blob
	Options       map[string]string // user-supplied spawn options
	Server        *routes.Server    // nil while stopped
	OAuthClientID types.OAuthClientID
	TokenID       types.TokenID
	StartedAt     time.Time
	LastActivity  time.Time
}

// An APIToken row. The secret is never stored; only its salted hash. Exactly
// one of UserID and Service is set.
type APIToken struct {
	ID            types.TokenID
	Hashed        string
	Prefix        string // first characters of the cleartext, for listing
	OwnerKind     types.OwnerKind
	UserID        types.UserID
	Service       types.ServiceName
	Scopes        []string
	OAuthClientID types.OAuthClientID
	Created       time.Time
	Expires       *time.Time // nil = never
	LastUsed      time.Time
}

// Expired reports whether the token is past its expiry at time now.
func (t *APIToken) Expired(now time.Time) bool {
	return t.Expires != nil && now.After(*t.Expires)
}

// An OAuthClient row, minted per running single-user server.
type OAuthClient struct {
	ID          types.OAuthClientID
	SecretHash  string
	RedirectURI string
	Created     time.Time
}

// A Service row: an externally-managed service with a fixed route.
type Service struct {
	Name   types.ServiceName
	Admin  bool
	Server *routes.Server
}

// A Share row grants a scoped subset of an owner's server access to another
// user or group. Exactly one of GranteeUser and GranteeGroup is set.
type Share struct {
	ID           string
	OwnerID      types.UserID
	ServerName   types.ServerName
	GranteeUser  types.UserID
	GranteeGroup types.GroupName
	Scopes       []string
	Created      time.Time
	Expires      *time.Time
}

// A ShareCode row is a single-use exchange code that materializes a Share
// when redeemed.
type ShareCode struct {
	ID         string
	HashedCode string
	OwnerID    types.UserID
	ServerName types.ServerName
	Scopes     []string
	Expires    time.Time
}

// Client abstracts all row operations. Lookup methods return ErrNotFound for
// absent rows; all other errors are real failures.
type Client interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id types.UserID) (*User, error)
	GetUserByName(ctx context.Context, name types.Username) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	UpdateUserAuthState(ctx context.Context, id types.UserID, state []byte) error
	// UpdateUserActivity only writes when ts is later than the stored value.
	UpdateUserActivity(ctx context.Context, id types.UserID, ts time.Time) error
	// DeleteUser cascade-deletes the user's spawners, tokens, OAuth clients,
	// and shares.
	DeleteUser(ctx context.Context, id types.UserID) error

	// Spawners
	GetSpawner(ctx context.Context, userID types.UserID, name types.ServerName) (*Spawner, error)
	UpsertSpawner(ctx context.Context, spawner *Spawner) error
	// ListRunningSpawners returns every spawner row whose server is non-null.
	ListRunningSpawners(ctx context.Context) ([]*Spawner, error)
	// CountNamedSpawners counts a user's named (non-default) servers that
	// are currently up.
	CountNamedSpawners(ctx context.Context, userID types.UserID) (int, error)
	// ClearSpawnerServer deletes the Server/Route record: it nulls the
	// spawner's server column and clears the started timestamp.
	ClearSpawnerServer(ctx context.Context, userID types.UserID, name types.ServerName) error
	// UpdateSpawnerActivity only writes when ts is later than the stored value.
	UpdateSpawnerActivity(ctx context.Context, userID types.UserID, name types.ServerName, ts time.Time) error
	DeleteSpawner(ctx context.Context, userID types.UserID, name types.ServerName) error

	// API tokens
	InsertToken(ctx context.Context, token *APIToken) error
	// LookupTokensByPrefix returns the unexpired candidate rows whose stored
	// prefix matches. The caller verifies each candidate's salted hash; the
	// store never sees cleartext tokens.
	LookupTokensByPrefix(ctx context.Context, prefix string) ([]*APIToken, error)
	TouchToken(ctx context.Context, id types.TokenID, lastUsed time.Time) error
	DeleteToken(ctx context.Context, id types.TokenID) error
	ListTokensForUser(ctx context.Context, userID types.UserID) ([]*APIToken, error)
	// PurgeExpiredTokens deletes expired rows, returning how many went away.
	PurgeExpiredTokens(ctx context.Context, now time.Time) (int, error)

	// OAuth clients
	InsertOAuthClient(ctx context.Context, client *OAuthClient) error
	GetOAuthClient(ctx context.Context, id types.OAuthClientID) (*OAuthClient, error)
	DeleteOAuthClient(ctx context.Context, id types.OAuthClientID) error

	// Services
	UpsertService(ctx context.Context, service *Service) error
	ListServices(ctx context.Context) ([]*Service, error)

	// Shares
	InsertShare(ctx context.Context, share *Share) error
	GetShare(ctx context.Context, id string) (*Share, error)
	ListSharesForOwner(ctx context.Context, ownerID types.UserID) ([]*Share, error)
	DeleteShare(ctx context.Context, id string) error
	InsertShareCode(ctx context.Context, code *ShareCode) error
	// ConsumeShareCode atomically looks up an unexpired code by hash and
	// deletes it, so a code can only ever be exchanged once.
	ConsumeShareCode(ctx context.Context, hashedCode string, now time.Time) (*ShareCode, error)

	Close()
}

// Initialize picks and initializes the store implementation for the current
// environment: in-memory when running local development without a database,
// pgx-backed everywhere else.
func Initialize(ctx context.Context) (Client, error) {
	if metadata.IsLocalEnvWithoutDB() {
		return NewMemClient(), nil
	}
	return NewPGClient(ctx)
}

// copyStrings defensively copies string slices going in and out of the
// in-memory store.
func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// monotonic implements the last-activity invariant shared by both store
// implementations: a write only lands if it moves time forward.
func monotonic(stored time.Time, ts time.Time) (time.Time, bool) {
	if ts.After(stored) {
		return ts, true
	}
	return stored, false
}
