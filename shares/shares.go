/*
Package shares grants other users access to someone's running server
without handing over the owner's credentials. A share names a grantee (user
or group) and carries a scope list that must stay within what the server
itself could grant.

Shares can also travel as single-use codes: the owner mints a code, hands
it to someone out of band, and the holder redeems it for a share in their
own name. Codes are stored hashed and die on first redemption or expiry.
*/
package shares // import "github.com/helmsmanhq/helmsman/shares"

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/helmsmanhq/helmsman/hubdb"
	"github.com/helmsmanhq/helmsman/scopes"
	"github.com/helmsmanhq/helmsman/types"
	"github.com/helmsmanhq/helmsman/utils"
)

// DefaultCodeLifetime applies when a code is minted without an explicit
// expiry.
const DefaultCodeLifetime = 24 * time.Hour

// ErrScopeTooBroad is returned when a share asks for scopes beyond what the
// server can grant.
var ErrScopeTooBroad = utils.MakeError("shares: requested scopes exceed what this server can grant")

// ErrInvalidCode is returned when redeeming an unknown, expired, or
// already-used code.
var ErrInvalidCode = utils.MakeError("shares: invalid share code")

// Service implements sharing on top of the persistence layer.
type Service struct {
	db hubdb.Client
}

// NewService returns a share service backed by db.
func NewService(db hubdb.Client) *Service {
	return &Service{db: db}
}

// grantable returns the scopes a server is allowed to delegate: access to
// itself and read access to its own record. The filter pins each scope to
// this one server.
func grantable(ownerID types.UserID, serverName types.ServerName) []scopes.Scope {
	filter := string(ownerID) + "/" + string(serverName)
	return []scopes.Scope{
		{Base: "access:servers", FilterKey: "server", FilterValue: filter},
		{Base: "read:servers", FilterKey: "server", FilterValue: filter},
	}
}

// validateScopes parses the requested scope strings and checks they stay
// within the server's grantable set.
func validateScopes(requested []string, ownerID types.UserID, serverName types.ServerName) error {
	parsed, err := scopes.ParseAll(requested)
	if err != nil {
		return utils.MakeError("bad share scopes: %s", err)
	}
	if len(parsed) == 0 {
		return utils.MakeError("a share needs at least one scope")
	}
	if !scopes.Subset(parsed, grantable(ownerID, serverName)) {
		return ErrScopeTooBroad
	}
	return nil
}

// GrantRequest describes a direct share. Exactly one of GranteeUser and
// GranteeGroup must be set.
type GrantRequest struct {
	OwnerID      types.UserID
	ServerName   types.ServerName
	GranteeUser  types.UserID
	GranteeGroup types.GroupName
	Scopes       []string
	ExpiresIn    time.Duration // zero = no expiry
}

// Grant creates a share.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (*hubdb.Share, error) {
	if (req.GranteeUser == "") == (req.GranteeGroup == "") {
		return nil, utils.MakeError("exactly one of grantee user and grantee group must be set")
	}
	if err := validateScopes(req.Scopes, req.OwnerID, req.ServerName); err != nil {
		return nil, err
	}
	if req.GranteeUser != "" {
		if _, err := s.db.GetUser(ctx, req.GranteeUser); err != nil {
			return nil, utils.MakeError("unknown grantee %s: %s", req.GranteeUser, err)
		}
	}

	share := &hubdb.Share{
		ID:           uuid.NewString(),
		OwnerID:      req.OwnerID,
		ServerName:   req.ServerName,
		GranteeUser:  req.GranteeUser,
		GranteeGroup: req.GranteeGroup,
		Scopes:       req.Scopes,
		Created:      time.Now(),
	}
	if req.ExpiresIn > 0 {
		expires := share.Created.Add(req.ExpiresIn)
		share.Expires = &expires
	}
	if err := s.db.InsertShare(ctx, share); err != nil {
		return nil, utils.MakeError("couldn't store share: %s", err)
	}
	return share, nil
}

// Revoke deletes a share. Only the owner may revoke; the caller is
// responsible for having checked that.
func (s *Service) Revoke(ctx context.Context, id string) error {
	return s.db.DeleteShare(ctx, id)
}

// List returns the owner's shares.
func (s *Service) List(ctx context.Context, ownerID types.UserID) ([]*hubdb.Share, error) {
	return s.db.ListSharesForOwner(ctx, ownerID)
}

// hashCode is deterministic (unlike API token hashing) because codes are
// looked up by hash. The entropy lives entirely in the code itself.
func hashCode(cleartext string) string {
	digest := sha512.Sum512([]byte(cleartext))
	return "sha512:" + hex.EncodeToString(digest[:])
}

// MintCode creates a single-use share code and returns its cleartext
// exactly once.
func (s *Service) MintCode(ctx context.Context, ownerID types.UserID, serverName types.ServerName, scopeList []string, lifetime time.Duration) (string, error) {
	if err := validateScopes(scopeList, ownerID, serverName); err != nil {
		return "", err
	}
	if lifetime <= 0 {
		lifetime = DefaultCodeLifetime
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", utils.MakeError("couldn't read random bytes for share code: %s", err)
	}
	cleartext := "hmc-" + hex.EncodeToString(buf)

	code := &hubdb.ShareCode{
		ID:         uuid.NewString(),
		HashedCode: hashCode(cleartext),
		OwnerID:    ownerID,
		ServerName: serverName,
		Scopes:     scopeList,
		Expires:    time.Now().Add(lifetime),
	}
	if err := s.db.InsertShareCode(ctx, code); err != nil {
		return "", utils.MakeError("couldn't store share code: %s", err)
	}
	return cleartext, nil
}

// Redeem exchanges a code for a share granted to the redeeming user. The
// code is consumed even though the resulting share may later be revoked.
func (s *Service) Redeem(ctx context.Context, cleartext string, grantee types.UserID) (*hubdb.Share, error) {
	if _, err := s.db.GetUser(ctx, grantee); err != nil {
		return nil, utils.MakeError("unknown redeemer %s: %s", grantee, err)
	}

	code, err := s.db.ConsumeShareCode(ctx, hashCode(cleartext), time.Now())
	if err == hubdb.ErrNotFound {
		return nil, ErrInvalidCode
	}
	if err != nil {
		return nil, utils.MakeError("couldn't consume share code: %s", err)
	}
	if code.OwnerID == grantee {
		// Owners don't need shares to their own servers; still consumed.
		return nil, utils.MakeError("can't redeem a code for your own server")
	}

	share := &hubdb.Share{
		ID:          uuid.NewString(),
		OwnerID:     code.OwnerID,
		ServerName:  code.ServerName,
		GranteeUser: grantee,
		Scopes:      code.Scopes,
		Created:     time.Now(),
	}
	if err := s.db.InsertShare(ctx, share); err != nil {
		return nil, utils.MakeError("couldn't store redeemed share: %s", err)
	}
	return share, nil
}

// ForUser returns every share whose grantee is the given user directly, or
// any of the given groups.
func (s *Service) ForUser(ctx context.Context, userID types.UserID, groups []types.GroupName) ([]*hubdb.Share, error) {
	// The store indexes by owner, so gather and filter. Share volumes are
	// small; this is fine until proven otherwise.
	users, err := s.db.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	groupSet := make(map[types.GroupName]bool, len(groups))
	for _, g := range groups {
		groupSet[g] = true
	}

	var matched []*hubdb.Share
	now := time.Now()
	for _, owner := range users {
		shares, err := s.db.ListSharesForOwner(ctx, owner.ID)
		if err != nil {
			return nil, err
		}
		for _, share := range shares {
			if share.Expires != nil && now.After(*share.Expires) {
				continue
			}
			if share.GranteeUser == userID || (share.GranteeGroup != "" && groupSet[share.GranteeGroup]) {
				matched = append(matched, share)
			}
		}
	}
	return matched, nil
}
