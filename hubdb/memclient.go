package hubdb

import (
	"context"
	"sync"
	"time"

	"github.com/helmsmanhq/helmsman/types"
)

// MemClient keeps every table in process memory behind one lock. It backs
// the localdev-without-DB environment and the test suites; nothing survives
// a restart, which is exactly the point.
type MemClient struct {
	mu sync.RWMutex

	users      map[types.UserID]*User
	spawners   map[spawnerKey]*Spawner
	tokens     map[types.TokenID]*APIToken
	oauth      map[types.OAuthClientID]*OAuthClient
	services   map[types.ServiceName]*Service
	shares     map[string]*Share
	shareCodes map[string]*ShareCode // keyed by hashed code
}

type spawnerKey struct {
	userID types.UserID
	name   types.ServerName
}

var _ Client = (*MemClient)(nil)

// NewMemClient returns an empty in-memory store.
func NewMemClient() *MemClient {
	return &MemClient{
		users:      make(map[types.UserID]*User),
		spawners:   make(map[spawnerKey]*Spawner),
		tokens:     make(map[types.TokenID]*APIToken),
		oauth:      make(map[types.OAuthClientID]*OAuthClient),
		services:   make(map[types.ServiceName]*Service),
		shares:     make(map[string]*Share),
		shareCodes: make(map[string]*ShareCode),
	}
}

func (c *MemClient) Close() {}

func copyUser(u *User) *User {
	out := *u
	out.Groups = append([]types.GroupName(nil), u.Groups...)
	out.AuthState = append([]byte(nil), u.AuthState...)
	return &out
}

func copySpawner(s *Spawner) *Spawner {
	out := *s
	if s.State != nil {
		out.State = make(map[string]string, len(s.State))
		for k, v := range s.State {
			out.State[k] = v
		}
	}
	if s.Options != nil {
		out.Options = make(map[string]string, len(s.Options))
		for k, v := range s.Options {
			out.Options[k] = v
		}
	}
	if s.Server != nil {
		srv := *s.Server
		out.Server = &srv
	}
	return &out
}

func copyToken(t *APIToken) *APIToken {
	out := *t
	out.Scopes = copyStrings(t.Scopes)
	if t.Expires != nil {
		e := *t.Expires
		out.Expires = &e
	}
	return &out
}

func copyShare(s *Share) *Share {
	out := *s
	out.Scopes = copyStrings(s.Scopes)
	if s.Expires != nil {
		e := *s.Expires
		out.Expires = &e
	}
	return &out
}

//
// Users
//

func (c *MemClient) CreateUser(_ context.Context, user *User) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.users[user.ID]; ok {
		return ErrAlreadyExists
	}
	for _, existing := range c.users {
		if existing.Name == user.Name {
			return ErrAlreadyExists
		}
	}
	c.users[user.ID] = copyUser(user)
	return nil
}

func (c *MemClient) GetUser(_ context.Context, id types.UserID) (*User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	user, ok := c.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(user), nil
}

func (c *MemClient) GetUserByName(_ context.Context, name types.Username) (*User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, user := range c.users {
		if user.Name == name {
			return copyUser(user), nil
		}
	}
	return nil, ErrNotFound
}

func (c *MemClient) ListUsers(_ context.Context) ([]*User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	users := make([]*User, 0, len(c.users))
	for _, user := range c.users {
		users = append(users, copyUser(user))
	}
	return users, nil
}

func (c *MemClient) UpdateUserAuthState(_ context.Context, id types.UserID, state []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	user, ok := c.users[id]
	if !ok {
		return ErrNotFound
	}
	user.AuthState = append([]byte(nil), state...)
	return nil
}

func (c *MemClient) UpdateUserActivity(_ context.Context, id types.UserID, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	user, ok := c.users[id]
	if !ok {
		return ErrNotFound
	}
	user.LastActivity, _ = monotonic(user.LastActivity, ts)
	return nil
}

func (c *MemClient) DeleteUser(_ context.Context, id types.UserID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	user, ok := c.users[id]
	if !ok {
		return ErrNotFound
	}
	for key, s := range c.spawners {
		if key.userID != id {
			continue
		}
		delete(c.oauth, s.OAuthClientID)
		delete(c.spawners, key)
	}
	for tid, t := range c.tokens {
		if t.UserID == id {
			delete(c.tokens, tid)
		}
	}
	for sid, s := range c.shares {
		if s.OwnerID == id || s.GranteeUser == id {
			delete(c.shares, sid)
		}
	}
	for hash, code := range c.shareCodes {
		if code.OwnerID == id {
			delete(c.shareCodes, hash)
		}
	}
	delete(c.users, user.ID)
	return nil
}

//
// Spawners
//

func (c *MemClient) GetSpawner(_ context.Context, userID types.UserID, name types.ServerName) (*Spawner, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.spawners[spawnerKey{userID, name}]
	if !ok {
		return nil, ErrNotFound
	}
	return copySpawner(s), nil
}

func (c *MemClient) UpsertSpawner(_ context.Context, spawner *Spawner) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spawners[spawnerKey{spawner.UserID, spawner.Name}] = copySpawner(spawner)
	return nil
}

func (c *MemClient) ListRunningSpawners(_ context.Context) ([]*Spawner, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var spawners []*Spawner
	for _, s := range c.spawners {
		if s.Server != nil {
			spawners = append(spawners, copySpawner(s))
		}
	}
	return spawners, nil
}

func (c *MemClient) CountNamedSpawners(_ context.Context, userID types.UserID) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	count := 0
	for key, s := range c.spawners {
		if key.userID == userID && key.name != "" && s.Server != nil {
			count++
		}
	}
	return count, nil
}

func (c *MemClient) ClearSpawnerServer(_ context.Context, userID types.UserID, name types.ServerName) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.spawners[spawnerKey{userID, name}]
	if !ok {
		return nil
	}
	s.Server = nil
	s.StartedAt = time.Time{}
	return nil
}

func (c *MemClient) UpdateSpawnerActivity(_ context.Context, userID types.UserID, name types.ServerName, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.spawners[spawnerKey{userID, name}]
	if !ok {
		return ErrNotFound
	}
	s.LastActivity, _ = monotonic(s.LastActivity, ts)
	return nil
}

func (c *MemClient) DeleteSpawner(_ context.Context, userID types.UserID, name types.ServerName) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.spawners, spawnerKey{userID, name})
	return nil
}

//
// API tokens
//

func (c *MemClient) InsertToken(_ context.Context, token *APIToken) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tokens[token.ID]; ok {
		return ErrAlreadyExists
	}
	c.tokens[token.ID] = copyToken(token)
	return nil
}

func (c *MemClient) LookupTokensByPrefix(_ context.Context, prefix string) ([]*APIToken, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := time.Now()
	var tokens []*APIToken
	for _, t := range c.tokens {
		if t.Prefix == prefix && !t.Expired(now) {
			tokens = append(tokens, copyToken(t))
		}
	}
	return tokens, nil
}

func (c *MemClient) TouchToken(_ context.Context, id types.TokenID, lastUsed time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	token, ok := c.tokens[id]
	if !ok {
		return ErrNotFound
	}
	token.LastUsed, _ = monotonic(token.LastUsed, lastUsed)
	return nil
}

func (c *MemClient) DeleteToken(_ context.Context, id types.TokenID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tokens[id]; !ok {
		return ErrNotFound
	}
	delete(c.tokens, id)
	return nil
}

func (c *MemClient) ListTokensForUser(_ context.Context, userID types.UserID) ([]*APIToken, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := time.Now()
	var tokens []*APIToken
	for _, t := range c.tokens {
		if t.UserID == userID && !t.Expired(now) {
			tokens = append(tokens, copyToken(t))
		}
	}
	return tokens, nil
}

func (c *MemClient) PurgeExpiredTokens(_ context.Context, now time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	purged := 0
	for id, t := range c.tokens {
		if t.Expired(now) {
			delete(c.tokens, id)
			purged++
		}
	}
	return purged, nil
}

//
// OAuth clients
//

func (c *MemClient) InsertOAuthClient(_ context.Context, client *OAuthClient) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.oauth[client.ID]; ok {
		return ErrAlreadyExists
	}
	cl := *client
	c.oauth[client.ID] = &cl
	return nil
}

func (c *MemClient) GetOAuthClient(_ context.Context, id types.OAuthClientID) (*OAuthClient, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	client, ok := c.oauth[id]
	if !ok {
		return nil, ErrNotFound
	}
	cl := *client
	return &cl, nil
}

func (c *MemClient) DeleteOAuthClient(_ context.Context, id types.OAuthClientID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.oauth, id)
	return nil
}

//
// Services
//

func (c *MemClient) UpsertService(_ context.Context, service *Service) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	svc := *service
	if service.Server != nil {
		srv := *service.Server
		svc.Server = &srv
	}
	c.services[service.Name] = &svc
	return nil
}

func (c *MemClient) ListServices(_ context.Context) ([]*Service, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	services := make([]*Service, 0, len(c.services))
	for _, svc := range c.services {
		s := *svc
		if svc.Server != nil {
			srv := *svc.Server
			s.Server = &srv
		}
		services = append(services, &s)
	}
	return services, nil
}

//
// Shares
//

func (c *MemClient) InsertShare(_ context.Context, share *Share) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.shares[share.ID]; ok {
		return ErrAlreadyExists
	}
	c.shares[share.ID] = copyShare(share)
	return nil
}

func (c *MemClient) GetShare(_ context.Context, id string) (*Share, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.shares[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyShare(s), nil
}

func (c *MemClient) ListSharesForOwner(_ context.Context, ownerID types.UserID) ([]*Share, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var shares []*Share
	for _, s := range c.shares {
		if s.OwnerID == ownerID {
			shares = append(shares, copyShare(s))
		}
	}
	return shares, nil
}

func (c *MemClient) DeleteShare(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.shares[id]; !ok {
		return ErrNotFound
	}
	delete(c.shares, id)
	return nil
}

func (c *MemClient) InsertShareCode(_ context.Context, code *ShareCode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.shareCodes[code.HashedCode]; ok {
		return ErrAlreadyExists
	}
	cc := *code
	cc.Scopes = copyStrings(code.Scopes)
	c.shareCodes[code.HashedCode] = &cc
	return nil
}

func (c *MemClient) ConsumeShareCode(_ context.Context, hashedCode string, now time.Time) (*ShareCode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	code, ok := c.shareCodes[hashedCode]
	if !ok || now.After(code.Expires) {
		return nil, ErrNotFound
	}
	// Single use: consuming is deleting.
	delete(c.shareCodes, hashedCode)
	cc := *code
	cc.Scopes = copyStrings(code.Scopes)
	return &cc, nil
}
