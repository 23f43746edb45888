package hubdb

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/helmsmanhq/helmsman/hublogger"
	"github.com/helmsmanhq/helmsman/metadata"
	"github.com/helmsmanhq/helmsman/metadata/heroku"
	"github.com/helmsmanhq/helmsman/routes"
	"github.com/helmsmanhq/helmsman/types"
	"github.com/helmsmanhq/helmsman/utils"
)

// PGClient is the production store, backed by a pgx connection pool.
type PGClient struct {
	pool *pgxpool.Pool
}

var _ Client = (*PGClient)(nil)

// NewPGClient connects to the database for the current environment and
// verifies connectivity with a ping.
func NewPGClient(ctx context.Context) (*PGClient, error) {
	connStr, err := dbConnString()
	if err != nil {
		return nil, utils.MakeError("couldn't determine database connection string: %s", err)
	}

	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, utils.MakeError("unable to parse database connection string: %s", err)
	}
	config.MaxConns = 8

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, utils.MakeError("unable to connect to the database: %s", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, utils.MakeError("database ping failed: %s", err)
	}

	hublogger.Infof("Connected to the %s database", metadata.GetAppEnvironment())
	return &PGClient{pool: pool}, nil
}

// dbConnString finds the database URL, preferring the environment variable
// for local development and falling back to the Heroku config of the app for
// this environment.
func dbConnString() (string, error) {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url, nil
	}
	if metadata.IsLocalEnv() {
		return "", utils.MakeError("DATABASE_URL is not set")
	}
	config, err := heroku.GetConfig()
	if err != nil {
		return "", utils.MakeError("couldn't get Heroku config vars: %s", err)
	}
	return connStringFromConfig(config)
}

// connStringFromConfig picks the database URL out of the app's config
// vars.
func connStringFromConfig(config map[string]string) (string, error) {
	url, ok := config["DATABASE_URL"]
	if !ok || url == "" {
		return "", utils.MakeError("no DATABASE_URL config var on Heroku app %s", heroku.GetAppName())
	}
	return url, nil
}

// Close drains and closes the connection pool.
func (c *PGClient) Close() {
	hublogger.Info("Closing the database connection pool...")
	c.pool.Close()
}

// timestamptz converts an optional expiry into its nullable column value.
func timestamptz(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{Status: pgtype.Null}
	}
	return pgtype.Timestamptz{Time: *t, Status: pgtype.Present}
}

func fromTimestamptz(ts pgtype.Timestamptz) *time.Time {
	if ts.Status != pgtype.Present {
		return nil
	}
	t := ts.Time
	return &t
}

//
// Users
//

func (c *PGClient) CreateUser(ctx context.Context, user *User) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO users (id, name, admin, groups, auth_state, created, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.ID, user.Name, user.Admin, groupNames(user.Groups), user.AuthState, user.Created, user.LastActivity)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return utils.MakeError("couldn't insert user %s: %s", user.Name, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const userColumns = `id, name, admin, groups, auth_state, created, last_activity`

func scanUser(row pgx.Row) (*User, error) {
	var user User
	var groups []string
	err := row.Scan(&user.ID, &user.Name, &user.Admin, &groups, &user.AuthState, &user.Created, &user.LastActivity)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, utils.MakeError("couldn't scan user row: %s", err)
	}
	for _, g := range groups {
		user.Groups = append(user.Groups, types.GroupName(g))
	}
	return &user, nil
}

func groupNames(groups []types.GroupName) []string {
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		out = append(out, string(g))
	}
	return out
}

func (c *PGClient) GetUser(ctx context.Context, id types.UserID) (*User, error) {
	return scanUser(c.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (c *PGClient) GetUserByName(ctx context.Context, name types.Username) (*User, error) {
	return scanUser(c.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE name = $1`, name))
}

func (c *PGClient) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := c.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY name`)
	if err != nil {
		return nil, utils.MakeError("couldn't list users: %s", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (c *PGClient) UpdateUserAuthState(ctx context.Context, id types.UserID, state []byte) error {
	tag, err := c.pool.Exec(ctx, `UPDATE users SET auth_state = $2 WHERE id = $1`, id, state)
	if err != nil {
		return utils.MakeError("couldn't update auth state for user %s: %s", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *PGClient) UpdateUserActivity(ctx context.Context, id types.UserID, ts time.Time) error {
	// The WHERE clause enforces monotonicity: stale timestamps are dropped.
	_, err := c.pool.Exec(ctx, `
		UPDATE users SET last_activity = $2
		WHERE id = $1 AND last_activity < $2`, id, ts)
	if err != nil {
		return utils.MakeError("couldn't update activity for user %s: %s", id, err)
	}
	return nil
}

func (c *PGClient) DeleteUser(ctx context.Context, id types.UserID) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return utils.MakeError("couldn't begin user deletion transaction: %s", err)
	}
	defer tx.Rollback(ctx)

	// Cascade: spawners' OAuth clients, then tokens, shares, spawners, and
	// finally the user row itself.
	if _, err := tx.Exec(ctx, `
		DELETE FROM oauth_clients WHERE id IN
			(SELECT oauth_client_id FROM spawners WHERE user_id = $1)`, id); err != nil {
		return utils.MakeError("couldn't delete OAuth clients for user %s: %s", id, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM api_tokens WHERE user_id = $1`, id); err != nil {
		return utils.MakeError("couldn't delete tokens for user %s: %s", id, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM shares WHERE owner_id = $1 OR grantee_user = $1`, id); err != nil {
		return utils.MakeError("couldn't delete shares for user %s: %s", id, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM share_codes WHERE owner_id = $1`, id); err != nil {
		return utils.MakeError("couldn't delete share codes for user %s: %s", id, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM spawners WHERE user_id = $1`, id); err != nil {
		return utils.MakeError("couldn't delete spawners for user %s: %s", id, err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return utils.MakeError("couldn't delete user %s: %s", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

//
// Spawners
//

const spawnerColumns = `user_id, name, state, options, server, oauth_client_id, token_id, started_at, last_activity`

func scanSpawner(row pgx.Row) (*Spawner, error) {
	var s Spawner
	var state, options, server pgtype.JSONB
	err := row.Scan(&s.UserID, &s.Name, &state, &options, &server, &s.OAuthClientID, &s.TokenID, &s.StartedAt, &s.LastActivity)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, utils.MakeError("couldn't scan spawner row: %s", err)
	}
	if state.Status == pgtype.Present {
		if err := state.AssignTo(&s.State); err != nil {
			return nil, utils.MakeError("couldn't decode spawner state column: %s", err)
		}
	}
	if options.Status == pgtype.Present {
		if err := options.AssignTo(&s.Options); err != nil {
			return nil, utils.MakeError("couldn't decode spawner options column: %s", err)
		}
	}
	if server.Status == pgtype.Present {
		var srv routes.Server
		if err := server.AssignTo(&srv); err != nil {
			return nil, utils.MakeError("couldn't decode server column: %s", err)
		}
		s.Server = &srv
	}
	return &s, nil
}

// jsonbOrNull encodes v as a jsonb column value, mapping nil to SQL NULL.
func jsonbOrNull(v interface{}) (pgtype.JSONB, error) {
	var col pgtype.JSONB
	if v == nil {
		col.Status = pgtype.Null
		return col, nil
	}
	err := col.Set(v)
	return col, err
}

func (c *PGClient) GetSpawner(ctx context.Context, userID types.UserID, name types.ServerName) (*Spawner, error) {
	return scanSpawner(c.pool.QueryRow(ctx,
		`SELECT `+spawnerColumns+` FROM spawners WHERE user_id = $1 AND name = $2`, userID, name))
}

func (c *PGClient) UpsertSpawner(ctx context.Context, spawner *Spawner) error {
	state, err := jsonbOrNull(spawner.State)
	if err != nil {
		return utils.MakeError("couldn't encode spawner state column: %s", err)
	}
	options, err := jsonbOrNull(spawner.Options)
	if err != nil {
		return utils.MakeError("couldn't encode spawner options column: %s", err)
	}
	var server pgtype.JSONB
	if spawner.Server == nil {
		server = pgtype.JSONB{Status: pgtype.Null}
	} else if err := server.Set(spawner.Server); err != nil {
		return utils.MakeError("couldn't encode server column: %s", err)
	}
	_, err = c.pool.Exec(ctx, `
		INSERT INTO spawners (`+spawnerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, name) DO UPDATE SET
			state = $3, options = $4, server = $5, oauth_client_id = $6,
			token_id = $7, started_at = $8, last_activity = $9`,
		spawner.UserID, spawner.Name, state, options, server,
		spawner.OAuthClientID, spawner.TokenID, spawner.StartedAt, spawner.LastActivity)
	if err != nil {
		return utils.MakeError("couldn't upsert spawner %s/%s: %s", spawner.UserID, spawner.Name, err)
	}
	return nil
}

func (c *PGClient) ListRunningSpawners(ctx context.Context) ([]*Spawner, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT `+spawnerColumns+` FROM spawners WHERE server IS NOT NULL`)
	if err != nil {
		return nil, utils.MakeError("couldn't list running spawners: %s", err)
	}
	defer rows.Close()

	var spawners []*Spawner
	for rows.Next() {
		s, err := scanSpawner(rows)
		if err != nil {
			return nil, err
		}
		spawners = append(spawners, s)
	}
	return spawners, rows.Err()
}

func (c *PGClient) CountNamedSpawners(ctx context.Context, userID types.UserID) (int, error) {
	var count int
	err := c.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM spawners WHERE user_id = $1 AND name <> '' AND server IS NOT NULL`, userID).Scan(&count)
	if err != nil {
		return 0, utils.MakeError("couldn't count named spawners for user %s: %s", userID, err)
	}
	return count, nil
}

func (c *PGClient) ClearSpawnerServer(ctx context.Context, userID types.UserID, name types.ServerName) error {
	_, err := c.pool.Exec(ctx, `
		UPDATE spawners SET server = NULL, started_at = 'epoch'
		WHERE user_id = $1 AND name = $2`, userID, name)
	if err != nil {
		return utils.MakeError("couldn't clear server for spawner %s/%s: %s", userID, name, err)
	}
	return nil
}

func (c *PGClient) UpdateSpawnerActivity(ctx context.Context, userID types.UserID, name types.ServerName, ts time.Time) error {
	_, err := c.pool.Exec(ctx, `
		UPDATE spawners SET last_activity = $3
		WHERE user_id = $1 AND name = $2 AND last_activity < $3`, userID, name, ts)
	if err != nil {
		return utils.MakeError("couldn't update activity for spawner %s/%s: %s", userID, name, err)
	}
	return nil
}

func (c *PGClient) DeleteSpawner(ctx context.Context, userID types.UserID, name types.ServerName) error {
	_, err := c.pool.Exec(ctx,
		`DELETE FROM spawners WHERE user_id = $1 AND name = $2`, userID, name)
	if err != nil {
		return utils.MakeError("couldn't delete spawner %s/%s: %s", userID, name, err)
	}
	return nil
}

//
// API tokens
//

const tokenColumns = `id, hashed, prefix, owner_kind, user_id, service, scopes, oauth_client_id, created, expires, last_used`

func scanToken(row pgx.Row) (*APIToken, error) {
	var t APIToken
	var expires pgtype.Timestamptz
	err := row.Scan(&t.ID, &t.Hashed, &t.Prefix, &t.OwnerKind, &t.UserID, &t.Service,
		&t.Scopes, &t.OAuthClientID, &t.Created, &expires, &t.LastUsed)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, utils.MakeError("couldn't scan token row: %s", err)
	}
	t.Expires = fromTimestamptz(expires)
	return &t, nil
}

func (c *PGClient) InsertToken(ctx context.Context, token *APIToken) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO api_tokens (`+tokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		token.ID, token.Hashed, token.Prefix, token.OwnerKind, token.UserID, token.Service,
		token.Scopes, token.OAuthClientID, token.Created, timestamptz(token.Expires), token.LastUsed)
	if err != nil {
		return utils.MakeError("couldn't insert token %s: %s", token.ID, err)
	}
	return nil
}

func (c *PGClient) LookupTokensByPrefix(ctx context.Context, prefix string) ([]*APIToken, error) {
	// Expired rows are invisible to lookups even before the purge pass
	// physically deletes them.
	rows, err := c.pool.Query(ctx, `
		SELECT `+tokenColumns+` FROM api_tokens
		WHERE prefix = $1 AND (expires IS NULL OR expires > now())`, prefix)
	if err != nil {
		return nil, utils.MakeError("couldn't look up tokens by prefix: %s", err)
	}
	defer rows.Close()

	var tokens []*APIToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (c *PGClient) TouchToken(ctx context.Context, id types.TokenID, lastUsed time.Time) error {
	_, err := c.pool.Exec(ctx, `
		UPDATE api_tokens SET last_used = $2
		WHERE id = $1 AND last_used < $2`, id, lastUsed)
	if err != nil {
		return utils.MakeError("couldn't touch token %s: %s", id, err)
	}
	return nil
}

func (c *PGClient) DeleteToken(ctx context.Context, id types.TokenID) error {
	tag, err := c.pool.Exec(ctx, `DELETE FROM api_tokens WHERE id = $1`, id)
	if err != nil {
		return utils.MakeError("couldn't delete token %s: %s", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *PGClient) ListTokensForUser(ctx context.Context, userID types.UserID) ([]*APIToken, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT `+tokenColumns+` FROM api_tokens
		WHERE user_id = $1 AND (expires IS NULL OR expires > now())
		ORDER BY created`, userID)
	if err != nil {
		return nil, utils.MakeError("couldn't list tokens for user %s: %s", userID, err)
	}
	defer rows.Close()

	var tokens []*APIToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (c *PGClient) PurgeExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	tag, err := c.pool.Exec(ctx,
		`DELETE FROM api_tokens WHERE expires IS NOT NULL AND expires <= $1`, now)
	if err != nil {
		return 0, utils.MakeError("couldn't purge expired tokens: %s", err)
	}
	return int(tag.RowsAffected()), nil
}

//
// OAuth clients
//

func (c *PGClient) InsertOAuthClient(ctx context.Context, client *OAuthClient) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO oauth_clients (id, secret_hash, redirect_uri, created)
		VALUES ($1, $2, $3, $4)`,
		client.ID, client.SecretHash, client.RedirectURI, client.Created)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return utils.MakeError("couldn't insert OAuth client %s: %s", client.ID, err)
	}
	return nil
}

func (c *PGClient) GetOAuthClient(ctx context.Context, id types.OAuthClientID) (*OAuthClient, error) {
	var client OAuthClient
	err := c.pool.QueryRow(ctx, `
		SELECT id, secret_hash, redirect_uri, created FROM oauth_clients WHERE id = $1`, id).
		Scan(&client.ID, &client.SecretHash, &client.RedirectURI, &client.Created)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, utils.MakeError("couldn't get OAuth client %s: %s", id, err)
	}
	return &client, nil
}

func (c *PGClient) DeleteOAuthClient(ctx context.Context, id types.OAuthClientID) error {
	_, err := c.pool.Exec(ctx, `DELETE FROM oauth_clients WHERE id = $1`, id)
	if err != nil {
		return utils.MakeError("couldn't delete OAuth client %s: %s", id, err)
	}
	return nil
}

//
// Services
//

func (c *PGClient) UpsertService(ctx context.Context, service *Service) error {
	var server pgtype.JSONB
	if service.Server == nil {
		server = pgtype.JSONB{Status: pgtype.Null}
	} else if err := server.Set(service.Server); err != nil {
		return utils.MakeError("couldn't encode service server column: %s", err)
	}
	_, err := c.pool.Exec(ctx, `
		INSERT INTO services (name, admin, server) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET admin = $2, server = $3`,
		service.Name, service.Admin, server)
	if err != nil {
		return utils.MakeError("couldn't upsert service %s: %s", service.Name, err)
	}
	return nil
}

func (c *PGClient) ListServices(ctx context.Context) ([]*Service, error) {
	rows, err := c.pool.Query(ctx, `SELECT name, admin, server FROM services ORDER BY name`)
	if err != nil {
		return nil, utils.MakeError("couldn't list services: %s", err)
	}
	defer rows.Close()

	var services []*Service
	for rows.Next() {
		var svc Service
		var server pgtype.JSONB
		if err := rows.Scan(&svc.Name, &svc.Admin, &server); err != nil {
			return nil, utils.MakeError("couldn't scan service row: %s", err)
		}
		if server.Status == pgtype.Present {
			var srv routes.Server
			if err := server.AssignTo(&srv); err != nil {
				return nil, utils.MakeError("couldn't decode service server column: %s", err)
			}
			svc.Server = &srv
		}
		services = append(services, &svc)
	}
	return services, rows.Err()
}

//
// Shares
//

const shareColumns = `id, owner_id, server_name, grantee_user, grantee_group, scopes, created, expires`

func (c *PGClient) InsertShare(ctx context.Context, share *Share) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO shares (`+shareColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		share.ID, share.OwnerID, share.ServerName, share.GranteeUser, share.GranteeGroup,
		share.Scopes, share.Created, timestamptz(share.Expires))
	if err != nil {
		return utils.MakeError("couldn't insert share %s: %s", share.ID, err)
	}
	return nil
}

func (c *PGClient) GetShare(ctx context.Context, id string) (*Share, error) {
	var s Share
	var expires pgtype.Timestamptz
	err := c.pool.QueryRow(ctx,
		`SELECT `+shareColumns+` FROM shares WHERE id = $1`, id).Scan(
		&s.ID, &s.OwnerID, &s.ServerName, &s.GranteeUser, &s.GranteeGroup,
		&s.Scopes, &s.Created, &expires)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, utils.MakeError("couldn't get share %s: %s", id, err)
	}
	s.Expires = fromTimestamptz(expires)
	return &s, nil
}

func (c *PGClient) ListSharesForOwner(ctx context.Context, ownerID types.UserID) ([]*Share, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT `+shareColumns+` FROM shares WHERE owner_id = $1 ORDER BY created`, ownerID)
	if err != nil {
		return nil, utils.MakeError("couldn't list shares for user %s: %s", ownerID, err)
	}
	defer rows.Close()

	var shares []*Share
	for rows.Next() {
		var s Share
		var expires pgtype.Timestamptz
		if err := rows.Scan(&s.ID, &s.OwnerID, &s.ServerName, &s.GranteeUser, &s.GranteeGroup,
			&s.Scopes, &s.Created, &expires); err != nil {
			return nil, utils.MakeError("couldn't scan share row: %s", err)
		}
		s.Expires = fromTimestamptz(expires)
		shares = append(shares, &s)
	}
	return shares, rows.Err()
}

func (c *PGClient) DeleteShare(ctx context.Context, id string) error {
	tag, err := c.pool.Exec(ctx, `DELETE FROM shares WHERE id = $1`, id)
	if err != nil {
		return utils.MakeError("couldn't delete share %s: %s", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *PGClient) InsertShareCode(ctx context.Context, code *ShareCode) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO share_codes (id, hashed_code, owner_id, server_name, scopes, expires)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		code.ID, code.HashedCode, code.OwnerID, code.ServerName, code.Scopes, code.Expires)
	if err != nil {
		return utils.MakeError("couldn't insert share code %s: %s", code.ID, err)
	}
	return nil
}

func (c *PGClient) ConsumeShareCode(ctx context.Context, hashedCode string, now time.Time) (*ShareCode, error) {
	// DELETE ... RETURNING makes lookup-and-consume a single atomic
	// statement, so concurrent redemptions can't both win.
	var code ShareCode
	err := c.pool.QueryRow(ctx, `
		DELETE FROM share_codes
		WHERE hashed_code = $1 AND expires > $2
		RETURNING id, hashed_code, owner_id, server_name, scopes, expires`,
		hashedCode, now).
		Scan(&code.ID, &code.HashedCode, &code.OwnerID, &code.ServerName, &code.Scopes, &code.Expires)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, utils.MakeError("couldn't consume share code: %s", err)
	}
	return &code, nil
}
