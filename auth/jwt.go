package auth

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"github.com/helmsmanhq/helmsman/hublogger"
	"github.com/helmsmanhq/helmsman/types"
	"github.com/helmsmanhq/helmsman/utils"
)

func init() {
	Register("jwt", newJWTAuthenticator)
}

// Audience is an alias for []string with some custom deserialization
// behavior. It is used to store the value of an access token's "aud" claim,
// which may be either a JSON string or a list of strings.
type Audience []string

// Scopes is an alias for []string with some custom deserialization
// behavior. It is used to store the value of an access token's "scope"
// claim, a string of space-separated words.
type Scopes []string

// UnmarshalJSON unmarshals a JSON string or list of strings into an
// *Audience. It overwrites the contents of *audience with the unmarshalled
// data.
func (audience *Audience) UnmarshalJSON(data []byte) error {
	var aud string

	err := json.Unmarshal(data, (*[]string)(audience))
	switch v := err.(type) {
	case *json.UnmarshalTypeError:
		// Not a list; fall through and try a bare string.
	default:
		return v
	}

	if err := json.Unmarshal(data, &aud); err != nil {
		return err
	}
	*audience = append((*audience)[0:0], aud)
	return nil
}

// UnmarshalJSON unmarshals a space-separated string of words into a *Scopes.
func (scopes *Scopes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*scopes = append((*scopes)[0:0], strings.Fields(s)...)
	return nil
}

// AccessClaims models the claims we require in an upstream-issued access
// token.
type AccessClaims struct {
	jwt.RegisteredClaims

	Audience Audience `json:"aud"`
	Scopes   Scopes   `json:"scope"`

	// PreferredUsername is the login name; we fall back to the "sub" claim
	// when it is absent.
	PreferredUsername string `json:"preferred_username"`
	GroupClaims       []string `json:"groups"`
}

// VerifyAudience compares the "aud" claim against cmp. If req is false it
// also accepts an unset claim.
func (claims *AccessClaims) VerifyAudience(cmp string, req bool) bool {
	c := &jwt.MapClaims{"aud": []string(claims.Audience)}
	return c.VerifyAudience(cmp, req)
}

// VerifyScope reports whether claims.Scopes contains the requested scope.
func (claims *AccessClaims) VerifyScope(scope string) bool {
	for _, s := range claims.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// adminScope in the token grants hub-admin rights.
const adminScope = "helmsman:admin"

// jwtAuthenticator verifies RS256 access tokens against the issuer's JWKS
// endpoint. The key set refreshes hourly and on unknown key IDs.
type jwtAuthenticator struct {
	aud  string
	iss  string
	jwks *keyfunc.JWKS
}

func newJWTAuthenticator() (Authenticator, error) {
	aud := os.Getenv("HELMSMAN_JWT_AUDIENCE")
	iss := os.Getenv("HELMSMAN_JWT_ISSUER")
	if aud == "" || iss == "" {
		return nil, utils.MakeError("the jwt authenticator needs HELMSMAN_JWT_AUDIENCE and HELMSMAN_JWT_ISSUER")
	}
	if !strings.HasSuffix(iss, "/") {
		iss += "/"
	}

	refreshInterval := time.Hour
	refreshUnknown := true
	jwks, err := keyfunc.Get(iss+".well-known/jwks.json", keyfunc.Options{
		RefreshInterval: refreshInterval,
		RefreshErrorHandler: func(err error) {
			hublogger.Errorf("Error refreshing JWKS: %s", err)
		},
		RefreshUnknownKID: refreshUnknown,
	})
	if err != nil {
		return nil, utils.MakeError("couldn't get JWKS from %s: %s", iss, err)
	}
	hublogger.Infof("Got JWKS from %s", iss)

	return &jwtAuthenticator{aud: aud, iss: iss, jwks: jwks}, nil
}

func (a *jwtAuthenticator) Name() string {
	return "jwt"
}

func (a *jwtAuthenticator) Authenticate(_ context.Context, creds Credentials) (*Identity, error) {
	claims, err := a.verify(creds.Token)
	if err != nil {
		hublogger.Warningf("Rejected access token: %s", err)
		return nil, ErrAccessDenied
	}

	username := types.Username(claims.PreferredUsername)
	if username == "" {
		username = types.Username(claims.Subject)
	}
	if username == "" {
		return nil, ErrAccessDenied
	}

	identity := &Identity{
		Username: username,
		Admin:    claims.VerifyScope(adminScope),
	}
	for _, g := range claims.GroupClaims {
		identity.Groups = append(identity.Groups, types.GroupName(g))
	}
	// The raw token is the implementation-private state: PreSpawn forwards
	// it to the server so it can call upstream APIs as the user.
	identity.AuthState = []byte(creds.Token)
	return identity, nil
}

// verify parses a raw access token, checks its signature against the JWKS,
// and validates issuer and audience.
func (a *jwtAuthenticator) verify(tokenString string) (*AccessClaims, error) {
	claims := new(AccessClaims)
	if _, err := jwt.ParseWithClaims(tokenString, claims, a.jwks.Keyfunc); err != nil {
		return nil, err
	}

	if !claims.VerifyAudience(a.aud, true) {
		return nil, jwt.NewValidationError(
			utils.Sprintf("bad audience %s", claims.Audience),
			jwt.ValidationErrorAudience,
		)
	}
	if !claims.VerifyIssuer(a.iss, true) {
		return nil, jwt.NewValidationError(
			utils.Sprintf("bad issuer %s", claims.Issuer),
			jwt.ValidationErrorIssuer,
		)
	}
	return claims, nil
}

func (a *jwtAuthenticator) PreSpawn(_ context.Context, _ types.Username, authState []byte) (map[string]string, error) {
	if len(authState) == 0 {
		return nil, nil
	}
	return map[string]string{"UPSTREAM_ACCESS_TOKEN": string(authState)}, nil
}

func (a *jwtAuthenticator) PostStop(context.Context, types.Username) error {
	return nil
}
