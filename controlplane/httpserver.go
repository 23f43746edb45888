package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v3"

	"github.com/helmsmanhq/helmsman/httputils"
	"github.com/helmsmanhq/helmsman/hubdb"
	"github.com/helmsmanhq/helmsman/hublogger"
	"github.com/helmsmanhq/helmsman/orchestrator"
	"github.com/helmsmanhq/helmsman/serviceauth"
	"github.com/helmsmanhq/helmsman/shares"
	"github.com/helmsmanhq/helmsman/tokens"
	"github.com/helmsmanhq/helmsman/types"
	"github.com/helmsmanhq/helmsman/utils"
)

// apiServer carries the API handlers' shared dependencies.
type apiServer struct {
	db     hubdb.Client
	orch   *orchestrator.Orchestrator
	tokens *tokens.Store
	shares *shares.Service
}

// requestIdentity is who a verified API token belongs to. It marshals as
// the verification endpoint's response body, so external services can
// depend on the field names.
type requestIdentity struct {
	Kind   types.OwnerKind `json:"kind"`
	Name   string          `json:"name"`
	Admin  bool            `json:"admin"`
	Scopes []string        `json:"scopes"`

	user *hubdb.User // nil for service tokens
}

// identify resolves the request's token to its owner. It doesn't write to
// w; callers decide how a failure maps to a response.
func (s *apiServer) identify(r *http.Request) (*requestIdentity, error) {
	cleartext := serviceauth.TokenFromRequest(r)
	if cleartext == "" {
		return nil, tokens.ErrInvalidToken
	}
	token, err := s.tokens.Lookup(r.Context(), cleartext)
	if err != nil {
		return nil, err
	}

	identity := &requestIdentity{Kind: token.OwnerKind, Scopes: token.Scopes}
	switch token.OwnerKind {
	case types.OwnerUser:
		user, err := s.db.GetUser(r.Context(), token.UserID)
		if err != nil {
			return nil, err
		}
		identity.Name = string(user.Name)
		identity.Admin = user.Admin
		identity.user = user
	case types.OwnerService:
		identity.Name = string(token.Service)
		services, err := s.db.ListServices(r.Context())
		if err != nil {
			return nil, err
		}
		for _, service := range services {
			if service.Name == token.Service {
				identity.Admin = service.Admin
				break
			}
		}
	default:
		return nil, utils.MakeError("token %s has unknown owner kind %q", token.ID, token.OwnerKind)
	}
	return identity, nil
}

// requireIdentity is identify plus the 403 on failure.
func (s *apiServer) requireIdentity(w http.ResponseWriter, r *http.Request) *requestIdentity {
	identity, err := s.identify(r)
	if err != nil {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return nil
	}
	return identity
}

// canActFor says whether the identity may operate on username's resources:
// admins can act for anyone, users only for themselves.
func (identity *requestIdentity) canActFor(username types.Username) bool {
	if identity.Admin {
		return true
	}
	return identity.Kind == types.OwnerUser && identity.Name == string(username)
}

// processSpawnRequest authenticates and parses a spawn request and queues
// it for the processing loop.
func (s *apiServer) processSpawnRequest(w http.ResponseWriter, r *http.Request, queue chan<- httputils.ServerRequest) {
	if err := httputils.VerifyRequestType(w, r, http.MethodPost); err != nil {
		return
	}
	identity := s.requireIdentity(w, r)
	if identity == nil {
		return
	}

	var req httputils.SpawnServerRequest
	if err := httputils.ParseRequest(w, r, &req); err != nil {
		hublogger.Errorf("Couldn't parse spawn request: %s", err)
		return
	}
	if !identity.canActFor(req.Username) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	queue <- &req
	result := <-req.ResultChan
	if result.Err != nil {
		var concErr *orchestrator.ConcurrencyError
		if errors.As(result.Err, &concErr) {
			w.Header().Set("Retry-After", utils.Sprintf("%d", int(concErr.RetryAfter.Seconds())))
			http.Error(w, concErr.Error(), http.StatusTooManyRequests)
			return
		}
		if result.Err == orchestrator.ErrSpawnPending {
			httputils.SendJSON(w, http.StatusAccepted, httputils.SpawnServerResult{Pending: true})
			return
		}
	}
	result.Send(w)
}

// processStopRequest authenticates and parses a stop request and queues it
// for the processing loop.
func (s *apiServer) processStopRequest(w http.ResponseWriter, r *http.Request, queue chan<- httputils.ServerRequest) {
	if err := httputils.VerifyRequestType(w, r, http.MethodPost); err != nil {
		return
	}
	identity := s.requireIdentity(w, r)
	if identity == nil {
		return
	}

	var req httputils.StopServerRequest
	if err := httputils.ParseRequest(w, r, &req); err != nil {
		hublogger.Errorf("Couldn't parse stop request: %s", err)
		return
	}
	if !identity.canActFor(req.Username) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	queue <- &req
	result := <-req.ResultChan
	result.Send(w)
}

// handleTokenVerification serves the verification endpoint external
// services call through their serviceauth Verifier: the target token rides
// in the path, the caller's own token in the Authorization header.
func (s *apiServer) handleTokenVerification(w http.ResponseWriter, r *http.Request) {
	if err := httputils.VerifyRequestType(w, r, http.MethodGet); err != nil {
		return
	}
	if s.requireIdentity(w, r) == nil {
		return
	}

	escaped := strings.TrimPrefix(r.URL.Path, "/api/authorizations/token/")
	target, err := url.PathUnescape(escaped)
	if err != nil || target == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	token, err := s.tokens.Lookup(r.Context(), target)
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	identity := &requestIdentity{Kind: token.OwnerKind, Scopes: token.Scopes}
	switch token.OwnerKind {
	case types.OwnerUser:
		user, uerr := s.db.GetUser(r.Context(), token.UserID)
		if uerr != nil {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		identity.Name = string(user.Name)
		identity.Admin = user.Admin
	case types.OwnerService:
		identity.Name = string(token.Service)
	}
	httputils.SendJSON(w, http.StatusOK, identity)
}

// handleUsers covers POST /api/users (create) and GET/DELETE
// /api/users/{name}.
func (s *apiServer) handleUsers(w http.ResponseWriter, r *http.Request) {
	identity := s.requireIdentity(w, r)
	if identity == nil {
		return
	}
	if !identity.Admin {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/users"), "/")
	switch {
	case r.Method == http.MethodPost && name == "":
		var body struct {
			Name  types.Username `json:"name"`
			Admin bool           `json:"admin"`
		}
		if err := decodeJSONBody(w, r, &body); err != nil {
			return
		}
		if body.Name == "" {
			http.Error(w, "Name is required", http.StatusBadRequest)
			return
		}
		user := &hubdb.User{
			ID:      types.UserID(shortuuid.New()),
			Name:    body.Name,
			Admin:   body.Admin,
			Created: time.Now(),
		}
		if err := s.db.CreateUser(r.Context(), user); err == hubdb.ErrAlreadyExists {
			http.Error(w, "User already exists", http.StatusConflict)
			return
		} else if err != nil {
			hublogger.Errorf("Couldn't create user %s: %s", body.Name, err)
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		httputils.SendJSON(w, http.StatusCreated, userModel(user))

	case r.Method == http.MethodGet && name != "":
		user, err := s.db.GetUserByName(r.Context(), types.Username(name))
		if err != nil {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		httputils.SendJSON(w, http.StatusOK, userModel(user))

	case r.Method == http.MethodDelete && name != "":
		user, err := s.db.GetUserByName(r.Context(), types.Username(name))
		if err != nil {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		// A user with a live server, named ones included, can't be
		// deleted out from under it.
		if live := s.orch.ActiveServers(user.ID); len(live) > 0 {
			http.Error(w, "User has a running server", http.StatusConflict)
			return
		}
		if err := s.db.DeleteUser(r.Context(), user.ID); err != nil {
			hublogger.Errorf("Couldn't delete user %s: %s", name, err)
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Bad request", http.StatusBadRequest)
	}
}

// handleActivity lets a running server (or anyone holding the user's
// token) report activity, keeping the idle culler honest.
func (s *apiServer) handleActivity(w http.ResponseWriter, r *http.Request) {
	if err := httputils.VerifyRequestType(w, r, http.MethodPost); err != nil {
		return
	}
	identity := s.requireIdentity(w, r)
	if identity == nil {
		return
	}

	var body struct {
		Username     types.Username   `json:"username"`
		ServerName   types.ServerName `json:"server_name,omitempty"`
		LastActivity time.Time        `json:"last_activity"`
	}
	if err := decodeJSONBody(w, r, &body); err != nil {
		return
	}
	if !identity.canActFor(body.Username) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	user, err := s.db.GetUserByName(r.Context(), body.Username)
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	ts := body.LastActivity
	if ts.IsZero() {
		ts = time.Now()
	}

	if err := s.orch.NoteUserActivity(r.Context(), user.ID, ts); err != nil {
		hublogger.Errorf("Couldn't record activity for %s: %s", body.Username, err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if err := s.orch.NoteServerActivity(r.Context(), user.ID, body.ServerName, ts); err != nil && err != hubdb.ErrNotFound {
		hublogger.Errorf("Couldn't record server activity for %s/%s: %s", body.Username, body.ServerName, err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleShares covers the share endpoints: grant, list, revoke, mint an
// exchange code, redeem one.
func (s *apiServer) handleShares(w http.ResponseWriter, r *http.Request) {
	identity := s.requireIdentity(w, r)
	if identity == nil {
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/shares"), "/")
	switch {
	case r.Method == http.MethodPost && rest == "":
		var body struct {
			Owner        types.Username   `json:"owner"`
			ServerName   types.ServerName `json:"server_name,omitempty"`
			GranteeUser  types.Username   `json:"user,omitempty"`
			GranteeGroup types.GroupName  `json:"group,omitempty"`
			Scopes       []string         `json:"scopes"`
			ExpiresIn    int64            `json:"expires_in,omitempty"` // seconds
		}
		if err := decodeJSONBody(w, r, &body); err != nil {
			return
		}
		if !identity.canActFor(body.Owner) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		owner, err := s.db.GetUserByName(r.Context(), body.Owner)
		if err != nil {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		req := shares.GrantRequest{
			OwnerID:      owner.ID,
			ServerName:   body.ServerName,
			GranteeGroup: body.GranteeGroup,
			Scopes:       body.Scopes,
			ExpiresIn:    time.Duration(body.ExpiresIn) * time.Second,
		}
		if body.GranteeUser != "" {
			grantee, gerr := s.db.GetUserByName(r.Context(), body.GranteeUser)
			if gerr != nil {
				http.Error(w, "Grantee not found", http.StatusNotFound)
				return
			}
			req.GranteeUser = grantee.ID
		}
		share, err := s.shares.Grant(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		httputils.SendJSON(w, http.StatusCreated, share)

	case r.Method == http.MethodGet && rest == "":
		owner, err := s.db.GetUserByName(r.Context(), types.Username(r.URL.Query().Get("owner")))
		if err != nil {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		if !identity.canActFor(owner.Name) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		list, err := s.shares.List(r.Context(), owner.ID)
		if err != nil {
			hublogger.Errorf("Couldn't list shares for %s: %s", owner.Name, err)
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		httputils.SendJSON(w, http.StatusOK, list)

	case r.Method == http.MethodPost && rest == "code":
		var body struct {
			Owner      types.Username   `json:"owner"`
			ServerName types.ServerName `json:"server_name,omitempty"`
			Scopes     []string         `json:"scopes"`
			ExpiresIn  int64            `json:"expires_in,omitempty"` // seconds
		}
		if err := decodeJSONBody(w, r, &body); err != nil {
			return
		}
		if !identity.canActFor(body.Owner) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		owner, err := s.db.GetUserByName(r.Context(), body.Owner)
		if err != nil {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		code, err := s.shares.MintCode(r.Context(), owner.ID, body.ServerName, body.Scopes, time.Duration(body.ExpiresIn)*time.Second)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		httputils.SendJSON(w, http.StatusCreated, map[string]string{"code": code})

	case r.Method == http.MethodPost && rest == "redeem":
		if identity.user == nil {
			http.Error(w, "Only users can redeem codes", http.StatusForbidden)
			return
		}
		var body struct {
			Code string `json:"code"`
		}
		if err := decodeJSONBody(w, r, &body); err != nil {
			return
		}
		share, err := s.shares.Redeem(r.Context(), body.Code, identity.user.ID)
		if err == shares.ErrInvalidCode {
			http.Error(w, "Invalid code", http.StatusNotFound)
			return
		} else if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		httputils.SendJSON(w, http.StatusCreated, share)

	case r.Method == http.MethodDelete && rest != "":
		share, err := s.db.GetShare(r.Context(), rest)
		if err != nil {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		owner, err := s.db.GetUser(r.Context(), share.OwnerID)
		if err != nil || !identity.canActFor(owner.Name) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		if err := s.shares.Revoke(r.Context(), share.ID); err != nil {
			hublogger.Errorf("Couldn't revoke share %s: %s", share.ID, err)
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Bad request", http.StatusBadRequest)
	}
}

// decodeJSONBody unmarshals the request body into v, answering the 400
// itself on failure.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Malformed body", http.StatusBadRequest)
		return utils.MakeError("couldn't decode body of request on %s to URL %s: %s", r.Host, r.URL, err)
	}
	return nil
}

// userModel is the user representation the API returns: everything except
// the sealed auth state.
func userModel(user *hubdb.User) map[string]interface{} {
	return map[string]interface{}{
		"id":            user.ID,
		"name":          user.Name,
		"admin":         user.Admin,
		"groups":        user.Groups,
		"created":       user.Created,
		"last_activity": user.LastActivity,
	}
}

// StartHTTPServer binds the API and returns the queue the processing loop
// consumes spawn/stop requests from.
func StartHTTPServer(globalCtx context.Context, globalCancel context.CancelFunc, goroutineTracker *sync.WaitGroup, config Config, api *apiServer) (<-chan httputils.ServerRequest, error) {
	hublogger.Info("Setting up the API server.")

	// Buffered so a burst of requests doesn't block handlers on the
	// processing loop.
	queue := make(chan httputils.ServerRequest, 100)

	withQueue := func(f func(http.ResponseWriter, *http.Request, chan<- httputils.ServerRequest)) func(http.ResponseWriter, *http.Request) {
		return func(w http.ResponseWriter, r *http.Request) {
			f(w, r, queue)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/", http.NotFoundHandler())
	mux.HandleFunc("/api/spawn", httputils.EnableCORS(withQueue(api.processSpawnRequest)))
	mux.HandleFunc("/api/stop", httputils.EnableCORS(withQueue(api.processStopRequest)))
	mux.HandleFunc("/api/authorizations/token/", api.handleTokenVerification)
	mux.HandleFunc("/api/users", api.handleUsers)
	mux.HandleFunc("/api/users/", api.handleUsers)
	mux.HandleFunc("/api/activity", api.handleActivity)
	mux.HandleFunc("/api/shares", api.handleShares)
	mux.HandleFunc("/api/shares/", api.handleShares)
	mux.HandleFunc("/api/events", api.handleEventFeed)

	server := &http.Server{
		Addr:    config.BindAddr,
		Handler: mux,
	}

	goroutineTracker.Add(1)
	go func() {
		defer goroutineTracker.Done()

		goroutineTracker.Add(1)
		go func() {
			defer goroutineTracker.Done()
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				close(queue)
				hublogger.Panicf(globalCancel, "Couldn't listen and serve the API: %s", err)
			}
		}()

		<-globalCtx.Done()

		hublogger.Infof("Shutting down the API server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			hublogger.Infof("Shut down the API server with error %s", err)
		} else {
			hublogger.Info("Gracefully shut down the API server.")
		}
	}()

	return queue, nil
}
