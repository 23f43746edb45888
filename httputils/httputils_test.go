package httputils

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/helmsmanhq/helmsman/utils"
)

func TestParseRequest(t *testing.T) {
	body, err := json.Marshal(map[string]interface{}{
		"username":    "ada",
		"server_name": "alpha",
		"options":     map[string]string{"image": "scipy"},
	})
	if err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest(http.MethodPost, "/api/spawn", bytes.NewReader(body))
	w := httptest.NewRecorder()

	var req SpawnServerRequest
	if err := ParseRequest(w, r, &req); err != nil {
		t.Fatalf("parse failed: %s", err)
	}
	if req.Username != "ada" || req.ServerName != "alpha" {
		t.Fatalf("parsed %q/%q, want ada/alpha", req.Username, req.ServerName)
	}
	if req.Options["image"] != "scipy" {
		t.Fatalf("options didn't survive the parse: %v", req.Options)
	}
	if req.ResultChan == nil {
		t.Fatal("result channel wasn't created")
	}
}

func TestParseRequestRejectsGarbage(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/spawn", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()

	var req SpawnServerRequest
	if err := ParseRequest(w, r, &req); err == nil {
		t.Fatal("garbage body parsed without error")
	}
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestVerifyRequestType(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/spawn", nil)
	w := httptest.NewRecorder()

	if err := VerifyRequestType(w, r, http.MethodPost); err == nil {
		t.Fatal("GET passed a POST-only check")
	}
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	r = httptest.NewRequest(http.MethodPost, "/api/spawn", nil)
	w = httptest.NewRecorder()
	if err := VerifyRequestType(w, r, http.MethodPost); err != nil {
		t.Fatalf("POST failed a POST-only check: %s", err)
	}
}

func TestRequestResultSend(t *testing.T) {
	w := httptest.NewRecorder()
	RequestResult{Result: SpawnServerResult{URL: "/user/ada/"}}.Send(w)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var envelope struct {
		Result SpawnServerResult `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Result.URL != "/user/ada/" {
		t.Fatalf("result URL = %q", envelope.Result.URL)
	}

	w = httptest.NewRecorder()
	RequestResult{Err: utils.MakeError("server imploded")}.Send(w)
	if w.Code != http.StatusNotAcceptable {
		t.Fatalf("error status = %d, want %d", w.Code, http.StatusNotAcceptable)
	}
	var failure struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &failure); err != nil {
		t.Fatal(err)
	}
	if failure.Error != "server imploded" {
		t.Fatalf("error body = %q", failure.Error)
	}
}

func TestEnableCORS(t *testing.T) {
	called := false
	handler := EnableCORS(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	r := httptest.NewRequest(http.MethodOptions, "/api/spawn", nil)
	w := httptest.NewRecorder()
	handler(w, r)
	if called {
		t.Fatal("preflight reached the handler")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin = %q", got)
	}

	r = httptest.NewRequest(http.MethodPost, "/api/spawn", nil)
	w = httptest.NewRecorder()
	handler(w, r)
	if !called {
		t.Fatal("real request never reached the handler")
	}
}
