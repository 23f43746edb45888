/*
Package httputils carries the HTTP plumbing shared by the control plane's
API handlers: the ServerRequest result-channel pattern, the JSON response
envelope, and small request helpers.
*/
package httputils // import "github.com/helmsmanhq/helmsman/httputils"

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/helmsmanhq/helmsman/hublogger"
	"github.com/helmsmanhq/helmsman/utils"
)

// A ServerRequest is a parsed API request handed to the processing loop.
// The handler blocks on the result channel; the consumer answers through
// ReturnResult.
type ServerRequest interface {
	ReturnResult(result interface{}, err error)
	CreateResultChan()
}

// A RequestResult is the outcome of a processed request.
type RequestResult struct {
	Result interface{} `json:"-"`
	Err    error       `json:"error"`
}

// Send writes the result as the JSON response envelope. Errors go out as
// 406 with the error string in the body.
func (r RequestResult) Send(w http.ResponseWriter) {
	var buf []byte
	var err error
	var status int

	if r.Err != nil {
		status = http.StatusNotAcceptable
		buf, err = json.Marshal(
			struct {
				Result interface{} `json:"result"`
				Error  string      `json:"error"`
			}{r.Result, r.Err.Error()},
		)
	} else {
		status = http.StatusOK
		buf, err = json.Marshal(
			struct {
				Result interface{} `json:"result"`
			}{r.Result},
		)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err != nil {
		hublogger.Errorf("Couldn't marshal a %v HTTP response body: %s", status, err)
	}
	_, _ = w.Write(buf)
}

// SendJSON writes v as a plain JSON response with the given status.
func SendJSON(w http.ResponseWriter, status int, v interface{}) {
	buf, err := json.Marshal(v)
	if err != nil {
		hublogger.Errorf("Couldn't marshal a %v HTTP response body: %s", status, err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf)
}

// ParseRequest unmarshals the request body into s and sets up its result
// channel. It writes the 400 itself so callers only have to log.
func ParseRequest(w http.ResponseWriter, r *http.Request, s ServerRequest) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Malformed body", http.StatusBadRequest)
		return utils.MakeError("couldn't read body of request on %s to URL %s: %s", r.Host, r.URL, err)
	}

	if err := json.Unmarshal(body, s); err != nil {
		http.Error(w, "Malformed body", http.StatusBadRequest)
		return utils.MakeError("couldn't unmarshal body of request on %s to URL %s: %s", r.Host, r.URL, err)
	}

	s.CreateResultChan()
	return nil
}

// VerifyRequestType rejects requests whose method isn't the expected one.
func VerifyRequestType(w http.ResponseWriter, r *http.Request, method string) error {
	if r == nil {
		err := utils.MakeError("received a nil request expecting to be type %s", method)
		hublogger.Error(err)
		http.Error(w, utils.Sprintf("Bad request. Expected %s, got nil", method), http.StatusBadRequest)
		return err
	}

	if r.Method != method {
		err := utils.MakeError("received a request on %s to URL %s of type %s, but it should have been type %s", r.Host, r.URL, r.Method, method)
		hublogger.Error(err)
		http.Error(w, utils.Sprintf("Bad request type. Expected %s, got %s", method, r.Method), http.StatusBadRequest)
		return err
	}
	return nil
}

// EnableCORS sets the access-control headers accepting requests from all
// origins, answering preflights directly.
func EnableCORS(f func(http.ResponseWriter, *http.Request)) func(http.ResponseWriter, *http.Request) {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Access-Control-Allow-Origin", "*")
		rw.Header().Set("Access-Control-Allow-Headers", "Origin Accept Content-Type Authorization X-Requested-With")
		rw.Header().Set("Access-Control-Allow-Methods", "GET POST DELETE OPTIONS")

		if r.Method == http.MethodOptions {
			http.Error(rw, "No Content", http.StatusNoContent)
			return
		}

		f(rw, r)
	}
}
