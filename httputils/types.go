package httputils

import (
	"github.com/helmsmanhq/helmsman/types"
)

// SpawnServerRequest asks the control plane to start a user's server.
type SpawnServerRequest struct {
	Username   types.Username    `json:"username"`
	ServerName types.ServerName  `json:"server_name,omitempty"`
	Options    map[string]string `json:"options,omitempty"`

	ResultChan chan RequestResult `json:"-"`
}

// SpawnServerResult is the data returned by the spawn endpoint.
type SpawnServerResult struct {
	URL     string `json:"url"`
	Pending bool   `json:"pending"`
}

func (s *SpawnServerRequest) ReturnResult(result interface{}, err error) {
	s.ResultChan <- RequestResult{
		Result: result,
		Err:    err,
	}
}

func (s *SpawnServerRequest) CreateResultChan() {
	if s.ResultChan == nil {
		s.ResultChan = make(chan RequestResult)
	}
}

// StopServerRequest asks the control plane to stop a user's server. Force
// skips the backend's graceful shutdown path.
type StopServerRequest struct {
	Username   types.Username   `json:"username"`
	ServerName types.ServerName `json:"server_name,omitempty"`
	Force      bool             `json:"force,omitempty"`

	ResultChan chan RequestResult `json:"-"`
}

func (s *StopServerRequest) ReturnResult(result interface{}, err error) {
	s.ResultChan <- RequestResult{
		Result: result,
		Err:    err,
	}
}

func (s *StopServerRequest) CreateResultChan() {
	if s.ResultChan == nil {
		s.ResultChan = make(chan RequestResult)
	}
}
