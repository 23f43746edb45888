package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/helmsmanhq/helmsman/types"
	"github.com/helmsmanhq/helmsman/utils"
)

// requestTimeout bounds each individual proxy API call.
const requestTimeout = 20 * time.Second

// APIClient drives the proxy's REST API. Requests pass through a rate
// limiter so that reconciling a large route table can't flood the proxy,
// which also has traffic to serve.
type APIClient struct {
	apiURL  string // e.g. http://127.0.0.1:8001/api/routes
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

var _ Client = (*APIClient)(nil)

// NewAPIClient returns a client for the proxy API at apiURL, authenticating
// with token. requestsPerSecond throttles the client; burst is capped at
// twice the sustained rate.
func NewAPIClient(apiURL, token string, requestsPerSecond float64) (*APIClient, error) {
	parsed, err := url.Parse(apiURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, utils.MakeError("bad proxy API URL %q", apiURL)
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	return &APIClient{
		apiURL:  strings.TrimSuffix(apiURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: requestTimeout},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(2*requestsPerSecond)),
	}, nil
}

// routeBody is the wire form of one route table entry. The data blob is
// inlined next to the proxy's own fields.
type routeBody map[string]interface{}

func (c *APIClient) do(ctx context.Context, method string, spec types.RouteSpec, body interface{}) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	target := c.apiURL
	if spec != "" {
		target += "/" + strings.Trim(string(spec), "/")
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, utils.MakeError("couldn't encode proxy request body: %s", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, utils.MakeError("couldn't build proxy request: %s", err)
	}
	req.Header.Set("Authorization", "token "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, utils.MakeError("proxy API request failed: %s", err)
	}
	return resp, nil
}

func (c *APIClient) AddRoute(ctx context.Context, spec types.RouteSpec, target string, data map[string]interface{}) error {
	body := routeBody{"target": target}
	for k, v := range data {
		body[k] = v
	}

	resp, err := c.do(ctx, http.MethodPost, spec, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return utils.MakeError("proxy rejected route %s: %s", spec, resp.Status)
	}
	return nil
}

func (c *APIClient) GetRoute(ctx context.Context, spec types.RouteSpec) (*Route, error) {
	// The proxy API has no per-route GET for prefix matches; fetching the
	// table and indexing is the reliable way.
	routes, err := c.AllRoutes(ctx)
	if err != nil {
		return nil, err
	}
	route, ok := routes[spec]
	if !ok {
		return nil, ErrRouteNotFound
	}
	return route, nil
}

func (c *APIClient) DeleteRoute(ctx context.Context, spec types.RouteSpec) error {
	resp, err := c.do(ctx, http.MethodDelete, spec, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		// Already gone; that's the state we wanted.
		return nil
	}
	if resp.StatusCode >= 300 {
		return utils.MakeError("proxy refused to delete route %s: %s", spec, resp.Status)
	}
	return nil
}

func (c *APIClient) AllRoutes(ctx context.Context) (map[types.RouteSpec]*Route, error) {
	resp, err := c.do(ctx, http.MethodGet, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, utils.MakeError("proxy route table fetch failed: %s", resp.Status)
	}

	var table map[string]routeBody
	if err := json.NewDecoder(resp.Body).Decode(&table); err != nil {
		return nil, utils.MakeError("couldn't decode proxy route table: %s", err)
	}

	routes := make(map[types.RouteSpec]*Route, len(table))
	for spec, body := range table {
		route := &Route{Spec: types.RouteSpec(spec), Data: map[string]interface{}{}}
		for k, v := range body {
			if k == "target" {
				route.Target, _ = v.(string)
				continue
			}
			route.Data[k] = v
		}
		routes[route.Spec] = route
	}
	return routes, nil
}

func (c *APIClient) LastActivity(route *Route) time.Time {
	raw, ok := route.Data["last_activity"].(string)
	if !ok {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}
