package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/helmsmanhq/helmsman/types"
)

// MemClient is an in-process route table for local development and tests.
type MemClient struct {
	mu     sync.RWMutex
	routes map[types.RouteSpec]*Route
}

var _ Client = (*MemClient)(nil)

// NewMemClient returns an empty in-memory route table.
func NewMemClient() *MemClient {
	return &MemClient{routes: make(map[types.RouteSpec]*Route)}
}

func (c *MemClient) AddRoute(_ context.Context, spec types.RouteSpec, target string, data map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := make(map[string]interface{}, len(data))
	for k, v := range data {
		copied[k] = v
	}
	c.routes[spec] = &Route{Spec: spec, Target: target, Data: copied}
	return nil
}

func (c *MemClient) GetRoute(_ context.Context, spec types.RouteSpec) (*Route, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	route, ok := c.routes[spec]
	if !ok {
		return nil, ErrRouteNotFound
	}
	return route, nil
}

func (c *MemClient) DeleteRoute(_ context.Context, spec types.RouteSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.routes, spec)
	return nil
}

func (c *MemClient) AllRoutes(_ context.Context) (map[types.RouteSpec]*Route, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	routes := make(map[types.RouteSpec]*Route, len(c.routes))
	for spec, route := range c.routes {
		routes[spec] = route
	}
	return routes, nil
}

func (c *MemClient) LastActivity(route *Route) time.Time {
	ts, _ := route.Data["last_activity"].(time.Time)
	return ts
}
