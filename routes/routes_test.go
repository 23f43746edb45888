package routes

import (
	"os"
	"strings"
	"testing"
)

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"":             "/",
		"/":            "/",
		"user/wash":    "/user/wash/",
		"/user/wash":   "/user/wash/",
		"/user/wash/":  "/user/wash/",
		"user/wash/":   "/user/wash/",
	}
	for in, want := range tests {
		if got := NormalizePath(in); got != want {
			t.Errorf("NormalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewNormalizesBasePath(t *testing.T) {
	s := New("", "127.0.0.1", 8888, "user/wash")
	if s.BasePath != "/user/wash/" {
		t.Errorf("base path not normalized: %q", s.BasePath)
	}
	if s.Scheme != "http" {
		t.Errorf("scheme did not default to http: %q", s.Scheme)
	}
}

func TestConnectHostDefaultsToBind(t *testing.T) {
	s := New("http", "10.0.0.5", 8888, "/")
	if got := s.ConnectHost(); got != "http://10.0.0.5:8888" {
		t.Errorf("ConnectHost() = %q", got)
	}
}

func TestConnectHostWildcardFallsBackToHostname(t *testing.T) {
	s := New("http", "0.0.0.0", 8888, "/")
	hostname, err := os.Hostname()
	if err != nil {
		t.Skipf("couldn't get hostname: %s", err)
	}
	if got := s.ConnectHost(); !strings.Contains(got, hostname) {
		t.Errorf("ConnectHost() = %q, expected local hostname %q", got, hostname)
	}
}

func TestConnectOverrides(t *testing.T) {
	s := New("https", "0.0.0.0", 8888, "/user/wash/")
	s.ConnectIP = "192.168.1.20"
	s.ConnectPort = 9999
	if got := s.ConnectURL(); got != "https://192.168.1.20:9999/user/wash/" {
		t.Errorf("ConnectURL() = %q", got)
	}
}

func TestIPv6HostWrapping(t *testing.T) {
	s := New("http", "::1", 8888, "/")
	if got := s.Host(); got != "http://[::1]:8888" {
		t.Errorf("Host() = %q", got)
	}
}

func TestRouteSpec(t *testing.T) {
	s := New("http", "127.0.0.1", 8888, "/user/wash/")
	if got := s.RouteSpec(false, ""); string(got) != "/user/wash/" {
		t.Errorf("path routespec = %q", got)
	}
	if got := s.RouteSpec(true, "wash.hub.example.com"); string(got) != "wash.hub.example.com/user/wash/" {
		t.Errorf("host routespec = %q", got)
	}
}

func TestUserRouteSpec(t *testing.T) {
	if got := UserRouteSpec("wash", ""); string(got) != "/user/wash/" {
		t.Errorf("default server routespec = %q", got)
	}
	if got := UserRouteSpec("wash", "gpu"); string(got) != "/user/wash/gpu/" {
		t.Errorf("named server routespec = %q", got)
	}
}
