package main

import (
	"os"
	"strconv"
	"time"

	"github.com/helmsmanhq/helmsman/metadata"
	"github.com/helmsmanhq/helmsman/orchestrator"
	"github.com/helmsmanhq/helmsman/utils"
)

// Config is the control plane's startup configuration, populated from the
// environment.
type Config struct {
	// BindAddr is the address the API server listens on.
	BindAddr string

	// HubURL is the externally reachable API URL handed to every spawned
	// server.
	HubURL string

	// ProxyAPIURL and ProxyToken point at the reverse proxy's control API.
	// Empty ProxyAPIURL selects the in-memory route table (localdev).
	ProxyAPIURL string
	ProxyToken  string

	// AuthenticatorName picks the registered authenticator backend.
	AuthenticatorName string

	// DriverName picks the registered spawner driver.
	DriverName string

	Orchestrator orchestrator.Config
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, utils.MakeError("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, utils.MakeError("%s must be a duration like 30s, got %q", key, v)
	}
	return d, nil
}

// LoadConfig reads the control plane's configuration from the environment.
func LoadConfig() (Config, error) {
	config := Config{
		BindAddr:          envOr("HELMSMAN_BIND_ADDR", "0.0.0.0:8081"),
		HubURL:            envOr("HELMSMAN_HUB_URL", "http://127.0.0.1:8081"),
		ProxyAPIURL:       os.Getenv("HELMSMAN_PROXY_API_URL"),
		ProxyToken:        os.Getenv("HELMSMAN_PROXY_TOKEN"),
		AuthenticatorName: envOr("HELMSMAN_AUTHENTICATOR", defaultAuthenticator()),
		DriverName:        envOr("HELMSMAN_SPAWNER", "process"),
	}

	var err error
	if config.Orchestrator.ConcurrentSpawnLimit, err = envInt("HELMSMAN_CONCURRENT_SPAWN_LIMIT", 0); err != nil {
		return Config{}, err
	}
	if config.Orchestrator.ActiveServerLimit, err = envInt("HELMSMAN_ACTIVE_SERVER_LIMIT", 0); err != nil {
		return Config{}, err
	}
	if config.Orchestrator.NamedServerLimitPerUser, err = envInt("HELMSMAN_NAMED_SERVER_LIMIT", 0); err != nil {
		return Config{}, err
	}
	if config.Orchestrator.StartTimeout, err = envDuration("HELMSMAN_START_TIMEOUT", 0); err != nil {
		return Config{}, err
	}
	if config.Orchestrator.LivenessTimeout, err = envDuration("HELMSMAN_LIVENESS_TIMEOUT", 0); err != nil {
		return Config{}, err
	}
	if config.Orchestrator.ActivityResolution, err = envDuration("HELMSMAN_ACTIVITY_RESOLUTION", 0); err != nil {
		return Config{}, err
	}

	config.Orchestrator.HubURL = config.HubURL
	config.Orchestrator.DriverName = config.DriverName
	return config, nil
}

// defaultAuthenticator is null in local development (no external identity
// provider to lean on) and jwt everywhere else.
func defaultAuthenticator() string {
	if metadata.IsLocalEnv() {
		return "null"
	}
	return "jwt"
}
