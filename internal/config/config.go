// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the process's environment-variable surface into a
// typed, validated structure. All values are resolved once at process
// start; nothing here re-reads the environment later.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mcpbridge/rsbridge/internal/logger"
)

// AuthStrategy selects how incoming requests are classified by the Auth
// Resolver (C4).
type AuthStrategy string

const (
	StrategyNone    AuthStrategy = "none"
	StrategyAPIKey  AuthStrategy = "api_key"
	StrategyBearer  AuthStrategy = "bearer"
	StrategyCustom  AuthStrategy = "custom"
	StrategyOAuth   AuthStrategy = "oauth"
)

// StorageType selects which Token/Session Store backend to construct.
type StorageType string

const (
	StorageMemory StorageType = "memory"
	StorageFile   StorageType = "file"
	StorageRedis  StorageType = "redis"
)

// Server holds MCP-facing server identity and HTTP surface configuration.
type Server struct {
	Host             string
	Port             string
	Env              string
	Title            string
	Version          string
	ProtocolVersion  string
	Instructions     string
	AcceptHeaders    []string
	LogLevel         string
}

// Auth holds the Auth Resolver (C4) configuration.
type Auth struct {
	Strategy           AuthStrategy
	Enabled            bool
	RequireRS          bool
	AllowDirectBearer  bool
	ResourceURI        string
	DiscoveryURL       string
	APIKey             string
	APIKeyHeader       string
	BearerToken        string
	CustomHeaders      map[string]string
}

// OAuth holds the OAuth Flow Engine (C6) client-facing configuration.
type OAuth struct {
	ClientID           string
	ClientSecret       string
	Scopes             []string
	AuthorizationURL   string
	TokenURL           string
	RevocationURL      string
	RedirectURI        string
	RedirectAllowlist  []string
	RedirectAllowAll   bool
	ExtraAuthParams    map[string]string
}

// CIMD holds Client-ID-as-Metadata-Document fetch configuration.
type CIMD struct {
	Enabled           bool
	FetchTimeout      time.Duration
	MaxResponseBytes  int64
	AllowedDomains    []string
}

// Provider holds the upstream identity provider's client credentials used
// by the Refresher (C5) and OAuth callback (C6).
type Provider struct {
	ClientID          string
	ClientSecret      string
	APIURL            string
	AccountsURL       string
	TokenEndpointPath string
}

// Storage holds Token Store (C1) file-backend configuration.
type Storage struct {
	RSTokensFile   string
	RSTokensEncKey string
}

// Throttle holds upstream HTTP client throttling configuration.
type Throttle struct {
	RPSLimit         float64
	ConcurrencyLimit int
}

// Config is the fully resolved process configuration.
type Config struct {
	Server   Server
	Auth     Auth
	OAuth    OAuth
	CIMD     CIMD
	Provider Provider
	Storage  Storage
	Throttle Throttle
}

// Load reads every recognized environment key and applies defaults. It
// never fails: missing optional values are left at their zero/default, and
// callers that need an upstream provider check Provider.Configured().
func Load() *Config {
	c := &Config{
		Server: Server{
			Host:            getenv("HOST", "0.0.0.0"),
			Port:            getenv("PORT", "8080"),
			Env:             getenv("NODE_ENV", "development"),
			Title:           getenv("MCP_TITLE", "MCP Resource Server"),
			Version:         getenv("MCP_VERSION", "0.1.0"),
			ProtocolVersion: getenv("MCP_PROTOCOL_VERSION", ""),
			Instructions:    getenv("MCP_INSTRUCTIONS", ""),
			AcceptHeaders:   splitCSV(os.Getenv("MCP_ACCEPT_HEADERS")),
			LogLevel:        getenv("LOG_LEVEL", "info"),
		},
		Auth: Auth{
			Strategy:          AuthStrategy(getenv("AUTH_STRATEGY", string(StrategyNone))),
			Enabled:           getbool("AUTH_ENABLED", true),
			RequireRS:         getbool("AUTH_REQUIRE_RS", true),
			AllowDirectBearer: getbool("AUTH_ALLOW_DIRECT_BEARER", false),
			ResourceURI:       os.Getenv("AUTH_RESOURCE_URI"),
			DiscoveryURL:      os.Getenv("AUTH_DISCOVERY_URL"),
			APIKey:            os.Getenv("API_KEY"),
			APIKeyHeader:      getenv("API_KEY_HEADER", "x-api-key"),
			BearerToken:       os.Getenv("BEARER_TOKEN"),
			CustomHeaders:     splitKV(os.Getenv("CUSTOM_HEADERS")),
		},
		OAuth: OAuth{
			ClientID:          os.Getenv("OAUTH_CLIENT_ID"),
			ClientSecret:      os.Getenv("OAUTH_CLIENT_SECRET"),
			Scopes:            splitCSV(os.Getenv("OAUTH_SCOPES")),
			AuthorizationURL:  os.Getenv("OAUTH_AUTHORIZATION_URL"),
			TokenURL:          os.Getenv("OAUTH_TOKEN_URL"),
			RevocationURL:     os.Getenv("OAUTH_REVOCATION_URL"),
			RedirectURI:       os.Getenv("OAUTH_REDIRECT_URI"),
			RedirectAllowlist: splitCSV(os.Getenv("OAUTH_REDIRECT_ALLOWLIST")),
			RedirectAllowAll:  getbool("OAUTH_REDIRECT_ALLOW_ALL", false),
			ExtraAuthParams:   splitKV(os.Getenv("OAUTH_EXTRA_AUTH_PARAMS")),
		},
		CIMD: CIMD{
			Enabled:          getbool("CIMD_ENABLED", true),
			FetchTimeout:     getduration("CIMD_FETCH_TIMEOUT_MS", 5*time.Second),
			MaxResponseBytes: getint64("CIMD_MAX_RESPONSE_BYTES", 64*1024),
			AllowedDomains:   splitCSV(os.Getenv("CIMD_ALLOWED_DOMAINS")),
		},
		Provider: Provider{
			ClientID:          os.Getenv("PROVIDER_CLIENT_ID"),
			ClientSecret:      os.Getenv("PROVIDER_CLIENT_SECRET"),
			APIURL:            os.Getenv("PROVIDER_API_URL"),
			AccountsURL:       os.Getenv("PROVIDER_ACCOUNTS_URL"),
			TokenEndpointPath: getenv("PROVIDER_TOKEN_ENDPOINT_PATH", "/token"),
		},
		Storage: Storage{
			RSTokensFile:   os.Getenv("RS_TOKENS_FILE"),
			RSTokensEncKey: os.Getenv("RS_TOKENS_ENC_KEY"),
		},
		Throttle: Throttle{
			RPSLimit:         getfloat("RPS_LIMIT", 10),
			ConcurrencyLimit: getint("CONCURRENCY_LIMIT", 5),
		},
	}
	logger.Infow("configuration loaded", "component", "config",
		"env", c.Server.Env, "authStrategy", string(c.Auth.Strategy),
		"hasProvider", c.Provider.Configured())
	return c
}

// Configured reports whether upstream provider credentials are present.
// The OAuth Flow Engine uses this to decide between the production path
// and the dev shortcut.
func (p Provider) Configured() bool {
	return p.ClientID != "" && p.ClientSecret != "" && p.AccountsURL != ""
}

// StorageType infers which Token/Session Store backend to build: file if
// RS_TOKENS_FILE is set, otherwise memory. KV/redis selection is a
// deployment-level choice threaded in explicitly by cmd/rsbridge, since no
// single env var here names a KV endpoint.
func (s Storage) StorageType() StorageType {
	if s.RSTokensFile != "" {
		return StorageFile
	}
	return StorageMemory
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getbool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logger.Warnw("invalid boolean env value, using default", "component", "config", "key", key, "value", v)
		return def
	}
	return b
}

func getint(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getint64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getfloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getduration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitKV parses "k1:v1,k2:v2" into a map, matching CUSTOM_HEADERS' shape.
func splitKV(v string) map[string]string {
	out := map[string]string{}
	for _, pair := range splitCSV(v) {
		k, val, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		out[strings.TrimSpace(strings.ToLower(k))] = strings.TrimSpace(val)
	}
	return out
}

// Validate returns an error describing the first configuration problem
// found, following the teacher's Config.Validate() convention.
func (c *Config) Validate() error {
	switch c.Auth.Strategy {
	case StrategyNone, StrategyAPIKey, StrategyBearer, StrategyCustom, StrategyOAuth:
	default:
		return fmt.Errorf("invalid AUTH_STRATEGY: %q", c.Auth.Strategy)
	}
	if c.Storage.RSTokensFile != "" && c.Storage.RSTokensEncKey != "" {
		if l := len(c.Storage.RSTokensEncKey); l != 43 && l != 44 { // 32 raw bytes, base64url-encoded without padding is 43; allow 44 with padding
			logger.Warnw("RS_TOKENS_ENC_KEY does not look like a 32-byte url-safe-base64 key",
				"component", "config", "length", len(c.Storage.RSTokensEncKey))
		}
	}
	return nil
}
