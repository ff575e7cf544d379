// pkg/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	HTTPAddr string

	// Externally visible host used to build issuer base URLs when the
	// request does not carry a usable Host header (CLI, tests).
	DefaultPublicHost string

	// Shared control-plane database (tenant registry + issuer configs).
	DatabaseURL string
	RedisURL    string

	// Upstream federated-provider HTTP behavior.
	UpstreamTimeout time.Duration
	DiscoveryTTL    time.Duration

	// Admin API bearer validation (optional; dev fallback when unset).
	AdminIssuer   string
	AdminAudience string
	AdminJWKSURL  string

	// Directory of YAML issuer definitions imported at boot (optional).
	IssuerDir string

	// Default signing algorithm advertised for client JWKs.
	DefaultSigningAlg string
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:               env("DIDHUB_ENV", "dev"),
		HTTPAddr:          env("DIDHUB_HTTP_ADDR", ":8080"),
		DefaultPublicHost: env("PUBLIC_HOST", "localhost:8080"),
		DatabaseURL:       env("DATABASE_URL", ""),
		RedisURL:          env("REDIS_URL", ""),
		UpstreamTimeout:   envDur("UPSTREAM_TIMEOUT_SEC", 10) * time.Second,
		DiscoveryTTL:      envDur("DISCOVERY_TTL_SEC", 3600) * time.Second,
		AdminIssuer:       env("ADMIN_OIDC_ISSUER", ""),
		AdminAudience:     env("ADMIN_OIDC_AUDIENCE", ""),
		AdminJWKSURL:      env("ADMIN_JWKS_URL", ""),
		IssuerDir:         env("ISSUER_DIR", ""),
		DefaultSigningAlg: env("CLIENT_SIGNING_ALG", "ES256"),
	}
	if cfg.DatabaseURL == "" {
		log.Println("[WARN] DATABASE_URL not set; tenant registry unavailable")
	}
	return cfg
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envDur(k string, def int) time.Duration {
	if v := os.Getenv(k); v != "" {
		i, _ := strconv.Atoi(v)
		return time.Duration(i)
	}
	return time.Duration(def)
}
