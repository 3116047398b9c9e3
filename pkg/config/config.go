// Package config loads the agent's environment configuration: no
// framework, just env reads with sane defaults, matching how every other
// service in this codebase boots.
package config

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the agent's full runtime configuration.
type Config struct {
	// SupervisorPublicKey verifies every capability token's signature.
	// Required; there is no default, since an agent that trusts no key is
	// the only safe posture to boot into.
	SupervisorPublicKey ed25519.PublicKey

	// Identity is this agent's own audience string, checked against a
	// capability's `audience` field.
	Identity string

	// DBPath is the StateStore's SQLite file. Empty or ":memory:" selects
	// lite mode, in which cmd/tga opens a local file at data/tga.db instead.
	DBPath string

	ClockSkew        time.Duration
	SessionCacheSize int

	LogLevel string

	OTelEndpoint string
	OTelEnabled  bool
}

const (
	defaultClockSkewSeconds = 5
	defaultSessionCacheSize = 1024
	defaultLogLevel         = "INFO"
)

// Load reads configuration from environment variables, applying defaults
// wherever the spec allows one. It returns an error rather than a zero
// Config when a required variable is missing or malformed: a process that
// cannot verify capabilities has no safe default to fall back to.
func Load() (*Config, error) {
	pubKey, err := loadSupervisorPublicKey(os.Getenv("TGA_SUPERVISOR_PUBLIC_KEY"))
	if err != nil {
		return nil, fmt.Errorf("config: TGA_SUPERVISOR_PUBLIC_KEY: %w", err)
	}

	identity := os.Getenv("TGA_IDENTITY")
	if identity == "" {
		return nil, fmt.Errorf("config: TGA_IDENTITY is required")
	}

	clockSkew := time.Duration(defaultClockSkewSeconds) * time.Second
	if raw := os.Getenv("TGA_CLOCK_SKEW_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds < 0 {
			return nil, fmt.Errorf("config: TGA_CLOCK_SKEW_SECONDS must be a non-negative integer, got %q", raw)
		}
		clockSkew = time.Duration(seconds) * time.Second
	}

	cacheSize := defaultSessionCacheSize
	if raw := os.Getenv("TGA_SESSION_CACHE_SIZE"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size <= 0 {
			return nil, fmt.Errorf("config: TGA_SESSION_CACHE_SIZE must be a positive integer, got %q", raw)
		}
		cacheSize = size
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = defaultLogLevel
	}

	return &Config{
		SupervisorPublicKey: pubKey,
		Identity:            identity,
		DBPath:              os.Getenv("TGA_DB_PATH"),
		ClockSkew:           clockSkew,
		SessionCacheSize:    cacheSize,
		LogLevel:            logLevel,
		OTelEndpoint:        os.Getenv("TGA_OTEL_ENDPOINT"),
		OTelEnabled:         os.Getenv("TGA_OTEL_ENABLED") == "true",
	}, nil
}

// loadSupervisorPublicKey decodes a PEM-encoded Ed25519 public key. raw
// empty is always an error: Load's caller decides whether that's fatal
// (production) by never calling Load without the variable set.
//
// The Supervisor provisions this key out of band, so the realistic form is
// standard SPKI/X.509 DER (what x509.MarshalPKIXPublicKey or `openssl`
// produces), not a bare 32-byte key. SPKI is tried first; a block holding
// the raw 32 bytes directly is accepted as a fallback for tooling that
// skips the SPKI wrapper.
func loadSupervisorPublicKey(raw string) (ed25519.PublicKey, error) {
	if raw == "" {
		return nil, fmt.Errorf("required")
	}
	block, _ := pem.Decode([]byte(raw))
	if block == nil {
		return nil, fmt.Errorf("not valid PEM")
	}

	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		key, ok := pub.(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("decoded SPKI key is %T, want ed25519.PublicKey", pub)
		}
		return key, nil
	}

	key := ed25519.PublicKey(block.Bytes)
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decoded key is %d bytes, want %d (SPKI) or %d (raw)", len(key), 44, ed25519.PublicKeySize)
	}
	return key, nil
}

// IsLiteMode reports whether no store path was configured (empty or
// ":memory:"), so the store falls back to a local default file rather than
// the configured path.
func (c *Config) IsLiteMode() bool {
	return c.DBPath == "" || c.DBPath == ":memory:"
}
