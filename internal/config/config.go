// Package config loads the handful of operator-supplied values this module
// needs directly (pool URL/credentials, BitForce device selector). It
// follows guiperry-HASHER's internal/config/config.go pattern: an optional
// .env-style key=value file, overridden by environment variables, memoized
// behind package-level accessors. Full CLI flag parsing stays external per
// spec.md's Non-goals.
package config

import (
	"os"
	"path/filepath"
	"strings"
)

// PoolConfig holds the operator-supplied pool connection parameters.
type PoolConfig struct {
	URL      string
	User     string
	Password string
}

// DeviceConfig holds the operator-supplied BitForce device selector.
type DeviceConfig struct {
	SerialPath string // USB serial number of the device, or "" for the first one found; bus:address paths are not matched
	NonceRange bool   // opt_bfl_noncerange
}

var (
	loaded bool
	pool   PoolConfig
	device DeviceConfig
)

// Load reads .env (if present) and environment variable overrides. It is
// idempotent; subsequent calls return the memoized values.
func Load() (PoolConfig, DeviceConfig) {
	if loaded {
		return pool, device
	}

	values := map[string]string{}
	if data, err := os.ReadFile(envFilePath()); err == nil {
		parseEnvFile(string(data), values)
	}

	pool = PoolConfig{
		URL:      pick("POOL_URL", values),
		User:     pick("POOL_USER", values),
		Password: pick("POOL_PASSWORD", values),
	}
	device = DeviceConfig{
		SerialPath: pick("BITFORCE_DEVICE", values),
		NonceRange: pick("BITFORCE_NONCE_RANGE", values) != "0" && pick("BITFORCE_NONCE_RANGE", values) != "false",
	}
	loaded = true
	return pool, device
}

// MustLoad behaves like Load but panics with a descriptive message if the
// pool URL is missing (empty credentials are accepted), matching guiperry-HASHER's
// MustGetDeviceConfig panic-on-missing idiom.
func MustLoad() (PoolConfig, DeviceConfig) {
	p, d := Load()
	if p.URL == "" {
		panic("config: POOL_URL must be set via environment or .env file")
	}
	return p, d
}

func pick(key string, fileValues map[string]string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fileValues[key]
}

func parseEnvFile(content string, into map[string]string) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		into[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
}

func envFilePath() string {
	cwd, _ := os.Getwd()
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return filepath.Join(cwd, ".env")
	}
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return filepath.Join(cwd, ".env")
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return filepath.Join(cwd, ".env")
		}
		cwd = parent
	}
}
