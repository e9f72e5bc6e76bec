// Package config assembles the engine configuration from defaults, an
// optional YAML file and environment overrides, in that order.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr            string `yaml:"addr"`
	LogLevel        string `yaml:"logLevel"`
	LogPretty       bool   `yaml:"logPretty"`
	CORSAllowOrigin string `yaml:"corsAllowOrigin"`

	// CatalogPath points at the frame catalog JSON. Required for decoding;
	// without it the daemon refuses to start.
	CatalogPath string `yaml:"catalogPath"`

	Profile  ProfileConfig  `yaml:"profile"`
	Backend  BackendConfig  `yaml:"backend"`
	Throttle ThrottleConfig `yaml:"throttle"`
	Store    StoreConfig    `yaml:"store"`
	Mirror   MirrorConfig   `yaml:"mirror"`
}

// ProfileConfig names the capture profile the daemon opens on startup. An
// empty ID starts the HTTP surface without opening a session.
type ProfileConfig struct {
	ID           string  `yaml:"id"`
	DisplayName  string  `yaml:"displayName"`
	UseBuffer    bool    `yaml:"useBuffer"`
	Speed        float64 `yaml:"speed"`
	EmitRawBytes bool    `yaml:"emitRawBytes"`
}

type BackendConfig struct {
	URL                 string `yaml:"url"`
	HeartbeatIntervalMs int    `yaml:"heartbeatIntervalMs"`
	RPCTimeoutMs        int    `yaml:"rpcTimeoutMs"`
}

func (b BackendConfig) HeartbeatInterval() time.Duration {
	return time.Duration(b.HeartbeatIntervalMs) * time.Millisecond
}

func (b BackendConfig) RPCTimeout() time.Duration {
	return time.Duration(b.RPCTimeoutMs) * time.Millisecond
}

type ThrottleConfig struct {
	BatchSize          int `yaml:"batchSize"`
	MinFlushIntervalMs int `yaml:"minFlushIntervalMs"`
	MaxFlushIntervalMs int `yaml:"maxFlushIntervalMs"`
}

func (t ThrottleConfig) MinInterval() time.Duration {
	return time.Duration(t.MinFlushIntervalMs) * time.Millisecond
}

func (t ThrottleConfig) MaxInterval() time.Duration {
	return time.Duration(t.MaxFlushIntervalMs) * time.Millisecond
}

type StoreConfig struct {
	MaxFrames       int `yaml:"maxFrames"`
	MaxSourceFrames int `yaml:"maxSourceFrames"`
	MaxUnmatched    int `yaml:"maxUnmatched"`
	MaxFiltered     int `yaml:"maxFiltered"`
	ValuesPerHeader int `yaml:"valuesPerHeader"`
}

type MirrorConfig struct {
	FuzzMs            int `yaml:"fuzzMs"`
	MismatchThreshold int `yaml:"mismatchThreshold"`
}

func (m MirrorConfig) FuzzWindow() time.Duration {
	return time.Duration(m.FuzzMs) * time.Millisecond
}

func Default() Config {
	return Config{
		Addr:            ":9120",
		LogLevel:        "info",
		CORSAllowOrigin: "*",
		Backend: BackendConfig{
			URL:                 "ws://127.0.0.1:9910",
			HeartbeatIntervalMs: 5000,
			RPCTimeoutMs:        10000,
		},
		Throttle: ThrottleConfig{
			BatchSize:          250,
			MinFlushIntervalMs: 50,
			MaxFlushIntervalMs: 250,
		},
	}
}

// Load builds the effective configuration. A missing path skips the file
// layer; environment variables win over both.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrap(err, "parse config yaml")
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Addr = getEnv("ADDR", c.Addr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogPretty = getEnvBool("LOG_PRETTY", c.LogPretty)
	c.CORSAllowOrigin = getEnv("CORS_ALLOW_ORIGIN", c.CORSAllowOrigin)
	c.CatalogPath = getEnv("CATALOG_PATH", c.CatalogPath)

	c.Profile.ID = getEnv("PROFILE_ID", c.Profile.ID)
	c.Profile.DisplayName = getEnv("PROFILE_DISPLAY_NAME", c.Profile.DisplayName)
	c.Profile.UseBuffer = getEnvBool("PROFILE_USE_BUFFER", c.Profile.UseBuffer)
	c.Profile.EmitRawBytes = getEnvBool("PROFILE_EMIT_RAW_BYTES", c.Profile.EmitRawBytes)
	if v := os.Getenv("PROFILE_SPEED"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Profile.Speed = f
		}
	}

	c.Backend.URL = getEnv("BACKEND_URL", c.Backend.URL)
	c.Backend.HeartbeatIntervalMs = getEnvInt("HEARTBEAT_INTERVAL_MS", c.Backend.HeartbeatIntervalMs)
	c.Backend.RPCTimeoutMs = getEnvInt("RPC_TIMEOUT_MS", c.Backend.RPCTimeoutMs)

	c.Throttle.BatchSize = getEnvInt("THROTTLE_BATCH_SIZE", c.Throttle.BatchSize)
	c.Throttle.MinFlushIntervalMs = getEnvInt("THROTTLE_MIN_INTERVAL_MS", c.Throttle.MinFlushIntervalMs)
	c.Throttle.MaxFlushIntervalMs = getEnvInt("THROTTLE_MAX_INTERVAL_MS", c.Throttle.MaxFlushIntervalMs)

	c.Store.MaxFrames = getEnvInt("STORE_MAX_FRAMES", c.Store.MaxFrames)
	c.Store.MaxSourceFrames = getEnvInt("STORE_MAX_SOURCE_FRAMES", c.Store.MaxSourceFrames)
	c.Store.MaxUnmatched = getEnvInt("STORE_MAX_UNMATCHED", c.Store.MaxUnmatched)
	c.Store.MaxFiltered = getEnvInt("STORE_MAX_FILTERED", c.Store.MaxFiltered)
	c.Store.ValuesPerHeader = getEnvInt("STORE_VALUES_PER_HEADER", c.Store.ValuesPerHeader)

	c.Mirror.FuzzMs = getEnvInt("MIRROR_FUZZ_MS", c.Mirror.FuzzMs)
	c.Mirror.MismatchThreshold = getEnvInt("MIRROR_MISMATCH_THRESHOLD", c.Mirror.MismatchThreshold)
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("addr must not be empty")
	}
	if strings.TrimSpace(c.Backend.URL) == "" {
		return errors.New("backend url must not be empty")
	}
	checks := []struct {
		name  string
		value int
	}{
		{"backend.heartbeatIntervalMs", c.Backend.HeartbeatIntervalMs},
		{"backend.rpcTimeoutMs", c.Backend.RPCTimeoutMs},
		{"throttle.batchSize", c.Throttle.BatchSize},
		{"throttle.minFlushIntervalMs", c.Throttle.MinFlushIntervalMs},
		{"throttle.maxFlushIntervalMs", c.Throttle.MaxFlushIntervalMs},
		{"mirror.fuzzMs", c.Mirror.FuzzMs},
		{"mirror.mismatchThreshold", c.Mirror.MismatchThreshold},
	}
	for _, ck := range checks {
		if ck.value < 0 {
			return errors.Errorf("%s must not be negative", ck.name)
		}
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	switch os.Getenv(key) {
	case "1", "true":
		return true
	case "0", "false":
		return false
	}
	return def
}
