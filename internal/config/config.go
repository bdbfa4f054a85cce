// Package config provides configuration for the flowlab daemon.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds daemon configuration.
type Config struct {
	// Listen is the address to listen on (e.g., ":7466").
	Listen string
	// DataDir is the root directory for database files.
	DataDir string
	// GenURL is the base URL of the code-generation service.
	GenURL string
	// GenTimeout caps one generation call; zero disables the cap.
	GenTimeout time.Duration
	// OutputDir is where generated files are written.
	OutputDir string
	// RulesPath points at the generated-file rules YAML.
	RulesPath string
	// AuthSecret enables bearer-token auth when non-empty.
	AuthSecret string
	// AuthIssuer is the issuer claim stamped into minted tokens.
	AuthIssuer string
	// SessionTTL is how long an idle session survives before cleanup.
	SessionTTL time.Duration
	// MaxSessions caps concurrently open sessions.
	MaxSessions int
	// HistoryLimit bounds each session's undo/redo stacks.
	HistoryLimit int
	// Version is the daemon version string.
	Version string
	// Debug enables debug logging.
	Debug bool
}

// FromEnv creates a Config from environment variables.
func FromEnv() *Config {
	cfg := &Config{
		Listen:       getEnv("FLOWLAB_ADDR", ":7466"),
		DataDir:      getEnv("FLOWLAB_DATA_DIR", "./flowlab-data"),
		GenURL:       getEnv("FLOWLAB_GEN_URL", "http://127.0.0.1:8090"),
		GenTimeout:   getEnvDuration("FLOWLAB_GEN_TIMEOUT", 2*time.Minute),
		OutputDir:    getEnv("FLOWLAB_OUTPUT_DIR", "./generated"),
		RulesPath:    getEnv("FLOWLAB_RULES", "rules.yaml"),
		AuthSecret:   getEnv("FLOWLAB_AUTH_SECRET", ""),
		AuthIssuer:   getEnv("FLOWLAB_AUTH_ISSUER", "flowlabd"),
		SessionTTL:   getEnvDuration("FLOWLAB_SESSION_TTL", time.Hour),
		MaxSessions:  getEnvInt("FLOWLAB_MAX_SESSIONS", 64),
		HistoryLimit: getEnvInt("FLOWLAB_HISTORY_LIMIT", 50),
		Version:      getEnv("FLOWLAB_VERSION", "0.1.0"),
		Debug:        getEnvBool("FLOWLAB_DEBUG", false),
	}
	return cfg
}

// FromArgs creates a Config from explicit values, with env fallbacks.
func FromArgs(listen, dataDir, genURL string) *Config {
	cfg := FromEnv()
	if listen != "" {
		cfg.Listen = listen
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if genURL != "" {
		cfg.GenURL = genURL
	}
	return cfg
}

// AuthEnabled reports whether requests must carry a bearer token.
func (c *Config) AuthEnabled() bool {
	return c.AuthSecret != ""
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
