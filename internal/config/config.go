// Package config loads server configuration from environment variables.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr string

	// Database
	DatabaseURL string
	DBType      string // "embedded" or "server"

	// Node authentication
	NodeAuthTokens         []string      // static agent tokens
	SessionTokenSecrets    []string      // HS256 signing secrets, first signs, all verify
	SessionTokenTTL        time.Duration //
	MessageRateLimitPerSec int           // inbound frames per second per session

	// Node liveness
	HeartbeatInterval time.Duration // advertised to agents, drives the stale sweep
	NodeTimeout       time.Duration // no heartbeat for this long marks a node offline

	// Commands
	CommandTimeout       time.Duration
	CommandRetentionDays int

	// Schedule worker
	ScheduleWorkerEnabled bool
	SchedulePollInterval  time.Duration
	ScheduleBatchSize     int

	// Logging
	LogLevel  string
	LogFormat string // "console" or "json"
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),

		DatabaseURL: getEnv("DATABASE_URL", "./wakefleet.db"),
		DBType:      getEnv("DB_TYPE", "embedded"),

		NodeAuthTokens:         parseList("NODE_AUTH_TOKENS"),
		SessionTokenSecrets:    parseList("WS_SESSION_TOKEN_SECRETS"),
		SessionTokenTTL:        time.Duration(parseInt("WS_SESSION_TOKEN_TTL_SECONDS", 3600)) * time.Second,
		MessageRateLimitPerSec: parseInt("WS_MESSAGE_RATE_LIMIT_PER_SECOND", 50),

		HeartbeatInterval: parseDuration("NODE_HEARTBEAT_INTERVAL", 30*time.Second),
		NodeTimeout:       parseDuration("NODE_TIMEOUT", 90*time.Second),

		CommandTimeout:       parseDuration("COMMAND_TIMEOUT", 25*time.Second),
		CommandRetentionDays: parseInt("COMMAND_RETENTION_DAYS", 30),

		ScheduleWorkerEnabled: parseBool("SCHEDULE_WORKER_ENABLED", true),
		SchedulePollInterval:  time.Duration(parseInt("SCHEDULE_POLL_INTERVAL_MS", 30000)) * time.Millisecond,
		ScheduleBatchSize:     parseInt("SCHEDULE_BATCH_SIZE", 25),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []string

	if c.DBType != "embedded" && c.DBType != "server" {
		errs = append(errs, "DB_TYPE must be 'embedded' or 'server'")
	}
	if len(c.NodeAuthTokens) == 0 {
		errs = append(errs, "NODE_AUTH_TOKENS is required (comma-separated)")
	}
	if c.MessageRateLimitPerSec < 1 {
		errs = append(errs, "WS_MESSAGE_RATE_LIMIT_PER_SECOND must be at least 1")
	}
	if c.HeartbeatInterval < time.Second {
		errs = append(errs, "NODE_HEARTBEAT_INTERVAL must be at least 1 second")
	}
	if c.NodeTimeout <= c.HeartbeatInterval {
		errs = append(errs, "NODE_TIMEOUT must be greater than NODE_HEARTBEAT_INTERVAL")
	}
	if c.CommandTimeout < time.Second {
		errs = append(errs, "COMMAND_TIMEOUT must be at least 1 second")
	}
	if c.SchedulePollInterval < time.Second {
		errs = append(errs, "SCHEDULE_POLL_INTERVAL_MS must be at least 1000")
	}
	if c.ScheduleBatchSize < 1 {
		errs = append(errs, "SCHEDULE_BATCH_SIZE must be at least 1")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
