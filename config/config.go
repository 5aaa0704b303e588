// Package config loads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-engine-go/sessions/redishost"
	"github.com/joeshaw/envdecode"
)

// Notification backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Transports.
const (
	TransportHTTP  = "http"
	TransportStdio = "stdio"
)

// Config for the MCP server binary. Defaults are applied via envdecode.
type Config struct {
	// Transport selects streamable HTTP or stdio. ENV: MCP_TRANSPORT
	Transport string `env:"MCP_TRANSPORT,default=http"`
	// Addr the HTTP server listens on. ENV: MCP_ADDR
	Addr string `env:"MCP_ADDR,default=:8080"`
	// Endpoint is the public URL of the MCP endpoint. ENV: MCP_ENDPOINT
	Endpoint string `env:"MCP_ENDPOINT,default=http://localhost:8080/mcp"`

	ServerName    string `env:"MCP_SERVER_NAME,default=mcp-engine-go"`
	ServerVersion string `env:"MCP_SERVER_VERSION,default=0.1.0"`
	Instructions  string `env:"MCP_INSTRUCTIONS"`

	// SessionIdleTTL closes sessions idle for longer. Zero disables expiry.
	SessionIdleTTL time.Duration `env:"MCP_SESSION_IDLE_TTL,default=0s"`
	// PageSize for tools/list, prompts/list and resources/list.
	PageSize int `env:"MCP_PAGE_SIZE,default=50"`
	// EnumConcurrency bounds concurrent enum generator calls per listing.
	EnumConcurrency int `env:"MCP_ENUM_CONCURRENCY,default=8"`
	// HandlerTimeout bounds each method handler. Zero disables it.
	HandlerTimeout time.Duration `env:"MCP_HANDLER_TIMEOUT,default=0s"`

	LogLevel string `env:"MCP_LOG_LEVEL,default=info"`

	// ResourcesDir, when set, is published as file resources and watched for
	// changes. ENV: MCP_RESOURCES_DIR
	ResourcesDir string `env:"MCP_RESOURCES_DIR"`

	// NotifyBackend selects the NotificationHost: memory or redis.
	NotifyBackend string `env:"MCP_NOTIFY_BACKEND,default=memory"`
	Redis         redishost.Config
}

// Load decodes Config from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportHTTP, TransportStdio:
	default:
		return fmt.Errorf("MCP_TRANSPORT: unknown transport %q", c.Transport)
	}
	switch c.NotifyBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("MCP_NOTIFY_BACKEND: unknown backend %q", c.NotifyBackend)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("MCP_PAGE_SIZE: must be positive, got %d", c.PageSize)
	}
	if c.EnumConcurrency <= 0 {
		return fmt.Errorf("MCP_ENUM_CONCURRENCY: must be positive, got %d", c.EnumConcurrency)
	}
	if c.SessionIdleTTL < 0 || c.HandlerTimeout < 0 {
		return errors.New("durations must not be negative")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("MCP_LOG_LEVEL: %w", err)
	}
	return lvl, nil
}
