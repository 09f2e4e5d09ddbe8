package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mailgate/mailgate/internal/model"
)

// YAMLConfig represents the top-level mailgate configuration file.
type YAMLConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Store      StoreConfig      `yaml:"store"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Allocation AllocationConfig `yaml:"allocation"`
	MCP        MCPConfig        `yaml:"mcp"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string     `yaml:"host"`
	Port            int        `yaml:"port"`
	MaxBodySize     string     `yaml:"max_body_size"`
	ShutdownTimeout string     `yaml:"shutdown_timeout"`
	VerifyRateLimit int        `yaml:"verify_rate_limit"`
	CORS            CORSConfig `yaml:"cors"`
	TLS             TLSConfig  `yaml:"tls"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
	Methods []string `yaml:"methods"`
}

// TLSConfig controls TLS termination at the server level.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig holds the token secret and operator credentials. TokenSecret
// keys the card-key and invite codec; JWTSecret signs operator tokens.
type AuthConfig struct {
	TokenSecret  string   `yaml:"token_secret"`
	JWTSecret    string   `yaml:"jwt_secret"`
	JWTExpiry    string   `yaml:"jwt_expiry"`
	APIKeyHeader string   `yaml:"api_key_header"`
	APIKeyHashes []string `yaml:"api_key_hashes,omitempty"`
}

// StoreConfig selects the SQL database holding the resource pool.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LedgerConfig selects where usage ledger entries are written. The "sql"
// driver shares the resource store.
type LedgerConfig struct {
	Driver        string `yaml:"driver"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password,omitempty"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// AllocationConfig tunes the allocation engine.
type AllocationConfig struct {
	PreferProtocol string `yaml:"prefer_protocol"`
	MaxRetries     int    `yaml:"max_retries"`
}

// MCPConfig controls the MCP (Model Context Protocol) server.
type MCPConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Transport    string `yaml:"transport"`
	AllowIssuing bool   `yaml:"allow_issuing"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadYAMLConfig reads and parses a YAML configuration file over the
// defaults. Environment variables referenced as ${VAR_NAME} in the file are
// expanded before parsing.
func LoadYAMLConfig(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	content := os.ExpandEnv(string(data))

	cfg := DefaultYAMLConfig()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// DefaultYAMLConfig returns a YAMLConfig pre-filled with sensible defaults.
func DefaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			MaxBodySize:     "1MB",
			ShutdownTimeout: "30s",
			VerifyRateLimit: 60,
			CORS: CORSConfig{
				Origins: []string{"*"},
				Methods: []string{"GET", "POST"},
			},
		},
		Auth: AuthConfig{
			JWTExpiry:    "12h",
			APIKeyHeader: "X-API-Key",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "mailgate.db",
		},
		Ledger: LedgerConfig{
			Driver:      "sql",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "mailgate:ledger:",
		},
		Allocation: AllocationConfig{
			PreferProtocol: string(model.ProtocolGraph),
			MaxRetries:     3,
		},
		MCP: MCPConfig{
			Enabled:   true,
			Transport: "stdio",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the settings that would otherwise fail late at startup.
func (c *YAMLConfig) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if _, err := ParseDuration(c.Server.ShutdownTimeout, 30*time.Second); err != nil {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout: %w", err))
	}
	if _, err := ParseSize(c.Server.MaxBodySize); err != nil {
		errs = append(errs, fmt.Errorf("server.max_body_size: %w", err))
	}
	if _, err := ParseDuration(c.Auth.JWTExpiry, 12*time.Hour); err != nil {
		errs = append(errs, fmt.Errorf("auth.jwt_expiry: %w", err))
	}
	switch c.Ledger.Driver {
	case "", "sql":
	case "redis":
		if c.Ledger.RedisAddr == "" {
			errs = append(errs, errors.New("ledger.redis_addr is required for the redis ledger"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.driver %q must be sql or redis", c.Ledger.Driver))
	}
	if c.Allocation.PreferProtocol != "" {
		if _, err := model.ParseProtocol(c.Allocation.PreferProtocol); err != nil {
			errs = append(errs, fmt.Errorf("allocation.prefer_protocol: %w", err))
		}
	}
	if c.Allocation.MaxRetries < 0 {
		errs = append(errs, errors.New("allocation.max_retries must not be negative"))
	}
	return errors.Join(errs...)
}

// ParseDuration parses s, returning def for an empty string.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// ParseSize parses sizes such as "512KB" or "1MB". A bare number is bytes
// and an empty string is zero.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	mult := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1}} {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			mult = u.mult
			break
		}
	}
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	return DefaultYAMLConfig().Save(path)
}

// Save writes c to path. The file holds secrets and is created 0600.
func (c *YAMLConfig) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Redacted returns a copy of c with secrets masked, for display.
func (c *YAMLConfig) Redacted() *YAMLConfig {
	out := *c
	out.Auth.TokenSecret = mask(c.Auth.TokenSecret)
	out.Auth.JWTSecret = mask(c.Auth.JWTSecret)
	out.Ledger.RedisPassword = mask(c.Ledger.RedisPassword)
	if c.Store.DSN != "" && c.Store.Driver != "sqlite" {
		out.Store.DSN = mask(c.Store.DSN)
	}
	return &out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
