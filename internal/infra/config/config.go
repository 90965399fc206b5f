// Package config loads runtime configuration for the toolforge service.
// Sources are layered: built-in defaults, then an optional YAML file, then
// TOOLFORGE_* environment variables (a .env file is read into the environment first).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix of every environment override.
	// Nested keys use a double underscore: TOOLFORGE_AUTH__ACCESS_SECRET -> auth.access_secret.
	EnvPrefix = "TOOLFORGE_"

	// DefaultPath is the config file looked up when none is given.
	DefaultPath = "toolforge.yaml"

	EnvDevelopment = "development"
	EnvProduction  = "production"

	FieldPolicyAllow = "allow"
	FieldPolicyDeny  = "deny"
)

// Config holds runtime configuration.
type Config struct {
	Env      string         `koanf:"env"`
	HTTP     HTTPConfig     `koanf:"http"`
	Database DatabaseConfig `koanf:"database"`
	Auth     AuthConfig     `koanf:"auth"`
	CORS     CORSConfig     `koanf:"cors"`
	Fields   FieldsConfig   `koanf:"fields"`
	Audit    AuditConfig    `koanf:"audit"`
	Log      LogConfig      `koanf:"log"`
}

type HTTPConfig struct {
	Host         string        `koanf:"host"`
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	IdleTimeout  time.Duration `koanf:"idle_timeout"`
}

type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// AuthConfig configures token issuance. Access and refresh tokens are signed
// with different secrets so a leaked refresh secret cannot mint access tokens.
type AuthConfig struct {
	AccessSecret  string        `koanf:"access_secret"`
	RefreshSecret string        `koanf:"refresh_secret"`
	AccessTTL     time.Duration `koanf:"access_ttl"`
	RefreshTTL    time.Duration `koanf:"refresh_ttl"`
}

type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// FieldsConfig controls field-level permission resolution.
// DefaultPolicy applies to fields with no canView/canEdit list: "allow" or "deny".
type FieldsConfig struct {
	DefaultPolicy string `koanf:"default_policy"`
}

// AuditConfig controls audit log retention. Zero disables purging.
type AuditConfig struct {
	RetentionDays int `koanf:"retention_days"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

// DefaultConfig returns a configuration that runs locally without any file or env setup.
func DefaultConfig() *Config {
	return &Config{
		Env: EnvDevelopment,
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{Path: "toolforge.db"},
		Auth: AuthConfig{
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
		},
		CORS:   CORSConfig{AllowedOrigins: []string{"http://localhost:5173"}},
		Fields: FieldsConfig{DefaultPolicy: FieldPolicyAllow},
		Audit:  AuditConfig{RetentionDays: 0},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads the configuration. A missing file at path is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	k := koanf.New(".")
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("accessing config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return cfg, nil
}

// envKey maps TOOLFORGE_AUTH__ACCESS_SECRET to auth.access_secret.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// IsDevelopment reports whether internal error details may be shown to clients.
func (c *Config) IsDevelopment() bool {
	return c.Env == EnvDevelopment
}

// Validate checks that the configuration contains usable values.
func (c *Config) Validate() error {
	if c.Env != EnvDevelopment && c.Env != EnvProduction && c.Env != "test" {
		return fmt.Errorf("invalid env %q: must be one of development, production, test", c.Env)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http.port %d", c.HTTP.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.AccessSecret == "" || c.Auth.RefreshSecret == "" {
		return fmt.Errorf("auth.access_secret and auth.refresh_secret are required")
	}
	if c.Auth.AccessSecret == c.Auth.RefreshSecret {
		return fmt.Errorf("auth.access_secret and auth.refresh_secret must differ")
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		return fmt.Errorf("auth token TTLs must be positive")
	}
	if c.Fields.DefaultPolicy != FieldPolicyAllow && c.Fields.DefaultPolicy != FieldPolicyDeny {
		return fmt.Errorf("invalid fields.default_policy %q: must be allow or deny", c.Fields.DefaultPolicy)
	}
	if c.Audit.RetentionDays < 0 {
		return fmt.Errorf("audit.retention_days must be non-negative")
	}
	return nil
}
