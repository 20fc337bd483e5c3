// Package config loads labsheets configuration from defaults, an optional
// YAML file and LABSHEETS_* environment variables, in that order of
// precedence (env wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/colthorp/labsheets-cli-go/internal/core"
)

// EnvPrefix prefixes every environment override, e.g. LABSHEETS_PORTAL_SESSION_COOKIE.
const EnvPrefix = "LABSHEETS_"

// PathEnvVar overrides the config file location.
const PathEnvVar = "LABSHEETS_CONFIG"

// Cache backends
const (
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

type PortalConfig struct {
	BaseURL       string        `koanf:"base_url" validate:"required,url"`
	SessionCookie string        `koanf:"session_cookie"`
	Sesskey       string        `koanf:"sesskey"`
	Timeout       time.Duration `koanf:"timeout" validate:"gt=0"`
	MaxRetries    int           `koanf:"max_retries" validate:"gte=1,lte=10"`
}

type CacheConfig struct {
	Backend   string        `koanf:"backend" validate:"oneof=file badger memory"`
	Dir       string        `koanf:"dir" validate:"required"`
	FreshFor  time.Duration `koanf:"fresh_for" validate:"gt=0"`
	MaxAge    time.Duration `koanf:"max_age" validate:"gtfield=FreshFor"`
	BatchSize int           `koanf:"batch_size" validate:"gte=1,lte=10"`
}

type StudentConfig struct {
	Name string `koanf:"name"`
	ID   string `koanf:"id"`
}

type ExportConfig struct {
	Dir      string        `koanf:"dir" validate:"required"`
	Interval time.Duration `koanf:"interval" validate:"gte=0"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=console json"`
}

// Config is the full labsheets configuration.
type Config struct {
	Portal  PortalConfig  `koanf:"portal"`
	Cache   CacheConfig   `koanf:"cache"`
	Student StudentConfig `koanf:"student"`
	Export  ExportConfig  `koanf:"export"`
	Log     LogConfig     `koanf:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Portal: PortalConfig{
			BaseURL:    core.DefaultPortalURL,
			Timeout:    30 * time.Second,
			MaxRetries: 3,
		},
		Cache: CacheConfig{
			Backend:   BackendFile,
			Dir:       core.CacheRoot(),
			FreshFor:  core.CacheFreshFor,
			MaxAge:    core.CacheMaxAge,
			BatchSize: core.DetailBatchSize,
		},
		Export: ExportConfig{
			Dir:      core.DownloadsDir(),
			Interval: core.ExportInterval,
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "console",
		},
	}
}

// DefaultPath returns the config file path used when none is given.
func DefaultPath() string {
	return filepath.Join(core.ConfigRoot(), "config.yaml")
}

// Load builds the configuration. path may be empty, in which case
// LABSHEETS_CONFIG and then DefaultPath are tried; a missing default file is
// not an error. The returned string is the file actually loaded, if any.
func Load(path string) (*Config, string, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, "", fmt.Errorf("load defaults: %w", err)
	}

	configPath, err := resolvePath(path)
	if err != nil {
		return nil, "", err
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, "", fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, "", fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, "", fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, configPath, nil
}

func resolvePath(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file %s: %w", path, err)
		}
		return path, nil
	}
	if envPath := os.Getenv(PathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return "", fmt.Errorf("config file %s: %w", envPath, err)
		}
		return envPath, nil
	}
	if _, err := os.Stat(DefaultPath()); err == nil {
		return DefaultPath(), nil
	}
	return "", nil
}

// envTransform maps LABSHEETS_PORTAL_SESSION_COOKIE to portal.session_cookie.
// Only the first underscore separates section from key. LABSHEETS_CONFIG is
// the file path, not a setting, and is dropped.
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	if key == "config" {
		return ""
	}
	return strings.Replace(key, "_", ".", 1)
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed '%s'", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// MarshalYAML renders the configuration as YAML, durations written in Go
// duration syntax so the file round-trips through Load.
func (c *Config) MarshalYAML() (interface{}, error) {
	return map[string]interface{}{
		"portal": map[string]interface{}{
			"base_url":       c.Portal.BaseURL,
			"session_cookie": c.Portal.SessionCookie,
			"sesskey":        c.Portal.Sesskey,
			"timeout":        c.Portal.Timeout.String(),
			"max_retries":    c.Portal.MaxRetries,
		},
		"cache": map[string]interface{}{
			"backend":    c.Cache.Backend,
			"dir":        c.Cache.Dir,
			"fresh_for":  c.Cache.FreshFor.String(),
			"max_age":    c.Cache.MaxAge.String(),
			"batch_size": c.Cache.BatchSize,
		},
		"student": map[string]interface{}{
			"name": c.Student.Name,
			"id":   c.Student.ID,
		},
		"export": map[string]interface{}{
			"dir":      c.Export.Dir,
			"interval": c.Export.Interval.String(),
		},
		"log": map[string]interface{}{
			"level":  c.Log.Level,
			"format": c.Log.Format,
		},
	}, nil
}

// WriteFile writes cfg to path, creating parent directories. It refuses to
// overwrite an existing file unless force is set.
func WriteFile(cfg *Config, path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// The file may hold a session cookie.
	return os.WriteFile(path, data, 0o600)
}
