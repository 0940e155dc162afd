// Package config loads server configuration from a TOML file and the
// environment (prefix AYB__, with `__` standing in for the key separator).
// Authentication settings are mandatory; the email and snapshot sub-configs
// are optional and disable their feature when absent.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ayedb/ayb/internal/types"
)

type Config struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	PublicURL   string `mapstructure:"public_url"`
	DatabaseURL string `mapstructure:"database_url"`
	DataPath    string `mapstructure:"data_path"`

	Authentication Authentication `mapstructure:"authentication"`
	Email          *Email         `mapstructure:"email"`
	CORS           CORS           `mapstructure:"cors"`
	Web            *Web           `mapstructure:"web"`
	Isolation      *Isolation     `mapstructure:"isolation"`
	Snapshots      *Snapshots     `mapstructure:"snapshots"`
	Pgwire         Pgwire         `mapstructure:"pgwire"`
}

type Authentication struct {
	FernetKey              string `mapstructure:"fernet_key"`
	TokenExpirationSeconds int    `mapstructure:"token_expiration_seconds"`
}

// TokenTTL is the confirmation-token lifetime.
func (a Authentication) TokenTTL() time.Duration {
	return time.Duration(a.TokenExpirationSeconds) * time.Second
}

type Email struct {
	SMTP *SMTP      `mapstructure:"smtp"`
	File *EmailFile `mapstructure:"file"`
}

type SMTP struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type EmailFile struct {
	Path string `mapstructure:"path"`
}

type CORS struct {
	Origin string `mapstructure:"origin"`
}

// Web names the browser frontend. When BaseURL is set, profile link
// updates are verified against pages under it.
type Web struct {
	BaseURL string `mapstructure:"base_url"`
}

type Isolation struct {
	NsjailPath string `mapstructure:"nsjail_path"`
}

type Pgwire struct {
	Port int `mapstructure:"port"`
}

type Snapshots struct {
	SQLiteMethod    string      `mapstructure:"sqlite_method"`
	AccessKeyID     string      `mapstructure:"access_key_id"`
	SecretAccessKey string      `mapstructure:"secret_access_key"`
	Bucket          string      `mapstructure:"bucket"`
	PathPrefix      string      `mapstructure:"path_prefix"`
	EndpointURL     string      `mapstructure:"endpoint_url"`
	Region          string      `mapstructure:"region"`
	ForcePathStyle  bool        `mapstructure:"force_path_style"`
	Automation      *Automation `mapstructure:"automation"`
}

type Automation struct {
	Interval     string `mapstructure:"interval"`
	MaxSnapshots int    `mapstructure:"max_snapshots"`
}

// ParseInterval parses the human-readable automation interval.
func (a Automation) ParseInterval() (time.Duration, error) {
	d, err := time.ParseDuration(a.Interval)
	if err != nil || d <= 0 {
		return 0, types.Errorf(types.KindConfigurationError,
			"snapshots.automation.interval %q is not a positive duration", a.Interval)
	}
	return d, nil
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	// The prefix already ends in an underscore, so the final variable names
	// start with AYB__ and nest with __, e.g. AYB__AUTHENTICATION__FERNET_KEY.
	v.SetEnvPrefix("AYB_")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 5433)
	v.SetDefault("pgwire.port", 5434)
	v.SetDefault("cors.origin", "*")
	v.SetDefault("authentication.token_expiration_seconds", 3600)

	// Unmarshal only sees environment values for keys viper knows about, so
	// every key in the schema is bound explicitly.
	for _, key := range []string{
		"host", "port", "public_url", "database_url", "data_path",
		"authentication.fernet_key", "authentication.token_expiration_seconds",
		"email.smtp.host", "email.smtp.port", "email.smtp.username",
		"email.smtp.password", "email.smtp.from", "email.file.path",
		"cors.origin", "web.base_url", "isolation.nsjail_path", "pgwire.port",
		"snapshots.sqlite_method", "snapshots.access_key_id",
		"snapshots.secret_access_key", "snapshots.bucket",
		"snapshots.path_prefix", "snapshots.endpoint_url", "snapshots.region",
		"snapshots.force_path_style", "snapshots.automation.interval",
		"snapshots.automation.max_snapshots",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, types.Errorf(types.KindConfigurationError, "binding %s: %v", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, types.Errorf(types.KindConfigurationError, "reading config %s: %v", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, types.Errorf(types.KindConfigurationError, "parsing config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the fatal-at-boot rules. Optional sub-configs are
// checked only when present.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return types.Errorf(types.KindConfigurationError, "database_url is required")
	}
	if c.DataPath == "" {
		return types.Errorf(types.KindConfigurationError, "data_path is required")
	}
	if c.Authentication.FernetKey == "" {
		return types.Errorf(types.KindConfigurationError, "authentication.fernet_key is required")
	}
	if c.Authentication.TokenExpirationSeconds <= 0 {
		return types.Errorf(types.KindConfigurationError, "authentication.token_expiration_seconds must be positive")
	}
	if c.Email != nil && c.Email.SMTP == nil && c.Email.File == nil {
		return types.Errorf(types.KindConfigurationError, "email requires at least one of smtp or file")
	}
	if c.Isolation != nil && c.Isolation.NsjailPath != "" {
		if _, err := os.Stat(c.Isolation.NsjailPath); err != nil {
			return types.Errorf(types.KindConfigurationError,
				"isolation.nsjail_path %s: %v", c.Isolation.NsjailPath, err)
		}
	}
	if c.Snapshots != nil {
		if c.Snapshots.Bucket == "" {
			return types.Errorf(types.KindConfigurationError, "snapshots.bucket is required")
		}
		if c.Snapshots.SQLiteMethod != "" && c.Snapshots.SQLiteMethod != "vacuum" {
			return types.Errorf(types.KindConfigurationError,
				"snapshots.sqlite_method %q is unsupported (only vacuum)", c.Snapshots.SQLiteMethod)
		}
		if c.Snapshots.Automation != nil {
			if _, err := c.Snapshots.Automation.ParseInterval(); err != nil {
				return err
			}
			if c.Snapshots.Automation.MaxSnapshots <= 0 {
				return types.Errorf(types.KindConfigurationError,
					"snapshots.automation.max_snapshots must be positive")
			}
		}
	}
	return nil
}

// EmailConfigured reports whether any email backend is set. Registration
// and login flows are disabled without one.
func (c *Config) EmailConfigured() bool {
	return c.Email != nil && (c.Email.SMTP != nil || c.Email.File != nil)
}

// SnapshotsConfigured reports whether the snapshot store is usable.
func (c *Config) SnapshotsConfigured() bool {
	return c.Snapshots != nil
}
