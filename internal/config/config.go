// Package config loads client configuration from defaults, an optional YAML
// file, REMOTESYNC_* environment variables and bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all client configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`

	// Backend selects the remote: "dropbox" or "s3".
	Backend string `mapstructure:"backend" validate:"required,oneof=dropbox s3"`

	Dropbox DropboxConfig `mapstructure:"dropbox"`
	S3      S3Config      `mapstructure:"s3"`
	Local   LocalConfig   `mapstructure:"local"`

	// StatePath is the settings file holding credentials and public links.
	StatePath string `mapstructure:"state_path" validate:"required"`

	// SyncInterval between sync cycles of a long-running sync. Zero syncs once.
	SyncInterval time.Duration `mapstructure:"sync_interval" validate:"gte=0"`

	// MetricsAddr serves Prometheus metrics when set, e.g. ":9090".
	MetricsAddr string `mapstructure:"metrics_addr" validate:"omitempty,hostname_port"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"required,oneof=json console"`
	Output     string `mapstructure:"output" validate:"required"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
}

// DropboxConfig configures the Dropbox remote.
type DropboxConfig struct {
	Token       string        `mapstructure:"token"`
	UserAddress string        `mapstructure:"user_address"`
	RootPath    string        `mapstructure:"root_path" validate:"required,startswith=/"`
	APIURL      string        `mapstructure:"api_url" validate:"required,url"`
	ContentURL  string        `mapstructure:"content_url" validate:"required,url"`
	RetryDelay  time.Duration `mapstructure:"retry_delay" validate:"gt=0"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// S3Config configures the S3 remote.
type S3Config struct {
	Endpoint     string `mapstructure:"endpoint" validate:"omitempty,url"`
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region" validate:"required"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	Prefix       string `mapstructure:"prefix"`
	CreateBucket bool   `mapstructure:"create_bucket"`
}

// LocalConfig selects the local store.
type LocalConfig struct {
	// Type is one of auto, memory, log, badger, postgres or none. Auto
	// prefers badger and falls back to memory.
	Type        string `mapstructure:"type" validate:"required,oneof=auto memory log badger postgres none"`
	Path        string `mapstructure:"path"`
	DatabaseURL string `mapstructure:"database_url"`
}

var validate = validator.New()

// Dir returns the default configuration directory.
func Dir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "remotesync")
	}
	return "."
}

// SetDefaults registers every key with its default value. Keys must be
// known to viper for environment variables to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	dir := Dir()
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)

	v.SetDefault("backend", "dropbox")

	v.SetDefault("dropbox.token", "")
	v.SetDefault("dropbox.user_address", "")
	v.SetDefault("dropbox.root_path", "/remotestorage")
	v.SetDefault("dropbox.api_url", "https://api.dropboxapi.com/2")
	v.SetDefault("dropbox.content_url", "https://content.dropboxapi.com/2")
	v.SetDefault("dropbox.retry_delay", 3210*time.Millisecond)
	v.SetDefault("dropbox.timeout", 30*time.Second)

	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.prefix", "remotestorage")
	v.SetDefault("s3.create_bucket", false)

	v.SetDefault("local.type", "auto")
	v.SetDefault("local.path", filepath.Join(dir, "records"))
	v.SetDefault("local.database_url", "")

	v.SetDefault("state_path", filepath.Join(dir, "state.json"))
	v.SetDefault("sync_interval", time.Duration(0))
	v.SetDefault("metrics_addr", "")
}

// Load reads configuration with a fresh viper instance.
func Load(configPath string) (*Config, error) {
	return LoadWith(viper.New(), configPath)
}

// LoadWith reads configuration through v, which may carry bound flags.
// An empty configPath looks for config.yaml in Dir; a missing file there
// is not an error.
func LoadWith(v *viper.Viper, configPath string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix("REMOTESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(Dir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks struct tags and the rules spanning several sections.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	if cfg.Backend == "s3" && cfg.S3.Bucket == "" {
		return errors.New("s3.bucket: required when backend is s3")
	}
	if cfg.Local.Type == "postgres" && cfg.Local.DatabaseURL == "" {
		return errors.New("local.database_url: required when local.type is postgres")
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
