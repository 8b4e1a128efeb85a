package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "dropbox", cfg.Backend)
	assert.Equal(t, "/remotestorage", cfg.Dropbox.RootPath)
	assert.Equal(t, 3210*time.Millisecond, cfg.Dropbox.RetryDelay)
	assert.Equal(t, "auto", cfg.Local.Type)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, time.Duration(0), cfg.SyncInterval)
	assert.NotEmpty(t, cfg.StatePath)
}

func TestFileThenEnvPrecedence(t *testing.T) {
	path := writeConfig(t, `
backend: s3
sync_interval: 1m
logging:
  level: DEBUG
s3:
  bucket: from-file
  region: eu-west-1
local:
  type: memory
`)
	t.Setenv("REMOTESYNC_S3_BUCKET", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3", cfg.Backend)
	assert.Equal(t, "from-env", cfg.S3.Bucket)
	assert.Equal(t, "eu-west-1", cfg.S3.Region)
	assert.Equal(t, time.Minute, cfg.SyncInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "memory", cfg.Local.Type)
}

func TestOverridesOnViperWin(t *testing.T) {
	path := writeConfig(t, "backend: s3\ns3:\n  bucket: b\n")
	v := viper.New()
	v.Set("backend", "dropbox")

	cfg, err := LoadWith(v, path)
	require.NoError(t, err)
	assert.Equal(t, "dropbox", cfg.Backend)
}

func TestEnvDuration(t *testing.T) {
	path := writeConfig(t, "backend: dropbox\n")
	t.Setenv("REMOTESYNC_DROPBOX_TIMEOUT", "5s")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Dropbox.Timeout)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown backend", "backend: ftp\n", "Config.Backend: validation failed on 'oneof' tag"},
		{"s3 without bucket", "backend: s3\n", "s3.bucket: required when backend is s3"},
		{"postgres without url", "local:\n  type: postgres\n", "local.database_url: required"},
		{"relative root", "dropbox:\n  root_path: remotestorage\n", "Config.Dropbox.RootPath: validation failed on 'startswith' tag"},
		{"bad local type", "local:\n  type: sqlite\n", "Config.Local.Type: validation failed on 'oneof' tag"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}
