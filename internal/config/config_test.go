// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"host":            "GROWKEY__HOST",
		"encryptionKey":   "GROWKEY__ENCRYPTION_KEY",
		"adminApiKey":     "GROWKEY__ADMIN_API_KEY",
		"lockTTL":         "GROWKEY__LOCK_TTL",
		"databaseDSN":     "GROWKEY__DATABASE_DSN",
		"logMaxBackups":   "GROWKEY__LOG_MAX_BACKUPS",
		"sessionDuration": "GROWKEY__SESSION_DURATION",
	}
	for key, want := range tests {
		assert.Equal(t, want, envKey(key), key)
	}
}

func TestGetDefaultConfigDir(t *testing.T) {
	t.Run("xdg", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
		assert.Equal(t, filepath.Join("/tmp/xdg", "growkey"), GetDefaultConfigDir())
	})
	t.Run("container", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/config")
		assert.Equal(t, "/config", GetDefaultConfigDir())
	})
}

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	require.NoError(t, WriteDefaultConfig(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `sessionDuration = "3m"`)
	assert.Contains(t, string(data), "port = 7480")

	assert.Error(t, WriteDefaultConfig(path))
}

func TestNewCreatesDefaultsAndAppliesEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GROWKEY__ENCRYPTION_KEY", "s3cret")
	t.Setenv("GROWKEY__SESSION_DURATION", "90s")

	cfg, err := New(dir, "test")
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "config.toml"))
	assert.Equal(t, "s3cret", cfg.Config.EncryptionKey)
	assert.Equal(t, 90*time.Second, cfg.Config.SessionDuration)
	assert.Equal(t, 10*time.Minute, cfg.Config.PruneInterval)
	assert.Equal(t, "sqlite", cfg.Config.DatabaseDriver)
	assert.Equal(t, filepath.Join(dir, "growkey.db"), cfg.DatabasePath())

	redacted := cfg.Config.Redacted()
	assert.NotEqual(t, "s3cret", redacted.EncryptionKey)
	assert.Equal(t, "s3cret", cfg.Config.EncryptionKey)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "driver", env: map[string]string{"GROWKEY__DATABASE_DRIVER": "mysql"}, want: "unsupported databaseDriver"},
		{name: "postgres without dsn", env: map[string]string{"GROWKEY__DATABASE_DRIVER": "postgres"}, want: "databaseDSN is required"},
		{name: "port", env: map[string]string{"GROWKEY__PORT": "70000"}, want: "invalid port"},
		{name: "session duration", env: map[string]string{"GROWKEY__SESSION_DURATION": "0s"}, want: "sessionDuration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := New(t.TempDir(), "test")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRewriteTOMLKeys(t *testing.T) {
	content := "host = \"localhost\"\nlogLevel = \"INFO\"\n#logPath = \"log/growkey.log\"\n"

	t.Run("replaces and uncomments", func(t *testing.T) {
		out := rewriteTOMLKeys(content, map[string]string{
			"logLevel": `"DEBUG"`,
			"logPath":  `"/var/log/growkey.log"`,
		}, false)
		assert.Contains(t, out, `host = "localhost"`)
		assert.Contains(t, out, `logLevel = "DEBUG"`)
		assert.Contains(t, out, `logPath = "/var/log/growkey.log"`)
		assert.NotContains(t, out, "#logPath")
	})

	t.Run("appends missing keys", func(t *testing.T) {
		out := rewriteTOMLKeys(content, map[string]string{"logMaxSize": "10"}, false)
		assert.Contains(t, out, "# Log settings\nlogMaxSize = 10")
	})

	t.Run("comments out cleared path", func(t *testing.T) {
		out := rewriteTOMLKeys("logPath = \"x.log\"\n", map[string]string{"logPath": `""`}, true)
		assert.Contains(t, out, `#logPath = ""`)
	})
}

func TestUpdateLogSettings(t *testing.T) {
	dir := t.TempDir()
	cfg, err := New(dir, "test")
	require.NoError(t, err)

	level := "debug"
	maxSize := 10
	got, err := cfg.UpdateLogSettings(LogSettingsUpdate{Level: &level, MaxSize: &maxSize})
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", got.Level)
	assert.Equal(t, 10, got.MaxSize)

	data, err := os.ReadFile(filepath.Join(dir, "config.toml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `logLevel = "DEBUG"`)
	assert.Contains(t, string(data), "logMaxSize = 10")
}

func TestUpdateLogSettingsLockedByEnv(t *testing.T) {
	t.Setenv("GROWKEY__LOG_LEVEL", "WARN")
	cfg, err := New(t.TempDir(), "test")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"level": lockedByEnv}, cfg.GetLockedLogSettings())

	level := "TRACE"
	_, err = cfg.UpdateLogSettings(LogSettingsUpdate{Level: &level})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked by environment")
	assert.Equal(t, "WARN", cfg.GetLogSettings().Level)
}

func TestCanonicalizeLogLevel(t *testing.T) {
	assert.Equal(t, "WARN", canonicalizeLogLevel(" warn "))
	assert.Equal(t, "INFO", canonicalizeLogLevel("verbose"))
	assert.True(t, ValidLogLevel("trace"))
	assert.False(t, ValidLogLevel("verbose"))
}
