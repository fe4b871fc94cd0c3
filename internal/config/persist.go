// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	lockedByEnv      = "environment"
	lockedByEnvEmpty = "environment (empty)"
)

// persistMu serializes writes to config.toml.
var persistMu sync.Mutex

// logKeys maps the admin API field names to config.toml keys.
var logKeys = []struct {
	field string
	key   string
}{
	{"level", "logLevel"},
	{"path", "logPath"},
	{"maxSize", "logMaxSize"},
	{"maxBackups", "logMaxBackups"},
}

// PersistLogSettings rewrites the log keys of config.toml in place, keeping
// every other line and comment. The file is replaced atomically.
func (c *AppConfig) PersistLogSettings(level, path string, maxSize, maxBackups int) error {
	persistMu.Lock()
	defer persistMu.Unlock()

	configPath := c.viper.ConfigFileUsed()
	if configPath == "" {
		return errors.New("no config file path available")
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	values := map[string]string{
		"logLevel":      fmt.Sprintf("%q", level),
		"logPath":       fmt.Sprintf("%q", path),
		"logMaxSize":    fmt.Sprint(maxSize),
		"logMaxBackups": fmt.Sprint(maxBackups),
	}
	updated := rewriteTOMLKeys(string(content), values, path == "")

	return writeFileAtomic(configPath, []byte(updated))
}

// rewriteTOMLKeys replaces "key = ..." lines (commented or not) for every key
// in values and appends keys that were missing. With clearPath set an empty
// logPath is written commented out.
func rewriteTOMLKeys(content string, values map[string]string, clearPath bool) string {
	lines := strings.Split(content, "\n")
	seen := make(map[string]bool, len(values))

	for i, line := range lines {
		key := extractKey(strings.TrimSpace(line))
		for name, value := range values {
			if !strings.EqualFold(key, name) {
				continue
			}
			seen[name] = true
			lines[i] = fmt.Sprintf("%s = %s", name, value)
			if name == "logPath" && clearPath {
				lines[i] = "#" + lines[i]
			}
		}
	}

	var missing []string
	for _, k := range logKeys {
		value, ok := values[k.key]
		if !ok || seen[k.key] || (k.key == "logPath" && clearPath) {
			continue
		}
		missing = append(missing, fmt.Sprintf("%s = %s", k.key, value))
	}
	if len(missing) > 0 {
		lines = append(lines, "", "# Log settings")
		lines = append(lines, missing...)
	}

	return strings.Join(lines, "\n")
}

// extractKey returns the key of a "key = value" line, ignoring one leading
// comment marker so commented defaults are rewritten too.
func extractKey(line string) string {
	line = strings.TrimSpace(strings.TrimPrefix(line, "#"))
	key, _, found := strings.Cut(line, "=")
	if !found {
		return ""
	}
	return strings.TrimSpace(key)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config.toml.tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// GetLockedLogSettings reports log settings pinned by environment variables.
func (c *AppConfig) GetLockedLogSettings() map[string]string {
	locked := make(map[string]string)
	for _, k := range logKeys {
		value, ok := os.LookupEnv(envKey(k.key))
		if !ok {
			continue
		}
		if strings.TrimSpace(value) == "" {
			locked[k.field] = lockedByEnvEmpty
		} else {
			locked[k.field] = lockedByEnv
		}
	}
	return locked
}

func (c *AppConfig) GetLogSettings() LogSettingsResponse {
	c.configMu.Lock()
	defer c.configMu.Unlock()
	return c.logSettingsLocked()
}

func (c *AppConfig) logSettingsLocked() LogSettingsResponse {
	return LogSettingsResponse{
		Level:      canonicalizeLogLevel(c.Config.LogLevel),
		Path:       c.ResolveLogPath(c.Config.LogPath),
		MaxSize:    c.Config.LogMaxSize,
		MaxBackups: c.Config.LogMaxBackups,
		ConfigPath: c.viper.ConfigFileUsed(),
		Locked:     c.GetLockedLogSettings(),
	}
}

// canonicalizeLogLevel upper-cases level, falling back to INFO.
func canonicalizeLogLevel(level string) string {
	normalized := strings.ToUpper(strings.TrimSpace(level))
	switch normalized {
	case "TRACE", "DEBUG", "INFO", "WARN", "ERROR":
		return normalized
	default:
		return "INFO"
	}
}

// ValidLogLevel reports whether level names a supported log level.
func ValidLogLevel(level string) bool {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE", "DEBUG", "INFO", "WARN", "ERROR":
		return true
	}
	return false
}

func validateLockedFields(update LogSettingsUpdate, locked map[string]string) error {
	changed := map[string]bool{
		"level":      update.Level != nil,
		"path":       update.Path != nil,
		"maxSize":    update.MaxSize != nil,
		"maxBackups": update.MaxBackups != nil,
	}
	for _, k := range logKeys {
		if changed[k.field] && locked[k.field] != "" {
			return fmt.Errorf("cannot modify %s: locked by %s", k.field, locked[k.field])
		}
	}
	return nil
}

// UpdateLogSettings applies update, then persists it. Nothing is changed if
// applying or persisting fails.
func (c *AppConfig) UpdateLogSettings(update LogSettingsUpdate) (LogSettingsResponse, error) {
	c.configMu.Lock()
	defer c.configMu.Unlock()

	if err := validateLockedFields(update, c.GetLockedLogSettings()); err != nil {
		return LogSettingsResponse{}, err
	}

	previous := *c.Config
	committed := false
	defer func() {
		if committed {
			return
		}
		c.Config.LogLevel = previous.LogLevel
		c.Config.LogPath = previous.LogPath
		c.Config.LogMaxSize = previous.LogMaxSize
		c.Config.LogMaxBackups = previous.LogMaxBackups
		c.syncLogKeys()
		_ = c.ApplyLogConfig()
	}()

	if update.Level != nil {
		c.Config.LogLevel = canonicalizeLogLevel(*update.Level)
	}
	if update.Path != nil {
		c.Config.LogPath = *update.Path
	}
	if update.MaxSize != nil {
		c.Config.LogMaxSize = *update.MaxSize
	}
	if update.MaxBackups != nil {
		c.Config.LogMaxBackups = *update.MaxBackups
	}
	c.syncLogKeys()

	if err := c.ApplyLogConfig(); err != nil {
		return LogSettingsResponse{}, fmt.Errorf("failed to apply log configuration: %w", err)
	}
	if err := c.PersistLogSettings(c.Config.LogLevel, c.Config.LogPath, c.Config.LogMaxSize, c.Config.LogMaxBackups); err != nil {
		return LogSettingsResponse{}, fmt.Errorf("failed to persist settings: %w", err)
	}

	committed = true
	return c.logSettingsLocked(), nil
}

func (c *AppConfig) syncLogKeys() {
	c.viper.Set("logLevel", c.Config.LogLevel)
	c.viper.Set("logPath", c.Config.LogPath)
	c.viper.Set("logMaxSize", c.Config.LogMaxSize)
	c.viper.Set("logMaxBackups", c.Config.LogMaxBackups)
}
