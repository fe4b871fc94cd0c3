// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "time"

// Config is the on-disk configuration. Keys match config.toml.
type Config struct {
	Host string `toml:"host" mapstructure:"host"`
	Port int    `toml:"port" mapstructure:"port"`

	DatabaseDriver string `toml:"databaseDriver" mapstructure:"databaseDriver"`
	DatabasePath   string `toml:"databasePath" mapstructure:"databasePath"`
	DatabaseDSN    string `toml:"databaseDSN" mapstructure:"databaseDSN"`

	EncryptionKey   string        `toml:"encryptionKey" mapstructure:"encryptionKey"`
	SessionDuration time.Duration `toml:"sessionDuration" mapstructure:"sessionDuration"`
	PruneInterval   time.Duration `toml:"pruneInterval" mapstructure:"pruneInterval"`
	AdminAPIKey     string        `toml:"adminApiKey" mapstructure:"adminApiKey"`

	RedisAddr   string        `toml:"redisAddr" mapstructure:"redisAddr"`
	LockTTL     time.Duration `toml:"lockTTL" mapstructure:"lockTTL"`
	LockTimeout time.Duration `toml:"lockTimeout" mapstructure:"lockTimeout"`

	AuditBufferSize    int      `toml:"auditBufferSize" mapstructure:"auditBufferSize"`
	CORSAllowedOrigins []string `toml:"corsAllowedOrigins" mapstructure:"corsAllowedOrigins"`

	LogLevel      string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath       string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize    int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`

	MetricsEnabled        bool   `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost           string `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort           int    `toml:"metricsPort" mapstructure:"metricsPort"`
	MetricsBasicAuthUsers string `toml:"metricsBasicAuthUsers" mapstructure:"metricsBasicAuthUsers"`
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	c.EncryptionKey = RedactString(c.EncryptionKey)
	c.AdminAPIKey = RedactString(c.AdminAPIKey)
	c.DatabaseDSN = RedactString(c.DatabaseDSN)
	c.MetricsBasicAuthUsers = RedactString(c.MetricsBasicAuthUsers)
	return c
}
