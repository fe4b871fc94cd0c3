// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/growkey/growkey/internal/logstream"
)

const defaultLogMaxSize = 50

// LogManager owns the global zerolog output. The writer behind it can be
// swapped at runtime when log settings change.
type LogManager struct {
	hub         *logstream.Hub
	switchable  *logstream.SwitchableWriter
	version     string
	mu          sync.Mutex
	initialized atomic.Bool
}

func NewLogManager(version string) *LogManager {
	hub := logstream.NewHub(logstream.DefaultBufferSize)
	return &LogManager{
		hub:        hub,
		switchable: logstream.NewSwitchableWriter(baseLogWriter(), hub),
		version:    version,
	}
}

// Initialize points the global logger at the switchable writer. The logger
// itself stays at trace level; filtering happens through the global level so
// it can change without replacing log.Logger.
func (lm *LogManager) Initialize() {
	if lm.initialized.Swap(true) {
		return
	}
	log.Logger = zerolog.New(lm.switchable).
		With().
		Timestamp().
		Str("version", lm.version).
		Logger().
		Level(zerolog.TraceLevel)
}

func (lm *LogManager) GetHub() *logstream.Hub {
	return lm.hub
}

// Apply sets the global level and the output stack. A non-empty logPath adds a
// rotating file next to stderr.
func (lm *LogManager) Apply(level, logPath string, maxSize, maxBackups int) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	setLogLevel(level)

	w, closer, err := buildWriter(baseLogWriter(), logPath, maxSize, maxBackups)
	if err != nil {
		return err
	}

	if old := lm.switchable.Swap(w, closer); old != nil {
		if err := old.Close(); err != nil {
			log.Debug().Err(err).Msg("Failed to close old log rotator")
		}
	}
	return nil
}

func buildWriter(base io.Writer, logPath string, maxSize, maxBackups int) (io.Writer, io.Closer, error) {
	if logPath == "" {
		return base, nil, nil
	}

	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	if maxSize <= 0 {
		maxSize = defaultLogMaxSize
	}
	rotator := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    maxSize,
		MaxBackups: max(maxBackups, 0),
	}
	return io.MultiWriter(base, rotator), rotator, nil
}

// baseLogWriter writes human-readable output to a terminal and JSON lines
// everywhere else.
func baseLogWriter() io.Writer {
	if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}
	}
	return os.Stderr
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(canonicalizeLogLevel(level)))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// LogSettingsResponse is the admin API view of log settings.
type LogSettingsResponse struct {
	Level      string            `json:"level"`
	Path       string            `json:"path"`
	MaxSize    int               `json:"maxSize"`
	MaxBackups int               `json:"maxBackups"`
	ConfigPath string            `json:"configPath,omitempty"`
	Locked     map[string]string `json:"locked,omitempty"`
}

// LogSettingsUpdate is a partial change to log settings.
type LogSettingsUpdate struct {
	Level      *string `json:"level,omitempty"`
	Path       *string `json:"path,omitempty"`
	MaxSize    *int    `json:"maxSize,omitempty"`
	MaxBackups *int    `json:"maxBackups,omitempty"`
}
