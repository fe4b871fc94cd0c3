// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package client

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/keygen-sh/machineid"
	"github.com/rs/zerolog/log"
)

const DefaultAppID = "growkey"

// HardwareID returns a stable device id for userID on this machine. The first
// result is persisted under stateDir so it survives machine-id changes such as
// container rebuilds. An empty stateDir disables persistence.
func HardwareID(appID, userID, stateDir string) (string, error) {
	if appID == "" {
		appID = DefaultAppID
	}

	path := hwidPath(userID, stateDir)
	if path != "" {
		if content, err := os.ReadFile(path); err == nil {
			if existing := strings.TrimSpace(string(content)); existing != "" {
				log.Trace().Str("path", path).Msg("using persisted hardware id")
				return existing, nil
			}
		}
	}

	baseID, err := machineid.ProtectedID(appID)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read machine id, using host fallback")
		baseID = fallbackMachineID()
	}

	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%s-%s", appID, baseID, userID)))
	hwid := fmt.Sprintf("%x", sum)[:32]

	if path == "" {
		return hwid, nil
	}
	return persistHardwareID(hwid, path), nil
}

func fallbackMachineID() string {
	hostInfo := fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH)
	if hostname, err := os.Hostname(); err == nil {
		hostInfo += "-" + hostname
	}

	sum := sha256.Sum256([]byte(hostInfo))
	return fmt.Sprintf("%x", sum)[:32]
}

// persistHardwareID writes hwid to path. Failures are logged and the id is
// still returned, it just will not be sticky.
func persistHardwareID(hwid, path string) string {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to create hardware id directory")
		return hwid
	}
	if err := os.WriteFile(path, []byte(hwid), 0o600); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to persist hardware id")
		return hwid
	}

	log.Trace().Str("path", path).Msg("persisted new hardware id")
	return hwid
}

func hwidPath(userID, stateDir string) string {
	if stateDir == "" {
		return ""
	}
	userHash := sha256.Sum256([]byte(userID))
	return filepath.Join(stateDir, fmt.Sprintf(".hwid-%x", userHash[:8]))
}
