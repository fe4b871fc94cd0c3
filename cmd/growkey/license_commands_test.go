// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/growkey/growkey/internal/config"
	"github.com/growkey/growkey/internal/database"
	"github.com/growkey/growkey/internal/models"
)

func prepareConfigDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, config.WriteDefaultConfig(filepath.Join(dir, "config.toml")))
	return dir
}

func loadLicense(t *testing.T, configDir, key string) *models.License {
	t.Helper()
	db, err := database.New(filepath.Join(configDir, "growkey.db"))
	require.NoError(t, err)
	defer db.Close()

	l, err := database.NewStore(db).GetLicenseByKey(context.Background(), key)
	require.NoError(t, err)
	return l
}

func TestLicenseCreateAndList(t *testing.T) {
	configDir := prepareConfigDir(t)

	output := mustRun(t, RunLicenseCommand(), "create",
		"--config-dir", configDir,
		"--key", "grow-cli0-0001-aa",
		"--max-devices", "2",
		"--days-valid", "30",
	)
	assert.Contains(t, output, "License GROW-CLI0-0001-AA created")

	created := loadLicense(t, configDir, "GROW-CLI0-0001-AA")
	assert.Equal(t, 2, created.MaxDevices)
	require.NotNil(t, created.DaysValid)
	assert.Equal(t, 30, *created.DaysValid)

	output = mustRun(t, RunLicenseCommand(), "list", "--config-dir", configDir)
	assert.Contains(t, output, "GROW-CLI0-0001-AA")
	assert.Contains(t, output, "30d after first use")
}

func TestLicenseBanByKeyAndShow(t *testing.T) {
	configDir := prepareConfigDir(t)
	mustRun(t, RunLicenseCommand(), "create", "--config-dir", configDir, "--key", "GROW-CLI0-0002-AA")

	output := mustRun(t, RunLicenseCommand(), "ban", "--config-dir", configDir, "grow-cli0-0002-aa")
	assert.Contains(t, output, "status banned")
	assert.Equal(t, models.LicenseStatusBanned, loadLicense(t, configDir, "GROW-CLI0-0002-AA").Status)

	output = mustRun(t, RunLicenseCommand(), "show", "--config-dir", configDir, "GROW-CLI0-0002-AA")
	assert.Contains(t, output, `"status": "banned"`)
	assert.Contains(t, output, "License banned")
}

func TestLicenseDeleteUnknown(t *testing.T) {
	configDir := prepareConfigDir(t)

	_, err := runCommand(RunLicenseCommand(), "delete", "--config-dir", configDir, "GROW-NONE-0000-AA")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrLicenseNotFound)
}

func TestGenerateKeyCommand(t *testing.T) {
	output := mustRun(t, RunLicenseCommand(), "generate-key")
	assert.Regexp(t, `^GROW-[A-Z]{4}-[0-9]{4}-[A-Z0-9]{2}\n$`, output)
}
