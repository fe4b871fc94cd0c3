// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/growkey/growkey/internal/audit"
	"github.com/growkey/growkey/internal/buildinfo"
	"github.com/growkey/growkey/internal/config"
	"github.com/growkey/growkey/internal/lock"
	"github.com/growkey/growkey/internal/models"
	"github.com/growkey/growkey/internal/services/license"
)

// licenseEnv is the service stack a single license command runs against.
type licenseEnv struct {
	store   appStore
	audit   *audit.Writer
	service *license.Service
}

func openLicenseEnv(ctx context.Context, configDir string) (*licenseEnv, error) {
	cfg, err := config.New(configDir, buildinfo.Version)
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}

	writer := audit.NewWriter(store, audit.DefaultBufferSize)
	// Against a running server only the store transaction serializes.
	service := license.NewService(store, lock.NewLocal(), writer)

	return &licenseEnv{store: store, audit: writer, service: service}, nil
}

func (e *licenseEnv) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	auditErr := e.audit.Close(ctx)
	if err := e.store.Close(); err != nil {
		return err
	}
	return auditErr
}

// resolveID accepts a license key or a license id.
func (e *licenseEnv) resolveID(ctx context.Context, ref string) (string, error) {
	l, err := e.store.GetLicenseByKey(ctx, models.NormalizeLicenseKey(ref))
	if err == nil {
		return l.ID, nil
	}
	if !errors.Is(err, models.ErrLicenseNotFound) {
		return "", err
	}
	return ref, nil
}

// withLicenseEnv runs fn with an open env and closes it afterwards.
func withLicenseEnv(cmd *cobra.Command, configDir string, fn func(ctx context.Context, env *licenseEnv) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	env, err := openLicenseEnv(ctx, configDir)
	if err != nil {
		return err
	}

	runErr := fn(ctx, env)
	if err := env.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func RunLicenseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "license",
		Short: "Manage licenses",
	}

	cmd.AddCommand(
		runLicenseCreateCommand(),
		runLicenseListCommand(),
		runLicenseShowCommand(),
		runLicenseMutationCommand("ban", "Ban a license", (*license.Service).BanLicense),
		runLicenseMutationCommand("unban", "Reactivate a banned license", (*license.Service).UnbanLicense),
		runLicenseMutationCommand("reset-binding", "Clear the user/device binding and sessions", (*license.Service).ResetBinding),
		runLicenseDeleteCommand(),
		runGenerateKeyCommand(),
	)

	return cmd
}

func runLicenseCreateCommand() *cobra.Command {
	var (
		configDir  string
		key        string
		maxDevices int
		daysValid  int
		expiry     string
		note       string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a license",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			input := license.CreateInput{
				LicenseKey: key,
				MaxDevices: maxDevices,
				Note:       note,
			}
			if daysValid != 0 {
				input.DaysValid = &daysValid
			}
			if expiry != "" {
				t, err := time.Parse(time.RFC3339, expiry)
				if err != nil {
					return errors.Wrap(err, "parse --expiry (RFC 3339)")
				}
				input.ExpiryDate = &t
			}

			return withLicenseEnv(cmd, configDir, func(ctx context.Context, env *licenseEnv) error {
				created, err := env.service.CreateLicense(ctx, input)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), created)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "License %s created (id %s)\n", created.LicenseKey, created.ID)
				return nil
			})
		},
	}
	addConfigDirFlag(cmd, &configDir)
	cmd.Flags().StringVar(&key, "key", "", "license key (generated when empty)")
	cmd.Flags().IntVar(&maxDevices, "max-devices", 1, "concurrent sessions allowed")
	cmd.Flags().IntVar(&daysValid, "days-valid", 0, "days of validity counted from first use")
	cmd.Flags().StringVar(&expiry, "expiry", "", "fixed expiry date (RFC 3339)")
	cmd.Flags().StringVar(&note, "note", "", "free-form note")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	return cmd
}

func runLicenseListCommand() *cobra.Command {
	var (
		configDir string
		status    string
		limit     int
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List licenses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLicenseEnv(cmd, configDir, func(ctx context.Context, env *licenseEnv) error {
				licenses, err := env.service.ListLicenses(ctx, models.LicenseListOptions{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), licenses)
				}
				return printLicenses(cmd.OutOrStdout(), licenses)
			})
		},
	}
	addConfigDirFlag(cmd, &configDir)
	cmd.Flags().StringVar(&status, "status", "", "filter by status (active, banned, expired)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	return cmd
}

func runLicenseShowCommand() *cobra.Command {
	var (
		configDir string
		logs      int
	)

	cmd := &cobra.Command{
		Use:   "show <key|id>",
		Short: "Show a license with its sessions and recent audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLicenseEnv(cmd, configDir, func(ctx context.Context, env *licenseEnv) error {
				id, err := env.resolveID(ctx, args[0])
				if err != nil {
					return err
				}
				detail, err := env.service.GetLicenseDetail(ctx, id)
				if err != nil {
					return err
				}
				entries, err := env.service.ListAuditEntries(ctx, id, logs)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), struct {
					*license.Detail
					Logs []*models.AuditLogEntry `json:"logs"`
				}{detail, entries})
			})
		},
	}
	addConfigDirFlag(cmd, &configDir)
	cmd.Flags().IntVar(&logs, "logs", 20, "number of audit entries to include")

	return cmd
}

type licenseMutation func(s *license.Service, ctx context.Context, id string) (*models.License, error)

func runLicenseMutationCommand(use, short string, mutate licenseMutation) *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   use + " <key|id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLicenseEnv(cmd, configDir, func(ctx context.Context, env *licenseEnv) error {
				id, err := env.resolveID(ctx, args[0])
				if err != nil {
					return err
				}
				updated, err := mutate(env.service, ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "License %s: %s done (status %s)\n", updated.LicenseKey, use, updated.Status)
				return nil
			})
		},
	}
	addConfigDirFlag(cmd, &configDir)

	return cmd
}

func runLicenseDeleteCommand() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "delete <key|id>",
		Short: "Delete a license and its sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLicenseEnv(cmd, configDir, func(ctx context.Context, env *licenseEnv) error {
				id, err := env.resolveID(ctx, args[0])
				if err != nil {
					return err
				}
				if err := env.service.DeleteLicense(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "License %s deleted\n", args[0])
				return nil
			})
		},
	}
	addConfigDirFlag(cmd, &configDir)

	return cmd
}

func runGenerateKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-key",
		Short: "Print a new random license key without saving it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := license.GenerateLicenseKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

func printLicenses(w io.Writer, licenses []*models.License) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKEY\tSTATUS\tDEVICES\tBOUND USER\tEXPIRES")
	for _, l := range licenses {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			l.ID, l.LicenseKey, l.Status, l.MaxDevices, deref(l.BoundUserID), expiryLabel(l))
	}
	return tw.Flush()
}

func expiryLabel(l *models.License) string {
	switch {
	case l.ExpiryDate != nil:
		return l.ExpiryDate.UTC().Format(time.RFC3339)
	case l.DaysValid != nil:
		return fmt.Sprintf("%dd after first use", *l.DaysValid)
	default:
		return "never"
	}
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
