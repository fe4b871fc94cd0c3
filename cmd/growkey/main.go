// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/growkey/growkey/internal/buildinfo"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "growkey",
		Short: "License token server for bot clients",
		Long: `growkey issues short-lived tokens to licensed bot clients, binding each
license to the first user and device that claims it.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		RunServeCommand(),
		RunGenerateConfigCommand(),
		RunLicenseCommand(),
		RunClientCommand(),
		RunVersionCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func RunVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.OutOrStdout(), buildinfo.String())
		},
	}
}

func addConfigDirFlag(cmd *cobra.Command, configDir *string) {
	cmd.Flags().StringVar(configDir, "config-dir", "", "config directory (default $XDG_CONFIG_HOME/growkey)")
}
