// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/growkey/growkey/internal/client"
)

type clientFlags struct {
	server   string
	key      string
	license  string
	userID   string
	hwid     string
	stateDir string
	timeout  time.Duration
	attempts uint
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.server, "server", "http://localhost:7480", "growkey server URL")
	cmd.Flags().StringVar(&f.key, "encryption-key", os.Getenv("GROWKEY__ENCRYPTION_KEY"), "shared encryption key")
	cmd.Flags().StringVar(&f.license, "license", "", "license key")
	cmd.Flags().StringVar(&f.userID, "user", "", "bot user id")
	cmd.Flags().StringVar(&f.hwid, "hwid", "", "device id (derived from this machine when empty)")
	cmd.Flags().StringVar(&f.stateDir, "state-dir", "", "directory to persist the derived device id")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 15*time.Second, "request timeout")
	cmd.Flags().UintVar(&f.attempts, "attempts", 3, "attempts on transient failures")
	_ = cmd.MarkFlagRequired("license")
	_ = cmd.MarkFlagRequired("user")
}

func (f *clientFlags) build() (*client.Client, client.Credentials, error) {
	hwid := f.hwid
	if hwid == "" {
		derived, err := client.HardwareID(client.DefaultAppID, f.userID, f.stateDir)
		if err != nil {
			return nil, client.Credentials{}, errors.Wrap(err, "derive hardware id")
		}
		hwid = derived
	}

	c, err := client.New(client.Config{
		BaseURL:       f.server,
		EncryptionKey: f.key,
		Timeout:       f.timeout,
		Attempts:      f.attempts,
	})
	if err != nil {
		return nil, client.Credentials{}, err
	}

	return c, client.Credentials{LicenseKey: f.license, UserID: f.userID, DeviceID: hwid}, nil
}

// RunClientCommand acts as a bot client against a server, for smoke tests and
// support.
func RunClientCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Talk to a growkey server as a bot client",
	}
	cmd.AddCommand(runClientTokenCommand(), runClientLogoutCommand())
	return cmd
}

func runClientTokenCommand() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Request a token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, creds, err := flags.build()
			if err != nil {
				return err
			}

			token, err := c.IssueToken(cmd.Context(), creds)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "token:   %s\nexpires: %s\nhwid:    %s\n",
				token.Token, token.ExpiredAt.Format(time.RFC3339), creds.DeviceID)
			return nil
		},
	}
	flags.register(cmd)

	return cmd
}

func runClientLogoutCommand() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "End the session of this user and device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, creds, err := flags.build()
			if err != nil {
				return err
			}

			message, err := c.Logout(cmd.Context(), creds)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), message)
			return nil
		},
	}
	flags.register(cmd)

	return cmd
}
