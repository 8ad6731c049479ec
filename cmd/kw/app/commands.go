// SPDX-FileCopyrightText: Copyright 2025 Keywheel Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the keywheel command-line
// application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keywheel/keywheel/pkg/keyring"
	"github.com/keywheel/keywheel/pkg/logger"
	"github.com/keywheel/keywheel/pkg/provider"
	"github.com/keywheel/keywheel/pkg/rotation"
)

var rootCmd = &cobra.Command{
	Use:               "kw",
	DisableAutoGenTag: true,
	Short:             "keywheel rotates API credentials across multiple provider accounts",
	Long: `keywheel is a multi-account API-key rotation and quota-arbitration engine
for a long-running AI coding assistant. It discovers OAuth credentials from
local sources, probes each account's rate-limit buckets, and keeps the
assistant pointed at the account with the most headroom, switching before a
bucket exhausts.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the keywheel CLI.
func NewRootCmd() *cobra.Command {
	pf := rootCmd.PersistentFlags()
	pf.Bool("debug", false, "Enable debug logging")
	pf.String("state-file", "", "Path to the keyring state file (defaults to the XDG data dir)")
	pf.String("log-file", "", "Path to the human-readable rotation log (defaults to the XDG state dir)")
	pf.String("credentials-file", "", "Path to the credentials file the proxy reads")
	pf.String("provider-base-url", provider.DefaultBaseURL, "Provider API base URL")

	for _, name := range []string{"debug", "state-file", "log-file", "credentials-file", "provider-base-url"} {
		if err := viper.BindPFlag(name, pf.Lookup(name)); err != nil {
			logger.Errorf("failed to bind flag %s: %v", name, err)
		}
	}

	rootCmd.AddCommand(newHookCmd())
	rootCmd.AddCommand(newMonitorCmd())
	rootCmd.AddCommand(newSyncCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// newEngine wires the store, provider client, and engine from viper settings.
func newEngine() (*rotation.Engine, keyring.Store) {
	store := keyring.NewLocalStore(viper.GetString("state-file"), viper.GetString("log-file"))
	client := provider.NewClient(provider.WithBaseURL(viper.GetString("provider-base-url")))

	var opts []rotation.EngineOption
	if credPath := viper.GetString("credentials-file"); credPath != "" {
		opts = append(opts, rotation.WithCredentialsPath(credPath))
	}
	return rotation.NewEngine(store, client, opts...), store
}
