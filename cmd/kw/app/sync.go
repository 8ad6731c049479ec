// SPDX-FileCopyrightText: Copyright 2025 Keywheel Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Discover credentials and reconcile the keyring",
		Long: `Run credential discovery, merge, refresh, and prune without probing usage
or changing the active selection. Useful for scripting and debugging.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, _ := newEngine()
			k, err := engine.SyncOnce(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to persist keyring: %w", err)
			}
			fmt.Printf("keyring synced: %d keys\n", len(k.Keys))
			return nil
		},
	}
}
