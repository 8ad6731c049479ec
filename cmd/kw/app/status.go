// SPDX-FileCopyrightText: Copyright 2025 Keywheel Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/keywheel/keywheel/pkg/keyring"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the keyring and per-account usage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, store := newEngine()
			k := store.Load(cmd.Context())
			return renderStatusTable(k)
		},
	}
}

func renderStatusTable(k *keyring.Keyring) error {
	if len(k.Keys) == 0 {
		fmt.Println("No credentials in the keyring. Run 'kw sync' to discover them.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Options(
		tablewriter.WithHeader([]string{"Key", "Status", "Account", "5h", "7d", "7d Sonnet", "Checked", "Active"}),
	)

	now := time.Now()
	for _, id := range k.SortedKeyIDs() {
		rec := k.Keys[id]

		fiveHour, sevenDay, sonnet, checked := "-", "-", "-", "never"
		if rec.LastUsage != nil {
			fiveHour = fmt.Sprintf("%.0f%%", rec.LastUsage.FiveHour)
			sevenDay = fmt.Sprintf("%.0f%%", rec.LastUsage.SevenDay)
			sonnet = fmt.Sprintf("%.0f%%", rec.LastUsage.SevenDaySonnet)
		}
		if rec.LastHealthCheck != nil {
			age := now.Sub(time.UnixMilli(*rec.LastHealthCheck)).Round(time.Second)
			checked = fmt.Sprintf("%s ago", age)
		}
		account := rec.AccountEmail
		if account == "" {
			account = "-"
		}
		active := ""
		if id == k.ActiveKeyID {
			active = "*"
		}

		if err := table.Append([]string{
			keyring.ShortID(id),
			string(rec.Status),
			account,
			fiveHour,
			sevenDay,
			sonnet,
			checked,
			active,
		}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}
