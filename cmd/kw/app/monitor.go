// SPDX-FileCopyrightText: Copyright 2025 Keywheel Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/keywheel/keywheel/pkg/rotation"
)

func newMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Run the adaptive quota monitor daemon",
		Long: `Run the long-lived quota monitor. Each tick probes every account's usage,
refreshes expired tokens, and rotates the active credential when a bucket
runs hot or the current usage velocity would exhaust it before the next
check. The check interval adapts to peak utilization. SIGINT/SIGTERM let the
current tick finish before the process exits.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			engine, _ := newEngine()
			rotation.NewMonitor(engine).Run(ctx)
			return nil
		},
	}
}
