// SPDX-FileCopyrightText: Copyright 2025 Keywheel Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/keywheel/keywheel/pkg/logger"
	"github.com/keywheel/keywheel/pkg/rotation"
)

func newHookCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hook",
		Short: "Run one rotation cycle as a host lifecycle hook",
		Long: `Run a single sync + probe + select cycle and emit the hook envelope on
stdout. This is the command the host assistant invokes at session lifecycle
events. It always exits zero and always emits {"continue": true, ...}: the
host must never be blocked by an internal failure.`,
		Run: func(cmd *cobra.Command, _ []string) {
			runHook(cmd)
		},
	}
}

func runHook(cmd *cobra.Command) {
	envelope := &rotation.Envelope{Continue: true, SuppressOutput: true}

	// Nothing may propagate to the host; a panic still produces the default
	// envelope on stdout.
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("hook cycle panicked: %v", r)
		}
		if err := envelope.Write(os.Stdout); err != nil {
			logger.Errorf("failed to write hook envelope: %v", err)
		}
	}()

	engine, _ := newEngine()
	envelope = engine.RunOnce(cmd.Context())
}
