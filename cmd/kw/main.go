// SPDX-FileCopyrightText: Copyright 2025 Keywheel Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the keywheel CLI.
package main

import (
	"os"

	"github.com/keywheel/keywheel/cmd/kw/app"
	"github.com/keywheel/keywheel/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
