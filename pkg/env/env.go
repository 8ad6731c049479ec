// SPDX-FileCopyrightText: Copyright 2025 Keywheel Authors
// SPDX-License-Identifier: Apache-2.0

// Package env abstracts environment variable access so that it can be
// injected in tests.
package env

import "os"

// Reader reads environment variables.
type Reader interface {
	// Getenv retrieves the value of the environment variable named by the key.
	Getenv(key string) string
}

// OSReader reads environment variables from the process environment.
type OSReader struct{}

// Getenv retrieves the value from the real process environment.
func (*OSReader) Getenv(key string) string {
	return os.Getenv(key)
}

// MapReader reads environment variables from a fixed map. Intended for tests.
type MapReader map[string]string

// Getenv retrieves the value from the map, or "" when absent.
func (m MapReader) Getenv(key string) string {
	return m[key]
}
