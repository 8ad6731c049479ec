// SPDX-FileCopyrightText: Copyright 2025 Keywheel Authors
// SPDX-License-Identifier: Apache-2.0

// Package versions provides version information for the keywheel binary.
package versions

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

const unknownStr = "unknown"

// Build information, injected at build time via ldflags.
var (
	// Version is the current version of keywheel.
	Version = "dev"
	// Commit is the git commit hash of the build.
	Commit = unknownStr
	// BuildDate is the date when the binary was built.
	BuildDate = unknownStr
)

// VersionInfo represents the version information of the binary.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetVersionInfo returns the version information for the current binary.
func GetVersionInfo() VersionInfo {
	version := Version
	if version == "dev" {
		// Local builds identify themselves by commit rather than a release tag.
		if Commit != unknownStr {
			short := Commit
			if len(short) > 8 {
				short = short[:8]
			}
			version = fmt.Sprintf("build-%s", short)
		} else {
			version = "build-unknown"
		}
	}

	buildDate := BuildDate
	if buildDate != unknownStr {
		if t, err := time.Parse(time.RFC3339, buildDate); err == nil {
			buildDate = t.Format("2006-01-02 15:04:05 UTC")
		}
	}

	return VersionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    Commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// UserAgent returns the User-Agent string sent on provider requests.
func UserAgent() string {
	return fmt.Sprintf("keywheel/%s (%s/%s)", GetVersionInfo().Version, runtime.GOOS, runtime.GOARCH)
}
