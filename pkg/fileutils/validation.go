// SPDX-FileCopyrightText: Copyright 2025 Keywheel Authors
// SPDX-License-Identifier: Apache-2.0

package fileutils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateCredentialPath checks that a user-supplied credential file path is
// safe to open. The hook runs with whatever working directory the host gives
// it, so relative paths would resolve differently on every invocation and are
// rejected outright.
func ValidateCredentialPath(path string) error {
	if path == "" {
		return fmt.Errorf("credential path is empty")
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("credential path contains a null byte")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("credential path %q is not absolute", path)
	}
	return nil
}
