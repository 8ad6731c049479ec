// SPDX-FileCopyrightText: Copyright 2025 Keywheel Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// tokenPrefixes are the provider token prefixes stripped before hashing so
// that the same underlying credential hashes to the same id regardless of the
// token flavor it was issued as. A token matches at most one prefix, which
// keeps the derived id independent of the order of this list.
var tokenPrefixes = []string{
	"sk-ant-oat01-",
	"sk-ant-ort01-",
	"sk-ant-api03-",
}

// keyIDLength is the number of hex characters kept from the SHA-256 digest.
const keyIDLength = 16

// DeriveKeyID computes the stable identifier for an access token: the first
// 16 hex characters of the SHA-256 of the token with any known provider
// prefix stripped. The same token always yields the same id.
func DeriveKeyID(accessToken string) string {
	stripped := accessToken
	for _, prefix := range tokenPrefixes {
		if strings.HasPrefix(accessToken, prefix) {
			stripped = accessToken[len(prefix):]
			break
		}
	}
	sum := sha256.Sum256([]byte(stripped))
	return hex.EncodeToString(sum[:])[:keyIDLength]
}

// ShortID returns the first 8 characters of a key id for log lines. Only the
// shortened hash ever appears in human-readable output.
func ShortID(keyID string) string {
	if len(keyID) <= 8 {
		return keyID
	}
	return keyID[:8]
}
