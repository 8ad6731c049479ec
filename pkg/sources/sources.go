// SPDX-FileCopyrightText: Copyright 2025 Keywheel Authors
// SPDX-License-Identifier: Apache-2.0

// Package sources discovers credential material on the local machine. Each
// source yields zero or more access/refresh token pairs; the sync step merges
// them into the keyring. Source failures are never fatal, a credential that
// cannot be read right now is simply picked up on a later sync.
package sources

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	zkeyring "github.com/zalando/go-keyring"

	"github.com/tidwall/gjson"

	"github.com/keywheel/keywheel/pkg/env"
	"github.com/keywheel/keywheel/pkg/fileutils"
	"github.com/keywheel/keywheel/pkg/logger"
)

const (
	// CredentialsFileEnv overrides the default credentials file path.
	CredentialsFileEnv = "KEYWHEEL_CREDENTIALS_FILE"
	// ExtraFilesEnv lists additional credential files, separated by the
	// platform path-list separator.
	ExtraFilesEnv = "KEYWHEEL_EXTRA_CREDENTIAL_FILES"

	// keychainService is the OS keychain entry holding the host assistant's
	// credentials on platforms that store them there instead of on disk.
	keychainService = "Claude Code-credentials"
)

// Credential is one discovered access/refresh token pair.
type Credential struct {
	AccessToken  string
	RefreshToken string
	// ExpiresAt is the access token expiry in epoch milliseconds, nil when
	// the source does not carry one.
	ExpiresAt *int64
}

// Source yields credentials from one location.
type Source interface {
	// Name identifies the source in diagnostics.
	Name() string
	// Load reads the source. A missing source returns (nil, nil).
	Load(ctx context.Context) ([]Credential, error)
}

// FileSource reads credentials from a JSON file on disk.
type FileSource struct {
	path string
}

// NewFileSource creates a source reading the given JSON file.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Name implements Source.
func (s *FileSource) Name() string {
	return "file:" + s.path
}

// Load reads and parses the credentials file. A missing file is not an error.
func (s *FileSource) Load(_ context.Context) ([]Credential, error) {
	// #nosec G304: the paths come from the user's own configuration.
	raw, err := os.ReadFile(filepath.Clean(s.path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	return ParseCredentials(raw)
}

// KeychainSource reads credentials from the OS keychain.
type KeychainSource struct {
	service string
	user    string
}

// NewKeychainSource creates a source reading the host assistant's keychain
// entry for the given user.
func NewKeychainSource(user string) *KeychainSource {
	return &KeychainSource{service: keychainService, user: user}
}

// Name implements Source.
func (s *KeychainSource) Name() string {
	return "keychain:" + s.service
}

// Load reads the keychain entry. A missing entry is not an error.
func (s *KeychainSource) Load(_ context.Context) ([]Credential, error) {
	value, err := zkeyring.Get(s.service, s.user)
	if err != nil {
		if errors.Is(err, zkeyring.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read keychain entry: %w", err)
	}
	return ParseCredentials([]byte(value))
}

// ParseCredentials extracts credentials from a JSON document. Two shapes are
// understood: the host assistant's credentials object
// {"claudeAiOauth": {"accessToken", "refreshToken", "expiresAt"}} and a plain
// array of {"access_token", "refresh_token", "expires_at"} objects as used by
// extra credential files.
func ParseCredentials(raw []byte) ([]Credential, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("credentials document is not valid JSON")
	}

	doc := gjson.ParseBytes(raw)

	if oauth := doc.Get("claudeAiOauth"); oauth.Exists() {
		cred := credentialFromResult(oauth, "accessToken", "refreshToken", "expiresAt")
		if cred == nil {
			return nil, nil
		}
		return []Credential{*cred}, nil
	}

	if doc.IsArray() {
		var creds []Credential
		for _, item := range doc.Array() {
			if cred := credentialFromResult(item, "access_token", "refresh_token", "expires_at"); cred != nil {
				creds = append(creds, *cred)
			}
		}
		return creds, nil
	}

	return nil, nil
}

func credentialFromResult(r gjson.Result, accessKey, refreshKey, expiresKey string) *Credential {
	access := r.Get(accessKey).String()
	if access == "" {
		return nil
	}
	cred := &Credential{
		AccessToken:  access,
		RefreshToken: r.Get(refreshKey).String(),
	}
	if expires := r.Get(expiresKey); expires.Exists() {
		ms := expires.Int()
		cred.ExpiresAt = &ms
	}
	return cred
}

// Default builds the prioritized source list: the host assistant's
// credentials file under the user's home, the OS keychain entry, and any
// extra files named in the environment.
func Default(envReader env.Reader) []Source {
	var srcs []Source

	credPath := envReader.Getenv(CredentialsFileEnv)
	if credPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			logger.Debugf("unable to resolve home directory: %v", err)
		} else {
			credPath = filepath.Join(home, ".claude", ".credentials.json")
		}
	}
	if credPath != "" {
		srcs = append(srcs, NewFileSource(credPath))
	}

	srcs = append(srcs, NewKeychainSource(currentUser(envReader)))

	if extra := envReader.Getenv(ExtraFilesEnv); extra != "" {
		for _, p := range strings.Split(extra, string(os.PathListSeparator)) {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if err := fileutils.ValidateCredentialPath(p); err != nil {
				logger.Warnf("skipping extra credential file: %v", err)
				continue
			}
			srcs = append(srcs, NewFileSource(p))
		}
	}
	return srcs
}

func currentUser(envReader env.Reader) string {
	if u := envReader.Getenv("USER"); u != "" {
		return u
	}
	return envReader.Getenv("USERNAME")
}
