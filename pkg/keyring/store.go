// SPDX-FileCopyrightText: Copyright 2025 Keywheel Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/gofrs/flock"

	"github.com/keywheel/keywheel/pkg/fileutils"
	"github.com/keywheel/keywheel/pkg/logger"
)

// lockTimeout is the maximum time to wait for the advisory file lock.
const lockTimeout = 1 * time.Second

// defaultStatePathGenerator generates the default keyring path using xdg.
var defaultStatePathGenerator = func() (string, error) {
	return xdg.DataFile("keywheel/keyring.json")
}

// getStatePath is the current path generator, can be replaced in tests.
var getStatePath = defaultStatePathGenerator

// defaultLogPathGenerator generates the default human log path using xdg.
var defaultLogPathGenerator = func() (string, error) {
	return xdg.StateFile("keywheel/rotation.log")
}

// getLogPath is the current log path generator, can be replaced in tests.
var getLogPath = defaultLogPathGenerator

// Store defines the interface for keyring persistence.
type Store interface {
	// Load reads the keyring from storage. It never fails: a missing,
	// malformed, or wrong-version file yields a fresh default keyring.
	Load(ctx context.Context) *Keyring
	// Save writes the keyring to storage atomically.
	Save(ctx context.Context, k *Keyring) error
	// Update performs a locked read-modify-write cycle on the keyring.
	Update(ctx context.Context, updateFn func(*Keyring)) error
	// LogEvent best-effort appends a human-readable event line to the
	// operator log. Failures are swallowed.
	LogEvent(ev RotationEvent)
}

// LocalStore implements Store using the local file system.
type LocalStore struct {
	statePath string
	logPath   string
}

// NewLocalStore creates a file-based keyring store. Empty paths fall back to
// the xdg defaults.
func NewLocalStore(statePath, logPath string) *LocalStore {
	return &LocalStore{
		statePath: statePath,
		logPath:   logPath,
	}
}

func (s *LocalStore) resolveStatePath() (string, error) {
	if s.statePath != "" {
		return s.statePath, nil
	}
	return getStatePath()
}

func (s *LocalStore) resolveLogPath() (string, error) {
	if s.logPath != "" {
		return s.logPath, nil
	}
	return getLogPath()
}

// Load reads the keyring from disk. The engine runs inside a host hook, so
// reader errors are recovered to a default keyring rather than surfaced: a
// corrupt state file just means the keys get re-discovered on the next sync.
func (s *LocalStore) Load(_ context.Context) *Keyring {
	statePath, err := s.resolveStatePath()
	if err != nil {
		logger.Debugf("unable to resolve keyring path, starting empty: %v", err)
		return NewKeyring()
	}

	// #nosec G304: the path is under the user's own data directory.
	raw, err := os.ReadFile(filepath.Clean(statePath))
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warnf("failed to read keyring file %s, starting empty: %v", statePath, err)
		}
		return NewKeyring()
	}

	var k Keyring
	if err := json.Unmarshal(raw, &k); err != nil {
		logger.Warnf("keyring file %s is malformed, starting empty: %v", statePath, err)
		return NewKeyring()
	}
	if k.Version != CurrentVersion {
		logger.Warnf("keyring file %s has unsupported version %d, starting empty", statePath, k.Version)
		return NewKeyring()
	}
	if k.Keys == nil {
		k.Keys = make(map[string]*KeyRecord)
	}
	if k.RotationLog == nil {
		k.RotationLog = []RotationEvent{}
	}
	return &k
}

// Save writes the keyring atomically (temp file then rename) as 2-space
// indented UTF-8 JSON, creating the parent directory if needed.
func (s *LocalStore) Save(_ context.Context, k *Keyring) error {
	statePath, err := s.resolveStatePath()
	if err != nil {
		return fmt.Errorf("unable to resolve keyring path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(statePath), 0o700); err != nil {
		return fmt.Errorf("failed to create keyring directory: %w", err)
	}

	data, err := json.MarshalIndent(k, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize keyring: %w", err)
	}

	if err := fileutils.AtomicWriteFile(statePath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write keyring file: %w", err)
	}
	return nil
}

// Update performs a locked read-modify-write cycle. Concurrent invocations
// from the host are rare but possible; a separate lock file keeps them
// ordered without holding any lock across HTTP.
func (s *LocalStore) Update(ctx context.Context, updateFn func(*Keyring)) error {
	statePath, err := s.resolveStatePath()
	if err != nil {
		return fmt.Errorf("unable to resolve keyring path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(statePath), 0o700); err != nil {
		return fmt.Errorf("failed to create keyring directory: %w", err)
	}

	// Use a separate lock file for cross-platform compatibility.
	lockPath := statePath + ".lock"
	fileLock := flock.New(lockPath)
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("failed to acquire lock: timeout after %v", lockTimeout)
	}
	defer fileLock.Unlock()

	// Load after acquiring the lock to avoid clobbering concurrent writers.
	k := s.Load(ctx)
	updateFn(k)
	if err := s.Save(ctx, k); err != nil {
		return fmt.Errorf("failed to save keyring: %w", err)
	}
	return nil
}

// LogEvent appends one human-readable line per event to the operator log.
// The line carries only the shortened key id hash, never token material.
func (s *LocalStore) LogEvent(ev RotationEvent) {
	logPath, err := s.resolveLogPath()
	if err != nil {
		logger.Debugf("unable to resolve rotation log path: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
		logger.Debugf("unable to create rotation log directory: %v", err)
		return
	}

	ts := time.UnixMilli(ev.Timestamp).UTC().Format(time.RFC3339)
	line := fmt.Sprintf("%s %s", ts, ev.Event)
	if ev.KeyID != "" {
		line += " " + ShortID(ev.KeyID)
	}
	if ev.Reason != "" {
		line += " " + ev.Reason
	}
	line += "\n"

	// #nosec G304: the path is under the user's own state directory.
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		logger.Debugf("unable to open rotation log: %v", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		logger.Debugf("unable to append rotation log line: %v", err)
	}
}
