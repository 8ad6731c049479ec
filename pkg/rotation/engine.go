// SPDX-FileCopyrightText: Copyright 2025 Keywheel Authors
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/keywheel/keywheel/pkg/env"
	"github.com/keywheel/keywheel/pkg/fileutils"
	"github.com/keywheel/keywheel/pkg/keyring"
	"github.com/keywheel/keywheel/pkg/logger"
	"github.com/keywheel/keywheel/pkg/provider"
	"github.com/keywheel/keywheel/pkg/sources"
)

const (
	// SpawnedSessionEnv is the flag the host sets on child sessions. When
	// present, the hook returns immediately and performs no work.
	SpawnedSessionEnv = "KEYWHEEL_SPAWNED_SESSION"

	// probeTimeout bounds the whole probe fan-out of one tick.
	probeTimeout = 15 * time.Second

	// reasonUsageRotation is logged when the selector moves off a hot key.
	reasonUsageRotation = "usage_threshold"
	// reasonInvalidGrant is logged when a refresh token is revoked.
	reasonInvalidGrant = "refresh_token_invalid_grant"
	// reasonUnauthorized is logged when a probe comes back 401.
	reasonUnauthorized = "unauthorized"
)

// Engine is the rotation state machine. It owns no global state: paths,
// clients, and clocks are all injected at construction and threaded through.
type Engine struct {
	store           keyring.Store
	client          *provider.Client
	sources         []sources.Source
	envReader       env.Reader
	credentialsPath string
	now             func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSources overrides the credential source list.
func WithSources(srcs []sources.Source) EngineOption {
	return func(e *Engine) {
		e.sources = srcs
	}
}

// WithEnvReader overrides environment access. Intended for tests.
func WithEnvReader(r env.Reader) EngineOption {
	return func(e *Engine) {
		e.envReader = r
	}
}

// WithCredentialsPath overrides the credentials file the external proxy
// reads.
func WithCredentialsPath(path string) EngineOption {
	return func(e *Engine) {
		e.credentialsPath = path
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine constructs the rotation engine.
func NewEngine(store keyring.Store, client *provider.Client, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     store,
		client:    client,
		envReader: &env.OSReader{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.sources == nil {
		e.sources = sources.Default(e.envReader)
	}
	if e.credentialsPath == "" {
		e.credentialsPath = defaultCredentialsPath(e.envReader)
	}
	return e
}

func defaultCredentialsPath(envReader env.Reader) string {
	if p := envReader.Getenv(sources.CredentialsFileEnv); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		logger.Debugf("unable to resolve home directory: %v", err)
		return ""
	}
	return filepath.Join(home, ".claude", ".credentials.json")
}

func (e *Engine) nowMS() int64 {
	return e.now().UnixMilli()
}

// recordEvent appends ev to the rotation log and writes its human log line.
// key_switched lines go through pendingSwitch instead so they land in the
// operator log only after persistence succeeds.
func (e *Engine) recordEvent(k *keyring.Keyring, ev keyring.RotationEvent) {
	k.AppendEvent(ev)
	e.store.LogEvent(ev)
}

// Sync reconciles the keyring against the credential sources: discover and
// merge, refresh expired keys, then prune dead ones. It mutates k in memory;
// the caller persists.
func (e *Engine) Sync(ctx context.Context, k *keyring.Keyring) {
	e.discover(ctx, k)
	e.markExpired(k)
	e.refreshExpired(ctx, k)
	e.pruneDead(k)
}

// discover merges every credential the sources currently hold into the
// keyring. Known keys get their token material updated in place (sources
// rotate tokens for the same identity when they refresh themselves); health
// state is never touched here.
func (e *Engine) discover(ctx context.Context, k *keyring.Keyring) {
	for _, src := range e.sources {
		creds, err := src.Load(ctx)
		if err != nil {
			logger.Debugf("credential source %s failed: %v", src.Name(), err)
			continue
		}
		for _, cred := range creds {
			id := keyring.DeriveKeyID(cred.AccessToken)
			if rec, ok := k.Keys[id]; ok {
				rec.AccessToken = cred.AccessToken
				if cred.RefreshToken != "" {
					rec.RefreshToken = cred.RefreshToken
				}
				if cred.ExpiresAt != nil {
					rec.ExpiresAt = cred.ExpiresAt
				}
				continue
			}

			rec := &keyring.KeyRecord{
				AccessToken:  cred.AccessToken,
				RefreshToken: cred.RefreshToken,
				ExpiresAt:    cred.ExpiresAt,
				Status:       keyring.StatusActive,
				AddedAt:      e.nowMS(),
			}
			e.enrichProfile(ctx, rec)
			k.Keys[id] = rec
			e.recordEvent(k, keyring.RotationEvent{
				Timestamp:    e.nowMS(),
				Event:        keyring.EventKeyAdded,
				KeyID:        id,
				AccountEmail: rec.AccountEmail,
			})
			logger.Infow("discovered new credential", "key", keyring.ShortID(id), "source", src.Name())
		}
	}
}

// enrichProfile attaches account identity to a new key. Failures never block
// a sync.
func (e *Engine) enrichProfile(ctx context.Context, rec *keyring.KeyRecord) {
	profile, err := e.client.FetchProfileWithRetry(ctx, rec.AccessToken)
	if err != nil {
		logger.Debugf("profile lookup failed: %v", err)
		return
	}
	rec.AccountUUID = profile.UUID
	rec.AccountEmail = profile.Email
}

// markExpired transitions keys whose access token has lapsed into the
// expired state so the refresh step picks them up. Invalid keys stay dead.
func (e *Engine) markExpired(k *keyring.Keyring) {
	nowMS := e.nowMS()
	for _, rec := range k.Keys {
		if rec.Status == keyring.StatusInvalid || rec.Status == keyring.StatusExpired {
			continue
		}
		if rec.ExpiresAt != nil && *rec.ExpiresAt < nowMS {
			rec.Status = keyring.StatusExpired
		}
	}
}

// refreshExpired attempts the refresh-token exchange for every expired key.
// The outcome is three-way and invalid_grant MUST be tested before success:
// a revoked refresh token permanently invalidates the key, any other failure
// is transient and retried on the next tick.
func (e *Engine) refreshExpired(ctx context.Context, k *keyring.Keyring) {
	nowMS := e.nowMS()
	for _, id := range k.SortedKeyIDs() {
		rec := k.Keys[id]
		if rec.Status != keyring.StatusExpired {
			continue
		}
		if rec.ExpiresAt != nil && *rec.ExpiresAt >= nowMS {
			continue
		}

		token, err := e.client.Refresh(ctx, rec.RefreshToken)
		if errors.Is(err, provider.ErrInvalidGrant) {
			rec.Status = keyring.StatusInvalid
			e.recordEvent(k, keyring.RotationEvent{
				Timestamp:    e.nowMS(),
				Event:        keyring.EventKeyRemoved,
				KeyID:        id,
				Reason:       reasonInvalidGrant,
				AccountEmail: rec.AccountEmail,
			})
			logger.Warnw("refresh token revoked", "key", keyring.ShortID(id))
			continue
		}
		if err != nil {
			logger.Debugf("refresh for %s failed transiently: %v", keyring.ShortID(id), err)
			continue
		}

		rec.AccessToken = token.AccessToken
		rec.RefreshToken = token.RefreshToken
		if token.ExpiresAt != 0 {
			expires := token.ExpiresAt
			rec.ExpiresAt = &expires
		}
		rec.Status = keyring.StatusActive
		logger.Infow("refreshed credential", "key", keyring.ShortID(id))
	}
}

// pruneDead removes every invalid key except the currently active one. The
// account_auth_failed event is appended before deletion so the failure stays
// on record, and log entries for the pruned key are filtered out except those
// account_auth_failed entries.
func (e *Engine) pruneDead(k *keyring.Keyring) {
	for _, id := range k.SortedKeyIDs() {
		rec := k.Keys[id]
		if rec.Status != keyring.StatusInvalid || id == k.ActiveKeyID {
			continue
		}

		e.recordEvent(k, keyring.RotationEvent{
			Timestamp:    e.nowMS(),
			Event:        keyring.EventAccountAuthFailed,
			KeyID:        id,
			AccountEmail: rec.AccountEmail,
		})
		delete(k.Keys, id)

		filtered := k.RotationLog[:0]
		for _, ev := range k.RotationLog {
			if ev.KeyID == id && ev.Event != keyring.EventAccountAuthFailed {
				continue
			}
			filtered = append(filtered, ev)
		}
		k.RotationLog = filtered
		logger.Infow("pruned dead credential", "key", keyring.ShortID(id))
	}
}

// probeResult carries one key's probe outcome back to the serial apply step.
type probeResult struct {
	id    string
	usage *provider.Usage
	err   error
}

// ProbeAll fans out health probes over every key that is neither invalid nor
// expired and applies the joined results. Probes run concurrently under a
// per-tick deadline; keyring mutation happens serially after the join.
func (e *Engine) ProbeAll(ctx context.Context, k *keyring.Keyring) {
	var ids []string
	for _, id := range k.SortedKeyIDs() {
		switch k.Keys[id].Status {
		case keyring.StatusInvalid, keyring.StatusExpired:
		default:
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	results := make([]probeResult, len(ids))
	g, gctx := errgroup.WithContext(probeCtx)
	for i, id := range ids {
		token := k.Keys[id].AccessToken
		g.Go(func() error {
			usage, err := e.client.FetchUsage(gctx, token)
			results[i] = probeResult{id: id, usage: usage, err: err}
			return nil
		})
	}
	// Goroutines never return errors; the group is used for the join and the
	// shared deadline.
	_ = g.Wait()

	for _, res := range results {
		e.applyProbe(k, res)
	}
}

func (e *Engine) applyProbe(k *keyring.Keyring, res probeResult) {
	rec, ok := k.Keys[res.id]
	if !ok {
		return
	}

	if errors.Is(res.err, provider.ErrUnauthorized) {
		rec.Status = keyring.StatusInvalid
		e.recordEvent(k, keyring.RotationEvent{
			Timestamp:    e.nowMS(),
			Event:        keyring.EventKeyRemoved,
			KeyID:        res.id,
			Reason:       reasonUnauthorized,
			AccountEmail: rec.AccountEmail,
		})
		logger.Warnw("credential rejected by provider", "key", keyring.ShortID(res.id))
		return
	}
	if res.err != nil {
		var httpErr *provider.HTTPError
		if errors.As(res.err, &httpErr) {
			logger.Debugf("probe for %s failed: %s", keyring.ShortID(res.id), httpErr.Code())
		} else {
			logger.Debugf("probe for %s failed transiently: %v", keyring.ShortID(res.id), res.err)
		}
		return
	}

	nowMS := e.nowMS()
	rec.LastUsage = &keyring.UsageSnapshot{
		FiveHour:       res.usage.FiveHour,
		SevenDay:       res.usage.SevenDay,
		SevenDaySonnet: res.usage.SevenDaySonnet,
		CheckedAt:      nowMS,
	}
	checked := nowMS
	rec.LastHealthCheck = &checked

	if res.usage.Max() >= ExhaustedThreshold {
		if rec.Status != keyring.StatusExhausted {
			rec.Status = keyring.StatusExhausted
			e.recordEvent(k, keyring.RotationEvent{
				Timestamp: nowMS,
				Event:     keyring.EventKeyExhausted,
				KeyID:     res.id,
			})
			logger.Infow("credential exhausted", "key", keyring.ShortID(res.id),
				"peak", fmt.Sprintf("%.1f", res.usage.Max()))
		}
		return
	}
	rec.Status = keyring.StatusActive
}

// applySelection runs the selector and performs the rotation when it
// recommends a different key. It returns the key_switched event to be
// human-logged after persistence, or nil when nothing changed.
func (e *Engine) applySelection(k *keyring.Keyring, reason string, predictive bool) *keyring.RotationEvent {
	newID := Select(k, e.now())
	if newID == "" || newID == k.ActiveKeyID {
		return nil
	}
	return e.switchTo(k, newID, reason, predictive)
}

// switchTo moves the active selection to newID and rewrites the credentials
// file the external proxy reads.
func (e *Engine) switchTo(k *keyring.Keyring, newID, reason string, predictive bool) *keyring.RotationEvent {
	ev := keyring.RotationEvent{
		Timestamp:  e.nowMS(),
		Event:      keyring.EventKeySwitched,
		KeyID:      newID,
		Reason:     reason,
		FromKeyID:  k.ActiveKeyID,
		ToKeyID:    newID,
		Predictive: predictive,
	}
	k.ActiveKeyID = newID
	k.AppendEvent(ev)

	if err := e.writeActiveCredentials(k); err != nil {
		logger.Errorf("failed to write credentials file: %v", err)
	}
	logger.Infow("switched active credential",
		"from", keyring.ShortID(ev.FromKeyID), "to", keyring.ShortID(newID), "reason", reason)
	return &ev
}

// activeCredentials is the on-disk shape the external proxy consumes.
type activeCredentials struct {
	ClaudeAiOauth struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresAt    *int64 `json:"expiresAt,omitempty"`
	} `json:"claudeAiOauth"`
}

// writeActiveCredentials atomically rewrites the credentials file with the
// active key's token material.
func (e *Engine) writeActiveCredentials(k *keyring.Keyring) error {
	rec := k.ActiveKey()
	if rec == nil {
		return fmt.Errorf("no active key to write")
	}
	if e.credentialsPath == "" {
		return fmt.Errorf("credentials path is not configured")
	}

	var creds activeCredentials
	creds.ClaudeAiOauth.AccessToken = rec.AccessToken
	creds.ClaudeAiOauth.RefreshToken = rec.RefreshToken
	creds.ClaudeAiOauth.ExpiresAt = rec.ExpiresAt

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize credentials: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(e.credentialsPath), 0o700); err != nil {
		return fmt.Errorf("failed to create credentials directory: %w", err)
	}
	return fileutils.AtomicWriteFile(e.credentialsPath, data, 0o600)
}

// persist writes the keyring back under the advisory lock. Failures are
// logged and swallowed: the engine runs inside a host hook and must not
// block it, at the cost of the next invocation missing this tick's updates.
func (e *Engine) persist(ctx context.Context, k *keyring.Keyring) error {
	err := e.store.Update(ctx, func(fresh *keyring.Keyring) {
		*fresh = *k
	})
	if err != nil {
		logger.Errorf("failed to persist keyring: %v", err)
	}
	return err
}

// SyncOnce loads the keyring, reconciles it against the credential sources,
// and persists the result. Probing and selection are left alone.
func (e *Engine) SyncOnce(ctx context.Context) (*keyring.Keyring, error) {
	k := e.store.Load(ctx)
	e.Sync(ctx, k)
	if err := e.persist(ctx, k); err != nil {
		return k, err
	}
	return k, nil
}

// RunOnce performs one full sync + probe + select cycle: the one-shot hook
// mode. It always returns an envelope with Continue set; internal errors are
// logged to stderr and never propagate to the host.
func (e *Engine) RunOnce(ctx context.Context) *Envelope {
	if e.envReader.Getenv(SpawnedSessionEnv) != "" {
		// Child sessions spawned by the host share the parent's credentials;
		// running the engine there would double-probe and double-write.
		return &Envelope{Continue: true, SuppressOutput: true}
	}

	k := e.store.Load(ctx)
	e.Sync(ctx, k)
	e.ProbeAll(ctx, k)

	// Make sure a selection exists even before any usage is known.
	switchEv := e.applySelection(k, reasonUsageRotation, false)

	persistErr := e.persist(ctx, k)
	if switchEv != nil && persistErr == nil {
		e.store.LogEvent(*switchEv)
	}

	return e.buildEnvelope(k)
}
