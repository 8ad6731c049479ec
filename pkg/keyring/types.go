// SPDX-FileCopyrightText: Copyright 2025 Keywheel Authors
// SPDX-License-Identifier: Apache-2.0

// Package keyring contains the persistent rotation state: the set of managed
// credentials, the currently active selection, and the bounded rotation log.
package keyring

import (
	"sort"
)

// CurrentVersion is the keyring schema version this code reads and writes.
// Readers encountering any other version reset to the default keyring.
const CurrentVersion = 1

// MaxLogEntries bounds the rotation log. The log is trimmed on every write.
const MaxLogEntries = 200

// Status is the lifecycle state of a managed key.
type Status string

// Key lifecycle states.
const (
	// StatusActive means the key is usable (possibly pending its first probe).
	StatusActive Status = "active"
	// StatusExhausted means a usage bucket hit 100%. The key may recover on a
	// later probe since the provider buckets slide.
	StatusExhausted Status = "exhausted"
	// StatusInvalid means the credential is dead: the provider rejected it
	// with 401 or the refresh token came back as invalid_grant. A key never
	// leaves this state.
	StatusInvalid Status = "invalid"
	// StatusExpired means the access token expired and a refresh is pending.
	StatusExpired Status = "expired"
)

// EventKind names a rotation log event.
type EventKind string

// Rotation log event kinds.
const (
	EventKeyAdded          EventKind = "key_added"
	EventKeyRemoved        EventKind = "key_removed"
	EventKeyExhausted      EventKind = "key_exhausted"
	EventKeySwitched       EventKind = "key_switched"
	EventAccountAuthFailed EventKind = "account_auth_failed"
)

// UsageSnapshot holds the provider bucket utilizations from one probe, each a
// percentage in [0, 100].
type UsageSnapshot struct {
	FiveHour       float64 `json:"five_hour"`
	SevenDay       float64 `json:"seven_day"`
	SevenDaySonnet float64 `json:"seven_day_sonnet"`
	// CheckedAt is the probe time in epoch milliseconds.
	CheckedAt int64 `json:"checked_at"`
}

// Max returns the highest of the three bucket utilizations.
func (u *UsageSnapshot) Max() float64 {
	m := u.FiveHour
	if u.SevenDay > m {
		m = u.SevenDay
	}
	if u.SevenDaySonnet > m {
		m = u.SevenDaySonnet
	}
	return m
}

// KeyRecord is one managed credential with its health metadata.
type KeyRecord struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	// ExpiresAt is the access token expiry in epoch milliseconds; nil means
	// unknown.
	ExpiresAt *int64 `json:"expires_at"`
	Status    Status `json:"status"`
	// LastUsage is the most recent probe result, nil if never probed.
	LastUsage *UsageSnapshot `json:"last_usage"`
	// LastHealthCheck is the epoch-millisecond time of the most recent probe.
	LastHealthCheck *int64 `json:"last_health_check"`
	// AddedAt is the epoch-millisecond time the key was first discovered.
	AddedAt int64 `json:"added_at"`
	// AccountUUID and AccountEmail come from the best-effort profile lookup.
	AccountUUID  string `json:"account_uuid,omitempty"`
	AccountEmail string `json:"account_email,omitempty"`
}

// RotationEvent is one append-only audit record in the rotation log.
type RotationEvent struct {
	// Timestamp is epoch milliseconds.
	Timestamp int64     `json:"timestamp"`
	Event     EventKind `json:"event"`
	// KeyID may be empty for system-level events.
	KeyID        string `json:"key_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
	FromKeyID    string `json:"from_key_id,omitempty"`
	ToKeyID      string `json:"to_key_id,omitempty"`
	AccountEmail string `json:"account_email,omitempty"`
	Predictive   bool   `json:"predictive,omitempty"`
}

// Keyring is the top-level persistent rotation state.
type Keyring struct {
	Version int `json:"version"`
	// ActiveKeyID is the currently chosen key id, or empty if none.
	ActiveKeyID string                `json:"active_key_id,omitempty"`
	Keys        map[string]*KeyRecord `json:"keys"`
	// RotationLog is newest-first and trimmed to MaxLogEntries on every write.
	RotationLog []RotationEvent `json:"rotation_log"`
}

// NewKeyring returns an empty keyring at the current schema version.
func NewKeyring() *Keyring {
	return &Keyring{
		Version:     CurrentVersion,
		Keys:        make(map[string]*KeyRecord),
		RotationLog: []RotationEvent{},
	}
}

// AppendEvent prepends ev to the rotation log and trims it to MaxLogEntries.
func (k *Keyring) AppendEvent(ev RotationEvent) {
	k.RotationLog = append([]RotationEvent{ev}, k.RotationLog...)
	if len(k.RotationLog) > MaxLogEntries {
		k.RotationLog = k.RotationLog[:MaxLogEntries]
	}
}

// ActiveKey returns the currently active record, or nil when no selection is
// set or the selected id is gone.
func (k *Keyring) ActiveKey() *KeyRecord {
	if k.ActiveKeyID == "" {
		return nil
	}
	return k.Keys[k.ActiveKeyID]
}

// SortedKeyIDs returns all key ids ordered by insertion time (added_at, then
// id as the tie-break). Map iteration order is not stable, so every policy
// decision that depends on "insertion order" goes through this.
func (k *Keyring) SortedKeyIDs() []string {
	ids := make([]string, 0, len(k.Keys))
	for id := range k.Keys {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := k.Keys[ids[i]], k.Keys[ids[j]]
		if a.AddedAt != b.AddedAt {
			return a.AddedAt < b.AddedAt
		}
		return ids[i] < ids[j]
	})
	return ids
}
