// SPDX-FileCopyrightText: Copyright 2025 Keywheel Authors
// SPDX-License-Identifier: Apache-2.0

// Package rotation implements the credential rotation engine: the pure
// selection policy, the sync/probe/select cycle, and the adaptive quota
// monitor daemon.
package rotation

import (
	"time"

	"github.com/keywheel/keywheel/pkg/keyring"
)

// Policy thresholds. Utilizations are percentages in [0, 100].
const (
	// HighUsageThreshold is the utilization above which the engine starts
	// looking for a less loaded key.
	HighUsageThreshold = 90.0
	// ExhaustedThreshold is the utilization at which a bucket is exhausted
	// and the key is unusable until it recovers.
	ExhaustedThreshold = 100.0
	// HealthDataMaxAge is the freshness gate: usage older than this cannot
	// drive a rotation, though the key still counts as potentially usable.
	HealthDataMaxAge = 15 * time.Minute
)

// candidate is one key under consideration, with its effective usage after
// freshness gating. A nil usage means never probed or stale.
type candidate struct {
	id    string
	usage *keyring.UsageSnapshot
}

// Select is the pure rotation policy: given the keyring after health updates,
// it returns the key id the engine should be using, or "" when no key is
// usable. It never mutates the keyring; persistence and event logging happen
// in the caller by comparing the result against the current active id.
func Select(k *keyring.Keyring, now time.Time) string {
	nowMS := now.UnixMilli()

	// Valid keys in insertion order, with stale usage masked out. Exactly at
	// the freshness boundary the data still counts as fresh (strict >).
	var usable []candidate
	for _, id := range k.SortedKeyIDs() {
		rec := k.Keys[id]
		if rec.Status != keyring.StatusActive && rec.Status != keyring.StatusExhausted {
			continue
		}
		usage := rec.LastUsage
		if usage != nil && rec.LastHealthCheck != nil &&
			nowMS-*rec.LastHealthCheck > HealthDataMaxAge.Milliseconds() {
			usage = nil
		}
		if usage != nil && usage.Max() >= ExhaustedThreshold {
			continue
		}
		usable = append(usable, candidate{id: id, usage: usage})
	}
	if len(usable) == 0 {
		return ""
	}

	var current *candidate
	for i := range usable {
		if usable[i].id == k.ActiveKeyID {
			current = &usable[i]
			break
		}
	}

	// allAbove90 holds when every usable key with known usage is running hot.
	// A key with unknown (stale or unprobed) usage forces it false: it might
	// have headroom we just cannot see yet.
	allAbove90 := true
	for i := range usable {
		if usable[i].usage == nil || usable[i].usage.Max() < HighUsageThreshold {
			allAbove90 = false
			break
		}
	}

	if allAbove90 {
		// No point jumping between near-full keys; stay put until the current
		// one actually exhausts (in which case it dropped out of the usable
		// set and we fall through to the first remaining key).
		if current != nil {
			return current.id
		}
	} else if current != nil && current.usage != nil && current.usage.Max() >= HighUsageThreshold {
		// Rotate to the usable key with the lowest peak utilization. Keys
		// with unknown usage are excluded from the comparison pool: stale
		// data must not drive switches.
		var best *candidate
		for i := range usable {
			c := &usable[i]
			if c.usage == nil {
				continue
			}
			if best == nil || c.usage.Max() < best.usage.Max() {
				best = c
			}
		}
		if best != nil {
			return best.id
		}
	}

	if current != nil {
		return current.id
	}
	return usable[0].id
}

// bestAlternative returns the usable, fresh, non-exhausted key with the
// lowest peak utilization, excluding excludeID. Used by predictive rotation.
// Returns "" when no alternative qualifies.
func bestAlternative(k *keyring.Keyring, now time.Time, excludeID string) string {
	nowMS := now.UnixMilli()
	var bestID string
	var bestMax float64
	for _, id := range k.SortedKeyIDs() {
		if id == excludeID {
			continue
		}
		rec := k.Keys[id]
		if rec.Status != keyring.StatusActive && rec.Status != keyring.StatusExhausted {
			continue
		}
		if rec.LastUsage == nil || rec.LastHealthCheck == nil {
			continue
		}
		if nowMS-*rec.LastHealthCheck > HealthDataMaxAge.Milliseconds() {
			continue
		}
		m := rec.LastUsage.Max()
		if m >= ExhaustedThreshold {
			continue
		}
		if bestID == "" || m < bestMax {
			bestID, bestMax = id, m
		}
	}
	return bestID
}
