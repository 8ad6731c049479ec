// SPDX-FileCopyrightText: Copyright 2025 Keywheel Authors
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/keywheel/keywheel/pkg/keyring"
	"github.com/keywheel/keywheel/pkg/logger"
)

// Envelope is the single JSON object the hook writes to stdout for the host.
// Continue is always true: the engine never blocks the host session. No token
// material ever appears here.
type Envelope struct {
	Continue       bool   `json:"continue"`
	SuppressOutput bool   `json:"suppressOutput"`
	SystemMessage  string `json:"systemMessage,omitempty"`
}

// Write emits the envelope as one newline-terminated JSON object.
func (e *Envelope) Write(w io.Writer) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to serialize envelope: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write envelope: %w", err)
	}
	return nil
}

// buildEnvelope summarizes aggregate usage for the host. The notification is
// only emitted when more than one distinct account has responded, so
// single-account users never see rotation chatter.
func (e *Engine) buildEnvelope(k *keyring.Keyring) *Envelope {
	accounts := make(map[string]struct{})
	var peak float64
	for _, id := range k.SortedKeyIDs() {
		rec := k.Keys[id]
		if rec.LastUsage == nil {
			continue
		}
		if m := rec.LastUsage.Max(); m > peak {
			peak = m
		}
		fingerprint := rec.AccountUUID
		if fingerprint == "" {
			// Without a uuid we fall back to the 7-day window pair, which can
			// merge genuinely distinct accounts whose windows coincide.
			fingerprint = fmt.Sprintf("7d:%.2f|%.2f", rec.LastUsage.SevenDay, rec.LastUsage.SevenDaySonnet)
			logger.Debugw("deduplicating account by usage fingerprint, uuid missing",
				"key", keyring.ShortID(id))
		}
		accounts[fingerprint] = struct{}{}
	}

	if len(accounts) <= 1 {
		return &Envelope{Continue: true, SuppressOutput: true}
	}

	return &Envelope{
		Continue: true,
		SystemMessage: fmt.Sprintf("keywheel: tracking %d accounts, peak usage %.0f%%",
			len(accounts), peak),
	}
}
