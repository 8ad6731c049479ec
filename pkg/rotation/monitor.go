// SPDX-FileCopyrightText: Copyright 2025 Keywheel Authors
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/keywheel/keywheel/pkg/keyring"
	"github.com/keywheel/keywheel/pkg/logger"
)

const (
	// ProactiveThreshold is the peak utilization below which predictive
	// rotation may still fire based on velocity. At or above it the ordinary
	// selector handles the switch.
	ProactiveThreshold = 95.0

	// UsageHistoryMax is the capacity of the per-process usage sample ring.
	UsageHistoryMax = 5

	// reasonPredictive is logged on velocity-triggered rotations.
	reasonPredictive = "quota_monitor_predictive"
	// reasonMonitorRotation is logged on ordinary monitor-driven rotations.
	reasonMonitorRotation = "quota_monitor"
)

// intervalTier maps a peak-utilization upper bound to a check interval.
type intervalTier struct {
	below    float64
	interval time.Duration
}

// adaptiveTiers is scanned linearly; the last tier is the fallback.
var adaptiveTiers = []intervalTier{
	{below: 70, interval: 5 * time.Minute},
	{below: 85, interval: 2 * time.Minute},
	{below: 95, interval: 1 * time.Minute},
	{below: math.Inf(1), interval: 30 * time.Second},
}

// AdaptiveInterval returns the next check interval for the given peak
// utilization.
func AdaptiveInterval(peakUsage float64) time.Duration {
	for _, tier := range adaptiveTiers {
		if peakUsage < tier.below {
			return tier.interval
		}
	}
	return adaptiveTiers[len(adaptiveTiers)-1].interval
}

// usageSample is one point of the active key's peak usage over time.
type usageSample struct {
	timestamp int64
	usage     float64
}

// Monitor is the adaptive quota monitor daemon. It is single-threaded: only
// the HTTP probe fan-out inside a tick is concurrent.
type Monitor struct {
	engine  *Engine
	runID   string
	history []usageSample
}

// NewMonitor creates a monitor around the given engine.
func NewMonitor(engine *Engine) *Monitor {
	return &Monitor{
		engine: engine,
		runID:  uuid.NewString(),
	}
}

// pushSample appends a usage sample, trimming the ring to UsageHistoryMax.
func (m *Monitor) pushSample(timestamp int64, usage float64) {
	m.history = append(m.history, usageSample{timestamp: timestamp, usage: usage})
	if len(m.history) > UsageHistoryMax {
		m.history = m.history[len(m.history)-UsageHistoryMax:]
	}
}

// velocity returns the usage slope in percent per minute across the sample
// ring. It is 0 with fewer than 2 samples or a non-positive timespan.
// Negative values (usage decreasing) are preserved; only positive velocities
// trigger predictive behavior.
func (m *Monitor) velocity() float64 {
	if len(m.history) < 2 {
		return 0
	}
	oldest := m.history[0]
	newest := m.history[len(m.history)-1]
	span := newest.timestamp - oldest.timestamp
	if span <= 0 {
		return 0
	}
	return (newest.usage - oldest.usage) / (float64(span) / 60_000)
}

// Tick runs one monitor iteration and returns the interval to sleep before
// the next one.
func (m *Monitor) Tick(ctx context.Context) time.Duration {
	e := m.engine
	k := e.store.Load(ctx)

	e.Sync(ctx, k)
	e.ProbeAll(ctx, k)

	var peak float64
	if active := k.ActiveKey(); active != nil && active.LastUsage != nil {
		peak = active.LastUsage.Max()
	}
	m.pushSample(e.nowMS(), peak)
	velocity := m.velocity()

	switchEv := e.applySelection(k, reasonMonitorRotation, false)

	interval := AdaptiveInterval(peak)
	if switchEv == nil {
		if ev := m.predictiveRotate(k, peak, velocity, interval); ev != nil {
			switchEv = ev
		}
	}

	persistErr := e.persist(ctx, k)
	if switchEv != nil && persistErr == nil {
		e.store.LogEvent(*switchEv)
	}

	logger.Debugw("monitor tick complete", "run_id", m.runID,
		"peak", fmt.Sprintf("%.1f", peak),
		"velocity", fmt.Sprintf("%.2f", velocity),
		"next_check", interval.String())
	return interval
}

// predictiveRotate forces a switch when the current velocity would exhaust
// the active key before roughly the next check: the remaining headroom,
// divided by the climb rate, is compared against 1.5x the check interval.
func (m *Monitor) predictiveRotate(k *keyring.Keyring, peak, velocity float64, interval time.Duration) *keyring.RotationEvent {
	if k.ActiveKeyID == "" || peak >= ProactiveThreshold || velocity <= 0 {
		return nil
	}
	msToExhaustion := (ExhaustedThreshold - peak) / velocity * 60_000
	if msToExhaustion >= float64(interval.Milliseconds())*1.5 {
		return nil
	}

	target := bestAlternative(k, m.engine.now(), k.ActiveKeyID)
	if target == "" {
		return nil
	}
	logger.Infow("predictive rotation triggered", "run_id", m.runID,
		"velocity", fmt.Sprintf("%.2f", velocity),
		"ms_to_exhaustion", fmt.Sprintf("%.0f", msToExhaustion))
	return m.engine.switchTo(k, target, reasonPredictive, true)
}

// Run loops until the context is cancelled. Cancellation lets the current
// tick finish; only the sleep between ticks is interrupted immediately.
func (m *Monitor) Run(ctx context.Context) {
	logger.Infow("quota monitor started", "run_id", m.runID)
	for {
		interval := m.Tick(ctx)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Infow("quota monitor stopping", "run_id", m.runID)
			return
		case <-timer.C:
		}
	}
}
