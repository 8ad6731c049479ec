// SPDX-FileCopyrightText: Copyright 2025 Keywheel Authors
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keywheel/keywheel/pkg/keyring"
	"github.com/keywheel/keywheel/pkg/sources"
)

func TestAdaptiveInterval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		peak float64
		want time.Duration
	}{
		{peak: 0, want: 5 * time.Minute},
		{peak: 69.9, want: 5 * time.Minute},
		{peak: 70, want: 2 * time.Minute},
		{peak: 84.9, want: 2 * time.Minute},
		{peak: 85, want: time.Minute},
		{peak: 94.9, want: time.Minute},
		{peak: 95, want: 30 * time.Second},
		{peak: 100, want: 30 * time.Second},
		{peak: 150, want: 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AdaptiveInterval(tt.peak), "peak %.1f", tt.peak)
	}
}

func TestMonitorVelocity(t *testing.T) {
	t.Parallel()

	t.Run("fewer than two samples", func(t *testing.T) {
		t.Parallel()
		m := &Monitor{}
		assert.Equal(t, 0.0, m.velocity())
		m.pushSample(0, 30)
		assert.Equal(t, 0.0, m.velocity())
	})

	t.Run("non-positive timespan", func(t *testing.T) {
		t.Parallel()
		m := &Monitor{}
		m.pushSample(1000, 30)
		m.pushSample(1000, 90)
		assert.Equal(t, 0.0, m.velocity())
	})

	t.Run("climb over two minutes", func(t *testing.T) {
		t.Parallel()
		m := &Monitor{}
		m.pushSample(0, 30)
		m.pushSample(120_000, 93)
		assert.InDelta(t, 31.5, m.velocity(), 0.001)
	})

	t.Run("negative slope is preserved", func(t *testing.T) {
		t.Parallel()
		m := &Monitor{}
		m.pushSample(0, 80)
		m.pushSample(60_000, 60)
		assert.InDelta(t, -20.0, m.velocity(), 0.001)
	})
}

func TestMonitorPushSample_Trim(t *testing.T) {
	t.Parallel()

	m := &Monitor{}
	for i := range 7 {
		m.pushSample(int64(i), float64(i))
	}
	require.Len(t, m.history, UsageHistoryMax)
	assert.Equal(t, 2.0, m.history[0].usage)
	assert.Equal(t, 6.0, m.history[len(m.history)-1].usage)
}

func TestPredictiveRotate(t *testing.T) {
	t.Parallel()

	srv := noProfileServer(t)

	newMonitor := func(t *testing.T) (*Monitor, *keyring.Keyring) {
		t.Helper()
		e, _, _ := newTestEngine(t, srv.URL, []sources.Source{}, nil)
		k := keyring.NewKeyring()
		addKey(k, "A", keyring.StatusActive, usage(93, 10, 10), 0)
		addKey(k, "B", keyring.StatusActive, usage(10, 10, 10), 0)
		k.ActiveKeyID = "A"
		return NewMonitor(e), k
	}

	t.Run("fires under fast climb", func(t *testing.T) {
		t.Parallel()
		m, k := newMonitor(t)

		// 7% of headroom at 31.5%/min runs out in ~13.3s, well inside
		// 1.5x a one minute check interval.
		ev := m.predictiveRotate(k, 93, 31.5, time.Minute)
		require.NotNil(t, ev)
		assert.Equal(t, keyring.EventKeySwitched, ev.Event)
		assert.Equal(t, "quota_monitor_predictive", ev.Reason)
		assert.True(t, ev.Predictive)
		assert.Equal(t, "A", ev.FromKeyID)
		assert.Equal(t, "B", ev.ToKeyID)
		assert.Equal(t, "B", k.ActiveKeyID)
	})

	t.Run("slow climb does not fire", func(t *testing.T) {
		t.Parallel()
		m, k := newMonitor(t)

		// 70% of headroom at 1%/min is over an hour away.
		assert.Nil(t, m.predictiveRotate(k, 30, 1, 5*time.Minute))
		assert.Equal(t, "A", k.ActiveKeyID)
	})

	t.Run("above proactive threshold defers to selector", func(t *testing.T) {
		t.Parallel()
		m, k := newMonitor(t)
		assert.Nil(t, m.predictiveRotate(k, 96, 31.5, 30*time.Second))
	})

	t.Run("zero or negative velocity", func(t *testing.T) {
		t.Parallel()
		m, k := newMonitor(t)
		assert.Nil(t, m.predictiveRotate(k, 93, 0, time.Minute))
		assert.Nil(t, m.predictiveRotate(k, 93, -5, time.Minute))
	})

	t.Run("no usable alternative", func(t *testing.T) {
		t.Parallel()
		m, k := newMonitor(t)
		delete(k.Keys, "B")
		assert.Nil(t, m.predictiveRotate(k, 93, 31.5, time.Minute))
		assert.Equal(t, "A", k.ActiveKeyID)
	})

	t.Run("no active key", func(t *testing.T) {
		t.Parallel()
		m, k := newMonitor(t)
		k.ActiveKeyID = ""
		assert.Nil(t, m.predictiveRotate(k, 93, 31.5, time.Minute))
	})
}

func TestMonitorTick(t *testing.T) {
	t.Parallel()

	var usageA atomic.Int64
	usageA.Store(60)
	mux := http.NewServeMux()
	mux.HandleFunc("/usage", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if bearer(r) == "tok-a" {
			fmt.Fprintf(w, `{"five_hour": {"utilization": %d}}`, usageA.Load())
			return
		}
		_, _ = w.Write([]byte(`{"five_hour": {"utilization": 10}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	e, store, _ := newTestEngine(t, srv.URL, []sources.Source{}, nil)
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, func(k *keyring.Keyring) {
		k.Keys["a"] = &keyring.KeyRecord{AccessToken: "tok-a", Status: keyring.StatusActive, AddedAt: 1}
		k.Keys["b"] = &keyring.KeyRecord{AccessToken: "tok-b", Status: keyring.StatusActive, AddedAt: 2}
		k.ActiveKeyID = "a"
	}))

	m := NewMonitor(e)

	// First tick: a sits at 60%, stays selected, relaxed interval.
	interval := m.Tick(ctx)
	assert.Equal(t, 5*time.Minute, interval)
	k := store.Load(ctx)
	assert.Equal(t, "a", k.ActiveKeyID)
	require.NotNil(t, k.Keys["a"].LastUsage)
	assert.Equal(t, 60.0, k.Keys["a"].LastUsage.FiveHour)

	// Second tick: a jumped to 85%. The selector leaves it alone (below the
	// rotation threshold) but the climb rate predicts exhaustion before the
	// next check, so the monitor rotates to b preemptively.
	usageA.Store(85)
	interval = m.Tick(ctx)
	assert.Equal(t, time.Minute, interval)

	k = store.Load(ctx)
	assert.Equal(t, "b", k.ActiveKeyID)

	var predictive *keyring.RotationEvent
	for i := range k.RotationLog {
		if k.RotationLog[i].Event == keyring.EventKeySwitched {
			predictive = &k.RotationLog[i]
			break
		}
	}
	require.NotNil(t, predictive)
	assert.True(t, predictive.Predictive)
	assert.Equal(t, "quota_monitor_predictive", predictive.Reason)
	assert.Equal(t, "a", predictive.FromKeyID)
	assert.Equal(t, "b", predictive.ToKeyID)
}

func TestMonitorRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/usage", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"five_hour": {"utilization": 10}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	e, _, _ := newTestEngine(t, srv.URL, []sources.Source{}, nil)
	m := NewMonitor(e)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop after cancellation")
	}
}
