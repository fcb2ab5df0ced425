package loopguard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestEventLoopMonitor(cfg EventLoopConfig, store *EventStore, health *HealthAggregator) *EventLoopMonitor {
	return NewEventLoopMonitor(cfg, nil, store, health, NoOpLogger{})
}

func TestEventLoopMonitor_Tick_NoSamplesRecordsHealthyAndEmitsNothing(t *testing.T) {
	store := NewEventStore(10)
	health := NewHealthAggregator()
	m := newTestEventLoopMonitor(EventLoopConfig{StallThreshold: 50 * time.Millisecond}, store, health)

	m.tick()

	require.Empty(t, store.Events(EventFilter{}))
	require.True(t, health.Monitors()["event-loop"].Healthy)
}

func TestEventLoopMonitor_Tick_BelowThresholdEmitsNothing(t *testing.T) {
	store := NewEventStore(10)
	m := newTestEventLoopMonitor(EventLoopConfig{StallThreshold: 100 * time.Millisecond}, store, NewHealthAggregator())
	m.samples = []float64{1, 2, 3}

	m.tick()

	require.Empty(t, store.Events(EventFilter{Kind: KindEventLoopStall}))
}

func TestEventLoopMonitor_Tick_AboveThresholdEmitsStallWithStats(t *testing.T) {
	store := NewEventStore(10)
	m := newTestEventLoopMonitor(EventLoopConfig{StallThreshold: 50 * time.Millisecond}, store, NewHealthAggregator())
	m.samples = []float64{100, 200, 300, 400, 500}

	m.tick()

	events := store.Events(EventFilter{Kind: KindEventLoopStall})
	require.Len(t, events, 1)
	e := events[0]
	require.Equal(t, SeverityError, e.Severity)
	require.InDelta(t, 300, e.Payload["meanMs"], 0.01)
	require.InDelta(t, 500, e.Payload["maxMs"], 0.01)
	require.InDelta(t, 500, e.Payload["p95Ms"], 0.01)
	require.InDelta(t, 500, e.Payload["p99Ms"], 0.01)
	require.InDelta(t, 141.42, e.Payload["stddevMs"], 0.1)
	require.Equal(t, 1, e.Payload["stallCount"])
}

func TestEventLoopMonitor_Tick_CriticalSeverityAboveFiveHundredMean(t *testing.T) {
	store := NewEventStore(10)
	m := newTestEventLoopMonitor(EventLoopConfig{StallThreshold: 50 * time.Millisecond}, store, NewHealthAggregator())
	m.samples = []float64{600, 700, 800}

	m.tick()

	events := store.Events(EventFilter{Kind: KindEventLoopStall})
	require.Len(t, events, 1)
	require.Equal(t, SeverityCritical, events[0].Severity)
}

func TestEventLoopMonitor_Tick_ClearsSamplesAfterDraining(t *testing.T) {
	store := NewEventStore(10)
	m := newTestEventLoopMonitor(EventLoopConfig{StallThreshold: 50 * time.Millisecond}, store, NewHealthAggregator())
	m.samples = []float64{10, 20}

	m.tick()

	m.mu.Lock()
	n := len(m.samples)
	m.mu.Unlock()
	require.Zero(t, n)
}

func TestRound2(t *testing.T) {
	require.Equal(t, 1.23, round2(1.2345))
	require.Equal(t, 1.24, round2(1.2356))
}
