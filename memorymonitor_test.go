package loopguard

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryMonitor_Check_RecordsHealthOnEveryPass(t *testing.T) {
	health := NewHealthAggregator()
	m := NewMemoryMonitor(MemoryConfig{LeakThresholdMB: 1, ConsecutiveGrowth: 3, MaxSnapshots: 100}, NewEventStore(10), health, NoOpLogger{})
	m.check()
	require.True(t, health.Monitors()["memory"].Healthy)
}

func TestMemoryMonitor_TrendLocked_Growing(t *testing.T) {
	m := NewMemoryMonitor(MemoryConfig{MaxSnapshots: 100}, NewEventStore(10), NewHealthAggregator(), NoOpLogger{})
	base := uint64(10 * 1024 * 1024)
	for i := 0; i < 5; i++ {
		m.snapshots = append(m.snapshots, MemorySnapshot{HeapUsed: base + uint64(i)*1024*1024})
	}
	require.Equal(t, "growing", m.trendLocked())
}

func TestMemoryMonitor_TrendLocked_Decreasing(t *testing.T) {
	m := NewMemoryMonitor(MemoryConfig{MaxSnapshots: 100}, NewEventStore(10), NewHealthAggregator(), NoOpLogger{})
	base := uint64(50 * 1024 * 1024)
	for i := 0; i < 5; i++ {
		m.snapshots = append(m.snapshots, MemorySnapshot{HeapUsed: base - uint64(i)*1024*1024})
	}
	require.Equal(t, "decreasing", m.trendLocked())
}

func TestMemoryMonitor_TrendLocked_StableWithFewerThanTwoSnapshots(t *testing.T) {
	m := NewMemoryMonitor(MemoryConfig{MaxSnapshots: 100}, NewEventStore(10), NewHealthAggregator(), NoOpLogger{})
	require.Equal(t, "stable", m.trendLocked())
	m.snapshots = append(m.snapshots, MemorySnapshot{HeapUsed: 1})
	require.Equal(t, "stable", m.trendLocked())
}

func TestMemoryMonitor_Snapshots_ReturnsCopy(t *testing.T) {
	m := NewMemoryMonitor(MemoryConfig{MaxSnapshots: 100}, NewEventStore(10), NewHealthAggregator(), NoOpLogger{})
	m.snapshots = append(m.snapshots, MemorySnapshot{HeapUsed: 42})
	out := m.Snapshots()
	require.Len(t, out, 1)
	out[0].HeapUsed = 999
	require.EqualValues(t, 42, m.Snapshots()[0].HeapUsed)
}

func TestMemoryMonitor_ForceGC_AlwaysReturnsTrue(t *testing.T) {
	m := NewMemoryMonitor(MemoryConfig{MaxSnapshots: 100}, NewEventStore(10), NewHealthAggregator(), NoOpLogger{})
	require.True(t, m.ForceGC())
}

func TestMemoryMonitor_Check_GrowthPathAppendsSnapshot(t *testing.T) {
	store := NewEventStore(10)
	m := NewMemoryMonitor(MemoryConfig{LeakThresholdMB: 1, ConsecutiveGrowth: 2, MaxSnapshots: 100}, store, NewHealthAggregator(), NoOpLogger{})

	// drive the growth/emit/reset path directly, since actual heap growth
	// cannot be deterministically forced from a test: mirror check()'s
	// locked bookkeeping with synthetic snapshots, then call check() once
	// more to let it compute growth off the last synthetic snapshot and
	// the next real one.
	m.mu.Lock()
	m.snapshots = []MemorySnapshot{{HeapUsed: 1 * 1024 * 1024}}
	m.consecutiveGrowth = 1 // one below the configured threshold of 2
	m.mu.Unlock()

	m.check()

	// whether or not this tick's real heap delta crosses LeakThresholdMB is
	// inherently nondeterministic (it depends on live process state), so
	// this only checks that Snapshots grows past the synthetic entry.
	snaps := m.Snapshots()
	require.GreaterOrEqual(t, len(snaps), 2)
}
