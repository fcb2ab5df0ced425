package loopguard

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// MemorySnapshot is one point-in-time memory reading (spec §4.3).
type MemorySnapshot struct {
	Timestamp time.Time
	HeapUsed  uint64 // bytes
	HeapTotal uint64 // bytes
	External  uint64 // bytes (non-heap allocator overhead: stacks + mspan/mcache)
	RSS       uint64 // bytes; takeSnapshot does not sample RSS, so this is 0
}

// MemoryMonitor periodically samples Go runtime memory statistics and
// reports sustained, monotonic growth as a possible leak (spec §4.3).
//
// Grounded on the periodic-ticker watchdog pattern of the Task Tracker and
// Unawaited-Task Detector (tasktracker.go, unawaited.go); the actual sampling uses runtime.ReadMemStats, since
// hostloop has no memory-introspection API of its own to adapt.
type MemoryMonitor struct {
	cfg    MemoryConfig
	store  *EventStore
	health *HealthAggregator
	logger Logger

	mu                sync.Mutex
	snapshots         []MemorySnapshot // oldest first, capped at cfg.MaxSnapshots
	consecutiveGrowth int

	stopped chan struct{}
	once    sync.Once
}

func NewMemoryMonitor(cfg MemoryConfig, store *EventStore, health *HealthAggregator, logger Logger) *MemoryMonitor {
	if logger == nil {
		logger = NoOpLogger{}
	}
	return &MemoryMonitor{
		cfg:     cfg,
		store:   store,
		health:  health,
		logger:  logger,
		stopped: make(chan struct{}),
	}
}

func (m *MemoryMonitor) Start() {
	go m.watchdogLoop()
}

func (m *MemoryMonitor) Stop() {
	m.once.Do(func() { close(m.stopped) })
}

func (m *MemoryMonitor) watchdogLoop() {
	interval := m.cfg.CheckInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := timeNewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopped:
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func takeSnapshot() MemorySnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return MemorySnapshot{
		Timestamp: timeNow(),
		HeapUsed:  ms.HeapAlloc,
		HeapTotal: ms.HeapSys,
		External:  ms.StackSys + ms.MSpanSys + ms.MCacheSys,
	}
}

func (m *MemoryMonitor) check() {
	snap := takeSnapshot()

	m.mu.Lock()
	var prev MemorySnapshot
	hadPrev := len(m.snapshots) > 0
	if hadPrev {
		prev = m.snapshots[len(m.snapshots)-1]
	}

	m.snapshots = append(m.snapshots, snap)
	if m.cfg.MaxSnapshots > 0 && len(m.snapshots) > m.cfg.MaxSnapshots {
		m.snapshots = m.snapshots[len(m.snapshots)-m.cfg.MaxSnapshots:]
	}

	growthMB := 0.0
	if hadPrev {
		growthMB = float64(int64(snap.HeapUsed)-int64(prev.HeapUsed)) / (1024 * 1024)
	}
	switch {
	case growthMB > m.cfg.LeakThresholdMB:
		m.consecutiveGrowth++
	case growthMB < 0:
		m.consecutiveGrowth = 0
	}
	consecutiveGrowth := m.consecutiveGrowth

	firstHeap := snap.HeapUsed
	if len(m.snapshots) > 0 {
		firstHeap = m.snapshots[0].HeapUsed
	}
	totalGrowthMB := float64(int64(snap.HeapUsed)-int64(firstHeap)) / (1024 * 1024)

	trend := m.trendLocked()
	shouldEmit := consecutiveGrowth >= m.cfg.ConsecutiveGrowth && consecutiveGrowth > 0
	if shouldEmit {
		// Reset immediately to avoid re-emitting every subsequent tick
		// while growth continues (spec §4.3).
		m.consecutiveGrowth = 0
	}
	m.mu.Unlock()

	if m.health != nil {
		m.health.RecordMonitorCheck("memory", true)
	}

	if !shouldEmit {
		return
	}

	severity := SeverityError
	if totalGrowthMB > 100 {
		severity = SeverityCritical
	}

	m.store.Emit(KindMemoryLeak, map[string]any{
		"heapUsedMB":    float64(snap.HeapUsed) / (1024 * 1024),
		"growthMB":      round2(growthMB),
		"totalGrowthMB": round2(totalGrowthMB),
		"leakCounter":   consecutiveGrowth,
		"trend":         trend,
	}, WithSeverity(severity), WithSuggestion("heap has grown across consecutive samples; check for unreleased references, growing caches, or event listener leaks"))
}

// trendLocked derives a coarse trend label from the last 5 snapshots
// (spec §4.3): growing if at least 4 of the 4 deltas are positive,
// decreasing if at most 1 is, stable otherwise. Called with m.mu held.
func (m *MemoryMonitor) trendLocked() string {
	n := len(m.snapshots)
	if n < 2 {
		return "stable"
	}
	window := m.snapshots
	if n > 5 {
		window = m.snapshots[n-5:]
	}
	increases := 0
	for i := 1; i < len(window); i++ {
		if window[i].HeapUsed > window[i-1].HeapUsed {
			increases++
		}
	}
	switch {
	case increases >= 4:
		return "growing"
	case increases <= 1:
		return "decreasing"
	default:
		return "stable"
	}
}

// Snapshots returns a copy of the retained snapshot history.
func (m *MemoryMonitor) Snapshots() []MemorySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MemorySnapshot, len(m.snapshots))
	copy(out, m.snapshots)
	return out
}

// ForceGC runs a blocking garbage collection cycle and always returns
// true: unlike Node's --expose-gc flag (which may be absent), Go's
// runtime.GC is always available, so there is no "unsupported" case to
// report here (spec §4.3 Open Question, resolved: always perform a real
// collection).
func (m *MemoryMonitor) ForceGC() bool {
	runtime.GC()
	debug.FreeOSMemory()
	return true
}
