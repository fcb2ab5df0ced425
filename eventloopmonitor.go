package loopguard

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/joeycumines/loopguard/hostloop"
)

// probeInterval is the granularity of the scheduler-delay probe chain,
// independent of the (much coarser) aggregation interval sampleInterval
// configures. 20ms gives a reasonable number of samples per tick even at
// the production preset's 30s sampleInterval, without flooding the loop
// with timer churn.
const probeInterval = 20 * time.Millisecond

// EventLoopMonitor samples scheduler delay and emits EventLoopStall
// events when the observed mean exceeds a threshold (spec §4.2).
//
// Scheduler delay is measured the way Node's perf_hooks.monitorEventLoopDelay
// does it: a timer is continuously rescheduled for probeInterval, and the
// difference between the actual and intended fire time is the lag sample
// for that tick. hostloop.Loop.Metrics() measures task *execution*
// latency, a related but distinct quantity (spec §4.2 wants scheduler
// delay, i.e. time the loop was unavailable to run the next unit of
// work, not how long any one task took) — this monitor keeps its own
// exact-percentile sample buffer reset every sampleInterval, per the
// precise formula spec.md §4.7/§8 pins down, rather than depending on
// hostloop's P²-streaming Loop.Metrics() snapshot for this component.
type EventLoopMonitor struct {
	cfg    EventLoopConfig
	js     *hostloop.JS
	store  *EventStore
	health *HealthAggregator
	logger Logger

	mu         sync.Mutex
	samples    []float64 // milliseconds
	stallCount int
	lastEmit   time.Time

	stopped chan struct{}
	once    sync.Once
}

func NewEventLoopMonitor(cfg EventLoopConfig, js *hostloop.JS, store *EventStore, health *HealthAggregator, logger Logger) *EventLoopMonitor {
	if logger == nil {
		logger = NoOpLogger{}
	}
	return &EventLoopMonitor{
		cfg:     cfg,
		js:      js,
		store:   store,
		health:  health,
		logger:  logger,
		stopped: make(chan struct{}),
	}
}

// Start begins the probe chain and the aggregation ticker.
func (m *EventLoopMonitor) Start() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &RuntimeHookError{Monitor: "event-loop", Cause: panicError(r)}
		}
	}()
	m.scheduleProbe(timeNow())
	go m.tickLoop()
	return nil
}

func (m *EventLoopMonitor) Stop() {
	m.once.Do(func() { close(m.stopped) })
}

func (m *EventLoopMonitor) scheduleProbe(scheduledAt time.Time) {
	intended := scheduledAt.Add(probeInterval)
	_, err := m.js.SetTimeout(func() {
		m.recordProbe(intended)
	}, int(probeInterval.Milliseconds()))
	if err != nil {
		logError(m.logger, "event-loop", "failed to reschedule lag probe", err, nil)
	}
}

func (m *EventLoopMonitor) recordProbe(intended time.Time) {
	now := timeNow()
	lagMs := float64(now.Sub(intended)) / float64(time.Millisecond)
	if lagMs < 0 {
		lagMs = 0
	}
	m.mu.Lock()
	m.samples = append(m.samples, lagMs)
	m.mu.Unlock()

	select {
	case <-m.stopped:
		return
	default:
		m.scheduleProbe(now)
	}
}

func (m *EventLoopMonitor) tickLoop() {
	interval := m.cfg.SampleInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := timeNewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopped:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *EventLoopMonitor) tick() {
	m.mu.Lock()
	samples := m.samples
	m.samples = nil
	m.mu.Unlock()

	if m.health != nil {
		m.health.RecordMonitorCheck("event-loop", true)
	}
	if len(samples) == 0 {
		return
	}

	sort.Float64s(samples)
	n := len(samples)
	percentile := func(k int) float64 {
		i := n * k / 100
		if i >= n {
			i = n - 1
		}
		return samples[i]
	}

	var sum float64
	for _, v := range samples {
		sum += v
	}
	mean := sum / float64(n)
	var variance float64
	for _, v := range samples {
		d := v - mean
		variance += d * d
	}
	variance /= float64(n)
	stddev := math.Sqrt(variance)

	thresholdMs := float64(m.cfg.StallThreshold) / float64(time.Millisecond)
	if mean <= thresholdMs {
		return
	}

	m.mu.Lock()
	if !m.lastEmit.IsZero() && time.Since(m.lastEmit) < 5*time.Second {
		m.mu.Unlock()
		return
	}
	m.lastEmit = timeNow()
	m.stallCount++
	stallCount := m.stallCount
	m.mu.Unlock()

	severity := SeverityError
	if mean > 500 {
		severity = SeverityCritical
	}
	suggestion := "event loop delay elevated"
	switch {
	case mean > 1000:
		suggestion = "synchronous I/O or heavy CPU work is likely blocking the loop"
	case mean > 500:
		suggestion = "a large synchronous operation or a missing await is likely delaying the loop"
	}

	m.store.Emit(KindEventLoopStall, map[string]any{
		"meanMs":     round2(mean),
		"maxMs":      round2(samples[n-1]),
		"p95Ms":      round2(percentile(95)),
		"p99Ms":      round2(percentile(99)),
		"stddevMs":   round2(stddev),
		"stallCount": stallCount,
	}, WithSeverity(severity), WithSuggestion(suggestion), WithSource(fmt.Sprintf("event-loop-monitor(n=%d)", n)))
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
