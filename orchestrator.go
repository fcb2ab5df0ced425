package loopguard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/joeycumines/loopguard/hostloop"
)

// ErrMonitorStopped is returned by [Monitor.ForceGCAsync] once the
// monitor's shutdown signal has fired, instead of starting new
// Promisify-backed work against a loop that may already be shutting
// down.
var ErrMonitorStopped = errors.New("loopguard: monitor stopped")

// Status is the snapshot returned by [Monitor.Status] (spec §6).
type Status struct {
	Running        bool
	UptimeMs       int64
	PID            int
	RuntimeVersion string
	Health         HealthStatus
	Monitors       map[string]MonitorHealth
	Events         Stats
}

// errorBudget implements the self-disable rule from spec.md §5: more
// than maxErrors within errorWindow disables further event emission.
type errorBudget struct {
	mu         sync.Mutex
	max        int
	window     time.Duration
	timestamps []time.Time
	disabled   bool
}

func newErrorBudget(max int, window time.Duration) *errorBudget {
	return &errorBudget{max: max, window: window}
}

// record reports one internal error and returns whether the budget was
// exceeded as a result (first time only — subsequent calls while already
// disabled return false so the caller doesn't re-emit SelfDisableError).
func (b *errorBudget) record(now time.Time) (justExceeded bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disabled {
		return false
	}
	cutoff := now.Add(-b.window)
	kept := b.timestamps[:0]
	for _, t := range b.timestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.timestamps = append(kept, now)
	if len(b.timestamps) > b.max {
		b.disabled = true
		return true
	}
	return false
}

func (b *errorBudget) isDisabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disabled
}

// Monitor is the orchestrator (spec §4.9): it validates configuration,
// applies the mode preset, constructs the enabled monitors, and owns
// their combined lifecycle.
//
// hostloop.JS accepts only one installed [hostloop.LifecycleHooks] value
// at a time (SetLifecycleHooks replaces wholesale), so when both the
// Task Tracker and the Unawaited-Task Detector are enabled, Start
// composes their OnCreate/OnContinuation/OnSettle callbacks into one
// combined hooks value and installs it once, then starts each
// component's watchdog independently.
type Monitor struct {
	cfg Config
	js  *hostloop.JS

	store     *EventStore
	metrics   *MetricsRegistry
	health    *HealthAggregator
	router    *AlertRouter
	budget    *errorBudget
	startTime time.Time

	eventLoop *EventLoopMonitor
	memory    *MemoryMonitor
	tasks     *TaskTracker
	unawaited *UnawaitedDetector

	// shutdown aborts any in-flight Promisify-backed work started via
	// ForceGCAsync once Stop fires, and blocks new work from starting.
	shutdown *hostloop.AbortController

	mu       sync.Mutex
	running  bool
	stopSig  chan struct{}
}

// New validates cfg and constructs a Monitor observing js. Construction
// itself cannot fail once validation passes (spec §4.9: monitor objects
// are plain Go values); only Start can encounter a runtime hook failure,
// which disables the affected monitor rather than aborting.
func New(cfg Config, js *hostloop.JS) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store := NewEventStore(cfg.EventStoreCap)
	m := &Monitor{
		cfg:      cfg,
		js:       js,
		store:    store,
		metrics:  NewMetricsRegistry(),
		health:   NewHealthAggregator(),
		router:   NewAlertRouter(cfg.Logger),
		budget:   newErrorBudget(cfg.MaxErrors, cfg.ErrorWindow),
		shutdown: hostloop.NewAbortController(),
	}

	if cfg.EventLoop.Enabled {
		m.eventLoop = NewEventLoopMonitor(cfg.EventLoop, js, store, m.health, cfg.Logger)
	}
	if cfg.Memory.Enabled {
		m.memory = NewMemoryMonitor(cfg.Memory, store, m.health, cfg.Logger)
	}
	if cfg.Promises.Enabled {
		m.tasks = NewTaskTracker(cfg.Promises, store, m.health, cfg.Logger, cfg.SelfPaths)
	}
	if cfg.UnawaitedPromises.Enabled {
		m.unawaited = NewUnawaitedDetector(cfg.UnawaitedPromises, store, m.health, cfg.Logger, cfg.SelfPaths)
	}

	return m, nil
}

var (
	singletonMu sync.Mutex
	singleton   *Monitor
)

// GetOrCreate returns the process-wide singleton, constructing it if
// absent. A call with a new cfg/js stops the previous singleton first and
// replaces it (spec.md §9 Open Question: "replace", not "reuse" or
// "error").
func GetOrCreate(cfg Config, js *hostloop.JS) (*Monitor, error) {
	singletonMu.Lock()
	defer singletonMu.Unlock()

	if singleton != nil {
		singleton.Stop()
	}
	m, err := New(cfg, js)
	if err != nil {
		return nil, err
	}
	singleton = m
	return m, nil
}

// Start begins every enabled monitor's hooks and watchdog loops. Start is
// idempotent: calling it again while already running logs a warning and
// returns nil without restarting anything (spec §4.9).
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		logWarn(m.cfg.Logger, "orchestrator", "Start called while already running", nil)
		return nil
	}
	m.running = true
	m.stopSig = make(chan struct{})
	m.mu.Unlock()

	m.startTime = timeNow()

	var hooks hostloop.LifecycleHooks
	if m.tasks != nil {
		hooks.OnCreate = chainOnCreate(hooks.OnCreate, m.tasks.OnCreate)
		hooks.OnSettle = chainOnSettle(hooks.OnSettle, m.tasks.OnSettle)
	}
	if m.unawaited != nil {
		hooks.OnCreate = chainOnCreate(hooks.OnCreate, m.unawaited.OnCreate)
		hooks.OnContinuation = chainOnContinuation(hooks.OnContinuation, m.unawaited.OnContinuation)
		hooks.OnSettle = chainOnSettle(hooks.OnSettle, m.unawaited.OnSettle)
	}
	if m.tasks != nil || m.unawaited != nil {
		m.js.SetLifecycleHooks(&hooks)
	}
	if m.tasks != nil {
		m.tasks.StartWatchdog()
	}
	if m.unawaited != nil {
		m.unawaited.StartWatchdog()
	}

	if m.eventLoop != nil {
		if err := m.eventLoop.Start(); err != nil {
			m.reportHookFailure(err)
		}
	}
	if m.memory != nil {
		m.memory.Start()
	}

	m.installSignalHandling()

	return nil
}

// Stop disarms every monitor and releases runtime hooks. Stop is
// idempotent and safe to call before Start (spec §4.9, §5).
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopSig)
	m.mu.Unlock()

	if m.eventLoop != nil {
		m.eventLoop.Stop()
	}
	if m.memory != nil {
		m.memory.Stop()
	}
	if m.tasks != nil {
		m.tasks.Stop()
	}
	if m.unawaited != nil {
		m.unawaited.Stop()
	}
	if m.tasks != nil || m.unawaited != nil {
		m.js.SetLifecycleHooks(nil)
	}
	m.shutdown.Abort(ErrMonitorStopped)
}

// installSignalHandling arms a SIGINT/SIGTERM handler that calls Stop
// (spec §4.9: "install signal handlers that stop monitors cleanly"). The
// handler disarms itself as soon as Stop closes stopSig, so it never
// double-stops a Monitor that was also stopped directly by the embedding
// application.
func (m *Monitor) installSignalHandling() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			m.Stop()
		case <-m.stopSig:
		}
	}()
}

func chainOnCreate(a, b func(uint64, time.Time, []uintptr, uint64)) func(uint64, time.Time, []uintptr, uint64) {
	if a == nil {
		return b
	}
	return func(id uint64, t time.Time, stack []uintptr, parentID uint64) {
		a(id, t, stack, parentID)
		b(id, t, stack, parentID)
	}
}

func chainOnContinuation(a, b func(uint64)) func(uint64) {
	if a == nil {
		return b
	}
	return func(id uint64) {
		a(id)
		b(id)
	}
}

func chainOnSettle(a, b func(uint64, hostloop.PromiseState, bool)) func(uint64, hostloop.PromiseState, bool) {
	if a == nil {
		return b
	}
	return func(id uint64, state hostloop.PromiseState, hadContinuation bool) {
		a(id, state, hadContinuation)
		b(id, state, hadContinuation)
	}
}

// reportHookFailure converts a monitor's start-up error into a
// SystemInfo(critical) event rather than failing Start as a whole (spec
// §5: "Any hook-installation failure disables that specific monitor and
// emits a SystemInfo event; the monitor as a whole remains running").
func (m *Monitor) reportHookFailure(err error) {
	logError(m.cfg.Logger, "orchestrator", "monitor failed to start", err, nil)
	m.store.Emit(KindSystemInfo, map[string]any{"error": err.Error()}, WithSeverity(SeverityCritical))
}

// HandleUnhandledRejection translates a host "unhandledrejection" signal
// into a SystemInfo(critical) event (spec §4.9). Wire it as the
// [hostloop.RejectionHandler] passed to [hostloop.WithUnhandledRejection]
// when constructing the observed JS adapter — hostloop.JS only accepts
// that callback at construction time, so this method exists to be handed
// to NewJS directly, rather than registered after the fact.
func (m *Monitor) HandleUnhandledRejection(reason hostloop.Result) {
	m.emitGuarded(KindSystemInfo, map[string]any{
		"signal": "unhandledRejection",
		"reason": fmt.Sprintf("%v", reason),
	})
}

// HandleUncaughtException translates a host "uncaught exception" signal
// into a SystemInfo(critical) event (spec §4.9). Call it from whatever
// top-level recover the embedding application already has; hostloop has
// no ambient uncaught-exception channel of its own to subscribe to.
func (m *Monitor) HandleUncaughtException(err error) {
	m.emitGuarded(KindSystemInfo, map[string]any{
		"signal": "uncaughtException",
		"error":  err.Error(),
	})
}

// emitGuarded emits through the error budget: once the budget trips, the
// monitor stops emitting new events entirely (spec §5).
func (m *Monitor) emitGuarded(kind Kind, payload map[string]any) {
	if m.budget.isDisabled() {
		return
	}
	if m.budget.record(timeNow()) {
		logError(m.cfg.Logger, "orchestrator", "error budget exceeded, self-disabling", nil, nil)
		m.store.Emit(KindSystemInfo, map[string]any{"signal": "selfDisable"}, WithSeverity(SeverityCritical))
		return
	}
	m.store.Emit(kind, payload, WithSeverity(SeverityCritical))
}

// Status reports the orchestrator's current lifecycle and health state
// (spec §6).
func (m *Monitor) Status() Status {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	var uptimeMs int64
	if !m.startTime.IsZero() {
		uptimeMs = timeNow().Sub(m.startTime).Milliseconds()
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	heapUsedMB := float64(memStats.HeapAlloc) / (1024 * 1024)

	return Status{
		Running:        running,
		UptimeMs:       uptimeMs,
		PID:            os.Getpid(),
		RuntimeVersion: runtime.Version(),
		Health:         m.health.Status(heapUsedMB),
		Monitors:       m.health.Monitors(),
		Events:         m.store.Stats(),
	}
}

// Events returns retained events matching filter.
func (m *Monitor) Events(filter EventFilter) []Event { return m.store.Events(filter) }

// PendingTasks returns a snapshot of tracked tasks, or nil when the Task
// Tracker is disabled.
func (m *Monitor) PendingTasks() []TrackedTask {
	if m.tasks == nil {
		return nil
	}
	return m.tasks.Pending()
}

// MemorySnapshots returns the retained snapshot history, or nil when the
// Memory Monitor is disabled.
func (m *Monitor) MemorySnapshots() []MemorySnapshot {
	if m.memory == nil {
		return nil
	}
	return m.memory.Snapshots()
}

// ForceGC triggers a real garbage-collection cycle, or reports false when
// the Memory Monitor is disabled (spec §6: forceGc() -> boolean).
func (m *Monitor) ForceGC() bool {
	if m.memory == nil {
		return false
	}
	return m.memory.ForceGC()
}

// ForceGCAsync runs ForceGC on a loop-owned goroutine via
// [hostloop.Loop.Promisify], returning a [hostloop.Promise] the caller can
// chain onto or await through ToChannel, instead of blocking the calling
// goroutine for the GC cycle's duration. It returns an error instead of a
// promise when the Memory Monitor is disabled or the monitor has already
// been stopped.
func (m *Monitor) ForceGCAsync(ctx context.Context) (hostloop.Promise, error) {
	if m.memory == nil {
		return nil, &ConfigurationError{Field: "memory.enabled", Message: "memory monitor is disabled"}
	}
	if m.shutdown.Signal().Aborted() {
		return nil, ErrMonitorStopped
	}
	return m.js.Loop().Promisify(ctx, func(ctx context.Context) (any, error) {
		return m.memory.ForceGC(), nil
	}), nil
}

// On subscribes handler to events of kind ("" or "*" for all kinds).
func (m *Monitor) On(kind Kind, handler EventHandler) SubscriptionID {
	return m.store.Subscribe(kind, handler)
}

// Off removes a previously registered handler.
func (m *Monitor) Off(id SubscriptionID) bool { return m.store.Unsubscribe(id) }

// AddRoute registers an Alert Router route.
func (m *Monitor) AddRoute(route *AlertRoute) { m.router.AddRoute(route) }

// RemoveRoute removes an Alert Router route by name.
func (m *Monitor) RemoveRoute(name string) bool { return m.router.RemoveRoute(name) }

// Route dispatches event through the Alert Router. Monitors call this
// implicitly by subscribing the router to the Event Store (see
// [Monitor.WireAlertRouter]); exposed directly for manual/test dispatch.
func (m *Monitor) Route(event Event) { m.router.Route(event) }

// WireAlertRouter subscribes the Alert Router to every event the Event
// Store emits, so routes fire automatically without the caller having to
// forward events by hand.
func (m *Monitor) WireAlertRouter() SubscriptionID {
	return m.store.Subscribe("*", m.router.Route)
}

// IncCounter, SetGauge, RecordHistogram, Counter, Gauge, HistogramStats,
// MetricsAll, and MetricsText expose the Custom Metrics Registry (spec §6).

func (m *Monitor) IncCounter(name string, labels map[string]string, delta float64) {
	m.metrics.IncCounter(name, labels, delta)
}

func (m *Monitor) SetGauge(name string, labels map[string]string, value float64) {
	m.metrics.SetGauge(name, labels, value)
}

func (m *Monitor) RecordHistogram(name string, labels map[string]string, value float64) {
	m.metrics.RecordHistogram(name, labels, value)
}

func (m *Monitor) Counter(name string, labels map[string]string) float64 {
	return m.metrics.Counter(name, labels)
}

func (m *Monitor) Gauge(name string, labels map[string]string) float64 {
	return m.metrics.Gauge(name, labels)
}

func (m *Monitor) MetricsHistogramStats(name string, labels map[string]string) (HistogramStats, bool) {
	return m.metrics.HistogramStats(name, labels)
}

func (m *Monitor) MetricsAll() []string { return m.metrics.All() }

func (m *Monitor) MetricsText() string { return m.metrics.ToText() }

func (m *Monitor) MetricsClear() { m.metrics.Clear() }
