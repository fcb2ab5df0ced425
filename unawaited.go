package loopguard

import (
	"sync"
	"time"

	"github.com/joeycumines/loopguard/hostloop"
)

type unawaitedEntry struct {
	ID         uint64
	ParentID   uint64
	CreatedAt  time.Time
	File       string
	Line       int
	Stack      string
	Observed   bool
	settledAt  time.Time // zero until settle
	hasSettled bool
}

// UnawaitedDetector tracks tasks whose continuation-attachment methods
// (Then/Catch/Finally) were never invoked before a warning threshold
// elapses (spec §4.5). It shares the hostloop.LifecycleHooks boundary
// with the Task Tracker but listens for a different signal:
// OnContinuation rather than OnSettle's hadContinuation flag, since a
// task must be flagged the moment it goes stale, not only once it
// settles (a promise that never settles is exactly the unawaited case
// this component exists to catch).
type UnawaitedDetector struct {
	cfg    UnawaitedPromisesConfig
	store  *EventStore
	health *HealthAggregator
	logger Logger

	selfPaths []string

	mu      sync.Mutex
	entries map[uint64]*unawaitedEntry
	stopped chan struct{}
	once    sync.Once
}

func NewUnawaitedDetector(cfg UnawaitedPromisesConfig, store *EventStore, health *HealthAggregator, logger Logger, selfPaths []string) *UnawaitedDetector {
	if logger == nil {
		logger = NoOpLogger{}
	}
	return &UnawaitedDetector{
		cfg:       cfg,
		store:     store,
		health:    health,
		logger:    logger,
		selfPaths: selfPaths,
		entries:   make(map[uint64]*unawaitedEntry),
		stopped:   make(chan struct{}),
	}
}

// Start registers lifecycle hooks and begins the watchdog loop.
//
// hostloop.JS only supports one installed [hostloop.LifecycleHooks] value
// at a time (see SetLifecycleHooks), so when both the Task Tracker and
// the Unawaited Detector are enabled the orchestrator composes their
// callbacks into a single hooks value (see orchestrator.go) rather than
// each calling Start independently; Start here is also used directly in
// tests and single-monitor configurations.
func (u *UnawaitedDetector) Start(js *hostloop.JS) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &RuntimeHookError{Monitor: "unawaited-task-detector", Cause: panicError(r)}
		}
	}()
	js.SetLifecycleHooks(&hostloop.LifecycleHooks{
		OnCreate:       u.OnCreate,
		OnContinuation: u.OnContinuation,
		OnSettle:       u.OnSettle,
	})
	u.StartWatchdog()
	return nil
}

// StartWatchdog begins the periodic stale-task sweep without touching
// hostloop's lifecycle hooks. See TaskTracker.StartWatchdog for why the
// orchestrator needs this split.
func (u *UnawaitedDetector) StartWatchdog() {
	go u.watchdogLoop()
}

func (u *UnawaitedDetector) Stop() {
	u.once.Do(func() { close(u.stopped) })
}

// OnCreate records a new task. Exported (capitalized, but package-local
// use only) so the orchestrator can fan a single hostloop.LifecycleHooks
// callback out to both this detector and the Task Tracker.
func (u *UnawaitedDetector) OnCreate(id uint64, created time.Time, stack []uintptr, parentID uint64) {
	file, line, cleaned, ok := firstUserFrame(stack, u.selfPaths, 10)
	if !ok {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.entries[id] = &unawaitedEntry{ID: id, ParentID: parentID, CreatedAt: created, File: file, Line: line, Stack: cleaned}
}

// OnContinuation marks a task observed the first time any continuation
// method is attached (spec §4.5: "one-way").
func (u *UnawaitedDetector) OnContinuation(id uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if e, ok := u.entries[id]; ok {
		e.Observed = true
	}
}

// OnSettle schedules removal of a settled entry after warningThreshold+1s
// (spec §4.5), whether or not it was ever observed — a task that attached
// a continuation and then settled quietly is no longer interesting.
func (u *UnawaitedDetector) OnSettle(id uint64, _ hostloop.PromiseState, _ bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if e, ok := u.entries[id]; ok {
		e.hasSettled = true
		e.settledAt = timeNow()
	}
}

func (u *UnawaitedDetector) watchdogLoop() {
	interval := u.cfg.CheckInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := timeNewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-u.stopped:
			return
		case <-ticker.C:
			u.check()
		}
	}
}

func (u *UnawaitedDetector) check() {
	now := timeNow()
	removalDelay := u.cfg.WarningThreshold + time.Second

	var toReport []unawaitedEntry

	u.mu.Lock()
	for id, e := range u.entries {
		if e.hasSettled && now.Sub(e.settledAt) >= removalDelay {
			delete(u.entries, id)
			continue
		}
		if !e.Observed && !e.hasSettled && now.Sub(e.CreatedAt) > u.cfg.WarningThreshold {
			toReport = append(toReport, *e)
			delete(u.entries, id) // forget immediately to avoid repeats (spec §4.5)
		}
	}
	u.mu.Unlock()

	for _, e := range toReport {
		u.store.Emit(KindUnawaitedTask, map[string]any{
			"taskId":     e.ID,
			"ageSeconds": now.Sub(e.CreatedAt).Seconds(),
		}, WithSeverity(SeverityWarning), WithFileLine(e.File, e.Line), WithStack(e.Stack),
			WithSuggestion("promise created but no then/catch/finally was attached before the warning threshold elapsed"))
	}

	if u.health != nil {
		u.health.RecordMonitorCheck("unawaited-task-detector", true)
	}
}
