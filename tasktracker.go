package loopguard

import (
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/loopguard/hostloop"
)

// TaskStatus is a TrackedTask's position in its lifecycle (spec §3).
type TaskStatus int

const (
	TaskPending TaskStatus = iota
	TaskObserved
	TaskReportedStuck
)

// TrackedTask is the Task Tracker's record of one task/promise (spec §3).
type TrackedTask struct {
	ID         uint64
	ParentID   uint64 // triggering task id (causal parent), 0 if none
	CreatedAt  time.Time
	File       string
	Line       int
	Stack      string
	Status     TaskStatus
	observedAt time.Time // zero until Status transitions away from Pending
}

// TaskTracker observes hostloop's promise lifecycle via [hostloop.LifecycleHooks]
// and reports long-pending or circularly-waiting tasks as deadlocks (spec §4.4).
//
// Grounded on the async_hooks-style init/destroy boundary added to
// hostloop/js.go and hostloop/promise.go (OnCreate/OnSettle): the tracker
// registers those two hooks instead of monkey-patching a constructor,
// matching the "typed boundary interception" redesign in spec.md §9.
type TaskTracker struct {
	cfg    PromisesConfig
	store  *EventStore
	health *HealthAggregator
	logger Logger

	selfPaths []string

	mu      sync.Mutex
	tasks   map[uint64]*TrackedTask
	stopped chan struct{}
	once    sync.Once

	stallCount int
}

// NewTaskTracker constructs a tracker. Call Start to register hooks and
// begin the watchdog loop.
func NewTaskTracker(cfg PromisesConfig, store *EventStore, health *HealthAggregator, logger Logger, selfPaths []string) *TaskTracker {
	if logger == nil {
		logger = NoOpLogger{}
	}
	return &TaskTracker{
		cfg:       cfg,
		store:     store,
		health:    health,
		logger:    logger,
		selfPaths: selfPaths,
		tasks:     make(map[uint64]*TrackedTask),
		stopped:   make(chan struct{}),
	}
}

// Start registers lifecycle hooks on js and begins the periodic deadlock
// watchdog. Hook installation failures are caught and reported as a
// [RuntimeHookError] rather than propagated (spec §4.4: "registers hook
// callbacks inside a guard that catches and logs but never propagates
// failures").
func (t *TaskTracker) Start(js *hostloop.JS) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &RuntimeHookError{Monitor: "task-tracker", Cause: panicError(r)}
		}
	}()

	js.SetLifecycleHooks(&hostloop.LifecycleHooks{
		OnCreate: t.OnCreate,
		OnSettle: t.OnSettle,
	})

	t.StartWatchdog()
	return nil
}

// StartWatchdog begins the periodic deadlock check without touching
// hostloop's lifecycle hooks. Used by the orchestrator when it composes
// this tracker's OnCreate/OnSettle into a combined hooks value alongside
// the Unawaited Detector (hostloop.JS accepts only one hooks value at a
// time; see unawaited.go).
func (t *TaskTracker) StartWatchdog() {
	go t.watchdogLoop()
}

// Stop disarms the watchdog. Safe to call more than once.
func (t *TaskTracker) Stop() {
	t.once.Do(func() { close(t.stopped) })
}

// OnCreate records a new task, applying self-filtering (spec §4.4).
// Exported so the orchestrator can compose it into a shared
// hostloop.LifecycleHooks value alongside the Unawaited Detector's hooks.
func (t *TaskTracker) OnCreate(id uint64, created time.Time, stack []uintptr, parentID uint64) {
	file, line, cleaned, ok := firstUserFrame(stack, t.selfPaths, 10)
	if !ok {
		// Every frame is self; this task originated from the monitor's own
		// implementation and must never be tracked (spec §4.4, §8).
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.tasks) >= t.cfg.MaxTracked {
		t.evictOldestNonPendingLocked()
	}

	t.tasks[id] = &TrackedTask{
		ID:        id,
		ParentID:  parentID,
		CreatedAt: created,
		File:      file,
		Line:      line,
		Stack:     cleaned,
		Status:    TaskPending,
	}
}

// OnSettle transitions a pending task to observed. Exported for the same
// composition reason as OnCreate.
func (t *TaskTracker) OnSettle(id uint64, _ hostloop.PromiseState, _ bool) {
	t.mu.Lock()
	task, ok := t.tasks[id]
	if !ok || task.Status != TaskPending {
		t.mu.Unlock()
		return
	}
	task.Status = TaskObserved
	task.observedAt = timeNow()
	t.mu.Unlock()
}

// evictOldestNonPendingLocked drops the oldest 20% of non-pending entries
// once the tracker hits its configured cap (spec §4.4, §3). Called with
// t.mu held.
func (t *TaskTracker) evictOldestNonPendingLocked() {
	type idAge struct {
		id  uint64
		age time.Time
	}
	var candidates []idAge
	for id, task := range t.tasks {
		if task.Status != TaskPending {
			candidates = append(candidates, idAge{id, task.CreatedAt})
		}
	}
	if len(candidates) == 0 {
		return
	}
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].age.Before(candidates[j-1].age); j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	toDrop := len(candidates) / 5
	if toDrop == 0 {
		toDrop = 1
	}
	for i := 0; i < toDrop && i < len(candidates); i++ {
		delete(t.tasks, candidates[i].id)
	}
}

func (t *TaskTracker) watchdogLoop() {
	interval := t.cfg.CheckInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := timeNewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopped:
			return
		case <-ticker.C:
			t.check()
		}
	}
}

func (t *TaskTracker) check() {
	now := timeNow()

	t.mu.Lock()
	// Removal deferred >= 60s after observation (spec §3).
	for id, task := range t.tasks {
		if task.Status == TaskObserved && !task.observedAt.IsZero() && now.Sub(task.observedAt) >= 60*time.Second {
			delete(t.tasks, id)
		}
	}

	var stuck []*TrackedTask
	for _, task := range t.tasks {
		if task.Status == TaskPending && now.Sub(task.CreatedAt) >= t.cfg.DeadlockThreshold {
			stuck = append(stuck, task)
		}
	}
	t.mu.Unlock()

	for _, task := range stuck {
		t.reportDeadlock(task, now)
	}

	if t.health != nil {
		t.health.RecordMonitorCheck("task-tracker", true)
	}
}

// deadlockWalkMaxDepth bounds the ancestor walk in reportDeadlock, so a
// deep or (were one ever to arise) corrupted parent chain can't turn a
// single deadlock report into an unbounded scan (spec §4.4).
const deadlockWalkMaxDepth = 10

// reportDeadlock emits TaskDeadlock and transitions task to
// reportedStuck, per spec.md §4.4's classification steps.
//
// relatedCount and isCircular come from a depth-capped walk up task's
// ParentID chain (the causal graph threaded through hostloop's OnCreate
// hook, see promise.go's Then/Catch/Finally call sites): relatedCount
// counts ancestors that have not settled (pending or already reported
// stuck), and isCircular reports whether the
// walk revisited an id already seen. Parent links are assigned at
// creation time, so under normal operation the chain is a DAG and
// can't actually cycle; isCircular surfaces id reuse or tracker
// corruption rather than a genuine circular wait, which a creation-time
// parent pointer alone cannot distinguish from mutual runtime waiting.
func (t *TaskTracker) reportDeadlock(task *TrackedTask, now time.Time) {
	t.mu.Lock()
	if task.Status != TaskPending {
		t.mu.Unlock()
		return
	}
	task.Status = TaskReportedStuck
	related, isCircular := t.walkAncestorsLocked(task)
	t.mu.Unlock()

	ageSeconds := now.Sub(task.CreatedAt).Seconds()
	t.store.Emit(KindTaskDeadlock, map[string]any{
		"taskId":       task.ID,
		"parentId":     task.ParentID,
		"ageSeconds":   ageSeconds,
		"isCircular":   isCircular,
		"relatedCount": related,
	}, WithSeverity(SeverityCritical), WithFileLine(task.File, task.Line), WithStack(task.Stack),
		WithSuggestion("task has been pending beyond the deadlock threshold; check for a missing resolve/reject or a circular wait"))
}

// walkAncestorsLocked follows task.ParentID up the causal chain, up to
// deadlockWalkMaxDepth hops, counting ancestors still present in t.tasks
// that have not settled. Called with t.mu held.
func (t *TaskTracker) walkAncestorsLocked(task *TrackedTask) (relatedCount int, isCircular bool) {
	visited := map[uint64]bool{task.ID: true}
	cur := task
	for depth := 0; depth < deadlockWalkMaxDepth && cur.ParentID != 0; depth++ {
		parent, ok := t.tasks[cur.ParentID]
		if !ok {
			break // parent already settled, evicted, or never tracked (self-filtered)
		}
		if visited[parent.ID] {
			isCircular = true
			break
		}
		visited[parent.ID] = true
		if parent.Status != TaskObserved {
			relatedCount++
		}
		cur = parent
	}
	return relatedCount, isCircular
}

// Pending returns a snapshot of every currently tracked task.
func (t *TaskTracker) Pending() []TrackedTask {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TrackedTask, 0, len(t.tasks))
	for _, task := range t.tasks {
		out = append(out, *task)
	}
	return out
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}
