package loopguard

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestEvent(kind Kind, file string, line int) Event {
	return Event{Kind: kind, File: file, Line: line, Timestamp: timeNow(), Severity: defaultSeverity(kind)}
}

func TestAlertRouter_DispatchesInInsertionOrder(t *testing.T) {
	ar := NewAlertRouter(nil)
	var order []string
	ar.AddRoute(&AlertRoute{Name: "first", Enabled: true, Handler: func(Event) error {
		order = append(order, "first")
		return nil
	}})
	ar.AddRoute(&AlertRoute{Name: "second", Enabled: true, Handler: func(Event) error {
		order = append(order, "second")
		return nil
	}})

	ar.Route(newTestEvent(KindSystemInfo, "a.go", 1))
	require.Equal(t, []string{"first", "second"}, order)
}

func TestAlertRouter_DisabledRouteSkipped(t *testing.T) {
	ar := NewAlertRouter(nil)
	var called bool
	ar.AddRoute(&AlertRoute{Name: "r", Enabled: false, Handler: func(Event) error {
		called = true
		return nil
	}})
	ar.Route(newTestEvent(KindSystemInfo, "a.go", 1))
	require.False(t, called)
}

func TestAlertRouter_FilterSkipsNonMatching(t *testing.T) {
	ar := NewAlertRouter(nil)
	var called bool
	ar.AddRoute(&AlertRoute{
		Name:    "critical-only",
		Enabled: true,
		Filter:  func(e Event) bool { return e.Severity == SeverityCritical },
		Handler: func(Event) error { called = true; return nil },
	})
	ar.Route(newTestEvent(KindUnawaitedTask, "a.go", 1)) // severity warning
	require.False(t, called)

	e := newTestEvent(KindTaskDeadlock, "b.go", 2) // severity critical
	ar.Route(e)
	require.True(t, called)
}

func TestAlertRouter_HandlerPanicContained(t *testing.T) {
	ar := NewAlertRouter(nil)
	var secondCalled bool
	ar.AddRoute(&AlertRoute{Name: "panics", Enabled: true, Handler: func(Event) error {
		panic("boom")
	}})
	ar.AddRoute(&AlertRoute{Name: "ok", Enabled: true, Handler: func(Event) error {
		secondCalled = true
		return nil
	}})

	require.NotPanics(t, func() { ar.Route(newTestEvent(KindSystemInfo, "a.go", 1)) })
	require.True(t, secondCalled)
}

func TestAlertRouter_HandlerErrorContained(t *testing.T) {
	ar := NewAlertRouter(nil)
	var secondCalled bool
	ar.AddRoute(&AlertRoute{Name: "errors", Enabled: true, Handler: func(Event) error {
		return errors.New("boom")
	}})
	ar.AddRoute(&AlertRoute{Name: "ok", Enabled: true, Handler: func(Event) error {
		secondCalled = true
		return nil
	}})

	ar.Route(newTestEvent(KindSystemInfo, "a.go", 1))
	require.True(t, secondCalled)
}

func TestAlertRouter_DedupSuppressesWithinTTL(t *testing.T) {
	ar := NewAlertRouter(nil)
	var calls int
	ar.AddRoute(&AlertRoute{Name: "r", Enabled: true, Handler: func(Event) error {
		calls++
		return nil
	}})

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	old := timeNow
	defer func() { timeNow = old }()
	timeNow = func() time.Time { return base }

	e := newTestEvent(KindSystemInfo, "a.go", 1)
	ar.Route(e)
	ar.Route(e) // same eventKey, within dedup TTL
	require.Equal(t, 1, calls)

	timeNow = func() time.Time { return base.Add(dedupTTL + time.Second) }
	ar.Route(e)
	require.Equal(t, 2, calls, "dispatch resumes once the dedup window has elapsed")
}

func TestAlertRouter_RemoveRoute(t *testing.T) {
	ar := NewAlertRouter(nil)
	ar.AddRoute(&AlertRoute{Name: "r", Enabled: true, Handler: func(Event) error { return nil }})
	require.True(t, ar.RemoveRoute("r"))
	require.False(t, ar.RemoveRoute("r"), "already removed")
}

func TestAlertRouter_RateLimitSkipsRoute(t *testing.T) {
	ar := NewAlertRouter(nil)
	var calls int
	ar.AddRoute(&AlertRoute{
		Name: "limited", Enabled: true, PerMinute: 1,
		Handler: func(Event) error { calls++; return nil },
	})

	// distinct events (different lines) so dedup never suppresses these;
	// the rate limiter is what should cap dispatch to 1.
	ar.Route(newTestEvent(KindSystemInfo, "a.go", 1))
	ar.Route(newTestEvent(KindSystemInfo, "a.go", 2))
	ar.Route(newTestEvent(KindSystemInfo, "a.go", 3))
	require.Equal(t, 1, calls)
}

func TestEventKey_IncludesKindFileLine(t *testing.T) {
	a := eventKey(newTestEvent(KindEventLoopStall, "a.go", 10))
	b := eventKey(newTestEvent(KindEventLoopStall, "a.go", 11))
	c := eventKey(newTestEvent(KindMemoryLeak, "a.go", 10))
	require.NotEqual(t, a, b)
	require.NotEqual(t, a, c)
}
