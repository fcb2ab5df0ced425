package loopguard

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventStore_MonotonicIDs(t *testing.T) {
	s := NewEventStore(100)
	a := s.Emit(KindSystemInfo, nil)
	b := s.Emit(KindSystemInfo, nil)
	c := s.Emit(KindSystemInfo, nil)
	require.Less(t, a.ID, b.ID)
	require.Less(t, b.ID, c.ID)
}

func TestEventStore_DefaultSeverityByKind(t *testing.T) {
	s := NewEventStore(10)
	require.Equal(t, SeverityCritical, s.Emit(KindTaskDeadlock, nil).Severity)
	require.Equal(t, SeverityCritical, s.Emit(KindMemoryLeak, nil).Severity)
	require.Equal(t, SeverityError, s.Emit(KindEventLoopStall, nil).Severity)
	require.Equal(t, SeverityWarning, s.Emit(KindUnawaitedTask, nil).Severity)
	require.Equal(t, SeverityInfo, s.Emit(KindSystemInfo, nil).Severity)
}

func TestEventStore_SeverityOverride(t *testing.T) {
	s := NewEventStore(10)
	e := s.Emit(KindSystemInfo, nil, WithSeverity(SeverityCritical))
	require.Equal(t, SeverityCritical, e.Severity)
}

func TestEventStore_FIFOCapEviction(t *testing.T) {
	s := NewEventStore(3)
	for i := 0; i < 5; i++ {
		s.Emit(KindSystemInfo, nil)
	}
	events := s.Events(EventFilter{})
	require.Len(t, events, 3)
	// the retained events are the 3 most recent (ids 3,4,5)
	require.EqualValues(t, 3, events[0].ID)
	require.EqualValues(t, 5, events[2].ID)
}

func TestEventStore_EventsFilter(t *testing.T) {
	s := NewEventStore(100)
	s.Emit(KindEventLoopStall, nil)
	s.Emit(KindMemoryLeak, nil)
	s.Emit(KindEventLoopStall, nil, WithSeverity(SeverityCritical))

	byKind := s.Events(EventFilter{Kind: KindEventLoopStall})
	require.Len(t, byKind, 2)

	bySeverity := s.Events(EventFilter{Severity: SeverityCritical})
	require.Len(t, bySeverity, 1)
}

func TestEventStore_Stats(t *testing.T) {
	s := NewEventStore(100)
	s.Emit(KindEventLoopStall, nil)
	s.Emit(KindEventLoopStall, nil)
	s.Emit(KindMemoryLeak, nil)

	stats := s.Stats()
	require.EqualValues(t, 3, stats.Total)
	require.EqualValues(t, 2, stats.ByKind[KindEventLoopStall])
	require.EqualValues(t, 1, stats.ByKind[KindMemoryLeak])
}

func TestEventStore_SubscribeUnsubscribe(t *testing.T) {
	s := NewEventStore(100)
	var got []Event
	id := s.Subscribe(KindEventLoopStall, func(e Event) { got = append(got, e) })

	s.Emit(KindEventLoopStall, nil)
	s.Emit(KindMemoryLeak, nil) // does not match kind filter
	require.Len(t, got, 1)

	require.True(t, s.Unsubscribe(id))
	s.Emit(KindEventLoopStall, nil)
	require.Len(t, got, 1, "no further deliveries after unsubscribe")

	require.False(t, s.Unsubscribe(id), "unsubscribing twice reports not found")
}

func TestEventStore_SubscribeWildcard(t *testing.T) {
	s := NewEventStore(100)
	var count int
	s.Subscribe("*", func(Event) { count++ })
	s.Emit(KindEventLoopStall, nil)
	s.Emit(KindMemoryLeak, nil)
	require.Equal(t, 2, count)
}

func TestEventStore_HandlerPanicDoesNotStopDispatch(t *testing.T) {
	s := NewEventStore(100)
	var secondCalled bool
	s.Subscribe("*", func(Event) { panic("boom") })
	s.Subscribe("*", func(Event) { secondCalled = true })

	require.NotPanics(t, func() { s.Emit(KindSystemInfo, nil) })
	require.True(t, secondCalled)
}

func TestEventStore_Clear(t *testing.T) {
	s := NewEventStore(100)
	s.Emit(KindSystemInfo, nil)
	s.Clear()
	require.Empty(t, s.Events(EventFilter{}))
	require.Zero(t, s.Stats().Total)
}
