package loopguard

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetricsRegistry_CounterRoundTrip(t *testing.T) {
	r := NewMetricsRegistry()
	r.Inc("requests_total", nil)
	r.IncCounter("requests_total", nil, 4)
	require.Equal(t, 5.0, r.Counter("requests_total", nil))

	// non-positive deltas are ignored
	r.IncCounter("requests_total", nil, -10)
	r.IncCounter("requests_total", nil, 0)
	require.Equal(t, 5.0, r.Counter("requests_total", nil))
}

func TestMetricsRegistry_GaugeLastWriteWins(t *testing.T) {
	r := NewMetricsRegistry()
	r.SetGauge("queue_depth", nil, 3)
	r.SetGauge("queue_depth", nil, 7)
	require.Equal(t, 7.0, r.Gauge("queue_depth", nil))
}

func TestMetricsRegistry_SeriesKeyLabelSorting(t *testing.T) {
	k1 := seriesKey("x", map[string]string{"b": "2", "a": "1"})
	k2 := seriesKey("x", map[string]string{"a": "1", "b": "2"})
	require.Equal(t, k1, k2)
	require.Equal(t, `x{a="1",b="2"}`, k1)
	require.Equal(t, "x", seriesKey("x", nil))
}

func TestMetricsRegistry_LabelsAreDistinctSeries(t *testing.T) {
	r := NewMetricsRegistry()
	r.Inc("events_total", map[string]string{"kind": "stall"})
	r.Inc("events_total", map[string]string{"kind": "leak"})
	require.Equal(t, 1.0, r.Counter("events_total", map[string]string{"kind": "stall"}))
	require.Equal(t, 1.0, r.Counter("events_total", map[string]string{"kind": "leak"}))
	require.Equal(t, 0.0, r.Counter("events_total", nil))
}

func TestMetricsRegistry_HistogramPercentiles(t *testing.T) {
	r := NewMetricsRegistry()
	for i := 1; i <= 100; i++ {
		r.RecordHistogram("lag_ms", nil, float64(i))
	}
	stats, ok := r.HistogramStats("lag_ms", nil)
	require.True(t, ok)
	require.Equal(t, 100, stats.Count)
	require.Equal(t, 1.0, stats.Min)
	require.Equal(t, 100.0, stats.Max)
	require.InDelta(t, 50.5, stats.Avg, 0.001)
	require.InDelta(t, 50, stats.P50, 1.0)
	require.InDelta(t, 95, stats.P95, 1.0)
	require.InDelta(t, 99, stats.P99, 1.0)
}

func TestMetricsRegistry_HistogramStatsMissingSeries(t *testing.T) {
	r := NewMetricsRegistry()
	_, ok := r.HistogramStats("unknown", nil)
	require.False(t, ok)
}

func TestMetricsRegistry_HistogramRingEvictsOldest(t *testing.T) {
	r := NewMetricsRegistry()
	for i := 0; i < histogramCap+10; i++ {
		r.RecordHistogram("lag_ms", nil, float64(i))
	}
	stats, ok := r.HistogramStats("lag_ms", nil)
	require.True(t, ok)
	require.Equal(t, histogramCap, stats.Count)
	require.Equal(t, float64(10), stats.Min)
	require.Equal(t, float64(histogramCap+9), stats.Max)
}

func TestMetricsRegistry_All(t *testing.T) {
	r := NewMetricsRegistry()
	r.Inc("b_total", nil)
	r.Inc("a_total", nil)
	require.Equal(t, []string{"a_total", "b_total"}, r.All())
}

func TestMetricsRegistry_Clear(t *testing.T) {
	r := NewMetricsRegistry()
	r.Inc("requests_total", nil)
	r.Clear()
	require.Equal(t, 0.0, r.Counter("requests_total", nil))
	require.Empty(t, r.All())
}

func TestMetricsRegistry_ToText_CounterAndGauge(t *testing.T) {
	r := NewMetricsRegistry()
	r.SetHelp("requests_total", "total requests handled")
	r.Inc("requests_total", nil)
	r.SetGauge("queue_depth", map[string]string{"shard": "0"}, 3)

	text := r.ToText()
	require.Contains(t, text, "# HELP requests_total total requests handled\n")
	require.Contains(t, text, "# TYPE requests_total counter\n")
	require.Contains(t, text, "requests_total 1\n")
	require.Contains(t, text, "# TYPE queue_depth gauge\n")
	require.Contains(t, text, `queue_depth{shard="0"} 3`)
	require.True(t, strings.HasSuffix(text, "\n"))
}

func TestMetricsRegistry_ToText_Histogram(t *testing.T) {
	r := NewMetricsRegistry()
	r.RecordHistogram("lag_ms", nil, 5)
	r.RecordHistogram("lag_ms", nil, 75)

	text := r.ToText()
	require.Contains(t, text, "# TYPE lag_ms histogram\n")
	require.Contains(t, text, `lag_ms_bucket{le="10"} 1`)
	require.Contains(t, text, `lag_ms_bucket{le="100"} 2`)
	require.Contains(t, text, `lag_ms_bucket{le="+Inf"} 2`)
	require.Contains(t, text, "lag_ms_sum 80\n")
	require.Contains(t, text, "lag_ms_count 2\n")
}

func TestMetricsRegistry_ToText_HelpDefaultsToName(t *testing.T) {
	r := NewMetricsRegistry()
	r.Inc("uptime_seconds", nil)
	text := r.ToText()
	require.Contains(t, text, "# HELP uptime_seconds uptime_seconds\n")
}
