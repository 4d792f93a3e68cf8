// Package metrics exposes dispatcher counters to prometheus and keeps a
// latency histogram of matching scans.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dispatcher"

// Metrics holds every dispatcher collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	TasksAssigned  prometheus.Counter
	TasksRecovered prometheus.Counter
	Rejections     *prometheus.CounterVec
	CacheChecks    *prometheus.CounterVec
	Bans           prometheus.Counter
	DroppedEvents  *prometheus.CounterVec
	QueueGroups    prometheus.Gauge

	scan *ScanLatency
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TasksAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_assigned_total",
			Help: "Tasks assigned to worker cores.",
		}),
		TasksRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_recovered_total",
			Help: "Lost tasks re-sent to their core.",
		}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "match_rejections_total",
			Help: "Candidates rejected during matching, by reason.",
		}, []string{"reason"}),
		CacheChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_checks_total",
			Help: "Cache checks by outcome.",
		}, []string{"outcome"}),
		Bans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "worker_bans_total",
			Help: "Worker cores put on cool-down.",
		}),
		DroppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dropped_total",
			Help: "Best-effort events dropped on a full buffer.",
		}, []string{"kind"}),
		QueueGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_groups",
			Help: "Task groups held by the queue.",
		}),
		scan: NewScanLatency(),
	}
	m.registry.MustRegister(
		m.TasksAssigned, m.TasksRecovered, m.Rejections, m.CacheChecks,
		m.Bans, m.DroppedEvents, m.QueueGroups,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "match_scan_p50_microseconds",
			Help: "Median matching scan latency.",
		}, func() float64 { return float64(m.scan.Snapshot().P50.Microseconds()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "match_scan_p99_microseconds",
			Help: "99th percentile matching scan latency.",
		}, func() float64 { return float64(m.scan.Snapshot().P99.Microseconds()) }),
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ScanLatency returns the scan latency histogram.
func (m *Metrics) ScanLatency() *ScanLatency {
	return m.scan
}

// ScanLatency records matching scan durations between 1µs and 1 minute.
type ScanLatency struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

// LatencySnapshot is a point-in-time view of ScanLatency.
type LatencySnapshot struct {
	Count int64
	P50   time.Duration
	P99   time.Duration
	Max   time.Duration
}

// NewScanLatency creates an empty histogram.
func NewScanLatency() *ScanLatency {
	return &ScanLatency{hist: hdrhistogram.New(1, int64(time.Minute/time.Microsecond), 3)}
}

// Record adds one scan duration. Values out of range are clamped.
func (s *ScanLatency) Record(d time.Duration) {
	us := d.Microseconds()
	if us < 1 {
		us = 1
	}
	if max := s.hist.HighestTrackableValue(); us > max {
		us = max
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.hist.RecordValue(us)
}

// Snapshot returns the current quantiles.
func (s *ScanLatency) Snapshot() LatencySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return LatencySnapshot{
		Count: s.hist.TotalCount(),
		P50:   time.Duration(s.hist.ValueAtQuantile(50)) * time.Microsecond,
		P99:   time.Duration(s.hist.ValueAtQuantile(99)) * time.Microsecond,
		Max:   time.Duration(s.hist.Max()) * time.Microsecond,
	}
}
