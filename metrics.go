package numbat

// A thin abstraction over Prometheus so the index can run with or
// without instrumentation. When no registry is supplied the no-op
// sink is used and the hot path pays nothing.

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metricsSink interface {
	incInsert()
	incRemove()
	observeSearch(d time.Duration)
	setLive(n int64)
	setArenaBytes(n int64)
}

type noopSink struct{}

func (noopSink) incInsert()                 {}
func (noopSink) incRemove()                 {}
func (noopSink) observeSearch(time.Duration) {}
func (noopSink) setLive(int64)              {}
func (noopSink) setArenaBytes(int64)        {}

type promSink struct {
	inserts  prometheus.Counter
	removes  prometheus.Counter
	searches prometheus.Histogram
	live     prometheus.Gauge
	arena    prometheus.Gauge
}

func newPromSink(reg *prometheus.Registry) *promSink {
	s := &promSink{
		inserts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "numbat",
			Name:      "inserts_total",
			Help:      "Number of vectors inserted.",
		}),
		removes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "numbat",
			Name:      "removes_total",
			Help:      "Number of vectors removed.",
		}),
		searches: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "numbat",
			Name:      "search_duration_seconds",
			Help:      "Latency of k-NN searches.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "numbat",
			Name:      "live_vectors",
			Help:      "Number of live vectors in the index.",
		}),
		arena: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "numbat",
			Name:      "arena_bytes",
			Help:      "Allocated vector arena size in bytes.",
		}),
	}
	reg.MustRegister(s.inserts, s.removes, s.searches, s.live, s.arena)
	return s
}

func (s *promSink) incInsert()                   { s.inserts.Inc() }
func (s *promSink) incRemove()                   { s.removes.Inc() }
func (s *promSink) observeSearch(d time.Duration) { s.searches.Observe(d.Seconds()) }
func (s *promSink) setLive(n int64)              { s.live.Set(float64(n)) }
func (s *promSink) setArenaBytes(n int64)        { s.arena.Set(float64(n)) }
