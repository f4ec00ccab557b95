package wrpc_async

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "wrpc"

type metrics struct {
	calls      *prometheus.CounterVec
	rejected   *prometheus.CounterVec
	aborted    prometheus.Counter
	live       prometheus.Gauge
	listening  *prometheus.GaugeVec
	processing prometheus.Gauge
	duration   *prometheus.HistogramVec
}

// newMetrics registers the server collectors on reg. A nil reg keeps them
// unregistered, which still lets tests read them.
func newMetrics(service string, reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": service}
	return &metrics{
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "calls_total",
			Help:        "Finished calls by method and status code.",
			ConstLabels: labels,
		}, []string{"method", "code"}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "admission_rejected_total",
			Help:        "Calls refused by admission control.",
			ConstLabels: labels,
		}, []string{"method"}),
		aborted: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "calls_aborted_total",
			Help:        "Call handles torn down by shutdown.",
			ConstLabels: labels,
		}),
		live: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "handles_live",
			Help:        "Call handles not yet released.",
			ConstLabels: labels,
		}),
		listening: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "handles_listening",
			Help:        "Armed listeners by method.",
			ConstLabels: labels,
		}, []string{"method"}),
		processing: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "handles_processing",
			Help:        "Calls accepted and not finished yet.",
			ConstLabels: labels,
		}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Name:        "call_duration_seconds",
			Help:        "Time from request arrival to response sent.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

func (m *metrics) observe(method string, code int32, d time.Duration) {
	m.calls.WithLabelValues(method, strconv.Itoa(int(code))).Inc()
	m.duration.WithLabelValues(method).Observe(d.Seconds())
}

// Stats is a point in time view of a server's call handles.
type Stats struct {
	// Live counts handles that were created and not yet released.
	Live int64
	// Listening counts armed listeners per method.
	Listening  map[string]int64
	Processing int64
	Finished   int64
	Aborted    int64
	Rejected   int64
	// StaleRemovals counts registry removals of a handle that was already
	// removed. Anything but zero is a bug.
	StaleRemovals int64
	Workers       int
	Busy          int64
	Pending       int
}

type counters struct {
	live          atomic.Int64
	listening     map[string]*atomic.Int64
	processing    atomic.Int64
	finished      atomic.Int64
	aborted       atomic.Int64
	rejected      atomic.Int64
	staleRemovals atomic.Int64
}

func newCounters(methods []string) *counters {
	c := &counters{listening: make(map[string]*atomic.Int64, len(methods))}
	for _, m := range methods {
		c.listening[m] = new(atomic.Int64)
	}
	return c
}

func (c *counters) snapshot() Stats {
	s := Stats{
		Live:          c.live.Load(),
		Listening:     make(map[string]int64, len(c.listening)),
		Processing:    c.processing.Load(),
		Finished:      c.finished.Load(),
		Aborted:       c.aborted.Load(),
		Rejected:      c.rejected.Load(),
		StaleRemovals: c.staleRemovals.Load(),
	}
	for m, n := range c.listening {
		s.Listening[m] = n.Load()
	}
	return s
}
