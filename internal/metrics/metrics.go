package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danielpatrickdp/resonance/internal/state"
)

const namespace = "resonance"

// Collector owns the engine counters on a private registry so several
// engines in one process (tests, replay) do not collide.
type Collector struct {
	registry *prometheus.Registry

	degeneracies *prometheus.CounterVec
	records      *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	events       *prometheus.CounterVec
	children     prometheus.Counter
	windowTime   prometheus.Histogram
	contributors prometheus.Gauge
	eligible     prometheus.Gauge
}

// New registers every collector.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		degeneracies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degeneracy_total",
			Help:      "Neutral defaults substituted for degenerate inputs, by field.",
		}, []string{"field"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Committed score records, by data quality status.",
		}, []string{"dq_status"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_transitions_total",
			Help:      "Lifecycle transitions, by target state and reason.",
		}, []string{"to", "reason"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "severity_events_total",
			Help:      "Publication events emitted, by class.",
		}, []string{"class"}),
		children: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutation_children_total",
			Help:      "Child detectors spawned by the mutation scheduler.",
		}),
		windowTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "window_duration_seconds",
			Help:      "Wall time from window start to commit.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		contributors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "barrier_contributors",
			Help:      "Fresh active detectors in the last window reduction.",
		}),
		eligible: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "eligible_detectors",
			Help:      "Detectors eligible for publication in the last window.",
		}),
	}
	c.registry.MustRegister(c.degeneracies, c.records, c.transitions, c.events,
		c.children, c.windowTime, c.contributors, c.eligible)
	return c
}

// Handler serves the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for gathering in tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveWindow records one committed window.
func (c *Collector) ObserveWindow(records []state.ScoreRecord, red state.Reduction, elapsed time.Duration) {
	eligible := 0
	for _, r := range records {
		c.records.WithLabelValues(string(r.DQStatus)).Inc()
		c.Degeneracies(r.Degeneracies)
		if r.DetEligible {
			eligible++
		}
	}
	c.contributors.Set(float64(red.Contributors))
	c.eligible.Set(float64(eligible))
	c.windowTime.Observe(elapsed.Seconds())
}

// Degeneracies counts substituted defaults. Notes are "field: reason" as
// rendered by stats.Degeneracy.
func (c *Collector) Degeneracies(notes []string) {
	for _, n := range notes {
		field, _, _ := strings.Cut(n, ":")
		c.degeneracies.WithLabelValues(field).Inc()
	}
}

// ObserveCycle records lifecycle transitions and spawned children.
func (c *Collector) ObserveCycle(events []state.LifecycleEvent, children int) {
	for _, ev := range events {
		c.transitions.WithLabelValues(string(ev.NewState), ev.Reason).Inc()
	}
	c.children.Add(float64(children))
}

// ObserveEvents counts publication events by class.
func (c *Collector) ObserveEvents(classes []string) {
	for _, class := range classes {
		c.events.WithLabelValues(class).Inc()
	}
}
