// Package metrics exposes prometheus counters for claims, completions and
// recovery sweeps. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Completion paths.
const (
	PathCallback = "callback"
	PathSweep    = "sweep"
	PathManual   = "manual"
)

type Collector struct {
	ordersCreated    *prometheus.CounterVec
	claims           *prometheus.CounterVec
	ordersCompleted  *prometheus.CounterVec
	sweeps           *prometheus.CounterVec
	botsRepaired     prometheus.Counter
	scheduleFailures prometheus.Counter
	sweepDuration    prometheus.Histogram

	gatherer prometheus.Gatherer
}

// NewCollector registers every metric on reg. Pass a fresh prometheus.Registry
// in tests to avoid duplicate registration.
func NewCollector(reg *prometheus.Registry) *Collector {
	c := &Collector{
		ordersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pos_orders_created_total",
			Help: "Orders created, by order type",
		}, []string{"type"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pos_claims_total",
			Help: "Claim attempts, by outcome",
		}, []string{"outcome"}),
		ordersCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pos_orders_completed_total",
			Help: "Orders finalized, by the path that won",
		}, []string{"path"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pos_sweeps_total",
			Help: "Recovery sweeps that ran or were skipped by the resume lock",
		}, []string{"result"}),
		botsRepaired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pos_bots_repaired_total",
			Help: "Bots forced back to IDLE by recovery",
		}),
		scheduleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pos_schedule_failures_total",
			Help: "Completion callbacks that could not be scheduled",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pos_sweep_duration_seconds",
			Help:    "Recovery sweep duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		c.ordersCreated,
		c.claims,
		c.ordersCompleted,
		c.sweeps,
		c.botsRepaired,
		c.scheduleFailures,
		c.sweepDuration,
	)
	return c
}

func (c *Collector) OrderCreated(orderType string) {
	if c == nil {
		return
	}
	c.ordersCreated.WithLabelValues(orderType).Inc()
}

func (c *Collector) Claim(outcome string) {
	if c == nil {
		return
	}
	c.claims.WithLabelValues(outcome).Inc()
}

func (c *Collector) OrderCompleted(path string) {
	if c == nil {
		return
	}
	c.ordersCompleted.WithLabelValues(path).Inc()
}

func (c *Collector) SweepSkipped() {
	if c == nil {
		return
	}
	c.sweeps.WithLabelValues("skipped").Inc()
}

func (c *Collector) SweepRan(d time.Duration, botsRepaired int) {
	if c == nil {
		return
	}
	c.sweeps.WithLabelValues("ran").Inc()
	c.sweepDuration.Observe(d.Seconds())
	if botsRepaired > 0 {
		c.botsRepaired.Add(float64(botsRepaired))
	}
}

func (c *Collector) ScheduleFailed() {
	if c == nil {
		return
	}
	c.scheduleFailures.Inc()
}

// Handler serves the registry this collector was registered on.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
