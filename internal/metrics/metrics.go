// Package metrics exports post lock activity to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "postlock"

// Prom implements lock.Metrics backed by Prometheus collectors.
type Prom struct {
	acquire   *prometheus.CounterVec
	heartbeat *prometheus.CounterVec
	release   *prometheus.CounterVec
	evictions *prometheus.CounterVec
	held      prometheus.Gauge
	gatherer  prometheus.Gatherer
}

// NewProm creates the collectors and registers them on reg.
// A nil reg uses a fresh registry.
func NewProm(reg *prometheus.Registry) *Prom {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p := &Prom{
		acquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquire_total",
			Help:      "Lock acquisition attempts by outcome",
		}, []string{"outcome"}),
		heartbeat: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_total",
			Help:      "Lock heartbeats by outcome",
		}, []string{"outcome"}),
		release: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "release_total",
			Help:      "Lock releases by kind (owner, force) and outcome",
		}, []string{"kind", "outcome"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Expired locks evicted by reason",
		}, []string{"reason"}),
		held: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "held_locks",
			Help:      "Locks currently stored in memory",
		}),
		gatherer: reg,
	}
	reg.MustRegister(p.acquire, p.heartbeat, p.release, p.evictions, p.held)
	return p
}

func (p *Prom) IncAcquire(outcome string) {
	p.acquire.WithLabelValues(outcome).Inc()
}

func (p *Prom) IncHeartbeat(outcome string) {
	p.heartbeat.WithLabelValues(outcome).Inc()
}

func (p *Prom) IncRelease(kind, outcome string) {
	p.release.WithLabelValues(kind, outcome).Inc()
}

func (p *Prom) IncEviction(reason string) {
	p.evictions.WithLabelValues(reason).Inc()
}

func (p *Prom) SetHeld(n int) {
	p.held.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}
