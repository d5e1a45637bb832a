// Package metrics holds the prometheus collectors for the gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a registry so tests can run isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	queries      *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec
	upstream     *prometheus.CounterVec
	upstreamErr  *prometheus.CounterVec
	ecsPolicy    *prometheus.CounterVec
	ruleUpdates  *prometheus.CounterVec
	snapshots    *prometheus.CounterVec

	upstreamSeconds *prometheus.HistogramVec
}

// New returns metrics registered on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dns_queries_total",
				Help: "How many DNS queries processed",
			},
			[]string{"qtype", "rcode"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dns_cache_lookups_total",
				Help: "Cache lookups by result",
			},
			[]string{"result"},
		),
		upstream: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dns_upstream_queries_total",
				Help: "Upstream queries by group",
			},
			[]string{"group"},
		),
		upstreamErr: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dns_upstream_failures_total",
				Help: "Failed upstream attempts by group",
			},
			[]string{"group"},
		),
		ecsPolicy: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dns_ecs_policy_total",
				Help: "ECS transformations by fired policy",
			},
			[]string{"policy"},
		),
		ruleUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dns_rule_updates_total",
				Help: "Routing rule source refreshes by outcome",
			},
			[]string{"source", "outcome"},
		),
		snapshots: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dns_cache_snapshots_total",
				Help: "Cache snapshot operations by outcome",
			},
			[]string{"op", "outcome"},
		),
		upstreamSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dns_upstream_duration_seconds",
				Help:    "Upstream query duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"group"},
		),
	}

	m.registry.MustRegister(
		m.queries,
		m.cacheLookups,
		m.upstream,
		m.upstreamErr,
		m.ecsPolicy,
		m.ruleUpdates,
		m.snapshots,
		m.upstreamSeconds,
	)

	return m
}

// Handler returns the exposition endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Query records a completed query by qtype and rcode.
func (m *Metrics) Query(qtype uint16, rcode int) {
	m.queries.With(prometheus.Labels{
		"qtype": dns.TypeToString[qtype],
		"rcode": dns.RcodeToString[rcode],
	}).Inc()
}

// CacheHit records a cache hit.
func (m *Metrics) CacheHit() { m.cacheLookups.WithLabelValues("hit").Inc() }

// CacheMiss records a cache miss.
func (m *Metrics) CacheMiss() { m.cacheLookups.WithLabelValues("miss").Inc() }

// Upstream records an upstream attempt and its duration.
func (m *Metrics) Upstream(group string, d time.Duration) {
	m.upstream.WithLabelValues(group).Inc()
	m.upstreamSeconds.WithLabelValues(group).Observe(d.Seconds())
}

// UpstreamFailure records a failed upstream attempt.
func (m *Metrics) UpstreamFailure(group string) {
	m.upstreamErr.WithLabelValues(group).Inc()
}

// ECSPolicy records which ECS policy fired on an outbound query.
func (m *Metrics) ECSPolicy(policy string) {
	m.ecsPolicy.WithLabelValues(policy).Inc()
}

// RuleUpdate records a routing rule source refresh.
func (m *Metrics) RuleUpdate(source, outcome string) {
	m.ruleUpdates.WithLabelValues(source, outcome).Inc()
}

// SnapshotSave records a cache snapshot save outcome.
func (m *Metrics) SnapshotSave(outcome string) {
	m.snapshots.WithLabelValues("save", outcome).Inc()
}

// SnapshotLoad records a cache snapshot load outcome.
func (m *Metrics) SnapshotLoad(outcome string) {
	m.snapshots.WithLabelValues("load", outcome).Inc()
}
