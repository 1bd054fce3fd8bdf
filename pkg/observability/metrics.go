package observability

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics of the ACL engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Propagation metrics
	PropagationRunsTotal     *prometheus.CounterVec
	PropagationDuration      *prometheus.HistogramVec
	NodesCreatedTotal        *prometheus.CounterVec
	NodesSkippedTotal        *prometheus.CounterVec
	NodesDeletedTotal        *prometheus.CounterVec
	InternalRolesPrunedTotal prometheus.Counter

	// Assignment metrics
	HolderChangesTotal *prometheus.CounterVec

	// Permission check metrics
	PermissionChecksTotal   *prometheus.CounterVec
	PermissionCheckDuration prometheus.Histogram

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	CachePurgesTotal *prometheus.CounterVec

	// Rule set metrics
	RuleSetReloadsTotal *prometheus.CounterVec
	RuleSetEntries      prometheus.Gauge

	// Database metrics
	DBConnectionsActive    prometheus.Gauge
	DBConnectionsIdle      prometheus.Gauge
	DBConnectionsWaitCount prometheus.Gauge

	otel *OTelMetrics
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		PropagationRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acl_propagation_runs_total",
				Help: "Total number of propagation runs",
			},
			[]string{"object_type", "status"},
		),
		PropagationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "acl_propagation_duration_seconds",
				Help:    "Propagation run duration in seconds",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
			},
			[]string{"object_type"},
		),
		NodesCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acl_nodes_created_total",
				Help: "Total number of ACL nodes created",
			},
			[]string{"kind"},
		),
		NodesSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acl_nodes_skipped_total",
				Help: "Total number of derived nodes that already existed during propagation",
			},
			[]string{"object_type"},
		),
		NodesDeletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acl_nodes_deleted_total",
				Help: "Total number of ACL nodes deleted",
			},
			[]string{"reason"},
		),
		InternalRolesPrunedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "acl_internal_roles_pruned_total",
				Help: "Total number of unused internal roles removed",
			},
		),
		HolderChangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acl_holder_changes_total",
				Help: "Total number of person assignment rows inserted or deleted",
			},
			[]string{"op"},
		),
		PermissionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acl_permission_checks_total",
				Help: "Total number of permission checks",
			},
			[]string{"action", "result", "source"},
		),
		PermissionCheckDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "acl_permission_check_duration_seconds",
				Help:    "Permission check duration in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
			},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acl_cache_hits_total",
				Help: "Total number of permission cache hits",
			},
			[]string{"cache_type"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acl_cache_misses_total",
				Help: "Total number of permission cache misses",
			},
			[]string{"cache_type"},
		),
		CachePurgesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acl_cache_purges_total",
				Help: "Total number of permission cache purges",
			},
			[]string{"cache_type"},
		),
		RuleSetReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acl_rule_set_reloads_total",
				Help: "Total number of rule set reload attempts",
			},
			[]string{"status"},
		),
		RuleSetEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "acl_rule_set_entries",
				Help: "Number of (object type, role) entries in the active rule set",
			},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "acl_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "acl_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "acl_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
	}

	registry.MustRegister(
		m.PropagationRunsTotal,
		m.PropagationDuration,
		m.NodesCreatedTotal,
		m.NodesSkippedTotal,
		m.NodesDeletedTotal,
		m.InternalRolesPrunedTotal,
		m.HolderChangesTotal,
		m.PermissionChecksTotal,
		m.PermissionCheckDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CachePurgesTotal,
		m.RuleSetReloadsTotal,
		m.RuleSetEntries,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
	)

	return m
}

// WithOTel makes every observation also record on the OpenTelemetry
// instruments of o
func (m *Metrics) WithOTel(o *OTelMetrics) *Metrics {
	if m != nil {
		m.otel = o
	}
	return m
}

// ObservePropagation records one finished propagation run
func (m *Metrics) ObservePropagation(objectType string, created, skipped int, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.PropagationRunsTotal.WithLabelValues(objectType, status).Inc()
	m.PropagationDuration.WithLabelValues(objectType).Observe(elapsed.Seconds())
	if err == nil {
		m.NodesCreatedTotal.WithLabelValues("derived").Add(float64(created))
		m.NodesSkippedTotal.WithLabelValues(objectType).Add(float64(skipped))
	}
	m.otel.RecordPropagation(context.Background(), objectType, created, elapsed, err)
}

// ObserveRootCreated records a directly granted node
func (m *Metrics) ObserveRootCreated() {
	if m == nil {
		return
	}
	m.NodesCreatedTotal.WithLabelValues("root").Inc()
	m.otel.RecordRootCreated(context.Background())
}

// ObserveDeleted records removed nodes
func (m *Metrics) ObserveDeleted(reason string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.NodesDeletedTotal.WithLabelValues(reason).Add(float64(count))
	m.otel.RecordDeleted(context.Background(), reason, count)
}

// ObservePruned records removed internal roles
func (m *Metrics) ObservePruned(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.InternalRolesPrunedTotal.Add(float64(count))
}

// ObserveHolders records person assignment row changes
func (m *Metrics) ObserveHolders(added, removed int) {
	if m == nil {
		return
	}
	m.HolderChangesTotal.WithLabelValues("add").Add(float64(added))
	m.HolderChangesTotal.WithLabelValues("remove").Add(float64(removed))
}

// ObserveCheck records a permission check. source is "system", "acl" or "cache".
func (m *Metrics) ObserveCheck(action string, allowed bool, source string, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.PermissionChecksTotal.WithLabelValues(action, result, source).Inc()
	m.PermissionCheckDuration.Observe(elapsed.Seconds())
	m.otel.RecordCheck(context.Background(), action, allowed, source, elapsed)
}

// ObserveCache records a cache lookup
func (m *Metrics) ObserveCache(cacheType string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(cacheType).Inc()
	} else {
		m.CacheMissesTotal.WithLabelValues(cacheType).Inc()
	}
	m.otel.RecordCacheLookup(context.Background(), cacheType, hit)
}

// ObserveCachePurge records a cache purge
func (m *Metrics) ObserveCachePurge(cacheType string) {
	if m == nil {
		return
	}
	m.CachePurgesTotal.WithLabelValues(cacheType).Inc()
}

// ObserveRuleSetReload records a rule set reload attempt
func (m *Metrics) ObserveRuleSetReload(entries int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.RuleSetReloadsTotal.WithLabelValues("error").Inc()
		return
	}
	m.RuleSetReloadsTotal.WithLabelValues("success").Inc()
	m.RuleSetEntries.Set(float64(entries))
}

// UpdateDBStats copies connection pool statistics into gauges
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWaitCount.Set(float64(stats.WaitCount))
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, registry *prometheus.Registry) {
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
