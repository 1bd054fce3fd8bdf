package observability

import (
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersEverything(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	require.NotNil(t, m)

	// Vectors only show up once a label set exists
	m.ObservePropagation("Control", 1, 0, time.Millisecond, nil)
	m.ObserveRootCreated()
	m.ObserveDeleted("revoked", 1)
	m.ObserveHolders(1, 1)
	m.ObserveCheck("read", true, "acl", time.Millisecond)
	m.ObserveCache("lru", true)
	m.ObserveCache("lru", false)
	m.ObserveCachePurge("lru")
	m.ObserveRuleSetReload(1, nil)

	families, err := registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"acl_propagation_runs_total",
		"acl_propagation_duration_seconds",
		"acl_nodes_created_total",
		"acl_nodes_skipped_total",
		"acl_nodes_deleted_total",
		"acl_internal_roles_pruned_total",
		"acl_holder_changes_total",
		"acl_permission_checks_total",
		"acl_permission_check_duration_seconds",
		"acl_cache_hits_total",
		"acl_cache_misses_total",
		"acl_cache_purges_total",
		"acl_rule_set_reloads_total",
		"acl_rule_set_entries",
		"acl_db_connections_active",
	} {
		assert.True(t, names[want], want)
	}

	assert.Panics(t, func() { NewMetrics(registry) }, "registering twice")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObservePropagation("Control", 1, 1, time.Second, nil)
		m.ObserveRootCreated()
		m.ObserveDeleted("revoked", 3)
		m.ObservePruned(2)
		m.ObserveHolders(1, 0)
		m.ObserveCheck("read", true, "acl", time.Second)
		m.ObserveCache("lru", true)
		m.ObserveCachePurge("lru")
		m.ObserveRuleSetReload(1, nil)
		m.UpdateDBStats(sql.DBStats{})
		m.WithOTel(nil)
	})
}

func TestMetrics_ObservePropagation(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObservePropagation("Control", 4, 2, 10*time.Millisecond, nil)
	m.ObservePropagation("Control", 9, 0, time.Millisecond, errors.New("boom"))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.PropagationRunsTotal.WithLabelValues("Control", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PropagationRunsTotal.WithLabelValues("Control", "error")))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.NodesCreatedTotal.WithLabelValues("derived")), "failed runs create nothing")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.NodesSkippedTotal.WithLabelValues("Control")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.PropagationDuration))
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveRootCreated()
	m.ObserveDeleted("object_deleted", 3)
	m.ObserveDeleted("object_deleted", 0)
	m.ObservePruned(2)
	m.ObservePruned(0)
	m.ObserveHolders(3, 1)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.NodesCreatedTotal.WithLabelValues("root")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.NodesDeletedTotal.WithLabelValues("object_deleted")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.InternalRolesPrunedTotal))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.HolderChangesTotal.WithLabelValues("add")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HolderChangesTotal.WithLabelValues("remove")))
}

func TestMetrics_ChecksAndCache(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveCheck("read", true, "acl", time.Millisecond)
	m.ObserveCheck("update", false, "system", time.Millisecond)
	m.ObserveCache("redis", true)
	m.ObserveCache("redis", false)
	m.ObserveCache("redis", false)
	m.ObserveCachePurge("redis")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.PermissionChecksTotal.WithLabelValues("read", "allowed", "acl")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PermissionChecksTotal.WithLabelValues("update", "denied", "system")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheHitsTotal.WithLabelValues("redis")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.CacheMissesTotal.WithLabelValues("redis")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CachePurgesTotal.WithLabelValues("redis")))
}

func TestMetrics_RuleSetReload(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveRuleSetReload(3, nil)
	m.ObserveRuleSetReload(7, errors.New("malformed"))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.RuleSetReloadsTotal.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RuleSetReloadsTotal.WithLabelValues("error")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.RuleSetEntries), "a failed reload keeps the previous count")
}

func TestMetrics_UpdateDBStats(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.UpdateDBStats(sql.DBStats{InUse: 3, Idle: 2, WaitCount: 7})

	assert.Equal(t, float64(3), testutil.ToFloat64(m.DBConnectionsActive))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.DBConnectionsIdle))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.DBConnectionsWaitCount))
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.ObserveRootCreated()

	router := mux.NewRouter()
	RegisterMetricsEndpoint(router, registry)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `acl_nodes_created_total{kind="root"} 1`))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
