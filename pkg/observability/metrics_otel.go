package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/platinummonkey/aclprop"

// OTelMetrics mirrors the engine's core counters as OpenTelemetry
// instruments for deployments that export through OTLP
type OTelMetrics struct {
	propagationRuns     metric.Int64Counter
	propagationDuration metric.Float64Histogram
	nodesCreated        metric.Int64Counter
	nodesDeleted        metric.Int64Counter
	permissionChecks    metric.Int64Counter
	checkDuration       metric.Float64Histogram
	cacheLookups        metric.Int64Counter
}

// NewOTelMetrics creates the instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter(meterName)

	m := &OTelMetrics{}
	var err error

	m.propagationRuns, err = meter.Int64Counter(
		"acl.propagation.runs",
		metric.WithDescription("Number of propagation runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create propagation runs counter: %w", err)
	}

	m.propagationDuration, err = meter.Float64Histogram(
		"acl.propagation.duration",
		metric.WithDescription("Propagation run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create propagation duration histogram: %w", err)
	}

	m.nodesCreated, err = meter.Int64Counter(
		"acl.nodes.created",
		metric.WithDescription("Number of ACL nodes created"),
		metric.WithUnit("{node}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create nodes created counter: %w", err)
	}

	m.nodesDeleted, err = meter.Int64Counter(
		"acl.nodes.deleted",
		metric.WithDescription("Number of ACL nodes deleted"),
		metric.WithUnit("{node}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create nodes deleted counter: %w", err)
	}

	m.permissionChecks, err = meter.Int64Counter(
		"acl.permission.checks",
		metric.WithDescription("Number of permission checks"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create permission checks counter: %w", err)
	}

	m.checkDuration, err = meter.Float64Histogram(
		"acl.permission.check.duration",
		metric.WithDescription("Permission check duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create check duration histogram: %w", err)
	}

	m.cacheLookups, err = meter.Int64Counter(
		"acl.cache.lookups",
		metric.WithDescription("Number of permission cache lookups"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache lookups counter: %w", err)
	}

	return m, nil
}

// RecordPropagation records one finished propagation run
func (m *OTelMetrics) RecordPropagation(ctx context.Context, objectType string, created int, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(attribute.String("object_type", objectType), attribute.String("status", status))
	m.propagationRuns.Add(ctx, 1, attrs)
	m.propagationDuration.Record(ctx, elapsed.Seconds(), attrs)
	if err == nil && created > 0 {
		m.nodesCreated.Add(ctx, int64(created), metric.WithAttributes(attribute.String("kind", "derived")))
	}
}

// RecordRootCreated records a directly granted node
func (m *OTelMetrics) RecordRootCreated(ctx context.Context) {
	if m == nil {
		return
	}
	m.nodesCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "root")))
}

// RecordDeleted records removed nodes
func (m *OTelMetrics) RecordDeleted(ctx context.Context, reason string, count int64) {
	if m == nil {
		return
	}
	m.nodesDeleted.Add(ctx, count, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordCheck records a permission check
func (m *OTelMetrics) RecordCheck(ctx context.Context, action string, allowed bool, source string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.permissionChecks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.Bool("allowed", allowed),
		attribute.String("source", source),
	))
	m.checkDuration.Record(ctx, elapsed.Seconds())
}

// RecordCacheLookup records a cache hit or miss
func (m *OTelMetrics) RecordCacheLookup(ctx context.Context, cacheType string, hit bool) {
	if m == nil {
		return
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache_type", cacheType),
		attribute.Bool("hit", hit),
	))
}
