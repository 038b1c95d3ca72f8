package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OperationMetrics provides a generic way to record any operation's metrics
// without needing to create separate structs for each operation type.
// Just call RecordOperation() with the operation name, duration, and custom attributes.
type OperationMetrics struct {
	duration metric.Float64Histogram
	count    metric.Int64Counter

	rateLimiterUsage metric.Float64Gauge
	engineState      metric.Int64Gauge
}

// NewOperationMetrics creates the operation metrics recorder for the core:
// a generic operation histogram/counter (commits, provider calls, mirror
// fetches) plus two domain gauges, rate-limiter percent-used and Engine
// state. The Rate Limiter and Git Sync Engine do not report into these
// gauges themselves.
func NewOperationMetrics() (*OperationMetrics, error) {
	meter := otel.Meter("universesync")

	duration, err := meter.Float64Histogram(
		"universesync.operation.duration",
		metric.WithDescription("Duration of core operations (commit, provider call, mirror fetch)"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	count, err := meter.Int64Counter(
		"universesync.operation.count",
		metric.WithDescription("Count of core operations by type and result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create count counter: %w", err)
	}

	rateLimiterUsage, err := meter.Float64Gauge(
		"universesync.ratelimit.percent_used",
		metric.WithDescription("Percent of the rate limit bucket currently used, by modality"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter gauge: %w", err)
	}

	engineState, err := meter.Int64Gauge(
		"universesync.engine.state",
		metric.WithDescription("Git Sync Engine state as an enum ordinal, by universe slug"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine state gauge: %w", err)
	}

	return &OperationMetrics{
		duration:         duration,
		count:            count,
		rateLimiterUsage: rateLimiterUsage,
		engineState:      engineState,
	}, nil
}

// RecordRateLimiterUsage reports percentUsed for modality. The Rate
// Limiter does not call it.
func (m *OperationMetrics) RecordRateLimiterUsage(ctx context.Context, modality string, percentUsed float64) {
	if m == nil {
		return
	}
	m.rateLimiterUsage.Record(ctx, percentUsed, metric.WithAttributes(attribute.String("modality", modality)))
}

// RecordEngineState reports slug's Engine state as an ordinal. The Engine
// does not call it on its transitions.
func (m *OperationMetrics) RecordEngineState(ctx context.Context, slug string, state int) {
	if m == nil {
		return
	}
	m.engineState.Record(ctx, int64(state), metric.WithAttributes(attribute.String("universe_slug", slug)))
}

// RecordOperation records any operation with custom attributes.
//
// Examples:
//
//	// Git clone
//	ops.RecordOperation(ctx, "git.clone", "success", cloneDuration,
//	    attribute.String("repository_url", repoURL))
//
//	// Git fetch
//	ops.RecordOperation(ctx, "git.fetch", "failure", fetchDuration,
//	    attribute.String("repository_url", repoURL),
//	    attribute.String("error", "timeout"))
//
//	// Hermit download
//	ops.RecordOperation(ctx, "hermit.download", "success", downloadDuration,
//	    attribute.String("package", "hermit"),
//	    attribute.String("version", "1.2.3"))
//
//	// Snapshot generation
//	ops.RecordOperation(ctx, "snapshot.generate", "success", duration,
//	    attribute.String("repository", "blox"),
//	    attribute.Int64("size_bytes", 1234567))
func (m *OperationMetrics) RecordOperation(ctx context.Context, operation, result string, duration time.Duration, customAttrs ...attribute.KeyValue) {
	if m == nil {
		return
	}

	// Base attributes that every operation has
	baseAttrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	// Combine base and custom attributes
	allAttrs := baseAttrs
	allAttrs = append(allAttrs, customAttrs...)

	// Record duration
	m.duration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(allAttrs...))

	// Increment count
	m.count.Add(ctx, 1,
		metric.WithAttributes(allAttrs...))
}

// RecordCount records a count metric without duration.
// Useful for cache hits/misses, request counts, etc.
//
// Examples:
//
//	// Cache hit
//	ops.RecordCount(ctx, "cache.hit", 1,
//	    attribute.String("strategy", "git"))
//
//	// Cache miss
//	ops.RecordCount(ctx, "cache.miss", 1,
//	    attribute.String("strategy", "git"))
//
//	// Batch operation
//	ops.RecordCount(ctx, "git.refs.synced", 42,
//	    attribute.String("repository_url", repoURL))
func (m *OperationMetrics) RecordCount(ctx context.Context, operation string, value int64, customAttrs ...attribute.KeyValue) {
	if m == nil {
		return
	}

	baseAttrs := []attribute.KeyValue{
		attribute.String("operation", operation),
	}

	allAttrs := baseAttrs
	allAttrs = append(allAttrs, customAttrs...)

	m.count.Add(ctx, value,
		metric.WithAttributes(allAttrs...))
}

// Context helpers

type contextKey struct{}

// ContextWithOperations adds OperationMetrics to the context.
func ContextWithOperations(ctx context.Context, ops *OperationMetrics) context.Context {
	return context.WithValue(ctx, contextKey{}, ops)
}

// FromContext extracts OperationMetrics from the context. Returns nil if not found.
func FromContext(ctx context.Context) *OperationMetrics {
	ops, _ := ctx.Value(contextKey{}).(*OperationMetrics)
	return ops
}
