package integration

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/pretestd/internal/logging"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/pretestd/internal/integration"

// workflowMetrics holds the workflow instruments. Any instrument that
// fails to register is left nil and skipped.
type workflowMetrics struct {
	pops       metric.Int64Counter
	merges     metric.Int64Counter
	conflicts  metric.Int64Counter
	commits    metric.Int64Counter
	rollbacks  metric.Int64Counter
	failures   metric.Int64Counter
	opDuration metric.Float64Histogram
}

func newWorkflowMetrics(ctx context.Context, meter metric.Meter, logger *logging.Logger) *workflowMetrics {
	m := &workflowMetrics{}
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{change}"))
		if err != nil {
			logger.Warn(ctx, "failed to create counter", zap.String("name", name), zap.Error(err))
			return nil
		}
		return c
	}

	m.pops = counter("pretestd.integration.pops", "Changes handed out to a build")
	m.merges = counter("pretestd.integration.merges", "Changes merged into the integration branch")
	m.conflicts = counter("pretestd.integration.conflicts", "Merges aborted by a conflict")
	m.commits = counter("pretestd.integration.commits", "Merges committed after a successful build")
	m.rollbacks = counter("pretestd.integration.rollbacks", "Merges discarded after a failed build")
	m.failures = counter("pretestd.integration.failures", "Workflow operations that failed, by kind")

	var err error
	m.opDuration, err = meter.Float64Histogram(
		"pretestd.integration.operation_duration_seconds",
		metric.WithDescription("Duration of workflow operations in seconds, labeled by operation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300),
	)
	if err != nil {
		logger.Warn(ctx, "failed to create duration histogram", zap.Error(err))
	}
	return m
}

func (m *workflowMetrics) add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *workflowMetrics) observe(ctx context.Context, op string, start time.Time, err error) {
	if m.opDuration != nil {
		m.opDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("operation", op)))
	}
	if err != nil {
		m.add(ctx, m.failures,
			attribute.String("operation", op),
			attribute.String("kind", KindOf(err).String()))
	}
}
