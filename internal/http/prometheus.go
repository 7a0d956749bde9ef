package http

import (
	"sync"

	"github.com/fyrsmithlabs/pretestd/internal/integration"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalPipelineMetrics *PipelineMetrics
	pipelineMetricsOnce   sync.Once
)

// PipelineMetrics holds the Prometheus metrics scraped from /metrics.
type PipelineMetrics struct {
	CyclesTotal    *prometheus.CounterVec
	FinalizedTotal *prometheus.CounterVec
	ErrorsTotal    *prometheus.CounterVec
	Candidates     *prometheus.GaugeVec
}

// NewPipelineMetrics registers the pipeline metrics with the default
// registry once and returns them.
//
// Metrics:
//   - pretestd_cycles_total{result} - cycles by result (pending, no_work, failure)
//   - pretestd_finalized_total{state} - finalized merges (succeeded, rolled_back)
//   - pretestd_errors_total{operation,kind} - failed API operations
//   - pretestd_candidates{workspace} - changes waiting beyond the cursor
func NewPipelineMetrics() *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		globalPipelineMetrics = &PipelineMetrics{
			CyclesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pretestd_cycles_total",
					Help: "Total integration cycles by result",
				},
				[]string{"result"},
			),
			FinalizedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pretestd_finalized_total",
					Help: "Total finalized merges by resulting state",
				},
				[]string{"state"},
			),
			ErrorsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pretestd_errors_total",
					Help: "Total failed workflow operations by operation and error kind",
				},
				[]string{"operation", "kind"},
			),
			Candidates: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "pretestd_candidates",
					Help: "Changes waiting beyond the workspace cursor at the last status query",
				},
				[]string{"workspace"},
			),
		}
	})
	return globalPipelineMetrics
}

// ObserveCycle records the result of a cycle, whoever triggered it.
func (m *PipelineMetrics) ObserveCycle(res integration.Result) {
	m.CyclesTotal.WithLabelValues(res.Kind.String()).Inc()
	if res.Err != nil {
		m.ObserveError("cycle", res.Err)
	}
}

// ObserveError records a failed operation.
func (m *PipelineMetrics) ObserveError(op string, err error) {
	m.ErrorsTotal.WithLabelValues(op, integration.KindOf(err).String()).Inc()
}
