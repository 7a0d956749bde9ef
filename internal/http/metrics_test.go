package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fyrsmithlabs/pretestd/internal/integration"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := NewHTTPMetrics(mp.Meter(httpInstrumentationName), nil)

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.POST("/api/v1/cycle", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "busy")
	})

	for _, r := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/health", nil),
		httptest.NewRequest(http.MethodPost, "/api/v1/cycle", nil),
		httptest.NewRequest(http.MethodGet, "/nope", nil),
	} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, r)
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	statuses := map[string]int64{}
	var durations uint64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			switch md.Name {
			case "pretestd.http.requests_total":
				sum, ok := md.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				for _, dp := range sum.DataPoints {
					status, _ := dp.Attributes.Value(attribute.Key("status"))
					statuses[status.Emit()] += dp.Value
				}
			case "pretestd.http.request_duration_seconds":
				hist, ok := md.Data.(metricdata.Histogram[float64])
				require.True(t, ok)
				for _, dp := range hist.DataPoints {
					durations += dp.Count
				}
			}
		}
	}

	assert.Equal(t, map[string]int64{
		"200": 1,
		"409": 1,
		"404": 1,
	}, statuses)
	assert.Equal(t, uint64(3), durations)
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "unmatched", routeLabel(""))
	assert.Equal(t, "/api/v1/status", routeLabel("/api/v1/status"))
}

func TestPipelineMetrics(t *testing.T) {
	m := NewPipelineMetrics()
	assert.Same(t, m, NewPipelineMetrics())

	pending := testutil.ToFloat64(m.CyclesTotal.WithLabelValues("pending"))
	failures := testutil.ToFloat64(m.CyclesTotal.WithLabelValues("failure"))
	conflicts := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("cycle", "merge_conflict"))

	m.ObserveCycle(integration.Result{Kind: integration.ResultPending, Change: "c1"})
	m.ObserveCycle(integration.Result{
		Kind: integration.ResultFailure,
		Err:  &integration.Error{Kind: integration.KindMergeConflict, Op: "merge", Err: errors.New("exit code 1")},
	})

	assert.Equal(t, pending+1, testutil.ToFloat64(m.CyclesTotal.WithLabelValues("pending")))
	assert.Equal(t, failures+1, testutil.ToFloat64(m.CyclesTotal.WithLabelValues("failure")))
	assert.Equal(t, conflicts+1, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("cycle", "merge_conflict")))
}
