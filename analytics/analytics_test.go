package analytics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestAnalytics_TimeScrapeRecordsStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New("ecoflow_test", reg)

	done := a.TimeScrape()
	done("success")

	v := counterValue(t, a.ScrapeResult.WithLabelValues("success"))
	require.Equal(t, float64(1), v)
}

func TestAnalytics_CacheOpHitMiss(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New("ecoflow_test2", reg)

	a.RecordCacheOp(true)
	a.RecordCacheOp(false)
	a.RecordCacheOp(false)

	require.Equal(t, float64(1), counterValue(t, a.CacheOperationCounter.WithLabelValues("hit")))
	require.Equal(t, float64(2), counterValue(t, a.CacheOperationCounter.WithLabelValues("miss")))
}

func TestAnalytics_BrokerConnectedGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New("ecoflow_test3", reg)

	a.SetBrokerConnected(true)
	var m dto.Metric
	require.NoError(t, a.BrokerConnected.Write(&m))
	require.Equal(t, float64(1), m.GetGauge().GetValue())

	a.SetBrokerConnected(false)
	require.NoError(t, a.BrokerConnected.Write(&m))
	require.Equal(t, float64(0), m.GetGauge().GetValue())
}
