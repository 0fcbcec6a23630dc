package shaper

import (
	"testing"

	"github.com/ecoflow/ecoflow-exporter/backend"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShapeName_ExtractsIndexesInOrder(t *testing.T) {
	name, indexes := ShapeName("bms.cells[3].voltage")
	assert.Equal(t, "bms_cells_voltage", name)
	assert.Equal(t, []string{"3"}, indexes)
}

func TestShapeName_IdenticalWithIndexesRemoved(t *testing.T) {
	withIdx, _ := ShapeName("bms.cells[3].voltage")
	without, indexes := ShapeName("bms.cells.voltage")
	assert.Equal(t, withIdx, without)
	assert.Empty(t, indexes)
}

func TestShapeName_CamelToSnakeCase(t *testing.T) {
	name, _ := ShapeName("wattsOutSum")
	assert.Equal(t, "watts_out_sum", name)
}

func TestShapeName_MultipleIndexes(t *testing.T) {
	name, indexes := ShapeName("mppt.channels[0].cells[2].v")
	assert.Equal(t, "mppt_channels_cells_v", name)
	assert.Equal(t, []string{"0", "2"}, indexes)
}

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, vec.WithLabelValues(labels...).Write(&m))
	return m.GetGauge().GetValue()
}

func TestProject_ScalarsCountedAndLabeled(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New("ecoflow", reg)
	labels := Labels{Device: "DEV1", DeviceName: "D", ProductName: "Delta", DeviceGeneralKey: "delta2"}

	count := s.Project(backend.QuotaMap{
		"soc": int64(85),
		"bms": map[string]interface{}{"temp": int64(25)},
	}, labels)

	assert.Equal(t, 2, count)

	h := s.handles["soc"]
	require.NotNil(t, h)
	assert.Equal(t, float64(85), gaugeValue(t, h.gauge, "DEV1", "D", "Delta", "delta2"))
}

func TestProject_SequenceExplodesWithIndexLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New("ecoflow", reg)
	labels := Labels{Device: "DEV1"}

	count := s.Project(backend.QuotaMap{
		"cells": []interface{}{int64(10), int64(20)},
	}, labels)

	assert.Equal(t, 2, count)
	h := s.handles["cells"]
	require.NotNil(t, h)
	assert.Equal(t, float64(10), gaugeValue(t, h.gauge, "DEV1", "", "", "", "0"))
	assert.Equal(t, float64(20), gaugeValue(t, h.gauge, "DEV1", "", "", "", "1"))
}

func TestProject_SkipsNonScalarLeaves(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New("ecoflow", reg)

	count := s.Project(backend.QuotaMap{"weird": nil}, Labels{})
	assert.Equal(t, 0, count)
}

func TestRegister_SameShapeReusesHandleAcrossTypes(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New("ecoflow", reg)

	h1 := s.register("thing", Gauge, commonLabelNames, nil)
	h2 := s.register("thing", Histogram, commonLabelNames, []float64{1, 2, 3})

	assert.Same(t, h1, h2)
	assert.Equal(t, Gauge, h2.kind)
}

func TestReset_ClearsAllLabelSets(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New("ecoflow", reg)
	s.Project(backend.QuotaMap{"soc": int64(85)}, Labels{Device: "DEV1"})

	h := s.handles["soc"]
	require.NotNil(t, h)
	assert.Equal(t, float64(85), gaugeValue(t, h.gauge, "DEV1", "", "", ""))

	s.Reset()
	assert.Equal(t, float64(0), gaugeValue(t, h.gauge, "DEV1", "", "", ""))
}
