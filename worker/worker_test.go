package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ecoflow/ecoflow-exporter/analytics"
	"github.com/ecoflow/ecoflow-exporter/backend"
	"github.com/ecoflow/ecoflow-exporter/shaper"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	device      *backend.DeviceIdentity
	deviceErr   error
	quota       backend.QuotaMap
	quotaErr    error
}

func (f *fakeBackend) Connect(ctx context.Context) error    { return nil }
func (f *fakeBackend) Disconnect() error                    { return nil }
func (f *fakeBackend) GetDevices(ctx context.Context) ([]backend.DeviceIdentity, error) {
	return nil, nil
}
func (f *fakeBackend) GetDevice(ctx context.Context, sn string) (*backend.DeviceIdentity, error) {
	if f.deviceErr != nil {
		return nil, f.deviceErr
	}
	return f.device, nil
}
func (f *fakeBackend) GetDeviceQuota(ctx context.Context, sn string) (backend.QuotaMap, error) {
	return f.quota, f.quotaErr
}

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, vec.WithLabelValues(labels...).Write(&m))
	return m.GetGauge().GetValue()
}

func newTestWorker(t *testing.T, be backend.Backend) (*Worker, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	an := analytics.New("test_worker_"+t.Name(), reg)
	sh := shaper.New("ecoflow", reg)
	w := New(Config{DeviceSN: "DEV1", DeviceName: "D", ProductName: "Delta", DeviceGeneralKey: "delta2"}, be, sh, an, "test_worker_"+t.Name(), reg)
	return w, reg
}

func TestCollectOnce_NotFoundZeroesGauges(t *testing.T) {
	be := &fakeBackend{deviceErr: backend.ErrDeviceNotFound}
	w, _ := newTestWorker(t, be)

	sleep := w.collectOnce(t.Context())
	assert.Equal(t, w.cfg.RetryTimeout, sleep)
	assert.Equal(t, float64(0), gaugeValue(t, w.online, w.labelValues...))
	assert.Equal(t, float64(0), gaugeValue(t, w.metricsCollected, w.labelValues...))
}

func TestCollectOnce_OfflineResetsShaperAndSleepsCollectingInterval(t *testing.T) {
	be := &fakeBackend{device: &backend.DeviceIdentity{SN: "DEV1", Online: false}}
	w, reg := newTestWorker(t, be)
	w.shaper.Project(backend.QuotaMap{"soc": int64(50)}, shaper.Labels{Device: "DEV1"})

	sleep := w.collectOnce(t.Context())
	assert.Equal(t, w.cfg.CollectingInterval, sleep)
	assert.Equal(t, float64(0), gaugeValue(t, w.online, w.labelValues...))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		assert.NotEqual(t, "ecoflow_soc", mf.GetName(), "shaper label sets must be cleared")
	}
}

func TestCollectOnce_SuccessProjectsQuotaAndCountsMetrics(t *testing.T) {
	be := &fakeBackend{
		device: &backend.DeviceIdentity{SN: "DEV1", Online: true},
		quota:  backend.QuotaMap{"soc": int64(85), "bms": map[string]interface{}{"temp": int64(25)}},
	}
	w, _ := newTestWorker(t, be)

	sleep := w.collectOnce(t.Context())
	assert.Equal(t, w.cfg.CollectingInterval, sleep)
	assert.Equal(t, float64(1), gaugeValue(t, w.online, w.labelValues...))
	assert.Equal(t, float64(2), gaugeValue(t, w.metricsCollected, w.labelValues...))
}

func TestCollectOnce_QuotaErrorMarksOfflineAndRetries(t *testing.T) {
	be := &fakeBackend{
		device:   &backend.DeviceIdentity{SN: "DEV1", Online: true},
		quotaErr: errors.New("boom"),
	}
	w, _ := newTestWorker(t, be)

	sleep := w.collectOnce(t.Context())
	assert.Equal(t, w.cfg.RetryTimeout, sleep)
	assert.Equal(t, float64(0), gaugeValue(t, w.online, w.labelValues...))
}

func TestCollectOnce_GetDeviceErrorMarksOfflineAndRetries(t *testing.T) {
	be := &fakeBackend{deviceErr: errors.New("boom")}
	w, _ := newTestWorker(t, be)

	sleep := w.collectOnce(t.Context())
	assert.Equal(t, w.cfg.RetryTimeout, sleep)
	assert.Equal(t, float64(0), gaugeValue(t, w.online, w.labelValues...))
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	be := &fakeBackend{device: &backend.DeviceIdentity{SN: "DEV1", Online: true}, quota: backend.QuotaMap{}}
	w, _ := newTestWorker(t, be)
	w.cfg.CollectingInterval = time.Millisecond

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancel")
	}
}
