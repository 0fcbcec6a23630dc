package rest

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ecoflow/ecoflow-exporter/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T, handler http.HandlerFunc) (*Backend, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	b := New(Config{
		Host:      srv.URL,
		AccessKey: "ak",
		SecretKey: "sk",
		Timeout:   time.Second,
	}, nil)
	return b, srv
}

func TestGetDevices_HappyPath(t *testing.T) {
	b, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("sign"))
		assert.NotEmpty(t, r.Header.Get("accessKey"))
		w.Write([]byte(`{"code":"0","data":[{"sn":"DEV1","deviceName":"D","productName":"Delta","online":1}]}`))
	})

	devices, err := b.GetDevices(t.Context())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "DEV1", devices[0].SN)
	assert.True(t, devices[0].Online)
}

func TestGetDevices_NonZeroCodeIsAPIError(t *testing.T) {
	b, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"1","message":"boom"}`))
	})

	_, err := b.GetDevices(t.Context())
	require.Error(t, err)
	var apiErr *backend.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "boom", apiErr.Message)
}

func TestGetDevice_CacheMissThenHit(t *testing.T) {
	var calls int32
	b, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"code":"0","data":[{"sn":"DEV1","deviceName":"D","online":1}]}`))
	})
	b.cfg.DeviceListCacheTTL = time.Hour

	d1, err := b.GetDevice(t.Context(), "DEV1")
	require.NoError(t, err)
	assert.Equal(t, "DEV1", d1.SN)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// second call within TTL should be served from cache, no new HTTP call.
	d2, err := b.GetDevice(t.Context(), "DEV1")
	require.NoError(t, err)
	assert.Equal(t, "DEV1", d2.SN)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetDevice_ExpiredCacheTriggersRefresh(t *testing.T) {
	var calls int32
	b, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"code":"0","data":[{"sn":"DEV1","deviceName":"D","online":1}]}`))
	})
	b.cfg.DeviceListCacheTTL = 0 // always stale

	_, err := b.GetDevice(t.Context(), "DEV1")
	require.NoError(t, err)
	_, err = b.GetDevice(t.Context(), "DEV1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGetDevice_NotFound(t *testing.T) {
	b, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"0","data":[{"sn":"OTHER","deviceName":"D","online":1}]}`))
	})

	_, err := b.GetDevice(t.Context(), "DEV1")
	require.ErrorIs(t, err, backend.ErrDeviceNotFound)
}

func TestGetDeviceQuota_HappyPath(t *testing.T) {
	b, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "DEV1", r.URL.Query().Get("sn"))
		w.Write([]byte(`{"code":"0","data":{"soc":85,"bms":{"temp":25}}}`))
	})

	quota, err := b.GetDeviceQuota(t.Context(), "DEV1")
	require.NoError(t, err)
	assert.EqualValues(t, 85, quota["soc"])
}

func TestConnect_FailsOnDeviceListError(t *testing.T) {
	b, _ := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"1","message":"no auth"}`))
	})

	err := b.Connect(t.Context())
	require.Error(t, err)
}
