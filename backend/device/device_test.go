package device

import (
	"testing"
	"time"

	"github.com/ecoflow/ecoflow-exporter/analytics"
	"github.com/ecoflow/ecoflow-exporter/backend"
	"github.com/ecoflow/ecoflow-exporter/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func newTestBackend(t *testing.T) (*Backend, *cache.Cache) {
	t.Helper()
	ca := cache.New()
	an := analytics.New("test_device_"+t.Name(), prometheus.NewRegistry())
	b := New(Config{DeviceSN: "DEV1", UserID: "U1", DeviceName: "D", ProductName: "Delta", MQTTTimeout: 60 * time.Second}, ca, an)
	return b, ca
}

func TestGetTopic_IncludesUserAndSN(t *testing.T) {
	assert.Equal(t, "/app/U1/DEV1/thing/property/get", getTopic("U1", "DEV1"))
	assert.Equal(t, "/app/U1/DEV1/thing/property/get_reply", getReplyTopic("U1", "DEV1"))
}

func TestOnReply_OnlineMergesQuotaMap(t *testing.T) {
	b, ca := newTestBackend(t)
	b.onReply(nil, &fakeMessage{payload: []byte(`{"operateType":"latestQuotas","data":{"online":1,"quotaMap":{"soc":90}}}`)})

	snap := ca.GetSnapshot()
	assert.EqualValues(t, 90, snap["soc"])
}

func TestOnReply_OfflineLeavesCacheUnchanged(t *testing.T) {
	b, ca := newTestBackend(t)
	ca.Apply(backend.QuotaMap{"soc": 10})
	b.onReply(nil, &fakeMessage{payload: []byte(`{"operateType":"latestQuotas","data":{"online":0}}`)})

	snap := ca.GetSnapshot()
	assert.EqualValues(t, 10, snap["soc"])
}

func TestOnReply_WrongOperateTypeIgnored(t *testing.T) {
	b, ca := newTestBackend(t)
	b.onReply(nil, &fakeMessage{payload: []byte(`{"operateType":"somethingElse","data":{"online":1,"quotaMap":{"soc":90}}}`)})

	assert.Empty(t, ca.GetSnapshot())
}

func TestOnReply_MalformedJSONIsSwallowed(t *testing.T) {
	b, ca := newTestBackend(t)
	b.onReply(nil, &fakeMessage{payload: []byte(`not json`)})
	assert.Empty(t, ca.GetSnapshot())
}

func TestOnData_PushDataMergedViaSharedHandler(t *testing.T) {
	b, ca := newTestBackend(t)
	b.onData(nil, &fakeMessage{payload: []byte(`{"params":{"wattsOut":100}}`)})

	assert.EqualValues(t, 100, ca.GetSnapshot()["wattsOut"])
}

func TestRequestQuota_NoopWhenNeverConnected(t *testing.T) {
	b, _ := newTestBackend(t)
	// sup.Client() is nil before Connect(); must not panic.
	b.requestQuota()
}

func TestRandomRequestID_WithinBounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		id, err := randomRequestID()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, id, int64(requestIDLow))
		assert.Less(t, id, int64(requestIDHigh))
	}
}

func TestIdentity_OfflineWhenNeverConnected(t *testing.T) {
	b, _ := newTestBackend(t)
	id, err := b.GetDevice(t.Context(), "DEV1")
	require.NoError(t, err)
	assert.False(t, id.Online)
}

func TestGetDevice_UnknownSNIsNotFound(t *testing.T) {
	b, _ := newTestBackend(t)
	_, err := b.GetDevice(t.Context(), "OTHER")
	assert.ErrorIs(t, err, backend.ErrDeviceNotFound)
}

func TestGetDeviceQuota_ReturnsSnapshot(t *testing.T) {
	b, ca := newTestBackend(t)
	ca.ApplyPush(backend.QuotaMap{"soc": 85})

	q, err := b.GetDeviceQuota(t.Context(), "DEV1")
	require.NoError(t, err)
	assert.EqualValues(t, 85, q["soc"])
}
