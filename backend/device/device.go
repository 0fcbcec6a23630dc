// Package device implements the Request/Reply Backend (§4.7): a superset of
// the Push Backend that additionally publishes quota requests on a second
// topic and absorbs JSON replies, suppressing redundant requests while the
// device is already streaming push data.
package device

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ecoflow/ecoflow-exporter/analytics"
	"github.com/ecoflow/ecoflow-exporter/backend"
	"github.com/ecoflow/ecoflow-exporter/backend/push"
	"github.com/ecoflow/ecoflow-exporter/cache"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// requestIDLow/requestIDHigh bound the random request id (§4.7: "a random
// integer in [999_910_000, 1_000_000_000)").
const (
	requestIDLow  = 999_910_000
	requestIDHigh = 1_000_000_000
)

// Config configures a device Backend.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	ClientID string

	DeviceSN string
	UserID   string

	DeviceName       string
	ProductName      string
	DeviceGeneralKey string

	MQTTTimeout          time.Duration
	IdleCheckInterval    time.Duration
	MQTTKeepAlive        time.Duration
	MaxReconnectDelay    time.Duration
	QuotaRequestInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.QuotaRequestInterval == 0 {
		c.QuotaRequestInterval = 30 * time.Second
	}
}

// Backend implements backend.Backend over the request/reply MQTT pattern,
// embedding a push.Supervisor the way the original DeviceApiClient extends
// MqttApiClient.
type Backend struct {
	cfg Config
	cache *cache.Cache
	an    *analytics.Analytics
	log   *zap.Logger
	sup   *push.Supervisor

	getTopic string

	quotaWG   sync.WaitGroup
	quotaDone chan struct{}
	closeOnce sync.Once
}

// New builds a Request/Reply Backend. ca must not be nil; an may be nil.
func New(cfg Config, ca *cache.Cache, an *analytics.Analytics) *Backend {
	cfg.setDefaults()
	b := &Backend{
		cfg:       cfg,
		cache:     ca,
		an:        an,
		log:       zap.L(),
		getTopic:  getTopic(cfg.UserID, cfg.DeviceSN),
		quotaDone: make(chan struct{}),
	}

	dataTopic := fmt.Sprintf("/app/device/property/%s", cfg.DeviceSN)
	replyTopic := getReplyTopic(cfg.UserID, cfg.DeviceSN)

	b.sup = push.NewSupervisor(push.SupervisorConfig{
		Host: cfg.Host, Port: cfg.Port, Username: cfg.Username, Password: cfg.Password, ClientID: cfg.ClientID,
		MQTTTimeout: cfg.MQTTTimeout, IdleCheckInterval: cfg.IdleCheckInterval, MQTTKeepAlive: cfg.MQTTKeepAlive, MaxReconnectDelay: cfg.MaxReconnectDelay,
		Topics: []push.Topic{
			{Filter: dataTopic, QoS: 1, Handler: b.onData},
			{Filter: replyTopic, QoS: 1, Handler: b.onReply},
		},
		OnSubscribed: func(mqtt.Client) { b.requestQuota() },
		Cache:        ca,
		Analytics:    an,
	})
	return b
}

func getTopic(userID, sn string) string {
	return fmt.Sprintf("/app/%s/%s/thing/property/get", userID, sn)
}

func getReplyTopic(userID, sn string) string {
	return fmt.Sprintf("/app/%s/%s/thing/property/get_reply", userID, sn)
}

func (b *Backend) onData(_ mqtt.Client, msg mqtt.Message) {
	push.HandleDataPayload(msg.Payload(), b.cache, b.an, b.log, "device")
}

// onReply implements §4.7's reply handler: a "latestQuotas" reply with
// data.online == 1 merges data.quotaMap into the cache (via Apply, not
// ApplyPush — a reply is not push-originated traffic for the purpose of
// quota-request suppression); online == 0 leaves the cache unchanged.
func (b *Backend) onReply(_ mqtt.Client, msg mqtt.Message) {
	var envelope struct {
		OperateType string `json:"operateType"`
		Data        struct {
			Online   int                    `json:"online"`
			QuotaMap map[string]interface{} `json:"quotaMap"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg.Payload(), &envelope); err != nil {
		b.log.Debug("device: malformed quota reply", zap.Error(err))
		if b.an != nil {
			b.an.RecordMessageError()
		}
		return
	}
	if envelope.OperateType != "latestQuotas" {
		return
	}
	if envelope.Data.Online != 1 {
		b.log.Info("device: device reports offline via quota reply")
		return
	}
	b.cache.Apply(backend.QuotaMap(envelope.Data.QuotaMap))
	if b.an != nil {
		b.an.RecordMessage("device", "text")
	}
}

type quotaRequest struct {
	From        string                 `json:"from"`
	ID          string                 `json:"id"`
	Version     string                 `json:"version"`
	ModuleType  int                    `json:"moduleType"`
	OperateType string                 `json:"operateType"`
	Params      map[string]interface{} `json:"params"`
}

func randomRequestID() (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(requestIDHigh-requestIDLow))
	if err != nil {
		return 0, err
	}
	return requestIDLow + n.Int64(), nil
}

// requestQuota publishes a quota request unless push data has arrived
// within QuotaRequestInterval (§4.7 suppression rule), and is also the
// "initial quota request issued once subscribed fires" callback.
func (b *Backend) requestQuota() {
	client := b.sup.Client()
	if client == nil || !client.IsConnected() {
		return
	}
	if !b.cache.PushStale(b.cfg.QuotaRequestInterval) {
		if b.an != nil {
			b.an.RecordQuotaRequest(false)
		}
		return
	}

	id, err := randomRequestID()
	if err != nil {
		b.log.Warn("device: failed to generate request id", zap.Error(err))
		return
	}
	req := quotaRequest{
		From:        "PrometheusExporter",
		ID:          strconv.FormatInt(id, 10),
		Version:     "1.0",
		ModuleType:  0,
		OperateType: "latestQuotas",
		Params:      map[string]interface{}{},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		b.log.Warn("device: failed to marshal quota request", zap.Error(err))
		return
	}

	token := client.Publish(b.getTopic, 1, false, payload)
	token.WaitTimeout(5 * time.Second)
	if b.an != nil {
		b.an.RecordQuotaRequest(true)
	}
}

func (b *Backend) startQuotaTicker() {
	b.quotaWG.Add(1)
	go func() {
		defer b.quotaWG.Done()
		ticker := time.NewTicker(b.cfg.QuotaRequestInterval)
		defer ticker.Stop()
		for {
			select {
			case <-b.quotaDone:
				return
			case <-ticker.C:
				b.requestQuota()
			}
		}
	}()
}

func (b *Backend) Connect(ctx context.Context) error {
	if err := b.sup.Connect(ctx); err != nil {
		return err
	}
	b.startQuotaTicker()
	return nil
}

func (b *Backend) Disconnect() error {
	b.closeOnce.Do(func() { close(b.quotaDone) })
	b.quotaWG.Wait()
	return b.sup.Disconnect()
}

func (b *Backend) identity() backend.DeviceIdentity {
	online := b.cache.Connected() && !b.cache.Stale(b.cfg.MQTTTimeout)
	return backend.DeviceIdentity{
		SN:          b.cfg.DeviceSN,
		Name:        b.cfg.DeviceName,
		ProductName: b.cfg.ProductName,
		Online:      online,
	}
}

func (b *Backend) GetDevices(ctx context.Context) ([]backend.DeviceIdentity, error) {
	return []backend.DeviceIdentity{b.identity()}, nil
}

func (b *Backend) GetDevice(ctx context.Context, sn string) (*backend.DeviceIdentity, error) {
	if sn != b.cfg.DeviceSN {
		return nil, backend.ErrDeviceNotFound
	}
	id := b.identity()
	return &id, nil
}

func (b *Backend) GetDeviceQuota(ctx context.Context, sn string) (backend.QuotaMap, error) {
	if sn != b.cfg.DeviceSN {
		return nil, backend.ErrDeviceNotFound
	}
	return b.cache.GetSnapshot(), nil
}
