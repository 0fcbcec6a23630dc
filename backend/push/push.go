package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/ecoflow/ecoflow-exporter/analytics"
	"github.com/ecoflow/ecoflow-exporter/backend"
	"github.com/ecoflow/ecoflow-exporter/cache"
	"github.com/ecoflow/ecoflow-exporter/decoder"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Config configures a push Backend.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	ClientID string

	DeviceSN         string
	DeviceName       string
	ProductName      string
	DeviceGeneralKey string

	MQTTTimeout       time.Duration
	IdleCheckInterval time.Duration
	MQTTKeepAlive     time.Duration
	MaxReconnectDelay time.Duration
}

// Backend implements backend.Backend by subscribing to one device's
// property topic (§4.6) and ingesting whatever the broker delivers into a
// shared cache.
type Backend struct {
	cfg Config
	cache *cache.Cache
	an    *analytics.Analytics
	log   *zap.Logger
	sup   *Supervisor
}

// New builds a push Backend. ca must not be nil; an may be nil (tests
// construct Backends without self-observability wiring).
func New(cfg Config, ca *cache.Cache, an *analytics.Analytics) *Backend {
	b := &Backend{cfg: cfg, cache: ca, an: an, log: zap.L()}
	topic := dataTopic(cfg.DeviceSN)
	b.sup = NewSupervisor(SupervisorConfig{
		Host: cfg.Host, Port: cfg.Port, Username: cfg.Username, Password: cfg.Password, ClientID: cfg.ClientID,
		MQTTTimeout: cfg.MQTTTimeout, IdleCheckInterval: cfg.IdleCheckInterval, MQTTKeepAlive: cfg.MQTTKeepAlive, MaxReconnectDelay: cfg.MaxReconnectDelay,
		Topics:    []Topic{{Filter: topic, QoS: 1, Handler: b.onMessage}},
		Cache:     ca,
		Analytics: an,
	})
	return b
}

func dataTopic(sn string) string {
	return fmt.Sprintf("/app/device/property/%s", sn)
}

// onMessage implements §4.6's message handler for the data topic.
func (b *Backend) onMessage(_ mqtt.Client, msg mqtt.Message) {
	HandleDataPayload(msg.Payload(), b.cache, b.an, b.log, "push")
}

// HandleDataPayload implements the data-topic message handler shared by the
// Push and Request/Reply backends (§4.6, §4.7 "receives push the same
// way"): UTF-8 text is parsed as JSON and its "params" object applied to the
// cache; anything that is not valid UTF-8 is handed to the Frame Decoder.
// clientType labels the resulting analytics counters ("push" or "device").
func HandleDataPayload(payload []byte, ca *cache.Cache, an *analytics.Analytics, log *zap.Logger, clientType string) {
	if utf8.Valid(payload) {
		var envelope struct {
			Params map[string]interface{} `json:"params"`
		}
		if err := json.Unmarshal(payload, &envelope); err != nil {
			log.Debug("push: malformed JSON push message", zap.Error(err))
			if an != nil {
				an.RecordMessageError()
			}
			return
		}
		ca.ApplyPush(backend.QuotaMap(envelope.Params))
		if an != nil {
			an.RecordMessage(clientType, "text")
		}
		return
	}

	flat := decoder.Decode(payload, log)
	ca.ApplyPush(backend.QuotaMap(flat))
	if an != nil {
		if len(flat) == 0 {
			an.RecordMessageError()
		} else {
			an.RecordMessage(clientType, "protobuf")
		}
	}
}

func (b *Backend) Connect(ctx context.Context) error {
	return b.sup.Connect(ctx)
}

func (b *Backend) Disconnect() error {
	return b.sup.Disconnect()
}

// identity derives a DeviceIdentity from local config and the
// freshness-adjusted online flag (§4.8).
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
