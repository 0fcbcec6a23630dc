// Package push implements the Push Backend (§4.6): a long-lived MQTT broker
// session, a data-topic subscription, and an idle supervisor that reconnects
// on a lengthening backoff. Supervisor is the reusable broker-lifecycle core
// that the Request/Reply Backend (backend/device) builds on, grounded on the
// channel-based retry/supervise loop in vault.RenewToken/manageTokenLifecycle
// generalized from a Vault token watcher to an MQTT session watcher.
package push

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/ecoflow/ecoflow-exporter/analytics"
	"github.com/ecoflow/ecoflow-exporter/cache"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Topic pairs an MQTT subscription with its message handler.
type Topic struct {
	Filter string
	QoS    byte
	Handler mqtt.MessageHandler
}

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	ClientID string

	MQTTTimeout       time.Duration
	IdleCheckInterval time.Duration
	MQTTKeepAlive     time.Duration
	MaxReconnectDelay time.Duration

	Topics []Topic

	// OnSubscribed, if set, fires once per broker connect, after the first
	// topic's subscribe-ack is observed (or the 5s subscribe wait times out,
	// per §4.6 "proceed with a warning"); it does not wait for the remaining
	// topics' acks. Used by the Request/Reply Backend to issue its initial
	// quota request "no blocking sleep" (§4.7).
	OnSubscribed func(client mqtt.Client)

	Cache     *cache.Cache
	Analytics *analytics.Analytics
}

func (c *SupervisorConfig) setDefaults() {
	if c.MQTTTimeout == 0 {
		c.MQTTTimeout = 60 * time.Second
	}
	if c.IdleCheckInterval == 0 {
		c.IdleCheckInterval = 30 * time.Second
	}
	if c.MQTTKeepAlive == 0 {
		c.MQTTKeepAlive = 30 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 300 * time.Second
	}
}

// Supervisor owns one MQTT broker session and the idle-reconnect state
// machine described in §4.6. It is shared by the Push and Request/Reply
// backends: they differ only in which topics they subscribe to and what
// their message handlers do with a payload.
type Supervisor struct {
	cfg SupervisorConfig
	log *zap.Logger

	connected  *event
	subscribed *event

	mu                   sync.Mutex
	client               mqtt.Client
	reconnecting         bool
	reconnectDelay       time.Duration
	nextReconnectAllowed time.Time

	doneCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSupervisor builds a Supervisor. Connect must be called before it does
// anything.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	cfg.setDefaults()
	return &Supervisor{
		cfg:            cfg,
		log:            zap.L(),
		connected:      newEvent(),
		subscribed:     newEvent(),
		reconnectDelay: cfg.IdleCheckInterval,
		doneCh:         make(chan struct{}),
	}
}

// Client exposes the underlying MQTT client so a caller (the Request/Reply
// Backend) can publish on it once connected.
func (s *Supervisor) Client() mqtt.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Connected reports the broker-connected flag mirrored onto the cache.
func (s *Supervisor) Connected() bool {
	return s.cfg.Cache.Connected()
}

// ReconnectDelay reports the current backoff interval (§8 testable
// property: two successive failed reconnects quadruple it, capped).
func (s *Supervisor) ReconnectDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectDelay
}

func (s *Supervisor) buildOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("ssl://%s:%s", s.cfg.Host, s.cfg.Port))
	opts.SetClientID(s.cfg.ClientID)
	opts.SetUsername(s.cfg.Username)
	opts.SetPassword(s.cfg.Password)
	// TLS always on, certificate verification and peer host matching
	// required (§4.6): no InsecureSkipVerify knob exists here.
	opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	opts.SetKeepAlive(s.cfg.MQTTKeepAlive)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	// The supervisor owns reconnection; paho's own retry would race it.
	opts.SetAutoReconnect(false)
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	return opts
}

func (s *Supervisor) onConnect(c mqtt.Client) {
	s.connected.Set()
	s.cfg.Cache.SetConnected(true)
	// Seeds freshness at connect time so the first idle tick doesn't see a
	// zero-value last-update timestamp and misread a healthy, quiet session
	// as stale (§4.6; ecoflow/api/mqtt.py's _on_connect does the same).
	s.cfg.Cache.TouchUpdate()
	if s.cfg.Analytics != nil {
		s.cfg.Analytics.SetBrokerConnected(true)
	}

	for _, t := range s.cfg.Topics {
		topic := t
		token := c.Subscribe(topic.Filter, topic.QoS, topic.Handler)
		go func() {
			if token.WaitTimeout(5*time.Second) && token.Error() == nil {
				s.subscribed.Set()
			}
		}()
	}

	if s.cfg.OnSubscribed != nil {
		go func() {
			s.subscribed.Wait(5 * time.Second)
			s.cfg.OnSubscribed(c)
		}()
	}
}

func (s *Supervisor) onConnectionLost(c mqtt.Client, err error) {
	s.connected.Clear()
	s.subscribed.Clear()
	s.cfg.Cache.SetConnected(false)
	if s.cfg.Analytics != nil {
		s.cfg.Analytics.SetBrokerConnected(false)
	}
	s.log.Warn("push: broker connection lost", zap.Error(err))
	s.triggerReconnect()
}

// Connect dials the broker and waits for the connected/subscribed signals
// (§4.6 "initial connect uses event waits, not busy polls"), then starts the
// idle supervisor.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.client = mqtt.NewClient(s.buildOptions())
	client := s.client
	s.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("push: connect: timed out waiting for broker")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("push: connect: %w", err)
	}
	if !s.connected.Wait(10 * time.Second) {
		return fmt.Errorf("push: connect: not signaled connected within 10s")
	}
	s.cfg.Cache.TouchUpdate()
	if !s.subscribed.Wait(5 * time.Second) {
		s.log.Warn("push: subscribe not confirmed within 5s, proceeding")
	}

	s.startIdleSupervisor()
	return nil
}

// Disconnect cancels periodic ticks before stopping the broker session, and
// clears the connected signal immediately so status metrics read 0
// deterministically even before the library's own callback fires (§5).
func (s *Supervisor) Disconnect() error {
	s.closeOnce.Do(func() { close(s.doneCh) })
	s.connected.Clear()
	s.subscribed.Clear()
	s.cfg.Cache.SetConnected(false)
	if s.cfg.Analytics != nil {
		s.cfg.Analytics.SetBrokerConnected(false)
	}
	s.wg.Wait()

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	return nil
}

func (s *Supervisor) startIdleSupervisor() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.IdleCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.doneCh:
				return
			case <-ticker.C:
				s.checkIdle()
			}
		}
	}()
}

func (s *Supervisor) checkIdle() {
	// last_message_time tracks any message (push or, for the Request/Reply
	// Backend, reply), and is also bumped by TouchUpdate on connect and when
	// a reconnect starts; PushStale's last_push_ts is not, so the two differ
	// even for push.Backend, which has only the data topic.
	if !s.cfg.Cache.Stale(s.cfg.MQTTTimeout) {
		return
	}
	s.mu.Lock()
	throttled := time.Now().Before(s.nextReconnectAllowed)
	s.mu.Unlock()
	if throttled {
		return
	}
	s.triggerReconnect()
}

// triggerReconnect ensures only one in-flight reconnect at a time (§8
// boundary behavior) by running the reconnect attempt in a throwaway
// goroutine joined with its own timeout (§9 "supervised reconnect"),
// generalizing vault.RenewToken's select-over-retry-channel shape.
func (s *Supervisor) triggerReconnect() {
	s.mu.Lock()
	if s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	if s.cfg.Analytics != nil {
		s.cfg.Analytics.RecordReconnection()
	}
	// Prevents the idle check from immediately re-triggering on the next
	// tick while this reconnect is still in flight (§4.6).
	s.cfg.Cache.TouchUpdate()

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- s.doReconnect()
	}()

	var err error
	select {
	case err = <-resultCh:
	case <-time.After(30 * time.Second):
		err = fmt.Errorf("push: reconnect join timed out")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnecting = false
	if err != nil {
		s.log.Warn("push: reconnect failed", zap.Error(err))
	}
	s.reconnectDelay = nextReconnectDelay(s.reconnectDelay, s.cfg.IdleCheckInterval, s.cfg.MaxReconnectDelay, err != nil)
	s.nextReconnectAllowed = time.Now().Add(s.reconnectDelay)
}

// nextReconnectDelay implements §4.6's backoff rule: success resets to the
// base interval; failure doubles the current delay, capped at max.
func nextReconnectDelay(current, base, max time.Duration, failed bool) time.Duration {
	if !failed {
		return base
	}
	delay := current * 2
	if delay > max {
		return max
	}
	return delay
}

func (s *Supervisor) doReconnect() error {
	s.connected.Clear()
	s.subscribed.Clear()

	s.mu.Lock()
	old := s.client
	s.mu.Unlock()
	if old != nil {
		old.Disconnect(250)
	}

	client := mqtt.NewClient(s.buildOptions())
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(25 * time.Second) {
		return fmt.Errorf("reconnect: timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	if !s.connected.Wait(5 * time.Second) {
		return fmt.Errorf("reconnect: not connected")
	}
	return nil
}
