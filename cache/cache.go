// Package cache is the concurrent-safe quota cache every backend funnels
// its ingestion into: the union point between however a backend receives
// data (HTTP poll, MQTT push callback, MQTT reply callback) and whatever
// reads it (the Worker, the Backend Interface's get_device_quota).
package cache

import (
	"sync"
	"time"

	"github.com/ecoflow/ecoflow-exporter/backend"
)

// Cache holds the latest known QuotaMap for one device, plus the
// freshness/connection bookkeeping backends need for their Backend
// Interface projections (§4.8's online := connected && fresh rule).
//
// All methods are safe to call from any concurrent context: the broker
// library's own goroutine, the idle supervisor's timer, and the Worker loop
// all call into the same Cache instance without coordination beyond its
// mutex.
type Cache struct {
	mu           sync.Mutex
	data         backend.QuotaMap
	lastUpdateTS time.Time
	lastPushTS   time.Time
	connected    bool
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{data: backend.QuotaMap{}}
}

// Apply merges delta into the cache: later writes to the same key overwrite
// earlier ones, and keys absent from delta are left untouched (the cache
// never shrinks within a session). Records last_update_ts = now.
func (c *Cache) Apply(delta backend.QuotaMap) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyLocked(delta)
	c.lastUpdateTS = time.Now()
}

// ApplyPush is Apply plus recording last_push_ts, for push-originated
// ingestion (data topic messages), which the request/reply quota-request
// suppression check tracks separately from the last generic update.
func (c *Cache) ApplyPush(delta backend.QuotaMap) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyLocked(delta)
	now := time.Now()
	c.lastUpdateTS = now
	c.lastPushTS = now
}

func (c *Cache) applyLocked(delta backend.QuotaMap) {
	for k, v := range delta {
		c.data[k] = v
	}
}

// GetSnapshot returns an isolated copy of the cache's current contents.
// Mutating the result never affects subsequent calls.
func (c *Cache) GetSnapshot() backend.QuotaMap {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.Clone()
}

// Stale reports whether the most recent update (of any kind) is older than
// age.
func (c *Cache) Stale(age time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastUpdateTS.IsZero() {
		return true
	}
	return time.Since(c.lastUpdateTS) > age
}

// PushStale reports whether the most recent push-originated update is older
// than age; used by the quota-request suppression check (§4.7). The idle
// supervisor (§4.6) uses Stale instead.
func (c *Cache) PushStale(age time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastPushTS.IsZero() {
		return true
	}
	return time.Since(c.lastPushTS) > age
}

// TouchPush bumps last_push_ts to now without applying any data. The
// request/reply backend does not call it for quota replies: those go
// through Apply and so do not count as push traffic for quota-request
// suppression (§4.7).
func (c *Cache) TouchPush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPushTS = time.Now()
}

// TouchUpdate bumps last_update_ts to now without applying any data; used
// by the idle supervisor to prevent a reconnect attempt from immediately
// re-triggering itself (§4.6 "Reconnect attempts push last_message_time =
// now" — last_message_time tracks any message, push or reply).
func (c *Cache) TouchUpdate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastUpdateTS = time.Now()
}

// LastUpdateTS returns the timestamp of the most recent update of any kind.
func (c *Cache) LastUpdateTS() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUpdateTS
}

// SetConnected records the broker-connected flag the Backend Interface uses
// to compute a push backend's online status.
func (c *Cache) SetConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

// Connected reports the last recorded broker-connected flag.
func (c *Cache) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
