/*
 * Copyright 2023 Comcast Cable Communications Management, LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package config ingests the environment-variable surface of §6 into a
// Config, and holds it behind the same sync.Once-guarded singleton
// accessor the rest of this codebase's ambient config uses.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// APIType selects which MQTT backend a push-credentialed configuration runs:
// the Push Backend (mqtt, default) or the Request/Reply Backend (device).
type APIType string

const (
	APITypeMQTT   APIType = "mqtt"
	APITypeDevice APIType = "device"
)

// Mode is the backend the Factory must build, resolved from which
// credential pair is present.
type Mode int

const (
	ModePolling Mode = iota
	ModePush
	ModeDevice
)

// Sentinel errors for Factory-visible configuration failures (§4.11,
// §7 "configuration" error kind).
var (
	ErrCredentialConflict = errors.New("config: ECOFLOW_ACCESS_KEY/ECOFLOW_SECRET_KEY and ECOFLOW_ACCOUNT_USER/ECOFLOW_ACCOUNT_PASSWORD are both set; only one credential pair is allowed")
	ErrNoCredentials      = errors.New("config: no credentials set; provide ECOFLOW_ACCESS_KEY+ECOFLOW_SECRET_KEY (polling) or ECOFLOW_ACCOUNT_USER+ECOFLOW_ACCOUNT_PASSWORD (push/request-reply)")
)

// Config is the fully-parsed, defaulted, validated environment surface of
// §6. All durations are already converted from the "seconds" env
// convention to time.Duration.
type Config struct {
	DeviceSN string

	AccessKey string
	SecretKey string

	AccountUser     string
	AccountPassword string

	APIType APIType
	APIHost string

	DeviceName       string
	ProductName      string
	DeviceGeneralKey string
	DevicesJSON      string

	MQTTTimeout          time.Duration
	HTTPTimeout          time.Duration
	HTTPRetries          int
	HTTPBackoffFactor    float64
	IdleCheckInterval    time.Duration
	MQTTKeepAlive        time.Duration
	MaxReconnectDelay    time.Duration
	QuotaRequestInterval time.Duration
	DeviceListCacheTTL   time.Duration
	CollectingInterval   time.Duration
	RetryTimeout         time.Duration
	EstablishAttempts    int
	ExporterPort         string
	MetricsPrefix        string
	LogLevel             string
}

// Mode resolves which backend the Factory should build from the pair of
// credentials present, rejecting the combination of both (§4.11).
func (c *Config) Mode() (Mode, error) {
	hasPolling := c.AccessKey != "" && c.SecretKey != ""
	hasPush := c.AccountUser != "" && c.AccountPassword != ""

	switch {
	case hasPolling && hasPush:
		return 0, ErrCredentialConflict
	case hasPolling:
		return ModePolling, nil
	case hasPush:
		if c.APIType == APITypeDevice {
			return ModeDevice, nil
		}
		return ModePush, nil
	default:
		return 0, ErrNoCredentials
	}
}

// ValidationError enumerates every missing or malformed input discovered
// while parsing the environment, per §6: "Missing or malformed values
// produce a startup error with an enumerated list of required inputs."
type ValidationError struct {
	Missing []string
	Invalid []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing required environment variable(s): %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, fmt.Sprintf("malformed environment variable(s): %s", strings.Join(e.Invalid, ", ")))
	}
	return "config: " + strings.Join(parts, "; ")
}

// env abstracts environment lookup so Load is testable without mutating
// the process environment.
type env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

// Load reads and validates the process environment into a Config. Every
// missing required variable and every malformed value is collected into a
// single ValidationError rather than failing on the first problem, so an
// operator sees the complete list of what needs fixing.
func Load() (*Config, error) {
	return load(osEnv{})
}

func load(e env) (*Config, error) {
	var missing []string
	var invalid []string

	required := func(name string) string {
		v := e.Getenv(name)
		if v == "" {
			missing = append(missing, name)
		}
		return v
	}
	optString := func(name, def string) string {
		if v := e.Getenv(name); v != "" {
			return v
		}
		return def
	}
	optSeconds := func(name string, def time.Duration) time.Duration {
		v := e.Getenv(name)
		if v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			invalid = append(invalid, name)
			return def
		}
		return time.Duration(n) * time.Second
	}
	optInt := func(name string, def int) int {
		v := e.Getenv(name)
		if v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			invalid = append(invalid, name)
			return def
		}
		return n
	}
	optFloat := func(name string, def float64) float64 {
		v := e.Getenv(name)
		if v == "" {
			return def
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			invalid = append(invalid, name)
			return def
		}
		return f
	}

	cfg := &Config{
		DeviceSN: required("ECOFLOW_DEVICE_SN"),

		AccessKey: e.Getenv("ECOFLOW_ACCESS_KEY"),
		SecretKey: e.Getenv("ECOFLOW_SECRET_KEY"),

		AccountUser:     e.Getenv("ECOFLOW_ACCOUNT_USER"),
		AccountPassword: e.Getenv("ECOFLOW_ACCOUNT_PASSWORD"),

		APIHost: optString("ECOFLOW_API_HOST", "api.ecoflow.com"),

		DeviceName:       e.Getenv("ECOFLOW_DEVICE_NAME"),
		ProductName:      e.Getenv("ECOFLOW_PRODUCT_NAME"),
		DeviceGeneralKey: e.Getenv("ECOFLOW_DEVICE_GENERAL_KEY"),
		DevicesJSON:      e.Getenv("ECOFLOW_DEVICES_JSON"),

		MQTTTimeout:          optSeconds("MQTT_TIMEOUT", 60*time.Second),
		HTTPTimeout:          optSeconds("HTTP_TIMEOUT", 10*time.Second),
		HTTPRetries:          optInt("HTTP_RETRIES", 3),
		HTTPBackoffFactor:    optFloat("HTTP_BACKOFF_FACTOR", 0.5),
		IdleCheckInterval:    optSeconds("IDLE_CHECK_INTERVAL", 30*time.Second),
		MQTTKeepAlive:        optSeconds("MQTT_KEEPALIVE", 30*time.Second),
		MaxReconnectDelay:    optSeconds("MAX_RECONNECT_DELAY", 300*time.Second),
		QuotaRequestInterval: optSeconds("QUOTA_REQUEST_INTERVAL", 30*time.Second),
		DeviceListCacheTTL:   optSeconds("DEVICE_LIST_CACHE_TTL", 60*time.Second),
		CollectingInterval:   optSeconds("COLLECTING_INTERVAL", 10*time.Second),
		RetryTimeout:         optSeconds("RETRY_TIMEOUT", 30*time.Second),
		EstablishAttempts:    optInt("ESTABLISH_ATTEMPTS", 5),
		ExporterPort:         optString("EXPORTER_PORT", "9090"),
		MetricsPrefix:        optString("METRICS_PREFIX", "ecoflow"),
		LogLevel:             strings.ToUpper(optString("LOG_LEVEL", "INFO")),
	}

	apiType := APIType(strings.ToLower(optString("ECOFLOW_API_TYPE", string(APITypeMQTT))))
	if apiType != APITypeMQTT && apiType != APITypeDevice {
		invalid = append(invalid, "ECOFLOW_API_TYPE")
		apiType = APITypeMQTT
	}
	cfg.APIType = apiType

	if len(missing) > 0 || len(invalid) > 0 {
		return nil, &ValidationError{Missing: missing, Invalid: invalid}
	}

	if _, err := cfg.Mode(); err != nil {
		return nil, err
	}

	return cfg, nil
}

var (
	config *Config
	once   sync.Once
)

// NewConfig installs c as the process-wide Config. Only the first call
// has an effect, matching the teacher's singleton accessor pattern.
func NewConfig(c *Config) {
	once.Do(func() {
		if c != nil {
			config = c
		} else {
			config = &Config{}
		}
	})
}

// GetConfig returns the process-wide Config, installing an empty one if
// NewConfig was never called.
func GetConfig() *Config {
	if config != nil {
		return config
	}
	NewConfig(nil)
	return config
}
