// Package rest implements the REST Backend (§4.5): periodic signed polling
// of the device-list and quota endpoints, with HTTP-level retry and a
// device-list cache.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ecoflow/ecoflow-exporter/analytics"
	"github.com/ecoflow/ecoflow-exporter/backend"
	"github.com/ecoflow/ecoflow-exporter/signature"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Config configures a Backend.
type Config struct {
	Host               string
	AccessKey          string
	SecretKey          string
	Timeout            time.Duration
	Retries            int
	BackoffFactor      float64
	DeviceListCacheTTL time.Duration
}

func (c *Config) setDefaults() {
	if c.Retries == 0 {
		c.Retries = 3
	}
	if c.BackoffFactor == 0 {
		c.BackoffFactor = 0.5
	}
	if c.DeviceListCacheTTL == 0 {
		c.DeviceListCacheTTL = 60 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
}

// Backend implements backend.Backend over the signed developer REST API.
type Backend struct {
	cfg Config
	http *retryablehttp.Client
	an   *analytics.Analytics
	log  *zap.Logger

	mu           sync.Mutex
	deviceList   []backend.DeviceIdentity
	deviceListTS time.Time
}

// New builds a REST Backend. an may be nil (tests construct Backends
// without self-observability wiring).
func New(cfg Config, an *analytics.Analytics) *Backend {
	cfg.setDefaults()

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.Retries
	rc.CheckRetry = checkRetry
	rc.Backoff = backoffFunc(cfg.BackoffFactor)
	rc.Logger = nil
	rc.HTTPClient = &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 10,
			MaxConnsPerHost:     10,
		},
	}

	return &Backend{cfg: cfg, http: rc, an: an, log: zap.L()}
}

// checkRetry retries on the status codes spec §4.5 names plus connection
// errors; it never retries once the context is done.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

// backoffFunc returns an exponential backoff starting at factor seconds and
// doubling per attempt, clamped to [min, max].
func backoffFunc(factor float64) retryablehttp.Backoff {
	return func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		sleep := time.Duration(factor * math.Pow(2, float64(attemptNum)) * float64(time.Second))
		if sleep < min {
			return min
		}
		if sleep > max {
			return max
		}
		return sleep
	}
}

func (b *Backend) timeHTTP() func(status string) {
	if b.an == nil {
		return func(string) {}
	}
	return b.an.TimeHTTPRequest()
}

func (b *Backend) recordCacheOp(hit bool) {
	if b.an != nil {
		b.an.RecordCacheOp(hit)
	}
}

// Connect performs one device-list fetch; failure means connect fails.
func (b *Backend) Connect(ctx context.Context) error {
	if _, err := b.GetDevices(ctx); err != nil {
		return fmt.Errorf("rest: connect: %w", err)
	}
	return nil
}

// Disconnect closes the HTTP session's idle connections.
func (b *Backend) Disconnect() error {
	b.http.HTTPClient.CloseIdleConnections()
	return nil
}

// GetDevices performs a signed GET against the device-list endpoint and
// refreshes the local cache on success.
func (b *Backend) GetDevices(ctx context.Context) ([]backend.DeviceIdentity, error) {
	done := b.timeHTTP()

	signed, err := signature.Sign(b.cfg.AccessKey, b.cfg.SecretKey, map[string]string{})
	if err != nil {
		done("error")
		return nil, fmt.Errorf("rest: get_devices: %w", err)
	}
	req, err := b.newSignedRequest(ctx, http.MethodGet, "/iot-open/sign/device/list", nil, signed)
	if err != nil {
		done("error")
		return nil, err
	}

	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Data    []struct {
			SN          string `json:"sn"`
			DeviceName  string `json:"deviceName"`
			ProductName string `json:"productName"`
			Online      int    `json:"online"`
		} `json:"data"`
	}
	if err := b.doJSON(req, "get_devices", &payload); err != nil {
		done("error")
		return nil, err
	}
	if payload.Code != "0" {
		done("error")
		return nil, &backend.APIError{Op: "get_devices", Code: payload.Code, Message: payload.Message}
	}
	done("success")

	devices := make([]backend.DeviceIdentity, 0, len(payload.Data))
	for _, d := range payload.Data {
		devices = append(devices, backend.DeviceIdentity{
			SN:          d.SN,
			Name:        d.DeviceName,
			ProductName: d.ProductName,
			Online:      d.Online == 1,
		})
	}

	b.mu.Lock()
	b.deviceList = devices
	b.deviceListTS = time.Now()
	b.mu.Unlock()

	return devices, nil
}

// GetDevice returns the identity for sn, serving from the device-list cache
// when it is fresh (age <= DeviceListCacheTTL) and otherwise refreshing it
// first.
func (b *Backend) GetDevice(ctx context.Context, sn string) (*backend.DeviceIdentity, error) {
	b.mu.Lock()
	valid := !b.deviceListTS.IsZero() && time.Since(b.deviceListTS) <= b.cfg.DeviceListCacheTTL
	cached := b.deviceList
	b.mu.Unlock()

	devices := cached
	if valid {
		b.recordCacheOp(true)
	} else {
		b.recordCacheOp(false)
		fresh, err := b.GetDevices(ctx)
		if err != nil {
			return nil, err
		}
		devices = fresh
	}

	for i := range devices {
		if devices[i].SN == sn {
			d := devices[i]
			return &d, nil
		}
	}
	return nil, backend.ErrDeviceNotFound
}

// GetDeviceQuota performs a signed GET against the quota endpoint and
// returns the nested map from the response's data field.
func (b *Backend) GetDeviceQuota(ctx context.Context, sn string) (backend.QuotaMap, error) {
	done := b.timeHTTP()

	params := map[string]string{"sn": sn}
	signed, err := signature.Sign(b.cfg.AccessKey, b.cfg.SecretKey, params)
	if err != nil {
		done("error")
		return nil, fmt.Errorf("rest: get_device_quota: %w", err)
	}
	req, err := b.newSignedRequest(ctx, http.MethodGet, "/iot-open/sign/device/quota/all", params, signed)
	if err != nil {
		done("error")
		return nil, err
	}

	var payload struct {
		Code    string                 `json:"code"`
		Message string                 `json:"message"`
		Data    map[string]interface{} `json:"data"`
	}
	if err := b.doJSON(req, "get_device_quota", &payload); err != nil {
		done("error")
		return nil, err
	}
	if payload.Code != "0" {
		done("error")
		return nil, &backend.APIError{Op: "get_device_quota", Code: payload.Code, Message: payload.Message}
	}
	done("success")
	return backend.QuotaMap(payload.Data), nil
}

func (b *Backend) newSignedRequest(ctx context.Context, method, path string, queryParams map[string]string, signed signature.Signed) (*retryablehttp.Request, error) {
	u := b.cfg.Host + path
	if len(queryParams) > 0 {
		vals := url.Values{}
		for k, v := range queryParams {
			vals.Set(k, v)
		}
		u += "?" + vals.Encode()
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("rest: build request: %w", err)
	}
	for k, v := range signed.Params {
		req.Header.Set(k, v)
	}
	req.Header.Set("sign", signed.Sign)
	return req, nil
}

func (b *Backend) doJSON(req *retryablehttp.Request, op string, out interface{}) error {
	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("rest: %s: %w", op, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("rest: %s: read response: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &backend.APIError{Op: op, Code: fmt.Sprintf("http_%d", resp.StatusCode), Message: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("rest: %s: decode response: %w", op, err)
	}
	return nil
}
