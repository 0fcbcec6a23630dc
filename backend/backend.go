// Package backend defines the common shape every telemetry-ingestion
// backend (REST polling, MQTT push, MQTT request/reply) exposes to the
// Worker, and the data types they share.
package backend

import (
	"context"
	"errors"
	"fmt"
)

// DeviceIdentity is the opaque identity of the device a backend talks to.
type DeviceIdentity struct {
	SN          string
	Name        string
	ProductName string
	Online      bool
}

// QuotaMap is a mapping from dotted-key string to a scalar (int64, float64,
// bool, string), or a nested map/sequence thereof. Nesting is preserved
// verbatim from the source; the Metric Shaper flattens it at projection
// time.
type QuotaMap map[string]interface{}

// Clone returns a deep-enough copy of q: mutating the result never affects
// the receiver. Nested maps and slices are copied recursively; leaf scalars
// are immutable by value already.
func (q QuotaMap) Clone() QuotaMap {
	out := make(QuotaMap, len(q))
	for k, v := range q {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case QuotaMap:
		return t.Clone()
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}

// Backend is the polymorphic telemetry-ingestion core the Worker drives.
// Every concrete backend (backend/rest, backend/push, backend/device)
// implements it.
type Backend interface {
	Connect(ctx context.Context) error
	Disconnect() error
	GetDevices(ctx context.Context) ([]DeviceIdentity, error)
	GetDevice(ctx context.Context, sn string) (*DeviceIdentity, error)
	GetDeviceQuota(ctx context.Context, sn string) (QuotaMap, error)
}

// Sentinel errors for §7's "not-found", "authentication" and
// "configuration" kinds. Backends return ErrDeviceNotFound to the Worker for
// a serial they do not serve; no backend in this module returns
// ErrNotConnected or ErrInvalidCredential.
var (
	ErrDeviceNotFound   = errors.New("backend: device not found")
	ErrNotConnected     = errors.New("backend: not connected")
	ErrInvalidCredential = errors.New("backend: invalid credential")
)

// APIError carries the code/message pair the EcoFlow APIs return on a
// nominally-reachable-but-unsuccessful response (§4.5, §4.3).
type APIError struct {
	Op      string
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend: %s failed: code=%s message=%q", e.Op, e.Code, e.Message)
}

// MissingFieldError reports a field absent from a nominally successful
// response (§4.3 "Missing fields ... surface as errors identifying the
// missing key").
type MissingFieldError struct {
	Op    string
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("backend: %s response missing field %q", e.Op, e.Field)
}
