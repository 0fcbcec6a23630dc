// Package shaper turns nested QuotaMap entries into stable Prometheus
// metric identities: it derives a shape name from each dotted/bracketed
// key, interns one collector per shape name, and projects scalar values
// onto it with the device/index label tuple (§4.9).
package shaper

import (
	"fmt"
	"sync"

	"github.com/ecoflow/ecoflow-exporter/backend"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// maxProjectionDepth bounds the recursive scalar projection. Device
// payloads are bounded and non-cyclic; this is a defensive cap.
const maxProjectionDepth = 32

// commonLabelNames are the fixed, non-index labels every metric handle
// carries.
var commonLabelNames = []string{"device", "device_name", "product_name", "device_general_key"}

// Kind selects which collector type a shape name is backed by.
type Kind int

const (
	Gauge Kind = iota
	Counter
	Histogram
)

// Labels is the device tuple attached to every metric a Shaper projects.
type Labels struct {
	Device           string
	DeviceName       string
	ProductName      string
	DeviceGeneralKey string
}

func (l Labels) values(indexes []string) []string {
	vals := make([]string, 0, len(commonLabelNames)+len(indexes))
	vals = append(vals, l.Device, l.DeviceName, l.ProductName, l.DeviceGeneralKey)
	vals = append(vals, indexes...)
	return vals
}

type handle struct {
	kind      Kind
	gauge     *prometheus.GaugeVec
	counter   *prometheus.CounterVec
	histogram *prometheus.HistogramVec
}

func (h *handle) reset() {
	switch h.kind {
	case Gauge:
		h.gauge.Reset()
	case Counter:
		h.counter.Reset()
	case Histogram:
		h.histogram.Reset()
	}
}

// Shaper interns metric handles by shape name and projects QuotaMap entries
// onto them.
type Shaper struct {
	namespace string
	reg       prometheus.Registerer
	log       *zap.Logger

	mu      sync.Mutex
	handles map[string]*handle
}

// New builds a Shaper. Every metric it registers is named
// "<namespace>_<shapename>".
func New(namespace string, reg prometheus.Registerer) *Shaper {
	return &Shaper{namespace: namespace, reg: reg, log: zap.L(), handles: map[string]*handle{}}
}

// register interns a handle for shapeName. A second call with a different
// kind/labelNames/buckets is a programmer-error observation, not a failure:
// it silently returns the first handle (§9 DESIGN NOTES "Metric interning").
func (s *Shaper) register(shapeName string, kind Kind, labelNames []string, buckets []float64) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.handles[shapeName]; ok {
		return h
	}

	metricName := s.namespace + "_" + shapeName
	h := &handle{kind: kind}
	switch kind {
	case Counter:
		h.counter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: metricName, Help: "EcoFlow device parameter " + shapeName}, labelNames)
		s.reg.MustRegister(h.counter)
	case Histogram:
		opts := prometheus.HistogramOpts{Name: metricName, Help: "EcoFlow device parameter " + shapeName}
		if len(buckets) > 0 {
			opts.Buckets = buckets
		}
		h.histogram = prometheus.NewHistogramVec(opts, labelNames)
		s.reg.MustRegister(h.histogram)
	default:
		h.kind = Gauge
		h.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: metricName, Help: "EcoFlow device parameter " + shapeName}, labelNames)
		s.reg.MustRegister(h.gauge)
	}

	s.handles[shapeName] = h
	return h
}

// Reset clears every registered metric's label sets (used when the device
// goes offline).
func (s *Shaper) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handles {
		h.reset()
	}
}

// Project recursively walks q (§4.9 scalar projection rules) and sets a
// gauge for every scalar leaf, returning the count of scalars updated.
// Sequences recurse per element (appending "[i]"); nested maps recurse per
// entry (joining with "."); anything else is skipped and logged at debug.
func (s *Shaper) Project(q backend.QuotaMap, labels Labels) int {
	count := 0
	for k, v := range q {
		count += s.projectValue(k, v, labels, 0)
	}
	return count
}

func (s *Shaper) projectValue(key string, v interface{}, labels Labels, depth int) int {
	if depth > maxProjectionDepth {
		s.log.Debug("shaper: projection depth cap exceeded", zap.String("key", key))
		return 0
	}

	switch t := v.(type) {
	case map[string]interface{}:
		count := 0
		for k2, v2 := range t {
			count += s.projectValue(key+"."+k2, v2, labels, depth+1)
		}
		return count
	case backend.QuotaMap:
		return s.projectValue(key, map[string]interface{}(t), labels, depth)
	case []interface{}:
		count := 0
		for i, e := range t {
			count += s.projectValue(fmt.Sprintf("%s[%d]", key, i), e, labels, depth+1)
		}
		return count
	default:
		f, ok := toFloat(t)
		if !ok {
			s.log.Debug("shaper: skipping non-scalar leaf", zap.String("key", key))
			return 0
		}
		s.setGauge(key, labels, f)
		return 1
	}
}

func (s *Shaper) setGauge(key string, labels Labels, value float64) {
	shapeName, indexes := ShapeName(key)
	labelNames := append(append([]string{}, commonLabelNames...), indexNames(len(indexes))...)
	h := s.register(shapeName, Gauge, labelNames, nil)
	h.gauge.WithLabelValues(labels.values(indexes)...).Set(value)
}

func indexNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("index_%d", i)
	}
	return names
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
