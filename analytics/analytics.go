// Package analytics provides the exporter's self-observability metrics:
// scrape duration/result, HTTP and auth timing, broker connection state,
// message/reconnect/quota-request/cache-operation counters (§4.10).
//
// The source this was distilled from keeps these behind a dual-locked
// singleton reconciling two import paths. That concern does not exist in a
// single Go binary: Analytics is just a constructed value, created once in
// cmd/ecoflow-exporter and passed by reference into every component that
// needs it. Tests construct their own instance against a private registry
// for isolation.
package analytics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Analytics bundles every self-observability metric collector. All fields
// are safe for concurrent use (prometheus collectors always are).
type Analytics struct {
	ScrapeDuration prometheus.Histogram
	ScrapeResult   *prometheus.CounterVec

	HTTPRequestDuration prometheus.Histogram
	HTTPRequestStatus   *prometheus.CounterVec

	AuthDuration prometheus.Histogram
	AuthStatus   *prometheus.CounterVec

	BrokerConnected prometheus.Gauge

	MessageCounter      *prometheus.CounterVec
	MessageErrorCounter prometheus.Counter

	ReconnectionCounter prometheus.Counter

	QuotaRequestCounter   *prometheus.CounterVec
	CacheOperationCounter *prometheus.CounterVec
}

// New constructs an Analytics instance and registers every collector with
// reg. namespace prefixes every metric name (the exporter's own metrics
// namespace; the factory passes METRICS_PREFIX + "_exporter", keeping these
// apart from the device metrics named under METRICS_PREFIX itself).
func New(namespace string, reg prometheus.Registerer) *Analytics {
	a := &Analytics{
		ScrapeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scrape",
			Name:      "duration_seconds",
			Help:      "Duration of a single worker scrape iteration.",
			Buckets:   prometheus.DefBuckets,
		}),
		ScrapeResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scrape",
			Name:      "result_total",
			Help:      "Count of scrape iterations by outcome.",
		}, []string{"status"}),

		HTTPRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound REST backend HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}),
		HTTPRequestStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_result_total",
			Help:      "Count of outbound HTTP requests by outcome.",
		}, []string{"status"}),

		AuthDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "duration_seconds",
			Help:      "Duration of credential broker login/credential exchange calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		AuthStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "result_total",
			Help:      "Count of credential broker calls by outcome.",
		}, []string{"status"}),

		BrokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "connected",
			Help:      "1 if the MQTT broker session is currently connected, else 0.",
		}),

		MessageCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "messages_total",
			Help:      "Count of MQTT messages ingested, by client type and payload encoding.",
		}, []string{"client_type", "encoding"}),
		MessageErrorCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "message_errors_total",
			Help:      "Count of MQTT messages that failed to decode.",
		}),

		ReconnectionCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "reconnections_total",
			Help:      "Count of reconnect attempts initiated by the idle supervisor.",
		}),

		QuotaRequestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "quota_requests_total",
			Help:      "Count of request/reply quota requests, by whether they were sent or suppressed.",
		}, []string{"result"}),
		CacheOperationCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rest",
			Name:      "device_list_cache_total",
			Help:      "Count of REST backend device-list cache lookups, by hit or miss.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		a.ScrapeDuration, a.ScrapeResult,
		a.HTTPRequestDuration, a.HTTPRequestStatus,
		a.AuthDuration, a.AuthStatus,
		a.BrokerConnected,
		a.MessageCounter, a.MessageErrorCounter,
		a.ReconnectionCounter,
		a.QuotaRequestCounter, a.CacheOperationCounter,
	)
	return a
}

// TimeScrape starts timing a worker scrape iteration. The caller invokes
// the returned function exactly once with the outcome status
// (success|offline|not_found|error) when the iteration ends.
func (a *Analytics) TimeScrape() func(status string) {
	start := time.Now()
	return func(status string) {
		a.ScrapeDuration.Observe(time.Since(start).Seconds())
		a.ScrapeResult.WithLabelValues(status).Inc()
	}
}

// TimeHTTPRequest starts timing an outbound REST backend call.
func (a *Analytics) TimeHTTPRequest() func(status string) {
	start := time.Now()
	return func(status string) {
		a.HTTPRequestDuration.Observe(time.Since(start).Seconds())
		a.HTTPRequestStatus.WithLabelValues(status).Inc()
	}
}

// TimeAuth starts timing a credential broker call.
func (a *Analytics) TimeAuth() func(status string) {
	start := time.Now()
	return func(status string) {
		a.AuthDuration.Observe(time.Since(start).Seconds())
		a.AuthStatus.WithLabelValues(status).Inc()
	}
}

// SetBrokerConnected records the current broker-connected state.
func (a *Analytics) SetBrokerConnected(connected bool) {
	if connected {
		a.BrokerConnected.Set(1)
	} else {
		a.BrokerConnected.Set(0)
	}
}

// RecordMessage counts one ingested MQTT message.
func (a *Analytics) RecordMessage(clientType, encoding string) {
	a.MessageCounter.WithLabelValues(clientType, encoding).Inc()
}

// RecordMessageError counts one message that failed to decode.
func (a *Analytics) RecordMessageError() {
	a.MessageErrorCounter.Inc()
}

// RecordReconnection counts one reconnect attempt.
func (a *Analytics) RecordReconnection() {
	a.ReconnectionCounter.Inc()
}

// RecordQuotaRequest counts a request/reply quota request as sent or
// suppressed.
func (a *Analytics) RecordQuotaRequest(sent bool) {
	if sent {
		a.QuotaRequestCounter.WithLabelValues("sent").Inc()
	} else {
		a.QuotaRequestCounter.WithLabelValues("skipped").Inc()
	}
}

// RecordCacheOp counts a REST backend device-list cache lookup as a hit or
// miss.
func (a *Analytics) RecordCacheOp(hit bool) {
	if hit {
		a.CacheOperationCounter.WithLabelValues("hit").Inc()
	} else {
		a.CacheOperationCounter.WithLabelValues("miss").Inc()
	}
}
