// Package worker implements the Worker (§4.10): the scrape loop that holds
// one backend, one device identity tuple, and the metric shaper state, and
// never lets an error escape its loop.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/ecoflow/ecoflow-exporter/analytics"
	"github.com/ecoflow/ecoflow-exporter/backend"
	"github.com/ecoflow/ecoflow-exporter/shaper"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var labelNames = []string{"device", "device_name", "product_name", "device_general_key"}

// Config identifies the device a Worker scrapes and its scheduling.
type Config struct {
	DeviceSN         string
	DeviceName       string
	ProductName      string
	DeviceGeneralKey string

	CollectingInterval time.Duration
	RetryTimeout       time.Duration
}

func (c *Config) setDefaults() {
	if c.CollectingInterval == 0 {
		c.CollectingInterval = 10 * time.Second
	}
	if c.RetryTimeout == 0 {
		c.RetryTimeout = 30 * time.Second
	}
}

// Worker runs the §4.10 scrape loop against one backend.
type Worker struct {
	cfg    Config
	be     backend.Backend
	shaper *shaper.Shaper
	an     *analytics.Analytics
	log    *zap.Logger

	online           *prometheus.GaugeVec
	metricsCollected *prometheus.GaugeVec
	labelValues      []string
}

// New builds a Worker and registers its two bookkeeping gauges
// ("<namespace>_online", "<namespace>_metrics_collected") with reg.
func New(cfg Config, be backend.Backend, sh *shaper.Shaper, an *analytics.Analytics, namespace string, reg prometheus.Registerer) *Worker {
	cfg.setDefaults()
	w := &Worker{
		cfg: cfg, be: be, shaper: sh, an: an, log: zap.L(),
		online: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "online", Help: "1 if the device is online, else 0.",
		}, labelNames),
		metricsCollected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "metrics_collected", Help: "Number of scalar metrics updated by the most recent scrape.",
		}, labelNames),
		labelValues: []string{cfg.DeviceSN, cfg.DeviceName, cfg.ProductName, cfg.DeviceGeneralKey},
	}
	reg.MustRegister(w.online, w.metricsCollected)
	return w
}

// Disconnect forwards to the underlying backend, so callers shutting down
// the exporter need not reach past the Worker to reach it.
func (w *Worker) Disconnect() error {
	return w.be.Disconnect()
}

// Run loops forever, sleeping between iterations, until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	for {
		sleep := w.collectOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// collectOnce performs one scrape iteration (§4.10 steps 1-5) and returns
// how long to sleep before the next one.
func (w *Worker) collectOnce(ctx context.Context) time.Duration {
	done := w.an.TimeScrape()

	device, err := w.be.GetDevice(ctx, w.cfg.DeviceSN)
	switch {
	case errors.Is(err, backend.ErrDeviceNotFound):
		w.log.Warn("worker: device not found", zap.String("sn", w.cfg.DeviceSN))
		w.markOfflineAndEmpty()
		done("not_found")
		return w.cfg.RetryTimeout

	case err != nil:
		w.log.Error("worker: get_device failed", zap.Error(err))
		w.markOfflineAndEmpty()
		w.shaper.Reset()
		done("error")
		return w.cfg.RetryTimeout

	case !device.Online:
		w.log.Info("worker: device offline", zap.String("sn", w.cfg.DeviceSN))
		w.markOfflineAndEmpty()
		w.shaper.Reset()
		done("offline")
		return w.cfg.CollectingInterval
	}

	w.online.WithLabelValues(w.labelValues...).Set(1)

	quota, err := w.be.GetDeviceQuota(ctx, w.cfg.DeviceSN)
	if err != nil {
		w.log.Error("worker: get_device_quota failed", zap.Error(err))
		w.markOfflineAndEmpty()
		w.shaper.Reset()
		done("error")
		return w.cfg.RetryTimeout
	}

	labels := shaper.Labels{
		Device: w.cfg.DeviceSN, DeviceName: w.cfg.DeviceName,
		ProductName: w.cfg.ProductName, DeviceGeneralKey: w.cfg.DeviceGeneralKey,
	}
	count := w.shaper.Project(quota, labels)
	w.metricsCollected.WithLabelValues(w.labelValues...).Set(float64(count))
	done("success")
	return w.cfg.CollectingInterval
}

func (w *Worker) markOfflineAndEmpty() {
	w.online.WithLabelValues(w.labelValues...).Set(0)
	w.metricsCollected.WithLabelValues(w.labelValues...).Set(0)
}
