// Package factory implements the Factory & Bootstrap (§4.11): selecting a
// backend from configuration, establishing the first connection with
// retry, and handing back a ready-to-run Worker.
package factory

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v3"
	"github.com/ecoflow/ecoflow-exporter/analytics"
	"github.com/ecoflow/ecoflow-exporter/auth"
	"github.com/ecoflow/ecoflow-exporter/backend"
	"github.com/ecoflow/ecoflow-exporter/backend/device"
	"github.com/ecoflow/ecoflow-exporter/backend/push"
	"github.com/ecoflow/ecoflow-exporter/backend/rest"
	"github.com/ecoflow/ecoflow-exporter/cache"
	"github.com/ecoflow/ecoflow-exporter/catalog"
	"github.com/ecoflow/ecoflow-exporter/config"
	"github.com/ecoflow/ecoflow-exporter/shaper"
	"github.com/ecoflow/ecoflow-exporter/worker"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ErrDeviceSNRequired is returned when a push/request-reply configuration
// omits the device serial the MQTT topics are built from (§4.11).
var ErrDeviceSNRequired = errors.New("factory: ECOFLOW_DEVICE_SN is required for push/request-reply backends")

// Build selects and connects the backend named by cfg's credentials,
// resolves the device identity tuple from the first get_device(sn) call,
// and returns a Worker ready for Run.
func Build(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*worker.Worker, error) {
	log := zap.L()

	mode, err := cfg.Mode()
	if err != nil {
		return nil, err
	}

	an := analytics.New(cfg.MetricsPrefix+"_exporter", reg)

	cat, err := catalog.Load(cfg.DevicesJSON)
	if err != nil {
		return nil, fmt.Errorf("factory: load device catalog: %w", err)
	}

	be, err := buildBackend(ctx, mode, cfg, an)
	if err != nil {
		return nil, err
	}

	identity, err := connectWithRetry(ctx, cfg, be, log)
	if err != nil {
		return nil, err
	}

	deviceName := cfg.DeviceName
	if deviceName == "" {
		deviceName = cat.DeviceName(cfg.DeviceSN, identity.Name)
	}

	productName := cfg.ProductName
	if productName == "" {
		if pn, ok := cat.ProductName(cfg.DeviceSN); ok {
			productName = pn
		} else if identity.ProductName != "" {
			productName = identity.ProductName
		} else {
			productName = "Unknown"
		}
	}

	generalKey := cfg.DeviceGeneralKey
	if generalKey == "" {
		generalKey = cat.GeneralKey(cfg.DeviceSN)
	}

	log.Info("factory: starting exporter for device",
		zap.String("sn", cfg.DeviceSN), zap.String("device_name", deviceName),
		zap.String("product_name", productName))

	sh := shaper.New(cfg.MetricsPrefix, reg)

	w := worker.New(worker.Config{
		DeviceSN:           cfg.DeviceSN,
		DeviceName:         deviceName,
		ProductName:        productName,
		DeviceGeneralKey:   generalKey,
		CollectingInterval: cfg.CollectingInterval,
		RetryTimeout:       cfg.RetryTimeout,
	}, be, sh, an, cfg.MetricsPrefix, reg)

	return w, nil
}

// buildBackend constructs the concrete backend named by mode, performing
// whatever out-of-band handshake (account login, broker certification)
// that backend's construction requires.
func buildBackend(ctx context.Context, mode config.Mode, cfg *config.Config, an *analytics.Analytics) (backend.Backend, error) {
	switch mode {
	case config.ModePolling:
		return rest.New(rest.Config{
			Host:               "https://" + cfg.APIHost,
			AccessKey:          cfg.AccessKey,
			SecretKey:          cfg.SecretKey,
			Timeout:            cfg.HTTPTimeout,
			Retries:            cfg.HTTPRetries,
			BackoffFactor:      cfg.HTTPBackoffFactor,
			DeviceListCacheTTL: cfg.DeviceListCacheTTL,
		}, an), nil

	case config.ModePush, config.ModeDevice:
		if cfg.DeviceSN == "" {
			return nil, ErrDeviceSNRequired
		}

		authClient := auth.New("https://"+cfg.APIHost, cfg.HTTPTimeout)

		doneLogin := an.TimeAuth()
		login, err := authClient.Login(ctx, cfg.AccountUser, cfg.AccountPassword)
		if err != nil {
			doneLogin("error")
			return nil, fmt.Errorf("factory: login: %w", err)
		}
		doneLogin("success")

		doneBroker := an.TimeAuth()
		broker, err := authClient.FetchBrokerCredentials(ctx, login.Token, login.UserID)
		if err != nil {
			doneBroker("error")
			return nil, fmt.Errorf("factory: fetch broker credentials: %w", err)
		}
		doneBroker("success")

		ca := cache.New()

		if mode == config.ModePush {
			return push.New(push.Config{
				Host: broker.Host, Port: broker.Port, Username: broker.Username,
				Password: broker.Password, ClientID: broker.ClientID,
				DeviceSN: cfg.DeviceSN, DeviceName: cfg.DeviceName,
				ProductName: cfg.ProductName, DeviceGeneralKey: cfg.DeviceGeneralKey,
				MQTTTimeout: cfg.MQTTTimeout, IdleCheckInterval: cfg.IdleCheckInterval,
				MQTTKeepAlive: cfg.MQTTKeepAlive, MaxReconnectDelay: cfg.MaxReconnectDelay,
			}, ca, an), nil
		}

		return device.New(device.Config{
			Host: broker.Host, Port: broker.Port, Username: broker.Username,
			Password: broker.Password, ClientID: broker.ClientID,
			DeviceSN: cfg.DeviceSN, UserID: login.UserID,
			DeviceName: cfg.DeviceName, ProductName: cfg.ProductName, DeviceGeneralKey: cfg.DeviceGeneralKey,
			MQTTTimeout: cfg.MQTTTimeout, IdleCheckInterval: cfg.IdleCheckInterval,
			MQTTKeepAlive: cfg.MQTTKeepAlive, MaxReconnectDelay: cfg.MaxReconnectDelay,
			QuotaRequestInterval: cfg.QuotaRequestInterval,
		}, ca, an), nil

	default:
		return nil, fmt.Errorf("factory: unknown mode %d", mode)
	}
}

// connectWithRetry retries be.Connect/GetDevice up to cfg.EstablishAttempts
// times at a fixed cfg.RetryTimeout interval (§4.11), using
// cenkalti/backoff/v3's constant backoff — a direct fit for "N attempts at
// a fixed interval", unlike the reconnect supervisor's doubling schedule.
func connectWithRetry(ctx context.Context, cfg *config.Config, be backend.Backend, log *zap.Logger) (*backend.DeviceIdentity, error) {
	attempts := 0
	var identity *backend.DeviceIdentity

	operation := func() error {
		attempts++
		if err := be.Connect(ctx); err != nil {
			log.Error("factory: connect attempt failed", zap.Int("attempt", attempts), zap.Error(err))
			return err
		}
		id, err := be.GetDevice(ctx, cfg.DeviceSN)
		if err != nil {
			log.Error("factory: get_device attempt failed", zap.Int("attempt", attempts), zap.Error(err))
			return err
		}
		if id == nil {
			return fmt.Errorf("factory: %w: %s", backend.ErrDeviceNotFound, cfg.DeviceSN)
		}
		identity = id
		return nil
	}

	retries := uint64(0)
	if cfg.EstablishAttempts > 1 {
		retries = uint64(cfg.EstablishAttempts - 1)
	}
	policy := backoff.WithMaxRetries(&backoff.ConstantBackOff{Interval: cfg.RetryTimeout}, retries)

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("factory: failed to establish connection after %d attempt(s): %w", attempts, err)
	}
	return identity, nil
}
