package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/funnel/internal/app"
	"github.com/vladislavdragonenkov/funnel/internal/catalog"
	"github.com/vladislavdragonenkov/funnel/internal/version"
)

const (
	envLogLevel = "FUNNEL_LOG_LEVEL"

	envHTTPAddr    = "FUNNEL_HTTP_ADDR"
	envGRPCAddr    = "FUNNEL_GRPC_ADDR"
	envMetricsAddr = "FUNNEL_METRICS_ADDR"

	envStorageDriver       = "FUNNEL_STORAGE_DRIVER"
	envPostgresDSN         = "FUNNEL_POSTGRES_DSN"
	envPostgresAutoMigrate = "FUNNEL_POSTGRES_AUTO_MIGRATE"

	envKafkaBrokers = "FUNNEL_KAFKA_BROKERS"
	envKafkaGroupID = "FUNNEL_KAFKA_GROUP_ID"

	envGatewayDriver       = "FUNNEL_GATEWAY_DRIVER"
	envGatewayURL          = "FUNNEL_GATEWAY_URL"
	envGatewayAPIKey       = "FUNNEL_GATEWAY_API_KEY"
	envGatewayTimeout      = "FUNNEL_GATEWAY_TIMEOUT"
	envBreakerMaxFailures  = "FUNNEL_BREAKER_MAX_FAILURES"
	envBreakerResetTimeout = "FUNNEL_BREAKER_RESET_TIMEOUT"
	envWebhookSecret       = "FUNNEL_WEBHOOK_SECRET"

	envSessionTTL         = "FUNNEL_SESSION_TTL"
	envPaymentTimeout     = "FUNNEL_PAYMENT_TIMEOUT"
	envReconcileAfter     = "FUNNEL_RECONCILE_AFTER"
	envPollInterval       = "FUNNEL_POLL_INTERVAL"
	envMaxPaymentAttempts = "FUNNEL_MAX_PAYMENT_ATTEMPTS"

	envOutboxPollInterval = "FUNNEL_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize    = "FUNNEL_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts  = "FUNNEL_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay   = "FUNNEL_OUTBOX_RETRY_DELAY"
	envOutboxStaleAfter   = "FUNNEL_OUTBOX_STALE_AFTER"

	envIdempotencyTTL              = "FUNNEL_IDEMPOTENCY_TTL"
	envIdempotencyCleanupInterval  = "FUNNEL_IDEMPOTENCY_CLEANUP_INTERVAL"
	envIdempotencyCleanupBatchSize = "FUNNEL_IDEMPOTENCY_CLEANUP_BATCH_SIZE"

	envSweepInterval  = "FUNNEL_SWEEP_INTERVAL"
	envSweepBatchSize = "FUNNEL_SWEEP_BATCH_SIZE"
)

type envLookup func(key string) (string, bool)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(lookup envLookup) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	raw, ok := lookup(envLogLevel)
	if !ok || strings.TrimSpace(raw) == "" {
		return
	}
	level, err := log.ParseLevel(strings.TrimSpace(raw))
	if err != nil {
		log.WithError(err).Warnf("invalid %s, using info", envLogLevel)
		return
	}
	log.SetLevel(level)
}

// configReader накапливает предупреждения: невалидное значение не валит
// запуск, а оставляет значение по умолчанию.
type configReader struct {
	lookup   envLookup
	warnings []string
}

func (r *configReader) value(key string) (string, bool) {
	raw, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

func (r *configReader) warn(key, raw string, err error) {
	r.warnings = append(r.warnings, fmt.Sprintf("invalid %s=%q: %v; using default", key, raw, err))
}

func (r *configReader) str(key string, dst *string) {
	if raw, ok := r.value(key); ok {
		*dst = raw
	}
}

func (r *configReader) lower(key string, dst *string) {
	if raw, ok := r.value(key); ok {
		*dst = strings.ToLower(raw)
	}
}

func (r *configReader) boolean(key string, dst *bool) {
	raw, ok := r.value(key)
	if !ok {
		return
	}
	v, err := parseBool(raw)
	if err != nil {
		r.warn(key, raw, err)
		return
	}
	*dst = v
}

func (r *configReader) positiveInt(key string, dst *int) {
	raw, ok := r.value(key)
	if !ok {
		return
	}
	v, err := parseInt(raw, func(v int) bool { return v > 0 }, "must be > 0")
	if err != nil {
		r.warn(key, raw, err)
		return
	}
	*dst = v
}

func (r *configReader) duration(key string, dst *time.Duration, allowZero bool) {
	raw, ok := r.value(key)
	if !ok {
		return
	}
	valid, rule := func(v time.Duration) bool { return v > 0 }, "must be > 0"
	if allowZero {
		valid, rule = func(v time.Duration) bool { return v >= 0 }, "must be >= 0"
	}
	v, err := parseDuration(raw, valid, rule)
	if err != nil {
		r.warn(key, raw, err)
		return
	}
	*dst = v
}

// readConfigFromEnv строит конфигурацию из FUNNEL_* переменных. Настройки
// каталога читает пакет catalog.
func readConfigFromEnv(environ map[string]string) (app.Config, []string) {
	if environ == nil {
		environ = map[string]string{}
	}
	cfg := app.DefaultConfig()
	r := &configReader{lookup: func(key string) (string, bool) {
		value, ok := environ[key]
		return value, ok
	}}

	r.str(envHTTPAddr, &cfg.HTTPAddr)
	r.str(envGRPCAddr, &cfg.GRPCAddr)
	r.str(envMetricsAddr, &cfg.MetricsAddr)

	r.lower(envStorageDriver, &cfg.StorageDriver)
	r.str(envPostgresDSN, &cfg.PostgresDSN)
	r.boolean(envPostgresAutoMigrate, &cfg.PostgresAutoMigrate)

	r.str(envKafkaBrokers, &cfg.KafkaBrokers)
	r.str(envKafkaGroupID, &cfg.KafkaGroupID)

	r.lower(envGatewayDriver, &cfg.GatewayDriver)
	r.str(envGatewayURL, &cfg.GatewayURL)
	r.str(envGatewayAPIKey, &cfg.GatewayAPIKey)
	r.duration(envGatewayTimeout, &cfg.GatewayTimeout, false)
	r.positiveInt(envBreakerMaxFailures, &cfg.BreakerMaxFailures)
	r.duration(envBreakerResetTimeout, &cfg.BreakerResetTimeout, false)
	r.str(envWebhookSecret, &cfg.WebhookSecret)

	settings, err := catalog.ReadSettings(environ)
	if err != nil {
		r.warnings = append(r.warnings, err.Error()+"; using built-in catalog")
	} else {
		cfg.Catalog = settings
	}

	r.duration(envSessionTTL, &cfg.SessionTTL, false)
	r.duration(envPaymentTimeout, &cfg.PaymentTimeout, false)
	r.duration(envReconcileAfter, &cfg.ReconcileAfter, false)
	r.duration(envPollInterval, &cfg.PollInterval, false)
	r.positiveInt(envMaxPaymentAttempts, &cfg.MaxPaymentAttempts)

	r.duration(envOutboxPollInterval, &cfg.OutboxPollInterval, false)
	r.positiveInt(envOutboxBatchSize, &cfg.OutboxBatchSize)
	r.positiveInt(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts)
	r.duration(envOutboxRetryDelay, &cfg.OutboxRetryDelay, true)
	r.duration(envOutboxStaleAfter, &cfg.OutboxStaleAfter, false)

	r.duration(envIdempotencyTTL, &cfg.IdempotencyTTL, false)
	r.duration(envIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval, false)
	r.positiveInt(envIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize)

	r.duration(envSweepInterval, &cfg.SweepInterval, false)
	r.positiveInt(envSweepBatchSize, &cfg.SweepBatchSize)

	if cfg.ReconcileAfter >= cfg.PaymentTimeout {
		r.warnings = append(r.warnings, fmt.Sprintf("%s (%s) should be shorter than %s (%s)",
			envReconcileAfter, cfg.ReconcileAfter, envPaymentTimeout, cfg.PaymentTimeout))
	}
	if cfg.WebhookSecret == "" {
		r.warnings = append(r.warnings, envWebhookSecret+" is empty; payment webhooks will be rejected")
	}
	return cfg, r.warnings
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if !valid(v) {
		return 0, errors.New(rule)
	}
	return v, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if !valid(v) {
		return 0, errors.New(rule)
	}
	return v, nil
}

func main() {
	setupLogger(os.LookupEnv)
	cfg, warnings := readConfigFromEnv(env.ToMap(os.Environ()))
	for _, warning := range warnings {
		log.Warn(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"version":        version.String(),
		"http_addr":      cfg.HTTPAddr,
		"grpc_addr":      cfg.GRPCAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
		"gateway_driver": cfg.GatewayDriver,
		"kafka_enabled":  cfg.KafkaBrokers != "",
	}).Info("запускаем checkout-service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("checkout-service остановлен")
}
