package app

import (
	"time"

	"github.com/vladislavdragonenkov/funnel/internal/catalog"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"

	GatewayDriverMock = "mock"
	GatewayDriverHTTP = "http"
)

// Config описывает настройки запуска сервиса воронки. Структура сравнимая:
// только значения, без указателей и срезов.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	// KafkaBrokers — список брокеров через запятую; пусто значит без Kafka.
	KafkaBrokers string
	KafkaGroupID string

	GatewayDriver       string
	GatewayURL          string
	GatewayAPIKey       string
	GatewayTimeout      time.Duration
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	WebhookSecret       string

	Catalog catalog.Settings

	SessionTTL         time.Duration
	PaymentTimeout     time.Duration
	ReconcileAfter     time.Duration
	PollInterval       time.Duration
	MaxPaymentAttempts int

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	// OutboxStaleAfter — возраст backlog, после которого /healthz отвечает degraded.
	OutboxStaleAfter time.Duration

	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	SweepInterval  time.Duration
	SweepBatchSize int
}

// DefaultConfig возвращает конфигурацию для локального запуска: память, mock-шлюз, без Kafka.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		KafkaGroupID: "funnel-service",

		GatewayDriver:       GatewayDriverMock,
		GatewayTimeout:      10 * time.Second,
		BreakerMaxFailures:  5,
		BreakerResetTimeout: 30 * time.Second,

		SessionTTL:         2 * time.Hour,
		PaymentTimeout:     30 * time.Minute,
		ReconcileAfter:     20 * time.Second,
		PollInterval:       2 * time.Second,
		MaxPaymentAttempts: 3,

		OutboxPollInterval: 500 * time.Millisecond,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   50 * time.Millisecond,
		OutboxStaleAfter:   time.Minute,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,

		SweepInterval:  15 * time.Second,
		SweepBatchSize: 200,
	}
}
