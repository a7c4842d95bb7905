// Package funnel ведёт сессию покупателя по шагам воронки: checkout → processing →
// upsell_1 → upsell_2 → success/failure, с асинхронным подтверждением оплаты.
package funnel

import (
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/funnel/internal/catalog"
	"github.com/vladislavdragonenkov/funnel/internal/domain"
	"github.com/vladislavdragonenkov/funnel/internal/metrics"
)

// Config — тайминги и лимиты воронки.
type Config struct {
	// SessionTTL — сколько живёт незавершённая сессия.
	SessionTTL time.Duration
	// PaymentTimeout — после этого срока pending-списание считается отклонённым.
	PaymentTimeout time.Duration
	// ReconcileAfter — через сколько опрашивать шлюз о pending-заказе.
	ReconcileAfter time.Duration
	// PollInterval — рекомендованный интервал опроса статуса браузером.
	PollInterval       time.Duration
	MaxPaymentAttempts int
}

// DefaultConfig возвращает значения по умолчанию.
func DefaultConfig() Config {
	return Config{
		SessionTTL:         2 * time.Hour,
		PaymentTimeout:     30 * time.Minute,
		ReconcileAfter:     20 * time.Second,
		PollInterval:       2 * time.Second,
		MaxPaymentAttempts: 3,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SessionTTL <= 0 {
		c.SessionTTL = def.SessionTTL
	}
	if c.PaymentTimeout <= 0 {
		c.PaymentTimeout = def.PaymentTimeout
	}
	if c.ReconcileAfter <= 0 {
		c.ReconcileAfter = def.ReconcileAfter
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MaxPaymentAttempts <= 0 {
		c.MaxPaymentAttempts = def.MaxPaymentAttempts
	}
	return c
}

// Dependencies — хранилища и внешние системы сервиса.
type Dependencies struct {
	Sessions domain.SessionRepository
	Orders   domain.OrderRepository
	Outbox   domain.OutboxRepository
	Timeline domain.TimelineRepository
	Gateway  domain.PaymentGateway
	Catalog  *catalog.Catalog
}

// Service реализует жизненный цикл сессии и протокол опроса статуса.
type Service struct {
	sessions domain.SessionRepository
	orders   domain.OrderRepository
	outbox   domain.OutboxRepository
	timeline domain.TimelineRepository
	gateway  domain.PaymentGateway
	catalog  *catalog.Catalog

	cfg     Config
	retry   RetryConfig
	logger  *log.Entry
	metrics *metrics.FunnelMetrics
	now     func() time.Time
	newID   func() string
}

// Option настраивает Service.
type Option func(*Service)

// WithConfig задаёт тайминги воронки.
func WithConfig(cfg Config) Option {
	return func(s *Service) { s.cfg = cfg.withDefaults() }
}

// WithRetryConfig задаёт повторы при конфликте версий.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(s *Service) { s.retry = cfg }
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics включает Prometheus-метрики.
func WithMetrics(m *metrics.FunnelMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator подменяет генератор идентификаторов сессий и заказов.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// NewService проверяет зависимости и собирает сервис.
func NewService(deps Dependencies, opts ...Option) (*Service, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errors.New("funnel: session repository is required")
	case deps.Orders == nil:
		return nil, errors.New("funnel: order repository is required")
	case deps.Outbox == nil:
		return nil, errors.New("funnel: outbox repository is required")
	case deps.Gateway == nil:
		return nil, errors.New("funnel: payment gateway is required")
	case deps.Catalog == nil:
		return nil, errors.New("funnel: catalog is required")
	}

	s := &Service{
		sessions: deps.Sessions,
		orders:   deps.Orders,
		outbox:   deps.Outbox,
		timeline: deps.Timeline,
		gateway:  deps.Gateway,
		catalog:  deps.Catalog,
		cfg:      DefaultConfig(),
		retry:    DefaultRetryConfig(),
		logger:   log.WithField("component", "funnel"),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config возвращает действующие тайминги.
func (s *Service) Config() Config {
	return s.cfg
}

// Catalog возвращает каталог предложений.
func (s *Service) Catalog() *catalog.Catalog {
	return s.catalog
}
