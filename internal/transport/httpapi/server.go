// Package httpapi — публичный HTTP API воронки: сессии, checkout, допредложения
// и webhook платёжного шлюза.
package httpapi

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
	"github.com/vladislavdragonenkov/funnel/internal/metrics"
	"github.com/vladislavdragonenkov/funnel/internal/service/funnel"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerSignature      = "X-Signature"
	headerRequestID      = "X-Request-ID"

	defaultIdempotencyTTL = 24 * time.Hour
	maxBodyBytes          = 64 << 10
)

// FunnelService — операции воронки, доступные из HTTP.
type FunnelService interface {
	StartSession(ctx context.Context) (funnel.StatusView, error)
	SubmitCheckout(ctx context.Context, id string, req funnel.CheckoutRequest) (funnel.StatusView, error)
	AcceptUpsell(ctx context.Context, id string, step domain.Step) (funnel.StatusView, error)
	DeclineUpsell(ctx context.Context, id string, step domain.Step) (funnel.StatusView, error)
	PollStatus(ctx context.Context, id string) (funnel.StatusView, error)
	GetSession(ctx context.Context, id string) (funnel.SessionDetails, error)
	HandlePaymentNotification(ctx context.Context, n domain.PaymentNotification) error
}

// OfferSource отдаёт витрину продуктовой линейки.
type OfferSource interface {
	Currency() string
	MainOffers() []domain.Offer
	Upsell(step domain.Step) (domain.Offer, bool)
}

// Config задаёт зависимости и параметры HTTP API.
type Config struct {
	Service     FunnelService
	Offers      OfferSource
	Idempotency domain.IdempotencyRepository
	// WebhookSecret — общий секрет HMAC-подписи уведомлений шлюза.
	WebhookSecret  string
	IdempotencyTTL time.Duration
	Metrics        *metrics.HTTPMetrics
	Logger         *log.Entry
	Now            func() time.Time
}

// Server держит gin-роутер и зависимости обработчиков.
type Server struct {
	router         *gin.Engine
	service        FunnelService
	offers         OfferSource
	idempotency    domain.IdempotencyRepository
	webhookSecret  string
	idempotencyTTL time.Duration
	logger         *log.Entry
	now            func() time.Time
}

// NewServer собирает роутер со всеми маршрутами.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.WithField("component", "http-api")
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(cfg.Logger))
	if cfg.Metrics != nil {
		router.Use(observe(cfg.Metrics))
	}

	s := &Server{
		router:         router,
		service:        cfg.Service,
		offers:         cfg.Offers,
		idempotency:    cfg.Idempotency,
		webhookSecret:  cfg.WebhookSecret,
		idempotencyTTL: cfg.IdempotencyTTL,
		logger:         cfg.Logger,
		now:            cfg.Now,
	}

	api := router.Group("/api")
	{
		api.GET("/offers", s.handleOffers)
		api.POST("/sessions", s.handleStartSession)
		api.GET("/sessions/:id", s.handleGetSession)
		api.GET("/sessions/:id/status", s.handleStatus)
		api.POST("/sessions/:id/checkout", s.idempotent(), s.handleCheckout)
		api.POST("/sessions/:id/upsells/:step/accept", s.idempotent(), s.handleUpsell(true))
		api.POST("/sessions/:id/upsells/:step/decline", s.handleUpsell(false))
	}
	router.POST("/webhooks/payments", s.handlePaymentWebhook)

	return s
}

// Handler возвращает http.Handler для http.Server.
func (s *Server) Handler() *gin.Engine {
	return s.router
}
