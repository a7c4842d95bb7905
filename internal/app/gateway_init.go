package app

import (
	"fmt"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
	"github.com/vladislavdragonenkov/funnel/internal/metrics"
	"github.com/vladislavdragonenkov/funnel/internal/service/payment"
)

// initGateway создаёт клиент платёжного шлюза. HTTP-клиент всегда за circuit breaker.
func initGateway(cfg Config, funnelMetrics *metrics.FunnelMetrics, logger *log.Entry) (domain.PaymentGateway, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.GatewayDriver)) {
	case "", GatewayDriverMock:
		logger.Warn("using mock payment gateway, every charge is captured")
		return payment.NewMockGateway(), nil
	case GatewayDriverHTTP:
		gw, err := payment.NewHTTPGateway(cfg.GatewayURL, cfg.GatewayAPIKey,
			payment.WithHTTPClient(&http.Client{Timeout: cfg.GatewayTimeout}),
			payment.WithGatewayLogger(logger.WithField("layer", "payment")),
		)
		if err != nil {
			return nil, fmt.Errorf("create payment gateway: %w", err)
		}
		breaker := payment.NewCircuitBreaker(cfg.BreakerMaxFailures, cfg.BreakerResetTimeout, logger.WithField("layer", "payment-breaker"))
		if funnelMetrics != nil {
			breaker.OnStateChange(func(state payment.CircuitState) {
				funnelMetrics.SetGatewayCircuitState(int(state))
			})
		}
		logger.WithField("base_url", cfg.GatewayURL).Info("payment gateway client initialized")
		return payment.NewBreakerGateway(gw, breaker), nil
	default:
		return nil, fmt.Errorf("unsupported payment gateway driver %q", cfg.GatewayDriver)
	}
}
