package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
)

// ErrCircuitOpen возвращается, пока breaker не пропускает запросы к шлюзу.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState описывает состояние circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker размыкается после maxFailures подряд и через resetTimeout
// пропускает одну пробную операцию.
type CircuitBreaker struct {
	mu sync.Mutex

	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time

	failures    int
	lastFailure time.Time
	state       CircuitState
	probing     bool

	logger   *log.Entry
	onChange func(CircuitState)
}

// NewCircuitBreaker создаёт новый circuit breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, logger *log.Entry) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = log.WithField("component", "circuit-breaker")
	}

	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
		state:        CircuitClosed,
		logger:       logger,
	}
}

// OnStateChange регистрирует наблюдателя (например, gauge с состоянием).
func (cb *CircuitBreaker) OnStateChange(fn func(CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onChange = fn
}

// State возвращает текущее состояние.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute выполняет fn через breaker. countAsFailure решает, размыкает ли ошибка цепь.
func (cb *CircuitBreaker) Execute(operation string, fn func() error, countAsFailure func(error) bool) error {
	if err := cb.before(operation); err != nil {
		return err
	}

	err := fn()
	cb.after(operation, err != nil && (countAsFailure == nil || countAsFailure(err)))
	return err
}

func (cb *CircuitBreaker) before(operation string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			return ErrCircuitOpen
		}
		cb.setState(CircuitHalfOpen)
		cb.logger.WithField("operation", operation).Info("Circuit breaker half-open")
		cb.probing = true
		return nil
	case CircuitHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	return nil
}

func (cb *CircuitBreaker) after(operation string, failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false
	if failed {
		cb.failures++
		cb.lastFailure = cb.now()
		if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
			if cb.state != CircuitOpen {
				cb.logger.WithFields(log.Fields{
					"operation": operation,
					"failures":  cb.failures,
				}).Warn("Circuit breaker opened")
			}
			cb.setState(CircuitOpen)
		}
		return
	}

	if cb.state == CircuitHalfOpen {
		cb.logger.WithField("operation", operation).Info("Circuit breaker closed")
	}
	cb.failures = 0
	cb.setState(CircuitClosed)
}

func (cb *CircuitBreaker) setState(state CircuitState) {
	if cb.state == state {
		return
	}
	cb.state = state
	if cb.onChange != nil {
		cb.onChange(state)
	}
}

// BreakerGateway защищает PaymentGateway circuit breaker'ом.
// Отказы шлюза по бизнес-причинам (decline, 4xx) цепь не размыкают.
type BreakerGateway struct {
	next    domain.PaymentGateway
	breaker *CircuitBreaker
}

// NewBreakerGateway оборачивает gateway.
func NewBreakerGateway(next domain.PaymentGateway, breaker *CircuitBreaker) *BreakerGateway {
	if breaker == nil {
		breaker = NewCircuitBreaker(0, 0, nil)
	}
	return &BreakerGateway{next: next, breaker: breaker}
}

// Breaker возвращает используемый breaker.
func (g *BreakerGateway) Breaker() *CircuitBreaker {
	return g.breaker
}

func (g *BreakerGateway) Charge(ctx context.Context, req domain.ChargeRequest) (domain.ChargeResult, error) {
	var result domain.ChargeResult
	err := g.breaker.Execute("charge", func() error {
		var callErr error
		result, callErr = g.next.Charge(ctx, req)
		return callErr
	}, domain.IsTemporary)
	return result, wrapOpen(err)
}

func (g *BreakerGateway) GetCharge(ctx context.Context, idempotencyKey string) (domain.ChargeResult, error) {
	var result domain.ChargeResult
	err := g.breaker.Execute("get_charge", func() error {
		var callErr error
		result, callErr = g.next.GetCharge(ctx, idempotencyKey)
		return callErr
	}, domain.IsTemporary)
	return result, wrapOpen(err)
}

func wrapOpen(err error) error {
	if errors.Is(err, ErrCircuitOpen) {
		return fmt.Errorf("%w: %w", domain.ErrPaymentTemporary, err)
	}
	return err
}

var _ domain.PaymentGateway = (*BreakerGateway)(nil)
