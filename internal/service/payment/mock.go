package payment

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
)

// MockGateway — конфигурируемый in-process платёжный шлюз для разработки и тестов.
// Повторный Charge с тем же ключом возвращает ранее сохранённый результат.
type MockGateway struct {
	mu sync.Mutex

	// Status — результат новых списаний (по умолчанию captured).
	Status        domain.PaymentStatus
	DeclineReason string
	// Err возвращается вместо результата, не запоминая списание.
	Err error
	// OmitPaymentMethod отключает выдачу многоразового способа оплаты.
	OmitPaymentMethod bool

	ChargeCalls    int
	GetChargeCalls int

	charges  map[string]domain.ChargeResult
	requests map[string]domain.ChargeRequest
}

// NewMockGateway возвращает mock с успешным сценарием по умолчанию.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		Status:   domain.PaymentStatusCaptured,
		charges:  make(map[string]domain.ChargeResult),
		requests: make(map[string]domain.ChargeRequest),
	}
}

// Charge выполняет списание согласно настройкам mock.
func (m *MockGateway) Charge(_ context.Context, req domain.ChargeRequest) (domain.ChargeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ChargeCalls++
	if m.Err != nil {
		return domain.ChargeResult{}, m.Err
	}
	if existing, ok := m.charges[req.IdempotencyKey]; ok {
		return existing, nil
	}
	if strings.TrimSpace(req.Token) == "" && strings.TrimSpace(req.PaymentMethodID) == "" {
		return domain.ChargeResult{}, domain.ErrPaymentTokenRequired
	}

	result := domain.ChargeResult{
		ChargeID: "ch_" + uuid.NewString(),
		Status:   m.Status,
	}
	switch {
	case req.PaymentMethodID != "":
		result.PaymentMethodID = req.PaymentMethodID
	case !m.OmitPaymentMethod:
		result.PaymentMethodID = "pm_" + uuid.NewString()
	}
	if result.Status == domain.PaymentStatusDeclined {
		result.DeclineReason = m.DeclineReason
		if result.DeclineReason == "" {
			result.DeclineReason = "card declined"
		}
	}

	m.charges[req.IdempotencyKey] = result
	m.requests[req.IdempotencyKey] = req
	return result, nil
}

// GetCharge возвращает сохранённое списание или ErrChargeNotFound.
func (m *MockGateway) GetCharge(_ context.Context, idempotencyKey string) (domain.ChargeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GetChargeCalls++
	result, ok := m.charges[idempotencyKey]
	if !ok {
		return domain.ChargeResult{}, domain.ErrChargeNotFound
	}
	return result, nil
}

// Settle меняет статус уже созданного списания, имитируя асинхронное подтверждение.
func (m *MockGateway) Settle(idempotencyKey string, status domain.PaymentStatus, declineReason string) (domain.ChargeResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result, ok := m.charges[idempotencyKey]
	if !ok {
		return domain.ChargeResult{}, false
	}
	result.Status = status
	result.DeclineReason = declineReason
	m.charges[idempotencyKey] = result
	return result, true
}

// Request возвращает запрос, с которым было создано списание.
func (m *MockGateway) Request(idempotencyKey string) (domain.ChargeRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[idempotencyKey]
	return req, ok
}

// Configure атомарно меняет сценарий для последующих списаний.
func (m *MockGateway) Configure(status domain.PaymentStatus, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Status = status
	m.Err = err
}

var _ domain.PaymentGateway = (*MockGateway)(nil)
