package domain

import "context"

// PaymentStatus описывает состояние списания у платёжного шлюза.
type PaymentStatus string

const (
	// PaymentStatusPending — шлюз принял списание, подтверждение придёт асинхронно.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusCaptured — деньги списаны.
	PaymentStatusCaptured PaymentStatus = "captured"
	// PaymentStatusDeclined — шлюз отклонил платёж.
	PaymentStatusDeclined PaymentStatus = "declined"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusCaptured, PaymentStatusDeclined:
		return true
	default:
		return false
	}
}

// ChargeRequest — запрос на списание. Нужен либо одноразовый Token, либо PaymentMethodID.
type ChargeRequest struct {
	// IdempotencyKey совпадает с ID заказа: повтор запроса не приводит к двойному списанию.
	IdempotencyKey  string
	Token           string
	PaymentMethodID string
	AmountMinor     int64
	Currency        string
	Description     string
	CustomerEmail   string
}

// ChargeResult — ответ шлюза по списанию.
type ChargeResult struct {
	ChargeID        string
	Status          PaymentStatus
	PaymentMethodID string
	DeclineReason   string
}

// PaymentNotification — асинхронное уведомление шлюза (webhook) о результате списания.
type PaymentNotification struct {
	ChargeID        string        `json:"charge_id"`
	IdempotencyKey  string        `json:"idempotency_key"`
	Status          PaymentStatus `json:"status"`
	PaymentMethodID string        `json:"payment_method_id,omitempty"`
	DeclineReason   string        `json:"decline_reason,omitempty"`
}

// Result приводит уведомление к общему виду ответа шлюза.
func (n PaymentNotification) Result() ChargeResult {
	return ChargeResult{
		ChargeID:        n.ChargeID,
		Status:          n.Status,
		PaymentMethodID: n.PaymentMethodID,
		DeclineReason:   n.DeclineReason,
	}
}

// PaymentGateway описывает взаимодействие с внешним платёжным шлюзом.
type PaymentGateway interface {
	// Charge списывает деньги по токену или сохранённому способу оплаты.
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	// GetCharge возвращает текущее состояние списания по ключу идемпотентности.
	GetCharge(ctx context.Context, idempotencyKey string) (ChargeResult, error)
}
