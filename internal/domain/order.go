package domain

import "time"

// OrderStatus описывает результат списания по одной позиции воронки.
type OrderStatus string

const (
	// OrderStatusPending — списание отправлено, результат ещё не известен.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusCaptured — деньги списаны.
	OrderStatusCaptured OrderStatus = "captured"
	// OrderStatusDeclined — шлюз отклонил карту.
	OrderStatusDeclined OrderStatus = "declined"
	// OrderStatusFailed — списание не состоялось по техническим причинам.
	OrderStatusFailed OrderStatus = "failed"
)

// Final сообщает, что статус больше не изменится.
func (s OrderStatus) Final() bool {
	return s == OrderStatusCaptured || s == OrderStatusDeclined || s == OrderStatusFailed
}

// Order — попытка списания за основной товар или допредложение.
type Order struct {
	ID        string
	SessionID string
	// Kind — шаг воронки, породивший заказ: processing для основной покупки, upsell_1/upsell_2.
	Kind          Step
	SKU           string
	Qty           int32
	AmountMinor   int64
	Currency      string
	Status        OrderStatus
	ChargeID      string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsMain сообщает, что заказ относится к основной покупке.
func (o *Order) IsMain() bool {
	return o.Kind == StepProcessing
}

// Validate проверяет базовые инварианты заказа.
func (o *Order) Validate() []error {
	var errs []error

	if o.SessionID == "" {
		errs = append(errs, ErrSessionIDRequired)
	}
	if o.SKU == "" {
		errs = append(errs, ErrOfferSKURequired)
	}
	if o.Qty <= 0 {
		errs = append(errs, ErrOfferQtyInvalid)
	}
	if o.AmountMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}
	if o.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}

	return errs
}

// OfferSlot определяет место предложения в воронке.
type OfferSlot string

const (
	OfferSlotMain    OfferSlot = "main"
	OfferSlotUpsell1 OfferSlot = "upsell_1"
	OfferSlotUpsell2 OfferSlot = "upsell_2"
)

// SlotForStep возвращает слот каталога для шага допредложения.
func SlotForStep(step Step) (OfferSlot, bool) {
	switch step {
	case StepUpsell1:
		return OfferSlotUpsell1, true
	case StepUpsell2:
		return OfferSlotUpsell2, true
	default:
		return "", false
	}
}

// Offer — позиция каталога продуктовой линейки.
type Offer struct {
	Slot       OfferSlot `yaml:"slot" json:"slot"`
	SKU        string    `yaml:"sku" json:"sku"`
	Name       string    `yaml:"name" json:"name"`
	Qty        int32     `yaml:"qty" json:"qty"`
	PriceMinor int64     `yaml:"price_minor" json:"price_minor"`
}

// Validate проверяет корректность позиции каталога.
func (o *Offer) Validate() []error {
	var errs []error

	switch o.Slot {
	case OfferSlotMain, OfferSlotUpsell1, OfferSlotUpsell2:
	default:
		errs = append(errs, ErrOfferSlotInvalid)
	}
	if o.SKU == "" {
		errs = append(errs, ErrOfferSKURequired)
	}
	if o.Qty <= 0 {
		errs = append(errs, ErrOfferQtyInvalid)
	}
	if o.PriceMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}

	return errs
}
