package domain

import "errors"

var (
	// Ошибка некорректного email покупателя.
	ErrCustomerEmailInvalid = errors.New("customer email is invalid")
	// Ошибка отсутствующего имени или фамилии.
	ErrCustomerNameRequired = errors.New("customer first and last name are required")
	// Ошибка неполного адреса доставки.
	ErrAddressIncomplete = errors.New("shipping address line1, city and postal_code are required")
	// Ошибка кода страны (ожидается ISO 3166-1 alpha-2).
	ErrAddressCountryInvalid = errors.New("shipping country must be a 2-letter code")
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// Ошибка отрицательной суммы.
	ErrAmountNegative = errors.New("amount_minor must be non-negative")
	// Ошибка отсутствующего идентификатора сессии.
	ErrSessionIDRequired = errors.New("session_id is required")
	// Ошибка отсутствующего SKU.
	ErrOfferSKURequired = errors.New("offer sku is required")
	// Ошибка некорректного количества.
	ErrOfferQtyInvalid = errors.New("offer qty must be greater than zero")
	// Ошибка неизвестного слота каталога.
	ErrOfferSlotInvalid = errors.New("offer slot must be main, upsell_1 or upsell_2")
	// Ошибка отсутствующего платёжного токена.
	ErrPaymentTokenRequired = errors.New("payment token is required")

	// ErrInvalidInput оборачивает ошибки валидации входных данных.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnknownOffer — SKU отсутствует в каталоге для запрошенного шага.
	ErrUnknownOffer = errors.New("unknown offer")
	// ErrSessionNotFound возвращается, если сессия не найдена.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionVersionConflict сигнализирует о конфликте версий при сохранении сессии.
	ErrSessionVersionConflict = errors.New("session version conflict")
	// ErrSessionClosed — сессия уже в конечном шаге.
	ErrSessionClosed = errors.New("session is closed")
	// ErrStepMismatch — операция не соответствует текущему шагу сессии.
	ErrStepMismatch = errors.New("operation does not match current funnel step")
	// ErrInvalidTransition — переход между шагами запрещён.
	ErrInvalidTransition = errors.New("invalid funnel step transition")
	// ErrPaymentAttemptsExceeded — исчерпан лимит попыток основной оплаты.
	ErrPaymentAttemptsExceeded = errors.New("payment attempts exceeded")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderNotPending — заказ уже получил окончательный статус.
	ErrOrderNotPending = errors.New("order is not pending")
	// ErrOrderAlreadyExists — заказ с таким ID уже сохранён.
	ErrOrderAlreadyExists = errors.New("order already exists")
	// ErrPaymentDeclined — платёж отклонён шлюзом (бизнес-ошибка).
	ErrPaymentDeclined = errors.New("payment declined")
	// ErrPaymentTemporary — временная ошибка платёжного шлюза, можно повторить.
	ErrPaymentTemporary = errors.New("payment gateway temporary error")
	// ErrChargeNotFound — шлюз не знает списания с таким ключом.
	ErrChargeNotFound = errors.New("charge not found")
	// ErrPaymentMethodMissing — у сессии нет сохранённого способа оплаты для допредложения.
	ErrPaymentMethodMissing = errors.New("stored payment method is missing")
	// ErrSignatureInvalid — подпись webhook не совпала.
	ErrSignatureInvalid = errors.New("webhook signature is invalid")
	// ErrUnknownWorkflow — результат пришёл от неизвестного workflow.
	ErrUnknownWorkflow = errors.New("unknown workflow")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrSessionVersionConflict)
}

// IsTemporary проверяет, можно ли повторить операцию позже.
func IsTemporary(err error) bool {
	return errors.Is(err, ErrPaymentTemporary)
}
