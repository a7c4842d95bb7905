package domain

import (
	"net/mail"
	"strings"
	"time"
)

// Step описывает текущий шаг воронки, на котором находится сессия.
type Step string

const (
	// StepCheckout — покупатель заполняет форму оплаты.
	StepCheckout Step = "checkout"
	// StepProcessing — основной платёж отправлен, ждём подтверждения шлюза.
	StepProcessing Step = "processing"
	// StepUpsell1 — первое допредложение.
	StepUpsell1 Step = "upsell_1"
	// StepUpsell2 — второе допредложение.
	StepUpsell2 Step = "upsell_2"
	// StepSuccess — страница благодарности, воронка завершена.
	StepSuccess Step = "success"
	// StepFailure — основной платёж не прошёл, попытки исчерпаны.
	StepFailure Step = "failure"
	// StepExpired — сессия брошена на шаге оформления и истекла.
	StepExpired Step = "expired"
)

// transitions перечисляет допустимые переходы между шагами.
var transitions = map[Step][]Step{
	StepCheckout:   {StepProcessing, StepExpired},
	StepProcessing: {StepCheckout, StepUpsell1, StepUpsell2, StepSuccess, StepFailure},
	StepUpsell1:    {StepUpsell2, StepSuccess},
	StepUpsell2:    {StepSuccess},
}

// Valid проверяет, что шаг относится к поддерживаемым значениям.
func (s Step) Valid() bool {
	switch s {
	case StepCheckout, StepProcessing, StepUpsell1, StepUpsell2, StepSuccess, StepFailure, StepExpired:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что сессия больше не меняет шаг.
func (s Step) Terminal() bool {
	return s == StepSuccess || s == StepFailure || s == StepExpired
}

// IsUpsell сообщает, что шаг является допредложением.
func (s Step) IsUpsell() bool {
	return s == StepUpsell1 || s == StepUpsell2
}

// Path возвращает страницу, которую должен показать браузер на этом шаге.
func (s Step) Path() string {
	switch s {
	case StepCheckout:
		return "/checkout"
	case StepProcessing:
		return "/processing"
	case StepUpsell1:
		return "/upsell-1"
	case StepUpsell2:
		return "/upsell-2"
	case StepSuccess:
		return "/thank-you"
	case StepFailure:
		return "/failure"
	case StepExpired:
		return "/expired"
	default:
		return "/checkout"
	}
}

// CanTransition проверяет, разрешён ли переход from → to.
func CanTransition(from, to Step) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SyncStatus отражает состояние синхронизации с внешним workflow (CRM, фулфилмент).
type SyncStatus string

const (
	SyncStatusNone    SyncStatus = "none"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusFailed  SyncStatus = "failed"
)

// Address — адрес доставки покупателя.
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// Customer — контактные данные, собранные на шаге checkout.
type Customer struct {
	Email     string  `json:"email"`
	FirstName string  `json:"first_name"`
	LastName  string  `json:"last_name"`
	Phone     string  `json:"phone,omitempty"`
	Address   Address `json:"address"`
}

// Validate проверяет обязательные поля покупателя и возвращает список замечаний.
func (c *Customer) Validate() []error {
	var errs []error

	if _, err := mail.ParseAddress(strings.TrimSpace(c.Email)); err != nil {
		errs = append(errs, ErrCustomerEmailInvalid)
	}
	if strings.TrimSpace(c.FirstName) == "" || strings.TrimSpace(c.LastName) == "" {
		errs = append(errs, ErrCustomerNameRequired)
	}
	if strings.TrimSpace(c.Address.Line1) == "" ||
		strings.TrimSpace(c.Address.City) == "" ||
		strings.TrimSpace(c.Address.PostalCode) == "" {
		errs = append(errs, ErrAddressIncomplete)
	}
	if len(strings.TrimSpace(c.Address.Country)) != 2 {
		errs = append(errs, ErrAddressCountryInvalid)
	}

	return errs
}

// Session хранит состояние одного прохода покупателя по воронке.
type Session struct {
	ID       string
	Step     Step
	Currency string
	MainSKU  string
	Customer Customer
	// PaymentMethodID — многоразовый идентификатор карты у шлюза; токен формы не сохраняется.
	PaymentMethodID string
	PendingOrderID  string
	PaymentAttempts int
	LastError       string
	CRMSync         SyncStatus
	FulfillmentSync SyncStatus
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
	CompletedAt     time.Time
}

// Expired сообщает, истёк ли срок жизни сессии к моменту now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}
