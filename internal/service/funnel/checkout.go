package funnel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
	"github.com/vladislavdragonenkov/funnel/internal/messaging/kafka"
)

const (
	reasonDeclined           = "payment declined"
	reasonPaymentNotReceived = "payment not received"
	reasonPaymentTimedOut    = "payment confirmation timed out"
	reasonSuperseded         = "superseded by concurrent checkout"
)

// CheckoutRequest — данные формы checkout. Токен карты одноразовый и не сохраняется.
type CheckoutRequest struct {
	SKU          string
	Customer     domain.Customer
	PaymentToken string
}

func (r CheckoutRequest) validate() error {
	errs := r.Customer.Validate()
	if strings.TrimSpace(r.SKU) == "" {
		errs = append(errs, domain.ErrOfferSKURequired)
	}
	if strings.TrimSpace(r.PaymentToken) == "" {
		errs = append(errs, domain.ErrPaymentTokenRequired)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrInvalidInput, errors.Join(errs...))
	}
	return nil
}

// outcome — окончательный результат списания.
type outcome struct {
	status          domain.OrderStatus
	chargeID        string
	paymentMethodID string
	reason          string
}

// outcomeFromResult возвращает false для результата, который ещё pending.
func outcomeFromResult(res domain.ChargeResult) (outcome, bool) {
	switch res.Status {
	case domain.PaymentStatusCaptured:
		return outcome{
			status:          domain.OrderStatusCaptured,
			chargeID:        res.ChargeID,
			paymentMethodID: res.PaymentMethodID,
		}, true
	case domain.PaymentStatusDeclined:
		reason := res.DeclineReason
		if reason == "" {
			reason = reasonDeclined
		}
		return outcome{status: domain.OrderStatusDeclined, chargeID: res.ChargeID, reason: reason}, true
	default:
		return outcome{}, false
	}
}

// StartSession открывает новую сессию на шаге checkout.
func (s *Service) StartSession(ctx context.Context) (StatusView, error) {
	now := s.now()
	session := domain.Session{
		ID:              s.newID(),
		Step:            domain.StepCheckout,
		Currency:        s.catalog.Currency(),
		CRMSync:         domain.SyncStatusNone,
		FulfillmentSync: domain.SyncStatusNone,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(s.cfg.SessionTTL),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return StatusView{}, fmt.Errorf("create session: %w", err)
	}

	s.publish(ctx, session.ID, string(kafka.EventTypeSessionStarted), "", now, map[string]any{
		"step":       session.Step,
		"expires_at": session.ExpiresAt.Format(time.RFC3339Nano),
	}, false)
	if s.metrics != nil {
		s.metrics.RecordSessionStarted()
	}
	s.logger.WithField("session_id", session.ID).Info("session started")

	return s.statusView(ctx, session)
}

// SubmitCheckout принимает форму, переводит сессию в processing и списывает
// основную покупку. Повторная отправка во время processing возвращает текущий статус.
func (s *Service) SubmitCheckout(ctx context.Context, id string, req CheckoutRequest) (StatusView, error) {
	if strings.TrimSpace(id) == "" {
		return StatusView{}, fmt.Errorf("%w: %w", domain.ErrInvalidInput, domain.ErrSessionIDRequired)
	}
	if err := req.validate(); err != nil {
		return StatusView{}, err
	}
	offer, err := s.catalog.MainOffer(req.SKU)
	if err != nil {
		return StatusView{}, err
	}

	current, err := s.sessions.Get(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	switch {
	case current.Step == domain.StepProcessing:
		return s.statusView(ctx, current)
	case current.Step.Terminal():
		return StatusView{}, domain.ErrSessionClosed
	case current.Step != domain.StepCheckout:
		return StatusView{}, domain.ErrStepMismatch
	case current.PaymentAttempts >= s.cfg.MaxPaymentAttempts:
		return StatusView{}, domain.ErrPaymentAttemptsExceeded
	}
	if current.Expired(s.now()) {
		if _, _, err := s.expire(ctx, id, false); err != nil {
			s.logger.WithError(err).WithField("session_id", id).Warn("inline expiry failed")
		}
		return StatusView{}, domain.ErrSessionClosed
	}

	currency := current.Currency
	if currency == "" {
		currency = s.catalog.Currency()
	}
	now := s.now()
	order := domain.Order{
		ID:          s.newID(),
		SessionID:   id,
		Kind:        domain.StepProcessing,
		SKU:         offer.SKU,
		Qty:         offer.Qty,
		AmountMinor: offer.PriceMinor,
		Currency:    currency,
		Status:      domain.OrderStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.orders.Create(ctx, order); err != nil {
		return StatusView{}, fmt.Errorf("create order: %w", err)
	}

	session, events, err := s.mutate(ctx, id, func(sess *domain.Session, now time.Time) ([]event, error) {
		switch {
		case sess.Step == domain.StepProcessing:
			return nil, errNoChange
		case sess.Step.Terminal():
			return nil, domain.ErrSessionClosed
		case sess.Step != domain.StepCheckout:
			return nil, domain.ErrStepMismatch
		case sess.PaymentAttempts >= s.cfg.MaxPaymentAttempts:
			return nil, domain.ErrPaymentAttemptsExceeded
		}
		sess.Customer = req.Customer
		sess.MainSKU = offer.SKU
		sess.PendingOrderID = order.ID
		sess.PaymentAttempts++
		sess.LastError = ""
		return advance(sess, domain.StepProcessing, now)
	})
	if err != nil || events == nil {
		// Сессию успел перевести параллельный запрос: заказ больше не нужен.
		s.abandonOrder(ctx, order.ID)
		if err != nil {
			return StatusView{}, err
		}
		return s.statusView(ctx, session)
	}
	s.emit(ctx, session, events)

	result, err := s.charge(ctx, order, domain.ChargeRequest{
		IdempotencyKey: order.ID,
		Token:          req.PaymentToken,
		AmountMinor:    order.AmountMinor,
		Currency:       order.Currency,
		Description:    offer.Name,
		CustomerEmail:  req.Customer.Email,
	})
	if err != nil {
		if outcomeUnknown(err) {
			s.logger.WithError(err).WithFields(log.Fields{
				"session_id": id,
				"order_id":   order.ID,
			}).Warn("charge outcome unknown, order left pending for reconciliation")
			return s.statusView(ctx, session)
		}
		// Постоянная ошибка шлюза засчитывается как неудачная попытка.
		if err := s.applyOutcome(ctx, order, outcome{status: domain.OrderStatusFailed, reason: err.Error()}); err != nil {
			return StatusView{}, err
		}
		return s.currentView(ctx, id)
	}

	if err := s.applyChargeResult(ctx, order, result); err != nil {
		return StatusView{}, err
	}
	return s.currentView(ctx, id)
}

// charge вызывает шлюз и пишет метрику исхода. Списание не отменяется вместе
// с запросом клиента: шлюз мог уже принять деньги.
func (s *Service) charge(ctx context.Context, order domain.Order, req domain.ChargeRequest) (domain.ChargeResult, error) {
	started := time.Now()
	res, err := s.gateway.Charge(context.WithoutCancel(ctx), req)

	if s.metrics != nil {
		status := string(res.Status)
		switch {
		case outcomeUnknown(err):
			status = "temporary_error"
		case err != nil:
			status = "error"
		}
		s.metrics.RecordCharge(string(order.Kind), status, time.Since(started))
	}
	return res, err
}

// outcomeUnknown сообщает, что шлюз мог принять списание: такой заказ остаётся
// pending до сверки.
func outcomeUnknown(err error) bool {
	return domain.IsTemporary(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// applyChargeResult применяет ответ шлюза к заказу: pending только запоминает
// charge ID, окончательный результат закрывает заказ ровно один раз.
func (s *Service) applyChargeResult(ctx context.Context, order domain.Order, res domain.ChargeResult) error {
	out, final := outcomeFromResult(res)
	if !final {
		if res.ChargeID == "" || res.ChargeID == order.ChargeID {
			return nil
		}
		if err := s.orders.AttachCharge(ctx, order.ID, res.ChargeID); err != nil && !errors.Is(err, domain.ErrOrderNotPending) {
			return fmt.Errorf("attach charge: %w", err)
		}
		return nil
	}
	return s.applyOutcome(ctx, order, out)
}

func (s *Service) applyOutcome(ctx context.Context, order domain.Order, out outcome) error {
	resolved, err := s.orders.Resolve(ctx, order.ID, out.status, out.chargeID, out.reason)
	if errors.Is(err, domain.ErrOrderNotPending) {
		// Заказ уже закрыт, но сессия могла не сохраниться после этого.
		current, getErr := s.orders.Get(ctx, order.ID)
		if getErr != nil {
			return fmt.Errorf("load resolved order: %w", getErr)
		}
		return s.resumeSettlement(ctx, current)
	}
	if err != nil {
		return fmt.Errorf("resolve order: %w", err)
	}

	s.logger.WithFields(log.Fields{
		"session_id": resolved.SessionID,
		"order_id":   resolved.ID,
		"kind":       resolved.Kind,
		"status":     resolved.Status,
	}).Info("order resolved")
	s.publishOrderEvent(ctx, resolved)

	// Результат допредложения не двигает сессию.
	if !resolved.IsMain() {
		return nil
	}
	return s.settleMainOrder(ctx, resolved.SessionID, resolved.ID, out)
}

// settleMainOrder выводит сессию из processing по результату основной покупки.
func (s *Service) settleMainOrder(ctx context.Context, sessionID, orderID string, out outcome) error {
	session, events, err := s.mutate(ctx, sessionID, func(sess *domain.Session, now time.Time) ([]event, error) {
		if sess.Step != domain.StepProcessing || sess.PendingOrderID != orderID {
			return nil, errNoChange
		}
		sess.PendingOrderID = ""

		if out.status == domain.OrderStatusCaptured {
			if out.paymentMethodID != "" {
				sess.PaymentMethodID = out.paymentMethodID
			}
			sess.LastError = ""
			return advance(sess, s.nextStep(domain.StepProcessing, *sess), now)
		}

		sess.LastError = out.reason
		if sess.LastError == "" {
			sess.LastError = reasonDeclined
		}
		if sess.PaymentAttempts >= s.cfg.MaxPaymentAttempts {
			return advance(sess, domain.StepFailure, now)
		}
		return advance(sess, domain.StepCheckout, now)
	})
	if err != nil {
		return fmt.Errorf("settle session %s: %w", sessionID, err)
	}
	s.emit(ctx, session, events)
	return nil
}

// resumeSettlement доводит сессию, оставшуюся в processing на уже закрытом
// основном заказе: заказ закрыли, а сохранение сессии не прошло.
func (s *Service) resumeSettlement(ctx context.Context, order domain.Order) error {
	if !order.IsMain() || !order.Status.Final() {
		return nil
	}
	session, err := s.sessions.Get(ctx, order.SessionID)
	if err != nil {
		return err
	}
	if session.Step != domain.StepProcessing || session.PendingOrderID != order.ID {
		return nil
	}

	out := outcome{status: order.Status, chargeID: order.ChargeID, reason: order.FailureReason}
	if order.Status == domain.OrderStatusCaptured {
		// Способ оплаты в заказе не хранится; без него допредложения будут пропущены.
		if res, err := s.gateway.GetCharge(ctx, order.ID); err == nil {
			out.paymentMethodID = res.PaymentMethodID
		} else {
			s.logger.WithError(err).WithField("order_id", order.ID).Debug("payment method lookup failed")
		}
	}

	s.logger.WithFields(log.Fields{
		"session_id": session.ID,
		"order_id":   order.ID,
		"status":     order.Status,
	}).Warn("resuming settlement of resolved order")
	return s.settleMainOrder(ctx, session.ID, order.ID, out)
}

// abandonOrder закрывает заказ, который так и не был отправлен в шлюз.
func (s *Service) abandonOrder(ctx context.Context, orderID string) {
	if _, err := s.orders.Resolve(ctx, orderID, domain.OrderStatusFailed, "", reasonSuperseded); err != nil &&
		!errors.Is(err, domain.ErrOrderNotPending) {
		s.logger.WithError(err).WithField("order_id", orderID).Warn("abandon order failed")
	}
}

// nextStep выбирает следующий шаг после from, пропуская допредложения без
// предложения в каталоге. Без сохранённого способа оплаты допредложения пропускаются.
func (s *Service) nextStep(from domain.Step, session domain.Session) domain.Step {
	var candidates []domain.Step
	switch from {
	case domain.StepProcessing:
		candidates = []domain.Step{domain.StepUpsell1, domain.StepUpsell2}
	case domain.StepUpsell1:
		candidates = []domain.Step{domain.StepUpsell2}
	}
	if session.PaymentMethodID != "" {
		for _, step := range candidates {
			if _, ok := s.catalog.Upsell(step); ok {
				return step
			}
		}
	}
	return domain.StepSuccess
}
