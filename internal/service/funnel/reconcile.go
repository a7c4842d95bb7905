package funnel

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
)

// HandlePaymentNotification применяет асинхронное уведомление шлюза.
// Для уже закрытого заказа ничего не делает.
func (s *Service) HandlePaymentNotification(ctx context.Context, n domain.PaymentNotification) error {
	if n.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency_key is required", domain.ErrInvalidInput)
	}
	if !n.Status.Valid() {
		return fmt.Errorf("%w: unknown payment status %q", domain.ErrInvalidInput, n.Status)
	}

	order, err := s.orders.Get(ctx, n.IdempotencyKey)
	if err != nil {
		return err
	}
	if order.Status.Final() {
		s.logger.WithFields(log.Fields{
			"order_id": order.ID,
			"status":   order.Status,
		}).Debug("notification for resolved order ignored")
		return s.resumeSettlement(ctx, order)
	}
	return s.applyChargeResult(ctx, order, n.Result())
}

// ReconcileOrder сверяет pending-заказ со шлюзом. Списание, которого шлюз не
// знает спустя ReconcileAfter, и списание, не подтверждённое за PaymentTimeout,
// считаются отклонёнными.
func (s *Service) ReconcileOrder(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Status.Final() {
		return order, s.resumeSettlement(ctx, order)
	}

	age := s.now().Sub(order.CreatedAt)
	res, err := s.gateway.GetCharge(ctx, orderID)

	var out outcome
	switch {
	case errors.Is(err, domain.ErrChargeNotFound):
		if age < s.cfg.ReconcileAfter {
			return order, nil
		}
		out = outcome{status: domain.OrderStatusDeclined, reason: reasonPaymentNotReceived}
	case err != nil:
		s.recordReconciliation("error")
		return order, fmt.Errorf("reconcile order %s: %w", orderID, err)
	default:
		var final bool
		out, final = outcomeFromResult(res)
		if !final {
			if err := s.applyChargeResult(ctx, order, res); err != nil {
				return order, err
			}
			if age < s.cfg.PaymentTimeout {
				s.recordReconciliation("pending")
				return s.orders.Get(ctx, orderID)
			}
			out = outcome{status: domain.OrderStatusDeclined, chargeID: res.ChargeID, reason: reasonPaymentTimedOut}
		}
	}

	if err := s.applyOutcome(ctx, order, out); err != nil {
		return order, err
	}
	s.recordReconciliation(string(out.status))
	s.logger.WithFields(log.Fields{
		"order_id": orderID,
		"status":   out.status,
		"reason":   out.reason,
	}).Info("order reconciled")
	return s.orders.Get(ctx, orderID)
}

// ReconcilePending сверяет pending-заказы старше ReconcileAfter.
// Возвращает число заказов, получивших окончательный статус.
func (s *Service) ReconcilePending(ctx context.Context, limit int) (int, error) {
	pending, err := s.orders.ListPending(ctx, s.now().Add(-s.cfg.ReconcileAfter), limit)
	if err != nil {
		return 0, fmt.Errorf("list pending orders: %w", err)
	}

	resolved := 0
	for _, order := range pending {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		updated, err := s.ReconcileOrder(ctx, order.ID)
		if err != nil {
			s.logger.WithError(err).WithField("order_id", order.ID).Warn("reconcile order failed")
			continue
		}
		if updated.Status.Final() {
			resolved++
		}
	}
	return resolved, nil
}

// ReconcileSession сверяет все pending-заказы сессии и возвращает её статус.
func (s *Service) ReconcileSession(ctx context.Context, id string) (StatusView, error) {
	session, err := s.sessions.Get(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	orders, err := s.orders.ListBySession(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	for _, order := range orders {
		if order.Status != domain.OrderStatusPending {
			continue
		}
		if _, err := s.ReconcileOrder(ctx, order.ID); err != nil {
			return StatusView{}, err
		}
	}
	if session.Step == domain.StepProcessing && session.PendingOrderID != "" {
		if err := s.advanceProcessing(ctx, session, false); err != nil {
			return StatusView{}, err
		}
	}
	return s.currentView(ctx, id)
}

// advanceProcessing выводит из processing сессию, чей основной заказ потерян
// или уже закрыт. С reconcile ещё и сверяет висящий дольше ReconcileAfter заказ.
func (s *Service) advanceProcessing(ctx context.Context, session domain.Session, reconcile bool) error {
	order, err := s.orders.Get(ctx, session.PendingOrderID)
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		return s.releaseOrphan(ctx, session)
	case err != nil:
		return err
	case order.Status.Final():
		return s.resumeSettlement(ctx, order)
	case !reconcile || s.now().Sub(session.UpdatedAt) < s.cfg.ReconcileAfter:
		return nil
	}
	_, err = s.ReconcileOrder(ctx, order.ID)
	return err
}

// releaseOrphan возвращает на checkout сессию, чей pending-заказ не сохранился.
func (s *Service) releaseOrphan(ctx context.Context, session domain.Session) error {
	if s.now().Sub(session.UpdatedAt) < s.cfg.ReconcileAfter {
		return nil
	}
	return s.settleMainOrder(ctx, session.ID, session.PendingOrderID, outcome{
		status: domain.OrderStatusFailed,
		reason: reasonPaymentNotReceived,
	})
}

// ExpireStale закрывает сессии с истёкшим сроком. checkout → expired,
// допредложения → success (основная покупка уже оплачена). processing ждёт
// сверки, но сессию на закрытом или потерянном заказе sweep доводит сам.
func (s *Service) ExpireStale(ctx context.Context, limit int) (int, error) {
	stale, err := s.sessions.ListExpiring(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list expiring sessions: %w", err)
	}

	expired := 0
	for _, session := range stale {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		if session.Step == domain.StepProcessing && session.PendingOrderID != "" {
			if err := s.advanceProcessing(ctx, session, false); err != nil {
				s.logger.WithError(err).WithField("session_id", session.ID).Warn("settle stuck session failed")
			}
			continue
		}
		_, changed, err := s.expire(ctx, session.ID, false)
		if err != nil {
			s.logger.WithError(err).WithField("session_id", session.ID).Warn("expire session failed")
			continue
		}
		if changed {
			expired++
		}
	}
	return expired, nil
}

// ExpireSession принудительно закрывает сессию независимо от ExpiresAt.
func (s *Service) ExpireSession(ctx context.Context, id string) (StatusView, error) {
	session, _, err := s.expire(ctx, id, true)
	if err != nil {
		return StatusView{}, err
	}
	return s.statusView(ctx, session)
}

func (s *Service) expire(ctx context.Context, id string, force bool) (domain.Session, bool, error) {
	session, events, err := s.mutate(ctx, id, func(sess *domain.Session, now time.Time) ([]event, error) {
		if sess.Step.Terminal() || (!force && !sess.Expired(now)) {
			return nil, errNoChange
		}
		switch {
		case sess.Step == domain.StepCheckout:
			return advance(sess, domain.StepExpired, now)
		case sess.Step.IsUpsell():
			return advance(sess, domain.StepSuccess, now)
		default:
			return nil, errNoChange
		}
	})
	if err != nil {
		return session, false, err
	}
	s.emit(ctx, session, events)
	return session, events != nil, nil
}

func (s *Service) recordReconciliation(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordReconciliation(outcome)
	}
}
