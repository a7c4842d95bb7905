package funnel

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
	"github.com/vladislavdragonenkov/funnel/internal/messaging/kafka"
)

// stepRank задаёт порядок шагов для распознавания повторного клика.
func stepRank(step domain.Step) int {
	switch step {
	case domain.StepCheckout:
		return 0
	case domain.StepProcessing:
		return 1
	case domain.StepUpsell1:
		return 2
	case domain.StepUpsell2:
		return 3
	case domain.StepSuccess:
		return 4
	default:
		return -1
	}
}

// AcceptUpsell принимает допредложение шага step и списывает его сохранённым
// способом оплаты. Сессия продвигается до списания, поэтому двойной клик
// не приводит к двойному списанию.
func (s *Service) AcceptUpsell(ctx context.Context, id string, step domain.Step) (StatusView, error) {
	return s.decideUpsell(ctx, id, step, true)
}

// DeclineUpsell отказывается от допредложения шага step.
func (s *Service) DeclineUpsell(ctx context.Context, id string, step domain.Step) (StatusView, error) {
	return s.decideUpsell(ctx, id, step, false)
}

func (s *Service) decideUpsell(ctx context.Context, id string, step domain.Step, accept bool) (StatusView, error) {
	if !step.IsUpsell() {
		return StatusView{}, fmt.Errorf("%w: %q is not an upsell step", domain.ErrInvalidInput, step)
	}

	kind, decision := kafka.EventTypeUpsellDeclined, "declined"
	if accept {
		kind, decision = kafka.EventTypeUpsellAccepted, "accepted"
	}

	var offer domain.Offer
	session, events, err := s.mutate(ctx, id, func(sess *domain.Session, now time.Time) ([]event, error) {
		if sess.Step != step {
			switch {
			case sess.Step == domain.StepFailure || sess.Step == domain.StepExpired:
				return nil, domain.ErrSessionClosed
			case stepRank(sess.Step) > stepRank(step):
				// Шаг уже пройден: повторный клик.
				return nil, errNoChange
			default:
				return nil, domain.ErrStepMismatch
			}
		}

		o, ok := s.catalog.Upsell(step)
		if !ok {
			return nil, fmt.Errorf("%w: no offer for %s", domain.ErrUnknownOffer, step)
		}
		if accept && sess.PaymentMethodID == "" {
			return nil, domain.ErrPaymentMethodMissing
		}
		offer = o

		decisionEvent := event{
			kind: string(kind),
			payload: map[string]any{
				"offer_step":  step,
				"sku":         o.SKU,
				"price_minor": o.PriceMinor,
			},
		}
		transition, err := advance(sess, s.nextStep(step, *sess), now)
		if err != nil {
			return nil, err
		}
		return append([]event{decisionEvent}, transition...), nil
	})
	if err != nil {
		return StatusView{}, err
	}
	if events == nil {
		return s.statusView(ctx, session)
	}
	if s.metrics != nil {
		s.metrics.RecordUpsellDecision(string(step), decision)
	}

	if !accept {
		s.emit(ctx, session, events)
		return s.statusView(ctx, session)
	}

	// Итоговое событие воронки публикуется после списания, чтобы в нём был заказ допредложения.
	var immediate, deferred []event
	for _, ev := range events {
		if ev.withOrders {
			deferred = append(deferred, ev)
		} else {
			immediate = append(immediate, ev)
		}
	}
	s.emit(ctx, session, immediate)
	s.chargeUpsell(ctx, session, step, offer)
	s.emit(ctx, session, deferred)

	return s.statusView(ctx, session)
}

// chargeUpsell создаёт заказ допредложения и списывает его. Ошибки не
// блокируют воронку: pending-заказ подберёт сверка.
func (s *Service) chargeUpsell(ctx context.Context, session domain.Session, step domain.Step, offer domain.Offer) {
	now := s.now()
	order := domain.Order{
		ID:          s.newID(),
		SessionID:   session.ID,
		Kind:        step,
		SKU:         offer.SKU,
		Qty:         offer.Qty,
		AmountMinor: offer.PriceMinor,
		Currency:    session.Currency,
		Status:      domain.OrderStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	fields := log.Fields{"session_id": session.ID, "order_id": order.ID, "step": step}

	if err := s.orders.Create(ctx, order); err != nil {
		if errors.Is(err, domain.ErrOrderAlreadyExists) {
			s.logger.WithFields(fields).Warn("upsell order already exists, skipping charge")
			return
		}
		s.logger.WithError(err).WithFields(fields).Error("create upsell order failed")
		return
	}

	result, err := s.charge(ctx, order, domain.ChargeRequest{
		IdempotencyKey:  order.ID,
		PaymentMethodID: session.PaymentMethodID,
		AmountMinor:     order.AmountMinor,
		Currency:        order.Currency,
		Description:     offer.Name,
		CustomerEmail:   session.Customer.Email,
	})
	switch {
	case outcomeUnknown(err):
		s.logger.WithError(err).WithFields(fields).Warn("upsell charge outcome unknown, order left pending")
		return
	case err != nil:
		err = s.applyOutcome(ctx, order, outcome{status: domain.OrderStatusFailed, reason: err.Error()})
	default:
		err = s.applyChargeResult(ctx, order, result)
	}
	if err != nil {
		s.logger.WithError(err).WithFields(fields).Error("apply upsell charge result failed")
	}
}
