package funnel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
	"github.com/vladislavdragonenkov/funnel/internal/messaging/kafka"
)

// event — изменение, которое после сохранения сессии уходит в timeline и outbox.
type event struct {
	kind    string
	reason  string
	payload map[string]any
	// from/to заполнены для смены шага.
	from, to domain.Step
	// withOrders добавляет в payload покупателя и все заказы сессии.
	withOrders bool
	// timelineOnly — событие только для истории сессии.
	timelineOnly bool
}

// advance переводит сессию на шаг to и возвращает события перехода.
func advance(session *domain.Session, to domain.Step, now time.Time) ([]event, error) {
	from := session.Step
	if !domain.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	session.Step = to

	events := []event{{
		kind:    string(kafka.EventTypeStepChanged),
		from:    from,
		to:      to,
		payload: map[string]any{"from": from, "to": to},
	}}

	switch to {
	case domain.StepSuccess:
		session.CompletedAt = now
		session.CRMSync = domain.SyncStatusPending
		session.FulfillmentSync = domain.SyncStatusPending
		events = append(events, event{kind: string(kafka.EventTypeFunnelCompleted), withOrders: true})
	case domain.StepFailure:
		session.CompletedAt = now
		events = append(events, event{kind: string(kafka.EventTypeFunnelFailed), reason: session.LastError, withOrders: true})
	case domain.StepExpired:
		session.CompletedAt = now
		events = append(events, event{kind: string(kafka.EventTypeSessionExpired)})
	}
	return events, nil
}

// emit публикует события уже сохранённой сессии. Ошибки outbox и timeline
// только логируются: состояние сессии к этому моменту зафиксировано.
func (s *Service) emit(ctx context.Context, session domain.Session, events []event) {
	for _, ev := range events {
		payload := make(map[string]any, len(ev.payload)+6)
		for k, v := range ev.payload {
			payload[k] = v
		}
		payload["step"] = session.Step
		payload["version"] = session.Version

		if ev.withOrders {
			orders, err := s.orders.ListBySession(ctx, session.ID)
			if err != nil {
				s.logger.WithError(err).WithField("session_id", session.ID).Warn("list orders for event failed")
			}
			payload["orders"] = orderViews(orders)
			payload["customer"] = session.Customer
			payload["currency"] = session.Currency
		}

		if ev.from != "" && s.metrics != nil {
			s.metrics.RecordTransition(string(ev.from), string(ev.to))
			if ev.to.Terminal() {
				s.metrics.RecordSessionFinished(string(ev.to), session.UpdatedAt.Sub(session.CreatedAt))
			}
		}

		s.publish(ctx, session.ID, ev.kind, ev.reason, session.UpdatedAt, payload, ev.timelineOnly)
	}
}

// publish кладёт событие в outbox и дописывает timeline.
func (s *Service) publish(ctx context.Context, sessionID, kind, reason string, occurred time.Time, payload map[string]any, timelineOnly bool) {
	if occurred.IsZero() {
		occurred = s.now()
	}
	payload["session_id"] = sessionID
	payload["ts"] = occurred.Format(time.RFC3339Nano)
	if reason != "" {
		payload["reason"] = reason
	}

	fields := log.Fields{"session_id": sessionID, "event": kind}

	if !timelineOnly {
		data, err := json.Marshal(payload)
		if err != nil {
			s.logger.WithError(err).WithFields(fields).Error("marshal event failed")
		} else if _, err := s.outbox.Enqueue(domain.OutboxMessage{
			AggregateType: kafka.AggregateSession,
			AggregateID:   sessionID,
			EventType:     kind,
			Payload:       data,
		}); err != nil {
			s.logger.WithError(err).WithFields(fields).Error("enqueue event failed")
		} else if s.metrics != nil {
			s.metrics.RecordOutboxEvent()
		}
	}

	if s.timeline == nil {
		return
	}
	if err := s.timeline.Append(ctx, domain.TimelineEvent{
		SessionID: sessionID,
		Type:      kind,
		Reason:    reason,
		Occurred:  occurred,
	}); err != nil {
		s.logger.WithError(err).WithFields(fields).Warn("append timeline event failed")
	} else if s.metrics != nil {
		s.metrics.RecordTimelineEvent()
	}
}

// publishOrderEvent сообщает об окончательном результате списания.
func (s *Service) publishOrderEvent(ctx context.Context, order domain.Order) {
	kind := kafka.EventTypePaymentDeclined
	if order.Status == domain.OrderStatusCaptured {
		kind = kafka.EventTypePaymentCaptured
	}
	s.publish(ctx, order.SessionID, string(kind), order.FailureReason, order.UpdatedAt, map[string]any{
		"order_id":     order.ID,
		"kind":         order.Kind,
		"sku":          order.SKU,
		"amount_minor": order.AmountMinor,
		"currency":     order.Currency,
		"status":       order.Status,
		"charge_id":    order.ChargeID,
	}, false)
}
