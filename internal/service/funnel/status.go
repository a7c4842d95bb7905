package funnel

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
)

// PollStatus отвечает браузеру, на какой странице он должен быть. Если оплата
// висит дольше ReconcileAfter, pending-заказ сверяется со шлюзом до ответа;
// сессия на уже закрытом заказе доводится сразу.
func (s *Service) PollStatus(ctx context.Context, id string) (StatusView, error) {
	session, err := s.sessions.Get(ctx, id)
	if err != nil {
		return StatusView{}, err
	}

	now := s.now()
	fields := log.Fields{"session_id": id}
	switch {
	case session.Step == domain.StepProcessing && session.PendingOrderID != "":
		err := s.advanceProcessing(ctx, session, true)
		switch {
		case domain.IsTemporary(err):
			s.logger.WithError(err).WithFields(fields).Debug("inline reconcile postponed")
		case err != nil:
			s.logger.WithError(err).WithFields(fields).Warn("inline reconcile failed")
		}
		if session, err = s.sessions.Get(ctx, id); err != nil {
			return StatusView{}, err
		}
	case !session.Step.Terminal() && session.Step != domain.StepProcessing && session.Expired(now):
		expired, _, err := s.expire(ctx, id, false)
		if err != nil {
			s.logger.WithError(err).WithFields(fields).Warn("inline expiry failed")
		} else {
			session = expired
		}
	}

	return s.statusView(ctx, session)
}

// GetSession возвращает сессию вместе с заказами и историей.
func (s *Service) GetSession(ctx context.Context, id string) (SessionDetails, error) {
	session, err := s.sessions.Get(ctx, id)
	if err != nil {
		return SessionDetails{}, err
	}
	orders, err := s.orders.ListBySession(ctx, id)
	if err != nil {
		return SessionDetails{}, err
	}
	details := SessionDetails{Session: session, Orders: orders}
	if s.timeline != nil {
		if details.Timeline, err = s.timeline.List(ctx, id); err != nil {
			return SessionDetails{}, err
		}
	}
	return details, nil
}
