package funnel

import (
	"context"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
)

// OfferView — допредложение, которое надо показать на шаге upsell.
type OfferView struct {
	Step       domain.Step `json:"step"`
	SKU        string      `json:"sku"`
	Name       string      `json:"name"`
	Qty        int32       `json:"qty"`
	PriceMinor int64       `json:"price_minor"`
	Currency   string      `json:"currency"`
}

// OrderView — заказ в ответе клиенту.
type OrderView struct {
	ID            string             `json:"id"`
	Kind          domain.Step        `json:"kind"`
	SKU           string             `json:"sku"`
	Qty           int32              `json:"qty"`
	AmountMinor   int64              `json:"amount_minor"`
	Currency      string             `json:"currency"`
	Status        domain.OrderStatus `json:"status"`
	FailureReason string             `json:"failure_reason,omitempty"`
}

// StatusView — ответ на опрос статуса: куда вести браузер и что показать.
type StatusView struct {
	SessionID    string      `json:"session_id"`
	Step         domain.Step `json:"step"`
	Path         string      `json:"path"`
	Terminal     bool        `json:"terminal"`
	RetryAfterMs int64       `json:"retry_after_ms,omitempty"`
	LastError    string      `json:"last_error,omitempty"`
	Offer        *OfferView  `json:"offer,omitempty"`
	Orders       []OrderView `json:"orders,omitempty"`
	Version      int64       `json:"version"`
}

// SessionDetails — полное состояние сессии для поддержки.
type SessionDetails struct {
	Session  domain.Session
	Orders   []domain.Order
	Timeline []domain.TimelineEvent
}

func orderViews(orders []domain.Order) []OrderView {
	views := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, OrderView{
			ID:            o.ID,
			Kind:          o.Kind,
			SKU:           o.SKU,
			Qty:           o.Qty,
			AmountMinor:   o.AmountMinor,
			Currency:      o.Currency,
			Status:        o.Status,
			FailureReason: o.FailureReason,
		})
	}
	return views
}

func (s *Service) statusView(ctx context.Context, session domain.Session) (StatusView, error) {
	view := StatusView{
		SessionID: session.ID,
		Step:      session.Step,
		Path:      session.Step.Path(),
		Terminal:  session.Step.Terminal(),
		LastError: session.LastError,
		Version:   session.Version,
	}

	switch {
	case session.Step == domain.StepProcessing:
		view.RetryAfterMs = s.cfg.PollInterval.Milliseconds()
	case session.Step.IsUpsell():
		if offer, ok := s.catalog.Upsell(session.Step); ok {
			view.Offer = &OfferView{
				Step:       session.Step,
				SKU:        offer.SKU,
				Name:       offer.Name,
				Qty:        offer.Qty,
				PriceMinor: offer.PriceMinor,
				Currency:   session.Currency,
			}
		}
	case session.Step == domain.StepSuccess:
		orders, err := s.orders.ListBySession(ctx, session.ID)
		if err != nil {
			return StatusView{}, err
		}
		view.Orders = orderViews(orders)
	}
	return view, nil
}

func (s *Service) currentView(ctx context.Context, id string) (StatusView, error) {
	session, err := s.sessions.Get(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	return s.statusView(ctx, session)
}
