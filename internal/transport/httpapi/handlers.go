package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
	"github.com/vladislavdragonenkov/funnel/internal/service/funnel"
	"github.com/vladislavdragonenkov/funnel/internal/service/payment"
)

type checkoutRequest struct {
	SKU          string          `json:"sku"`
	Customer     domain.Customer `json:"customer"`
	PaymentToken string          `json:"payment_token"`
}

type offerResponse struct {
	Slot       domain.OfferSlot `json:"slot"`
	SKU        string           `json:"sku"`
	Name       string           `json:"name"`
	Qty        int32            `json:"qty"`
	PriceMinor int64            `json:"price_minor"`
}

type offersResponse struct {
	Currency string          `json:"currency"`
	Main     []offerResponse `json:"main"`
	Upsells  []offerResponse `json:"upsells"`
}

type sessionResponse struct {
	ID              string             `json:"id"`
	Step            domain.Step        `json:"step"`
	Currency        string             `json:"currency"`
	MainSKU         string             `json:"main_sku,omitempty"`
	Customer        *domain.Customer   `json:"customer,omitempty"`
	PaymentAttempts int                `json:"payment_attempts"`
	LastError       string             `json:"last_error,omitempty"`
	CRMSync         domain.SyncStatus  `json:"crm_sync"`
	FulfillmentSync domain.SyncStatus  `json:"fulfillment_sync"`
	Version         int64              `json:"version"`
	CreatedAt       time.Time          `json:"created_at"`
	ExpiresAt       time.Time          `json:"expires_at"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
	Orders          []funnel.OrderView `json:"orders"`
	Timeline        []timelineResponse `json:"timeline"`
}

type timelineResponse struct {
	Type     string    `json:"type"`
	Reason   string    `json:"reason,omitempty"`
	Occurred time.Time `json:"occurred"`
}

func toOffer(o domain.Offer) offerResponse {
	return offerResponse{Slot: o.Slot, SKU: o.SKU, Name: o.Name, Qty: o.Qty, PriceMinor: o.PriceMinor}
}

func (s *Server) handleOffers(c *gin.Context) {
	resp := offersResponse{Currency: s.offers.Currency()}
	for _, o := range s.offers.MainOffers() {
		resp.Main = append(resp.Main, toOffer(o))
	}
	for _, step := range []domain.Step{domain.StepUpsell1, domain.StepUpsell2} {
		if o, ok := s.offers.Upsell(step); ok {
			resp.Upsells = append(resp.Upsells, toOffer(o))
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStartSession(c *gin.Context) {
	view, err := s.service.StartSession(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Location", "/api/sessions/"+view.SessionID)
	c.JSON(http.StatusCreated, view)
}

func (s *Server) handleGetSession(c *gin.Context) {
	details, err := s.service.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	session := details.Session
	resp := sessionResponse{
		ID:              session.ID,
		Step:            session.Step,
		Currency:        session.Currency,
		MainSKU:         session.MainSKU,
		PaymentAttempts: session.PaymentAttempts,
		LastError:       session.LastError,
		CRMSync:         session.CRMSync,
		FulfillmentSync: session.FulfillmentSync,
		Version:         session.Version,
		CreatedAt:       session.CreatedAt,
		ExpiresAt:       session.ExpiresAt,
		Orders:          make([]funnel.OrderView, 0, len(details.Orders)),
		Timeline:        make([]timelineResponse, 0, len(details.Timeline)),
	}
	if session.Customer.Email != "" {
		resp.Customer = &session.Customer
	}
	if !session.CompletedAt.IsZero() {
		resp.CompletedAt = &session.CompletedAt
	}
	for _, o := range details.Orders {
		resp.Orders = append(resp.Orders, funnel.OrderView{
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
	for _, ev := range details.Timeline {
		resp.Timeline = append(resp.Timeline, timelineResponse{Type: ev.Type, Reason: ev.Reason, Occurred: ev.Occurred})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStatus(c *gin.Context) {
	view, err := s.service.PollStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if view.RetryAfterMs > 0 {
		c.Header("Retry-After", fmt.Sprintf("%d", max(view.RetryAfterMs/1000, 1)))
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleCheckout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
		return
	}

	view, err := s.service.SubmitCheckout(c.Request.Context(), c.Param("id"), funnel.CheckoutRequest{
		SKU:          req.SKU,
		Customer:     req.Customer,
		PaymentToken: req.PaymentToken,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleUpsell(accept bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		step := domain.Step(c.Param("step"))

		decide := s.service.DeclineUpsell
		if accept {
			decide = s.service.AcceptUpsell
		}
		view, err := decide(c.Request.Context(), c.Param("id"), step)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// handlePaymentWebhook принимает подписанное уведомление шлюза. Подпись
// проверяется по сырому телу до разбора JSON.
func (s *Server) handlePaymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		writeError(c, fmt.Errorf("%w: read body: %v", domain.ErrInvalidInput, err))
		return
	}
	if err := payment.VerifySignature(s.webhookSecret, body, c.GetHeader(headerSignature)); err != nil {
		writeError(c, err)
		return
	}

	var n domain.PaymentNotification
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&n); err != nil {
		writeError(c, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
		return
	}

	err = s.service.HandlePaymentNotification(c.Request.Context(), n)
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		// Уведомление о чужом списании: шлюзу незачем его повторять.
		s.logger.WithField("idempotency_key", n.IdempotencyKey).Warn("payment notification for unknown order")
		c.JSON(http.StatusAccepted, gin.H{"status": "ignored"})
	case err != nil:
		writeError(c, err)
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
