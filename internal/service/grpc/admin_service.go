package grpcsvc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
	"github.com/vladislavdragonenkov/funnel/internal/service/funnel"
)

// Funnel — операции поддержки над сессиями воронки.
type Funnel interface {
	GetSession(ctx context.Context, id string) (funnel.SessionDetails, error)
	ReconcileSession(ctx context.Context, id string) (funnel.StatusView, error)
	ExpireSession(ctx context.Context, id string) (funnel.StatusView, error)
}

// AdminService реализует SessionAdminServer поверх сервиса воронки.
type AdminService struct {
	funnel Funnel
	logger *log.Entry
}

// NewAdminService создаёт admin-сервис.
func NewAdminService(f Funnel, logger *log.Entry) *AdminService {
	if logger == nil {
		logger = log.WithField("component", "admin-grpc")
	}
	return &AdminService{funnel: f, logger: logger}
}

func (s *AdminService) GetSession(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id, err := sessionID(req)
	if err != nil {
		return nil, err
	}
	details, err := s.funnel.GetSession(ctx, id)
	if err != nil {
		return nil, s.toStatus(err, methodGetSession, id)
	}
	return s.document(sessionDocument(details), id)
}

// ReconcileSession сверяет pending-заказы сессии со шлюзом.
func (s *AdminService) ReconcileSession(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id, err := sessionID(req)
	if err != nil {
		return nil, err
	}
	view, err := s.funnel.ReconcileSession(ctx, id)
	if err != nil {
		return nil, s.toStatus(err, methodReconcileSession, id)
	}
	s.logger.WithFields(log.Fields{"session_id": id, "step": view.Step}).Info("session reconciled by operator")
	return s.document(view, id)
}

// ExpireSession закрывает сессию независимо от срока жизни.
func (s *AdminService) ExpireSession(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id, err := sessionID(req)
	if err != nil {
		return nil, err
	}
	view, err := s.funnel.ExpireSession(ctx, id)
	if err != nil {
		return nil, s.toStatus(err, methodExpireSession, id)
	}
	s.logger.WithFields(log.Fields{"session_id": id, "step": view.Step}).Info("session expired by operator")
	return s.document(view, id)
}

func sessionID(req *wrapperspb.StringValue) (string, error) {
	id := strings.TrimSpace(req.GetValue())
	if id == "" {
		return "", status.Error(codes.InvalidArgument, domain.ErrSessionIDRequired.Error())
	}
	return id, nil
}

// document переводит ответ в structpb через JSON, сохраняя имена полей API.
func (s *AdminService) document(v any, id string) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.WithError(err).WithField("session_id", id).Error("marshal admin response failed")
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(data); err != nil {
		s.logger.WithError(err).WithField("session_id", id).Error("convert admin response failed")
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

func (s *AdminService) toStatus(err error, method, id string) error {
	var code codes.Code
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrOrderNotFound):
		code = codes.NotFound
	case errors.Is(err, domain.ErrSessionClosed), errors.Is(err, domain.ErrStepMismatch):
		code = codes.FailedPrecondition
	case domain.IsVersionConflict(err):
		code = codes.Aborted
	case domain.IsTemporary(err):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		s.logger.WithError(err).WithFields(log.Fields{"method": method, "session_id": id}).Error("admin call failed")
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, err.Error())
}

type orderDocument struct {
	ID            string             `json:"id"`
	Kind          domain.Step        `json:"kind"`
	SKU           string             `json:"sku"`
	AmountMinor   int64              `json:"amount_minor"`
	Currency      string             `json:"currency"`
	Status        domain.OrderStatus `json:"status"`
	ChargeID      string             `json:"charge_id,omitempty"`
	FailureReason string             `json:"failure_reason,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

type timelineDocument struct {
	Type     string    `json:"type"`
	Reason   string    `json:"reason,omitempty"`
	Occurred time.Time `json:"occurred"`
}

type sessionDoc struct {
	ID               string             `json:"id"`
	Step             domain.Step        `json:"step"`
	Email            string             `json:"email,omitempty"`
	PaymentAttempts  int                `json:"payment_attempts"`
	PendingOrderID   string             `json:"pending_order_id,omitempty"`
	HasPaymentMethod bool               `json:"has_payment_method"`
	LastError        string             `json:"last_error,omitempty"`
	CRMSync          domain.SyncStatus  `json:"crm_sync"`
	FulfillmentSync  domain.SyncStatus  `json:"fulfillment_sync"`
	Version          int64              `json:"version"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	ExpiresAt        time.Time          `json:"expires_at"`
	Orders           []orderDocument    `json:"orders"`
	Timeline         []timelineDocument `json:"timeline"`
}

func sessionDocument(d funnel.SessionDetails) sessionDoc {
	doc := sessionDoc{
		ID:               d.Session.ID,
		Step:             d.Session.Step,
		Email:            d.Session.Customer.Email,
		PaymentAttempts:  d.Session.PaymentAttempts,
		PendingOrderID:   d.Session.PendingOrderID,
		HasPaymentMethod: d.Session.PaymentMethodID != "",
		LastError:        d.Session.LastError,
		CRMSync:          d.Session.CRMSync,
		FulfillmentSync:  d.Session.FulfillmentSync,
		Version:          d.Session.Version,
		CreatedAt:        d.Session.CreatedAt,
		UpdatedAt:        d.Session.UpdatedAt,
		ExpiresAt:        d.Session.ExpiresAt,
		Orders:           make([]orderDocument, 0, len(d.Orders)),
		Timeline:         make([]timelineDocument, 0, len(d.Timeline)),
	}
	for _, o := range d.Orders {
		doc.Orders = append(doc.Orders, orderDocument{
			ID:            o.ID,
			Kind:          o.Kind,
			SKU:           o.SKU,
			AmountMinor:   o.AmountMinor,
			Currency:      o.Currency,
			Status:        o.Status,
			ChargeID:      o.ChargeID,
			FailureReason: o.FailureReason,
			CreatedAt:     o.CreatedAt,
		})
	}
	for _, ev := range d.Timeline {
		doc.Timeline = append(doc.Timeline, timelineDocument{Type: ev.Type, Reason: ev.Reason, Occurred: ev.Occurred})
	}
	return doc
}

var _ SessionAdminServer = (*AdminService)(nil)
