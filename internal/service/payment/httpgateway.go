package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
)

const (
	defaultGatewayTimeout = 10 * time.Second
	maxGatewayBody        = 1 << 20
)

// HTTPGateway — REST-клиент внешнего платёжного шлюза.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *log.Entry
}

// GatewayOption настраивает HTTPGateway.
type GatewayOption func(*HTTPGateway)

// WithHTTPClient подменяет HTTP-клиент (например, в тестах).
func WithHTTPClient(client *http.Client) GatewayOption {
	return func(g *HTTPGateway) {
		if client != nil {
			g.client = client
		}
	}
}

// WithGatewayLogger задаёт логгер клиента.
func WithGatewayLogger(logger *log.Entry) GatewayOption {
	return func(g *HTTPGateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewHTTPGateway создаёт клиента для шлюза по адресу baseURL.
func NewHTTPGateway(baseURL, apiKey string, opts ...GatewayOption) (*HTTPGateway, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid payment gateway url %q", baseURL)
	}

	g := &HTTPGateway{
		baseURL: strings.TrimRight(parsed.String(), "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: defaultGatewayTimeout},
		logger:  log.WithField("component", "payment-gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

type chargePayload struct {
	AmountMinor     int64  `json:"amount_minor"`
	Currency        string `json:"currency"`
	Token           string `json:"token,omitempty"`
	PaymentMethodID string `json:"payment_method_id,omitempty"`
	Description     string `json:"description,omitempty"`
	CustomerEmail   string `json:"customer_email,omitempty"`
}

type chargeResponse struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	PaymentMethodID string `json:"payment_method_id"`
	DeclineReason   string `json:"decline_reason"`
	Error           string `json:"error"`
}

// Charge отправляет POST /v1/charges. Ключ идемпотентности передаётся заголовком.
func (g *HTTPGateway) Charge(ctx context.Context, req domain.ChargeRequest) (domain.ChargeResult, error) {
	body, err := json.Marshal(chargePayload{
		AmountMinor:     req.AmountMinor,
		Currency:        req.Currency,
		Token:           req.Token,
		PaymentMethodID: req.PaymentMethodID,
		Description:     req.Description,
		CustomerEmail:   req.CustomerEmail,
	})
	if err != nil {
		return domain.ChargeResult{}, fmt.Errorf("encode charge request: %w", err)
	}

	status, resp, err := g.do(ctx, http.MethodPost, "/v1/charges", req.IdempotencyKey, body)
	if err != nil {
		return domain.ChargeResult{}, err
	}

	switch {
	case status == http.StatusPaymentRequired:
		reason := resp.DeclineReason
		if reason == "" {
			reason = resp.Error
		}
		return domain.ChargeResult{ChargeID: resp.ID, Status: domain.PaymentStatusDeclined, DeclineReason: reason}, nil
	case status >= 200 && status < 300:
		return resp.result()
	default:
		return domain.ChargeResult{}, classifyStatus(status, resp.Error)
	}
}

// GetCharge запрашивает GET /v1/charges/{key}.
func (g *HTTPGateway) GetCharge(ctx context.Context, idempotencyKey string) (domain.ChargeResult, error) {
	status, resp, err := g.do(ctx, http.MethodGet, "/v1/charges/"+url.PathEscape(idempotencyKey), "", nil)
	if err != nil {
		return domain.ChargeResult{}, err
	}

	switch {
	case status == http.StatusNotFound:
		return domain.ChargeResult{}, domain.ErrChargeNotFound
	case status >= 200 && status < 300:
		return resp.result()
	default:
		return domain.ChargeResult{}, classifyStatus(status, resp.Error)
	}
}

func (g *HTTPGateway) do(ctx context.Context, method, path, idempotencyKey string, body []byte) (int, chargeResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return 0, chargeResponse{}, fmt.Errorf("build gateway request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	res, err := g.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, chargeResponse{}, err
		}
		g.logger.WithError(err).WithField("path", path).Warn("payment gateway request failed")
		return 0, chargeResponse{}, fmt.Errorf("%w: %v", domain.ErrPaymentTemporary, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxGatewayBody))
	if err != nil {
		return 0, chargeResponse{}, fmt.Errorf("%w: read response: %v", domain.ErrPaymentTemporary, err)
	}

	var decoded chargeResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil && res.StatusCode < 300 {
			return 0, chargeResponse{}, fmt.Errorf("%w: decode response: %v", domain.ErrPaymentTemporary, err)
		}
	}
	return res.StatusCode, decoded, nil
}

func (r chargeResponse) result() (domain.ChargeResult, error) {
	status := domain.PaymentStatus(r.Status)
	if !status.Valid() {
		return domain.ChargeResult{}, fmt.Errorf("%w: unexpected charge status %q", domain.ErrPaymentTemporary, r.Status)
	}
	return domain.ChargeResult{
		ChargeID:        r.ID,
		Status:          status,
		PaymentMethodID: r.PaymentMethodID,
		DeclineReason:   r.DeclineReason,
	}, nil
}

func classifyStatus(status int, message string) error {
	if message == "" {
		message = http.StatusText(status)
	}
	if status >= 500 || status == http.StatusTooManyRequests || status == http.StatusConflict {
		return fmt.Errorf("%w: gateway responded %d: %s", domain.ErrPaymentTemporary, status, message)
	}
	return fmt.Errorf("payment gateway rejected request (%d): %s", status, message)
}

var _ domain.PaymentGateway = (*HTTPGateway)(nil)
