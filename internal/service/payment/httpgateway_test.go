package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
)

func TestHTTPGateway_ChargeSendsIdempotencyKeyAndAuth(t *testing.T) {
	var gotKey, gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/charges", r.URL.Path)
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"ch_1","status":"captured","payment_method_id":"pm_1"}`))
	}))
	defer srv.Close()

	gw, err := NewHTTPGateway(srv.URL+"/", "secret-key")
	require.NoError(t, err)

	result, err := gw.Charge(context.Background(), domain.ChargeRequest{
		IdempotencyKey: "order-1",
		Token:          "tok_visa",
		AmountMinor:    4900,
		Currency:       "USD",
	})
	require.NoError(t, err)
	require.Equal(t, domain.ChargeResult{ChargeID: "ch_1", Status: domain.PaymentStatusCaptured, PaymentMethodID: "pm_1"}, result)
	require.Equal(t, "order-1", gotKey)
	require.Equal(t, "Bearer secret-key", gotAuth)
	require.Equal(t, "tok_visa", gotBody["token"])
	require.EqualValues(t, 4900, gotBody["amount_minor"])
	require.NotContains(t, gotBody, "payment_method_id")
}

func TestHTTPGateway_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus domain.PaymentStatus
		wantTemp   bool
		wantErr    bool
	}{
		{name: "declined", status: http.StatusPaymentRequired, body: `{"id":"ch_2","decline_reason":"insufficient funds"}`, wantStatus: domain.PaymentStatusDeclined},
		{name: "pending", status: http.StatusAccepted, body: `{"id":"ch_3","status":"pending"}`, wantStatus: domain.PaymentStatusPending},
		{name: "server error", status: http.StatusBadGateway, body: `{"error":"upstream"}`, wantErr: true, wantTemp: true},
		{name: "rate limited", status: http.StatusTooManyRequests, wantErr: true, wantTemp: true},
		{name: "bad request", status: http.StatusBadRequest, body: `{"error":"invalid token"}`, wantErr: true},
		{name: "unknown status", status: http.StatusOK, body: `{"id":"ch_4","status":"weird"}`, wantErr: true, wantTemp: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			gw, err := NewHTTPGateway(srv.URL, "")
			require.NoError(t, err)

			result, err := gw.Charge(context.Background(), domain.ChargeRequest{IdempotencyKey: "k", Token: "t"})
			if tt.wantErr {
				require.Error(t, err)
				require.Equal(t, tt.wantTemp, errors.Is(err, domain.ErrPaymentTemporary))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantStatus, result.Status)
		})
	}
}

func TestHTTPGateway_GetCharge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/charges/order-1":
			_, _ = w.Write([]byte(`{"id":"ch_1","status":"captured"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	gw, err := NewHTTPGateway(srv.URL, "")
	require.NoError(t, err)

	result, err := gw.GetCharge(context.Background(), "order-1")
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusCaptured, result.Status)

	_, err = gw.GetCharge(context.Background(), "order-2")
	require.ErrorIs(t, err, domain.ErrChargeNotFound)
}

func TestHTTPGateway_TransportErrorIsTemporary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	gw, err := NewHTTPGateway(url, "", WithHTTPClient(&http.Client{}))
	require.NoError(t, err)

	_, err = gw.Charge(context.Background(), domain.ChargeRequest{IdempotencyKey: "k", Token: "t"})
	require.ErrorIs(t, err, domain.ErrPaymentTemporary)
}

func TestNewHTTPGateway_InvalidURL(t *testing.T) {
	_, err := NewHTTPGateway("not a url", "")
	require.Error(t, err)
	_, err = NewHTTPGateway("", "")
	require.Error(t, err)
}
