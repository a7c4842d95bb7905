package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor сопоставляет доменные ошибки HTTP-кодам.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrUnknownOffer):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, domain.ErrSignatureInvalid):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrStepMismatch), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "step_mismatch"
	case errors.Is(err, domain.ErrSessionClosed):
		return http.StatusConflict, "session_closed"
	case errors.Is(err, domain.ErrPaymentAttemptsExceeded):
		return http.StatusConflict, "payment_attempts_exceeded"
	case errors.Is(err, domain.ErrPaymentMethodMissing):
		return http.StatusConflict, "payment_method_missing"
	case domain.IsVersionConflict(err):
		return http.StatusConflict, "concurrent_update"
	case domain.IsTemporary(err):
		return http.StatusServiceUnavailable, "temporarily_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(c *gin.Context, err error) {
	code, kind := statusFor(err)
	_ = c.Error(err)

	message := err.Error()
	if code == http.StatusInternalServerError {
		message = "internal error"
	}
	c.AbortWithStatusJSON(code, errorResponse{Error: message, Code: kind})
}
