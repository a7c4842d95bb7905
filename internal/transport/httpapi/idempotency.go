package httpapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
)

// capturingWriter копирует тело ответа, чтобы сохранить его под ключом.
type capturingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *capturingWriter) Write(data []byte) (int, error) {
	w.body.Write(data)
	return w.ResponseWriter.Write(data)
}

func (w *capturingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// idempotent требует Idempotency-Key и выполняет обработчик не больше одного
// раза на ключ. Повтор с тем же телом получает сохранённый ответ, с другим
// телом или во время обработки первого запроса — 409.
func (s *Server) idempotent() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(headerIdempotencyKey))
		if key == "" {
			writeError(c, fmt.Errorf("%w: %s header is required", domain.ErrInvalidInput, headerIdempotencyKey))
			return
		}
		if s.idempotency == nil {
			c.Next()
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
		if err != nil {
			writeError(c, fmt.Errorf("%w: read body: %v", domain.ErrInvalidInput, err))
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		record, err := s.idempotency.CreateProcessing(key, requestHash(c.Request.Method, c.Request.URL.Path, body), s.now().Add(s.idempotencyTTL))
		if err != nil {
			s.replay(c, key, record, err)
			return
		}

		writer := &capturingWriter{ResponseWriter: c.Writer}
		c.Writer = writer
		defer func() {
			if r := recover(); r != nil {
				// Ключ не должен остаться в processing до истечения TTL.
				if err := s.idempotency.MarkFailed(key, panicResponse, http.StatusInternalServerError); err != nil {
					s.logger.WithError(err).WithField("idempotency_key", key).Warn("store idempotent response failed")
				}
				panic(r)
			}
		}()
		c.Next()

		status := writer.Status()
		store := s.idempotency.MarkDone
		if status >= http.StatusBadRequest {
			store = s.idempotency.MarkFailed
		}
		if err := store(key, writer.body.Bytes(), status); err != nil {
			s.logger.WithError(err).WithField("idempotency_key", key).Warn("store idempotent response failed")
		}
	}
}

var panicResponse = []byte(`{"error":"internal error","code":"internal"}`)

func (s *Server) replay(c *gin.Context, key string, record domain.IdempotencyRecord, createErr error) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		c.AbortWithStatusJSON(http.StatusConflict, errorResponse{
			Error: "idempotency key is already used with a different request",
			Code:  "idempotency_key_reused",
		})
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		if record.Status == domain.IdempotencyStatusProcessing || record.HTTPStatus == 0 {
			c.AbortWithStatusJSON(http.StatusConflict, errorResponse{
				Error: "request with the same idempotency key is in progress",
				Code:  "request_in_flight",
			})
			return
		}
		c.Header("Idempotent-Replayed", "true")
		c.Data(record.HTTPStatus, "application/json; charset=utf-8", record.ResponseBody)
		c.Abort()
	default:
		s.logger.WithError(createErr).WithField("idempotency_key", key).Error("create idempotency record failed")
		writeError(c, createErr)
	}
}

// requestHash привязывает ключ к конкретной операции и телу запроса.
func requestHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
