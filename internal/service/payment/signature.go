package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
)

const signaturePrefix = "sha256="

// Sign возвращает HMAC-SHA256 подпись тела в виде "sha256=<hex>".
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature сравнивает подпись webhook с ожидаемой за постоянное время.
// Префикс "sha256=" необязателен.
func VerifySignature(secret string, body []byte, signature string) error {
	if secret == "" {
		return domain.ErrSignatureInvalid
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), signaturePrefix))
	if err != nil || len(got) == 0 {
		return domain.ErrSignatureInvalid
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return domain.ErrSignatureInvalid
	}
	return nil
}
