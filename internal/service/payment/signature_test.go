package payment

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"charge_id":"ch_1","status":"captured"}`)
	sig := Sign("whsec", body)

	require.NoError(t, VerifySignature("whsec", body, sig))
	require.NoError(t, VerifySignature("whsec", body, sig[len("sha256="):]), "prefix is optional")

	require.ErrorIs(t, VerifySignature("other", body, sig), domain.ErrSignatureInvalid)
	require.ErrorIs(t, VerifySignature("whsec", []byte(`{}`), sig), domain.ErrSignatureInvalid)
	require.ErrorIs(t, VerifySignature("whsec", body, "sha256=zz"), domain.ErrSignatureInvalid)
	require.ErrorIs(t, VerifySignature("whsec", body, ""), domain.ErrSignatureInvalid)
	require.ErrorIs(t, VerifySignature("", body, sig), domain.ErrSignatureInvalid)
}
