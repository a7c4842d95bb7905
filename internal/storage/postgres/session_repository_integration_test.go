package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
)

func TestSessionRepository_PostgresCreateGetSave(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewSessionRepository(store)
	ctx := context.Background()

	session := sampleSession("session-1", domain.StepCheckout, time.Now().UTC().Add(time.Hour))
	require.NoError(t, repo.Create(ctx, session))
	require.ErrorIs(t, repo.Create(ctx, session), domain.ErrSessionVersionConflict)

	got, err := repo.Get(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, session.Customer, got.Customer)
	require.Equal(t, domain.StepCheckout, got.Step)
	require.True(t, got.CompletedAt.IsZero())

	got.Step = domain.StepProcessing
	got.PaymentMethodID = "pm_1"
	got.PaymentAttempts = 1
	require.NoError(t, repo.Save(ctx, got))

	stale := got
	stale.Step = domain.StepCheckout
	require.ErrorIs(t, repo.Save(ctx, stale), domain.ErrSessionVersionConflict)

	updated, err := repo.Get(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), updated.Version)
	require.Equal(t, domain.StepProcessing, updated.Step)
	require.Equal(t, "pm_1", updated.PaymentMethodID)

	updated.Step = domain.StepSuccess
	updated.CompletedAt = time.Now().UTC().Round(time.Microsecond)
	updated.CRMSync = domain.SyncStatusPending
	require.NoError(t, repo.Save(ctx, updated))

	final, err := repo.Get(ctx, session.ID)
	require.NoError(t, err)
	require.True(t, final.CompletedAt.Equal(updated.CompletedAt))
	require.Equal(t, domain.SyncStatusPending, final.CRMSync)
}

func TestSessionRepository_PostgresErrorsAndExpiring(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewSessionRepository(store)
	ctx := context.Background()

	_, err := repo.Get(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
	require.ErrorIs(t, repo.Save(ctx, sampleSession("missing", domain.StepCheckout, time.Now())), domain.ErrSessionNotFound)

	now := time.Now().UTC()
	for _, s := range []domain.Session{
		sampleSession("late", domain.StepUpsell2, now.Add(-time.Minute)),
		sampleSession("early", domain.StepCheckout, now.Add(-time.Hour)),
		sampleSession("fresh", domain.StepCheckout, now.Add(time.Hour)),
		sampleSession("closed", domain.StepFailure, now.Add(-time.Hour)),
	} {
		require.NoError(t, repo.Create(ctx, s))
	}

	expiring, err := repo.ListExpiring(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expiring, 2)
	require.Equal(t, "early", expiring[0].ID)
	require.Equal(t, "late", expiring[1].ID)
}
