package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/funnel/internal/catalog"
	"github.com/vladislavdragonenkov/funnel/internal/domain"
	"github.com/vladislavdragonenkov/funnel/internal/metrics"
	"github.com/vladislavdragonenkov/funnel/internal/service/funnel"
	"github.com/vladislavdragonenkov/funnel/internal/service/payment"
	"github.com/vladislavdragonenkov/funnel/internal/storage/memory"
)

type stubFunnel struct {
	mu         sync.Mutex
	calls      []string
	limits     []int
	reconciled int
	expired    int
	err        error
}

func (s *stubFunnel) ReconcilePending(_ context.Context, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "reconcile")
	s.limits = append(s.limits, limit)
	return s.reconciled, s.err
}

func (s *stubFunnel) ExpireStale(_ context.Context, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "expire")
	s.limits = append(s.limits, limit)
	return s.expired, nil
}

func (s *stubFunnel) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func TestWorker_RunOnce_ReconcilesBeforeExpiring(t *testing.T) {
	t.Parallel()

	stub := &stubFunnel{reconciled: 2, expired: 5}
	report := NewWorker(stub, WithBatchSize(50)).RunOnce(context.Background())

	assert.Equal(t, Report{Reconciled: 2, Expired: 5}, report)
	assert.Equal(t, []string{"reconcile", "expire"}, stub.calls)
	assert.Equal(t, []int{50, 50}, stub.limits)
}

func TestWorker_RunOnce_ReconcileErrorDoesNotSkipExpiry(t *testing.T) {
	t.Parallel()

	stub := &stubFunnel{err: errors.New("db down"), expired: 1}
	report := NewWorker(stub).RunOnce(context.Background())

	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, []string{"reconcile", "expire"}, stub.calls)
}

func TestWorker_RunOnce_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stub := &stubFunnel{}
	assert.Equal(t, Report{}, NewWorker(stub).RunOnce(ctx))
	assert.Empty(t, stub.calls)
}

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	stub := &stubFunnel{}
	worker := NewWorker(stub, WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	require.Eventually(t, func() bool { return stub.callCount() >= 4 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}

func TestWorker_RunOnce_WithFunnelService(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	sessions := memory.NewSessionRepository()
	orders := memory.NewOrderRepository()
	gateway := payment.NewMockGateway()
	svc, err := funnel.NewService(funnel.Dependencies{
		Sessions: sessions,
		Orders:   orders,
		Outbox:   memory.NewOutboxRepository(),
		Gateway:  gateway,
		Catalog:  catalog.Default(),
	},
		funnel.WithClock(func() time.Time { return clock() }),
		funnel.WithMetrics(metrics.NewFunnelMetricsWithRegisterer(prometheus.NewRegistry())),
	)
	require.NoError(t, err)

	abandoned, err := svc.StartSession(ctx)
	require.NoError(t, err)

	gateway.Configure(domain.PaymentStatusPending, nil)
	paying, err := svc.StartSession(ctx)
	require.NoError(t, err)
	_, err = svc.SubmitCheckout(ctx, paying.SessionID, funnel.CheckoutRequest{
		SKU: "GLOW-3",
		Customer: domain.Customer{
			Email:     "sam@example.com",
			FirstName: "Sam",
			LastName:  "Lee",
			Address:   domain.Address{Line1: "5 Elm St", City: "Portland", PostalCode: "97201", Country: "US"},
		},
		PaymentToken: "tok_visa",
	})
	require.NoError(t, err)

	pending, err := sessions.Get(ctx, paying.SessionID)
	require.NoError(t, err)
	_, ok := gateway.Settle(pending.PendingOrderID, domain.PaymentStatusCaptured, "")
	require.True(t, ok)

	later := now.Add(3 * time.Hour)
	clock = func() time.Time { return later }

	report := NewWorker(svc).RunOnce(ctx)
	assert.Equal(t, Report{Reconciled: 1, Expired: 2}, report)

	got, err := sessions.Get(ctx, abandoned.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepExpired, got.Step)

	// Оплата подтвердилась, сессия дошла до допредложения и закрылась как успешная.
	got, err = sessions.Get(ctx, paying.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepSuccess, got.Step)
}
