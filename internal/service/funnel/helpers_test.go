package funnel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/funnel/internal/catalog"
	"github.com/vladislavdragonenkov/funnel/internal/domain"
	"github.com/vladislavdragonenkov/funnel/internal/metrics"
	"github.com/vladislavdragonenkov/funnel/internal/service/payment"
	"github.com/vladislavdragonenkov/funnel/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	svc      *Service
	sessions domain.SessionRepository
	orders   domain.OrderRepository
	outbox   domain.OutboxRepository
	timeline domain.TimelineRepository
	gateway  *payment.MockGateway
	clock    *fakeClock
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	return newHarnessWithCatalog(t, catalog.Default(), opts...)
}

func newHarnessWithCatalog(t *testing.T, cat *catalog.Catalog, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		sessions: memory.NewSessionRepository(),
		orders:   memory.NewOrderRepository(),
		outbox:   memory.NewOutboxRepository(),
		timeline: memory.NewTimelineRepository(),
		gateway:  payment.NewMockGateway(),
		clock:    newFakeClock(),
	}
	base := []Option{
		WithClock(h.clock.Now),
		WithMetrics(metrics.NewFunnelMetricsWithRegisterer(prometheus.NewRegistry())),
		WithRetryConfig(RetryConfig{MaxAttempts: 3}),
	}
	svc, err := NewService(Dependencies{
		Sessions: h.sessions,
		Orders:   h.orders,
		Outbox:   h.outbox,
		Timeline: h.timeline,
		Gateway:  h.gateway,
		Catalog:  cat,
	}, append(base, opts...)...)
	require.NoError(t, err)
	h.svc = svc
	return h
}

func validCheckout() CheckoutRequest {
	return CheckoutRequest{
		SKU: "GLOW-1",
		Customer: domain.Customer{
			Email:     "jane@example.com",
			FirstName: "Jane",
			LastName:  "Doe",
			Address: domain.Address{
				Line1:      "1 Main St",
				City:       "Springfield",
				PostalCode: "12345",
				Country:    "US",
			},
		},
		PaymentToken: "tok_visa",
	}
}

func (h *harness) start(t *testing.T) string {
	t.Helper()
	view, err := h.svc.StartSession(context.Background())
	require.NoError(t, err)
	return view.SessionID
}

func (h *harness) session(t *testing.T, id string) domain.Session {
	t.Helper()
	session, err := h.sessions.Get(context.Background(), id)
	require.NoError(t, err)
	return session
}

func (h *harness) ordersOf(t *testing.T, id string) []domain.Order {
	t.Helper()
	orders, err := h.orders.ListBySession(context.Background(), id)
	require.NoError(t, err)
	return orders
}

func (h *harness) eventTypes(t *testing.T) []string {
	t.Helper()
	msgs, err := h.outbox.PullPending(1000)
	require.NoError(t, err)
	types := make([]string, 0, len(msgs))
	for _, m := range msgs {
		types = append(types, m.EventType)
	}
	return types
}

func (h *harness) lastEvent(t *testing.T, eventType string) map[string]any {
	t.Helper()
	msgs, err := h.outbox.PullPending(1000)
	require.NoError(t, err)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].EventType != eventType {
			continue
		}
		var payload map[string]any
		require.NoError(t, json.Unmarshal(msgs[i].Payload, &payload))
		return payload
	}
	t.Fatalf("event %s not found", eventType)
	return nil
}

// conflictingSessions отдаёт конфликт версий заданное число раз.
type conflictingSessions struct {
	domain.SessionRepository
	mu        sync.Mutex
	conflicts int
	saves     int
}

func (c *conflictingSessions) Save(ctx context.Context, session domain.Session) error {
	c.mu.Lock()
	c.saves++
	if c.conflicts > 0 {
		c.conflicts--
		c.mu.Unlock()
		return domain.ErrSessionVersionConflict
	}
	c.mu.Unlock()
	return c.SessionRepository.Save(ctx, session)
}

// failingSessions отдаёт ошибку хранилища на заданное число сохранений.
type failingSessions struct {
	domain.SessionRepository
	mu        sync.Mutex
	failSaves int
}

func (f *failingSessions) failNext(n int) {
	f.mu.Lock()
	f.failSaves = n
	f.mu.Unlock()
}

func (f *failingSessions) Save(ctx context.Context, session domain.Session) error {
	f.mu.Lock()
	if f.failSaves > 0 {
		f.failSaves--
		f.mu.Unlock()
		return errors.New("sessions db timeout")
	}
	f.mu.Unlock()
	return f.SessionRepository.Save(ctx, session)
}

// racingSessions один раз выполняет beforeSave до первого сохранения,
// имитируя параллельный запрос между чтением и записью сессии.
type racingSessions struct {
	domain.SessionRepository
	mu         sync.Mutex
	fired      bool
	beforeSave func()
}

func (r *racingSessions) Save(ctx context.Context, session domain.Session) error {
	r.mu.Lock()
	fire := !r.fired && r.beforeSave != nil
	r.fired = true
	r.mu.Unlock()
	if fire {
		r.beforeSave()
	}
	return r.SessionRepository.Save(ctx, session)
}

// ctxRecordingGateway запоминает состояние контекста, с которым пришло списание.
type ctxRecordingGateway struct {
	*payment.MockGateway
	onCharge     func()
	chargeCtxErr error
}

func (g *ctxRecordingGateway) Charge(ctx context.Context, req domain.ChargeRequest) (domain.ChargeResult, error) {
	if g.onCharge != nil {
		g.onCharge()
	}
	g.chargeCtxErr = ctx.Err()
	return g.MockGateway.Charge(ctx, req)
}
