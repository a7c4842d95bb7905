package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
)

func healthy(context.Context) error { return nil }

func TestHealthHandler(t *testing.T) {
	handler := NewHandler("v1.2.0")
	handler.RegisterChecker("database", NewSimpleChecker("database", healthy))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var response Response
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s", response.Status)
	}
	if response.Version != "v1.2.0" {
		t.Errorf("expected version v1.2.0, got %s", response.Version)
	}
	if len(response.Checks) != 1 || response.Checks[0].Name != "database" {
		t.Errorf("unexpected checks: %+v", response.Checks)
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	handler := NewHandler("v1.2.0")
	handler.RegisterChecker("database", NewSimpleChecker("database", func(context.Context) error {
		return errors.New("connection refused")
	}))
	handler.RegisterChecker("kafka", NewSimpleChecker("kafka", healthy))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", w.Code)
	}
	var response Response
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", response.Status)
	}
	// Проверки упорядочены по имени.
	if response.Checks[0].Message != "connection refused" || response.Checks[1].Name != "kafka" {
		t.Errorf("unexpected checks: %+v", response.Checks)
	}
}

func TestHealthHandler_DegradedStays200(t *testing.T) {
	handler := NewHandler("dev")
	handler.RegisterChecker("outbox", CheckerFunc(func(context.Context) Check {
		return Check{Status: StatusDegraded, Message: "lagging"}
	}))

	response := handler.Run(context.Background())
	if response.Status != StatusDegraded {
		t.Errorf("expected degraded, got %s", response.Status)
	}
	if response.Checks[0].Name != "outbox" {
		t.Errorf("expected registered name to be used, got %q", response.Checks[0].Name)
	}

	w := httptest.NewRecorder()
	handler.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("degraded service must stay ready, got %d", w.Code)
	}
}

func TestLivenessHandler(t *testing.T) {
	w := httptest.NewRecorder()
	LivenessHandler(w, httptest.NewRequest(http.MethodGet, "/livez", nil))

	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Errorf("unexpected liveness response: %d %q", w.Code, w.Body.String())
	}
}

func TestReadinessHandler_NotReady(t *testing.T) {
	handler := NewHandler("dev")
	handler.RegisterChecker("database", NewSimpleChecker("database", func(context.Context) error {
		return errors.New("not ready")
	}))

	w := httptest.NewRecorder()
	handler.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if w.Code != http.StatusServiceUnavailable || w.Body.String() != "not ready" {
		t.Errorf("unexpected readiness response: %d %q", w.Code, w.Body.String())
	}
}

func TestHandler_ChecksGetDeadline(t *testing.T) {
	handler := NewHandler("dev")
	handler.timeout = 20 * time.Millisecond
	handler.RegisterChecker("slow", NewSimpleChecker("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	response := handler.Run(context.Background())
	if response.Status != StatusUnhealthy {
		t.Errorf("expected slow check to time out, got %s", response.Status)
	}
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestDatabaseChecker(t *testing.T) {
	if check := NewDatabaseChecker(pinger{}).Check(context.Background()); check.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s", check.Status)
	}
	check := NewDatabaseChecker(pinger{err: errors.New("dial tcp: refused")}).Check(context.Background())
	if check.Status != StatusUnhealthy || check.Name != "database" {
		t.Errorf("unexpected check: %+v", check)
	}
}

type outboxStub struct {
	stats domain.OutboxStats
	err   error
}

func (o outboxStub) Stats() (domain.OutboxStats, error) { return o.stats, o.err }

func TestOutboxChecker(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	cases := []struct {
		name string
		stub outboxStub
		want Status
	}{
		{name: "empty", stub: outboxStub{}, want: StatusHealthy},
		{name: "fresh backlog", stub: outboxStub{stats: domain.OutboxStats{PendingCount: 3, OldestPendingAt: now.Add(-time.Second)}}, want: StatusHealthy},
		{name: "stale backlog", stub: outboxStub{stats: domain.OutboxStats{PendingCount: 40, OldestPendingAt: now.Add(-10 * time.Minute)}}, want: StatusDegraded},
		{name: "stats error", stub: outboxStub{err: errors.New("db down")}, want: StatusUnhealthy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			check := NewOutboxChecker(tc.stub, time.Minute, clock).Check(context.Background())
			if check.Status != tc.want {
				t.Errorf("expected %s, got %s (%s)", tc.want, check.Status, check.Message)
			}
		})
	}
}
