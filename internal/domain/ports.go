package domain

import (
	"context"
	"time"
)

// SessionRepository описывает хранилище сессий воронки.
type SessionRepository interface {
	// Create сохраняет новую сессию.
	Create(ctx context.Context, session Session) error
	// Get возвращает сессию или ErrSessionNotFound.
	Get(ctx context.Context, id string) (Session, error)
	// Save применяет изменения с проверкой версии (optimistic locking).
	Save(ctx context.Context, session Session) error
	// ListExpiring возвращает незавершённые сессии с ExpiresAt <= before.
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]Session, error)
}

// OrderRepository описывает хранилище заказов (попыток списания).
type OrderRepository interface {
	Create(ctx context.Context, order Order) error
	Get(ctx context.Context, id string) (Order, error)
	ListBySession(ctx context.Context, sessionID string) ([]Order, error)
	// ListPending возвращает заказы в статусе pending, созданные не позже createdBefore.
	ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]Order, error)
	// Resolve переводит pending-заказ в окончательный статус; иначе ErrOrderNotPending.
	Resolve(ctx context.Context, id string, status OrderStatus, chargeID, reason string) (Order, error)
	// AttachCharge запоминает идентификатор списания у заказа, пока он pending.
	AttachCharge(ctx context.Context, id, chargeID string) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// TimelineRepository хранит события жизненного цикла сессии.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, sessionID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(key string) (IdempotencyRecord, error)
	MarkDone(key string, responseBody []byte, httpStatus int) error
	MarkFailed(key string, responseBody []byte, httpStatus int) error
	DeleteExpired(before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
