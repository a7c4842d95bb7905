package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
)

// sessionRepositoryInMemory — in-memory реализация SessionRepository.
type sessionRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Session
}

// NewSessionRepository возвращает in-memory хранилище сессий для разработки и тестов.
func NewSessionRepository() domain.SessionRepository {
	return &sessionRepositoryInMemory{items: make(map[string]domain.Session)}
}

// Create сохраняет новую сессию, если ID ещё не занят.
func (r *sessionRepositoryInMemory) Create(_ context.Context, session domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[session.ID]; exists {
		return domain.ErrSessionVersionConflict
	}
	r.items[session.ID] = session
	return nil
}

// Get возвращает сессию или ErrSessionNotFound.
func (r *sessionRepositoryInMemory) Get(_ context.Context, id string) (domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.items[id]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return session, nil
}

// Save перезаписывает сессию, если версия совпадает, и увеличивает её.
func (r *sessionRepositoryInMemory) Save(_ context.Context, session domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[session.ID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if current.Version != session.Version {
		return domain.ErrSessionVersionConflict
	}
	session.Version++
	r.items[session.ID] = session
	return nil
}

// ListExpiring возвращает незавершённые сессии, чей срок истёк к before, старые первыми.
func (r *sessionRepositoryInMemory) ListExpiring(_ context.Context, before time.Time, limit int) ([]domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Session, 0)
	for _, session := range r.items {
		if session.Step.Terminal() || !session.Expired(before) {
			continue
		}
		result = append(result, session)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].ExpiresAt.Equal(result[j].ExpiresAt) {
			return result[i].ExpiresAt.Before(result[j].ExpiresAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

var _ domain.SessionRepository = (*sessionRepositoryInMemory)(nil)
