package funnel

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
)

// RetryConfig — повторы сохранения сессии при конфликте версий.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает 3 попытки с задержкой от 10ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  10 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

// errNoChange возвращается из mutator, когда сохранять нечего.
var errNoChange = errors.New("no change")

// mutator применяет изменение к свежей копии сессии. Может вызываться
// несколько раз, поэтому не должен иметь побочных эффектов.
type mutator func(session *domain.Session, now time.Time) ([]event, error)

// mutate выполняет цикл load → mutate → save с optimistic locking.
// При errNoChange возвращает текущую сессию без событий.
func (s *Service) mutate(ctx context.Context, id string, fn mutator) (domain.Session, []event, error) {
	attempts := s.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := s.retry.InitialDelay

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		session, err := s.sessions.Get(ctx, id)
		if err != nil {
			return domain.Session{}, nil, err
		}

		now := s.now()
		events, err := fn(&session, now)
		if errors.Is(err, errNoChange) {
			return session, nil, nil
		}
		if err != nil {
			return session, nil, err
		}

		session.UpdatedAt = now
		err = s.sessions.Save(ctx, session)
		if err == nil {
			session.Version++
			return session, events, nil
		}
		if !domain.IsVersionConflict(err) {
			return session, nil, err
		}

		lastErr = err
		if attempt == attempts {
			break
		}
		s.logger.WithFields(log.Fields{
			"session_id": id,
			"attempt":    attempt,
		}).Warn("session version conflict, retrying")

		if delay > 0 {
			select {
			case <-ctx.Done():
				return session, nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		if s.retry.BackoffFactor > 1 {
			delay = time.Duration(float64(delay) * s.retry.BackoffFactor)
		}
	}
	return domain.Session{}, nil, lastErr
}
