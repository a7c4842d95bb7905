package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
)

// orderRepositoryInMemory — простая in-memory реализация OrderRepository.
type orderRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Order
}

// NewOrderRepository возвращает in-memory репозиторий заказов.
func NewOrderRepository() domain.OrderRepository {
	return &orderRepositoryInMemory{items: make(map[string]domain.Order)}
}

func (r *orderRepositoryInMemory) Create(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[order.ID]; exists {
		return domain.ErrOrderAlreadyExists
	}
	// Допредложение оформляется не больше одного раза за сессию.
	if order.Kind.IsUpsell() {
		for _, existing := range r.items {
			if existing.SessionID == order.SessionID && existing.Kind == order.Kind {
				return domain.ErrOrderAlreadyExists
			}
		}
	}
	r.items[order.ID] = order
	return nil
}

func (r *orderRepositoryInMemory) Get(_ context.Context, id string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order, nil
}

// ListBySession возвращает заказы сессии в порядке создания.
func (r *orderRepositoryInMemory) ListBySession(_ context.Context, sessionID string) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Order, 0)
	for _, order := range r.items {
		if order.SessionID == sessionID {
			result = append(result, order)
		}
	}
	sortOrders(result)
	return result, nil
}

func (r *orderRepositoryInMemory) ListPending(_ context.Context, createdBefore time.Time, limit int) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Order, 0)
	for _, order := range r.items {
		if order.Status != domain.OrderStatusPending || order.CreatedAt.After(createdBefore) {
			continue
		}
		result = append(result, order)
	}
	sortOrders(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Resolve переводит заказ из pending в окончательный статус ровно один раз.
func (r *orderRepositoryInMemory) Resolve(_ context.Context, id string, status domain.OrderStatus, chargeID, reason string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if order.Status != domain.OrderStatusPending {
		return order, domain.ErrOrderNotPending
	}

	order.Status = status
	if chargeID != "" {
		order.ChargeID = chargeID
	}
	order.FailureReason = reason
	order.UpdatedAt = time.Now().UTC()
	r.items[id] = order
	return order, nil
}

func (r *orderRepositoryInMemory) AttachCharge(_ context.Context, id, chargeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.items[id]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if order.Status != domain.OrderStatusPending {
		return domain.ErrOrderNotPending
	}
	order.ChargeID = chargeID
	order.UpdatedAt = time.Now().UTC()
	r.items[id] = order
	return nil
}

func sortOrders(orders []domain.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
