package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
)

const orderColumns = `id, session_id, kind, sku, qty, amount_minor, currency, status,
	charge_id, failure_reason, created_at, updated_at`

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO funnel_orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		order.ID, order.SessionID, string(order.Kind), order.SKU, order.Qty, order.AmountMinor,
		order.Currency, string(order.Status), order.ChargeID, order.FailureReason,
		order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOrderAlreadyExists
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	order, err := scanOrder(r.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM funnel_orders
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}
	return order, nil
}

func (r *orderRepository) ListBySession(ctx context.Context, sessionID string) ([]domain.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return r.list(ctx, `
		SELECT `+orderColumns+`
		FROM funnel_orders
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC
	`, sessionID)
}

func (r *orderRepository) ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, `
		SELECT `+orderColumns+`
		FROM funnel_orders
		WHERE status = $1 AND created_at <= $2
		ORDER BY created_at ASC, id ASC
		LIMIT $3
	`, string(domain.OrderStatusPending), createdBefore, limit)
}

// Resolve выполняет условный UPDATE: выигрывает только первый конкурент.
func (r *orderRepository) Resolve(ctx context.Context, id string, status domain.OrderStatus, chargeID, reason string) (domain.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	order, err := scanOrder(r.db.QueryRowContext(ctx, `
		UPDATE funnel_orders
		SET status = $2,
		    charge_id = CASE WHEN $3 = '' THEN charge_id ELSE $3 END,
		    failure_reason = $4,
		    updated_at = $5
		WHERE id = $1 AND status = $6
		RETURNING `+orderColumns,
		id, string(status), chargeID, reason, time.Now().UTC(), string(domain.OrderStatusPending),
	))
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("resolve order: %w", err)
	}

	current, getErr := r.Get(ctx, id)
	if getErr != nil {
		return domain.Order{}, getErr
	}
	return current, domain.ErrOrderNotPending
}

func (r *orderRepository) AttachCharge(ctx context.Context, id, chargeID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE funnel_orders
		SET charge_id = $2, updated_at = $3
		WHERE id = $1 AND status = $4
	`, id, chargeID, time.Now().UTC(), string(domain.OrderStatusPending))
	if err != nil {
		return fmt.Errorf("attach charge: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return domain.ErrOrderNotPending
}

func (r *orderRepository) list(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		result = append(result, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return result, nil
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order        domain.Order
		kind, status string
	)
	if err := row.Scan(
		&order.ID, &order.SessionID, &kind, &order.SKU, &order.Qty, &order.AmountMinor,
		&order.Currency, &status, &order.ChargeID, &order.FailureReason,
		&order.CreatedAt, &order.UpdatedAt,
	); err != nil {
		return domain.Order{}, err
	}
	order.Kind = domain.Step(kind)
	order.Status = domain.OrderStatus(status)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

var _ domain.OrderRepository = (*orderRepository)(nil)
