package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
)

const sessionColumns = `id, step, currency, main_sku, customer, payment_method_id, pending_order_id,
	payment_attempts, last_error, crm_sync, fulfillment_sync, version,
	created_at, updated_at, expires_at, completed_at`

type sessionRepository struct {
	db *sql.DB
}

// NewSessionRepository создаёт PostgreSQL-реализацию SessionRepository.
func NewSessionRepository(store *Store) domain.SessionRepository {
	return &sessionRepository{db: store.DB()}
}

func (r *sessionRepository) Create(ctx context.Context, session domain.Session) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	customer, err := json.Marshal(session.Customer)
	if err != nil {
		return fmt.Errorf("encode customer: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO funnel_sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`,
		session.ID, string(session.Step), session.Currency, session.MainSKU, customer,
		session.PaymentMethodID, session.PendingOrderID, session.PaymentAttempts, session.LastError,
		string(syncOrNone(session.CRMSync)), string(syncOrNone(session.FulfillmentSync)), session.Version,
		session.CreatedAt, session.UpdatedAt, session.ExpiresAt, nullTime(session.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrSessionVersionConflict
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *sessionRepository) Get(ctx context.Context, id string) (domain.Session, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	session, err := scanSession(r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM funnel_sessions
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Session{}, domain.ErrSessionNotFound
		}
		return domain.Session{}, fmt.Errorf("select session: %w", err)
	}
	return session, nil
}

// Save обновляет строку только при совпадении версии и увеличивает её.
func (r *sessionRepository) Save(ctx context.Context, session domain.Session) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	customer, err := json.Marshal(session.Customer)
	if err != nil {
		return fmt.Errorf("encode customer: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE funnel_sessions
		SET step = $2,
		    currency = $3,
		    main_sku = $4,
		    customer = $5,
		    payment_method_id = $6,
		    pending_order_id = $7,
		    payment_attempts = $8,
		    last_error = $9,
		    crm_sync = $10,
		    fulfillment_sync = $11,
		    version = version + 1,
		    updated_at = $13,
		    expires_at = $14,
		    completed_at = $15
		WHERE id = $1 AND version = $12
	`,
		session.ID, string(session.Step), session.Currency, session.MainSKU, customer,
		session.PaymentMethodID, session.PendingOrderID, session.PaymentAttempts, session.LastError,
		string(syncOrNone(session.CRMSync)), string(syncOrNone(session.FulfillmentSync)), session.Version,
		session.UpdatedAt, session.ExpiresAt, nullTime(session.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM funnel_sessions WHERE id = $1)`, session.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check session exists: %w", err)
	}
	if !exists {
		return domain.ErrSessionNotFound
	}
	return domain.ErrSessionVersionConflict
}

func (r *sessionRepository) ListExpiring(ctx context.Context, before time.Time, limit int) ([]domain.Session, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM funnel_sessions
		WHERE step NOT IN ($1, $2, $3) AND expires_at <= $4
		ORDER BY expires_at ASC, id ASC
		LIMIT $5
	`, string(domain.StepSuccess), string(domain.StepFailure), string(domain.StepExpired), before, limit)
	if err != nil {
		return nil, fmt.Errorf("list expiring sessions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		result = append(result, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var (
		session                       domain.Session
		step, crmSync, fulfillmentRaw string
		customer                      []byte
		completedAt                   sql.NullTime
	)
	if err := row.Scan(
		&session.ID, &step, &session.Currency, &session.MainSKU, &customer,
		&session.PaymentMethodID, &session.PendingOrderID, &session.PaymentAttempts, &session.LastError,
		&crmSync, &fulfillmentRaw, &session.Version,
		&session.CreatedAt, &session.UpdatedAt, &session.ExpiresAt, &completedAt,
	); err != nil {
		return domain.Session{}, err
	}

	if len(customer) > 0 {
		if err := json.Unmarshal(customer, &session.Customer); err != nil {
			return domain.Session{}, fmt.Errorf("decode customer: %w", err)
		}
	}
	session.Step = domain.Step(step)
	session.CRMSync = domain.SyncStatus(crmSync)
	session.FulfillmentSync = domain.SyncStatus(fulfillmentRaw)
	session.CreatedAt = session.CreatedAt.UTC()
	session.UpdatedAt = session.UpdatedAt.UTC()
	session.ExpiresAt = session.ExpiresAt.UTC()
	if completedAt.Valid {
		session.CompletedAt = completedAt.Time.UTC()
	}
	return session, nil
}

func syncOrNone(s domain.SyncStatus) domain.SyncStatus {
	if s == "" {
		return domain.SyncStatusNone
	}
	return s
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

var _ domain.SessionRepository = (*sessionRepository)(nil)
