package db

import (
	"context"

	"payment-reconciler/internal/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type ReservationRepository struct {
	pool *pgxpool.Pool
}

func NewReservationRepository(pool *pgxpool.Pool) *ReservationRepository {
	return &ReservationRepository{pool: pool}
}

func (r *ReservationRepository) Create(ctx context.Context, res *model.Reservation) error {
	if res.PaymentStatus == "" {
		res.PaymentStatus = model.PaymentStatusUnpaid
	}

	query := `INSERT INTO reservation (id, payment_status, payment_link_token, paid_at)
	          VALUES ($1, $2, $3, $4)
	          RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, query, res.ID, res.PaymentStatus, res.PaymentLinkToken, res.PaidAt).
		Scan(&res.CreatedAt, &res.UpdatedAt)
	return errors.Wrap(err, "insert reservation")
}

func (r *ReservationRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Reservation, error) {
	query := `SELECT id, payment_status, payment_link_token, paid_at, processor_session_id,
	                 processor_payment_intent_id, created_at, updated_at
	          FROM reservation WHERE id = $1`

	var res model.Reservation
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&res.ID,
		&res.PaymentStatus,
		&res.PaymentLinkToken,
		&res.PaidAt,
		&res.ProcessorSessionID,
		&res.ProcessorPaymentIntentID,
		&res.CreatedAt,
		&res.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrReservationNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select reservation")
	}
	return &res, nil
}

// UpdateIfUnpaid applies the unpaid -> paid transition as a single conditional
// update. It reports false when the reservation is already paid and
// model.ErrReservationNotFound when no reservation has the id.
func (r *ReservationRepository) UpdateIfUnpaid(ctx context.Context, id uuid.UUID, t model.PaidTransition) (bool, error) {
	query := `UPDATE reservation
	          SET payment_status = $2,
	              payment_link_token = '',
	              paid_at = $3,
	              processor_session_id = COALESCE(NULLIF($4, ''), processor_session_id),
	              processor_payment_intent_id = COALESCE(NULLIF($5, ''), processor_payment_intent_id),
	              updated_at = now()
	          WHERE id = $1 AND payment_status = $6`

	tag, err := r.pool.Exec(ctx, query, id, model.PaymentStatusPaid, t.PaidAt, t.SessionID, t.PaymentIntentID, model.PaymentStatusUnpaid)
	if err != nil {
		return false, errors.Wrap(err, "update reservation")
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// Nothing matched: either already paid or unknown. Records are never
	// deleted, so the probe cannot race with a removal.
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM reservation WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, errors.Wrap(err, "probe reservation")
	}
	if !exists {
		return false, model.ErrReservationNotFound
	}
	return false, nil
}
