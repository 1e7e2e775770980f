package payment

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("order not found")

	// ErrTxRefUsed: the bank transaction already settled a different order
	// (unique index on matched_tx_ref). One transfer never pays twice.
	ErrTxRefUsed = errors.New("transaction ref already recorded for another order")
)

// DecideFunc computes the status a matched transaction should drive a
// pending order into (see Policy.Decide).
type DecideFunc func(o Order, observedAmount int64, now time.Time) Status

// TransitionOutcome says what TryTransition actually did.
type TransitionOutcome string

const (
	// TransitionApplied: this call won the race and committed the new status.
	TransitionApplied TransitionOutcome = "applied"
	// TransitionDuplicate: same (order, tx ref) pair seen before; no-op.
	TransitionDuplicate TransitionOutcome = "duplicate"
	// TransitionAlreadySettled: order already terminal under a different ref; no-op.
	TransitionAlreadySettled TransitionOutcome = "already_settled"
)

type TransitionResult struct {
	Outcome TransitionOutcome
	Order   Order
}

type Repo struct{ DB *pgxpool.Pool }

const orderColumns = `id, expected_amount, purpose, username, return_url, status,
       matched_tx_ref, observed_amount, paid_at, created_at, expires_at, updated_at`

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	var status string
	err := row.Scan(&o.ID, &o.ExpectedAmount, &o.Purpose, &o.Username, &o.ReturnURL, &status,
		&o.MatchedTxRef, &o.ObservedAmount, &o.PaidAt, &o.CreatedAt, &o.ExpiresAt, &o.UpdatedAt)
	if err != nil {
		return Order{}, err
	}
	o.Status = Status(status)
	return o, nil
}

// Create allocates a fresh pending order. IDs come from a BIGSERIAL so they
// are unique forever and their decimal form fits the transfer-description
// length limit.
func (r *Repo) Create(ctx context.Context, expectedAmount int64, purpose, username, returnURL string, ttl time.Duration) (Order, error) {
	row := r.DB.QueryRow(ctx, `
		INSERT INTO payment_orders(expected_amount, purpose, username, return_url, status, expires_at)
		VALUES ($1, $2, $3, $4, 'pending', now() + $5)
		RETURNING `+orderColumns,
		expectedAmount, purpose, username, returnURL, ttl)
	return scanOrder(row)
}

func (r *Repo) Get(ctx context.Context, orderID int64) (Order, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM payment_orders WHERE id=$1`, orderID)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	return o, err
}

// TryTransition is the single write path for webhook reconciliation. It is
// linearizable per order: the commit is a conditional UPDATE guarded on
// status='pending' AND matched_tx_ref IS NULL, so of any number of
// concurrent deliveries exactly one records an (amount, status) pair.
// Duplicate deliveries (same tx ref) and transactions against an already
// terminal order are no-ops, not errors.
func (r *Repo) TryTransition(ctx context.Context, orderID int64, txRef string, observedAmount int64, decide DecideFunc) (TransitionResult, error) {
	o, err := r.Get(ctx, orderID)
	if err != nil {
		return TransitionResult{}, err
	}

	if o.MatchedTxRef != nil && *o.MatchedTxRef == txRef {
		return TransitionResult{Outcome: TransitionDuplicate, Order: o}, nil
	}
	if o.Status.Terminal() {
		return TransitionResult{Outcome: TransitionAlreadySettled, Order: o}, nil
	}

	next := decide(o, observedAmount, time.Now().UTC())
	if !CanTransition(o.Status, next) {
		return TransitionResult{Outcome: TransitionAlreadySettled, Order: o}, nil
	}

	// paid_at only when money was actually accepted; an expired outcome
	// still records the ref and amount for audit.
	row := r.DB.QueryRow(ctx, `
		UPDATE payment_orders
		SET status=$2, matched_tx_ref=$3, observed_amount=$4,
		    paid_at=CASE WHEN $2 IN ('fulfilled','donation') THEN now() ELSE paid_at END,
		    updated_at=now()
		WHERE id=$1 AND status='pending' AND matched_tx_ref IS NULL
		RETURNING `+orderColumns,
		orderID, string(next), txRef, observedAmount)
	updated, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// lost the race; re-read and classify
		cur, gerr := r.Get(ctx, orderID)
		if gerr != nil {
			return TransitionResult{}, gerr
		}
		if cur.MatchedTxRef != nil && *cur.MatchedTxRef == txRef {
			return TransitionResult{Outcome: TransitionDuplicate, Order: cur}, nil
		}
		return TransitionResult{Outcome: TransitionAlreadySettled, Order: cur}, nil
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return TransitionResult{}, ErrTxRefUsed
		}
		return TransitionResult{}, err
	}
	return TransitionResult{Outcome: TransitionApplied, Order: updated}, nil
}

// ExpireIfDue persists lazy expiry for one order. Reported true when this
// call flipped pending -> expired.
func (r *Repo) ExpireIfDue(ctx context.Context, orderID int64) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE payment_orders SET status='expired', updated_at=now()
		WHERE id=$1 AND status='pending' AND expires_at < now()`, orderID)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

// SweepExpired flips a batch of overdue pending orders and returns their
// ids so the caller can publish expiry events.
func (r *Repo) SweepExpired(ctx context.Context, limit int) ([]int64, error) {
	rows, err := r.DB.Query(ctx, `
		UPDATE payment_orders SET status='expired', updated_at=now()
		WHERE id IN (
			SELECT id FROM payment_orders
			WHERE status='pending' AND expires_at < now()
			ORDER BY expires_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
