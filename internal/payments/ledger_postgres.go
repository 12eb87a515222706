package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxDB is a DB that can open transactions, satisfied by *pgxpool.Pool.
type TxDB interface {
	DB
	Begin(ctx context.Context) (pgx.Tx, error)
}

const uniqueViolation = "23505"

// PostgresLedger persists the payment ledger in Postgres.
type PostgresLedger struct {
	db TxDB
}

func NewPostgresLedger(db TxDB) *PostgresLedger {
	if db == nil {
		panic("payments: db required")
	}
	return &PostgresLedger{db: db}
}

const paymentColumns = `id, booking_id, amount_minor, currency, status, provider_ref,
	paid_at, refunded_at, refunded_amount_minor, created_at, updated_at`

const attemptColumns = `id, payment_id, reference, amount_minor, status, error_code, error_message, metadata, created_at`

const refundColumns = `id, payment_id, amount_minor, reason, status, provider_ref, processed_at, created_at`

func (l *PostgresLedger) Create(ctx context.Context, np NewPayment) (*Payment, error) {
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("payments: begin create: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	p, err := scanPayment(tx.QueryRow(ctx, `
		INSERT INTO payments (id, booking_id, amount_minor, currency, status, provider_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING `+paymentColumns,
		uuid.New(), np.BookingID, np.AmountMinor, np.Currency, string(np.Status), nullIfEmpty(np.ProviderRef), now,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrAlreadyActive
		}
		return nil, fmt.Errorf("payments: insert payment: %w", err)
	}
	if np.Status == StatusPending {
		if err := insertAttempt(ctx, tx, NewAttempt{
			PaymentID:   p.ID,
			Reference:   np.ProviderRef,
			AmountMinor: np.AmountMinor,
			Status:      AttemptPending,
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("payments: commit create: %w", err)
	}
	return p, nil
}

func (l *PostgresLedger) Get(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return l.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
}

func (l *PostgresLedger) GetByBooking(ctx context.Context, bookingID uuid.UUID) (*Payment, error) {
	return l.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE booking_id = $1`, bookingID)
}

func (l *PostgresLedger) ResolveReference(ctx context.Context, ref string) (*Payment, error) {
	if ref == "" {
		return nil, ErrNotFound
	}
	p, err := l.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE provider_ref = $1`, ref)
	if !errors.Is(err, ErrNotFound) {
		return p, err
	}
	return l.getOne(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE id = (SELECT payment_id FROM payment_attempts WHERE reference = $1 ORDER BY created_at DESC LIMIT 1)`, ref)
}

func (l *PostgresLedger) getOne(ctx context.Context, query string, arg any) (*Payment, error) {
	p, err := scanPayment(l.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("payments: load: %w", err)
	}
	return p, nil
}

func (l *PostgresLedger) ListAttempts(ctx context.Context, paymentID uuid.UUID) ([]Attempt, error) {
	rows, err := l.db.Query(ctx, `SELECT `+attemptColumns+` FROM payment_attempts WHERE payment_id = $1 ORDER BY created_at ASC`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("payments: list attempts: %w", err)
	}
	defer rows.Close()
	var out []Attempt
	for rows.Next() {
		var (
			a      Attempt
			status string
			meta   []byte
		)
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.Reference, &a.AmountMinor, &status, &a.ErrorCode, &a.ErrorMessage, &meta, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("payments: scan attempt: %w", err)
		}
		a.Status = AttemptStatus(status)
		if len(meta) > 0 {
			a.Metadata = json.RawMessage(meta)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) ListRefunds(ctx context.Context, paymentID uuid.UUID) ([]RefundRequest, error) {
	rows, err := l.db.Query(ctx, `SELECT `+refundColumns+` FROM refund_requests WHERE payment_id = $1 ORDER BY created_at ASC`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("payments: list refunds: %w", err)
	}
	defer rows.Close()
	var out []RefundRequest
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, fmt.Errorf("payments: scan refund: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) Transition(ctx context.Context, paymentID uuid.UUID, fn func(ctx context.Context, tx LedgerTx, p *Payment) error) error {
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("payments: begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	p, err := scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, paymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("payments: lock payment: %w", err)
	}
	if err := fn(ctx, &pgLedgerTx{tx: tx}, p); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("payments: commit transition: %w", err)
	}
	return nil
}

type pgLedgerTx struct {
	tx DB
}

func (t *pgLedgerTx) UpdatePayment(ctx context.Context, p *Payment, from Status) (bool, error) {
	now := time.Now().UTC()
	tag, err := t.tx.Exec(ctx, `
		UPDATE payments SET status = $3, provider_ref = $4, paid_at = $5, refunded_at = $6,
			refunded_amount_minor = $7, updated_at = $8
		WHERE id = $1 AND status = $2`,
		p.ID, string(from), string(p.Status), nullIfEmpty(p.ProviderRef), p.PaidAt, p.RefundedAt, p.RefundedMinor, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return false, fmt.Errorf("payments: provider reference already used: %w", err)
		}
		return false, fmt.Errorf("payments: update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	p.UpdatedAt = now
	return true, nil
}

func (t *pgLedgerTx) AppendAttempt(ctx context.Context, a NewAttempt) error {
	return insertAttempt(ctx, t.tx, a)
}

func (t *pgLedgerTx) HasAttempt(ctx context.Context, paymentID uuid.UUID, reference string, status AttemptStatus) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM payment_attempts WHERE payment_id = $1 AND reference = $2 AND status = $3)`,
		paymentID, reference, string(status),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("payments: check attempt: %w", err)
	}
	return exists, nil
}

func (t *pgLedgerTx) InsertRefund(ctx context.Context, r NewRefund) (*RefundRequest, bool, error) {
	rr, err := scanRefund(t.tx.QueryRow(ctx, `
		INSERT INTO refund_requests (id, payment_id, amount_minor, reason, status, provider_ref, processed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (provider_ref) DO NOTHING
		RETURNING `+refundColumns,
		uuid.New(), r.PaymentID, r.AmountMinor, r.Reason, string(r.Status), r.ProviderRef, r.ProcessedAt, time.Now().UTC(),
	))
	if err == nil {
		return rr, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("payments: insert refund: %w", err)
	}
	existing, err := t.GetRefundByReference(ctx, r.ProviderRef)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("payments: refund %s vanished after conflict", r.ProviderRef)
	}
	return existing, false, nil
}

func (t *pgLedgerTx) GetRefundByReference(ctx context.Context, ref string) (*RefundRequest, error) {
	rr, err := scanRefund(t.tx.QueryRow(ctx, `SELECT `+refundColumns+` FROM refund_requests WHERE provider_ref = $1`, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("payments: load refund: %w", err)
	}
	return rr, nil
}

func (t *pgLedgerTx) MarkRefundProcessed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE refund_requests SET status = 'PROCESSED', processed_at = $2
		WHERE id = $1 AND status = 'PENDING'`, id, at.UTC())
	if err != nil {
		return false, fmt.Errorf("payments: mark refund processed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgLedgerTx) SumProcessedRefunds(ctx context.Context, paymentID uuid.UUID) (int64, error) {
	var sum int64
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_minor), 0)::bigint FROM refund_requests
		WHERE payment_id = $1 AND status = 'PROCESSED'`, paymentID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("payments: sum refunds: %w", err)
	}
	return sum, nil
}

func insertAttempt(ctx context.Context, db DB, a NewAttempt) error {
	var meta []byte
	if len(a.Metadata) > 0 {
		meta = a.Metadata
	}
	_, err := db.Exec(ctx, `
		INSERT INTO payment_attempts (id, payment_id, reference, amount_minor, status, error_code, error_message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.New(), a.PaymentID, a.Reference, a.AmountMinor, string(a.Status), a.ErrorCode, a.ErrorMessage, meta, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("payments: append attempt: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*Payment, error) {
	var (
		p      Payment
		status string
		ref    *string
	)
	if err := row.Scan(&p.ID, &p.BookingID, &p.AmountMinor, &p.Currency, &status, &ref,
		&p.PaidAt, &p.RefundedAt, &p.RefundedMinor, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = Status(status)
	if ref != nil {
		p.ProviderRef = *ref
	}
	return &p, nil
}

func scanRefund(row rowScanner) (*RefundRequest, error) {
	var (
		r      RefundRequest
		status string
	)
	if err := row.Scan(&r.ID, &r.PaymentID, &r.AmountMinor, &r.Reason, &status, &r.ProviderRef, &r.ProcessedAt, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Status = RefundStatus(status)
	return &r, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
