package invoices

import (
	"context"
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
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists invoices in Postgres.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const invoiceColumns = `id, booking_id, invoice_number, amount_minor, tax_minor, total_minor, currency, status,
	due_at, generated_at, sent_at, viewed_at, paid_at, document_key, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, ni NewInvoice) (*Invoice, bool, error) {
	now := time.Now().UTC()
	inv, err := scanInvoice(s.db.QueryRow(ctx, `
		INSERT INTO invoices (id, booking_id, invoice_number, amount_minor, tax_minor, total_minor, currency, status,
			due_at, paid_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (booking_id) DO NOTHING
		RETURNING `+invoiceColumns,
		uuid.New(), ni.BookingID, ni.Number, ni.AmountMinor, ni.TaxMinor, ni.TotalMinor, ni.Currency, string(ni.Status),
		ni.DueAt.UTC(), ni.PaidAt, now,
	))
	if err == nil {
		return inv, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("invoices: create: %w", err)
	}
	existing, err := s.GetByBooking(ctx, ni.BookingID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return s.getOne(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
}

func (s *PostgresStore) GetByBooking(ctx context.Context, bookingID uuid.UUID) (*Invoice, error) {
	return s.getOne(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE booking_id = $1`, bookingID)
}

func (s *PostgresStore) getOne(ctx context.Context, query string, arg any) (*Invoice, error) {
	inv, err := scanInvoice(s.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("invoices: load: %w", err)
	}
	return inv, nil
}

var transitionUpdates = map[Status]string{
	StatusGenerated: `UPDATE invoices SET status = 'GENERATED', generated_at = $3, document_key = $4, updated_at = $3
		WHERE id = $1 AND status = ANY($2)`,
	StatusSent: `UPDATE invoices SET status = 'SENT', sent_at = $3, updated_at = $3
		WHERE id = $1 AND status = ANY($2)`,
	StatusViewed: `UPDATE invoices SET status = 'VIEWED', viewed_at = $3, updated_at = $3
		WHERE id = $1 AND status = ANY($2)`,
	StatusPaid: `UPDATE invoices SET status = 'PAID', paid_at = $3, updated_at = $3
		WHERE id = $1 AND status = ANY($2)`,
}

func (s *PostgresStore) Apply(ctx context.Context, t Transition) (*Invoice, bool, error) {
	query, ok := transitionUpdates[t.To]
	if !ok {
		return nil, false, fmt.Errorf("invoices: unknown target status %q", t.To)
	}
	from := make([]string, 0, len(sources[t.To]))
	for _, st := range sources[t.To] {
		from = append(from, string(st))
	}
	args := []any{t.ID, from, t.At.UTC()}
	if t.To == StatusGenerated {
		args = append(args, t.DocumentKey)
	}
	inv, err := scanInvoice(s.db.QueryRow(ctx, query+` RETURNING `+invoiceColumns, args...))
	if err == nil {
		return inv, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("invoices: move to %s: %w", t.To, err)
	}
	current, err := s.Get(ctx, t.ID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (s *PostgresStore) SetDocument(ctx context.Context, id uuid.UUID, key string) error {
	tag, err := s.db.Exec(ctx, `UPDATE invoices SET document_key = $2, updated_at = $3 WHERE id = $1`, id, key, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("invoices: set document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (*Invoice, error) {
	var (
		inv    Invoice
		status string
	)
	err := row.Scan(
		&inv.ID, &inv.BookingID, &inv.Number, &inv.AmountMinor, &inv.TaxMinor, &inv.TotalMinor, &inv.Currency, &status,
		&inv.DueAt, &inv.GeneratedAt, &inv.SentAt, &inv.ViewedAt, &inv.PaidAt, &inv.DocumentKey, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inv.Status = Status(status)
	return &inv, nil
}

var _ Store = (*PostgresStore)(nil)
