package invoices

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var invoiceCols = []string{
	"id", "booking_id", "invoice_number", "amount_minor", "tax_minor", "total_minor", "currency", "status",
	"due_at", "generated_at", "sent_at", "viewed_at", "paid_at", "document_key", "created_at", "updated_at",
}

func invoiceRow(mock pgxmock.PgxPoolIface, id, bookingID uuid.UUID, status Status) *pgxmock.Rows {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	return mock.NewRows(invoiceCols).AddRow(
		id, bookingID, "INV-20260501-ABCDEF12", int64(10000), int64(1000), int64(11000), "NGN", string(status),
		now.AddDate(0, 0, 7), (*time.Time)(nil), (*time.Time)(nil), (*time.Time)(nil), (*time.Time)(nil), "", now, now,
	)
}

func TestPostgresStoreCreateConflictReturnsExisting(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store := NewPostgresStore(mock)
	id, bookingID := uuid.New(), uuid.New()

	mock.ExpectQuery("INSERT INTO invoices").WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM invoices WHERE booking_id = $1")).
		WithArgs(bookingID).
		WillReturnRows(invoiceRow(mock, id, bookingID, StatusPending))

	inv, created, err := store.Create(context.Background(), NewInvoice{BookingID: bookingID, Number: "INV-20260501-00000000", Status: StatusPaid})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, inv.ID)
	assert.Equal(t, "INV-20260501-ABCDEF12", inv.Number)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreApplyUsesStatusGuard(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store := NewPostgresStore(mock)
	id, bookingID := uuid.New(), uuid.New()
	at := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("SET status = 'GENERATED'")).
		WithArgs(id, []string{"PENDING"}, at, "invoices/v1/doc.txt").
		WillReturnRows(invoiceRow(mock, id, bookingID, StatusGenerated))

	inv, applied, err := store.Apply(context.Background(), Transition{ID: id, To: StatusGenerated, At: at, DocumentKey: "invoices/v1/doc.txt"})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, StatusGenerated, inv.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreApplyNotAllowed(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store := NewPostgresStore(mock)
	id, bookingID := uuid.New(), uuid.New()
	at := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("SET status = 'VIEWED'")).
		WithArgs(id, []string{"SENT"}, at).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM invoices WHERE id = $1")).
		WithArgs(id).
		WillReturnRows(invoiceRow(mock, id, bookingID, StatusPaid))

	inv, applied, err := store.Apply(context.Background(), Transition{ID: id, To: StatusViewed, At: at})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, StatusPaid, inv.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreGetMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store := NewPostgresStore(mock)
	id := uuid.New()

	mock.ExpectQuery("FROM invoices WHERE id").WithArgs(id).WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("UPDATE invoices SET document_key").
		WithArgs(id, "k", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	_, err = store.Get(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.SetDocument(context.Background(), id, "k"), ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
