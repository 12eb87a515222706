// Package invoices issues and tracks the invoice for each paid or
// explicitly invoiced booking.
package invoices

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/wolfman30/carebook/internal/apperr"
	"github.com/wolfman30/carebook/internal/pricing"
)

// Status is the invoice lifecycle. Statuses only move forward and PAID is
// terminal.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusGenerated Status = "GENERATED"
	StatusSent      Status = "SENT"
	StatusViewed    Status = "VIEWED"
	StatusPaid      Status = "PAID"
)

var (
	ErrNotFound  = apperr.NotFound("invoice not found")
	ErrNoPayment = apperr.Conflict(apperr.CodeInvalidPaymentState, "booking has no payment to invoice")
)

// sources lists the statuses each target status may be reached from.
var sources = map[Status][]Status{
	StatusGenerated: {StatusPending},
	StatusSent:      {StatusPending, StatusGenerated},
	StatusViewed:    {StatusSent},
	StatusPaid:      {StatusPending, StatusGenerated, StatusSent, StatusViewed},
}

// CanMove reports whether an invoice in from may move to to.
func CanMove(from, to Status) bool {
	for _, s := range sources[to] {
		if s == from {
			return true
		}
	}
	return false
}

type Invoice struct {
	ID          uuid.UUID
	BookingID   uuid.UUID
	Number      string
	AmountMinor int64
	TaxMinor    int64
	TotalMinor  int64
	Currency    string
	Status      Status
	DueAt       time.Time
	GeneratedAt *time.Time
	SentAt      *time.Time
	ViewedAt    *time.Time
	PaidAt      *time.Time
	DocumentKey string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewInvoice is the input to Store.Create.
type NewInvoice struct {
	BookingID   uuid.UUID
	Number      string
	AmountMinor int64
	TaxMinor    int64
	TotalMinor  int64
	Currency    string
	Status      Status
	DueAt       time.Time
	PaidAt      *time.Time
}

// Transition moves an invoice to To if its current status allows it.
// DocumentKey is recorded for GENERATED transitions.
type Transition struct {
	ID          uuid.UUID
	To          Status
	At          time.Time
	DocumentKey string
}

// Store is the persistence boundary for invoices. One invoice exists per
// booking and its number never changes.
type Store interface {
	// Create inserts unless the booking already has an invoice. The bool
	// reports whether a row was inserted; the existing invoice is returned
	// otherwise.
	Create(ctx context.Context, ni NewInvoice) (*Invoice, bool, error)
	Get(ctx context.Context, id uuid.UUID) (*Invoice, error)
	GetByBooking(ctx context.Context, bookingID uuid.UUID) (*Invoice, error)
	// Apply performs t as a conditional update and reports whether it applied.
	Apply(ctx context.Context, t Transition) (*Invoice, bool, error)
	SetDocument(ctx context.Context, id uuid.UUID, key string) error
}

// View is the JSON shape of an invoice.
type View struct {
	ID          uuid.UUID  `json:"id"`
	BookingID   uuid.UUID  `json:"bookingId"`
	Number      string     `json:"invoiceNumber"`
	Amount      string     `json:"amount"`
	Tax         string     `json:"tax"`
	Total       string     `json:"totalAmount"`
	Currency    string     `json:"currency"`
	Status      Status     `json:"status"`
	DueAt       time.Time  `json:"dueAt"`
	GeneratedAt *time.Time `json:"generatedAt,omitempty"`
	SentAt      *time.Time `json:"sentAt,omitempty"`
	ViewedAt    *time.Time `json:"viewedAt,omitempty"`
	PaidAt      *time.Time `json:"paidAt,omitempty"`
	HasDocument bool       `json:"hasDocument"`
}

func ViewOf(inv *Invoice) View {
	return View{
		ID:          inv.ID,
		BookingID:   inv.BookingID,
		Number:      inv.Number,
		Amount:      pricing.FormatMinor(inv.AmountMinor),
		Tax:         pricing.FormatMinor(inv.TaxMinor),
		Total:       pricing.FormatMinor(inv.TotalMinor),
		Currency:    inv.Currency,
		Status:      inv.Status,
		DueAt:       inv.DueAt,
		GeneratedAt: inv.GeneratedAt,
		SentAt:      inv.SentAt,
		ViewedAt:    inv.ViewedAt,
		PaidAt:      inv.PaidAt,
		HasDocument: inv.DocumentKey != "",
	}
}

// NewNumber returns an invoice number of the form INV-YYYYMMDD-XXXXXXXX.
func NewNumber(issued time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("INV-%s-%s", issued.UTC().Format("20060102"), suffix)
}

// SplitTax splits a tax-inclusive total into net amount and tax.
func SplitTax(totalMinor int64, rate decimal.Decimal) (amountMinor, taxMinor int64) {
	if totalMinor <= 0 {
		return 0, 0
	}
	if rate.IsNegative() || rate.IsZero() {
		return totalMinor, 0
	}
	net := decimal.NewFromInt(totalMinor).Div(decimal.NewFromInt(1).Add(rate)).Round(0)
	amountMinor = net.IntPart()
	return amountMinor, totalMinor - amountMinor
}
