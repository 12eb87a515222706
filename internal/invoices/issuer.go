package invoices

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/carebook/internal/apperr"
	"github.com/wolfman30/carebook/internal/bookings"
	"github.com/wolfman30/carebook/internal/notify"
	"github.com/wolfman30/carebook/internal/payments"
	"github.com/wolfman30/carebook/internal/pricing"
	"github.com/wolfman30/carebook/pkg/logging"
)

var invoicesTracer = otel.Tracer("carebook.internal.invoices")

// BookingReader loads bookings.
type BookingReader interface {
	Get(ctx context.Context, id uuid.UUID) (*bookings.Booking, error)
}

// PaymentReader loads the payment for a booking. payments.Ledger satisfies it.
type PaymentReader interface {
	GetByBooking(ctx context.Context, bookingID uuid.UUID) (*payments.Payment, error)
}

// PaymentSettler moves an unsettled payment to PAID on an admin's behalf.
type PaymentSettler interface {
	SettleByAdmin(ctx context.Context, paymentID uuid.UUID, actor string) (*payments.Payment, error)
}

// Viewer is who is reading or requesting an invoice.
type Viewer struct {
	Email   string
	IsAdmin bool
}

type Config struct {
	TaxRate       decimal.Decimal
	DueDays       int
	PublicBaseURL string
}

// Issuer derives invoices from bookings and payments and drives them
// through their lifecycle.
type Issuer struct {
	store    Store
	bookings BookingReader
	payments PaymentReader
	settler  PaymentSettler
	docs     DocumentStore
	notifier notify.Port
	cfg      Config
	logger   *logging.Logger
	now      func() time.Time
}

func NewIssuer(store Store, bookingReader BookingReader, paymentReader PaymentReader, docs DocumentStore, notifier notify.Port, cfg Config, logger *logging.Logger) *Issuer {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.DueDays <= 0 {
		cfg.DueDays = 7
	}
	return &Issuer{
		store:    store,
		bookings: bookingReader,
		payments: paymentReader,
		docs:     docs,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithSettler lets MarkPaid settle the linked payment.
func (i *Issuer) WithSettler(s PaymentSettler) *Issuer {
	i.settler = s
	return i
}

func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// PaymentPaid issues or settles the booking's invoice when its payment is
// confirmed.
func (i *Issuer) PaymentPaid(ctx context.Context, p payments.Payment) error {
	_, err := i.IssueOrUpdate(ctx, p)
	return err
}

// IssueOrUpdate makes sure the booking of a settled payment has a PAID invoice.
func (i *Issuer) IssueOrUpdate(ctx context.Context, p payments.Payment) (*Invoice, error) {
	ctx, span := invoicesTracer.Start(ctx, "invoices.issue_or_update")
	defer span.End()
	span.SetAttributes(attribute.String("carebook.booking_id", p.BookingID.String()))

	paidAt := i.now()
	if p.PaidAt != nil {
		paidAt = p.PaidAt.UTC()
	}
	inv, created, err := i.create(ctx, p, StatusPaid, &paidAt)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	log := i.logger.FromContext(ctx)
	if created {
		log.Info("invoice issued", "invoice_id", inv.ID, "invoice_number", inv.Number, "booking_id", p.BookingID)
		return inv, nil
	}
	if inv.Status == StatusPaid {
		return inv, nil
	}
	inv, _, err = i.store.Apply(ctx, Transition{ID: inv.ID, To: StatusPaid, At: paidAt})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	log.Info("invoice marked paid", "invoice_id", inv.ID, "booking_id", p.BookingID)
	return inv, nil
}

// Request returns the booking's invoice, creating a PENDING one (or PAID
// when the payment is already settled) on first request.
func (i *Issuer) Request(ctx context.Context, viewer Viewer, bookingID uuid.UUID) (*Invoice, bool, error) {
	b, err := i.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, false, err
	}
	if !viewer.IsAdmin && !b.OwnedBy(viewer.Email) {
		return nil, false, bookings.ErrNotFound
	}
	existing, err := i.store.GetByBooking(ctx, bookingID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	p, err := i.payments.GetByBooking(ctx, bookingID)
	if err != nil {
		if errors.Is(err, payments.ErrNotFound) {
			return nil, false, ErrNoPayment
		}
		return nil, false, err
	}
	status := StatusPending
	var paidAt *time.Time
	if p.Status.Settled() {
		status = StatusPaid
		paidAt = p.PaidAt
	}
	inv, created, err := i.create(ctx, *p, status, paidAt)
	if err != nil {
		return nil, false, err
	}
	if created {
		i.logger.FromContext(ctx).Info("invoice requested", "invoice_id", inv.ID, "booking_id", bookingID, "status", string(inv.Status))
	}
	return inv, created, nil
}

func (i *Issuer) create(ctx context.Context, p payments.Payment, status Status, paidAt *time.Time) (*Invoice, bool, error) {
	issued := i.now()
	amount, tax := SplitTax(p.AmountMinor, i.cfg.TaxRate)
	return i.store.Create(ctx, NewInvoice{
		BookingID:   p.BookingID,
		Number:      NewNumber(issued),
		AmountMinor: amount,
		TaxMinor:    tax,
		TotalMinor:  p.AmountMinor,
		Currency:    p.Currency,
		Status:      status,
		DueAt:       issued.AddDate(0, 0, i.cfg.DueDays),
		PaidAt:      paidAt,
	})
}

// Generate renders the invoice document and stores it. A PENDING invoice
// moves to GENERATED; later statuses keep their status and only gain the
// document.
func (i *Issuer) Generate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	ctx, span := invoicesTracer.Start(ctx, "invoices.generate")
	defer span.End()
	span.SetAttributes(attribute.String("carebook.invoice_id", id.String()))

	inv, err := i.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	b, err := i.bookings.Get(ctx, inv.BookingID)
	if err != nil {
		return nil, err
	}
	body, err := Render(inv, b)
	if err != nil {
		span.RecordError(err)
		return nil, apperr.Internal("invoice rendering failed", err)
	}
	key := ""
	if i.docs != nil {
		key, err = i.docs.Put(ctx, inv, body)
		if err != nil {
			span.RecordError(err)
			return nil, apperr.Upstream("invoice document storage failed", err)
		}
	}

	if inv.Status == StatusPending {
		moved, applied, err := i.store.Apply(ctx, Transition{ID: id, To: StatusGenerated, At: i.now(), DocumentKey: key})
		if err != nil {
			return nil, err
		}
		if applied {
			i.logger.FromContext(ctx).Info("invoice generated", "invoice_id", id, "document_key", key)
			return moved, nil
		}
		inv = moved
	}
	if key != "" && key != inv.DocumentKey {
		if err := i.store.SetDocument(ctx, id, key); err != nil {
			return nil, err
		}
		inv.DocumentKey = key
	}
	return inv, nil
}

// Send emails the invoice to the client. PENDING and GENERATED invoices
// move to SENT; later statuses are re-sent unchanged.
func (i *Issuer) Send(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := i.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	b, err := i.bookings.Get(ctx, inv.BookingID)
	if err != nil {
		return nil, err
	}
	if CanMove(inv.Status, StatusSent) {
		moved, applied, err := i.store.Apply(ctx, Transition{ID: id, To: StatusSent, At: i.now()})
		if err != nil {
			return nil, err
		}
		if applied {
			i.logger.FromContext(ctx).Info("invoice sent", "invoice_id", id, "booking_id", inv.BookingID)
		}
		inv = moved
	}

	n := bookings.NotificationFor(*b, notify.TemplateInvoiceSent)
	n.Data["InvoiceNumber"] = inv.Number
	n.Data["Total"] = pricing.FormatMinor(inv.TotalMinor)
	n.Data["Currency"] = inv.Currency
	n.Data["DueAt"] = notify.FormatTime(inv.DueAt, b.Client.Timezone)
	n.Data["Link"] = i.link(inv)
	notify.Dispatch(ctx, i.notifier, i.logger, n)
	return inv, nil
}

func (i *Issuer) link(inv *Invoice) string {
	if i.cfg.PublicBaseURL == "" {
		return ""
	}
	return strings.TrimRight(i.cfg.PublicBaseURL, "/") + "/invoices/" + inv.ID.String()
}

// View returns the invoice to its owner or an admin. The owner's first read
// of a SENT invoice marks it VIEWED.
func (i *Issuer) View(ctx context.Context, viewer Viewer, id uuid.UUID) (*Invoice, error) {
	inv, err := i.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	b, err := i.bookings.Get(ctx, inv.BookingID)
	if err != nil {
		return nil, err
	}
	owner := b.OwnedBy(viewer.Email)
	if !owner && !viewer.IsAdmin {
		return nil, apperr.Forbidden("not allowed to view this invoice")
	}
	if !owner || inv.Status != StatusSent {
		return inv, nil
	}
	viewed, applied, err := i.store.Apply(ctx, Transition{ID: id, To: StatusViewed, At: i.now()})
	if err != nil {
		return nil, err
	}
	if applied {
		i.logger.FromContext(ctx).Info("invoice viewed", "invoice_id", id)
	}
	return viewed, nil
}

// MarkPaid settles the invoice by hand. An unsettled linked payment is
// settled too.
func (i *Issuer) MarkPaid(ctx context.Context, id uuid.UUID, actor string) (*Invoice, error) {
	ctx, span := invoicesTracer.Start(ctx, "invoices.mark_paid")
	defer span.End()
	span.SetAttributes(attribute.String("carebook.invoice_id", id.String()))

	inv, err := i.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.Status == StatusPaid {
		return inv, nil
	}
	if i.settler != nil {
		p, err := i.payments.GetByBooking(ctx, inv.BookingID)
		switch {
		case err == nil:
			if p.Status == payments.StatusPending || p.Status == payments.StatusFailed {
				if _, err := i.settler.SettleByAdmin(ctx, p.ID, actor); err != nil {
					span.RecordError(err)
					return nil, err
				}
			}
		case !errors.Is(err, payments.ErrNotFound):
			return nil, err
		}
	}
	paid, _, err := i.store.Apply(ctx, Transition{ID: id, To: StatusPaid, At: i.now()})
	if err != nil {
		return nil, err
	}
	i.logger.FromContext(ctx).Info("invoice marked paid by admin", "invoice_id", id, "actor", actor)
	return paid, nil
}

var _ payments.PaidListener = (*Issuer)(nil)
