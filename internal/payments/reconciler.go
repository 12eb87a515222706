package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/carebook/internal/apperr"
	"github.com/wolfman30/carebook/internal/bookings"
	"github.com/wolfman30/carebook/internal/notify"
	"github.com/wolfman30/carebook/internal/observability/metrics"
	"github.com/wolfman30/carebook/internal/pricing"
	"github.com/wolfman30/carebook/pkg/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var paymentsTracer = otel.Tracer("carebook.internal.payments")

// BookingReader loads the booking a payment belongs to.
type BookingReader interface {
	Get(ctx context.Context, id uuid.UUID) (*bookings.Booking, error)
}

// PaidListener is told after a payment reaches PAID through the provider,
// and again on every replayed success for a PAID payment. Implementations
// must be idempotent.
type PaidListener interface {
	PaymentPaid(ctx context.Context, p Payment) error
}

// Reconciler applies provider events to the ledger. Every method is
// idempotent: replays and out-of-order deliveries never move a payment
// backwards.
type Reconciler struct {
	ledger   Ledger
	bookings BookingReader
	notifier notify.Port
	listener PaidListener
	metrics  *metrics.BillingMetrics
	logger   *logging.Logger
	now      func() time.Time
}

func NewReconciler(ledger Ledger, bookingReader BookingReader, notifier notify.Port, logger *logging.Logger) *Reconciler {
	if ledger == nil {
		panic("payments: ledger required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Reconciler{
		ledger:   ledger,
		bookings: bookingReader,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithPaidListener registers the hook run after a charge settles.
func (r *Reconciler) WithPaidListener(l PaidListener) *Reconciler {
	r.listener = l
	return r
}

func (r *Reconciler) WithMetrics(m *metrics.BillingMetrics) *Reconciler {
	r.metrics = m
	return r
}

func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	if now != nil {
		r.now = now
	}
	return r
}

// ApplyChargeSuccess settles the payment that owns ev.Reference. Settled
// payments are left untouched so paidAt and the success attempt stay unique.
// A PAID payment still re-runs the paid hook so a replay can finish work an
// earlier delivery left undone. A hook failure is returned with the result.
func (r *Reconciler) ApplyChargeSuccess(ctx context.Context, ev ChargeSuccess) (Result, error) {
	ctx, span := paymentsTracer.Start(ctx, "payments.charge_success")
	defer span.End()
	span.SetAttributes(attribute.String("carebook.payment_reference", ev.Reference))

	p, res, ok, err := r.resolve(ctx, span, ev.Reference)
	if !ok {
		return res, err
	}

	var result Result
	err = r.ledger.Transition(ctx, p.ID, func(ctx context.Context, tx LedgerTx, cur *Payment) error {
		switch cur.Status {
		case StatusPaid, StatusRefunded:
			result = Result{Outcome: OutcomeDuplicate, Payment: cur}
			return nil
		case StatusFree:
			result = Result{Outcome: OutcomeRejected, Payment: cur, Reason: "free payments are never charged"}
			return nil
		}
		if ev.AmountMinor < cur.AmountMinor {
			seen, err := tx.HasAttempt(ctx, cur.ID, ev.Reference, AttemptFailed)
			if err != nil {
				return err
			}
			if !seen {
				if err := tx.AppendAttempt(ctx, NewAttempt{
					PaymentID:    cur.ID,
					Reference:    ev.Reference,
					AmountMinor:  ev.AmountMinor,
					Status:       AttemptFailed,
					ErrorCode:    CodeAmountMismatch,
					ErrorMessage: "charged amount is below the payment amount",
					Metadata:     ev.Raw,
				}); err != nil {
					return err
				}
			}
			result = Result{Outcome: OutcomeRejected, Payment: cur, Reason: CodeAmountMismatch}
			return nil
		}

		from := cur.Status
		paidAt := ev.PaidAt
		if paidAt.IsZero() {
			paidAt = r.now()
		}
		paidAt = paidAt.UTC()
		next := *cur
		next.Status = StatusPaid
		next.PaidAt = &paidAt
		next.ProviderRef = ev.Reference
		updated, err := tx.UpdatePayment(ctx, &next, from)
		if err != nil {
			return err
		}
		if !updated {
			result = Result{Outcome: OutcomeStale, Payment: cur}
			return nil
		}
		if err := tx.AppendAttempt(ctx, NewAttempt{
			PaymentID:   cur.ID,
			Reference:   ev.Reference,
			AmountMinor: ev.AmountMinor,
			Status:      AttemptSuccess,
			Metadata:    ev.Raw,
		}); err != nil {
			return err
		}
		result = Result{Outcome: OutcomeApplied, Payment: &next}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	r.record(ctx, "charge.success", result)
	switch {
	case result.Outcome == OutcomeApplied:
		r.notify(ctx, *result.Payment, notify.TemplatePaymentReceipt, nil)
	case result.Outcome == OutcomeDuplicate && result.Payment.Status == StatusPaid:
		// Replays retry the hook only.
	default:
		return result, nil
	}
	if err := r.runPaidHook(ctx, *result.Payment); err != nil {
		span.RecordError(err)
		return result, err
	}
	return result, nil
}

// ApplyChargeFailure marks a PENDING payment FAILED when the failure is for
// its current reference. Failures for older references or for settled
// payments are kept as attempts only.
func (r *Reconciler) ApplyChargeFailure(ctx context.Context, ev ChargeFailure) (Result, error) {
	ctx, span := paymentsTracer.Start(ctx, "payments.charge_failed")
	defer span.End()
	span.SetAttributes(attribute.String("carebook.payment_reference", ev.Reference))

	p, res, ok, err := r.resolve(ctx, span, ev.Reference)
	if !ok {
		return res, err
	}

	var result Result
	err = r.ledger.Transition(ctx, p.ID, func(ctx context.Context, tx LedgerTx, cur *Payment) error {
		seen, err := tx.HasAttempt(ctx, cur.ID, ev.Reference, AttemptFailed)
		if err != nil {
			return err
		}
		if seen {
			result = Result{Outcome: OutcomeDuplicate, Payment: cur}
			return nil
		}
		if err := tx.AppendAttempt(ctx, NewAttempt{
			PaymentID:    cur.ID,
			Reference:    ev.Reference,
			AmountMinor:  ev.AmountMinor,
			Status:       AttemptFailed,
			ErrorCode:    ev.Code,
			ErrorMessage: ev.Message,
			Metadata:     ev.Raw,
		}); err != nil {
			return err
		}
		if cur.Status != StatusPending || cur.ProviderRef != ev.Reference {
			result = Result{Outcome: OutcomeStale, Payment: cur}
			return nil
		}
		next := *cur
		next.Status = StatusFailed
		updated, err := tx.UpdatePayment(ctx, &next, StatusPending)
		if err != nil {
			return err
		}
		if !updated {
			result = Result{Outcome: OutcomeStale, Payment: cur}
			return nil
		}
		result = Result{Outcome: OutcomeApplied, Payment: &next}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	r.record(ctx, "charge.failed", result)
	if result.Outcome == OutcomeApplied {
		reason := ev.Message
		if reason == "" {
			reason = ev.Code
		}
		r.notify(ctx, *result.Payment, notify.TemplatePaymentFailed, map[string]any{"Reason": reason})
	}
	return result, nil
}

// ApplyRefundCreated records a PENDING refund request opened at the provider.
func (r *Reconciler) ApplyRefundCreated(ctx context.Context, ev RefundCreated) (Result, error) {
	ctx, span := paymentsTracer.Start(ctx, "payments.refund_created")
	defer span.End()
	span.SetAttributes(
		attribute.String("carebook.payment_reference", ev.ChargeReference),
		attribute.String("carebook.refund_reference", ev.RefundReference),
	)
	if ev.RefundReference == "" {
		return Result{Outcome: OutcomeRejected, Reason: "refund reference missing"}, nil
	}

	p, res, ok, err := r.resolve(ctx, span, ev.ChargeReference)
	if !ok {
		return res, err
	}

	var result Result
	err = r.ledger.Transition(ctx, p.ID, func(ctx context.Context, tx LedgerTx, cur *Payment) error {
		existing, err := tx.GetRefundByReference(ctx, ev.RefundReference)
		if err != nil {
			return err
		}
		if existing != nil {
			result = Result{Outcome: OutcomeDuplicate, Payment: cur}
			return nil
		}
		if reason := refundRejection(cur, ev.AmountMinor); reason != "" {
			result = Result{Outcome: OutcomeRejected, Payment: cur, Reason: reason}
			return nil
		}
		if _, _, err := tx.InsertRefund(ctx, NewRefund{
			PaymentID:   cur.ID,
			AmountMinor: ev.AmountMinor,
			Reason:      ev.Reason,
			Status:      RefundRequested,
			ProviderRef: ev.RefundReference,
		}); err != nil {
			return err
		}
		result = Result{Outcome: OutcomeApplied, Payment: cur}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	r.record(ctx, "refund.created", result)
	return result, nil
}

// ApplyRefundProcessed completes a refund request, creating it first when
// the provider's processed event arrives before (or without) the created
// event, and moves the payment to REFUNDED.
func (r *Reconciler) ApplyRefundProcessed(ctx context.Context, ev RefundProcessed) (Result, error) {
	ctx, span := paymentsTracer.Start(ctx, "payments.refund_processed")
	defer span.End()
	span.SetAttributes(
		attribute.String("carebook.payment_reference", ev.ChargeReference),
		attribute.String("carebook.refund_reference", ev.RefundReference),
	)
	if ev.RefundReference == "" {
		return Result{Outcome: OutcomeRejected, Reason: "refund reference missing"}, nil
	}

	p, res, ok, err := r.resolve(ctx, span, ev.ChargeReference)
	if !ok {
		return res, err
	}

	processedAt := ev.ProcessedAt
	if processedAt.IsZero() {
		processedAt = r.now()
	}
	processedAt = processedAt.UTC()

	var (
		result   Result
		refunded int64
	)
	err = r.ledger.Transition(ctx, p.ID, func(ctx context.Context, tx LedgerTx, cur *Payment) error {
		rr, err := tx.GetRefundByReference(ctx, ev.RefundReference)
		if err != nil {
			return err
		}
		if rr != nil && rr.Status == RefundSettled {
			result = Result{Outcome: OutcomeDuplicate, Payment: cur}
			return nil
		}
		if rr != nil && rr.PaymentID != cur.ID {
			result = Result{Outcome: OutcomeRejected, Payment: cur, Reason: "refund belongs to another payment"}
			return nil
		}
		amount := ev.AmountMinor
		if rr != nil {
			amount = rr.AmountMinor
		}
		if !cur.Status.Settled() {
			result = Result{Outcome: OutcomeRejected, Payment: cur, Reason: "payment is not settled"}
			return nil
		}
		processed, err := tx.SumProcessedRefunds(ctx, cur.ID)
		if err != nil {
			return err
		}
		if amount <= 0 || processed+amount > cur.AmountMinor {
			result = Result{Outcome: OutcomeRejected, Payment: cur, Reason: "refund exceeds payment"}
			return nil
		}

		if rr == nil {
			rr, _, err = tx.InsertRefund(ctx, NewRefund{
				PaymentID:   cur.ID,
				AmountMinor: amount,
				Status:      RefundRequested,
				ProviderRef: ev.RefundReference,
			})
			if err != nil {
				return err
			}
		}
		marked, err := tx.MarkRefundProcessed(ctx, rr.ID, processedAt)
		if err != nil {
			return err
		}
		if !marked {
			result = Result{Outcome: OutcomeDuplicate, Payment: cur}
			return nil
		}

		from := cur.Status
		next := *cur
		next.Status = StatusRefunded
		next.RefundedMinor = processed + amount
		next.RefundedAt = &processedAt
		updated, err := tx.UpdatePayment(ctx, &next, from)
		if err != nil {
			return err
		}
		if !updated {
			return errors.New("payments: payment changed while locked")
		}
		refunded = amount
		result = Result{Outcome: OutcomeApplied, Payment: &next}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	r.record(ctx, "refund.processed", result)
	if result.Outcome == OutcomeApplied {
		r.notify(ctx, *result.Payment, notify.TemplateRefundProcessed, map[string]any{
			"Amount": pricing.FormatMinor(refunded),
		})
	}
	return result, nil
}

func (r *Reconciler) resolve(ctx context.Context, span trace.Span, ref string) (*Payment, Result, bool, error) {
	p, err := r.ledger.ResolveReference(ctx, ref)
	if err == nil {
		span.SetAttributes(attribute.String("carebook.payment_id", p.ID.String()))
		return p, Result{}, true, nil
	}
	if errors.Is(err, ErrNotFound) {
		r.logger.FromContext(ctx).Warn("payment event for unknown reference", "reference", ref)
		return nil, Result{Outcome: OutcomeUnknownReference}, false, nil
	}
	span.RecordError(err)
	return nil, Result{}, false, err
}

func refundRejection(p *Payment, amount int64) string {
	if !p.Status.Settled() {
		return "payment is not settled"
	}
	if amount <= 0 || amount > p.Refundable() {
		return "refund exceeds payment"
	}
	return ""
}

func (r *Reconciler) record(ctx context.Context, event string, res Result) {
	log := r.logger.FromContext(ctx)
	attrs := []any{"event", event, "outcome", string(res.Outcome)}
	if res.Payment != nil {
		attrs = append(attrs, "payment_id", res.Payment.ID, "status", string(res.Payment.Status))
	}
	if res.Reason != "" {
		attrs = append(attrs, "reason", res.Reason)
	}
	switch res.Outcome {
	case OutcomeApplied:
		log.Info("payment event applied", attrs...)
		if res.Payment != nil {
			r.metrics.ObservePaymentTransition(string(res.Payment.Status))
		}
	case OutcomeRejected:
		log.Warn("payment event rejected", attrs...)
	default:
		log.Info("payment event ignored", attrs...)
	}
}

func (r *Reconciler) runPaidHook(ctx context.Context, p Payment) error {
	if r.listener == nil {
		return nil
	}
	if err := r.listener.PaymentPaid(ctx, p); err != nil {
		r.logger.FromContext(ctx).Error("paid hook failed", "payment_id", p.ID, "error", err)
		return apperr.Internal("payment settled but follow-up failed", fmt.Errorf("payments: paid hook: %w", err))
	}
	return nil
}

func (r *Reconciler) notify(ctx context.Context, p Payment, template string, extra map[string]any) {
	if r.notifier == nil || r.bookings == nil {
		return
	}
	b, err := r.bookings.Get(ctx, p.BookingID)
	if err != nil {
		r.logger.FromContext(ctx).Warn("cannot load booking for payment notification", "payment_id", p.ID, "error", err)
		return
	}
	n := bookings.NotificationFor(*b, template)
	n.Data["Amount"] = pricing.FormatMinor(p.AmountMinor)
	n.Data["Currency"] = p.Currency
	n.Data["Reference"] = p.ProviderRef
	for k, v := range extra {
		n.Data[k] = v
	}
	notify.Dispatch(ctx, r.notifier, r.logger, n)
}

// attemptMetadata encodes extra audit fields for an attempt.
func attemptMetadata(fields map[string]any) json.RawMessage {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil
	}
	return raw
}
