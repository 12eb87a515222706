package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/wolfman30/carebook/internal/apperr"
	"github.com/wolfman30/carebook/internal/bookings"
	"github.com/wolfman30/carebook/internal/pricing"
	"github.com/wolfman30/carebook/pkg/logging"
	"go.opentelemetry.io/otel/attribute"
)

// Pricer quotes a service for a pricing context.
type Pricer interface {
	Price(ctx context.Context, serviceID string, c pricing.Context) (*pricing.Quote, error)
}

// Caller identifies who is acting on a payment.
type Caller struct {
	Email   string
	IsAdmin bool
}

// ServiceConfig holds the gateway and billing settings the service needs.
type ServiceConfig struct {
	PublicKey       string
	CallbackURL     string
	DefaultCurrency string
	TaxRate         decimal.Decimal
}

// GatewayConfig is what the browser needs to open the provider's checkout.
type GatewayConfig struct {
	PublicKey        string            `json:"publicKey"`
	Email            string            `json:"email"`
	AmountMinorUnits int64             `json:"amountMinorUnits"`
	Currency         string            `json:"currency"`
	Reference        string            `json:"reference"`
	CallbackURL      string            `json:"callbackUrl,omitempty"`
	Metadata         map[string]string `json:"metadata"`
}

// InitiateResult is returned by Initiate. GatewayConfig is nil for FREE payments.
type InitiateResult struct {
	Payment       View           `json:"payment"`
	GatewayConfig *GatewayConfig `json:"gatewayConfig,omitempty"`
}

// InitiateRequest starts payment for a booking priced with the given context.
type InitiateRequest struct {
	BookingID uuid.UUID
	Pricing   pricing.Context
}

// Service runs the client and admin payment operations.
type Service struct {
	ledger     Ledger
	bookings   BookingReader
	pricer     Pricer
	gateway    Gateway
	velocity   *VelocityChecker
	reconciler *Reconciler
	cfg        ServiceConfig
	logger     *logging.Logger
	now        func() time.Time
}

func NewService(ledger Ledger, bookingReader BookingReader, pricer Pricer, gateway Gateway, reconciler *Reconciler, cfg ServiceConfig, logger *logging.Logger) *Service {
	if ledger == nil || bookingReader == nil || pricer == nil || gateway == nil || reconciler == nil {
		panic("payments: service dependencies required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "NGN"
	}
	return &Service{
		ledger:     ledger,
		bookings:   bookingReader,
		pricer:     pricer,
		gateway:    gateway,
		reconciler: reconciler,
		cfg:        cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithVelocity enables Redis-backed attempt limits.
func (s *Service) WithVelocity(v *VelocityChecker) *Service {
	s.velocity = v
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// ChargeAmount adds tax to a quoted price and returns minor units.
func ChargeAmount(price decimal.Decimal, taxRate decimal.Decimal) int64 {
	total := price.Add(price.Mul(taxRate)).Round(2)
	return pricing.ToMinor(total)
}

// NewReference generates a provider reference for a new charge attempt.
func NewReference() string {
	return "cb_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Initiate prices the booking and opens (or re-opens) its payment.
// Nothing is written unless the booking is priceable.
func (s *Service) Initiate(ctx context.Context, caller Caller, req InitiateRequest) (*InitiateResult, error) {
	ctx, span := paymentsTracer.Start(ctx, "payments.initiate")
	defer span.End()
	span.SetAttributes(attribute.String("carebook.booking_id", req.BookingID.String()))

	b, err := s.bookingFor(ctx, caller, req.BookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != bookings.StatusScheduled {
		return nil, apperr.Conflict(apperr.CodeBookingNotPayable, "booking is not open for payment")
	}

	quote, err := s.pricer.Price(ctx, b.ServiceID, req.Pricing)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if quote.IsQuoteRequired || quote.Price == nil {
		return nil, apperr.Validation(apperr.CodeQuoteRequired, "this service is priced by manual quote")
	}
	if !quote.BasePriceConfigured {
		return nil, pricing.ErrPricingNotConfigured
	}
	currency := quote.Currency
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}
	amount := ChargeAmount(*quote.Price, s.cfg.TaxRate)

	vr, err := s.velocity.CheckInitiation(ctx, b.ID.String())
	if err != nil {
		return nil, err
	}
	if !vr.Allowed {
		return nil, apperr.Conflict(apperr.CodeTooManyAttempts, "too many payment attempts for this booking")
	}

	log := s.logger.FromContext(ctx)
	existing, err := s.ledger.GetByBooking(ctx, b.ID)
	switch {
	case err == nil:
		if existing.Status != StatusFailed {
			return nil, ErrAlreadyActive
		}
		p, err := s.reinitiate(ctx, existing)
		if err != nil {
			return nil, err
		}
		log.Info("payment re-initiated", "payment_id", p.ID, "booking_id", b.ID, "reference", p.ProviderRef)
		return s.initiateResult(b, p), nil
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	np := NewPayment{
		BookingID:   b.ID,
		AmountMinor: amount,
		Currency:    currency,
		Status:      StatusPending,
		ProviderRef: NewReference(),
	}
	if amount == 0 {
		np.Status = StatusFree
		np.ProviderRef = ""
	}
	p, err := s.ledger.Create(ctx, np)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	log.Info("payment initiated",
		"payment_id", p.ID,
		"booking_id", b.ID,
		"status", string(p.Status),
		"amount_minor", p.AmountMinor,
		"currency", p.Currency,
	)
	return s.initiateResult(b, p), nil
}

// reinitiate moves a FAILED payment back to PENDING under a fresh reference.
// The amount fixed at creation is kept.
func (s *Service) reinitiate(ctx context.Context, failed *Payment) (*Payment, error) {
	var out *Payment
	err := s.ledger.Transition(ctx, failed.ID, func(ctx context.Context, tx LedgerTx, cur *Payment) error {
		if cur.Status != StatusFailed {
			return ErrAlreadyActive
		}
		next := *cur
		next.Status = StatusPending
		next.ProviderRef = NewReference()
		ok, err := tx.UpdatePayment(ctx, &next, StatusFailed)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyActive
		}
		if err := tx.AppendAttempt(ctx, NewAttempt{
			PaymentID:   next.ID,
			Reference:   next.ProviderRef,
			AmountMinor: next.AmountMinor,
			Status:      AttemptPending,
		}); err != nil {
			return err
		}
		out = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) initiateResult(b *bookings.Booking, p *Payment) *InitiateResult {
	res := &InitiateResult{Payment: ViewOf(p)}
	if p.Status != StatusPending {
		return res
	}
	res.GatewayConfig = &GatewayConfig{
		PublicKey:        s.cfg.PublicKey,
		Email:            b.Client.Email,
		AmountMinorUnits: p.AmountMinor,
		Currency:         p.Currency,
		Reference:        p.ProviderRef,
		CallbackURL:      s.cfg.CallbackURL,
		Metadata: map[string]string{
			"bookingId": b.ID.String(),
			"paymentId": p.ID.String(),
		},
	}
	return res
}

// Verify asks the provider for the reference's status and reconciles it
// through the same path as webhooks. A provider failure leaves local state
// unchanged.
func (s *Service) Verify(ctx context.Context, caller Caller, reference string) (*Payment, error) {
	ctx, span := paymentsTracer.Start(ctx, "payments.verify")
	defer span.End()
	span.SetAttributes(attribute.String("carebook.payment_reference", reference))

	p, err := s.ledger.ResolveReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if _, err := s.bookingFor(ctx, caller, p.BookingID); err != nil {
		return nil, err
	}

	tx, err := s.gateway.Verify(ctx, reference)
	if err != nil {
		span.RecordError(err)
		if apperr.KindOf(err) != apperr.KindUpstream {
			err = apperr.Upstream("payment verification failed", err)
		}
		return nil, err
	}

	var res Result
	switch tx.Status {
	case TxSuccess:
		res, err = s.reconciler.ApplyChargeSuccess(ctx, ChargeSuccess{
			Reference:   reference,
			AmountMinor: tx.AmountMinor,
			Currency:    tx.Currency,
			PaidAt:      tx.PaidAt,
			Raw:         tx.Raw,
		})
	case TxFailed, TxAbandoned:
		res, err = s.reconciler.ApplyChargeFailure(ctx, ChargeFailure{
			Reference:   reference,
			AmountMinor: tx.AmountMinor,
			Code:        tx.Status,
			Message:     tx.GatewayResponse,
			Raw:         tx.Raw,
		})
	default:
		return p, nil
	}
	if err != nil {
		return nil, err
	}
	if res.Payment != nil {
		return res.Payment, nil
	}
	return s.ledger.Get(ctx, p.ID)
}

// RequestRefund asks the provider to refund part or all of a PAID payment
// and records a PENDING refund request. The refund completes only when the
// provider confirms it.
func (s *Service) RequestRefund(ctx context.Context, paymentID uuid.UUID, amountMinor int64, reason string) (*RefundRequest, error) {
	ctx, span := paymentsTracer.Start(ctx, "payments.request_refund")
	defer span.End()
	span.SetAttributes(
		attribute.String("carebook.payment_id", paymentID.String()),
		attribute.Int64("carebook.amount_minor", amountMinor),
	)

	if amountMinor <= 0 {
		return nil, apperr.Validation("", "refund amount must be positive")
	}
	p, err := s.ledger.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusPaid {
		return nil, ErrInvalidState
	}
	if amountMinor > p.Refundable() {
		return nil, ErrRefundExceeds
	}
	vr, err := s.velocity.CheckRefund(ctx, p.ID.String())
	if err != nil {
		return nil, err
	}
	if !vr.Allowed {
		return nil, apperr.Conflict(apperr.CodeTooManyAttempts, "too many refund requests for this payment")
	}

	pr, err := s.gateway.CreateRefund(ctx, p.ProviderRef, amountMinor, reason)
	if err != nil {
		span.RecordError(err)
		if apperr.KindOf(err) != apperr.KindUpstream {
			err = apperr.Upstream("refund request failed", err)
		}
		return nil, err
	}

	var rr *RefundRequest
	err = s.ledger.Transition(ctx, p.ID, func(ctx context.Context, tx LedgerTx, cur *Payment) error {
		created, _, err := tx.InsertRefund(ctx, NewRefund{
			PaymentID:   cur.ID,
			AmountMinor: amountMinor,
			Reason:      strings.TrimSpace(reason),
			Status:      RefundRequested,
			ProviderRef: pr.Reference,
		})
		if err != nil {
			return err
		}
		rr = created
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("payments: record refund %s: %w", pr.Reference, err)
	}
	s.logger.FromContext(ctx).Info("refund requested",
		"payment_id", p.ID,
		"refund_reference", rr.ProviderRef,
		"amount_minor", amountMinor,
	)
	return rr, nil
}

// SettleByAdmin marks a PENDING or FAILED payment PAID without a provider
// charge, recording an admin attempt. Settled payments are returned as is.
func (s *Service) SettleByAdmin(ctx context.Context, paymentID uuid.UUID, actor string) (*Payment, error) {
	ctx, span := paymentsTracer.Start(ctx, "payments.settle_by_admin")
	defer span.End()
	span.SetAttributes(attribute.String("carebook.payment_id", paymentID.String()))

	var out *Payment
	err := s.ledger.Transition(ctx, paymentID, func(ctx context.Context, tx LedgerTx, cur *Payment) error {
		switch cur.Status {
		case StatusPaid, StatusRefunded, StatusFree:
			out = cur
			return nil
		}
		from := cur.Status
		paidAt := s.now()
		next := *cur
		next.Status = StatusPaid
		next.PaidAt = &paidAt
		ok, err := tx.UpdatePayment(ctx, &next, from)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Conflict(apperr.CodeInvalidTransition, "payment changed concurrently")
		}
		if err := tx.AppendAttempt(ctx, NewAttempt{
			PaymentID:   next.ID,
			Reference:   next.ProviderRef,
			AmountMinor: next.AmountMinor,
			Status:      AttemptSuccess,
			ErrorCode:   CodeAdminOverride,
			Metadata:    attemptMetadata(map[string]any{"actor": actor, "from": string(from)}),
		}); err != nil {
			return err
		}
		out = &next
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.logger.FromContext(ctx).Info("payment settled by admin", "payment_id", out.ID, "actor", actor, "status", string(out.Status))
	return out, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return s.ledger.Get(ctx, id)
}

func (s *Service) GetByBooking(ctx context.Context, bookingID uuid.UUID) (*Payment, error) {
	return s.ledger.GetByBooking(ctx, bookingID)
}

// bookingFor loads the booking and hides it from callers who do not own it.
func (s *Service) bookingFor(ctx context.Context, caller Caller, bookingID uuid.UUID) (*bookings.Booking, error) {
	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}
	if !caller.IsAdmin && !b.OwnedBy(caller.Email) {
		return nil, ErrBookingNotFound
	}
	return b, nil
}
