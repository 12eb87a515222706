package payments

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/carebook/internal/apperr"
	"github.com/wolfman30/carebook/internal/pricing"
)

// Status is the lifecycle state of a payment.
type Status string

const (
	StatusFree     Status = "FREE"
	StatusPending  Status = "PENDING"
	StatusPaid     Status = "PAID"
	StatusFailed   Status = "FAILED"
	StatusRefunded Status = "REFUNDED"
)

// Settled reports whether the payment has been collected.
func (s Status) Settled() bool {
	return s == StatusPaid || s == StatusRefunded
}

// AttemptStatus records what one provider interaction did.
type AttemptStatus string

const (
	AttemptPending AttemptStatus = "pending"
	AttemptSuccess AttemptStatus = "success"
	AttemptFailed  AttemptStatus = "failed"
)

// RefundStatus is the state of a refund request.
type RefundStatus string

const (
	RefundRequested RefundStatus = "PENDING"
	RefundSettled   RefundStatus = "PROCESSED"
)

// Attempt error codes written by the service itself.
const (
	CodeAmountMismatch = "amount_mismatch"
	CodeAdminOverride  = "admin_override"
)

var (
	ErrNotFound        = apperr.NotFound("payment not found")
	ErrAlreadyActive   = apperr.Conflict(apperr.CodePaymentAlreadyActive, "a payment for this booking is already pending or paid")
	ErrInvalidState    = apperr.Conflict(apperr.CodeInvalidPaymentState, "payment is not in a refundable state")
	ErrRefundExceeds   = apperr.Validation(apperr.CodeRefundExceedsPayment, "refund exceeds the refundable amount")
	ErrBookingNotFound = apperr.NotFound("booking not found")
)

// Payment is the single payment record for a booking. Amounts are integer
// minor units of Currency.
type Payment struct {
	ID            uuid.UUID  `json:"id"`
	BookingID     uuid.UUID  `json:"bookingId"`
	AmountMinor   int64      `json:"amountMinor"`
	Currency      string     `json:"currency"`
	Status        Status     `json:"status"`
	ProviderRef   string     `json:"reference,omitempty"`
	PaidAt        *time.Time `json:"paidAt,omitempty"`
	RefundedAt    *time.Time `json:"refundedAt,omitempty"`
	RefundedMinor int64      `json:"refundedAmountMinor"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Refundable is the amount still available for refunds.
func (p Payment) Refundable() int64 {
	return p.AmountMinor - p.RefundedMinor
}

// Attempt is an append-only record of one provider interaction.
type Attempt struct {
	ID           uuid.UUID       `json:"id"`
	PaymentID    uuid.UUID       `json:"paymentId"`
	Reference    string          `json:"reference"`
	AmountMinor  int64           `json:"amountMinor"`
	Status       AttemptStatus   `json:"status"`
	ErrorCode    string          `json:"errorCode,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// RefundRequest tracks a refund from request to provider confirmation.
type RefundRequest struct {
	ID          uuid.UUID    `json:"id"`
	PaymentID   uuid.UUID    `json:"paymentId"`
	AmountMinor int64        `json:"amountMinor"`
	Reason      string       `json:"reason,omitempty"`
	Status      RefundStatus `json:"status"`
	ProviderRef string       `json:"reference"`
	ProcessedAt *time.Time   `json:"processedAt,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// View is the client-facing shape of a payment.
type View struct {
	ID        uuid.UUID  `json:"id"`
	BookingID uuid.UUID  `json:"bookingId"`
	Amount    string     `json:"amount"`
	Currency  string     `json:"currency"`
	Reference string     `json:"reference,omitempty"`
	Status    Status     `json:"status"`
	PaidAt    *time.Time `json:"paidAt,omitempty"`
}

func ViewOf(p *Payment) View {
	return View{
		ID:        p.ID,
		BookingID: p.BookingID,
		Amount:    pricing.FormatMinor(p.AmountMinor),
		Currency:  p.Currency,
		Reference: p.ProviderRef,
		Status:    p.Status,
		PaidAt:    p.PaidAt,
	}
}

// ChargeSuccess is a provider confirmation that a charge settled.
type ChargeSuccess struct {
	Reference   string
	AmountMinor int64
	Currency    string
	PaidAt      time.Time
	Raw         json.RawMessage
}

// ChargeFailure is a provider report that a charge attempt failed.
type ChargeFailure struct {
	Reference   string
	AmountMinor int64
	Code        string
	Message     string
	Raw         json.RawMessage
}

// RefundCreated is a provider acknowledgement that a refund was opened.
type RefundCreated struct {
	ChargeReference string
	RefundReference string
	AmountMinor     int64
	Reason          string
}

// RefundProcessed is a provider confirmation that refund money moved.
type RefundProcessed struct {
	ChargeReference string
	RefundReference string
	AmountMinor     int64
	ProcessedAt     time.Time
}

// Outcome classifies what reconciling one provider event did.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeStale            Outcome = "stale"
	OutcomeUnknownReference Outcome = "unknown_reference"
	OutcomeRejected         Outcome = "rejected"
)

// Final reports whether a redelivery of the same event can never change
// anything, so the event may be recorded as processed.
func (o Outcome) Final() bool {
	return o != OutcomeUnknownReference
}

// Result is the outcome of reconciling an event plus the payment as it
// stands afterwards (nil for unknown references).
type Result struct {
	Outcome Outcome
	Payment *Payment
	Reason  string
}
