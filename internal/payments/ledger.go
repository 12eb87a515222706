package payments

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NewPayment is the input to Ledger.Create. When Status is PENDING the
// ledger also records the opening pending attempt.
type NewPayment struct {
	BookingID   uuid.UUID
	AmountMinor int64
	Currency    string
	Status      Status
	ProviderRef string
}

// NewAttempt is appended to a payment's attempt log.
type NewAttempt struct {
	PaymentID    uuid.UUID
	Reference    string
	AmountMinor  int64
	Status       AttemptStatus
	ErrorCode    string
	ErrorMessage string
	Metadata     json.RawMessage
}

// NewRefund records a refund request. ProviderRef is unique across refunds.
type NewRefund struct {
	PaymentID   uuid.UUID
	AmountMinor int64
	Reason      string
	Status      RefundStatus
	ProviderRef string
	ProcessedAt *time.Time
}

// Ledger persists payments, their attempts and refund requests.
type Ledger interface {
	// Create inserts a payment for a booking. A second payment for the same
	// booking fails with ErrAlreadyActive.
	Create(ctx context.Context, np NewPayment) (*Payment, error)
	Get(ctx context.Context, id uuid.UUID) (*Payment, error)
	GetByBooking(ctx context.Context, bookingID uuid.UUID) (*Payment, error)
	// ResolveReference finds the payment that owns ref, either as its current
	// provider reference or as the reference of an earlier attempt.
	ResolveReference(ctx context.Context, ref string) (*Payment, error)
	ListAttempts(ctx context.Context, paymentID uuid.UUID) ([]Attempt, error)
	ListRefunds(ctx context.Context, paymentID uuid.UUID) ([]RefundRequest, error)
	// Transition locks the payment row and runs fn inside one transaction.
	// fn receives the locked current state; returning an error rolls back.
	Transition(ctx context.Context, paymentID uuid.UUID, fn func(ctx context.Context, tx LedgerTx, p *Payment) error) error
}

// LedgerTx is the set of writes allowed while a payment row is locked.
type LedgerTx interface {
	// UpdatePayment writes p if the stored status still equals from.
	UpdatePayment(ctx context.Context, p *Payment, from Status) (bool, error)
	AppendAttempt(ctx context.Context, a NewAttempt) error
	HasAttempt(ctx context.Context, paymentID uuid.UUID, reference string, status AttemptStatus) (bool, error)
	// InsertRefund inserts unless a refund with the same provider reference
	// exists, in which case the existing row is returned with false.
	InsertRefund(ctx context.Context, r NewRefund) (*RefundRequest, bool, error)
	// GetRefundByReference returns nil without error when no refund has ref.
	GetRefundByReference(ctx context.Context, ref string) (*RefundRequest, error)
	MarkRefundProcessed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	SumProcessedRefunds(ctx context.Context, paymentID uuid.UUID) (int64, error)
}
