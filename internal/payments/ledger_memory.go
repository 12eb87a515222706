package payments

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger is an in-process Ledger for development and tests.
// Transition holds a single mutex, which serialises all payments.
type MemoryLedger struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*Payment
	attempts []Attempt
	refunds  []RefundRequest
	now      func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		payments: make(map[uuid.UUID]*Payment),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryLedger) Create(_ context.Context, np NewPayment) (*Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.payments {
		if p.BookingID == np.BookingID {
			return nil, ErrAlreadyActive
		}
	}
	now := l.now()
	p := &Payment{
		ID:          uuid.New(),
		BookingID:   np.BookingID,
		AmountMinor: np.AmountMinor,
		Currency:    np.Currency,
		Status:      np.Status,
		ProviderRef: np.ProviderRef,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	l.payments[p.ID] = p
	if np.Status == StatusPending {
		l.appendLocked(NewAttempt{PaymentID: p.ID, Reference: np.ProviderRef, AmountMinor: np.AmountMinor, Status: AttemptPending})
	}
	cp := *p
	return &cp, nil
}

func (l *MemoryLedger) Get(_ context.Context, id uuid.UUID) (*Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (l *MemoryLedger) GetByBooking(_ context.Context, bookingID uuid.UUID) (*Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.payments {
		if p.BookingID == bookingID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (l *MemoryLedger) ResolveReference(_ context.Context, ref string) (*Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ref == "" {
		return nil, ErrNotFound
	}
	for _, p := range l.payments {
		if p.ProviderRef == ref {
			cp := *p
			return &cp, nil
		}
	}
	for _, a := range l.attempts {
		if a.Reference == ref {
			if p, ok := l.payments[a.PaymentID]; ok {
				cp := *p
				return &cp, nil
			}
		}
	}
	return nil, ErrNotFound
}

func (l *MemoryLedger) ListAttempts(_ context.Context, paymentID uuid.UUID) ([]Attempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Attempt
	for _, a := range l.attempts {
		if a.PaymentID == paymentID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (l *MemoryLedger) ListRefunds(_ context.Context, paymentID uuid.UUID) ([]RefundRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []RefundRequest
	for _, r := range l.refunds {
		if r.PaymentID == paymentID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (l *MemoryLedger) Transition(ctx context.Context, paymentID uuid.UUID, fn func(ctx context.Context, tx LedgerTx, p *Payment) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.payments[paymentID]
	if !ok {
		return ErrNotFound
	}
	tx := &memoryTx{
		ledger:   l,
		attempts: len(l.attempts),
		refunds:  append([]RefundRequest(nil), l.refunds...),
	}
	snapshot := *p
	cp := *p
	if err := fn(ctx, tx, &cp); err != nil {
		*l.payments[paymentID] = snapshot
		l.attempts = l.attempts[:tx.attempts]
		l.refunds = tx.refunds
		return err
	}
	return nil
}

func (l *MemoryLedger) appendLocked(a NewAttempt) {
	l.attempts = append(l.attempts, Attempt{
		ID:           uuid.New(),
		PaymentID:    a.PaymentID,
		Reference:    a.Reference,
		AmountMinor:  a.AmountMinor,
		Status:       a.Status,
		ErrorCode:    a.ErrorCode,
		ErrorMessage: a.ErrorMessage,
		Metadata:     a.Metadata,
		CreatedAt:    l.now(),
	})
}

// memoryTx writes straight through; Transition restores the snapshot it
// took when fn fails.
type memoryTx struct {
	ledger   *MemoryLedger
	attempts int
	refunds  []RefundRequest
}

func (t *memoryTx) UpdatePayment(_ context.Context, p *Payment, from Status) (bool, error) {
	stored, ok := t.ledger.payments[p.ID]
	if !ok || stored.Status != from {
		return false, nil
	}
	p.UpdatedAt = t.ledger.now()
	*stored = *p
	return true, nil
}

func (t *memoryTx) AppendAttempt(_ context.Context, a NewAttempt) error {
	t.ledger.appendLocked(a)
	return nil
}

func (t *memoryTx) HasAttempt(_ context.Context, paymentID uuid.UUID, reference string, status AttemptStatus) (bool, error) {
	for _, a := range t.ledger.attempts {
		if a.PaymentID == paymentID && a.Reference == reference && a.Status == status {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) InsertRefund(_ context.Context, r NewRefund) (*RefundRequest, bool, error) {
	for _, existing := range t.ledger.refunds {
		if existing.ProviderRef == r.ProviderRef {
			cp := existing
			return &cp, false, nil
		}
	}
	rr := RefundRequest{
		ID:          uuid.New(),
		PaymentID:   r.PaymentID,
		AmountMinor: r.AmountMinor,
		Reason:      r.Reason,
		Status:      r.Status,
		ProviderRef: r.ProviderRef,
		ProcessedAt: r.ProcessedAt,
		CreatedAt:   t.ledger.now(),
	}
	t.ledger.refunds = append(t.ledger.refunds, rr)
	return &rr, true, nil
}

func (t *memoryTx) GetRefundByReference(_ context.Context, ref string) (*RefundRequest, error) {
	for _, r := range t.ledger.refunds {
		if r.ProviderRef == ref {
			cp := r
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *memoryTx) MarkRefundProcessed(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	for i := range t.ledger.refunds {
		r := &t.ledger.refunds[i]
		if r.ID == id && r.Status == RefundRequested {
			at := at.UTC()
			r.Status = RefundSettled
			r.ProcessedAt = &at
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) SumProcessedRefunds(_ context.Context, paymentID uuid.UUID) (int64, error) {
	var sum int64
	for _, r := range t.ledger.refunds {
		if r.PaymentID == paymentID && r.Status == RefundSettled {
			sum += r.AmountMinor
		}
	}
	return sum, nil
}

var (
	_ Ledger = (*MemoryLedger)(nil)
	_ Ledger = (*PostgresLedger)(nil)
)
