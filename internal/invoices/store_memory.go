package invoices

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store with the same conditional rules as
// PostgresStore.
type MemoryStore struct {
	mu        sync.Mutex
	byID      map[uuid.UUID]*Invoice
	byBooking map[uuid.UUID]uuid.UUID
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[uuid.UUID]*Invoice),
		byBooking: make(map[uuid.UUID]uuid.UUID),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(_ context.Context, ni NewInvoice) (*Invoice, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byBooking[ni.BookingID]; ok {
		cp := *s.byID[id]
		return &cp, false, nil
	}
	now := s.now()
	inv := &Invoice{
		ID:          uuid.New(),
		BookingID:   ni.BookingID,
		Number:      ni.Number,
		AmountMinor: ni.AmountMinor,
		TaxMinor:    ni.TaxMinor,
		TotalMinor:  ni.TotalMinor,
		Currency:    ni.Currency,
		Status:      ni.Status,
		DueAt:       ni.DueAt.UTC(),
		PaidAt:      ni.PaidAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.byID[inv.ID] = inv
	s.byBooking[inv.BookingID] = inv.ID
	cp := *inv
	return &cp, true, nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (s *MemoryStore) GetByBooking(ctx context.Context, bookingID uuid.UUID) (*Invoice, error) {
	s.mu.Lock()
	id, ok := s.byBooking[bookingID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) Apply(_ context.Context, t Transition) (*Invoice, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.byID[t.ID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if !CanMove(inv.Status, t.To) {
		cp := *inv
		return &cp, false, nil
	}
	at := t.At.UTC()
	inv.Status = t.To
	inv.UpdatedAt = at
	switch t.To {
	case StatusGenerated:
		inv.GeneratedAt = &at
		inv.DocumentKey = t.DocumentKey
	case StatusSent:
		inv.SentAt = &at
	case StatusViewed:
		inv.ViewedAt = &at
	case StatusPaid:
		inv.PaidAt = &at
	}
	cp := *inv
	return &cp, true, nil
}

func (s *MemoryStore) SetDocument(_ context.Context, id uuid.UUID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	inv.DocumentKey = key
	inv.UpdatedAt = s.now()
	return nil
}

var _ Store = (*MemoryStore)(nil)
