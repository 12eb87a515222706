package bookings

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used when no database is configured
// and by service tests. It applies the same conditional rules as Postgres.
type MemoryStore struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]*Booking
	byRef map[string]uuid.UUID
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[uuid.UUID]*Booking),
		byRef: make(map[string]uuid.UUID),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(_ context.Context, nb NewBooking) (*Booking, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byRef[nb.ExternalRef]; ok {
		cp := *s.byID[id]
		return &cp, false, nil
	}
	now := s.now()
	b := &Booking{
		ID:          uuid.New(),
		ExternalRef: nb.ExternalRef,
		Client:      nb.Client,
		ServiceID:   nb.ServiceID,
		Title:       nb.Title,
		ScheduledAt: nb.ScheduledAt.UTC(),
		Duration:    nb.Duration,
		Status:      StatusScheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	b.Client.Email = normalizeEmail(b.Client.Email)
	s.byID[b.ID] = b
	s.byRef[b.ExternalRef] = b.ID
	cp := *b
	return &cp, true, nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) GetByExternalRef(ctx context.Context, ref string) (*Booking, error) {
	s.mu.Lock()
	id, ok := s.byRef[ref]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) ListByClientEmail(_ context.Context, email string, limit int) ([]Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []Booking
	for _, b := range s.byID {
		if b.OwnedBy(email) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.After(out[j].ScheduledAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Cancel(_ context.Context, u CancelUpdate) (*Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byID[u.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if b.Status != StatusScheduled {
		return nil, ErrNotScheduled
	}
	at := u.At.UTC()
	b.Status = StatusCancelled
	b.CancelledAt = &at
	b.CancelReason = u.Reason
	b.UpdatedAt = at
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) Reschedule(_ context.Context, u RescheduleUpdate) (*Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byID[u.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if b.Status != StatusScheduled || b.ThankYouSent {
		return nil, ErrNotScheduled
	}
	b.ScheduledAt = u.ScheduledAt.UTC()
	b.Duration = u.Duration
	b.ReminderSent = false
	b.UpdatedAt = u.At.UTC()
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) MarkMilestone(_ context.Context, u MilestoneUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byID[u.ID]
	if !ok {
		return false, nil
	}
	if !canMark(u.Milestone, *b) {
		if _, known := milestoneUpdates[u.Milestone]; !known {
			return false, fmt.Errorf("bookings: unknown milestone %q", u.Milestone)
		}
		return false, nil
	}
	at := u.At.UTC()
	switch u.Milestone {
	case MilestoneConfirmation:
		b.ConfirmationSent = true
	case MilestoneReminder:
		b.ReminderSent = true
	case MilestoneThankYou:
		b.ThankYouSent = true
		b.Status = StatusCompleted
		b.CompletedAt = &at
	case MilestoneFollowUp:
		b.FollowUpSent = true
	}
	b.UpdatedAt = at
	return true, nil
}

func (s *MemoryStore) ListDue(_ context.Context, m Milestone, now time.Time, limit int) ([]Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 200
	}
	var out []Booking
	for _, b := range s.byID {
		if Due(m, *b, now) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*PostgresStore)(nil)
