package reminders

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/carebook/internal/bookings"
	"github.com/wolfman30/carebook/internal/notify"
	"github.com/wolfman30/carebook/internal/observability/metrics"
)

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type captureNotifier struct {
	mu   sync.Mutex
	fail map[string]bool
	sent []notify.Notification
}

func (c *captureNotifier) Send(_ context.Context, n notify.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail[n.Template] {
		return errors.New("smtp unavailable")
	}
	c.sent = append(c.sent, n)
	return nil
}

func (c *captureNotifier) count(template string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.sent {
		if s.Template == template {
			n++
		}
	}
	return n
}

func createBooking(t *testing.T, store *bookings.MemoryStore, at time.Time) *bookings.Booking {
	t.Helper()
	b, _, err := store.Create(context.Background(), bookings.NewBooking{
		ExternalRef: "cal-" + uuid.NewString(),
		Client:      bookings.Client{Name: "Ada", Email: "ada@example.com", Timezone: "Africa/Lagos"},
		ServiceID:   "consult",
		Title:       "Consultation",
		ScheduledAt: at,
		Duration:    time.Hour,
	})
	require.NoError(t, err)
	return b
}

func get(t *testing.T, store *bookings.MemoryStore, id uuid.UUID) *bookings.Booking {
	t.Helper()
	b, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return b
}

func newScheduler(store *bookings.MemoryStore, n notify.Port) *Scheduler {
	return NewScheduler(store, n, nil).WithClock(func() time.Time { return fixedNow })
}

func TestScanSendsEachMilestoneOnce(t *testing.T) {
	store := bookings.NewMemoryStore()
	n := &captureNotifier{}
	s := newScheduler(store, n)

	upcoming := createBooking(t, store, fixedNow.Add(6*time.Hour+5*time.Minute))
	tooEarly := createBooking(t, store, fixedNow.Add(5*time.Hour))
	justEnded := createBooking(t, store, fixedNow.Add(-2*time.Hour))
	longAgo := createBooking(t, store, fixedNow.Add(-49*time.Hour))

	counts, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Counts{Reminders: 1, ThankYous: 2, FollowUps: 1}, counts)

	assert.True(t, get(t, store, upcoming.ID).ReminderSent)
	assert.False(t, get(t, store, tooEarly.ID).ReminderSent)

	ended := get(t, store, justEnded.ID)
	assert.True(t, ended.ThankYouSent)
	assert.Equal(t, bookings.StatusCompleted, ended.Status)
	assert.False(t, ended.FollowUpSent)

	old := get(t, store, longAgo.ID)
	assert.True(t, old.ThankYouSent)
	assert.True(t, old.FollowUpSent)

	again, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Counts{}, again)
	assert.Equal(t, 1, n.count(notify.TemplateBookingReminder))
	assert.Equal(t, 2, n.count(notify.TemplateThankYou))
	assert.Equal(t, 1, n.count(notify.TemplateFollowUp))
}

func TestReminderWindowBoundaries(t *testing.T) {
	store := bookings.NewMemoryStore()
	n := &captureNotifier{}
	s := newScheduler(store, n)

	atStart := createBooking(t, store, fixedNow.Add(6*time.Hour))
	atEnd := createBooking(t, store, fixedNow.Add(6*time.Hour+15*time.Minute))

	counts, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Reminders)
	assert.True(t, get(t, store, atStart.ID).ReminderSent)
	assert.False(t, get(t, store, atEnd.ID).ReminderSent)
}

func TestCancelledBookingsAreSkipped(t *testing.T) {
	store := bookings.NewMemoryStore()
	n := &captureNotifier{}
	s := newScheduler(store, n)

	b := createBooking(t, store, fixedNow.Add(6*time.Hour+time.Minute))
	_, err := store.Cancel(context.Background(), bookings.CancelUpdate{ID: b.ID, Reason: "sick", At: fixedNow})
	require.NoError(t, err)

	counts, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts.Reminders)
	assert.Zero(t, n.count(notify.TemplateBookingReminder))
}

func TestFailedSendRetriesReminderButCompletesThankYou(t *testing.T) {
	store := bookings.NewMemoryStore()
	n := &captureNotifier{fail: map[string]bool{
		notify.TemplateBookingReminder: true,
		notify.TemplateThankYou:        true,
	}}
	reg := prometheus.NewRegistry()
	s := newScheduler(store, n).WithMetrics(metrics.NewBillingMetrics(reg))

	upcoming := createBooking(t, store, fixedNow.Add(6*time.Hour+time.Minute))
	ended := createBooking(t, store, fixedNow.Add(-90*time.Minute))

	counts, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Reminders)
	assert.Equal(t, 1, counts.ThankYous)
	assert.False(t, get(t, store, upcoming.ID).ReminderSent, "reminder stays armed for the next scan")
	assert.Equal(t, bookings.StatusCompleted, get(t, store, ended.ID).Status)

	n.mu.Lock()
	n.fail = nil
	n.mu.Unlock()
	counts, err = s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Reminders)
	assert.Zero(t, n.count(notify.TemplateThankYou), "thank-you is not retried")

	series, err := testutil.GatherAndCount(reg, "carebook_reminders_notifications_total")
	require.NoError(t, err)
	assert.Equal(t, 3, series, "reminder failed, thank_you failed, reminder sent")
}

type stubLease struct {
	ok       bool
	err      error
	released int
}

func (l *stubLease) Acquire(context.Context) (func(), bool, error) {
	if l.err != nil || !l.ok {
		return nil, l.ok, l.err
	}
	return func() { l.released++ }, true, nil
}

func TestScanRespectsLease(t *testing.T) {
	store := bookings.NewMemoryStore()
	n := &captureNotifier{}
	createBooking(t, store, fixedNow.Add(6*time.Hour+time.Minute))

	held := &stubLease{ok: false}
	counts, err := newScheduler(store, n).WithLease(held).Scan(context.Background())
	require.NoError(t, err)
	assert.True(t, counts.Skipped)
	assert.Zero(t, n.count(notify.TemplateBookingReminder))

	free := &stubLease{ok: true}
	counts, err = newScheduler(store, n).WithLease(free).Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Reminders)
	assert.Equal(t, 1, free.released)

	_, err = newScheduler(store, n).WithLease(&stubLease{err: errors.New("boom")}).Scan(context.Background())
	assert.Error(t, err)
}

type failingStore struct{ *bookings.MemoryStore }

func (failingStore) ListDue(context.Context, bookings.Milestone, time.Time, int) ([]bookings.Booking, error) {
	return nil, errors.New("connection refused")
}

func TestScanSurfacesStoreErrors(t *testing.T) {
	s := NewScheduler(failingStore{bookings.NewMemoryStore()}, &captureNotifier{}, nil)
	_, err := s.Scan(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reminders: reminder: list due")
}

func TestHandlerReturnsCounts(t *testing.T) {
	store := bookings.NewMemoryStore()
	createBooking(t, store, fixedNow.Add(-3*time.Hour))
	h := NewHandler(newScheduler(store, &captureNotifier{}), nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/cron/reminders", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reminders":0,"thankYous":1,"followUps":0}`, rec.Body.String())

	failing := NewHandler(NewScheduler(failingStore{bookings.NewMemoryStore()}, nil, nil), nil)
	rec = httptest.NewRecorder()
	failing.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/cron/reminders", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
