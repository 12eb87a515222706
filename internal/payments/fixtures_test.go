package payments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/wolfman30/carebook/internal/bookings"
	"github.com/wolfman30/carebook/internal/notify"
	"github.com/wolfman30/carebook/internal/pricing"
)

type captureNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (c *captureNotifier) Send(_ context.Context, n notify.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return nil
}

func (c *captureNotifier) templates() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, n := range c.sent {
		out = append(out, n.Template)
	}
	return out
}

type captureListener struct {
	mu   sync.Mutex
	paid []Payment
	// failures makes the next n calls fail.
	failures int
}

func (c *captureListener) PaymentPaid(_ context.Context, p Payment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paid = append(c.paid, p)
	if c.failures > 0 {
		c.failures--
		return errors.New("invoice store unavailable")
	}
	return nil
}

func (c *captureListener) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.paid)
}

type fixture struct {
	bookings   *bookings.MemoryStore
	ledger     *MemoryLedger
	gateway    *FakeGateway
	notifier   *captureNotifier
	listener   *captureListener
	reconciler *Reconciler
	service    *Service
}

var owner = Caller{Email: "ada@example.com"}

func testCatalog() *pricing.MemoryCatalog {
	hundred := decimal.NewFromInt(100)
	diaspora := true
	return pricing.NewMemoryCatalog(
		pricing.Service{
			ID:          "consult",
			Name:        "Consultation",
			PricingType: pricing.TypeFlat,
			BasePrice:   &hundred,
			Currency:    "NGN",
			Rules: []pricing.Rule{{
				ID:            "diaspora-uplift",
				ServiceID:     "consult",
				Name:          "Diaspora uplift",
				Condition:     pricing.Condition{DiasporaEquals: &diaspora},
				ModifierType:  pricing.ModifierMultiply,
				PriceModifier: decimal.RequireFromString("1.1"),
				IsActive:      true,
			}},
		},
		pricing.Service{ID: "bespoke", Name: "Bespoke programme", PricingType: pricing.TypeQuoteBased},
		pricing.Service{ID: "unpriced", Name: "Unpriced", PricingType: pricing.TypeFlat},
	)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		bookings: bookings.NewMemoryStore(),
		ledger:   NewMemoryLedger(),
		gateway:  NewFakeGateway(),
		notifier: &captureNotifier{},
		listener: &captureListener{},
	}
	f.reconciler = NewReconciler(f.ledger, f.bookings, f.notifier, nil).WithPaidListener(f.listener)
	f.service = NewService(f.ledger, f.bookings, pricing.NewEngine(testCatalog()), f.gateway, f.reconciler, ServiceConfig{
		PublicKey:       "pk_test",
		DefaultCurrency: "NGN",
		TaxRate:         decimal.RequireFromString("0.10"),
	}, nil)
	return f
}

func (f *fixture) booking(t *testing.T, serviceID string) *bookings.Booking {
	t.Helper()
	b, _, err := f.bookings.Create(context.Background(), bookings.NewBooking{
		ExternalRef: "cal-" + uuid.NewString(),
		Client:      bookings.Client{Name: "Ada", Email: "ada@example.com"},
		ServiceID:   serviceID,
		Title:       "Consultation",
		ScheduledAt: time.Now().Add(48 * time.Hour),
		Duration:    time.Hour,
	})
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	return b
}

// pending initiates a payment for a fresh consult booking.
func (f *fixture) pending(t *testing.T) *Payment {
	t.Helper()
	b := f.booking(t, "consult")
	res, err := f.service.Initiate(context.Background(), owner, InitiateRequest{BookingID: b.ID})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	p, err := f.ledger.Get(context.Background(), res.Payment.ID)
	if err != nil {
		t.Fatalf("load payment: %v", err)
	}
	return p
}

// paid initiates and settles a payment through a charge.success event.
func (f *fixture) paid(t *testing.T) *Payment {
	t.Helper()
	p := f.pending(t)
	res, err := f.reconciler.ApplyChargeSuccess(context.Background(), ChargeSuccess{Reference: p.ProviderRef, AmountMinor: p.AmountMinor})
	if err != nil || res.Outcome != OutcomeApplied {
		t.Fatalf("settle: outcome=%s err=%v", res.Outcome, err)
	}
	return res.Payment
}

func pricingContext(diaspora *bool) pricing.Context {
	return pricing.Context{IsDiaspora: diaspora}
}
