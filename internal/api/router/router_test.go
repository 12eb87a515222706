package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/carebook/internal/bookings"
	"github.com/wolfman30/carebook/internal/events"
	httpmiddleware "github.com/wolfman30/carebook/internal/http/middleware"
	"github.com/wolfman30/carebook/internal/invoices"
	"github.com/wolfman30/carebook/internal/payments"
	"github.com/wolfman30/carebook/internal/pricing"
	"github.com/wolfman30/carebook/internal/reminders"
	"github.com/wolfman30/carebook/internal/signature"
	"github.com/wolfman30/carebook/internal/webhooks"
	"github.com/wolfman30/carebook/pkg/logging"
)

const (
	jwtSecret     = "jwt-test-secret"
	cronSecret    = "cron-test-secret"
	webhookSecret = "sk_test_webhook"
)

type testApp struct {
	handler  http.Handler
	bookings *bookings.MemoryStore
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	logger := logging.Default()
	hundred := decimal.NewFromInt(100)
	catalog := pricing.NewMemoryCatalog(pricing.Service{
		ID:          "consult",
		Name:        "Consultation",
		PricingType: pricing.TypeFlat,
		BasePrice:   &hundred,
		Currency:    "NGN",
	})
	engine := pricing.NewEngine(catalog)

	bookingStore := bookings.NewMemoryStore()
	bookingService := bookings.NewService(bookingStore, nil, logger)
	ledger := payments.NewMemoryLedger()
	invoiceStore := invoices.NewMemoryStore()
	issuer := invoices.NewIssuer(invoiceStore, bookingStore, ledger, nil, nil, invoices.Config{
		TaxRate: decimal.RequireFromString("0.10"),
	}, logger)
	reconciler := payments.NewReconciler(ledger, bookingStore, nil, logger).WithPaidListener(issuer)
	paymentService := payments.NewService(ledger, bookingStore, engine, payments.NewFakeGateway(), reconciler, payments.ServiceConfig{
		PublicKey:       "pk_test",
		DefaultCurrency: "NGN",
		TaxRate:         decimal.RequireFromString("0.10"),
	}, logger)
	issuer.WithSettler(paymentService)

	handler := New(&Config{
		Logger:            logger,
		BookingsHandler:   bookings.NewHandler(bookingService, logger),
		SchedulingWebhook: bookings.NewIngestHandler(bookingService, catalog, "cal-secret", logger),
		PaymentsHandler:   payments.NewHandler(paymentService, logger),
		PaymentWebhook:    webhooks.NewGateway(webhookSecret, reconciler, events.NewMemoryProcessedStore(), logger),
		InvoicesHandler:   invoices.NewHandler(issuer, logger),
		PricingHandler:    pricing.NewHandler(engine, logger),
		RemindersHandler:  reminders.NewHandler(reminders.NewScheduler(bookingStore, nil, logger), logger),
		JWTSecret:         jwtSecret,
		CronSecret:        cronSecret,
	})
	return &testApp{handler: handler, bookings: bookingStore}
}

func token(t *testing.T, email, role string) string {
	t.Helper()
	claims := httpmiddleware.Claims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-" + email,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return signed
}

func (a *testApp) do(t *testing.T, method, path, bearer string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *testApp) booking(t *testing.T) *bookings.Booking {
	t.Helper()
	b, _, err := a.bookings.Create(context.Background(), bookings.NewBooking{
		ExternalRef: "cal-" + uuid.NewString(),
		Client:      bookings.Client{Name: "Ada", Email: "ada@example.com"},
		ServiceID:   "consult",
		Title:       "Consultation",
		ScheduledAt: time.Now().Add(72 * time.Hour),
		Duration:    time.Hour,
	})
	require.NoError(t, err)
	return b
}

func TestRouterHealthEndpoint(t *testing.T) {
	app := newTestApp(t)
	rec := app.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))
}

func TestRouterAuthBoundaries(t *testing.T) {
	app := newTestApp(t)
	b := app.booking(t)
	client := token(t, "ada@example.com", "client")

	rec := app.do(t, http.MethodGet, "/api/v1/bookings/"+b.ID.String(), "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = app.do(t, http.MethodGet, "/api/v1/bookings/"+b.ID.String(), "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = app.do(t, http.MethodGet, "/api/v1/bookings/"+b.ID.String(), client, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = app.do(t, http.MethodGet, "/api/v1/bookings/"+b.ID.String(), token(t, "eve@example.com", "client"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = app.do(t, http.MethodPost, "/admin/invoices/"+uuid.NewString()+"/send", client, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = app.do(t, http.MethodPost, "/cron/reminders", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = app.do(t, http.MethodPost, "/cron/reminders", cronSecret, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reminders":0,"thankYous":0,"followUps":0}`, rec.Body.String())
}

func TestRouterPaymentToInvoiceFlow(t *testing.T) {
	app := newTestApp(t)
	b := app.booking(t)
	client := token(t, "ada@example.com", "client")
	admin := token(t, "ops@example.com", httpmiddleware.RoleAdmin)

	rec := app.do(t, http.MethodGet, "/api/v1/pricing/services/consult/quote", client, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body, _ := json.Marshal(map[string]any{"bookingId": b.ID.String()})
	rec = app.do(t, http.MethodPost, "/api/v1/payments/initiate", client, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var initiated struct {
		Payment payments.View `json:"payment"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &initiated))
	assert.Equal(t, "110.00", initiated.Payment.Amount)
	require.NotEmpty(t, initiated.Payment.Reference)

	event, _ := json.Marshal(map[string]any{
		"event": webhooks.EventChargeSuccess,
		"data": map[string]any{
			"reference": initiated.Payment.Reference,
			"amount":    11000,
			"currency":  "NGN",
			"status":    "success",
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(event))
	req.Header.Set(webhooks.SignatureHeader, signature.Sign(signature.SHA512, webhookSecret, event))
	hook := httptest.NewRecorder()
	app.handler.ServeHTTP(hook, req)
	require.Equal(t, http.StatusOK, hook.Code, hook.Body.String())
	assert.JSONEq(t, `{"received":true}`, hook.Body.String())

	rec = app.do(t, http.MethodPost, "/api/v1/bookings/"+b.ID.String()+"/invoice", client, nil)
	require.Equal(t, http.StatusOK, rec.Code, "the paid webhook already issued the invoice")
	var issued struct {
		Invoice invoices.View `json:"invoice"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issued))
	assert.Equal(t, invoices.StatusPaid, issued.Invoice.Status)

	refund, _ := json.Marshal(map[string]any{"amount": "50.00", "reason": "partial"})
	rec = app.do(t, http.MethodPost, "/admin/payments/"+initiated.Payment.ID.String()+"/refunds", admin, refund)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(event))
	req.Header.Set(webhooks.SignatureHeader, "00")
	hook = httptest.NewRecorder()
	app.handler.ServeHTTP(hook, req)
	assert.Equal(t, http.StatusUnauthorized, hook.Code)
}
