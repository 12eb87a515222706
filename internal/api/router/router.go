package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/wolfman30/carebook/internal/bookings"
	"github.com/wolfman30/carebook/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/carebook/internal/http/middleware"
	"github.com/wolfman30/carebook/internal/http/respond"
	"github.com/wolfman30/carebook/internal/invoices"
	"github.com/wolfman30/carebook/internal/payments"
	"github.com/wolfman30/carebook/internal/pricing"
	"github.com/wolfman30/carebook/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger *logging.Logger

	BookingsHandler   *bookings.Handler
	SchedulingWebhook http.Handler
	PaymentsHandler   *payments.Handler
	PaymentWebhook    http.Handler
	InvoicesHandler   *invoices.Handler
	PricingHandler    *pricing.Handler
	RemindersHandler  http.Handler
	AdminBilling      *handlers.AdminBillingHandler
	MetricsHandler    http.Handler

	JWTSecret  string
	CronSecret string
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints (webhooks, health checks). Webhooks authenticate by signature.
	r.Group(func(public chi.Router) {
		public.Get("/health", health)
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.PaymentWebhook != nil {
			public.Method(http.MethodPost, "/webhooks/payments", cfg.PaymentWebhook)
		}
		if cfg.SchedulingWebhook != nil {
			public.Method(http.MethodPost, "/webhooks/scheduling", cfg.SchedulingWebhook)
		}
	})

	if cfg.RemindersHandler != nil {
		r.With(httpmiddleware.CronAuth(cfg.CronSecret)).
			Method(http.MethodPost, "/cron/reminders", cfg.RemindersHandler)
	}

	// Client API (JWT)
	r.Route("/api/v1", func(api chi.Router) {
		api.Use(httpmiddleware.JWT(cfg.JWTSecret))

		if cfg.BookingsHandler != nil {
			api.Get("/bookings", cfg.BookingsHandler.List)
			api.Get("/bookings/{id}", cfg.BookingsHandler.Get)
			api.Post("/bookings/{id}/cancel", cfg.BookingsHandler.Cancel)
		}
		if cfg.InvoicesHandler != nil {
			api.Post("/bookings/{id}/invoice", cfg.InvoicesHandler.Request)
			api.Get("/invoices/{id}", cfg.InvoicesHandler.Get)
		}
		if cfg.PaymentsHandler != nil {
			api.Post("/payments/initiate", cfg.PaymentsHandler.Initiate)
			api.Get("/payments/verify/{reference}", cfg.PaymentsHandler.Verify)
		}
		if cfg.PricingHandler != nil {
			api.Get("/pricing/services/{serviceID}/quote", cfg.PricingHandler.Quote)
		}
	})

	// Admin routes (JWT with admin role)
	r.Route("/admin", func(admin chi.Router) {
		admin.Use(httpmiddleware.JWT(cfg.JWTSecret))
		admin.Use(httpmiddleware.RequireAdmin)

		if cfg.PaymentsHandler != nil {
			admin.Post("/payments/{paymentID}/refunds", cfg.PaymentsHandler.RequestRefund)
		}
		if cfg.InvoicesHandler != nil {
			admin.Route("/invoices/{id}", func(inv chi.Router) {
				inv.Post("/generate", cfg.InvoicesHandler.Generate)
				inv.Post("/send", cfg.InvoicesHandler.Send)
				inv.Post("/mark-paid", cfg.InvoicesHandler.MarkPaid)
			})
		}
		if cfg.AdminBilling != nil {
			admin.Get("/billing/summary", cfg.AdminBilling.GetBillingSummary)
		}
	})

	return r
}

func health(w http.ResponseWriter, _ *http.Request) {
	respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
