package bootstrap

import (
	"database/sql"
	"fmt"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/wolfman30/carebook/internal/api/router"
	"github.com/wolfman30/carebook/internal/bookings"
	appconfig "github.com/wolfman30/carebook/internal/config"
	"github.com/wolfman30/carebook/internal/events"
	"github.com/wolfman30/carebook/internal/http/handlers"
	"github.com/wolfman30/carebook/internal/invoices"
	"github.com/wolfman30/carebook/internal/notify"
	"github.com/wolfman30/carebook/internal/observability/metrics"
	"github.com/wolfman30/carebook/internal/payments"
	"github.com/wolfman30/carebook/internal/pricing"
	"github.com/wolfman30/carebook/internal/reminders"
	"github.com/wolfman30/carebook/internal/webhooks"
	"github.com/wolfman30/carebook/pkg/logging"
)

// Stores groups the persistence boundaries of every domain package.
type Stores struct {
	Bookings  bookings.Store
	Catalog   pricing.Catalog
	Ledger    payments.Ledger
	Invoices  invoices.Store
	Processed events.Keyer
}

// MemoryStores returns process-local stores, seeded with services.
func MemoryStores(services ...pricing.Service) Stores {
	return Stores{
		Bookings:  bookings.NewMemoryStore(),
		Catalog:   pricing.NewMemoryCatalog(services...),
		Ledger:    payments.NewMemoryLedger(),
		Invoices:  invoices.NewMemoryStore(),
		Processed: events.NewMemoryProcessedStore(),
	}
}

// PostgresStores returns stores backed by pool.
func PostgresStores(pool *pgxpool.Pool) Stores {
	return Stores{
		Bookings:  bookings.NewPostgresStore(pool),
		Catalog:   pricing.NewPostgresCatalog(pool),
		Ledger:    payments.NewPostgresLedger(pool),
		Invoices:  invoices.NewPostgresStore(pool),
		Processed: events.NewProcessedStore(pool),
	}
}

// Deps carries optional infrastructure clients. Nil fields disable the
// feature that needs them.
type Deps struct {
	Redis    *redis.Client
	Notifier notify.Port
	S3       invoices.S3API
	Gateway  payments.Gateway
	Registry prometheus.Registerer
}

// App is the fully wired domain layer shared by the binaries.
type App struct {
	Stores     Stores
	Metrics    *metrics.BillingMetrics
	Engine     *pricing.Engine
	Bookings   *bookings.Service
	Payments   *payments.Service
	Reconciler *payments.Reconciler
	Issuer     *invoices.Issuer
	Scheduler  *reminders.Scheduler
	Webhooks   *webhooks.Gateway

	cfg    *appconfig.Config
	logger *logging.Logger
}

// BuildApp wires services over stores.
func BuildApp(cfg *appconfig.Config, stores Stores, deps Deps, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	gateway, err := paymentGateway(cfg, deps.Gateway, logger)
	if err != nil {
		return nil, err
	}

	billingMetrics := metrics.NewBillingMetrics(deps.Registry)
	taxRate := decimal.NewFromFloat(cfg.InvoiceTaxRate).Round(4)
	engine := pricing.NewEngine(stores.Catalog)

	var docs invoices.DocumentStore
	if deps.S3 != nil && strings.TrimSpace(cfg.InvoiceBucket) != "" {
		docs = invoices.NewS3DocumentStore(deps.S3, cfg.InvoiceBucket, logger)
	}
	issuer := invoices.NewIssuer(stores.Invoices, stores.Bookings, stores.Ledger, docs, deps.Notifier, invoices.Config{
		TaxRate:       taxRate,
		DueDays:       cfg.InvoiceDueDays,
		PublicBaseURL: cfg.PublicBaseURL,
	}, logger)

	reconciler := payments.NewReconciler(stores.Ledger, stores.Bookings, deps.Notifier, logger).
		WithPaidListener(issuer).
		WithMetrics(billingMetrics)

	paymentService := payments.NewService(stores.Ledger, stores.Bookings, engine, gateway, reconciler, payments.ServiceConfig{
		PublicKey:       cfg.PaymentPublicKey,
		CallbackURL:     cfg.PaymentCallbackURL,
		DefaultCurrency: cfg.DefaultCurrency,
		TaxRate:         taxRate,
	}, logger)
	if deps.Redis != nil {
		paymentService.WithVelocity(payments.NewVelocityChecker(deps.Redis, payments.VelocityConfig{
			MaxInitiationsPerBooking: cfg.VelocityMaxInitiations,
			MaxRefundsPerPayment:     cfg.VelocityMaxRefunds,
			Window:                   cfg.VelocityWindow,
			EnableInitiationCheck:    true,
			EnableRefundCheck:        true,
		}, logger))
	}
	issuer.WithSettler(paymentService)

	scheduler := reminders.NewScheduler(stores.Bookings, deps.Notifier, logger).
		WithMetrics(billingMetrics).
		WithBatchSize(cfg.ReminderBatchSize)
	if deps.Redis != nil {
		scheduler.WithLease(reminders.NewRedisLease(deps.Redis, reminders.DefaultLeaseKey, reminders.DefaultLeaseTTL, logger))
	}

	webhookGateway := webhooks.NewGateway(cfg.PaymentWebhookSecret, reconciler, stores.Processed, logger).
		WithMetrics(billingMetrics).
		WithTimeout(cfg.WebhookTimeout)

	return &App{
		Stores:     stores,
		Metrics:    billingMetrics,
		Engine:     engine,
		Bookings:   bookings.NewService(stores.Bookings, deps.Notifier, logger),
		Payments:   paymentService,
		Reconciler: reconciler,
		Issuer:     issuer,
		Scheduler:  scheduler,
		Webhooks:   webhookGateway,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Handler builds the HTTP surface. adminDB and metricsHandler are optional.
func (a *App) Handler(adminDB *sql.DB, metricsHandler http.Handler) http.Handler {
	routerCfg := &router.Config{
		Logger:            a.logger,
		BookingsHandler:   bookings.NewHandler(a.Bookings, a.logger),
		SchedulingWebhook: bookings.NewIngestHandler(a.Bookings, a.Stores.Catalog, a.cfg.SchedulingWebhookSecret, a.logger),
		PaymentsHandler:   payments.NewHandler(a.Payments, a.logger),
		PaymentWebhook:    a.Webhooks,
		InvoicesHandler:   invoices.NewHandler(a.Issuer, a.logger),
		PricingHandler:    pricing.NewHandler(a.Engine, a.logger),
		RemindersHandler:  reminders.NewHandler(a.Scheduler, a.logger),
		MetricsHandler:    metricsHandler,
		JWTSecret:         a.cfg.JWTSecret,
		CronSecret:        a.cfg.CronSecret,
	}
	if adminDB != nil {
		routerCfg.AdminBilling = handlers.NewAdminBillingHandler(adminDB, a.logger)
	}
	return router.New(routerCfg)
}

func paymentGateway(cfg *appconfig.Config, override payments.Gateway, logger *logging.Logger) (payments.Gateway, error) {
	if override != nil {
		return override, nil
	}
	if strings.TrimSpace(cfg.PaymentSecretKey) != "" {
		return payments.NewHTTPGateway(cfg.PaymentBaseURL, cfg.PaymentSecretKey, logger), nil
	}
	if cfg.IsProduction() {
		return nil, fmt.Errorf("bootstrap: PAYMENT_SECRET_KEY is required in production")
	}
	logger.Warn("PAYMENT_SECRET_KEY not set; using fake payment gateway")
	return payments.NewFakeGateway(), nil
}
