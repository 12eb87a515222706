// Package webhooks accepts signed payment provider events and reconciles them
// against the payment ledger.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wolfman30/carebook/internal/apperr"
	"github.com/wolfman30/carebook/internal/events"
	"github.com/wolfman30/carebook/internal/http/respond"
	"github.com/wolfman30/carebook/internal/observability/metrics"
	"github.com/wolfman30/carebook/internal/payments"
	"github.com/wolfman30/carebook/internal/signature"
	"github.com/wolfman30/carebook/pkg/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// SignatureHeader carries the hex HMAC-SHA512 of the raw body.
const SignatureHeader = "X-Provider-Signature"

// Provider namespaces processed event keys.
const Provider = "paystack"

const (
	EventChargeSuccess   = "charge.success"
	EventChargeFailed    = "charge.failed"
	EventRefundCreated   = "refund.created"
	EventRefundProcessed = "refund.processed"
)

// Outcomes beyond the reconciler's own.
const (
	OutcomeIgnored   = "ignored"
	OutcomeProcessed = "already_processed"
)

const (
	maxBody        = 1 << 20
	defaultTimeout = 5 * time.Second
)

var gatewayTracer = otel.Tracer("carebook.internal.webhooks")

// Reconciler applies provider events to the ledger.
type Reconciler interface {
	ApplyChargeSuccess(ctx context.Context, ev payments.ChargeSuccess) (payments.Result, error)
	ApplyChargeFailure(ctx context.Context, ev payments.ChargeFailure) (payments.Result, error)
	ApplyRefundCreated(ctx context.Context, ev payments.RefundCreated) (payments.Result, error)
	ApplyRefundProcessed(ctx context.Context, ev payments.RefundProcessed) (payments.Result, error)
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type eventData struct {
	Reference            string          `json:"reference"`
	Amount               json.Number     `json:"amount"`
	Currency             string          `json:"currency"`
	Status               string          `json:"status"`
	PaidAt               string          `json:"paid_at"`
	PaidAtCamel          string          `json:"paidAt"`
	ProcessedAt          string          `json:"processed_at"`
	GatewayResponse      string          `json:"gateway_response"`
	Customer             json.RawMessage `json:"customer"`
	TransactionReference string          `json:"transaction_reference"`
	RefundReference      string          `json:"refund_reference"`
	Reason               string          `json:"reason"`
}

// Result describes what one delivery did.
type Result struct {
	Event     string
	Reference string
	Outcome   string
	Reason    string
}

// Gateway verifies and dispatches payment provider webhooks.
type Gateway struct {
	secret     string
	reconciler Reconciler
	processed  events.Keyer
	metrics    *metrics.BillingMetrics
	timeout    time.Duration
	logger     *logging.Logger
}

func NewGateway(secret string, reconciler Reconciler, processed events.Keyer, logger *logging.Logger) *Gateway {
	if logger == nil {
		logger = logging.Default()
	}
	return &Gateway{
		secret:     secret,
		reconciler: reconciler,
		processed:  processed,
		timeout:    defaultTimeout,
		logger:     logger,
	}
}

func (g *Gateway) WithMetrics(m *metrics.BillingMetrics) *Gateway {
	g.metrics = m
	return g
}

// WithTimeout bounds the work done for a single delivery.
func (g *Gateway) WithTimeout(d time.Duration) *Gateway {
	if d > 0 {
		g.timeout = d
	}
	return g
}

// Handle verifies body against header and reconciles the event it carries.
// The body is not parsed until the signature checks out.
func (g *Gateway) Handle(ctx context.Context, body []byte, header string) (Result, error) {
	if !signature.Verify(signature.SHA512, g.secret, body, header) {
		return Result{}, apperr.Auth(apperr.CodeInvalidSignature, "invalid signature")
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil || env.Event == "" {
		return Result{}, apperr.Validation("", "malformed payload")
	}
	res := Result{Event: env.Event}

	switch env.Event {
	case EventChargeSuccess, EventChargeFailed, EventRefundCreated, EventRefundProcessed:
	default:
		res.Outcome = OutcomeIgnored
		return res, nil
	}

	var data eventData
	if len(env.Data) == 0 || json.Unmarshal(env.Data, &data) != nil {
		return res, apperr.Validation("", "malformed payload")
	}
	amount, err := parseAmount(data.Amount)
	if err != nil {
		return res, err
	}
	res.Reference = strings.TrimSpace(data.Reference)
	if res.Reference == "" {
		res.Reference = strings.TrimSpace(data.RefundReference)
	}
	if res.Reference == "" {
		return res, apperr.Validation("", "event reference is required")
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	ctx, span := gatewayTracer.Start(ctx, "webhooks.handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("carebook.webhook.event", env.Event),
		attribute.String("carebook.webhook.reference", res.Reference),
	)

	key := events.Key(env.Event, res.Reference)
	if g.processed != nil {
		done, err := g.processed.AlreadyProcessed(ctx, Provider, key)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "idempotency check failed")
			return res, apperr.Internal("webhook idempotency check failed", err)
		}
		if done {
			res.Outcome = OutcomeProcessed
			return res, nil
		}
	}

	applied, err := g.dispatch(ctx, env.Event, res.Reference, amount, data, env.Data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconcile failed")
		return res, err
	}
	res.Outcome = string(applied.Outcome)
	res.Reason = applied.Reason
	span.SetAttributes(attribute.String("carebook.webhook.outcome", res.Outcome))

	if g.processed != nil && applied.Outcome.Final() {
		if _, err := g.processed.MarkProcessed(ctx, Provider, key); err != nil {
			// Reconciliation is idempotent; a redelivery re-applies as a no-op.
			g.logger.FromContext(ctx).Warn("failed to record processed webhook", "event", env.Event, "reference", res.Reference, "error", err)
		}
	}
	return res, nil
}

func (g *Gateway) dispatch(ctx context.Context, event, ref string, amount int64, data eventData, raw json.RawMessage) (payments.Result, error) {
	switch event {
	case EventChargeSuccess:
		return g.reconciler.ApplyChargeSuccess(ctx, payments.ChargeSuccess{
			Reference:   ref,
			AmountMinor: amount,
			Currency:    strings.ToUpper(data.Currency),
			PaidAt:      firstTime(data.PaidAt, data.PaidAtCamel),
			Raw:         raw,
		})
	case EventChargeFailed:
		code := data.Status
		if code == "" {
			code = "failed"
		}
		return g.reconciler.ApplyChargeFailure(ctx, payments.ChargeFailure{
			Reference:   ref,
			AmountMinor: amount,
			Code:        code,
			Message:     data.GatewayResponse,
			Raw:         raw,
		})
	case EventRefundCreated:
		return g.reconciler.ApplyRefundCreated(ctx, payments.RefundCreated{
			ChargeReference: data.TransactionReference,
			RefundReference: ref,
			AmountMinor:     amount,
			Reason:          data.Reason,
		})
	default:
		return g.reconciler.ApplyRefundProcessed(ctx, payments.RefundProcessed{
			ChargeReference: data.TransactionReference,
			RefundReference: ref,
			AmountMinor:     amount,
			ProcessedAt:     firstTime(data.ProcessedAt, data.PaidAt),
		})
	}
}

func parseAmount(n json.Number) (int64, error) {
	if n == "" {
		return 0, nil
	}
	v, err := n.Int64()
	if err != nil || v < 0 {
		return 0, apperr.Validation("", "amount must be a non-negative integer in minor units")
	}
	return v, nil
}

// firstTime returns the first value that parses as RFC 3339, or zero.
func firstTime(values ...string) time.Time {
	for _, v := range values {
		if v == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// ServeHTTP handles POST /webhooks/payments.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	log := g.logger.FromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		respond.Error(w, r, g.logger, apperr.Validation("", "unable to read body"))
		return
	}

	res, err := g.Handle(r.Context(), body, r.Header.Get(SignatureHeader))
	event := res.Event
	if event == "" {
		event = "unknown"
	}
	g.metrics.ObserveWebhookLatency(event, time.Since(start).Seconds())
	if err != nil {
		outcome := "error"
		switch apperr.KindOf(err) {
		case apperr.KindAuth:
			outcome = "invalid_signature"
			log.Warn("payment webhook signature mismatch")
		case apperr.KindValidation:
			outcome = "malformed"
		default:
			if errors.Is(err, context.DeadlineExceeded) {
				outcome = "timeout"
			}
		}
		g.metrics.ObserveWebhook(event, outcome)
		respond.Error(w, r, g.logger, err)
		return
	}

	g.metrics.ObserveWebhook(event, res.Outcome)
	switch res.Outcome {
	case string(payments.OutcomeUnknownReference):
		log.Warn("payment webhook for unknown reference", "event", res.Event, "reference", res.Reference)
	case OutcomeIgnored:
		log.Info("payment webhook ignored", "event", res.Event)
	default:
		log.Info("payment webhook handled", "event", res.Event, "reference", res.Reference, "outcome", res.Outcome)
	}
	respond.JSON(w, http.StatusOK, map[string]any{"received": true})
}
