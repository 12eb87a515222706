package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/carebook/internal/apperr"
	"github.com/wolfman30/carebook/pkg/logging"
	"go.opentelemetry.io/otel/attribute"
)

// Transaction states reported by the provider's verify endpoint.
const (
	TxSuccess   = "success"
	TxFailed    = "failed"
	TxAbandoned = "abandoned"
	TxPending   = "pending"
)

// Transaction is the provider's view of a charge.
type Transaction struct {
	Reference       string
	Status          string
	AmountMinor     int64
	Currency        string
	PaidAt          time.Time
	GatewayResponse string
	Raw             json.RawMessage
}

// ProviderRefund is the provider's acknowledgement of a refund request.
type ProviderRefund struct {
	Reference string
	Status    string
}

// Gateway is the outbound payment provider API.
type Gateway interface {
	Verify(ctx context.Context, reference string) (*Transaction, error)
	CreateRefund(ctx context.Context, transactionRef string, amountMinor int64, reason string) (*ProviderRefund, error)
}

// HTTPGateway talks to a Paystack-style REST API with a bearer secret key.
type HTTPGateway struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
	logger     *logging.Logger
}

func NewHTTPGateway(baseURL, secretKey string, logger *logging.Logger) *HTTPGateway {
	if logger == nil {
		logger = logging.Default()
	}
	if baseURL == "" {
		baseURL = "https://api.paystack.co"
	}
	return &HTTPGateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Verify fetches the provider's current status for reference.
func (g *HTTPGateway) Verify(ctx context.Context, reference string) (*Transaction, error) {
	ctx, span := paymentsTracer.Start(ctx, "gateway.verify")
	defer span.End()
	span.SetAttributes(attribute.String("carebook.payment_reference", reference))

	data, err := g.do(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	var parsed struct {
		Reference       string `json:"reference"`
		Status          string `json:"status"`
		Amount          int64  `json:"amount"`
		Currency        string `json:"currency"`
		PaidAt          string `json:"paid_at"`
		GatewayResponse string `json:"gateway_response"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, apperr.Upstream("payment provider returned an unreadable response", err)
	}
	tx := &Transaction{
		Reference:       parsed.Reference,
		Status:          strings.ToLower(parsed.Status),
		AmountMinor:     parsed.Amount,
		Currency:        parsed.Currency,
		GatewayResponse: parsed.GatewayResponse,
		Raw:             data,
	}
	if tx.Reference == "" {
		tx.Reference = reference
	}
	if parsed.PaidAt != "" {
		if t, err := time.Parse(time.RFC3339, parsed.PaidAt); err == nil {
			tx.PaidAt = t.UTC()
		}
	}
	span.SetAttributes(attribute.String("carebook.provider_status", tx.Status))
	return tx, nil
}

// CreateRefund asks the provider to refund amountMinor of transactionRef.
func (g *HTTPGateway) CreateRefund(ctx context.Context, transactionRef string, amountMinor int64, reason string) (*ProviderRefund, error) {
	ctx, span := paymentsTracer.Start(ctx, "gateway.create_refund")
	defer span.End()
	span.SetAttributes(
		attribute.String("carebook.payment_reference", transactionRef),
		attribute.Int64("carebook.amount_minor", amountMinor),
	)

	body := map[string]any{
		"transaction": transactionRef,
		"amount":      amountMinor,
	}
	if reason != "" {
		body["merchant_note"] = reason
	}
	data, err := g.do(ctx, http.MethodPost, "/refund", body)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	var parsed struct {
		ID        json.Number `json:"id"`
		Reference string      `json:"refund_reference"`
		Status    string      `json:"status"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&parsed); err != nil {
		return nil, apperr.Upstream("payment provider returned an unreadable response", err)
	}
	ref := parsed.Reference
	if ref == "" {
		ref = parsed.ID.String()
	}
	if ref == "" {
		return nil, apperr.Upstream("payment provider returned no refund reference", nil)
	}
	g.logger.FromContext(ctx).Info("refund requested from provider",
		"transaction_reference", transactionRef,
		"refund_reference", ref,
		"status", parsed.Status,
		"amount_minor", amountMinor,
	)
	return &ProviderRefund{Reference: ref, Status: parsed.Status}, nil
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, payload any) (json.RawMessage, error) {
	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("payments: marshal gateway request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("payments: gateway request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.secretKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Upstream("payment provider unreachable", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= http.StatusMultipleChoices {
		g.logger.FromContext(ctx).Error("payment provider call failed",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"body", string(respBody),
		)
		return nil, apperr.Upstream(fmt.Sprintf("payment provider status %d", resp.StatusCode), nil)
	}
	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, apperr.Upstream("payment provider returned an unreadable response", err)
	}
	if !env.Status {
		return nil, apperr.Upstream("payment provider rejected request: "+env.Message, nil)
	}
	return env.Data, nil
}

// FakeGateway is a development gateway used when no secret key is set.
// Verify reports the status recorded with SetStatus (pending by default)
// and refunds are always accepted.
//
// This MUST never be enabled in production.
type FakeGateway struct {
	mu       sync.Mutex
	statuses map[string]Transaction
	refunds  int
	Err      error
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{statuses: make(map[string]Transaction)}
}

// SetStatus records the transaction Verify will report for tx.Reference.
func (f *FakeGateway) SetStatus(tx Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[tx.Reference] = tx
}

func (f *FakeGateway) Verify(_ context.Context, reference string) (*Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if tx, ok := f.statuses[reference]; ok {
		return &tx, nil
	}
	return &Transaction{Reference: reference, Status: TxPending}, nil
}

func (f *FakeGateway) CreateRefund(_ context.Context, transactionRef string, _ int64, _ string) (*ProviderRefund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.refunds++
	return &ProviderRefund{Reference: fmt.Sprintf("fake_rf_%s_%d", transactionRef, f.refunds), Status: "pending"}, nil
}

var (
	_ Gateway = (*HTTPGateway)(nil)
	_ Gateway = (*FakeGateway)(nil)
)
