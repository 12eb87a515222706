package handlers

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sort"

	"github.com/wolfman30/carebook/internal/apperr"
	"github.com/wolfman30/carebook/internal/http/respond"
	"github.com/wolfman30/carebook/internal/pricing"
	"github.com/wolfman30/carebook/pkg/logging"
)

// AdminBillingHandler serves the read-only billing overview for staff.
type AdminBillingHandler struct {
	db     *sql.DB
	logger *logging.Logger
}

// NewAdminBillingHandler creates a new admin billing handler.
func NewAdminBillingHandler(db *sql.DB, logger *logging.Logger) *AdminBillingHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminBillingHandler{
		db:     db,
		logger: logger,
	}
}

// BillingSummaryResponse is the body of GET /admin/billing/summary.
type BillingSummaryResponse struct {
	Payments       map[string]int   `json:"payments"`
	Invoices       map[string]int   `json:"invoices"`
	Bookings       map[string]int   `json:"bookings"`
	Totals         []CurrencyTotals `json:"totals"`
	PendingRefunds int              `json:"pendingRefunds"`
	PendingActions []PendingAction  `json:"pendingActions"`
}

// CurrencyTotals sums settled money for one currency.
type CurrencyTotals struct {
	Currency       string `json:"currency"`
	Collected      string `json:"collected"`
	Refunded       string `json:"refunded"`
	CollectedMinor int64  `json:"collectedMinor"`
	RefundedMinor  int64  `json:"refundedMinor"`
}

// PendingAction represents something staff should look at.
type PendingAction struct {
	Type        string `json:"type"`
	Priority    string `json:"priority"`
	Description string `json:"description"`
	Count       int    `json:"count"`
	Link        string `json:"link,omitempty"`
}

const (
	paymentTotalsQuery = `SELECT status, currency, COUNT(*), COALESCE(SUM(amount_minor), 0), COALESCE(SUM(refunded_amount_minor), 0) FROM payments GROUP BY status, currency ORDER BY currency, status`
	invoiceCountsQuery = `SELECT status, COUNT(*) FROM invoices GROUP BY status`
	bookingCountsQuery = `SELECT status, COUNT(*) FROM bookings GROUP BY status`
	pendingRefundQuery = `SELECT COUNT(*) FROM refund_requests WHERE status = 'PENDING'`
)

// GetBillingSummary returns payment, invoice and booking counts plus money totals.
// GET /admin/billing/summary
func (h *AdminBillingHandler) GetBillingSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	summary := BillingSummaryResponse{Payments: map[string]int{}}

	totals, err := h.paymentTotals(ctx, summary.Payments)
	if err != nil {
		respond.Error(w, r, h.logger, apperr.Internal("billing summary unavailable", err))
		return
	}
	summary.Totals = totals

	if summary.Invoices, err = h.countByStatus(ctx, invoiceCountsQuery); err != nil {
		respond.Error(w, r, h.logger, apperr.Internal("billing summary unavailable", err))
		return
	}
	if summary.Bookings, err = h.countByStatus(ctx, bookingCountsQuery); err != nil {
		respond.Error(w, r, h.logger, apperr.Internal("billing summary unavailable", err))
		return
	}
	if err := h.db.QueryRowContext(ctx, pendingRefundQuery).Scan(&summary.PendingRefunds); err != nil {
		respond.Error(w, r, h.logger, apperr.Internal("billing summary unavailable", fmt.Errorf("pending refunds: %w", err)))
		return
	}

	summary.PendingActions = pendingActions(summary)
	respond.JSON(w, http.StatusOK, summary)
}

func (h *AdminBillingHandler) paymentTotals(ctx context.Context, byStatus map[string]int) ([]CurrencyTotals, error) {
	rows, err := h.db.QueryContext(ctx, paymentTotalsQuery)
	if err != nil {
		return nil, fmt.Errorf("payment totals: %w", err)
	}
	defer rows.Close()

	perCurrency := map[string]*CurrencyTotals{}
	for rows.Next() {
		var (
			status, currency string
			count            int
			amount, refunded int64
		)
		if err := rows.Scan(&status, &currency, &count, &amount, &refunded); err != nil {
			return nil, fmt.Errorf("payment totals: scan: %w", err)
		}
		byStatus[status] += count
		t, ok := perCurrency[currency]
		if !ok {
			t = &CurrencyTotals{Currency: currency}
			perCurrency[currency] = t
		}
		if status == "PAID" || status == "REFUNDED" {
			t.CollectedMinor += amount
		}
		t.RefundedMinor += refunded
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payment totals: %w", err)
	}

	out := make([]CurrencyTotals, 0, len(perCurrency))
	for _, t := range perCurrency {
		t.Collected = pricing.FormatMinor(t.CollectedMinor)
		t.Refunded = pricing.FormatMinor(t.RefundedMinor)
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (h *AdminBillingHandler) countByStatus(ctx context.Context, query string) (map[string]int, error) {
	rows, err := h.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("count by status: scan: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}

func pendingActions(s BillingSummaryResponse) []PendingAction {
	actions := []PendingAction{}
	if s.PendingRefunds > 0 {
		actions = append(actions, PendingAction{
			Type:        "refunds_awaiting_provider",
			Priority:    "high",
			Description: "Refunds requested but not yet confirmed by the payment provider",
			Count:       s.PendingRefunds,
		})
	}
	if n := s.Payments["FAILED"]; n > 0 {
		actions = append(actions, PendingAction{
			Type:        "failed_payments",
			Priority:    "medium",
			Description: "Payments that failed and have not been retried",
			Count:       n,
		})
	}
	if n := s.Invoices["GENERATED"]; n > 0 {
		actions = append(actions, PendingAction{
			Type:        "invoices_not_sent",
			Priority:    "low",
			Description: "Generated invoices that have not been emailed",
			Count:       n,
		})
	}
	return actions
}
