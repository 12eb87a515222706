package payments

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/wolfman30/carebook/internal/apperr"
	"github.com/wolfman30/carebook/internal/http/binding"
	"github.com/wolfman30/carebook/internal/http/middleware"
	"github.com/wolfman30/carebook/internal/http/respond"
	"github.com/wolfman30/carebook/internal/pricing"
	"github.com/wolfman30/carebook/pkg/logging"
)

// Handler exposes payment initiation, verification and admin refunds.
type Handler struct {
	service *Service
	logger  *logging.Logger
}

func NewHandler(service *Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, logger: logger}
}

type initiateRequest struct {
	BookingID           string  `json:"bookingId" validate:"required,uuid"`
	Location            *string `json:"location,omitempty" validate:"omitempty,max=100"`
	Hours               *int    `json:"hours,omitempty" validate:"omitempty,min=0,max=24"`
	Sessions            *int    `json:"sessions,omitempty" validate:"omitempty,min=0,max=100"`
	IsDiaspora          *bool   `json:"isDiaspora,omitempty"`
	IsFirstConsultation bool    `json:"isFirstConsultation,omitempty"`
}

type refundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason" validate:"max=500"`
}

func callerFrom(r *http.Request) (Caller, bool) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		return Caller{}, false
	}
	return Caller{Email: p.Email, IsAdmin: p.IsAdmin()}, true
}

// Initiate handles POST /payments/initiate.
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r)
	if !ok {
		respond.Error(w, r, h.logger, apperr.Auth("", "unauthenticated"))
		return
	}
	var req initiateRequest
	if err := binding.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	bookingID, err := uuid.Parse(req.BookingID)
	if err != nil {
		respond.Error(w, r, h.logger, apperr.Validation("", "bookingId must be a UUID"))
		return
	}
	res, err := h.service.Initiate(r.Context(), caller, InitiateRequest{
		BookingID: bookingID,
		Pricing: pricing.Context{
			Location:            req.Location,
			Hours:               req.Hours,
			Sessions:            req.Sessions,
			IsDiaspora:          req.IsDiaspora,
			IsFirstConsultation: req.IsFirstConsultation,
		},
	})
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusCreated, res)
}

// Verify handles GET /payments/verify/{reference}.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(r)
	if !ok {
		respond.Error(w, r, h.logger, apperr.Auth("", "unauthenticated"))
		return
	}
	p, err := h.service.Verify(r.Context(), caller, chi.URLParam(r, "reference"))
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"payment": ViewOf(p)})
}

// RequestRefund handles POST /admin/payments/{paymentID}/refunds.
func (h *Handler) RequestRefund(w http.ResponseWriter, r *http.Request) {
	paymentID, err := uuid.Parse(chi.URLParam(r, "paymentID"))
	if err != nil {
		respond.Error(w, r, h.logger, ErrNotFound)
		return
	}
	var req refundRequest
	if err := binding.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	if req.Amount.Exponent() < -2 {
		respond.Error(w, r, h.logger, apperr.Validation("", "amount has more than two decimal places"))
		return
	}
	rr, err := h.service.RequestRefund(r.Context(), paymentID, pricing.ToMinor(req.Amount), req.Reason)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusAccepted, map[string]any{
		"refund": map[string]any{
			"id":        rr.ID,
			"paymentId": rr.PaymentID,
			"amount":    pricing.FormatMinor(rr.AmountMinor),
			"reason":    rr.Reason,
			"status":    rr.Status,
			"reference": rr.ProviderRef,
		},
	})
}
