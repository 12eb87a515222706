package invoices

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/wolfman30/carebook/internal/apperr"
	"github.com/wolfman30/carebook/internal/bookings"
	"github.com/wolfman30/carebook/internal/http/middleware"
	"github.com/wolfman30/carebook/internal/http/respond"
	"github.com/wolfman30/carebook/pkg/logging"
)

type Handler struct {
	issuer *Issuer
	logger *logging.Logger
}

func NewHandler(issuer *Issuer, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{issuer: issuer, logger: logger}
}

func viewerFrom(r *http.Request) (Viewer, bool) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		return Viewer{}, false
	}
	return Viewer{Email: p.Email, IsAdmin: p.IsAdmin()}, true
}

func (h *Handler) invoiceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, r, h.logger, ErrNotFound)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request, status int, inv *Invoice, err error) {
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.JSON(w, status, map[string]any{"invoice": ViewOf(inv)})
}

// Request handles POST /bookings/{id}/invoice.
func (h *Handler) Request(w http.ResponseWriter, r *http.Request) {
	viewer, ok := viewerFrom(r)
	if !ok {
		respond.Error(w, r, h.logger, apperr.Auth("", "unauthenticated"))
		return
	}
	bookingID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, r, h.logger, bookings.ErrNotFound)
		return
	}
	inv, created, err := h.issuer.Request(r.Context(), viewer, bookingID)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.write(w, r, status, inv, err)
}

// Get handles GET /invoices/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	viewer, ok := viewerFrom(r)
	if !ok {
		respond.Error(w, r, h.logger, apperr.Auth("", "unauthenticated"))
		return
	}
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	inv, err := h.issuer.View(r.Context(), viewer, id)
	h.write(w, r, http.StatusOK, inv, err)
}

// Generate handles POST /admin/invoices/{id}/generate.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	inv, err := h.issuer.Generate(r.Context(), id)
	h.write(w, r, http.StatusOK, inv, err)
}

// Send handles POST /admin/invoices/{id}/send.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	inv, err := h.issuer.Send(r.Context(), id)
	h.write(w, r, http.StatusOK, inv, err)
}

// MarkPaid handles POST /admin/invoices/{id}/mark-paid.
func (h *Handler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	id, ok := h.invoiceID(w, r)
	if !ok {
		return
	}
	actor := "admin"
	if p, ok := middleware.PrincipalFromContext(r.Context()); ok && p.Email != "" {
		actor = p.Email
	}
	inv, err := h.issuer.MarkPaid(r.Context(), id, actor)
	h.write(w, r, http.StatusOK, inv, err)
}
