package bookings

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/wolfman30/carebook/internal/apperr"
	"github.com/wolfman30/carebook/internal/http/binding"
	"github.com/wolfman30/carebook/internal/http/middleware"
	"github.com/wolfman30/carebook/internal/http/respond"
	"github.com/wolfman30/carebook/pkg/logging"
)

// Handler serves client and admin booking endpoints.
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

type bookingView struct {
	Booking
	DurationMinutes int `json:"durationMinutes"`
}

func viewOf(b *Booking) bookingView {
	return bookingView{Booking: *b, DurationMinutes: b.DurationMinutes()}
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// Get handles GET /bookings/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	b, err := h.authorized(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, viewOf(b))
}

// List handles GET /bookings for the calling client.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	list, err := h.service.ListForClient(r.Context(), p.Email)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	views := make([]bookingView, 0, len(list))
	for i := range list {
		views = append(views, viewOf(&list[i]))
	}
	respond.JSON(w, http.StatusOK, map[string]any{"bookings": views})
}

// Cancel handles POST /bookings/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := binding.JSON(r, &req); err != nil {
			respond.Error(w, r, h.logger, err)
			return
		}
	}
	b, err := h.authorized(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	updated, err := h.service.Cancel(r.Context(), b.ID, req.Reason)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, viewOf(updated))
}

// authorized loads the booking and checks the caller owns it or is an admin.
// Non-owners get 404 so booking ids cannot be probed.
func (h *Handler) authorized(ctx context.Context, rawID string) (*Booking, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, ErrNotFound
	}
	b, err := h.service.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	p, ok := middleware.PrincipalFromContext(ctx)
	if !ok {
		return nil, apperr.Auth("", "unauthenticated")
	}
	if !p.IsAdmin() && !b.OwnedBy(p.Email) {
		return nil, ErrNotFound
	}
	return b, nil
}
