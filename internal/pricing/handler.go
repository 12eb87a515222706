package pricing

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/wolfman30/carebook/internal/apperr"
	"github.com/wolfman30/carebook/internal/http/respond"
	"github.com/wolfman30/carebook/pkg/logging"
)

// Handler exposes quotes over HTTP.
type Handler struct {
	engine *Engine
	logger *logging.Logger
}

func NewHandler(engine *Engine, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{engine: engine, logger: logger}
}

// Quote handles GET /pricing/services/{serviceID}/quote.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "serviceID")
	pc, err := ContextFromQuery(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	q, err := h.engine.Price(r.Context(), serviceID, pc)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.JSON(w, http.StatusOK, q)
}

// ContextFromQuery parses location, hours, sessions, diaspora and
// firstConsultation query parameters.
func ContextFromQuery(r *http.Request) (Context, error) {
	q := r.URL.Query()
	var pc Context
	if loc := strings.TrimSpace(q.Get("location")); loc != "" {
		pc.Location = &loc
	}
	for name, dst := range map[string]**int{"hours": &pc.Hours, "sessions": &pc.Sessions} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Context{}, apperr.Validation("", name+" must be a non-negative integer")
		}
		*dst = &n
	}
	if raw := q.Get("diaspora"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return Context{}, apperr.Validation("", "diaspora must be a boolean")
		}
		pc.IsDiaspora = &b
	}
	if raw := q.Get("firstConsultation"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return Context{}, apperr.Validation("", "firstConsultation must be a boolean")
		}
		pc.IsFirstConsultation = b
	}
	return pc, nil
}
