package reminders

import (
	"net/http"

	"github.com/wolfman30/carebook/internal/apperr"
	"github.com/wolfman30/carebook/internal/http/respond"
	"github.com/wolfman30/carebook/pkg/logging"
)

// Handler exposes the scan to an external cron. Mount it behind
// middleware.CronAuth.
type Handler struct {
	scheduler *Scheduler
	logger    *logging.Logger
}

func NewHandler(scheduler *Scheduler, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{scheduler: scheduler, logger: logger}
}

// ServeHTTP handles POST /cron/reminders.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	counts, err := h.scheduler.Scan(r.Context())
	if err != nil {
		respond.Error(w, r, h.logger, apperr.Internal("reminder scan failed", err))
		return
	}
	respond.JSON(w, http.StatusOK, counts)
}
