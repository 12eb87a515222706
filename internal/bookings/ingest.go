package bookings

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wolfman30/carebook/internal/apperr"
	"github.com/wolfman30/carebook/internal/http/respond"
	"github.com/wolfman30/carebook/internal/pricing"
	"github.com/wolfman30/carebook/internal/signature"
	"github.com/wolfman30/carebook/pkg/logging"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw scheduling webhook body.
const SignatureHeader = "X-Cal-Signature-256"

// Scheduling provider trigger events.
const (
	TriggerCreated     = "BOOKING_CREATED"
	TriggerCancelled   = "BOOKING_CANCELLED"
	TriggerRescheduled = "BOOKING_RESCHEDULED"
)

const maxWebhookBody = 1 << 20

// ServiceResolver maps a provider event type to a catalog service.
type ServiceResolver interface {
	ServiceForEventType(ctx context.Context, eventTypeID string) (*pricing.Service, error)
}

type schedulingEvent struct {
	TriggerEvent string          `json:"triggerEvent"`
	CreatedAt    string          `json:"createdAt"`
	Payload      schedulingInner `json:"payload"`
}

type schedulingInner struct {
	UID                string               `json:"uid"`
	RescheduleUID      string               `json:"rescheduleUid"`
	Title              string               `json:"title"`
	StartTime          time.Time            `json:"startTime"`
	EndTime            time.Time            `json:"endTime"`
	Length             int                  `json:"length"`
	EventTypeID        json.Number          `json:"eventTypeId"`
	Attendees          []schedulingAttendee `json:"attendees"`
	Metadata           map[string]any       `json:"metadata"`
	CancellationReason string               `json:"cancellationReason"`
}

type schedulingAttendee struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	TimeZone    string `json:"timeZone"`
	PhoneNumber string `json:"phoneNumber"`
}

// IngestHandler accepts booking lifecycle webhooks from the scheduling provider.
type IngestHandler struct {
	service  *Service
	resolver ServiceResolver
	secret   string
	logger   *logging.Logger
}

func NewIngestHandler(service *Service, resolver ServiceResolver, secret string, logger *logging.Logger) *IngestHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &IngestHandler{service: service, resolver: resolver, secret: secret, logger: logger}
}

// ServeHTTP handles POST /webhooks/scheduling.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.logger.FromContext(ctx)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respond.Error(w, r, h.logger, apperr.Validation("", "unable to read body"))
		return
	}
	if !signature.Verify(signature.SHA256, h.secret, body, r.Header.Get(SignatureHeader)) {
		log.Warn("scheduling webhook signature mismatch")
		respond.Error(w, r, h.logger, apperr.Auth(apperr.CodeInvalidSignature, "invalid signature"))
		return
	}

	var evt schedulingEvent
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&evt); err != nil {
		respond.Error(w, r, h.logger, apperr.Validation("", "malformed payload"))
		return
	}

	var b *Booking
	switch evt.TriggerEvent {
	case TriggerCreated:
		nb, convErr := h.toNewBooking(ctx, evt.Payload)
		if convErr != nil {
			respond.Error(w, r, h.logger, convErr)
			return
		}
		b, err = h.service.Ingest(ctx, nb)
	case TriggerCancelled:
		b, err = h.service.CancelByExternalRef(ctx, evt.Payload.UID, evt.Payload.CancellationReason)
	case TriggerRescheduled:
		ref := evt.Payload.RescheduleUID
		if ref == "" {
			ref = evt.Payload.UID
		}
		b, err = h.service.RescheduleByExternalRef(ctx, ref, evt.Payload.StartTime, payloadDuration(evt.Payload))
	default:
		log.Info("scheduling webhook ignored", "trigger", evt.TriggerEvent)
		respond.JSON(w, http.StatusOK, map[string]any{"received": true, "status": "ignored"})
		return
	}

	if err != nil {
		kind := apperr.KindOf(err)
		if kind == apperr.KindConflict || (kind == apperr.KindNotFound && evt.TriggerEvent != TriggerCreated) {
			// The provider retries non-2xx; these will never succeed.
			log.Warn("scheduling webhook not applied", "trigger", evt.TriggerEvent, "uid", evt.Payload.UID, "error", err)
			respond.JSON(w, http.StatusOK, map[string]any{"received": true, "status": "ignored"})
			return
		}
		respond.Error(w, r, h.logger, err)
		return
	}

	resp := map[string]any{"received": true, "status": "applied"}
	if b != nil {
		resp["bookingId"] = b.ID
	}
	respond.JSON(w, http.StatusOK, resp)
}

func (h *IngestHandler) toNewBooking(ctx context.Context, p schedulingInner) (NewBooking, error) {
	if len(p.Attendees) == 0 {
		return NewBooking{}, apperr.Validation("", "booking has no attendees")
	}
	a := p.Attendees[0]
	return NewBooking{
		ExternalRef: p.UID,
		Client: Client{
			Name:     strings.TrimSpace(a.Name),
			Email:    a.Email,
			Phone:    a.PhoneNumber,
			Timezone: a.TimeZone,
		},
		ServiceID:   h.resolveService(ctx, p),
		Title:       p.Title,
		ScheduledAt: p.StartTime,
		Duration:    payloadDuration(p),
	}, nil
}

// resolveService prefers metadata.serviceId and falls back to the event type mapping.
func (h *IngestHandler) resolveService(ctx context.Context, p schedulingInner) string {
	if v, ok := p.Metadata["serviceId"]; ok {
		switch id := v.(type) {
		case string:
			if id != "" {
				return id
			}
		case json.Number:
			return id.String()
		}
	}
	eventType := p.EventTypeID.String()
	if eventType == "" || h.resolver == nil {
		return ""
	}
	svc, err := h.resolver.ServiceForEventType(ctx, eventType)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			h.logger.FromContext(ctx).Warn("no service mapped to event type", "event_type_id", eventType)
		} else {
			h.logger.FromContext(ctx).Error("service lookup failed", "event_type_id", eventType, "error", err)
		}
		return ""
	}
	return svc.ID
}

func payloadDuration(p schedulingInner) time.Duration {
	if p.Length > 0 {
		return time.Duration(p.Length) * time.Minute
	}
	if !p.EndTime.IsZero() && p.EndTime.After(p.StartTime) {
		return p.EndTime.Sub(p.StartTime)
	}
	return 0
}
