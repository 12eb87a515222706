package bookings

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/carebook/internal/pricing"
	"github.com/wolfman30/carebook/internal/signature"
)

const ingestSecret = "cal-secret"

func newIngest(t *testing.T) (*IngestHandler, *MemoryStore, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	svc, store := newTestService(n)
	catalog := pricing.NewMemoryCatalog(pricing.Service{ID: "therapy-60", Name: "Therapy", ExternalEventTypeID: "4242"})
	return NewIngestHandler(svc, catalog, ingestSecret, nil), store, n
}

func postScheduling(t *testing.T, h http.Handler, payload any, secret string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/scheduling", bytes.NewReader(body))
	if secret != "" {
		req.Header.Set(SignatureHeader, signature.Sign(signature.SHA256, secret, body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createdEvent(uid string, start time.Time) map[string]any {
	return map[string]any{
		"triggerEvent": TriggerCreated,
		"payload": map[string]any{
			"uid":         uid,
			"title":       "Therapy with Dr. Bello",
			"startTime":   start.Format(time.RFC3339),
			"endTime":     start.Add(45 * time.Minute).Format(time.RFC3339),
			"eventTypeId": 4242,
			"attendees": []map[string]any{
				{"name": " Ada Obi ", "email": "ada@example.com", "timeZone": "Africa/Lagos"},
			},
		},
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestIngestCreatedResolvesServiceFromEventType(t *testing.T) {
	h, store, n := newIngest(t)
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	rec := postScheduling(t, h, createdEvent("uid-1", start), ingestSecret)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "applied", body["status"])

	b, err := store.GetByExternalRef(context.Background(), "uid-1")
	require.NoError(t, err)
	assert.Equal(t, "therapy-60", b.ServiceID)
	assert.Equal(t, "Ada Obi", b.Client.Name)
	assert.Equal(t, 45*time.Minute, b.Duration)
	assert.Equal(t, b.ID.String(), body["bookingId"])

	rec = postScheduling(t, h, createdEvent("uid-1", start), ingestSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, n.templates(), 1, "redelivery must not resend confirmation")
}

func TestIngestMetadataServiceOverridesEventType(t *testing.T) {
	h, store, _ := newIngest(t)
	evt := createdEvent("uid-meta", time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	evt["payload"].(map[string]any)["metadata"] = map[string]any{"serviceId": "consult-free"}

	rec := postScheduling(t, h, evt, ingestSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	b, err := store.GetByExternalRef(context.Background(), "uid-meta")
	require.NoError(t, err)
	assert.Equal(t, "consult-free", b.ServiceID)
}

func TestIngestRejectsBadSignature(t *testing.T) {
	h, store, _ := newIngest(t)
	evt := createdEvent("uid-2", time.Now().Add(time.Hour))

	rec := postScheduling(t, h, evt, "wrong-secret")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postScheduling(t, h, evt, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	_, err := store.GetByExternalRef(context.Background(), "uid-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIngestEmptySecretFailsClosed(t *testing.T) {
	svc, _ := newTestService(nil)
	h := NewIngestHandler(svc, nil, "", nil)
	rec := postScheduling(t, h, createdEvent("uid-3", time.Now()), "anything")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIngestCancelAndReschedule(t *testing.T) {
	h, store, _ := newIngest(t)
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	require.Equal(t, http.StatusOK, postScheduling(t, h, createdEvent("uid-4", start), ingestSecret).Code)
	require.Equal(t, http.StatusOK, postScheduling(t, h, createdEvent("uid-5", start), ingestSecret).Code)

	moved := start.Add(48 * time.Hour)
	rec := postScheduling(t, h, map[string]any{
		"triggerEvent": TriggerRescheduled,
		"payload": map[string]any{
			"uid":           "uid-5-new",
			"rescheduleUid": "uid-5",
			"startTime":     moved.Format(time.RFC3339),
			"length":        30,
		},
	}, ingestSecret)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	b, err := store.GetByExternalRef(context.Background(), "uid-5")
	require.NoError(t, err)
	assert.True(t, b.ScheduledAt.Equal(moved))
	assert.Equal(t, 30*time.Minute, b.Duration)

	rec = postScheduling(t, h, map[string]any{
		"triggerEvent": TriggerCancelled,
		"payload":      map[string]any{"uid": "uid-4", "cancellationReason": "travel"},
	}, ingestSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	b, err = store.GetByExternalRef(context.Background(), "uid-4")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, b.Status)
	assert.Equal(t, "travel", b.CancelReason)
}

func TestIngestIgnoresUnknownTriggerAndMissingBooking(t *testing.T) {
	h, _, _ := newIngest(t)

	rec := postScheduling(t, h, map[string]any{"triggerEvent": "MEETING_ENDED", "payload": map[string]any{}}, ingestSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decodeBody(t, rec)["status"])

	rec = postScheduling(t, h, map[string]any{
		"triggerEvent": TriggerCancelled,
		"payload":      map[string]any{"uid": "never-seen"},
	}, ingestSecret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decodeBody(t, rec)["status"])
}

func TestIngestRejectsCreatedWithoutAttendees(t *testing.T) {
	h, _, _ := newIngest(t)
	rec := postScheduling(t, h, map[string]any{
		"triggerEvent": TriggerCreated,
		"payload":      map[string]any{"uid": "uid-6", "startTime": time.Now().Format(time.RFC3339)},
	}, ingestSecret)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
