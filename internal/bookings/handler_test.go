package bookings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/carebook/internal/http/middleware"
)

func bookingRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/bookings", h.List)
	r.Get("/bookings/{id}", h.Get)
	r.Post("/bookings/{id}/cancel", h.Cancel)
	return r
}

func asPrincipal(req *http.Request, p middleware.Principal) *http.Request {
	return req.WithContext(middleware.WithPrincipal(req.Context(), p))
}

func TestHandlerOwnerAccess(t *testing.T) {
	svc, _ := newTestService(nil)
	b, err := svc.Ingest(context.Background(), sampleBooking("h-1"))
	require.NoError(t, err)
	router := bookingRouter(NewHandler(svc, nil))

	owner := middleware.Principal{Subject: "u1", Email: "ada@example.com"}
	stranger := middleware.Principal{Subject: "u2", Email: "eve@example.com"}
	admin := middleware.Principal{Subject: "a1", Email: "ops@example.com", Role: middleware.RoleAdmin}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, asPrincipal(httptest.NewRequest(http.MethodGet, "/bookings/"+b.ID.String(), nil), owner))
	require.Equal(t, http.StatusOK, rec.Code)
	var view map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, float64(60), view["durationMinutes"])
	assert.Equal(t, "SCHEDULED", view["status"])

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, asPrincipal(httptest.NewRequest(http.MethodGet, "/bookings/"+b.ID.String(), nil), stranger))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, asPrincipal(httptest.NewRequest(http.MethodGet, "/bookings/"+b.ID.String(), nil), admin))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, asPrincipal(httptest.NewRequest(http.MethodGet, "/bookings/not-a-uuid", nil), owner))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerList(t *testing.T) {
	svc, _ := newTestService(nil)
	_, _ = svc.Ingest(context.Background(), sampleBooking("h-2"))
	router := bookingRouter(NewHandler(svc, nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, asPrincipal(httptest.NewRequest(http.MethodGet, "/bookings", nil), middleware.Principal{Subject: "u1", Email: "ada@example.com"}))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Bookings []map[string]any `json:"bookings"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Bookings, 1)
}

func TestHandlerCancel(t *testing.T) {
	n := &recordingNotifier{}
	svc, _ := newTestService(n)
	b, err := svc.Ingest(context.Background(), sampleBooking("h-3"))
	require.NoError(t, err)
	router := bookingRouter(NewHandler(svc, nil))
	owner := middleware.Principal{Subject: "u1", Email: "ada@example.com"}

	req := httptest.NewRequest(http.MethodPost, "/bookings/"+b.ID.String()+"/cancel", strings.NewReader(`{"reason":"conflict at work"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, asPrincipal(req, owner))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"CANCELLED"`)
	assert.Contains(t, rec.Body.String(), "conflict at work")

	req = httptest.NewRequest(http.MethodPost, "/bookings/"+b.ID.String()+"/cancel", strings.NewReader(`{"unexpected":1}`))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, asPrincipal(req, owner))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
