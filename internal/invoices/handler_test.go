package invoices

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/carebook/internal/http/middleware"
)

func invoiceRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Post("/bookings/{id}/invoice", h.Request)
	r.Get("/invoices/{id}", h.Get)
	r.Post("/admin/invoices/{id}/generate", h.Generate)
	r.Post("/admin/invoices/{id}/send", h.Send)
	r.Post("/admin/invoices/{id}/mark-paid", h.MarkPaid)
	return r
}

func as(req *http.Request, p middleware.Principal) *http.Request {
	return req.WithContext(middleware.WithPrincipal(req.Context(), p))
}

func decodeInvoice(t *testing.T, rec *httptest.ResponseRecorder) View {
	t.Helper()
	var body struct {
		Invoice View `json:"invoice"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Invoice
}

func TestHandlerInvoiceFlow(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t)
	f.pendingPayment(t, b)
	router := invoiceRouter(NewHandler(f.issuer, nil))
	client := middleware.Principal{Subject: "u1", Email: "ada@example.com"}
	admin := middleware.Principal{Subject: "a1", Email: "ops@example.com", Role: middleware.RoleAdmin}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, as(httptest.NewRequest(http.MethodPost, "/bookings/"+b.ID.String()+"/invoice", nil), client))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	inv := decodeInvoice(t, rec)
	assert.Equal(t, StatusPending, inv.Status)
	assert.Equal(t, "100.00", inv.Amount)
	assert.Equal(t, "10.00", inv.Tax)
	assert.Equal(t, "110.00", inv.Total)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, as(httptest.NewRequest(http.MethodPost, "/bookings/"+b.ID.String()+"/invoice", nil), client))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, as(httptest.NewRequest(http.MethodPost, "/admin/invoices/"+inv.ID.String()+"/send", nil), admin))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusSent, decodeInvoice(t, rec).Status)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, as(httptest.NewRequest(http.MethodGet, "/invoices/"+inv.ID.String(), nil), client))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusViewed, decodeInvoice(t, rec).Status)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, as(httptest.NewRequest(http.MethodGet, "/invoices/"+inv.ID.String(), nil), middleware.Principal{Subject: "u2", Email: "eve@example.com"}))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, as(httptest.NewRequest(http.MethodPost, "/admin/invoices/"+inv.ID.String()+"/mark-paid", nil), admin))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusPaid, decodeInvoice(t, rec).Status)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, as(httptest.NewRequest(http.MethodPost, "/admin/invoices/"+inv.ID.String()+"/generate", nil), admin))
	require.Equal(t, http.StatusOK, rec.Code)
	generated := decodeInvoice(t, rec)
	assert.Equal(t, StatusPaid, generated.Status)
	assert.True(t, generated.HasDocument)
}

func TestHandlerInvoiceErrors(t *testing.T) {
	f := newFixture(t)
	b := f.booking(t)
	router := invoiceRouter(NewHandler(f.issuer, nil))
	client := middleware.Principal{Subject: "u1", Email: "ada@example.com"}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, as(httptest.NewRequest(http.MethodPost, "/bookings/"+b.ID.String()+"/invoice", nil), client))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/bookings/"+b.ID.String()+"/invoice", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, as(httptest.NewRequest(http.MethodGet, "/invoices/not-a-uuid", nil), client))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/invoices/"+b.ID.String()+"/send", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
