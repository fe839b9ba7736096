package movements

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/bonded-wms/stockbalance/internal/inventory"
)

func newTestRouter(t *testing.T) (http.Handler, fixture) {
	t.Helper()
	f := newFixture()
	h := NewHandler(f.svc.logger, f.svc)
	r := chi.NewRouter()
	r.Route("/api/movements", h.MountRoutes)
	return r, f
}

func send(t *testing.T, h http.Handler, method, target, body string, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	out := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

const createBody = `{"kind":"INCOMING","company_code":1310,"item_type":"ROH","item_code":"RM-001","item_name":"Resin","uom":"KG","qty":"100","date":"2024-01-01"}`

func TestHandlerCreateGetUpdateDelete(t *testing.T) {
	router, f := newTestRouter(t)

	rec, body := send(t, router, http.MethodPost, "/api/movements", createBody, "Idempotency-Key", "abc")
	require.Equal(t, http.StatusCreated, rec.Code)
	require.EqualValues(t, 1, body["id"])
	require.Equal(t, "100", body["qty"])

	rec, _ = send(t, router, http.MethodPost, "/api/movements", createBody, "Idempotency-Key", "abc")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec, body = send(t, router, http.MethodGet, "/api/movements/incoming/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "INCOMING", body["kind"])

	rec, body = send(t, router, http.MethodPut, "/api/movements/INCOMING/1", `{"qty":"80","date":"2024-01-03"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "2024-01-03", body["date"])
	require.Len(t, f.dispatch.reqs, 3)

	rec, _ = send(t, router, http.MethodDelete, "/api/movements/INCOMING/1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec, _ = send(t, router, http.MethodGet, "/api/movements/INCOMING/1", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerRejectsInsufficientStock(t *testing.T) {
	router, f := newTestRouter(t)
	f.checker.avail = inventory.Availability{CurrentStock: qty("10"), Shortfall: qty("20")}

	rec, body := send(t, router, http.MethodPost, "/api/movements",
		`{"kind":"OUTGOING","company_code":1310,"item_type":"ROH","item_code":"RM-001","qty":"30","date":"2024-01-02"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "10", body["current_stock"])
	require.Equal(t, "20", body["shortfall"])
	require.Equal(t, "30", body["requested"])
	require.Equal(t, "Insufficient Stock", body["title"])
}

func TestHandlerValidation(t *testing.T) {
	router, _ := newTestRouter(t)
	rec, body := send(t, router, http.MethodPost, "/api/movements", `{"kind":"INCOMING","company_code":0,"item_type":"X","qty":"1","date":"x"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	errs := body["errors"].(map[string]any)
	require.Contains(t, errs, "company_code")
	require.Contains(t, errs, "item_type")
	require.Contains(t, errs, "item_code")
	require.Contains(t, errs, "date")

	rec, _ = send(t, router, http.MethodPost, "/api/movements",
		`{"kind":"TRANSFER","company_code":1,"item_type":"ROH","item_code":"A","qty":"1","date":"2024-01-01"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = send(t, router, http.MethodDelete, "/api/movements/INCOMING/abc", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
