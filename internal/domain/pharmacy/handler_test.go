package pharmacy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/careflow/careflow/internal/platform/apperr"
	"github.com/careflow/careflow/internal/platform/auth"
)

func newTestHandler() (*Handler, *testEnv, *echo.Echo) {
	env := newTestEnv()
	return NewHandler(env.svc), env, echo.New()
}

func jsonRequest(method, body string) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req.WithContext(auth.WithUser(req.Context(), "rph-1", []string{auth.RolePharmacist}))
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	if he.Code != code {
		t.Fatalf("expected %d, got %d", code, he.Code)
	}
}

func orderContext(e *echo.Echo, req *http.Request, rec *httptest.ResponseRecorder, pharmacyID, id string) echo.Context {
	c := e.NewContext(req, rec)
	c.SetParamNames("pharmacyId", "id")
	c.SetParamValues(pharmacyID, id)
	return c
}

func TestHandler_Accept(t *testing.T) {
	h, env, e := newTestHandler()
	o := createOrder(t, env, false)
	rec := httptest.NewRecorder()

	if err := h.Accept(orderContext(e, jsonRequest(http.MethodPost, ""), rec, "ph-1", o.ID.String())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Order
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Status != StatusAccepted {
		t.Errorf("expected Accepted, got %s", got.Status)
	}
}

func TestHandler_InvalidID(t *testing.T) {
	h, _, e := newTestHandler()
	err := h.GetOrder(orderContext(e, jsonRequest(http.MethodGet, ""), httptest.NewRecorder(), "ph-1", "nope"))
	expectStatus(t, err, http.StatusBadRequest)
}

func TestHandler_Dispense_InsufficientStock(t *testing.T) {
	h, env, e := newTestHandler()
	o := createOrder(t, env, false)
	inv := createStock(t, env, "ph-1", 3)
	env.svc.Accept(pharmacistCtx(), "ph-1", o.ID)

	body := `{"inventory_id":"` + inv.ID.String() + `","qty":5}`
	err := h.Dispense(orderContext(e, jsonRequest(http.MethodPost, body), httptest.NewRecorder(), "ph-1", o.ID.String()))
	expectStatus(t, err, http.StatusUnprocessableEntity)
	payload := err.(*echo.HTTPError).Message.(map[string]interface{})
	if payload["error"] != apperr.KindInsufficientStock {
		t.Errorf("unexpected body %v", payload)
	}
}

func TestHandler_Reject_MissingReason(t *testing.T) {
	h, env, e := newTestHandler()
	o := createOrder(t, env, false)
	err := h.Reject(orderContext(e, jsonRequest(http.MethodPost, `{}`), httptest.NewRecorder(), "ph-1", o.ID.String()))
	expectStatus(t, err, http.StatusBadRequest)
}

func TestHandler_GetOrder_OtherPharmacy(t *testing.T) {
	h, env, e := newTestHandler()
	o := createOrder(t, env, false)
	err := h.GetOrder(orderContext(e, jsonRequest(http.MethodGet, ""), httptest.NewRecorder(), "ph-9", o.ID.String()))
	expectStatus(t, err, http.StatusNotFound)
}

func TestHandler_ListOrders_Empty(t *testing.T) {
	h, _, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodGet, ""), rec)
	c.SetParamNames("pharmacyId")
	c.SetParamValues("ph-1")

	if err := h.ListOrders(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("expected empty data array, got %s", rec.Body.String())
	}
}

func TestHandler_CreateInventory(t *testing.T) {
	h, _, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, `{"drug_code":"RX-1","qty_on_hand":4,"unit_price":"3.20"}`), rec)
	c.SetParamNames("pharmacyId")
	c.SetParamValues("ph-1")

	if err := h.CreateInventory(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var inv Inventory
	json.Unmarshal(rec.Body.Bytes(), &inv)
	if inv.PharmacyID != "ph-1" || inv.QtyOnHand != 4 || inv.UnitPrice.String() != "3.2" {
		t.Errorf("unexpected inventory %+v", inv)
	}
}
