package theatre

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/hms/ipd/pkg/validation"
)

func newTestHandler(t *testing.T) (*Handler, *echo.Echo, *testEnv) {
	env := newTestEnv(t)
	e := echo.New()
	e.Validator = validation.New()
	return NewHandler(env.svc), e, env
}

func patientContext(e *echo.Echo, method, body string, params ...string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, "/", nil)
	} else {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if len(params) > 0 {
		names := []string{"id", "name"}[:len(params)]
		c.SetParamNames(names...)
		c.SetParamValues(params...)
	}
	return c, rec
}

func expectHTTPError(t *testing.T, err error, code int) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected HTTPError %d, got %v", code, err)
	}
	if he.Code != code {
		t.Fatalf("expected %d, got %d (%v)", code, he.Code, he.Message)
	}
}

func TestHandler_CreatePatient(t *testing.T) {
	h, e, _ := newTestHandler(t)
	c, rec := patientContext(e, http.MethodPost,
		`{"patient_id":"P1","patient_name":"Ravi","priority":"Emergency","surgery":"Laparotomy","scheduled_at":"2024-03-10T09:00:00Z"}`)
	if err := h.CreatePatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var view map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view["status"] != "scheduled" || view["time_in_state"] != "0m" {
		t.Errorf("unexpected body %v", view)
	}
}

func TestHandler_CreatePatient_BadPriority(t *testing.T) {
	h, e, _ := newTestHandler(t)
	c, _ := patientContext(e, http.MethodPost,
		`{"patient_id":"P1","priority":"Soon","scheduled_at":"2024-03-10T09:00:00Z"}`)
	expectHTTPError(t, h.CreatePatient(c), http.StatusBadRequest)
}

func TestHandler_Transition(t *testing.T) {
	h, e, env := newTestHandler(t)
	p := env.schedule(t, PriorityUrgent, baseTime)

	c, rec := patientContext(e, http.MethodPost, `{"status":"pre_op_preparation"}`, p.ID)
	if err := h.Transition(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	c, _ = patientContext(e, http.MethodPost, `{"status":"in_theatre"}`, p.ID)
	expectHTTPError(t, h.Transition(c), http.StatusConflict)

	c, _ = patientContext(e, http.MethodPost, `{"status":"cancelled"}`, p.ID)
	expectHTTPError(t, h.Transition(c), http.StatusUnprocessableEntity)

	c, _ = patientContext(e, http.MethodPost, `{"status":"teleported"}`, p.ID)
	expectHTTPError(t, h.Transition(c), http.StatusBadRequest)

	c, _ = patientContext(e, http.MethodPost, `{"status":"cancelled"}`, "missing")
	expectHTTPError(t, h.Transition(c), http.StatusNotFound)
}

func TestHandler_History(t *testing.T) {
	h, e, env := newTestHandler(t)
	p := env.schedule(t, PriorityRoutine, baseTime)
	if _, err := env.svc.Transition(t.Context(), p.ID, StatusCancelled, "bed shortage", "u1"); err != nil {
		t.Fatal(err)
	}

	c, rec := patientContext(e, http.MethodGet, "", p.ID)
	if err := h.GetHistory(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var items []StatusChange
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ToStatus != StatusCancelled || items[0].Notes != "bed shortage" {
		t.Errorf("unexpected history %+v", items)
	}
}

func TestHandler_Resources(t *testing.T) {
	h, e, env := newTestHandler(t)
	p := env.schedule(t, PriorityRoutine, baseTime)

	c, rec := patientContext(e, http.MethodPost, `{"kind":"equipment","name":"Diathermy"}`, p.ID)
	if err := h.AllocateResource(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	c, _ = patientContext(e, http.MethodPost, `{"kind":"equipment","name":"Diathermy"}`, p.ID)
	expectHTTPError(t, h.AllocateResource(c), http.StatusConflict)

	c, _ = patientContext(e, http.MethodPost, `{"kind":"spaceship","name":"X"}`, p.ID)
	expectHTTPError(t, h.AllocateResource(c), http.StatusBadRequest)

	c, rec = patientContext(e, http.MethodDelete, "", p.ID, "Diathermy")
	if err := h.ReleaseResource(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_ListBoardAndWorkflow(t *testing.T) {
	h, e, env := newTestHandler(t)
	env.schedule(t, PriorityRoutine, baseTime)
	env.schedule(t, PriorityEmergency, baseTime)

	c, rec := patientContext(e, http.MethodGet, "")
	if err := h.ListBoard(c); err != nil {
		t.Fatal(err)
	}
	var board []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &board); err != nil {
		t.Fatal(err)
	}
	if len(board) != 2 || board[0]["priority"] != "Emergency" {
		t.Errorf("unexpected board %v", board)
	}

	c, rec = patientContext(e, http.MethodGet, "")
	if err := h.GetWorkflow(c); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rec.Body.String(), `"critical":["surgery_completed","cancelled"]`) {
		t.Errorf("unexpected workflow %s", rec.Body.String())
	}
}

func TestHandler_PreOpAndNotes(t *testing.T) {
	h, e, env := newTestHandler(t)
	p := env.schedule(t, PriorityRoutine, baseTime)

	c, rec := patientContext(e, http.MethodPut, `{"consent_signed":true,"site_marked":true}`, p.ID)
	if err := h.UpdatePreOpChecklist(c); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rec.Body.String(), `"pre_op_completed":2`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	c, _ = patientContext(e, http.MethodPut, `{"notes":"Haemostasis achieved"}`, p.ID)
	if err := h.UpdateIntraOpNotes(c); err != nil {
		t.Fatal(err)
	}
	got, _ := env.svc.GetPatient(t.Context(), p.ID)
	if got.IntraOpNotes == nil || *got.IntraOpNotes != "Haemostasis achieved" {
		t.Errorf("notes not stored: %v", got.IntraOpNotes)
	}
}
