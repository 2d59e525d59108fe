package lot

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func newTestHandler(t *testing.T) (*Handler, *mockRepo, *echo.Echo) {
	t.Helper()
	repo := newMockRepo()
	h := NewHandler(newTestService(t, repo))
	e := echo.New()
	return h, repo, e
}

func ingestBody(rows ...string) string {
	return "[" + strings.Join(rows, ",") + "]"
}

func TestHandler_IngestAdministrations(t *testing.T) {
	h, repo, e := newTestHandler(t)
	body := ingestBody(
		`{"patient_id":"p1","drug_name":"5-FU","administration_date":"2021-01-01T00:00:00Z"}`,
		`{"patient_id":"p1","drug_name":"oxaliplatin","administration_date":"2021-01-01T00:00:00Z"}`,
	)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.IngestAdministrations(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	if len(repo.admins) != 2 {
		t.Errorf("stored %d rows, want 2", len(repo.admins))
	}
}

func TestHandler_IngestAdministrations_EmptyBatch(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("[]"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.IngestAdministrations(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandler_IngestAdministrations_UnknownDrug(t *testing.T) {
	h, _, e := newTestHandler(t)
	body := ingestBody(`{"patient_id":"p1","drug_name":"unobtainium","administration_date":"2021-01-01T00:00:00Z"}`)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.IngestAdministrations(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %v", err)
	}
}

func TestHandler_PatientLines(t *testing.T) {
	h, _, e := newTestHandler(t)
	seedIngest(t, h, e,
		`{"patient_id":"p1","drug_name":"5-FU","administration_date":"2021-01-01T00:00:00Z"}`,
		`{"patient_id":"p1","drug_name":"irinotecan","administration_date":"2021-01-11T00:00:00Z"}`,
	)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("patientID")
	c.SetParamValues("p1")

	if err := h.PatientLines(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var result PatientResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(result.Lines) != 1 || result.Lines[0].RegimenLabel != "FOLFIRI" {
		t.Errorf("unexpected lines: %+v", result.Lines)
	}
}

func TestHandler_PatientLines_NotFound(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("patientID")
	c.SetParamValues("nobody")

	err := h.PatientLines(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestHandler_RunCohortAndGetRun(t *testing.T) {
	h, _, e := newTestHandler(t)
	seedIngest(t, h, e,
		`{"patient_id":"p1","drug_name":"capecitabine","administration_date":"2021-01-01T00:00:00Z"}`,
	)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.RunCohort(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var run Run
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if run.Status != RunStatusCompleted || run.PatientsTotal != 1 {
		t.Errorf("unexpected run: %+v", run)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(run.ID.String())
	if err := h.GetRun(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_GetRun_NotFound(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	err := h.GetRun(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestHandler_ExportRun_SummaryCSV(t *testing.T) {
	h, _, e := newTestHandler(t)
	seedIngest(t, h, e,
		`{"patient_id":"p1","drug_name":"capecitabine","administration_date":"2021-01-01T00:00:00Z"}`,
	)
	run := runCohortForTest(t, h, e)

	req := httptest.NewRequest(http.MethodGet, "/?format=summary", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(run.ID.String())

	if err := h.ExportRun(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rec.Header().Get(echo.HeaderContentType); got != "text/csv" {
		t.Errorf("content type = %q", got)
	}
	if !strings.Contains(rec.Body.String(), "p1") {
		t.Errorf("csv missing patient row: %q", rec.Body.String())
	}
}

func TestHandler_ExportRun_BadFormat(t *testing.T) {
	h, _, e := newTestHandler(t)
	seedIngest(t, h, e,
		`{"patient_id":"p1","drug_name":"capecitabine","administration_date":"2021-01-01T00:00:00Z"}`,
	)
	run := runCohortForTest(t, h, e)

	req := httptest.NewRequest(http.MethodGet, "/?format=xml", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(run.ID.String())

	err := h.ExportRun(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandler_GetRules(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.GetRules(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["cancer_type"] != "CRC" {
		t.Errorf("cancer_type = %v", body["cancer_type"])
	}
	if body["gap_restart_days"] != float64(180) {
		t.Errorf("gap_restart_days = %v", body["gap_restart_days"])
	}
}

func seedIngest(t *testing.T, h *Handler, e *echo.Echo, rows ...string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(ingestBody(rows...)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.IngestAdministrations(e.NewContext(req, rec)); err != nil {
		t.Fatalf("seed ingest: %v", err)
	}
}

func runCohortForTest(t *testing.T, h *Handler, e *echo.Echo) *Run {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	if err := h.RunCohort(e.NewContext(req, rec)); err != nil {
		t.Fatalf("run cohort: %v", err)
	}
	var run Run
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	return &run
}
