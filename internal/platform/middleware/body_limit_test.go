package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1M", 1 << 20},
		{"10M", 10 << 20},
		{"512K", 512 << 10},
		{"1G", 1 << 30},
		{"2MB", 2 << 20},
		{"1024", 1024},
		{"", 1 << 20},        // default
		{"invalid", 1 << 20}, // default on error
	}

	for _, tt := range tests {
		if got := parseLimit(tt.input); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

// postLimited sends a POST with the given body through BodyLimit and
// reports the recorder, the handler error, and whether the handler ran.
func postLimited(mw echo.MiddlewareFunc, path string, body []byte, inner echo.HandlerFunc) (*httptest.ResponseRecorder, error, bool) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	h := mw(func(c echo.Context) error {
		called = true
		if inner != nil {
			return inner(c)
		}
		return c.String(http.StatusOK, "ok")
	})
	err := h(c)
	return rec, err, called
}

func TestBodyLimit_AllowsSmallBody(t *testing.T) {
	mw := BodyLimit("1M", "10M")

	_, err, called := postLimited(mw, "/api/v1/lot/runs", []byte(`[{"patient_id":"p1"}]`), func(c echo.Context) error {
		b, err := io.ReadAll(c.Request().Body)
		if err != nil {
			t.Fatalf("failed to read body: %v", err)
		}
		if len(b) == 0 {
			t.Error("expected non-empty body")
		}
		return c.String(http.StatusCreated, "created")
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to be called")
	}
}

func TestBodyLimit_RejectsByContentLength(t *testing.T) {
	mw := BodyLimit("1K", "10M")

	rec, err, called := postLimited(mw, "/api/v1/lot/runs", bytes.Repeat([]byte("x"), 2048), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Error("handler should not run when body exceeds limit")
	}
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected status 413, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if body["error"] == "" {
		t.Error("expected error message in response")
	}
}

func TestBodyLimit_IngestEndpointGetsLargerLimit(t *testing.T) {
	mw := BodyLimit("1K", "10M")

	// 2K exceeds the default limit but not the ingest limit.
	batch := bytes.Repeat([]byte("x"), 2048)
	_, err, called := postLimited(mw, "/api/v1/administrations", batch, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to run for ingest batch within its limit")
	}

	// The ingest limit still binds.
	mw = BodyLimit("512", "1K")
	rec, err, called := postLimited(mw, "/api/v1/administrations", batch, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Error("handler should not run when batch exceeds ingest limit")
	}
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected status 413, got %d", rec.Code)
	}
}

func TestBodyLimit_SkipsNilBody(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/lot/runs", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	called := false
	h := BodyLimit("1M", "10M")(func(c echo.Context) error {
		called = true
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to be called for GET with no body")
	}
}

func TestBodyLimit_EnforcesLimitDuringRead(t *testing.T) {
	e := echo.New()
	// Exceeds 512 bytes but Content-Length is unknown.
	largeBody := bytes.Repeat([]byte("a"), 1024)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/lot/runs", bytes.NewReader(largeBody))
	req.ContentLength = -1
	req.Header.Set("Content-Type", "application/json")
	c := e.NewContext(req, httptest.NewRecorder())

	h := BodyLimit("512", "10M")(func(c echo.Context) error {
		// Reading the full body should fail partway through.
		_, err := io.ReadAll(c.Request().Body)
		return err
	})

	err := h(c)
	if err == nil {
		t.Fatal("expected error when reading body exceeds limit")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", httpErr.Code)
	}
}
