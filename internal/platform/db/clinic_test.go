package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestExtractClinicID_FromHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Clinic-ID", "district_7")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if id := extractClinicID(c, "main"); id != "district_7" {
		t.Errorf("expected district_7, got %s", id)
	}
}

func TestExtractClinicID_FromQuery(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?clinic_id=north", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if id := extractClinicID(c, "main"); id != "north" {
		t.Errorf("expected north, got %s", id)
	}
}

func TestExtractClinicID_Priority(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?clinic_id=query", nil)
	req.Header.Set("X-Clinic-ID", "header")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if id := extractClinicID(c, "main"); id != "header" {
		t.Errorf("expected header over query, got %s", id)
	}

	c.Set("jwt_clinic_id", "jwt")
	if id := extractClinicID(c, "main"); id != "jwt" {
		t.Errorf("expected jwt (highest priority), got %s", id)
	}

	c.Set("jwt_clinic_id", "")
	if id := extractClinicID(c, "main"); id != "header" {
		t.Errorf("expected empty jwt claim to fall through, got %s", id)
	}
}

func TestExtractClinicID_Default(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	if id := extractClinicID(c, "main"); id != "main" {
		t.Errorf("expected main, got %s", id)
	}
}

func TestValidClinicID(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"main", true},
		{"CLINIC_2", true},
		{"a", true},
		{"a-b", false},
		{"a.b", false},
		{"a b", false},
		{"'; DROP TABLE", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidClinicID(tt.input); got != tt.valid {
			t.Errorf("ValidClinicID(%q) = %v, want %v", tt.input, got, tt.valid)
		}
	}
}

func TestClinicSchema(t *testing.T) {
	if got := ClinicSchema("main"); got != "clinic_main" {
		t.Errorf("expected clinic_main, got %s", got)
	}
	if got := ClinicSchema("North_2"); got != "clinic_north_2" {
		t.Errorf("expected the schema name folded to lower case, got %s", got)
	}
}

func TestClinicOnly(t *testing.T) {
	e := echo.New()
	var seen string
	h := ClinicOnly("main")(func(c echo.Context) error {
		seen = ClinicFromContext(c.Request().Context())
		return c.NoContent(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Clinic-ID", "east")
	if err := h(e.NewContext(req, httptest.NewRecorder())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen != "east" {
		t.Errorf("expected east, got %q", seen)
	}

	bad := httptest.NewRequest(http.MethodGet, "/", nil)
	bad.Header.Set("X-Clinic-ID", "east-1")
	err := h(e.NewContext(bad, httptest.NewRecorder()))
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid clinic id, got %v", err)
	}
}

func TestConnFromContext(t *testing.T) {
	if conn := ConnFromContext(context.Background()); conn != nil {
		t.Error("expected nil conn from empty context")
	}
	ctx := context.WithValue(context.Background(), DBConnKey, "not-a-conn")
	if conn := ConnFromContext(ctx); conn != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestClinicFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), ClinicIDKey, "main")
	if id := ClinicFromContext(ctx); id != "main" {
		t.Errorf("expected main, got %s", id)
	}
	ctx = context.WithValue(context.Background(), ClinicIDKey, 42)
	if id := ClinicFromContext(ctx); id != "" {
		t.Errorf("expected empty string for wrong type, got %q", id)
	}
}

func TestCreateClinicSchema_InvalidID(t *testing.T) {
	for _, id := range []string{"clinic-with-dash", "clinic.dot", "cli nic", "drop;table"} {
		if err := CreateClinicSchema(context.Background(), nil, id, nil); err == nil {
			t.Errorf("expected error for invalid clinic ID %q", id)
		}
	}
}

func TestWithClinic_InvalidID(t *testing.T) {
	called := false
	err := WithClinic(context.Background(), nil, "bad id", func(context.Context) error {
		called = true
		return nil
	})
	if err == nil || called {
		t.Error("expected invalid clinic id to be rejected before fn runs")
	}
}
