package http

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"presupuesto/internal/core"
)

func parserFor(t *testing.T, body, contentType string) *RequestBodyParser {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	p := NewRequestBodyParser(req)
	if err := p.Parse(); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return p
}

func TestRequestBodyParser_JSON(t *testing.T) {
	p := parserFor(t, `{"project": " P1 ", "partida": 5151, "monto": 42.5, "flag": true}`, "application/json")

	if !p.IsJSON() {
		t.Error("Expected IsJSON() to be true")
	}
	if got := p.Get("project"); got != "P1" {
		t.Errorf("Get('project') = %q, want 'P1'", got)
	}
	if got := p.Get("partida"); got != "5151" {
		t.Errorf("numeric partida should read as text, got %q", got)
	}
	if got := p.Get("monto"); got != "42.5" {
		t.Errorf("Get('monto') = %q, want '42.5'", got)
	}
	if got := p.Get("flag"); got != "true" {
		t.Errorf("Get('flag') = %q", got)
	}
	if got := p.Get("missing"); got != "" {
		t.Errorf("Get('missing') = %q", got)
	}
}

func TestRequestBodyParser_FormData(t *testing.T) {
	p := parserFor(t, "project=P1&descripcion=form+test&monto=100", "application/x-www-form-urlencoded")

	if p.IsJSON() {
		t.Error("Expected IsJSON() to be false for form data")
	}
	if got := p.Get("descripcion"); got != "form test" {
		t.Errorf("Get('descripcion') = %q, want 'form test'", got)
	}
}

func TestRequestBodyParser_EmptyBody(t *testing.T) {
	p := parserFor(t, "", "")
	if val := p.Get("nonexistent"); val != "" {
		t.Errorf("Get('nonexistent') = %q, want empty string", val)
	}
}

func TestRequestBodyParser_Malformed(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(`{"monto": `))
	p := NewRequestBodyParser(req)
	err := p.Parse()
	if !errors.Is(err, core.ErrValidation) {
		t.Fatalf("Parse() error = %v, want validation error", err)
	}
	if err2 := p.Parse(); err2 != err {
		t.Error("Parse should be idempotent")
	}
}

func TestRequestBodyParser_TooLarge(t *testing.T) {
	body := `{"descripcion":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	if err := NewRequestBodyParser(req).Parse(); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("Parse() error = %v, want validation error", err)
	}
}

func TestRequestBodyParser_Amount(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{"number", `{"monto": 300}`, "300.00", false},
		{"decimal number", `{"monto": 12.345}`, "12.35", false},
		{"string", `{"monto": "900.00"}`, "900.00", false},
		{"comma string", `{"monto": "12,50"}`, "12.50", false},
		{"exponent", `{"monto": 1e3}`, "1000.00", false},
		{"missing", `{}`, "", true},
		{"zero", `{"monto": 0}`, "", true},
		{"negative", `{"monto": -1}`, "", true},
		{"text", `{"monto": "abc"}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parserFor(t, tt.body, "application/json").Amount("monto")
			if tt.wantErr {
				if !errors.Is(err, core.ErrValidation) {
					t.Fatalf("Amount() error = %v, want validation error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Amount() error = %v", err)
			}
			if got.StringFixed(2) != tt.want {
				t.Errorf("Amount() = %s, want %s", got.StringFixed(2), tt.want)
			}
		})
	}
}

func TestRequestBodyParser_BudgetAllowsZero(t *testing.T) {
	got, err := parserFor(t, `{"presupuesto": 0}`, "application/json").Budget("presupuesto")
	if err != nil || !got.IsZero() {
		t.Fatalf("Budget() = %s, %v", got, err)
	}
	if _, err := parserFor(t, `{}`, "application/json").Budget("presupuesto"); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("missing presupuesto error = %v", err)
	}
}

func TestRequestBodyParser_Date(t *testing.T) {
	d, err := parserFor(t, `{"fecha": "2024-03-01"}`, "application/json").Date("fecha")
	if err != nil || d.String() != "2024-03-01" {
		t.Fatalf("Date() = %v, %v", d, err)
	}
	d, err = parserFor(t, `{}`, "application/json").Date("fecha")
	if err != nil || !d.IsEmpty() {
		t.Fatalf("absent fecha should be empty, got %v, %v", d, err)
	}
}

func TestQueryInt(t *testing.T) {
	tests := []struct {
		target  string
		want    int
		wantErr bool
	}{
		{"/x", 50, false},
		{"/x?limit=10", 10, false},
		{"/x?limit=-1", 0, true},
		{"/x?limit=ten", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			got, err := queryInt(httptest.NewRequest(http.MethodGet, tt.target, nil), "limit", 50)
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("queryInt() = %d, %v", got, err)
			}
		})
	}
}

func TestSanitizeInput(t *testing.T) {
	if got := sanitizeInput("  caf\x00e\x07\tok  "); got != "cafe\tok" {
		t.Errorf("sanitizeInput() = %q", got)
	}
}
