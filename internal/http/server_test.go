package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"presupuesto/internal/core"
	"presupuesto/internal/log"
	"presupuesto/internal/services"
	"presupuesto/internal/storage/memory"
)

func quietLogger() *log.Logger {
	return log.New(log.Config{Level: slog.LevelError, Output: &bytes.Buffer{}})
}

func newTestServer(t *testing.T, ledger Ledger, opts Options) *Server {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	srv, err := NewServer(":0", ledger, opts)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return srv
}

func newLedgerServer(t *testing.T) *Server {
	t.Helper()
	svc := services.NewLedgerService(memory.New(), nil, services.Options{})
	return newTestServer(t, svc, Options{RateLimitPerMin: 1000})
}

func do(t *testing.T, srv *Server, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	dec := json.NewDecoder(rr.Body)
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

func field(t *testing.T, m map[string]any, path ...string) string {
	t.Helper()
	var cur any = m
	for _, p := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			t.Fatalf("path %v: %v is not an object", path, cur)
		}
		cur = obj[p]
	}
	return fmt.Sprint(cur)
}

func TestExpenseAndTransferFlow(t *testing.T) {
	srv := newLedgerServer(t)

	rr := do(t, srv, http.MethodPost, "/api/detalles", `{"project":"P1","partida":"5151","presupuesto":1000}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("set budget status = %d: %s", rr.Code, rr.Body)
	}
	if got := field(t, decode[map[string]any](t, rr), "saldo_disponible"); got != "1000.00" {
		t.Fatalf("saldo after budget = %s", got)
	}

	steps := []struct {
		body      string
		wantSaldo string
	}{
		{`{"project":"P1","partida":"5151","descripcion":"papel","monto":300}`, "700.00"},
		{`{"project":"P1","partida":"5151","descripcion":"toner","monto":"900.00","fecha":"2024-03-01"}`, "-200.00"},
	}
	for _, st := range steps {
		rr = do(t, srv, http.MethodPost, "/api/gastos", st.body)
		if rr.Code != http.StatusOK {
			t.Fatalf("register status = %d: %s", rr.Code, rr.Body)
		}
		body := decode[map[string]any](t, rr)
		if field(t, body, "ok") != "true" || field(t, body, "detalle", "saldo_disponible") != st.wantSaldo {
			t.Fatalf("register response = %v, want saldo %s", body, st.wantSaldo)
		}
	}

	rr = do(t, srv, http.MethodGet, "/api/gastos?project=P1", "")
	gastos := decode[[]map[string]any](t, rr)
	if len(gastos) != 2 {
		t.Fatalf("expected 2 gastos, got %d", len(gastos))
	}
	var firstID string
	for _, g := range gastos {
		if field(t, g, "monto") == "300.00" {
			firstID = field(t, g, "id")
		}
	}

	rr = do(t, srv, http.MethodDelete, "/api/gastos/"+firstID, "")
	body := decode[map[string]any](t, rr)
	if field(t, body, "deleted") != "true" ||
		field(t, body, "detalle", "total_gastado") != "900.00" ||
		field(t, body, "detalle", "saldo_disponible") != "100.00" {
		t.Fatalf("delete response = %v", body)
	}

	// deleting again is a successful no-op
	rr = do(t, srv, http.MethodDelete, "/api/gastos/"+firstID, "")
	if rr.Code != http.StatusOK || field(t, decode[map[string]any](t, rr), "deleted") != "false" {
		t.Fatalf("second delete = %d %s", rr.Code, rr.Body)
	}

	rr = do(t, srv, http.MethodPost, "/api/reconducir",
		`{"project":"P1","origen":"5151","destino":"5152","monto":500,"concepto":"ajuste"}`,
		HeaderActor, "u-7")
	if rr.Code != http.StatusOK {
		t.Fatalf("transfer status = %d: %s", rr.Code, rr.Body)
	}
	body = decode[map[string]any](t, rr)
	checks := map[string][]string{
		"true":    {"originNegative"},
		"-400.00": {"saldos", "origen"},
		"500.00":  {"saldos", "destino"},
		"-500.00": {"origen", "total_reconducido"},
		"ajuste":  {"destino", "motivo_reconduccion"},
	}
	for want, path := range checks {
		if got := field(t, body, path...); got != want {
			t.Errorf("transfer %v = %s, want %s", path, got, want)
		}
	}

	rr = do(t, srv, http.MethodGet, "/api/reconducciones?project=P1", "")
	recs := decode[[]map[string]any](t, rr)
	if len(recs) != 1 || field(t, recs[0], "actor") != "u-7" {
		t.Fatalf("reconducciones = %v", recs)
	}

	rr = do(t, srv, http.MethodGet, "/api/check-recon-duplicates?project=P1&origen=5151&destino=5152&monto=500", "")
	if recs := decode[[]map[string]any](t, rr); len(recs) != 1 {
		t.Fatalf("recon duplicates = %v", recs)
	}
	rr = do(t, srv, http.MethodGet, "/api/check-recon-duplicates?project=P1&origen=5151&destino=5152&monto=499", "")
	if recs := decode[[]map[string]any](t, rr); len(recs) != 0 {
		t.Fatalf("recon duplicates with other monto = %v", recs)
	}

	rr = do(t, srv, http.MethodGet, "/api/resumen?project=P1", "")
	sum := decode[map[string]any](t, rr)
	if field(t, sum, "total_reconducido") != "0.00" || field(t, sum, "saldo_disponible") != "100.00" {
		t.Fatalf("resumen = %v", sum)
	}

	rr = do(t, srv, http.MethodGet, "/api/check-duplicates?project=P1&partida=5152", "")
	if dups := decode[[]map[string]any](t, rr); len(dups) != 1 {
		t.Fatalf("duplicates = %v", dups)
	}

	rr = do(t, srv, http.MethodDelete, "/api/project?project=P1", "")
	if got := field(t, decode[map[string]any](t, rr), "deleted_rows"); got != "2" {
		t.Fatalf("deleted_rows = %s", got)
	}
	rr = do(t, srv, http.MethodGet, "/api/detalles?project=P1", "")
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("detalles after project delete = %s", rr.Body)
	}
}

func TestEmptyListsRenderAsArrays(t *testing.T) {
	srv := newLedgerServer(t)
	for _, target := range []string{
		"/api/detalles",
		"/api/detalles?project=nope",
		"/api/gastos?project=",
		"/api/reconducciones",
		"/api/check-duplicates?project=P1",
		"/api/auditoria?project=P1",
	} {
		rr := do(t, srv, http.MethodGet, target, "")
		if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "[]" {
			t.Errorf("%s = %d %q, want 200 []", target, rr.Code, rr.Body)
		}
	}
}

func TestErrorMapping(t *testing.T) {
	srv := newLedgerServer(t)

	tests := []struct {
		name     string
		method   string
		target   string
		body     string
		wantCode int
		wantKind string
	}{
		{"missing monto", http.MethodPost, "/api/gastos", `{"project":"P1","partida":"1"}`, 400, "validation"},
		{"negative monto", http.MethodPost, "/api/gastos", `{"project":"P1","partida":"1","monto":-5}`, 400, "validation"},
		{"zero monto", http.MethodPost, "/api/reconducir", `{"project":"P1","origen":"a","destino":"b","monto":0}`, 400, "validation"},
		{"missing project", http.MethodPost, "/api/gastos", `{"partida":"1","monto":5}`, 400, "validation"},
		{"bad date", http.MethodPost, "/api/gastos", `{"project":"P1","partida":"1","monto":5,"fecha":"31/12/2024"}`, 400, "validation"},
		{"malformed json", http.MethodPost, "/api/gastos", `{"project":`, 400, "validation"},
		{"bad id", http.MethodDelete, "/api/gastos/abc", "", 400, "validation"},
		{"missing origin", http.MethodPost, "/api/reconducir", `{"project":"P1","origen":"x","destino":"y","monto":5}`, 404, "not_found"},
		{"delete project without name", http.MethodDelete, "/api/project", "", 400, "validation"},
		{"negative presupuesto", http.MethodPost, "/api/detalles", `{"project":"P1","partida":"1","presupuesto":"-1"}`, 400, "validation"},
		{"bad audit limit", http.MethodGet, "/api/auditoria?project=P1&limit=x", "", 400, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, srv, tt.method, tt.target, tt.body)
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", rr.Code, tt.wantCode, rr.Body)
			}
			if got := field(t, decode[map[string]any](t, rr), "kind"); got != tt.wantKind {
				t.Errorf("kind = %s, want %s", got, tt.wantKind)
			}
		})
	}
}

func TestFormEncodedBody(t *testing.T) {
	srv := newLedgerServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/gastos", strings.NewReader("project=P2&partida=10&monto=12,50"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body)
	}
	if got := field(t, decode[map[string]any](t, rr), "detalle", "total_gastado"); got != "12.50" {
		t.Errorf("total_gastado = %s", got)
	}
}

// stubLedger fails every call it overrides with err.
type stubLedger struct {
	Ledger
	err error
}

func (s stubLedger) RegisterExpense(context.Context, services.RegisterExpenseInput) (core.LineItem, error) {
	return core.LineItem{}, s.err
}

func (s stubLedger) Ping(context.Context) error { return s.err }

func TestConflictAndStorageErrors(t *testing.T) {
	t.Run("conflict", func(t *testing.T) {
		srv := newTestServer(t, stubLedger{err: fmt.Errorf("register expense: %w", core.ErrLockTimeout)}, Options{})
		rr := do(t, srv, http.MethodPost, "/api/gastos", `{"project":"P1","partida":"1","monto":1}`)
		if rr.Code != http.StatusConflict {
			t.Fatalf("status = %d", rr.Code)
		}
		if rr.Header().Get("Retry-After") == "" {
			t.Error("conflict must carry Retry-After")
		}
	})

	t.Run("storage", func(t *testing.T) {
		srv := newTestServer(t, stubLedger{err: core.StorageError("insert", errors.New("disk I/O error"))}, Options{})
		rr := do(t, srv, http.MethodPost, "/api/gastos", `{"project":"P1","partida":"1","monto":1}`)
		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d", rr.Code)
		}
		if strings.Contains(rr.Body.String(), "disk") {
			t.Errorf("storage detail leaked to client: %s", rr.Body)
		}
	})
}

func TestHealthAndReadiness(t *testing.T) {
	srv := newLedgerServer(t)
	for _, path := range []string{"/api/health", "/healthz", "/readyz"} {
		if rr := do(t, srv, http.MethodGet, path, ""); rr.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rr.Code)
		}
	}

	down := newTestServer(t, stubLedger{err: core.StorageError("ping", errors.New("closed"))}, Options{})
	if rr := do(t, down, http.MethodGet, "/readyz", ""); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz with failing store = %d", rr.Code)
	}
	if rr := do(t, down, http.MethodGet, "/healthz", ""); rr.Code != http.StatusOK {
		t.Errorf("healthz must not depend on the store, got %d", rr.Code)
	}
}

func TestMiddlewareChain(t *testing.T) {
	svc := services.NewLedgerService(memory.New(), nil, services.Options{})
	srv := newTestServer(t, svc, Options{RateLimitPerMin: 2})

	rr := do(t, srv, http.MethodGet, "/api/detalles", "", "X-Request-Id", "abc-123")
	if rr.Header().Get("X-Request-Id") != "abc-123" {
		t.Errorf("request id not echoed: %q", rr.Header().Get("X-Request-Id"))
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
	if !strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		t.Errorf("Content-Type = %q", rr.Header().Get("Content-Type"))
	}

	body := `{"project":"P1","partida":"1","monto":1}`
	for i := 0; i < 2; i++ {
		if rr := do(t, srv, http.MethodPost, "/api/gastos", body); rr.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rr.Code)
		}
	}
	rr = do(t, srv, http.MethodPost, "/api/gastos", body)
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") == "" {
		t.Fatalf("third write = %d, Retry-After %q", rr.Code, rr.Header().Get("Retry-After"))
	}
	// reads are not limited
	if rr := do(t, srv, http.MethodGet, "/api/detalles?project=P1", ""); rr.Code != http.StatusOK {
		t.Errorf("read after limit = %d", rr.Code)
	}
}

func TestUnknownMethodIsRejected(t *testing.T) {
	srv := newLedgerServer(t)
	if rr := do(t, srv, http.MethodPut, "/api/gastos", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("PUT /api/gastos = %d, want 405", rr.Code)
	}
	if rr := do(t, srv, http.MethodGet, "/api/nada", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown route = %d, want 404", rr.Code)
	}
}

func TestNewServerRejectsBadProxy(t *testing.T) {
	if _, err := NewServer(":0", stubLedger{}, Options{Logger: quietLogger(), TrustedProxies: []string{"nope"}}); err == nil {
		t.Fatal("expected error for invalid trusted proxy")
	}
}
