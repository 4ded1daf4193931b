package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"presupuesto/internal/core"
	"presupuesto/internal/log"
	"presupuesto/internal/middleware/ratelimit"
	"presupuesto/internal/middleware/security"
	"presupuesto/internal/middleware/trace"
	"presupuesto/internal/services"
	"presupuesto/internal/storage"
)

// Ledger is the part of the ledger service the API exposes.
type Ledger interface {
	RegisterExpense(ctx context.Context, in services.RegisterExpenseInput) (core.LineItem, error)
	DeleteExpense(ctx context.Context, id int64) (services.DeleteExpenseResult, error)
	TransferBudget(ctx context.Context, in services.TransferInput) (services.TransferResult, error)
	SetBudget(ctx context.Context, in services.SetBudgetInput) (core.LineItem, error)
	DeleteProject(ctx context.Context, project string) (int64, error)

	ListLineItems(ctx context.Context, project string) ([]core.LineItem, error)
	FindLineItems(ctx context.Context, project, partida string) ([]core.LineItem, error)
	ListExpenses(ctx context.Context, project string) ([]core.Expense, error)
	ListTransfers(ctx context.Context, f storage.TransferFilter) ([]core.Transfer, error)
	Summary(ctx context.Context, project string) (core.ProjectSummary, error)
	AuditTrail(ctx context.Context, project string, limit int) ([]storage.AuditEntry, error)
	Ping(ctx context.Context) error
}

// Options configures the middleware chain around the API.
type Options struct {
	Logger            *log.Logger
	RateLimitPerMin   int
	TrustedProxies    []string
	Headers           security.HeadersConfig
	ReadHeaderTimeout time.Duration
}

type Server struct {
	http.Server
	ledger      Ledger
	logger      *log.Logger
	rateLimiter *ratelimit.Limiter
	detector    *security.Detector
	tracer      *trace.Middleware

	shutdownOnce sync.Once
}

// NewServer wires routes and middleware, returning a ready-to-run server.
func NewServer(addr string, ledger Ledger, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.FromContext(context.Background())
	}
	if opts.Headers == (security.HeadersConfig{}) {
		opts.Headers = security.DefaultHeadersConfig()
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 10 * time.Second
	}

	detector, err := security.NewDetector(logger, opts.TrustedProxies...)
	if err != nil {
		return nil, err
	}

	s := &Server{
		ledger:   ledger,
		logger:   logger.WithComponent(log.ComponentHTTP),
		detector: detector,
		rateLimiter: ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: opts.RateLimitPerMin,
		}),
	}
	s.tracer = trace.NewMiddleware(logger, detector.ExtractClientIP)

	mux := http.NewServeMux()
	s.routes(mux)

	limited := s.rateLimiter.Middleware(detector.ExtractClientIP, func(w http.ResponseWriter, r *http.Request, retry int) {
		log.FromContext(r.Context()).WithComponent(log.ComponentRateLimit).WarnContext(r.Context(), "Rate limit exceeded",
			log.FieldClientIP, detector.ExtractClientIP(r),
			log.FieldMethod, r.Method,
			log.FieldPath, r.URL.Path)
		TooManyRequestsError(retry).Write(w)
	})

	var handler http.Handler = mux
	handler = limited(handler)
	handler = detector.Middleware(handler)
	handler = security.NewHeadersMiddleware(opts.Headers).Middleware(handler)
	handler = s.tracer.Middleware(handler)
	handler = log.Middleware(logger)(handler)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/gastos", s.handleRegisterExpense)
	mux.HandleFunc("GET /api/gastos", s.handleListExpenses)
	mux.HandleFunc("DELETE /api/gastos/{id}", s.handleDeleteExpense)
	mux.HandleFunc("POST /api/reconducir", s.handleTransfer)
	mux.HandleFunc("GET /api/reconducciones", s.handleListTransfers)
	mux.HandleFunc("GET /api/detalles", s.handleListLineItems)
	mux.HandleFunc("POST /api/detalles", s.handleSetBudget)
	mux.HandleFunc("DELETE /api/project", s.handleDeleteProject)
	mux.HandleFunc("GET /api/check-duplicates", s.handleCheckDuplicates)
	mux.HandleFunc("GET /api/check-recon-duplicates", s.handleCheckTransferDuplicates)
	mux.HandleFunc("GET /api/resumen", s.handleSummary)
	mux.HandleFunc("GET /api/auditoria", s.handleAudit)

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
}

// Shutdown gracefully shuts down the server and the limiter cleanup.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.rateLimiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
		s.logger.InfoContext(ctx, "HTTP server stopped",
			"requests", s.tracer.GetMetrics().TotalRequests,
			"rate_limited", s.rateLimiter.GetMetrics().TotalHits,
			"suspicious", s.detector.GetMetrics().SuspiciousRequests)
	})
	return shutdownErr
}
