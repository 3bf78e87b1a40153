package http

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"outlay/internal/auth"
	"outlay/internal/category"
	"outlay/internal/core"
	"outlay/internal/dbx"
	"outlay/internal/jobs"
	"outlay/internal/middleware/security"
	"outlay/internal/middleware/trace"
	"outlay/internal/ratelimit"
)

// Store is the persistence the handlers use directly.
type Store interface {
	Ping(ctx context.Context) error
	CreateUser(ctx context.Context, email, passwordHash string, role core.Role, now time.Time) (core.User, error)
	GetUserByEmail(ctx context.Context, email string) (core.User, error)
	CreateExpense(ctx context.Context, q dbx.DBTX, e core.Expense) (core.Expense, error)
	UpdateExpense(ctx context.Context, q dbx.DBTX, e core.Expense) (core.Expense, error)
	ListExpenses(ctx context.Context, ownerID int64, limit, offset int) ([]core.Expense, error)
	ListAllExpenses(ctx context.Context, limit, offset int) ([]core.Expense, error)
	DeleteExpense(ctx context.Context, ownerID, id int64) error
	DeleteAnyExpense(ctx context.Context, id int64) error
}

// ReportEnqueuer schedules monthly report jobs.
type ReportEnqueuer interface {
	EnqueueMonthly(ctx context.Context, period core.Period) (jobs.EnqueueResult, error)
}

// Deps are the collaborators of the server.
type Deps struct {
	DB       *sql.DB
	Store    Store
	Resolver *category.Resolver
	Verifier *auth.Verifier
	Issuer   *auth.Issuer
	Reports  ReportEnqueuer

	Limiter        *ratelimit.Limiter
	RateLimitPaths []string
	Detector       *security.Detector
}

type Server struct {
	http.Server

	db       *sql.DB
	store    Store
	resolver *category.Resolver
	verifier *auth.Verifier
	issuer   *auth.Issuer
	reports  ReportEnqueuer
	tracer   *trace.Middleware
	now      func() time.Time

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run
// server.
func NewServer(addr string, deps Deps) *Server {
	detector := deps.Detector
	if detector == nil {
		detector = security.NewDetector()
	}

	s := &Server{
		db:       deps.DB,
		store:    deps.Store,
		resolver: deps.Resolver,
		verifier: deps.Verifier,
		issuer:   deps.Issuer,
		reports:  deps.Reports,
		tracer:   trace.NewMiddleware(detector.ExtractClientIP),
		now:      time.Now,
	}

	mux := http.NewServeMux()
	authed := auth.Authenticate(s.verifier)
	admin := func(h http.Handler) http.Handler {
		return authed(auth.RequireRole(core.RoleAdmin)(h))
	}

	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	mux.HandleFunc("POST /auth/register", s.handleRegister)
	mux.HandleFunc("POST /auth/token", s.handleToken)
	mux.Handle("GET /users/me", authed(http.HandlerFunc(s.handleMe)))

	mux.Handle("GET /expenses", authed(http.HandlerFunc(s.handleListExpenses)))
	mux.Handle("POST /expenses", authed(http.HandlerFunc(s.handleCreateExpense)))
	mux.Handle("PUT /expenses/{id}", authed(http.HandlerFunc(s.handleUpdateExpense)))
	mux.Handle("DELETE /expenses/{id}", authed(http.HandlerFunc(s.handleDeleteExpense)))
	mux.Handle("POST /categories/rename", authed(http.HandlerFunc(s.handleRenameCategory)))

	mux.Handle("POST /admin/reports/monthly", admin(http.HandlerFunc(s.handleMonthlyReports)))
	mux.Handle("GET /admin/expenses", admin(http.HandlerFunc(s.handleAdminListExpenses)))
	mux.Handle("DELETE /admin/expenses/{id}", admin(http.HandlerFunc(s.handleAdminDeleteExpense)))

	var handler http.Handler = mux
	if deps.Limiter != nil {
		handler = ratelimit.Middleware(ratelimit.Options{
			Limiter: deps.Limiter,
			Paths:   deps.RateLimitPaths,
			KeyFn:   detector.ExtractClientIP,
		})(handler)
	}
	handler = detector.Middleware(handler)
	handler = security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(handler)
	handler = s.tracer.Middleware(handler)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
	}
	return s
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		m := s.tracer.GetMetrics()
		slog.InfoContext(ctx, "HTTP server shutting down",
			"total_requests", m.TotalRequests,
			"server_errors", m.ServerErrors)
		err = s.Server.Shutdown(ctx)
	})
	return err
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Body(map[string]string{"status": "ok"}).Write(w)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		slog.WarnContext(ctx, "Readiness check failed", "error", err)
		ServiceUnavailableError("database unavailable", 5).Write(w)
		return
	}
	NewJSONResponse().Body(map[string]string{"status": "ready"}).Write(w)
}
