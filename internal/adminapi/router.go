// Package adminapi serves the operator HTTP API: run triggers, compliance
// status, the transaction log and open remediation tasks.
package adminapi

import (
	"context"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sells-group/evv-cli/internal/backlog"
	"github.com/sells-group/evv-cli/internal/config"
	"github.com/sells-group/evv-cli/internal/model"
	"github.com/sells-group/evv-cli/internal/monitoring"
	"github.com/sells-group/evv-cli/internal/resilience"
	"github.com/sells-group/evv-cli/internal/store"
)

// Store is the persistence the API reads.
type Store interface {
	GetOrganization(ctx context.Context, orgID string) (*model.Organization, error)
	ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]model.Transaction, error)
	ListOpenRemediations(ctx context.Context, orgID string) ([]model.RemediationTask, error)
	Ping(ctx context.Context) error
}

// Runner triggers a backlog pass for one organization.
type Runner interface {
	RunOrg(ctx context.Context, orgID string) (*backlog.OrgReport, error)
}

// Snapshots computes compliance snapshots.
type Snapshots interface {
	Collect(ctx context.Context, orgID string, lookbackHours int) (*monitoring.ComplianceSnapshot, error)
	CollectAll(ctx context.Context, lookbackHours int) ([]monitoring.ComplianceSnapshot, error)
}

// Deps are the API's collaborators. Breakers may be nil.
type Deps struct {
	Store         Store
	Runner        Runner
	Snapshots     Snapshots
	Breakers      *resilience.Breakers
	LookbackHours int
}

// Handler holds the request handlers.
type Handler struct {
	deps Deps
}

// requestTimeout bounds every request, including synchronous run triggers.
const requestTimeout = 5 * time.Minute

// NewRouter builds the API router. Every route except /health requires an
// HS256 bearer token signed with cfg.JWTSecret.
func NewRouter(deps Deps, cfg config.ServerConfig) *chi.Mux {
	if deps.LookbackHours <= 0 {
		deps.LookbackHours = 24
	}
	h := &Handler{deps: deps}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(cfg.JWTSecret))
		r.Get("/status", h.handleStatusAll)
		r.Get("/breakers", h.handleBreakers)
		r.Route("/orgs/{orgID}", func(r chi.Router) {
			r.Get("/status", h.handleStatus)
			r.Post("/run", h.handleRun)
			r.Get("/transactions", h.handleTransactions)
			r.Get("/remediations", h.handleRemediations)
		})
	})

	return r
}
