/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. Logger:     One zap line per request
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for a browser client
  5. Identity:   Caller id on /api routes only

ROUTE GROUPS:
  /api/*        Authenticated API (see handlers.go)
  /api/admin/*  Wallet funding, mounted only with the wallet rail and
                restricted to RouterOptions.Admins
  /metrics      Prometheus scrape endpoint
  /healthz      Liveness and store reachability

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Identity and request logging
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterOptions configures NewRouter. The zero value serves the API with the
// development identity header, any origin and the default Prometheus registry.
type RouterOptions struct {
	JWTSecret      string
	AllowedOrigins []string
	Admins         []string
	Gatherer       prometheus.Gatherer
	Logger         *zap.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(opts.Logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", ParticipantHeader},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Use(IdentityMiddleware(opts.JWTSecret))

		r.Post("/employers", h.RegisterEmployer)

		// Employer side
		r.Route("/employees", func(r chi.Router) {
			r.Get("/", h.ListEmployments)
			r.Post("/", h.RegisterEmployee)
			r.Post("/batch", h.RegisterEmployeesBatch)
			r.Post("/{employee}/premiums", h.DepositPremium)
			r.Put("/{employee}/salary", h.UpdateSalary)
			r.Post("/{employee}/terminate", h.TerminateEmployment)
		})

		r.Route("/employments/{employer}/{employee}", func(r chi.Router) {
			r.Get("/", h.GetEmployment)
			r.Get("/duration", h.GetDuration)
		})

		r.Route("/claims", func(r chi.Router) {
			r.Post("/", h.SubmitClaim)
			r.Post("/withdraw", h.Withdraw)
			r.Get("/{employee}", h.GetClaim)
			r.Post("/{employee}/approve", h.ApproveClaim)
			r.Post("/{employee}/reject", h.RejectClaim)
			r.Post("/{employee}/auto-approve", h.AutoApproveClaim)
		})

		r.Get("/stats", h.GetStats)
		r.Get("/benefit-duration", h.GetBenefitDuration)
		r.Get("/pool/transactions", h.ListPoolTransactions)
		r.Get("/events", h.ListEvents)

		if h.Wallets != nil {
			r.Route("/admin/wallets/{id}", func(r chi.Router) {
				r.Use(RequireAdmin(opts.Admins))
				r.Get("/", h.GetWallet)
				r.Post("/fund", h.FundWallet)
			})
		}
	})

	return r
}
