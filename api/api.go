package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/ironca/artifact"
	"github.com/jmcleod/ironca/issuance"
	"github.com/jmcleod/ironca/profile"
)

// API exposes the issuance engine to automated clients.
type API struct {
	manager   *issuance.Manager
	assembler *artifact.Assembler
	audit     *auditLogger

	apiKeys         [][]byte
	allowedNetworks []netip.Prefix
	trustedProxies  []netip.Prefix
	corsOrigins     []string
	limiter         *RateLimiter
	autoApprove     bool
	defaultOrgUnit  string
	defaultKeyType  profile.KeyType
	baseURL         string
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithAPIKeys sets the accepted API keys. With no keys configured every
// authenticated route answers 401.
func WithAPIKeys(keys ...string) Option {
	return func(a *API) {
		for _, k := range keys {
			if k != "" {
				a.apiKeys = append(a.apiKeys, []byte(k))
			}
		}
	}
}

// WithAllowedNetworks restricts clients to the given prefixes.
func WithAllowedNetworks(prefixes []netip.Prefix) Option {
	return func(a *API) { a.allowedNetworks = prefixes }
}

// WithTrustedProxies configures which peers may set X-Forwarded-For and
// friends. By default proxy headers are ignored.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// WithCORSOrigins sets the origins allowed to call the API from a browser.
func WithCORSOrigins(origins ...string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

// WithRateLimiter throttles submissions per client address.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(a *API) { a.limiter = rl }
}

// WithAutoApprove approves every accepted submission immediately.
func WithAutoApprove(enabled bool) Option {
	return func(a *API) { a.autoApprove = enabled }
}

// WithDefaultOrgUnit is applied to generated requests that omit org_unit.
func WithDefaultOrgUnit(ou string) Option {
	return func(a *API) { a.defaultOrgUnit = ou }
}

// WithDefaultKeyType is applied to generated requests that omit key_type.
func WithDefaultKeyType(kt profile.KeyType) Option {
	return func(a *API) { a.defaultKeyType = kt }
}

// WithBaseURL sets the prefix used for download links in submission
// responses, e.g. "https://ca.example.com/api/v1".
func WithBaseURL(u string) Option {
	return func(a *API) { a.baseURL = u }
}

// New creates a new API instance.
func New(manager *issuance.Manager, assembler *artifact.Assembler, opts ...Option) *API {
	a := &API{
		manager:        manager,
		assembler:      assembler,
		defaultKeyType: profile.KeyTypeECDSA,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	origins := a.corsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
		MaxAge:         300,
	}))
	r.Use(Metrics)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Group(func(r chi.Router) {
		r.Use(a.AuthMiddleware)

		r.With(a.RateLimit).Post("/requests", a.SubmitRequest)
		r.With(a.RateLimit).Post("/requests/csr", a.SubmitCSR)
		r.Get("/requests", a.ListRequests)
		r.Get("/requests/{requestID}", a.GetRequest)
		r.Post("/requests/{requestID}/approve", a.ApproveRequest)
		r.Post("/requests/{requestID}/reject", a.RejectRequest)

		r.Get("/certificates", a.ListCertificates)
		r.Get("/download", a.Download)
	})

	return r
}
