package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/perimetra/idpsync/pkg/audit"
	"github.com/perimetra/idpsync/pkg/auth"
	"github.com/perimetra/idpsync/pkg/dirsync"
	"github.com/perimetra/idpsync/pkg/idp"
	"github.com/perimetra/idpsync/pkg/middleware"
	"github.com/perimetra/idpsync/pkg/notify"
	"github.com/perimetra/idpsync/pkg/observability"
	"github.com/perimetra/idpsync/pkg/swagger"
)

// RouteRegistrar is implemented by handler groups that can register their
// routes on a router.
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// ServerConfig carries the dependencies and knobs for the HTTP server.
type ServerConfig struct {
	// ExternalURL is the base URL clients reach this server on, used to
	// build OAuth redirect URIs. No trailing slash.
	ExternalURL string

	// SecureCookies marks the sign-in flow cookies Secure. Leave false
	// only for plain-HTTP development setups.
	SecureCookies bool

	// AdminTokens authorizes the /v1 management API. An empty list means
	// every management request is rejected.
	AdminTokens []middleware.AdminToken

	// AdminLimiter and SignInLimiter rate limit the management API and
	// the browser sign-in endpoints. Nil disables limiting for that
	// surface.
	AdminLimiter  middleware.Limiter
	SignInLimiter middleware.Limiter

	Store    Store
	Registry *idp.Registry
	SignIn   *auth.Service

	// Scheduler runs manual sync triggers; nil makes the trigger
	// endpoint answer 503 while everything else still works.
	Scheduler *dirsync.Scheduler

	Stats   *dirsync.Stats
	Targets *notify.Manager
	Audit   audit.Store
	Logger  *observability.Logger
}

// Server is the HTTP API for provider management, directory sync control
// and the browser-facing sign-in flow.
type Server struct {
	router *mux.Router
	logger *observability.Logger

	authHandlers     *AuthHandlers
	providerHandlers *ProviderHandlers
	syncHandlers     *SyncHandlers
	targetHandlers   *TargetHandlers

	adminAuth     *middleware.AdminAuth
	adminLimiter  middleware.Limiter
	signInLimiter middleware.Limiter
	auditStore    audit.Store
}

// NewServer creates a server with all handler groups wired.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		router: mux.NewRouter(),
		logger: cfg.Logger,

		authHandlers:     NewAuthHandlers(cfg.SignIn, cfg.Store, cfg.ExternalURL, cfg.SecureCookies, cfg.Logger),
		providerHandlers: NewProviderHandlers(cfg.Store, cfg.Registry, cfg.Logger),
		syncHandlers:     NewSyncHandlers(cfg.Store, cfg.Scheduler, cfg.Stats),
		targetHandlers:   NewTargetHandlers(cfg.Targets),

		adminAuth:     middleware.NewAdminAuth(cfg.AdminTokens),
		adminLimiter:  cfg.AdminLimiter,
		signInLimiter: cfg.SignInLimiter,
		auditStore:    cfg.Audit,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Browser-facing sign-in flow. Unauthenticated, so limits key on the
	// client IP.
	authRouter := s.router.PathPrefix("/auth").Subrouter()
	if s.signInLimiter != nil {
		authRouter.Use(middleware.NewRateLimitMiddleware(s.signInLimiter).Handler)
	}
	s.authHandlers.RegisterRoutes(authRouter)

	// Management API. Token auth first so the limiter can key on the
	// authenticated account.
	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(s.adminAuth.Handler)
	if s.adminLimiter != nil {
		v1.Use(middleware.NewRateLimitMiddleware(s.adminLimiter).Handler)
	}
	s.providerHandlers.RegisterRoutes(v1)
	s.syncHandlers.RegisterRoutes(v1)
	s.targetHandlers.RegisterRoutes(v1)
	if s.auditStore != nil {
		audit.NewHandlers(s.auditStore).RegisterRoutes(v1)
	}

	// API documentation. Mounted outside token auth; the console sends
	// the admin token itself on the requests it makes.
	swagger.NewHandlers().RegisterRoutes(s.router)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router exposes the underlying router so callers can mount additional
// routes or wrap the server in middleware.
func (s *Server) Router() *mux.Router {
	return s.router
}
