package rest

import (
	"net/http"

	"papervault/interfaces/http/rest/handlers"
	"papervault/interfaces/http/rest/middleware"
	"papervault/interfaces/websocket"
	"papervault/pkg/auth"
	"papervault/pkg/common"
	pkgerrors "papervault/pkg/errors"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// APIVersion is reported in the X-API-Version header.
const APIVersion = "v2"

// SessionManager is what the router needs from the session manager.
type SessionManager interface {
	handlers.SessionManager
	Len() (active, parked int)
}

// StoreHealth reports reachability of the remote store.
type StoreHealth interface {
	Connected() bool
	State() string
}

// RouterConfig selects optional surfaces.
type RouterConfig struct {
	EnableCORS     bool
	AllowedOrigins []string
	EnableMetrics  bool
	Debug          bool
}

// Router creates and configures the HTTP router
type Router struct {
	cfg       RouterConfig
	sessions  SessionManager
	validator middleware.TokenValidator
	limiter   *auth.RequestLimiter
	ws        *websocket.Server
	hub       *websocket.Hub
	health    StoreHealth
	gatherer  prometheus.Gatherer
	logger    *zap.Logger
}

// NewRouter creates a new router instance. health and gatherer may be nil.
func NewRouter(
	cfg RouterConfig,
	sessions SessionManager,
	validator middleware.TokenValidator,
	limiter *auth.RequestLimiter,
	hub *websocket.Hub,
	ws *websocket.Server,
	health StoreHealth,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		cfg:       cfg,
		sessions:  sessions,
		validator: validator,
		limiter:   limiter,
		ws:        ws,
		hub:       hub,
		health:    health,
		gatherer:  gatherer,
		logger:    logger,
	}
}

// Setup configures all routes and middleware
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()
	errs := pkgerrors.NewErrorHandler(rt.logger, rt.cfg.Debug)

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.Logger(rt.logger))
	router.Use(errs.Middleware)
	router.Use(versionMiddleware)

	if rt.cfg.EnableCORS {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   rt.cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	router.Get("/health", rt.healthCheck)
	router.Get("/ready", rt.readinessCheck)
	if rt.cfg.EnableMetrics && rt.gatherer != nil {
		router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(rt.gatherer, promhttp.HandlerOpts{}))
	}

	authenticate := middleware.Authenticate(rt.validator, rt.limiter, rt.logger)

	if rt.ws != nil {
		router.With(authenticate).Get("/ws", rt.ws.HandleWebSocket)
	}

	router.Route("/api/"+APIVersion, func(r chi.Router) {
		r.Use(authenticate)

		sessionHandler := handlers.NewSessionHandler(rt.sessions, errs, rt.logger)
		paperHandler := handlers.NewPaperHandler(rt.sessions, errs, rt.logger)
		tagHandler := handlers.NewTagHandler(rt.sessions, errs, rt.logger)
		linkHandler := handlers.NewLinkHandler(rt.sessions, errs, rt.logger)

		r.Route("/vaults/{vaultID}", func(r chi.Router) {
			r.Post("/session", sessionHandler.OpenSession)
			r.Delete("/session", sessionHandler.CloseSession)
			r.Get("/state", sessionHandler.GetState)

			r.Route("/papers", func(r chi.Router) {
				r.Post("/", paperHandler.CreatePaper)
				r.Post("/import", paperHandler.ImportPaper)
				r.Get("/duplicates", paperHandler.FindDuplicates)
				r.Post("/duplicates/check", paperHandler.CheckDuplicates)
				r.Patch("/{paperID}", paperHandler.UpdatePaper)
				r.Delete("/{paperID}", paperHandler.DeletePaper)
				r.Put("/{paperID}/notes", paperHandler.AutosaveNotes)
				r.Put("/{paperID}/tags", paperHandler.ApplyTags)
			})

			r.Route("/tags", func(r chi.Router) {
				r.Post("/", tagHandler.CreateTag)
				r.Patch("/{tagID}", tagHandler.UpdateTag)
				r.Delete("/{tagID}", tagHandler.DeleteTag)
			})

			r.Route("/relations", func(r chi.Router) {
				r.Post("/", linkHandler.RelatePapers)
				r.Delete("/{relationID}", linkHandler.UnrelatePapers)
			})

			r.Route("/shares", func(r chi.Router) {
				r.Post("/", linkHandler.ShareVault)
				r.Patch("/{shareID}", linkHandler.UpdateShareRole)
				r.Delete("/{shareID}", linkHandler.RevokeShare)
			})
		})
	})

	return router
}

// HealthResponse is the body of /health and /ready.
type HealthResponse struct {
	Status         string `json:"status"`
	Store          string `json:"store"`
	ActiveSessions int    `json:"active_sessions"`
	ParkedSessions int    `json:"parked_sessions"`
	Connections    int64  `json:"connections"`
}

func (rt *Router) snapshot() HealthResponse {
	resp := HealthResponse{Status: "healthy", Store: "unknown"}
	if rt.health != nil {
		resp.Store = rt.health.State()
		if !rt.health.Connected() {
			resp.Status = "degraded"
		}
	}
	resp.ActiveSessions, resp.ParkedSessions = rt.sessions.Len()
	if rt.hub != nil {
		resp.Connections = rt.hub.GetMetrics().ActiveConnections
	}
	return resp
}

// healthCheck always answers 200 while the process serves; a tripped
// breaker shows up as "degraded".
func (rt *Router) healthCheck(w http.ResponseWriter, _ *http.Request) {
	common.RespondJSON(w, http.StatusOK, rt.snapshot())
}

// readinessCheck answers 503 while the remote store is unreachable.
func (rt *Router) readinessCheck(w http.ResponseWriter, _ *http.Request) {
	resp := rt.snapshot()
	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	common.RespondJSON(w, status, resp)
}

func versionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-API-Version", APIVersion)
		next.ServeHTTP(w, r)
	})
}
