package server

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/kinship/internal/avatar"
	"github.com/dukerupert/kinship/internal/email"
	"github.com/dukerupert/kinship/internal/handler"
	"github.com/dukerupert/kinship/internal/invite"
	"github.com/dukerupert/kinship/internal/linkage"
	"github.com/dukerupert/kinship/internal/metrics"
	"github.com/dukerupert/kinship/internal/middleware"
	"github.com/dukerupert/kinship/internal/registry"
	"github.com/dukerupert/kinship/internal/store"
	ws "github.com/dukerupert/kinship/internal/websocket"
	"github.com/dukerupert/kinship/internal/workflow"
)

// Config holds the settings the router needs beyond its collaborators.
type Config struct {
	InviteTTL      time.Duration
	OriginPatterns []string
}

type Server struct {
	db          *sql.DB
	hub         *ws.Hub
	registry    *registry.Registry
	treeH       *handler.TreeHandler
	workflowH   *handler.WorkflowHandler
	invitationH *handler.InvitationHandler
	families    *store.FamilyStore
	rateLimiter *middleware.RateLimiter
	metrics     *metrics.Collector
	origins     []string
	logger      *slog.Logger
}

func New(db *sql.DB, cfg Config, emailClient *email.Client, avatars *avatar.Service, collector *metrics.Collector, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"))

	familyStore := store.NewFamilyStore(db)
	accountStore := store.NewAccountStore(db)
	personStore := store.NewPersonStore(db)
	invitationStore := store.NewInvitationStore(db)

	events := func(familyID int64, session string) workflow.EventFunc {
		return ws.WorkflowEvents(hub, familyID, session)
	}

	regOpts := []registry.Option{
		registry.WithEvents(events),
		registry.WithMetrics(collector),
		registry.WithLogger(logger.With("component", "registry")),
	}
	if avatars.Configured() {
		regOpts = append(regOpts, registry.WithUploader(avatars))
	}
	reg := registry.New(personStore, regOpts...)

	linker := linkage.New(store.NewLinkStore(db), reg,
		linkage.WithMetrics(collector),
		linkage.WithLogger(logger.With("component", "linkage")),
	)

	inviteOpts := []invite.Option{
		invite.WithMailer(emailClient),
		invite.WithMetrics(collector),
		invite.WithLogger(logger.With("component", "invite")),
	}
	if cfg.InviteTTL > 0 {
		inviteOpts = append(inviteOpts, invite.WithTTL(cfg.InviteTTL))
	}
	inviteSvc := invite.NewService(invitationStore, accountStore, familyStore, reg, linker, inviteOpts...)

	return &Server{
		db:          db,
		hub:         hub,
		registry:    reg,
		treeH:       handler.NewTreeHandler(reg, events, logger.With("component", "tree")),
		workflowH:   handler.NewWorkflowHandler(reg, logger.With("component", "workflow")),
		invitationH: handler.NewInvitationHandler(inviteSvc, invitationStore, logger.With("component", "invitation")),
		families:    familyStore,
		rateLimiter: middleware.NewRateLimiter(),
		metrics:     collector,
		origins:     cfg.OriginPatterns,
		logger:      logger,
	}
}

// Registry returns the family registry for idle-session sweeps.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes
	outerMux.HandleFunc("GET /health", s.healthHandler)
	if s.metrics != nil {
		outerMux.Handle("GET /metrics", s.metrics.Handler())
	}
	outerMux.HandleFunc("GET /invite/accept", s.invitationH.Show)
	outerMux.Handle("POST /invite/accept", s.rateLimited(middleware.RealIP, 10, http.HandlerFunc(s.invitationH.Accept)))

	// Everything else needs a gateway identity
	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)
	outerMux.Handle("/", middleware.RequireIdentity(s.families)(protectedMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	admin := middleware.RequireAdmin

	// Tree
	mux.HandleFunc("GET /api/tree", s.treeH.Get)
	mux.HandleFunc("GET /api/tree/audit", s.treeH.Audit)
	mux.HandleFunc("GET /api/tree/people/{id}", s.treeH.Person)
	mux.HandleFunc("GET /api/tree/people/{id}/relatives", s.treeH.Relatives)
	mux.HandleFunc("GET /api/tree/people/{id}/slots", s.treeH.Slots)
	mux.Handle("POST /api/tree/relationships", admin(http.HandlerFunc(s.treeH.Apply)))
	mux.Handle("PUT /api/tree/people/{id}", admin(http.HandlerFunc(s.treeH.Update)))

	// Add-relative workflow
	mux.HandleFunc("GET /api/workflow", s.workflowH.View)
	mux.HandleFunc("POST /api/workflow/activate", s.workflowH.Activate)
	mux.HandleFunc("POST /api/workflow/add-mode", s.workflowH.AddMode)
	mux.HandleFunc("POST /api/workflow/form", s.workflowH.OpenForm)
	mux.HandleFunc("POST /api/workflow/avatar", s.workflowH.Avatar)
	mux.HandleFunc("POST /api/workflow/avatar/skip", s.workflowH.SkipAvatar)
	mux.HandleFunc("POST /api/workflow/submit", s.workflowH.Submit)
	mux.HandleFunc("POST /api/workflow/edit", s.workflowH.OpenEdit)
	mux.HandleFunc("POST /api/workflow/edit/submit", s.workflowH.SubmitEdit)
	mux.HandleFunc("POST /api/workflow/cancel", s.workflowH.Cancel)

	// Invitations
	mux.Handle("GET /api/invitations", admin(http.HandlerFunc(s.invitationH.List)))
	mux.Handle("POST /api/invitations", admin(s.rateLimited(middleware.ByAccount, 20, http.HandlerFunc(s.invitationH.Send))))

	// WebSocket
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.origins))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		s.logger.Error("health check", "error", err)
		writeStatus(w, http.StatusServiceUnavailable, "unavailable")
		return
	}
	writeStatus(w, http.StatusOK, "ok")
}

func (s *Server) rateLimited(key func(*http.Request) string, limit int, h http.Handler) http.Handler {
	return middleware.RateLimit(s.rateLimiter, key, limit, time.Hour)(h)
}
