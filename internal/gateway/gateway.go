// Package gateway terminates client traffic: the authenticated REST API
// for workspace, session, worktree and attachment management, and the
// per-session WebSocket that carries the live event stream. Handlers
// stay thin; every decision that matters lives in the services they
// call, and every error crosses the boundary as an apierr mapped onto
// the REST error body.
package gateway

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/agent"
	"github.com/vibe80/vibe80/internal/attachments"
	"github.com/vibe80/vibe80/internal/audit"
	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/httpmw"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/events"
	"github.com/vibe80/vibe80/internal/identity"
	"github.com/vibe80/vibe80/internal/session"
	"github.com/vibe80/vibe80/internal/worktree"
	"github.com/vibe80/vibe80/internal/workspace"
	"github.com/vibe80/vibe80/pkg/protocol"
)

// AgentAPI is the slice of the agent manager the gateway drives. The
// WebSocket handler forwards client frames through it; the worktree
// create handler uses it to spawn the first agent.
type AgentAPI interface {
	SendUserMessage(ctx context.Context, sessionID, worktreeID, text string, attachments []protocol.Attachment) error
	Interrupt(ctx context.Context, sessionID, worktreeID, turnID string) error
	WakeUp(ctx context.Context, sessionID, worktreeID string) error
	StartWorktree(ctx context.Context, sessionID, worktreeID string) error
	SwitchProvider(ctx context.Context, sessionID, worktreeID, provider, model string) error
	ForwardAuth(ctx context.Context, sessionID, worktreeID, token string) error
	Ping(ctx context.Context, sessionID, worktreeID string) error
}

// Server wires the service layer to HTTP routes and WebSocket
// connections. It does not own the http.Server; the launcher builds one
// around Handler so it controls listen and shutdown ordering.
type Server struct {
	workspaces *workspace.Service
	sessions   *session.Service
	worktrees  *worktree.Manager
	attach     *attachments.Service
	identity   *identity.Service
	agents     AgentAPI
	registry   *agent.Registry
	stream     *events.Router
	auditor    *audit.Recorder
	metrics    *audit.Metrics
	cfg        *config.Config
	logger     *logger.Logger

	owners *ownerCache
}

// New assembles the gateway. registry may be nil in tests that never
// hit the models endpoint.
func New(workspaces *workspace.Service, sessions *session.Service, worktrees *worktree.Manager, attach *attachments.Service, ident *identity.Service, agents AgentAPI, registry *agent.Registry, stream *events.Router, auditor *audit.Recorder, metrics *audit.Metrics, cfg *config.Config, log *logger.Logger) *Server {
	return &Server{
		workspaces: workspaces,
		sessions:   sessions,
		worktrees:  worktrees,
		attach:     attach,
		identity:   ident,
		agents:     agents,
		registry:   registry,
		stream:     stream,
		auditor:    auditor,
		metrics:    metrics,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "gateway")),
		owners:     newOwnerCache(),
	}
}

// Handler builds the gin engine with all middleware and routes
// registered. Call it once; the engine is not memoised.
func (s *Server) Handler() *gin.Engine {
	if s.cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(s.logger, "gateway"))
	router.Use(httpmw.OtelTracing("vibe80-gateway"))

	router.GET("/health", s.handleHealth)
	router.GET("/ws", s.handleSocket)

	public := router.Group("/api")
	{
		public.POST("/workspaces", s.handleCreateWorkspace)
		public.POST("/workspaces/login", s.handleLogin)
		public.POST("/workspaces/refresh", s.handleRefresh)
		public.POST("/handoff/consume", s.handleConsumeHandoff)
	}

	api := router.Group("/api", s.bearerAuth())
	{
		api.GET("/workspaces/:id", s.handleGetWorkspace)
		api.PATCH("/workspaces/:id", s.handleUpdateWorkspace)
		api.POST("/workspaces/:id/rotate-secret", s.handleRotateSecret)
		api.GET("/workspaces/:id/audit", s.handleListAudit)

		api.POST("/session", s.handleCreateSession)
		api.GET("/session/:id", s.handleGetSession)
		api.DELETE("/session/:id", s.handleDeleteSession)
		api.GET("/sessions", s.handleListSessions)

		api.GET("/branches", s.handleListBranches)
		api.POST("/branches", s.handleCreateBranch)
		api.POST("/branches/fetch", s.handleFetchBranches)
		api.POST("/branches/switch", s.handleSwitchBranch)

		api.POST("/worktree", s.handleCreateWorktree)
		api.GET("/worktrees", s.handleListWorktrees)
		api.DELETE("/worktree/:id", s.handleCloseWorktree)
		api.POST("/worktree/:id/merge", s.handleMergeWorktree)
		api.GET("/worktree/:id/diff", s.handleWorktreeDiff)
		api.GET("/worktree/:id/file", s.handleReadWorktreeFile)
		api.PUT("/worktree/:id/file", s.handleWriteWorktreeFile)

		api.GET("/models", s.handleListModels)

		api.POST("/attachments/upload", s.handleUploadAttachment)
		api.GET("/attachments/file", s.handleDownloadAttachment)
		api.GET("/attachments", s.handleListAttachments)

		api.POST("/handoff/create", s.handleCreateHandoff)

		api.GET("/metrics", s.handleMetrics)
	}

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.Snapshot())
}
