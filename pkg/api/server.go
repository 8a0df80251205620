// Package api is the daemon's HTTP surface: switchboard ingestion and
// heartbeats, the route accept endpoint, approvals and triage rule CRUD
// for the dashboard, health, and metrics. Fault classes translate to HTTP
// status codes here and nowhere else.
package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/butlerfleet/butlerd/pkg/database"
	"github.com/butlerfleet/butlerd/pkg/ingest"
	"github.com/butlerfleet/butlerd/pkg/models"
	"github.com/butlerfleet/butlerd/pkg/route"
	"github.com/butlerfleet/butlerd/pkg/services"
	"github.com/butlerfleet/butlerd/pkg/version"
)

// Ingestor accepts ingest.v1 envelopes; satisfied by *ingest.Service.
type Ingestor interface {
	Ingest(ctx context.Context, env *ingest.Envelope) (*ingest.Receipt, error)
}

// Heartbeater processes butler heartbeats; satisfied by *registry.Service.
type Heartbeater interface {
	Heartbeat(ctx context.Context, butler string) (models.EligibilityState, error)
}

// RouteAcceptor is the accept phase of routing; satisfied by *route.Inbox.
type RouteAcceptor interface {
	Accept(ctx context.Context, in route.AcceptInput) (*route.Receipt, error)
}

// ApprovalFlow drives approval decisions; satisfied by *approvals.Service.
type ApprovalFlow interface {
	Request(ctx context.Context, in *services.EnqueueInput) (action *models.PendingAction, replay bool, err error)
	Decide(ctx context.Context, id string, approve bool, decidedBy, reason string) (*models.PendingAction, error)
}

// ApprovalReader lists and loads pending actions.
type ApprovalReader interface {
	Get(ctx context.Context, id string) (*models.PendingAction, error)
	ListPending(ctx context.Context, butler string, limit int) ([]*models.PendingAction, error)
}

// RuleStore is the triage rule CRUD; satisfied by *services.TriageService.
type RuleStore interface {
	Create(ctx context.Context, in *services.CreateRuleInput) (*models.TriageRule, error)
	ListActive(ctx context.Context) ([]*models.TriageRule, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	Delete(ctx context.Context, id string) error
}

// RuleCacheInvalidator drops the triage evaluator's rule cache after CRUD;
// satisfied by *triage.Evaluator.
type RuleCacheInvalidator interface {
	Invalidate()
}

// ConnectorTracker records connector heartbeats.
type ConnectorTracker interface {
	Heartbeat(ctx context.Context, name string, channel models.Channel, endpointIdentity string, details map[string]any) error
}

// ToolRegistrar mounts the inter-butler tool endpoints; satisfied by
// *mcp.Server.
type ToolRegistrar interface {
	Register(rg *gin.RouterGroup)
}

// Server is the HTTP surface.
type Server struct {
	db            *sql.DB
	ingestor      Ingestor
	heartbeats    Heartbeater
	routes        RouteAcceptor
	approvals     ApprovalFlow
	approvalStore ApprovalReader
	rules         RuleStore
	ruleCache     RuleCacheInvalidator
	connectors    ConnectorTracker
	tools         ToolRegistrar
	gatherer      prometheus.Gatherer
	ingestTimeout time.Duration

	engine *gin.Engine
	http   *http.Server
}

// Deps bundles the server's collaborators; nil entries disable their
// routes.
type Deps struct {
	DB            *sql.DB
	Ingestor      Ingestor
	Heartbeats    Heartbeater
	Routes        RouteAcceptor
	Approvals     ApprovalFlow
	ApprovalStore ApprovalReader
	Rules         RuleStore
	RuleCache     RuleCacheInvalidator
	Connectors    ConnectorTracker
	Tools         ToolRegistrar
	Gatherer      prometheus.Gatherer
	IngestTimeout time.Duration
}

// NewServer builds the router. Call Start to begin serving.
func NewServer(deps Deps) *Server {
	s := &Server{
		db:            deps.DB,
		ingestor:      deps.Ingestor,
		heartbeats:    deps.Heartbeats,
		routes:        deps.Routes,
		approvals:     deps.Approvals,
		approvalStore: deps.ApprovalStore,
		rules:         deps.Rules,
		ruleCache:     deps.RuleCache,
		connectors:    deps.Connectors,
		tools:         deps.Tools,
		gatherer:      deps.Gatherer,
		ingestTimeout: deps.IngestTimeout,
	}
	if s.ingestTimeout <= 0 {
		s.ingestTimeout = 5 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", s.health)
	if s.gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	sw := engine.Group("/api/switchboard")
	if s.ingestor != nil {
		sw.POST("/ingest", s.handleIngest)
	}
	if s.heartbeats != nil {
		sw.POST("/heartbeat", s.handleHeartbeat)
	}
	if s.connectors != nil {
		sw.POST("/connector-heartbeat", s.handleConnectorHeartbeat)
	}

	if s.routes != nil {
		engine.POST("/v1/route/accept", s.handleRouteAccept)
	}

	if s.approvals != nil && s.approvalStore != nil {
		ap := engine.Group("/api/approvals")
		ap.POST("", s.handleApprovalRequest)
		ap.GET("/pending", s.handleApprovalsPending)
		ap.GET("/:id", s.handleApprovalGet)
		ap.POST("/:id/decide", s.handleApprovalDecide)
	}

	if s.rules != nil {
		tr := engine.Group("/api/triage/rules")
		tr.GET("", s.handleRulesList)
		tr.POST("", s.handleRuleCreate)
		tr.PATCH("/:id", s.handleRulePatch)
		tr.DELETE("/:id", s.handleRuleDelete)
	}

	if s.tools != nil {
		s.tools.Register(engine.Group("/mcp"))
	}

	s.engine = engine
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.engine}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	health, err := database.Health(ctx, s.db)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy", "version": version.Full(),
			"database": health, "error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy", "version": version.Full(), "database": health,
	})
}

func (s *Server) handleIngest(c *gin.Context) {
	var env ingest.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"status": "rejected", "reason": "malformed_envelope", "details": err.Error(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.ingestTimeout)
	defer cancel()

	receipt, err := s.ingestor.Ingest(ctx, &env)
	if err != nil {
		class := models.ClassOf(err)
		c.JSON(statusForClass(class), gin.H{
			"status": "rejected", "reason": class, "details": err.Error(),
		})
		return
	}
	if receipt.Status == "rejected" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"status": "rejected", "reason": receipt.Reason,
		})
		return
	}
	c.JSON(http.StatusAccepted, receipt)
}

type heartbeatRequest struct {
	ButlerName string `json:"butler_name" binding:"required"`
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"status": "error", "error": err.Error()})
		return
	}

	state, err := s.heartbeats.Heartbeat(c.Request.Context(), req.ButlerName)
	if err != nil {
		if models.ClassOf(err) == models.ErrClassNotFound || errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": "unknown butler"})
			return
		}
		// Heartbeats are liveness-critical; any store failure reads as the
		// switchboard being unavailable.
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "eligibility_state": state})
}

type connectorHeartbeatRequest struct {
	ConnectorName    string         `json:"connector_name" binding:"required"`
	Channel          models.Channel `json:"channel" binding:"required"`
	EndpointIdentity string         `json:"endpoint_identity"`
	Details          map[string]any `json:"details"`
}

func (s *Server) handleConnectorHeartbeat(c *gin.Context) {
	var req connectorHeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"status": "error", "error": err.Error()})
		return
	}
	if !req.Channel.Valid() {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"status": "error", "error": "unknown channel"})
		return
	}
	if err := s.connectors.Heartbeat(c.Request.Context(), req.ConnectorName,
		req.Channel, req.EndpointIdentity, req.Details); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type routeAcceptRequest struct {
	SourceButler string                `json:"source_butler"`
	ToolName     string                `json:"tool_name"`
	Args         map[string]any        `json:"args"`
	Context      models.RequestContext `json:"context"`
	InputContext map[string]any        `json:"input_context"`
	Prompt       string                `json:"prompt"`
}

func (s *Server) handleRouteAccept(c *gin.Context) {
	var req routeAcceptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"status": "error", "error": err.Error()})
		return
	}

	receipt, err := s.routes.Accept(c.Request.Context(), route.AcceptInput{
		SourceButler: req.SourceButler,
		ToolName:     req.ToolName,
		Args:         req.Args,
		Context:      req.Context,
		InputContext: req.InputContext,
		Prompt:       req.Prompt,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, receipt)
}

type approvalRequest struct {
	Butler    string         `json:"butler" binding:"required"`
	RequestID string         `json:"request_id"`
	ToolName  string         `json:"tool_name" binding:"required"`
	ToolArgs  map[string]any `json:"tool_args"`
	Summary   string         `json:"summary"`
	ExpiresAt *time.Time     `json:"expires_at"`
}

// approvalResponse is a pending action plus the replay marker for
// request_id collisions.
type approvalResponse struct {
	*models.PendingAction
	IdempotentReplay bool `json:"idempotent_replay,omitempty"`
}

func (s *Server) handleApprovalRequest(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"status": "error", "error": err.Error()})
		return
	}

	action, replay, err := s.approvals.Request(c.Request.Context(), &services.EnqueueInput{
		Butler:    req.Butler,
		RequestID: req.RequestID,
		ToolName:  req.ToolName,
		ToolArgs:  req.ToolArgs,
		Summary:   req.Summary,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, approvalResponse{PendingAction: action, IdempotentReplay: replay})
}

func (s *Server) handleApprovalsPending(c *gin.Context) {
	actions, err := s.approvalStore.ListPending(c.Request.Context(), c.Query("butler"), 100)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions})
}

func (s *Server) handleApprovalGet(c *gin.Context) {
	action, err := s.approvalStore.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, action)
}

type decideRequest struct {
	Approve   bool   `json:"approve"`
	DecidedBy string `json:"decided_by" binding:"required"`
	Reason    string `json:"reason"`
}

func (s *Server) handleApprovalDecide(c *gin.Context) {
	var req decideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"status": "error", "error": err.Error()})
		return
	}

	action, err := s.approvals.Decide(c.Request.Context(), c.Param("id"),
		req.Approve, req.DecidedBy, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, action)
}

func (s *Server) handleRulesList(c *gin.Context) {
	rules, err := s.rules.ListActive(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

type createRuleRequest struct {
	RuleType  models.TriageRuleType  `json:"rule_type" binding:"required"`
	Condition models.TriageCondition `json:"condition"`
	Action    models.TriageAction    `json:"action" binding:"required"`
	Priority  int                    `json:"priority"`
}

func (s *Server) handleRuleCreate(c *gin.Context) {
	var req createRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"status": "error", "error": err.Error()})
		return
	}

	rule, err := s.rules.Create(c.Request.Context(), &services.CreateRuleInput{
		RuleType:  req.RuleType,
		Condition: req.Condition,
		Action:    req.Action,
		Priority:  req.Priority,
		CreatedBy: "api",
	})
	if err != nil {
		writeError(c, err)
		return
	}
	s.invalidateRules()
	c.JSON(http.StatusCreated, rule)
}

type patchRuleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) handleRulePatch(c *gin.Context) {
	var req patchRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"status": "error", "error": err.Error()})
		return
	}
	if err := s.rules.SetEnabled(c.Request.Context(), c.Param("id"), *req.Enabled); err != nil {
		writeError(c, err)
		return
	}
	s.invalidateRules()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleRuleDelete(c *gin.Context) {
	if err := s.rules.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	s.invalidateRules()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) invalidateRules() {
	if s.ruleCache != nil {
		s.ruleCache.Invalidate()
	}
}
