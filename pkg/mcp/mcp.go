// Package mcp exposes the fixed inter-butler tool surface over JSON HTTP:
// route.execute for two-phase routing, notify for recording and delivering
// replies, and status for operational snapshots. Tool outputs always carry
// a status field; faults are reported in-band rather than as bare HTTP
// errors so tool hosts get a parseable result either way.
package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"

	"github.com/butlerfleet/butlerd/pkg/breaker"
	"github.com/butlerfleet/butlerd/pkg/models"
	"github.com/butlerfleet/butlerd/pkg/outbound"
	"github.com/butlerfleet/butlerd/pkg/route"
	"github.com/butlerfleet/butlerd/pkg/version"
)

// RouteSchemaVersion is the only route.execute input version accepted.
const RouteSchemaVersion = "route.v1"

// Acceptor is the accept phase of routing; satisfied by *route.Inbox.
type Acceptor interface {
	Accept(ctx context.Context, in route.AcceptInput) (*route.Receipt, error)
}

// Replier records an outbound reply row; satisfied by *pipeline.Pipeline.
type Replier interface {
	RecordReply(ctx context.Context, inboundRequestID, butler, text string) (string, error)
}

// InboxReader loads inbound rows to recover delivery addressing; satisfied
// by *services.InboxService.
type InboxReader interface {
	Get(ctx context.Context, id string) (*models.InboxMessage, error)
}

// Deliverer pushes replies out through the gated send path; satisfied by
// *outbound.Dispatcher.
type Deliverer interface {
	Send(ctx context.Context, msg outbound.Message) error
}

// SessionStats reports running session count; satisfied by *spawner.Spawner.
type SessionStats interface {
	Active() int
}

// QueueStats reports buffered message count; satisfied by *buffer.Buffer.
type QueueStats interface {
	Depth() int
}

// BreakerStats snapshots breaker state; satisfied by *breaker.Set.
type BreakerStats interface {
	Statuses() []breaker.Status
}

// SendStats reports in-flight outbound admissions; satisfied by
// *ratelimit.Limiter.
type SendStats interface {
	InFlight() int
}

// StateStore is the butler's key-value state; satisfied by
// *services.StateService.
type StateStore interface {
	GetState(ctx context.Context, key string, dst any) error
	SetState(ctx context.Context, key string, value any) error
}

// TaskStore is the scheduled-task CRUD; satisfied by *services.TaskService.
type TaskStore interface {
	Upsert(ctx context.Context, task *models.ScheduledTask) error
	Delete(ctx context.Context, butler, name string) error
	ListEnabled(ctx context.Context) ([]*models.ScheduledTask, error)
}

// Server mounts the tool endpoints. Nil collaborators disable their tools.
type Server struct {
	butler   string
	acceptor Acceptor
	replier  Replier
	inbox    InboxReader
	sender   Deliverer
	sessions SessionStats
	queue    QueueStats
	breakers BreakerStats
	sends    SendStats
	state    StateStore
	tasks    TaskStore
	logger   *slog.Logger
}

// Deps bundles the tool server's collaborators.
type Deps struct {
	Butler   string
	Acceptor Acceptor
	Replier  Replier
	Inbox    InboxReader
	Sender   Deliverer
	Sessions SessionStats
	Queue    QueueStats
	Breakers BreakerStats
	Sends    SendStats
	State    StateStore
	Tasks    TaskStore
	Logger   *slog.Logger
}

// NewServer creates the tool server.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		butler:   deps.Butler,
		acceptor: deps.Acceptor,
		replier:  deps.Replier,
		inbox:    deps.Inbox,
		sender:   deps.Sender,
		sessions: deps.Sessions,
		queue:    deps.Queue,
		breakers: deps.Breakers,
		sends:    deps.Sends,
		state:    deps.State,
		tasks:    deps.Tasks,
		logger:   logger.With("component", "mcp"),
	}
}

// Register mounts the tool routes on the given group.
func (s *Server) Register(rg *gin.RouterGroup) {
	if s.acceptor != nil {
		rg.POST("/route.execute", s.handleRouteExecute)
	}
	if s.replier != nil && s.inbox != nil {
		rg.POST("/notify", s.handleNotify)
	}
	if s.state != nil {
		rg.POST("/state.get", s.handleStateGet)
		rg.POST("/state.set", s.handleStateSet)
	}
	if s.tasks != nil {
		rg.POST("/schedule.upsert", s.handleScheduleUpsert)
		rg.POST("/schedule.delete", s.handleScheduleDelete)
		rg.GET("/schedule.list", s.handleScheduleList)
	}
	rg.GET("/status", s.handleStatus)
}

type routeExecuteInput struct {
	SchemaVersion  string                `json:"schema_version"`
	SourceButler   string                `json:"source_butler"`
	RequestContext models.RequestContext `json:"request_context"`
	Input          struct {
		Prompt  string         `json:"prompt"`
		Context map[string]any `json:"context,omitempty"`
	} `json:"input"`
}

// handleRouteExecute is the accept phase seen by peer tool hosts. Output
// is always {status, request_id?, error?} with HTTP 200 so the calling
// LLM sees a tool result, not a transport failure.
func (s *Server) handleRouteExecute(c *gin.Context) {
	var in routeExecuteInput
	if err := c.ShouldBindJSON(&in); err != nil {
		toolError(c, models.NewFault(models.ErrClassValidation, "malformed route.execute input: %v", err))
		return
	}
	if in.SchemaVersion != RouteSchemaVersion {
		toolError(c, models.NewFault(models.ErrClassValidation,
			"unsupported schema_version %q, want %q", in.SchemaVersion, RouteSchemaVersion))
		return
	}

	source := in.SourceButler
	if source == "" {
		source = in.RequestContext.SourceSenderIdentity
	}
	receipt, err := s.acceptor.Accept(c.Request.Context(), route.AcceptInput{
		SourceButler: source,
		Context:      in.RequestContext,
		InputContext: in.Input.Context,
		Prompt:       in.Input.Prompt,
	})
	if err != nil {
		s.logger.Warn("route.execute rejected",
			"source", source, "error_class", models.ClassOf(err), "error", err)
		toolError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "request_id": receipt.RequestID})
}

type notifyInput struct {
	RequestID string `json:"request_id" binding:"required"`
	Butler    string `json:"butler"`
	Text      string `json:"text" binding:"required"`
}

// handleNotify records the reply as an outbound inbox row, then delivers
// it back on the originating channel. The row is written before delivery
// so history stays symmetric even when the connector is down.
func (s *Server) handleNotify(c *gin.Context) {
	var in notifyInput
	if err := c.ShouldBindJSON(&in); err != nil {
		toolError(c, models.NewFault(models.ErrClassValidation, "malformed notify input: %v", err))
		return
	}
	butler := in.Butler
	if butler == "" {
		butler = s.butler
	}

	ctx := c.Request.Context()
	msg, err := s.inbox.Get(ctx, in.RequestID)
	if err != nil {
		toolError(c, models.WrapFault(models.ErrClassNotFound, err, "inbound message %s", in.RequestID))
		return
	}

	outboundID, err := s.replier.RecordReply(ctx, in.RequestID, butler, in.Text)
	if err != nil {
		toolError(c, err)
		return
	}

	if s.sender != nil && msg.Context.SourceChannel.Interactive() {
		err = s.sender.Send(ctx, outbound.Message{
			Channel:          msg.Context.SourceChannel,
			EndpointIdentity: msg.Context.SourceEndpointIdentity,
			Recipient:        msg.Context.SourceSenderIdentity,
			Thread:           msg.Context.SourceThreadIdentity,
			Text:             in.Text,
			Reply:            true,
		})
		if err != nil {
			// The reply row exists; the caller learns delivery failed and
			// can retry with backoff.
			s.logger.Warn("notify delivery failed",
				"request_id", in.RequestID, "channel", msg.Context.SourceChannel,
				"error_class", models.ClassOf(err), "error", err)
			toolError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "outbound_id": outboundID})
}

// handleStatus reports the daemon's operational snapshot.
func (s *Server) handleStatus(c *gin.Context) {
	out := gin.H{
		"status":  "ok",
		"butler":  s.butler,
		"version": version.Full(),
	}
	if s.sessions != nil {
		out["active_sessions"] = s.sessions.Active()
	}
	if s.queue != nil {
		out["buffer_depth"] = s.queue.Depth()
	}
	if s.sends != nil {
		out["in_flight_sends"] = s.sends.InFlight()
	}
	if s.breakers != nil {
		out["breakers"] = s.breakers.Statuses()
	}
	c.JSON(http.StatusOK, out)
}

type stateGetInput struct {
	Key string `json:"key" binding:"required"`
}

func (s *Server) handleStateGet(c *gin.Context) {
	var in stateGetInput
	if err := c.ShouldBindJSON(&in); err != nil {
		toolError(c, models.NewFault(models.ErrClassValidation, "malformed state.get input: %v", err))
		return
	}
	var value any
	if err := s.state.GetState(c.Request.Context(), in.Key, &value); err != nil {
		toolError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "key": in.Key, "value": value})
}

type stateSetInput struct {
	Key   string `json:"key" binding:"required"`
	Value any    `json:"value"`
}

func (s *Server) handleStateSet(c *gin.Context) {
	var in stateSetInput
	if err := c.ShouldBindJSON(&in); err != nil {
		toolError(c, models.NewFault(models.ErrClassValidation, "malformed state.set input: %v", err))
		return
	}
	if err := s.state.SetState(c.Request.Context(), in.Key, in.Value); err != nil {
		toolError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "key": in.Key})
}

type scheduleUpsertInput struct {
	Name    string     `json:"name" binding:"required"`
	Cron    string     `json:"cron" binding:"required"`
	Prompt  string     `json:"prompt" binding:"required"`
	UntilAt *time.Time `json:"until_at,omitempty"`
}

func (s *Server) handleScheduleUpsert(c *gin.Context) {
	var in scheduleUpsertInput
	if err := c.ShouldBindJSON(&in); err != nil {
		toolError(c, models.NewFault(models.ErrClassValidation, "malformed schedule.upsert input: %v", err))
		return
	}
	// Reject bad cron specs here; the scheduler would otherwise skip the
	// task silently on its next reload.
	if _, err := cron.ParseStandard(in.Cron); err != nil {
		toolError(c, models.NewFault(models.ErrClassValidation, "invalid cron spec %q: %v", in.Cron, err))
		return
	}

	task := &models.ScheduledTask{
		Butler:  s.butler,
		Name:    in.Name,
		Cron:    in.Cron,
		Prompt:  in.Prompt,
		UntilAt: in.UntilAt,
		Enabled: true,
	}
	if err := s.tasks.Upsert(c.Request.Context(), task); err != nil {
		toolError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "task": task})
}

type scheduleDeleteInput struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) handleScheduleDelete(c *gin.Context) {
	var in scheduleDeleteInput
	if err := c.ShouldBindJSON(&in); err != nil {
		toolError(c, models.NewFault(models.ErrClassValidation, "malformed schedule.delete input: %v", err))
		return
	}
	if err := s.tasks.Delete(c.Request.Context(), s.butler, in.Name); err != nil {
		toolError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleScheduleList(c *gin.Context) {
	tasks, err := s.tasks.ListEnabled(c.Request.Context())
	if err != nil {
		toolError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "tasks": tasks})
}

// toolError writes the in-band error result for a tool call.
func toolError(c *gin.Context, err error) {
	out := gin.H{
		"status":      "error",
		"error":       err.Error(),
		"error_class": models.ClassOf(err),
	}
	if retryAfter := models.RetryAfterOf(err); retryAfter > 0 {
		out["retry_after_seconds"] = int(retryAfter.Seconds())
	}
	c.JSON(http.StatusOK, out)
}
