package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/knowva/knowva/internal/common/errors"
	"github.com/knowva/knowva/internal/common/logger"
	"github.com/knowva/knowva/internal/catalog"
	"github.com/knowva/knowva/internal/connection"
	"github.com/knowva/knowva/internal/conversation"
	"github.com/knowva/knowva/internal/execution"
	"github.com/knowva/knowva/internal/metrics"
	"github.com/knowva/knowva/internal/orchestrator"
	"github.com/knowva/knowva/internal/registry"
)

// Handler contains the HTTP handlers for the engine API
type Handler struct {
	registry     *registry.Registry
	manager      *connection.Manager
	catalog      *catalog.Catalog
	executor     *execution.Executor
	orchestrator *orchestrator.Orchestrator
	store        conversation.Store
	metrics      *metrics.Collector
	logger       *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(reg *registry.Registry, mgr *connection.Manager, cat *catalog.Catalog, exec *execution.Executor, orch *orchestrator.Orchestrator, store conversation.Store, collector *metrics.Collector, log *logger.Logger) *Handler {
	return &Handler{
		registry:     reg,
		manager:      mgr,
		catalog:      cat,
		executor:     exec,
		orchestrator: orch,
		store:        store,
		metrics:      collector,
		logger:       log.WithFields(zap.String("component", "api")),
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		switch {
		case errors.Is(err, conversation.ErrNotFound):
			appErr = apperrors.NotFound("conversation", c.Param("id"))
		case errors.Is(err, connection.ErrNotConnected):
			appErr = apperrors.BadRequest(err.Error())
		case errors.Is(err, connection.ErrServerDisabled):
			appErr = apperrors.BadRequest(err.Error())
		case errors.Is(err, orchestrator.ErrNoServers), errors.Is(err, orchestrator.ErrNoTools):
			appErr = apperrors.BadRequest(err.Error())
		default:
			appErr = apperrors.Wrap(err, "request failed")
		}
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// GetHealth returns liveness and basic connectivity counts
// GET /api/v1/health
func (h *Handler) GetHealth(c *gin.Context) {
	statuses := h.manager.StatusAll()
	connected := 0
	for _, s := range statuses {
		if s.State == connection.StateConnected {
			connected++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":            "healthy",
		"servers_total":     len(statuses),
		"servers_connected": connected,
	})
}

// ListServers returns all registered servers with their connection state
// GET /api/v1/servers
func (h *Handler) ListServers(c *gin.Context) {
	statuses := h.manager.StatusAll()
	c.JSON(http.StatusOK, gin.H{
		"servers": statuses,
		"total":   len(statuses),
	})
}

// ListConnectedServers returns the names of connected servers
// GET /api/v1/servers/connected
func (h *Handler) ListConnectedServers(c *gin.Context) {
	names := h.manager.ConnectedServers()
	c.JSON(http.StatusOK, gin.H{
		"servers": names,
		"total":   len(names),
	})
}

// GetServerInfo returns config, state, and tools for one server
// GET /api/v1/servers/:name
func (h *Handler) GetServerInfo(c *gin.Context) {
	name := c.Param("name")

	cfg, err := h.registry.Get(name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	status, err := h.manager.Status(name)
	if err != nil {
		h.respondError(c, err)
		return
	}

	resp := ServerInfoResponse{
		Name:        cfg.Name,
		Description: cfg.Description,
		Transport:   string(cfg.EffectiveTransport()),
		Enabled:     cfg.Enabled,
		State:       string(status.State),
		LastError:   status.LastError,
		ToolCount:   status.ToolCount,
	}
	if !status.ConnectedAt.IsZero() {
		t := status.ConnectedAt
		resp.ConnectedAt = &t
	}
	if !status.LastHealthCheck.IsZero() {
		t := status.LastHealthCheck
		resp.LastHealthCheck = &t
	}
	if status.State == connection.StateConnected {
		resp.Tools = h.catalog.ListByServer(name)
	}
	c.JSON(http.StatusOK, resp)
}

// ConnectServer connects one server
// POST /api/v1/servers/connect
func (h *Handler) ConnectServer(c *gin.Context) {
	var req ConnectServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.ValidationError("request", err.Error()))
		return
	}

	if err := h.manager.Connect(c.Request.Context(), req.ServerName); err != nil {
		h.logger.Error("connect failed", zap.String("server_name", req.ServerName), zap.Error(err))
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":     "connected",
		"server_name": req.ServerName,
	})
}

// DisconnectServer disconnects one server
// POST /api/v1/servers/disconnect
func (h *Handler) DisconnectServer(c *gin.Context) {
	var req ConnectServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.ValidationError("request", err.Error()))
		return
	}

	if err := h.manager.Disconnect(c.Request.Context(), req.ServerName); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":     "disconnected",
		"server_name": req.ServerName,
	})
}

// BatchConnectServers connects several servers
// POST /api/v1/batch/servers/connect
func (h *Handler) BatchConnectServers(c *gin.Context) {
	var req BatchConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.ValidationError("request", err.Error()))
		return
	}
	if len(req.ServerNames) == 0 {
		h.respondError(c, apperrors.BadRequest("server_names must not be empty"))
		return
	}

	results := h.manager.BatchConnect(c.Request.Context(), req.ServerNames, req.Parallel, req.StopOnError)
	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"total":   len(results),
		"failed":  failed,
	})
}

// HealthCheckServers pings every connected server
// POST /api/v1/servers/health-check
func (h *Handler) HealthCheckServers(c *gin.Context) {
	h.manager.HealthCheckAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"servers": h.manager.StatusAll(),
	})
}

// ListTools returns the aggregated tool catalog
// GET /api/v1/tools?servers=a,b
func (h *Handler) ListTools(c *gin.Context) {
	var tools []catalog.ToolDescriptor
	if filter := c.Query("servers"); filter != "" {
		tools = h.catalog.ListForServers(strings.Split(filter, ","))
	} else {
		tools = h.catalog.List()
	}
	c.JSON(http.StatusOK, gin.H{
		"tools": tools,
		"total": len(tools),
	})
}

// ExecuteTool runs one tool call
// POST /api/v1/tools/execute
func (h *Handler) ExecuteTool(c *gin.Context) {
	var req ExecuteToolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.ValidationError("request", err.Error()))
		return
	}

	result, err := h.executor.Execute(c.Request.Context(), req.toRequest())
	if err != nil {
		status := apperrors.GetHTTPStatus(err)
		if errors.Is(err, connection.ErrNotConnected) || errors.Is(err, execution.ErrToolNotFound) {
			status = http.StatusBadRequest
		} else if result.TimedOut {
			status = apperrors.GatewayTimeout(result.Error).HTTPStatus
		}
		c.JSON(status, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// BatchExecuteTools runs several tool calls
// POST /api/v1/batch/tools/execute
func (h *Handler) BatchExecuteTools(c *gin.Context) {
	var req BatchExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.ValidationError("request", err.Error()))
		return
	}
	if len(req.Executions) == 0 {
		h.respondError(c, apperrors.BadRequest("executions must not be empty"))
		return
	}

	reqs := make([]execution.Request, len(req.Executions))
	for i, e := range req.Executions {
		reqs[i] = e.toRequest()
	}
	results := h.executor.ExecuteBatch(c.Request.Context(), reqs, req.Parallel, req.StopOnError)

	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}
	c.JSON(http.StatusOK, BatchExecuteResponse{
		Results: results,
		Total:   len(results),
		Failed:  failed,
	})
}

// Query runs an orchestrated query
// POST /api/v1/query
func (h *Handler) Query(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.ValidationError("request", err.Error()))
		return
	}

	resp, err := h.orchestrator.ProcessQuery(c.Request.Context(), orchestrator.QueryRequest{
		ConversationID:  req.ConversationID,
		UserID:          req.UserID,
		Query:           req.Query,
		Servers:         req.ServerNames,
		DisableChaining: req.DisableChaining,
	})
	if err != nil {
		var exhausted *orchestrator.ToolLoopExhaustedError
		if errors.As(err, &exhausted) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":        exhausted.Error(),
				"iterations":   exhausted.Iterations,
				"servers_used": exhausted.ServersUsed,
				"tools_called": exhausted.ToolsCalled,
			})
			return
		}
		h.logger.Error("query failed", zap.Error(err))
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, QueryResponse{
		Response:       resp.Answer,
		ConversationID: resp.ConversationID,
		ServersUsed:    resp.ServersUsed,
		ToolsCalled:    resp.ToolsCalled,
		Iterations:     resp.Iterations,
	})
}

// ListConversations returns a user's conversations
// GET /api/v1/conversations?user_id=
func (h *Handler) ListConversations(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		h.respondError(c, apperrors.BadRequest("user_id query parameter is required"))
		return
	}

	convs, err := h.store.ListByUser(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversations": convs,
		"total":         len(convs),
	})
}

// GetConversation returns one conversation with all turns
// GET /api/v1/conversations/:id
func (h *Handler) GetConversation(c *gin.Context) {
	conv, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// DeleteConversation removes one conversation
// DELETE /api/v1/conversations/:id
func (h *Handler) DeleteConversation(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "conversation deleted"})
}

// AddServerConfig registers a new server
// POST /api/v1/config/servers
func (h *Handler) AddServerConfig(c *gin.Context) {
	var req ServerConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.ValidationError("request", err.Error()))
		return
	}

	if err := h.registry.Add(req.toConfig()); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message":     "server added",
		"server_name": req.Name,
	})
}

// UpdateServerConfig replaces a server's configuration. An active
// connection is closed first so the next connect uses the new config.
// PUT /api/v1/config/servers/:name
func (h *Handler) UpdateServerConfig(c *gin.Context) {
	name := c.Param("name")

	var req ServerConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.ValidationError("request", err.Error()))
		return
	}
	if req.Name != name {
		h.respondError(c, apperrors.BadRequest("name in body must match the path"))
		return
	}

	if err := h.manager.Disconnect(c.Request.Context(), name); err != nil {
		h.logger.Warn("disconnect before update failed", zap.String("server_name", name), zap.Error(err))
	}
	if err := h.registry.Update(req.toConfig()); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":     "server updated",
		"server_name": name,
	})
}

// RemoveServerConfig deletes a server and all its connection state
// DELETE /api/v1/config/servers/:name
func (h *Handler) RemoveServerConfig(c *gin.Context) {
	name := c.Param("name")

	if err := h.registry.Remove(name); err != nil {
		h.respondError(c, err)
		return
	}
	h.manager.Forget(c.Request.Context(), name)

	c.JSON(http.StatusOK, gin.H{
		"message":     "server removed",
		"server_name": name,
	})
}

// GetSystemMetrics returns aggregated metrics together with the count of
// servers in each connection state
// GET /api/v1/metrics/system
func (h *Handler) GetSystemMetrics(c *gin.Context) {
	resp := SystemMetricsResponse{SystemSnapshot: h.metrics.SystemSnapshot()}
	for _, s := range h.manager.StatusAll() {
		switch s.State {
		case connection.StateConnected:
			resp.ServersConnected++
		case connection.StateError:
			resp.ServersError++
		default:
			resp.ServersDisconnected++
		}
	}
	c.JSON(http.StatusOK, resp)
}

// GetServerMetrics returns metrics for every server
// GET /api/v1/metrics/servers
func (h *Handler) GetServerMetrics(c *gin.Context) {
	snap := h.metrics.SystemSnapshot()
	c.JSON(http.StatusOK, gin.H{
		"servers": snap.Servers,
	})
}

// GetOneServerMetrics returns metrics for one server
// GET /api/v1/metrics/servers/:name
func (h *Handler) GetOneServerMetrics(c *gin.Context) {
	name := c.Param("name")
	if !h.registry.Exists(name) {
		h.respondError(c, apperrors.NotFound("server", name))
		return
	}
	c.JSON(http.StatusOK, h.metrics.ServerSnapshot(name))
}

// AdminReset clears metrics and conversations. Connections stay up.
// POST /api/v1/admin/reset
func (h *Handler) AdminReset(c *gin.Context) {
	if err := h.store.Reset(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}
	h.metrics.Reset()

	h.logger.Info("admin reset performed")
	c.JSON(http.StatusOK, gin.H{"message": "metrics and conversations reset"})
}
