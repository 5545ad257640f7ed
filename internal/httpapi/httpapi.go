// Package httpapi implements the engine's thin external surface (spec §6):
// run, subscribe, subscribe_install, list_executions and get_execution,
// over gin for request/response routes and gorilla/websocket for the two
// long-lived tailing endpoints.
//
// Grounded on the teacher's internal/handlers route-group-per-resource
// layout (RegisterRoutes taking a *gin.RouterGroup) and its
// internal/handlers/websocket.go upgrade-then-pump shape, narrowed from a
// hub broadcasting platform-wide events down to one subscriber per stream
// request since this engine's fan-out already lives in internal/broker.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/pytask-manager/engine/internal/broker"
	"github.com/pytask-manager/engine/internal/coordinator"
	apierrors "github.com/pytask-manager/engine/internal/errors"
	"github.com/pytask-manager/engine/internal/logger"
	"github.com/pytask-manager/engine/internal/models"
	"github.com/pytask-manager/engine/internal/provisioner"
)

// defaultInstallTimeout matches spec §6's Environment collaborator option
// of the same name ("default 30 marker wait"), used when the caller leaves
// Handler.InstallTimeout unset.
const defaultInstallTimeout = 30 * time.Second

// ExecutionStore is the subset of *store.Store the handlers read through.
type ExecutionStore interface {
	GetExecution(ctx context.Context, id int64) (*models.Execution, error)
	ListExecutions(ctx context.Context, scriptID int64, limit, offset int) ([]*models.Execution, error)
}

// Handler wires the Execution Coordinator, Output Broker, and Environment
// Provisioner to gin routes.
type Handler struct {
	coord  *coordinator.Coordinator
	broker *broker.Manager
	prov   *provisioner.Provisioner
	store  ExecutionStore

	// InstallTimeout bounds how long InstallLogStream waits for
	// install.finished before giving up on a subscriber (spec §6).
	InstallTimeout time.Duration

	upgrader websocket.Upgrader
}

// New returns a Handler ready to register routes.
func New(coord *coordinator.Coordinator, brk *broker.Manager, prov *provisioner.Provisioner, st ExecutionStore) *Handler {
	return &Handler{
		coord:          coord,
		broker:         brk,
		prov:           prov,
		store:          st,
		InstallTimeout: defaultInstallTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes attaches every external operation spec §6 names.
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/scripts/:id/run", h.RunScript)
	router.GET("/scripts/:id/install-log", h.InstallLogStream)
	router.GET("/scripts/:id/executions", h.ListExecutions)
	router.GET("/executions/:id", h.GetExecution)
	router.GET("/executions/:id/stream", h.ExecutionStream)
	router.POST("/executions/:id/cancel", h.CancelExecution)
}

func pathInt64(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		apierrors.AbortWithError(c, apierrors.BadRequest(name+" must be an integer"))
		return 0, false
	}
	return v, true
}

// RunScript implements spec §6's run(script_id) -> execution_id (async).
func (h *Handler) RunScript(c *gin.Context) {
	scriptID, ok := pathInt64(c, "id")
	if !ok {
		return
	}

	execID, err := h.coord.Run(c.Request.Context(), scriptID)
	if err != nil {
		apierrors.HandleError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"execution_id": execID})
}

// CancelExecution forwards an explicit cancellation request to the
// in-flight execution (spec §4.E).
func (h *Handler) CancelExecution(c *gin.Context) {
	execID, ok := pathInt64(c, "id")
	if !ok {
		return
	}

	if !h.coord.Cancel(execID) {
		apierrors.AbortWithError(c, apierrors.NotFound("in-flight execution"))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"cancelled": execID})
}

// ListExecutions implements spec §6's list_executions(script_id).
func (h *Handler) ListExecutions(c *gin.Context) {
	scriptID, ok := pathInt64(c, "id")
	if !ok {
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	offset := 0
	if raw := c.Query("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}

	execs, err := h.store.ListExecutions(c.Request.Context(), scriptID, limit, offset)
	if err != nil {
		apierrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}

// GetExecution implements spec §6's get_execution(execution_id).
func (h *Handler) GetExecution(c *gin.Context) {
	execID, ok := pathInt64(c, "id")
	if !ok {
		return
	}

	exec, err := h.store.GetExecution(c.Request.Context(), execID)
	if err != nil {
		apierrors.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// ExecutionStream implements spec §6's subscribe(execution_id, mode): a
// WebSocket that replays the transcript so far (tail-from-start) or only
// new lines (tail-live), then streams lines until the execution reaches a
// terminal status. Once the broker has released the stream the execution
// has already finished, so the handler falls back to the stored log_output.
func (h *Handler) ExecutionStream(c *gin.Context) {
	log := logger.HTTP()

	execID, ok := pathInt64(c, "id")
	if !ok {
		return
	}
	fromStart := c.Query("mode") != "live"

	stream, live := h.broker.Get(execID)
	if !live {
		h.streamFromStore(c, execID)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Int64("execution_id", execID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := stream.Subscribe(fromStart)
	defer stream.Unsubscribe(sub)

	for {
		select {
		case line, ok := <-sub.Lines:
			if !ok {
				if err := <-sub.Err; err != nil {
					conn.WriteMessage(websocket.TextMessage, []byte("ERROR: "+err.Error()))
				}
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}

// streamFromStore replays a finished execution's persisted log_output over
// the same WebSocket contract, for clients that connect after the broker
// has already released the live Stream.
func (h *Handler) streamFromStore(c *gin.Context, execID int64) {
	exec, err := h.store.GetExecution(c.Request.Context(), execID)
	if err != nil {
		apierrors.HandleError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.HTTP().Warn().Err(err).Int64("execution_id", execID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	conn.WriteMessage(websocket.TextMessage, []byte(exec.LogOutput))
}

// InstallLogStream implements spec §6's subscribe_install(script_id).
func (h *Handler) InstallLogStream(c *gin.Context) {
	scriptID, ok := pathInt64(c, "id")
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.HTTP().Warn().Err(err).Int64("script_id", scriptID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	send := func(line string) error {
		return conn.WriteMessage(websocket.TextMessage, []byte(line))
	}

	timeout := h.InstallTimeout
	if timeout <= 0 {
		timeout = defaultInstallTimeout
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	if err := h.prov.TailInstallLog(ctx, scriptID, send); err != nil {
		logger.HTTP().Warn().Err(err).Int64("script_id", scriptID).Msg("install log tail ended with error")
	}
}
