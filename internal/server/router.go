package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/perimetra/fieldsync/internal/connectivity"
	"github.com/perimetra/fieldsync/internal/coordinator"
	"github.com/perimetra/fieldsync/internal/engine"
	"github.com/perimetra/fieldsync/internal/queue"
	"github.com/perimetra/fieldsync/internal/record"
	"go.uber.org/zap"
)

const (
	statusEventName    = "status"
	heartbeatEventName = "heartbeat"
	heartbeatInterval  = 15 * time.Second
)

var (
	errMissingCoordinator = errors.New("coordinator dependency required")
	errMissingMonitor     = errors.New("connectivity monitor dependency required")
)

// Dependencies carries the collaborators the HTTP surface exposes. The
// surface is a loopback daemon API for the capture UI; it carries no
// authentication of its own.
type Dependencies struct {
	Coordinator    *coordinator.Coordinator
	Monitor        *connectivity.Monitor
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler validates the dependencies and builds the router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}
	if deps.Monitor == nil {
		return nil, errMissingMonitor
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if len(deps.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: deps.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{"Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}

	handler := &httpHandler{
		coordinator: deps.Coordinator,
		monitor:     deps.Monitor,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)

	v1 := router.Group("/v1")
	v1.GET("/status", handler.handleStatus)
	v1.GET("/status/stream", handler.handleStatusStream)
	v1.POST("/sync", handler.handleSync)
	v1.GET("/queue/failed", handler.handleFailedItems)
	v1.POST("/queue/items/:id/retry", handler.handleRetryItem)
	v1.DELETE("/queue/items/:id", handler.handleDiscardItem)
	v1.POST("/records/:kind", handler.handleCreateRecord)
	v1.GET("/records/:kind/:id", handler.handleGetRecord)
	v1.PUT("/records/:kind/:id", handler.handleUpdateRecord)
	v1.DELETE("/records/:kind/:id", handler.handleDeleteRecord)

	return router, nil
}

type httpHandler struct {
	coordinator *coordinator.Coordinator
	monitor     *connectivity.Monitor
	logger      *zap.Logger
}

type recordPayload struct {
	ID               string          `json:"id"`
	Kind             string          `json:"kind"`
	ParentID         string          `json:"parent_id,omitempty"`
	RemoteID         string          `json:"remote_id,omitempty"`
	SyncStatus       string          `json:"sync_status"`
	Payload          json.RawMessage `json:"payload"`
	CreatedAtSeconds int64           `json:"created_at_s"`
	UpdatedAtSeconds int64           `json:"updated_at_s"`
}

func newRecordPayload(stored record.Record) recordPayload {
	return recordPayload{
		ID:               stored.ID,
		Kind:             stored.Kind,
		ParentID:         stored.ParentID,
		RemoteID:         stored.RemoteID,
		SyncStatus:       stored.SyncStatus,
		Payload:          json.RawMessage(stored.PayloadJSON),
		CreatedAtSeconds: stored.CreatedAtSeconds,
		UpdatedAtSeconds: stored.UpdatedAtSeconds,
	}
}

type createRecordRequest struct {
	ParentID string          `json:"parent_id"`
	Payload  json.RawMessage `json:"payload"`
}

type updateRecordRequest struct {
	Payload json.RawMessage `json:"payload"`
}

type queueStatsPayload struct {
	Pending  int64 `json:"pending"`
	InFlight int64 `json:"in_flight"`
	Failed   int64 `json:"failed"`
	Done     int64 `json:"done"`
}

type statusResponse struct {
	State     string            `json:"state"`
	Online    bool              `json:"online"`
	Total     int               `json:"total"`
	Processed int               `json:"processed"`
	Failed    int               `json:"failed"`
	Reason    string            `json:"reason,omitempty"`
	Queue     queueStatsPayload `json:"queue"`
}

type failedItemPayload struct {
	ID                   int64  `json:"id"`
	EntityType           string `json:"entity_type"`
	EntityID             string `json:"entity_id"`
	Operation            string `json:"op"`
	RetryCount           int    `json:"retry_count"`
	LastError            string `json:"last_error"`
	CreatedAtSeconds     int64  `json:"created_at_s"`
	LastAttemptAtSeconds int64  `json:"last_attempt_at_s"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	stats, err := h.coordinator.QueueStats(c.Request.Context())
	if err != nil {
		h.logger.Error("queue stats query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_unavailable"})
		return
	}

	status := h.coordinator.Status()
	c.JSON(http.StatusOK, statusResponse{
		State:     string(status.State),
		Online:    h.monitor.Online(),
		Total:     status.Total,
		Processed: status.Processed,
		Failed:    status.Failed,
		Reason:    status.Reason,
		Queue: queueStatsPayload{
			Pending:  stats.Pending,
			InFlight: stats.InFlight,
			Failed:   stats.Failed,
			Done:     stats.Done,
		},
	})
}

// handleStatusStream serves engine status over SSE. The current status goes
// out immediately on connect so the client renders without waiting for the
// next pass.
func (h *httpHandler) handleStatusStream(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	updates, cancelSub := h.coordinator.SubscribeStatus(c.Request.Context())
	defer cancelSub()

	current := h.coordinator.Status()
	current.Online = h.monitor.Online()
	c.SSEvent(statusEventName, current)
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case status := <-updates:
			c.SSEvent(statusEventName, status)
			c.Writer.Flush()
		case <-heartbeat.C:
			c.SSEvent(heartbeatEventName, gin.H{"time_s": time.Now().Unix()})
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) handleSync(c *gin.Context) {
	if c.Query("wait") != "true" {
		h.coordinator.Nudge()
		c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
		return
	}

	result, err := h.coordinator.SyncNow(c.Request.Context())
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrOffline):
			c.JSON(http.StatusConflict, gin.H{"error": "offline"})
		case errors.Is(err, engine.ErrClosed):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting_down"})
		default:
			h.logger.Error("manual sync failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		}
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleFailedItems(c *gin.Context) {
	items, err := h.coordinator.FailedItems(c.Request.Context())
	if err != nil {
		h.logger.Error("failed item query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue_unavailable"})
		return
	}

	payload := make([]failedItemPayload, 0, len(items))
	for _, item := range items {
		payload = append(payload, failedItemPayload{
			ID:                   item.ID,
			EntityType:           item.EntityType,
			EntityID:             item.EntityID,
			Operation:            item.Operation,
			RetryCount:           item.RetryCount,
			LastError:            item.LastError,
			CreatedAtSeconds:     item.CreatedAtSeconds,
			LastAttemptAtSeconds: item.LastAttemptAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": payload})
}

func (h *httpHandler) handleRetryItem(c *gin.Context) {
	itemID, ok := h.parseItemID(c)
	if !ok {
		return
	}
	if err := h.coordinator.RetryItem(c.Request.Context(), itemID); err != nil {
		h.respondQueueError(c, err, "retry_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "retry_scheduled"})
}

func (h *httpHandler) handleDiscardItem(c *gin.Context) {
	itemID, ok := h.parseItemID(c)
	if !ok {
		return
	}
	if err := h.coordinator.DiscardItem(c.Request.Context(), itemID); err != nil {
		h.respondQueueError(c, err, "discard_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "discarded"})
}

func (h *httpHandler) handleCreateRecord(c *gin.Context) {
	kind, err := record.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return
	}

	var request createRecordRequest
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	created, err := h.coordinator.CreateRecord(c.Request.Context(), kind, request.ParentID, string(request.Payload))
	if err != nil {
		h.respondRecordError(c, err, "create_failed")
		return
	}
	c.JSON(http.StatusCreated, newRecordPayload(created))
}

func (h *httpHandler) handleGetRecord(c *gin.Context) {
	kind, err := record.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return
	}

	stored, err := h.coordinator.GetRecord(c.Request.Context(), kind, c.Param("id"))
	if err != nil {
		h.respondRecordError(c, err, "read_failed")
		return
	}
	c.JSON(http.StatusOK, newRecordPayload(stored))
}

func (h *httpHandler) handleUpdateRecord(c *gin.Context) {
	kind, err := record.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return
	}

	var request updateRecordRequest
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	updated, err := h.coordinator.UpdateRecord(c.Request.Context(), kind, c.Param("id"), string(request.Payload))
	if err != nil {
		h.respondRecordError(c, err, "update_failed")
		return
	}
	c.JSON(http.StatusOK, newRecordPayload(updated))
}

func (h *httpHandler) handleDeleteRecord(c *gin.Context) {
	kind, err := record.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return
	}

	if err := h.coordinator.DeleteRecord(c.Request.Context(), kind, c.Param("id")); err != nil {
		h.respondRecordError(c, err, "delete_failed")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) parseItemID(c *gin.Context) (int64, bool) {
	itemID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_item_id"})
		return 0, false
	}
	return itemID, true
}

func (h *httpHandler) respondQueueError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, queue.ErrNotFailed):
		c.JSON(http.StatusConflict, gin.H{"error": "not_failed"})
	default:
		h.logger.Error("queue operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

func (h *httpHandler) respondRecordError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, record.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, record.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
	case errors.Is(err, record.ErrParentRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "parent_required"})
	case errors.Is(err, record.ErrInvalidKind):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
	default:
		h.logger.Error("record operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
