package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fieldcare/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/changefeed"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/mutation"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/query"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/resource"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/syncqueue"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxIngestBytes = 64 << 20

type attemptPayload struct {
	Tag string `json:"tag"`
}

type photoUploadedPayload struct {
	FileID *int64 `json:"fileId"`
}

type deferredAttemptsPayload struct {
	Attempts *int64 `json:"attempts"`
}

func scopeParam(c *gin.Context) (resource.Scope, error) {
	scope, err := resource.ParseScope(c.Param("scope"))
	if err != nil {
		return 0, apperr.NotFoundf("unknown scope %q", c.Param("scope"))
	}
	return scope, nil
}

func (h *httpHandler) handleIngest(c *gin.Context) {
	decoder := json.NewDecoder(http.MaxBytesReader(c.Writer, c.Request.Body, maxIngestBytes))
	decoder.UseNumber()
	var batch mutation.Batch
	if err := decoder.Decode(&batch); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondError(c, bodyError(err))
			return
		}
		h.respondError(c, apperr.BadRequestf("invalid ingest payload: %v", err))
		return
	}

	result, err := h.mutations.Ingest(c.Request.Context(), batch)
	if err != nil && len(result.Failed) > 0 {
		c.JSON(http.StatusMultiStatus, result)
		return
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleSetAttempt(c *gin.Context) {
	var payload attemptPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		h.respondError(c, apperr.BadRequestf("invalid attempt payload: %v", err))
		return
	}
	tag, err := syncqueue.ParseAttemptTag(payload.Tag)
	if err != nil {
		h.respondError(c, err)
		return
	}
	updated, err := h.syncQueue.SetAttempt(c.Request.Context(), c.Param("uuid"), tag)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, records(updated))
}

func (h *httpHandler) handleListChanges(c *gin.Context) {
	scope, err := scopeParam(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	after, err := queryInt64(c, "after")
	if err != nil {
		h.respondError(c, err)
		return
	}
	limit, err := queryInt64(c, "limit")
	if err != nil {
		h.respondError(c, err)
		return
	}

	changes, err := h.mutations.ListChanges(c.Request.Context(), scope, after, int(limit), strings.TrimSpace(c.Query("shard")))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": changes})
}

func (h *httpHandler) handleConfirmChanges(c *gin.Context) {
	scope, err := scopeParam(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	raw := query.SplitIDs(c.Param("ids"))
	localIDs := make([]int64, 0, len(raw))
	for _, value := range raw {
		localID, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			h.respondError(c, apperr.BadRequestf("invalid local id %q", value))
			return
		}
		localIDs = append(localIDs, localID)
	}

	removed, err := h.mutations.ConfirmChanges(c.Request.Context(), scope, localIDs)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (h *httpHandler) handlePendingPhotoUploads(c *gin.Context) {
	scope, err := scopeParam(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	uploads, err := h.mutations.PendingPhotoUploads(c.Request.Context(), scope)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": uploads})
}

func (h *httpHandler) handleMarkPhotoUploaded(c *gin.Context) {
	scope, err := scopeParam(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	localID, err := strconv.ParseInt(c.Param("localId"), 10, 64)
	if err != nil {
		h.respondError(c, apperr.BadRequestf("invalid local id %q", c.Param("localId")))
		return
	}
	var payload photoUploadedPayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.FileID == nil {
		h.respondError(c, apperr.BadRequestf("fileId is required"))
		return
	}

	if err := h.mutations.MarkPhotoUploaded(c.Request.Context(), scope, localID, *payload.FileID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleNextDeferredPhoto(c *gin.Context) {
	photo, err := h.syncQueue.NextDeferredPhoto(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": []syncqueue.DeferredPhoto{photo}})
}

func (h *httpHandler) handleUpdateDeferredPhoto(c *gin.Context) {
	var payload deferredAttemptsPayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.Attempts == nil {
		h.respondError(c, apperr.BadRequestf("attempts is required"))
		return
	}
	if err := h.syncQueue.UpdateDeferredPhotoAttempts(c.Request.Context(), c.Param("uuid"), *payload.Attempts); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRemoveDeferredPhoto(c *gin.Context) {
	if err := h.syncQueue.RemoveDeferredPhoto(c.Request.Context(), c.Param("uuid")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handlePopulatePhoto(c *gin.Context) {
	target := strings.TrimSpace(c.Query("url"))
	if target == "" {
		h.respondError(c, apperr.BadRequestf("url is required"))
		return
	}
	info, err := h.attachments.Populate(c.Request.Context(), target)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": info})
}

// handleEvents streams change notifications as server-sent events until the
// client disconnects.
func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.changeFeed.Subscribe(ctx)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	driver := c.GetString(driverContextKey)
	h.logger.Debug("change feed subscribed", zap.String("driver", driver))
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(event.Type, event)
			c.Writer.Flush()
		case now := <-heartbeat.C:
			c.SSEvent(changefeed.EventHeartbeat, changefeed.Event{Type: changefeed.EventHeartbeat, Timestamp: now.UTC()})
			c.Writer.Flush()
		}
	}
}
