package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/fieldcare/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/attachments"
	"github.com/gin-gonic/gin"
)

const uploadFormField = "file"

func (h *httpHandler) handleCaptureUpload(c *gin.Context) {
	file, header, err := c.Request.FormFile(uploadFormField)
	if err != nil {
		h.respondError(c, apperr.BadRequestf("multipart field %q is required", uploadFormField))
		return
	}
	defer file.Close()

	localURL, info, err := h.attachments.Capture(file, header.Header.Get("Content-Type"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("Location", localURL)
	c.JSON(http.StatusCreated, gin.H{
		"url":         localURL,
		"contentType": info.ContentType,
		"size":        info.Size,
	})
}

func (h *httpHandler) handleServeUpload(c *gin.Context) {
	blob, err := h.attachments.OpenUpload(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	serveBlob(c, blob)
}

func (h *httpHandler) handleServePhoto(c *gin.Context) {
	blob, err := h.attachments.Photo(c.Request.Context(), c.Request.URL.Path)
	if err != nil {
		h.respondError(c, err)
		return
	}
	serveBlob(c, blob)
}

func serveBlob(c *gin.Context, blob attachments.Blob) {
	defer blob.Body.Close()
	contentType := blob.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	cacheStatus := "MISS"
	if blob.Cached {
		cacheStatus = "HIT"
	}
	c.DataFromReader(http.StatusOK, blob.Size, contentType, blob.Body, map[string]string{"X-Cache": cacheStatus})
}
