package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/fieldcare/internal/apperr"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/query"
	"github.com/MarcoPoloResearchLab/fieldcare/internal/resource"
	"github.com/gin-gonic/gin"
)

func kindParam(c *gin.Context) (resource.Kind, error) {
	raw := c.Param("type")
	kind, ok := resource.ParseKind(raw)
	if !ok {
		return "", apperr.NotFoundf("unknown type %q", raw)
	}
	return kind, nil
}

func singleID(c *gin.Context) (string, error) {
	ids := query.SplitIDs(c.Param("ids"))
	if len(ids) != 1 {
		return "", apperr.BadRequestf("exactly one id is required, got %d", len(ids))
	}
	return ids[0], nil
}

func (h *httpHandler) handleIndex(c *gin.Context) {
	kind, err := kindParam(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	ctx := c.Request.Context()

	if kind.Scope() == resource.ScopeSyncMetadata {
		all, err := h.syncQueue.ListMetadata(ctx)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, query.Collection{Offset: 0, Count: int64(len(all)), Data: all})
		return
	}

	request, err := query.ParseRequest(kind, c.Request.URL.Query())
	if err != nil {
		h.respondError(c, err)
		return
	}
	collection, err := h.queries.Index(ctx, request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, collection)
}

func (h *httpHandler) handleView(c *gin.Context) {
	ids := query.SplitIDs(c.Param("ids"))
	if len(ids) == 0 {
		h.respondError(c, apperr.BadRequestf("at least one id is required"))
		return
	}
	ctx := c.Request.Context()

	if grouping, ok := resource.ParseGrouping(c.Param("type")); ok {
		projections, err := h.queries.Measurements(ctx, grouping, ids)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": projections})
		return
	}

	kind, err := kindParam(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if kind.Scope() == resource.ScopeSyncMetadata {
		found, err := h.syncQueue.GetMetadata(ctx, ids)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, records(found...))
		return
	}

	found, err := h.queries.View(ctx, kind, ids)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, records(found...))
}

func (h *httpHandler) handleCreate(c *gin.Context) {
	kind, err := kindParam(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload, err := readRecord(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	ctx := c.Request.Context()

	if kind.Scope() == resource.ScopeSyncMetadata {
		uuid := payload.String("uuid")
		if uuid == "" {
			h.respondError(c, apperr.BadRequestf("sync metadata requires a uuid"))
			return
		}
		stored, err := h.syncQueue.PutMetadata(ctx, uuid, payload)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, records(stored))
		return
	}

	created, err := h.mutations.Create(ctx, kind, payload)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("Location", "/sw/nodes/"+kind.String()+"/"+created.String("uuid"))
	c.JSON(http.StatusCreated, records(created))
}

func (h *httpHandler) handleReplace(c *gin.Context) {
	kind, err := kindParam(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	id, err := singleID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload, err := readRecord(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	ctx := c.Request.Context()

	if kind.Scope() == resource.ScopeSyncMetadata {
		stored, err := h.syncQueue.PutMetadata(ctx, id, payload)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, records(stored))
		return
	}

	replaced, err := h.mutations.Replace(ctx, kind, id, payload)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, records(replaced))
}

func (h *httpHandler) handlePatch(c *gin.Context) {
	kind, err := kindParam(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	id, err := singleID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	partial, err := readRecord(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	ctx := c.Request.Context()

	if kind.Scope() == resource.ScopeSyncMetadata {
		merged, err := h.syncQueue.PatchMetadata(ctx, id, partial)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, records(merged))
		return
	}

	updated, err := h.mutations.Patch(ctx, kind, id, partial)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, records(updated))
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	kind, err := kindParam(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	id, err := singleID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	ctx := c.Request.Context()

	if kind.Scope() == resource.ScopeSyncMetadata {
		err = h.syncQueue.DeleteMetadata(ctx, id)
	} else {
		err = h.mutations.SoftDelete(ctx, kind, id)
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
