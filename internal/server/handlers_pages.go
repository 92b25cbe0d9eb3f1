package server

import (
	"net/http"

	"github.com/AlexMercedCoder/mylocalnotes/internal/notes"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) handleListChildren(c *gin.Context) {
	parent, ok := h.queryParent(c)
	if !ok {
		return
	}
	pages, err := h.notesService.ListChildren(c.Request.Context(), parent)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pages": newPagePayloads(pages)})
}

func (h *httpHandler) handleCreatePage(c *gin.Context) {
	var request createPageRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	parent, err := parentFromPayload(request.ParentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	input := notes.PageInput{
		Title:      request.Title,
		Parent:     parent,
		DatabaseID: notes.SchemaID(request.DatabaseID),
		Properties: request.Properties,
		Icon:       request.Icon,
		Cover:      request.Cover,
	}
	if request.ID != "" {
		id, idErr := notes.NewPageID(request.ID)
		if idErr != nil {
			h.respondError(c, idErr)
			return
		}
		input.ID = id
	}

	page, err := h.notesService.CreatePage(c.Request.Context(), input)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newPagePayload(page))
}

func (h *httpHandler) handleGetPage(c *gin.Context) {
	id, ok := h.pathPageID(c)
	if !ok {
		return
	}
	page, err := h.notesService.GetPage(c.Request.Context(), id)
	h.respondPage(c, page, err)
}

func (h *httpHandler) handleUpdatePage(c *gin.Context) {
	id, ok := h.pathPageID(c)
	if !ok {
		return
	}
	var request updatePageRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	update := notes.PageUpdate{
		Title: request.Title,
		Icon:  request.Icon,
		Cover: request.Cover,
	}
	if request.ParentID.set {
		parent, err := parentFromPayload(request.ParentID.value)
		if err != nil {
			h.respondError(c, err)
			return
		}
		update.Parent = &parent
	}
	page, err := h.notesService.UpdatePage(c.Request.Context(), id, update)
	h.respondPage(c, page, err)
}

func (h *httpHandler) handleUpdatePageProperties(c *gin.Context) {
	id, ok := h.pathPageID(c)
	if !ok {
		return
	}
	var request pagePropertiesRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	page, err := h.notesService.UpdatePageProperties(c.Request.Context(), id, request.Properties)
	h.respondPage(c, page, err)
}

func (h *httpHandler) handlePagePath(c *gin.Context) {
	id, ok := h.pathPageID(c)
	if !ok {
		return
	}
	path, err := h.notesService.PagePath(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pages": newPagePayloads(path)})
}

func (h *httpHandler) handleTrashPage(c *gin.Context) {
	id, ok := h.pathPageID(c)
	if !ok {
		return
	}
	page, err := h.notesService.TrashPage(c.Request.Context(), id)
	h.respondPage(c, page, err)
}

func (h *httpHandler) handleRestorePage(c *gin.Context) {
	id, ok := h.pathPageID(c)
	if !ok {
		return
	}
	page, err := h.notesService.RestorePage(c.Request.Context(), id)
	h.respondPage(c, page, err)
}

func (h *httpHandler) handlePurgePage(c *gin.Context) {
	id, ok := h.pathPageID(c)
	if !ok {
		return
	}
	purged, err := h.notesService.PurgePage(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !purged {
		c.JSON(http.StatusNotFound, gin.H{"error": "page_not_found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListTrash(c *gin.Context) {
	pages, err := h.notesService.ListTrash(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pages": newPagePayloads(pages)})
}

func (h *httpHandler) respondPage(c *gin.Context, page *notes.Page, err error) {
	if err != nil {
		h.respondError(c, err)
		return
	}
	if page == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "page_not_found"})
		return
	}
	c.JSON(http.StatusOK, newPagePayload(*page))
}

func (h *httpHandler) pathPageID(c *gin.Context) (notes.PageID, bool) {
	id, err := notes.NewPageID(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return "", false
	}
	return id, true
}

// queryParent reads ?parent_id=; an absent or empty value is the root.
func (h *httpHandler) queryParent(c *gin.Context) (notes.Parent, bool) {
	raw := c.Query("parent_id")
	parent, err := parentFromPayload(&raw)
	if err != nil {
		h.respondError(c, err)
		return notes.Parent{}, false
	}
	return parent, true
}

func parentFromPayload(raw *string) (notes.Parent, error) {
	if raw == nil || *raw == "" {
		return notes.RootParent(), nil
	}
	id, err := notes.NewPageID(*raw)
	if err != nil {
		return notes.Parent{}, err
	}
	return notes.ChildOf(id), nil
}
