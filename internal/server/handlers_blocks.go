package server

import (
	"net/http"

	"github.com/AlexMercedCoder/mylocalnotes/internal/notes"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) handleListBlocks(c *gin.Context) {
	pageID, ok := h.pathPageID(c)
	if !ok {
		return
	}
	blocks, err := h.notesService.ListBlocks(c.Request.Context(), pageID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocks": newBlockPayloads(blocks)})
}

func (h *httpHandler) handleSaveBlock(c *gin.Context) {
	var request saveBlockRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	pageID, err := notes.NewPageID(request.PageID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	input := notes.BlockInput{
		PageID:      pageID,
		Type:        request.Type,
		Content:     request.Content,
		IsSensitive: request.IsSensitive,
		Position:    request.Position,
	}
	if request.ID != "" {
		id, idErr := notes.NewBlockID(request.ID)
		if idErr != nil {
			h.respondError(c, idErr)
			return
		}
		input.ID = id
	}

	block, err := h.notesService.SaveBlock(c.Request.Context(), input)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newBlockPayload(block))
}

func (h *httpHandler) handleDeleteBlock(c *gin.Context) {
	id, err := notes.NewBlockID(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	deleted, err := h.notesService.DeleteBlock(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "block_not_found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleReconcileBlocks applies the editor's full block list for a page and
// answers with the resulting blocks.
func (h *httpHandler) handleReconcileBlocks(c *gin.Context) {
	pageID, ok := h.pathPageID(c)
	if !ok {
		return
	}
	var request reconcileRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	snapshot := make([]notes.SnapshotBlock, 0, len(request.Blocks))
	for _, item := range request.Blocks {
		block := notes.SnapshotBlock{
			Type:      item.Type,
			Content:   item.Content,
			Sensitive: item.IsSensitive,
		}
		if item.ID != "" {
			id, err := notes.NewBlockID(item.ID)
			if err != nil {
				h.respondError(c, err)
				return
			}
			block.ID = id
		}
		snapshot = append(snapshot, block)
	}

	result, err := h.notesService.ReconcileBlocks(c.Request.Context(), pageID, snapshot)
	if err != nil {
		h.logger.Warn("block reconciliation failed", zap.String("page_id", pageID.String()), zap.Error(err))
		h.respondError(c, err)
		return
	}
	blocks, err := h.notesService.ListBlocks(c.Request.Context(), pageID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, reconcileResponsePayload{
		Created:   result.Created,
		Updated:   result.Updated,
		Deleted:   result.Deleted,
		Unchanged: result.Unchanged,
		Blocks:    newBlockPayloads(blocks),
	})
}
