package server

import (
	"net/http"

	"github.com/AlexMercedCoder/mylocalnotes/internal/notes"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) handleListDatabases(c *gin.Context) {
	schemas, err := h.notesService.ListDatabaseSchemas(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	payloads := make([]databasePayload, 0, len(schemas))
	for _, schema := range schemas {
		payloads = append(payloads, newDatabasePayload(schema))
	}
	c.JSON(http.StatusOK, gin.H{"databases": payloads})
}

func (h *httpHandler) handleCreateDatabase(c *gin.Context) {
	var request createDatabaseRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	parent, err := parentFromPayload(request.ParentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	page, schema, err := h.notesService.CreateDatabasePage(c.Request.Context(), notes.DatabasePageInput{
		Title:      request.Title,
		Parent:     parent,
		Properties: request.Properties,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, createDatabaseResponsePayload{
		Page:     newPagePayload(page),
		Database: newDatabasePayload(schema),
	})
}

func (h *httpHandler) handleGetDatabase(c *gin.Context) {
	id, ok := h.pathSchemaID(c)
	if !ok {
		return
	}
	schema, err := h.notesService.GetDatabaseSchema(c.Request.Context(), id)
	h.respondDatabase(c, schema, err)
}

func (h *httpHandler) handleAddDatabaseProperty(c *gin.Context) {
	id, ok := h.pathSchemaID(c)
	if !ok {
		return
	}
	var property notes.PropertyDefinition
	if err := c.ShouldBindJSON(&property); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	schema, err := h.notesService.AddDatabaseProperty(c.Request.Context(), id, property)
	h.respondDatabase(c, schema, err)
}

func (h *httpHandler) handleListDatabaseRows(c *gin.Context) {
	id, ok := h.pathSchemaID(c)
	if !ok {
		return
	}
	rows, err := h.notesService.ListDatabaseRows(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pages": newPagePayloads(rows)})
}

func (h *httpHandler) handleSearch(c *gin.Context) {
	result, err := h.notesService.Search(c.Request.Context(), c.Query("q"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, searchResponsePayload{
		Pages:  newPagePayloads(result.Pages),
		Blocks: newBlockPayloads(result.Blocks),
	})
}

func (h *httpHandler) respondDatabase(c *gin.Context, schema *notes.DatabaseSchema, err error) {
	if err != nil {
		h.respondError(c, err)
		return
	}
	if schema == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "database_not_found"})
		return
	}
	c.JSON(http.StatusOK, newDatabasePayload(*schema))
}

func (h *httpHandler) pathSchemaID(c *gin.Context) (notes.SchemaID, bool) {
	id, err := notes.NewSchemaID(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return "", false
	}
	return id, true
}
