package server

import (
	"encoding/json"

	"github.com/AlexMercedCoder/mylocalnotes/internal/notes"
)

type loginRequestPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	WorkspaceID string `json:"workspace_id"`
}

type pagePayload struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	ParentID    *string        `json:"parent_id"`
	DatabaseID  *string        `json:"database_id,omitempty"`
	Title       string         `json:"title"`
	Properties  map[string]any `json:"properties,omitempty"`
	Icon        string         `json:"icon,omitempty"`
	Cover       string         `json:"cover,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
	DeletedAt   *int64         `json:"deleted_at,omitempty"`
}

func newPagePayload(page notes.Page) pagePayload {
	return pagePayload{
		ID:          page.ID,
		WorkspaceID: page.WorkspaceID,
		ParentID:    page.ParentID,
		DatabaseID:  page.DatabaseID,
		Title:       page.Title,
		Properties:  page.Properties,
		Icon:        page.Icon,
		Cover:       page.Cover,
		CreatedAt:   page.CreatedAtMillis,
		UpdatedAt:   page.UpdatedAtMillis,
		DeletedAt:   page.DeletedAtMillis,
	}
}

func newPagePayloads(pages []notes.Page) []pagePayload {
	payloads := make([]pagePayload, 0, len(pages))
	for _, page := range pages {
		payloads = append(payloads, newPagePayload(page))
	}
	return payloads
}

type createPageRequestPayload struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	ParentID   *string        `json:"parent_id"`
	DatabaseID string         `json:"database_id"`
	Properties map[string]any `json:"properties"`
	Icon       string         `json:"icon"`
	Cover      string         `json:"cover"`
}

// optionalParent distinguishes an absent parent_id from an explicit null,
// which moves the page to the root.
type optionalParent struct {
	set   bool
	value *string
}

func (p *optionalParent) UnmarshalJSON(data []byte) error {
	p.set = true
	return json.Unmarshal(data, &p.value)
}

type updatePageRequestPayload struct {
	Title    *string        `json:"title"`
	Icon     *string        `json:"icon"`
	Cover    *string        `json:"cover"`
	ParentID optionalParent `json:"parent_id"`
}

type pagePropertiesRequestPayload struct {
	Properties map[string]any `json:"properties"`
}

type blockPayload struct {
	ID          string          `json:"id"`
	PageID      string          `json:"page_id"`
	Type        string          `json:"type"`
	Content     json.RawMessage `json:"content"`
	IsSensitive bool            `json:"is_sensitive"`
	Position    int             `json:"position"`
	CreatedAt   int64           `json:"created_at"`
	UpdatedAt   int64           `json:"updated_at"`
	Error       bool            `json:"error,omitempty"`
}

func newBlockPayload(block notes.Block) blockPayload {
	return blockPayload{
		ID:          block.ID.String(),
		PageID:      block.PageID.String(),
		Type:        block.Type,
		Content:     block.Content,
		IsSensitive: block.IsSensitive,
		Position:    block.Position,
		CreatedAt:   block.CreatedAtMillis,
		UpdatedAt:   block.UpdatedAtMillis,
		Error:       block.Error,
	}
}

func newBlockPayloads(blocks []notes.Block) []blockPayload {
	payloads := make([]blockPayload, 0, len(blocks))
	for _, block := range blocks {
		payloads = append(payloads, newBlockPayload(block))
	}
	return payloads
}

type saveBlockRequestPayload struct {
	ID          string          `json:"id"`
	PageID      string          `json:"page_id"`
	Type        string          `json:"type"`
	Content     json.RawMessage `json:"content"`
	IsSensitive bool            `json:"is_sensitive"`
	Position    *int            `json:"position"`
}

type snapshotBlockPayload struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Content     json.RawMessage `json:"content"`
	IsSensitive *bool           `json:"is_sensitive"`
}

type reconcileRequestPayload struct {
	Blocks []snapshotBlockPayload `json:"blocks"`
}

type reconcileResponsePayload struct {
	Created   int            `json:"created"`
	Updated   int            `json:"updated"`
	Deleted   int            `json:"deleted"`
	Unchanged int            `json:"unchanged"`
	Blocks    []blockPayload `json:"blocks"`
}

type databasePayload struct {
	ID         string                     `json:"id"`
	Title      string                     `json:"title"`
	Properties []notes.PropertyDefinition `json:"properties"`
	CreatedAt  int64                      `json:"created_at"`
	UpdatedAt  int64                      `json:"updated_at"`
}

func newDatabasePayload(schema notes.DatabaseSchema) databasePayload {
	properties := []notes.PropertyDefinition(schema.Properties)
	if properties == nil {
		properties = []notes.PropertyDefinition{}
	}
	return databasePayload{
		ID:         schema.ID,
		Title:      schema.Title,
		Properties: properties,
		CreatedAt:  schema.CreatedAtMillis,
		UpdatedAt:  schema.UpdatedAtMillis,
	}
}

type createDatabaseRequestPayload struct {
	Title      string                     `json:"title"`
	ParentID   *string                    `json:"parent_id"`
	Properties []notes.PropertyDefinition `json:"properties"`
}

type createDatabaseResponsePayload struct {
	Page     pagePayload     `json:"page"`
	Database databasePayload `json:"database"`
}

type searchResponsePayload struct {
	Pages  []pagePayload  `json:"pages"`
	Blocks []blockPayload `json:"blocks"`
}

type sessionEventPayload struct {
	WorkspaceID string `json:"workspace_id"`
	Generation  uint64 `json:"generation"`
	Timestamp   int64  `json:"timestamp"`
}
