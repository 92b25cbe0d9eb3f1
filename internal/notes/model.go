package notes

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidPageID indicates that a page identifier is empty or exceeds storage bounds.
	ErrInvalidPageID = errors.New("notes: invalid page id")
	// ErrInvalidBlockID indicates that a block identifier is empty or exceeds storage bounds.
	ErrInvalidBlockID = errors.New("notes: invalid block id")
	// ErrInvalidSchemaID indicates that a database schema identifier is empty or exceeds storage bounds.
	ErrInvalidSchemaID = errors.New("notes: invalid database id")
	// ErrInvalidContent indicates block content that is not a JSON value.
	ErrInvalidContent = errors.New("notes: invalid block content")
	// ErrInvalidSchema indicates a malformed database property list.
	ErrInvalidSchema = errors.New("notes: invalid database schema")
	// ErrInvalidProperty indicates a row property that does not fit its database schema.
	ErrInvalidProperty = errors.New("notes: invalid page property")
)

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// PageID represents a validated page identifier.
type PageID string

// NewPageID validates raw input and returns a PageID.
func NewPageID(rawInput string) (PageID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidPageID)
	return PageID(value), err
}

// String returns the underlying string identifier.
func (id PageID) String() string {
	return string(id)
}

// BlockID represents a validated block identifier.
type BlockID string

// NewBlockID validates raw input and returns a BlockID.
func NewBlockID(rawInput string) (BlockID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidBlockID)
	return BlockID(value), err
}

// String returns the underlying string identifier.
func (id BlockID) String() string {
	return string(id)
}

// SchemaID represents a validated database schema identifier.
type SchemaID string

// NewSchemaID validates raw input and returns a SchemaID.
func NewSchemaID(rawInput string) (SchemaID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidSchemaID)
	return SchemaID(value), err
}

// String returns the underlying string identifier.
func (id SchemaID) String() string {
	return string(id)
}

// Parent locates a page in the hierarchy: either the workspace root or another page.
type Parent struct {
	page PageID
}

// RootParent returns the hierarchy root.
func RootParent() Parent {
	return Parent{}
}

// ChildOf returns a parent reference to an existing page.
func ChildOf(id PageID) Parent {
	return Parent{page: id}
}

// IsRoot reports whether the reference is the hierarchy root.
func (p Parent) IsRoot() bool {
	return p.page == ""
}

// PageID returns the parent page id, or false at the root.
func (p Parent) PageID() (PageID, bool) {
	return p.page, p.page != ""
}

// String renders the parent for logs.
func (p Parent) String() string {
	if p.IsRoot() {
		return "root"
	}
	return p.page.String()
}

func (p Parent) column() *string {
	if p.IsRoot() {
		return nil
	}
	value := p.page.String()
	return &value
}

func parentFromColumn(value *string) Parent {
	if value == nil || *value == "" {
		return RootParent()
	}
	return ChildOf(PageID(*value))
}

// JSONMap stores free-form row properties as a JSON text column.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value any) error {
	raw, ok, err := scanText(value)
	if err != nil || !ok {
		*m = nil
		return err
	}
	return json.Unmarshal(raw, m)
}

// PropertyType enumerates database column types.
type PropertyType string

const (
	PropertyTypeText     PropertyType = "text"
	PropertyTypeSelect   PropertyType = "select"
	PropertyTypeNumber   PropertyType = "number"
	PropertyTypeCheckbox PropertyType = "checkbox"
	PropertyTypeDate     PropertyType = "date"
)

func (t PropertyType) valid() bool {
	switch t {
	case PropertyTypeText, PropertyTypeSelect, PropertyTypeNumber, PropertyTypeCheckbox, PropertyTypeDate:
		return true
	default:
		return false
	}
}

// PropertyDefinition is one typed column of a database.
type PropertyDefinition struct {
	Name    string       `json:"name"`
	Type    PropertyType `json:"type"`
	Options []string     `json:"options,omitempty"`
}

// PropertyDefinitions is the ordered column list persisted as JSON.
type PropertyDefinitions []PropertyDefinition

// Value implements driver.Valuer.
func (d PropertyDefinitions) Value() (driver.Value, error) {
	if d == nil {
		return "[]", nil
	}
	encoded, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

// Scan implements sql.Scanner.
func (d *PropertyDefinitions) Scan(value any) error {
	raw, ok, err := scanText(value)
	if err != nil || !ok {
		*d = PropertyDefinitions{}
		return err
	}
	return json.Unmarshal(raw, d)
}

// Lookup returns the definition with the provided name.
func (d PropertyDefinitions) Lookup(name string) (PropertyDefinition, bool) {
	for _, definition := range d {
		if definition.Name == name {
			return definition, true
		}
	}
	return PropertyDefinition{}, false
}

func (d PropertyDefinitions) validate() error {
	seen := make(map[string]struct{}, len(d))
	for index, definition := range d {
		name := strings.TrimSpace(definition.Name)
		if name == "" {
			return fmt.Errorf("%w: property %d has no name", ErrInvalidSchema, index)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("%w: duplicate property %q", ErrInvalidSchema, name)
		}
		seen[name] = struct{}{}
		if !definition.Type.valid() {
			return fmt.Errorf("%w: property %q has unknown type %q", ErrInvalidSchema, name, definition.Type)
		}
		if definition.Type != PropertyTypeSelect && len(definition.Options) > 0 {
			return fmt.Errorf("%w: property %q cannot carry options", ErrInvalidSchema, name)
		}
	}
	return nil
}

func scanText(value any) ([]byte, bool, error) {
	switch typed := value.(type) {
	case nil:
		return nil, false, nil
	case []byte:
		return typed, len(typed) > 0, nil
	case string:
		return []byte(typed), typed != "", nil
	default:
		return nil, false, fmt.Errorf("notes: unsupported column type %T", value)
	}
}

// Page models a node of the per-workspace page forest.
type Page struct {
	ID              string  `gorm:"column:id;primaryKey;size:190;not null"`
	WorkspaceID     string  `gorm:"column:workspace_id;size:64;not null;index:idx_pages_workspace_parent,priority:1;index:idx_pages_workspace_deleted,priority:1"`
	ParentID        *string `gorm:"column:parent_id;size:190;index:idx_pages_workspace_parent,priority:2"`
	DatabaseID      *string `gorm:"column:database_id;size:190;index:idx_pages_database"`
	Title           string  `gorm:"column:title;type:text;not null;default:''"`
	Properties      JSONMap `gorm:"column:properties;type:text"`
	Icon            string  `gorm:"column:icon;size:190;not null;default:''"`
	Cover           string  `gorm:"column:cover;type:text;not null;default:''"`
	CreatedAtMillis int64   `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64   `gorm:"column:updated_at_ms;not null"`
	DeletedAtMillis *int64  `gorm:"column:deleted_at_ms;index:idx_pages_workspace_deleted,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Page) TableName() string {
	return "pages"
}

// Parent returns the page's position in the hierarchy.
func (p Page) Parent() Parent {
	return parentFromColumn(p.ParentID)
}

// IsTrashed reports whether the page is soft-deleted.
func (p Page) IsTrashed() bool {
	return p.DeletedAtMillis != nil
}

// IsDatabase reports whether the page is the root of a structured database.
func (p Page) IsDatabase() bool {
	return p.DatabaseID != nil && *p.DatabaseID != ""
}

// BlockRecord is the persisted form of a block. Content holds JSON for plain
// blocks and an encrypted envelope for sensitive ones.
type BlockRecord struct {
	ID              string `gorm:"column:id;primaryKey;size:190;not null"`
	WorkspaceID     string `gorm:"column:workspace_id;size:64;not null;index:idx_blocks_workspace_parent,priority:1"`
	PageID          string `gorm:"column:parent_id;size:190;not null;index:idx_blocks_workspace_parent,priority:2"`
	Type            string `gorm:"column:type;size:64;not null"`
	Content         string `gorm:"column:content;type:text;not null"`
	IsSensitive     bool   `gorm:"column:is_sensitive;not null;default:false"`
	Position        int    `gorm:"column:position;not null;default:0"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (BlockRecord) TableName() string {
	return "blocks"
}

// Block is the decrypted view of a block returned to callers.
type Block struct {
	ID              BlockID
	WorkspaceID     string
	PageID          PageID
	Type            string
	Content         json.RawMessage
	IsSensitive     bool
	Position        int
	CreatedAtMillis int64
	UpdatedAtMillis int64
	// Error is set when sensitive content could not be decrypted and Content is a placeholder.
	Error bool
}

// DatabaseSchema defines the typed columns of a structured database.
type DatabaseSchema struct {
	ID              string              `gorm:"column:id;primaryKey;size:190;not null"`
	WorkspaceID     string              `gorm:"column:workspace_id;size:64;not null;index:idx_schemas_workspace"`
	Title           string              `gorm:"column:title;type:text;not null;default:''"`
	Properties      PropertyDefinitions `gorm:"column:properties;type:text;not null"`
	CreatedAtMillis int64               `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64               `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DatabaseSchema) TableName() string {
	return "database_schemas"
}

// Models lists every table the repository owns, for migrations.
func Models() []any {
	return []any{&Page{}, &BlockRecord{}, &DatabaseSchema{}}
}
