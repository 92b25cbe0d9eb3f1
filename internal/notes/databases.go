package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/AlexMercedCoder/mylocalnotes/internal/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const queryWorkspaceDatabase = "workspace_id = ? AND database_id = ?"

// SchemaInput describes a database schema to create or overwrite.
type SchemaInput struct {
	ID         SchemaID
	Title      string
	Properties PropertyDefinitions
}

// DatabasePageInput describes a new database and the page that hosts it.
type DatabasePageInput struct {
	Title      string
	Parent     Parent
	Properties PropertyDefinitions
}

// SaveDatabaseSchema upserts a schema in the active workspace.
func (service *Service) SaveDatabaseSchema(ctx context.Context, input SchemaInput) (DatabaseSchema, error) {
	scope, err := service.scope(ctx, opSaveDatabase)
	if err != nil {
		return DatabaseSchema{}, err
	}

	var saved DatabaseSchema
	err = service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		schema, putErr := service.putSchema(tx, opSaveDatabase, scope, input)
		saved = schema
		return putErr
	})
	if err != nil {
		return DatabaseSchema{}, err
	}
	return saved, nil
}

// GetDatabaseSchema returns the schema, or nil when it is absent from the active workspace.
func (service *Service) GetDatabaseSchema(ctx context.Context, id SchemaID) (*DatabaseSchema, error) {
	scope, err := service.scope(ctx, opGetDatabase)
	if err != nil {
		return nil, err
	}
	schema, err := service.findSchema(service.db.WithContext(ctx), scope, id)
	if err != nil {
		return nil, service.fail(opGetDatabase, reasonQueryFailed, err, zap.String(fieldSchemaID, id.String()))
	}
	return schema, nil
}

// ListDatabaseSchemas returns every schema of the active workspace, oldest first.
func (service *Service) ListDatabaseSchemas(ctx context.Context) ([]DatabaseSchema, error) {
	scope, err := service.scope(ctx, opListDatabases)
	if err != nil {
		return nil, err
	}
	schemas := []DatabaseSchema{}
	err = service.db.WithContext(ctx).
		Where(queryWorkspace, scope.WorkspaceID).
		Order(orderCreated).
		Find(&schemas).Error
	if err != nil {
		return nil, service.fail(opListDatabases, reasonQueryFailed, err, zap.String(fieldWorkspaceID, scope.WorkspaceID))
	}
	return schemas, nil
}

// CreateDatabasePage creates a schema and the page that roots it in a single
// transaction. Rows are the root page's children.
func (service *Service) CreateDatabasePage(ctx context.Context, input DatabasePageInput) (Page, DatabaseSchema, error) {
	scope, err := service.scope(ctx, opCreateDatabasePage)
	if err != nil {
		return Page{}, DatabaseSchema{}, err
	}

	var (
		page   Page
		schema DatabaseSchema
	)
	err = service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var putErr error
		schema, putErr = service.putSchema(tx, opCreateDatabasePage, scope, SchemaInput{
			Title:      input.Title,
			Properties: input.Properties,
		})
		if putErr != nil {
			return putErr
		}
		page, putErr = service.putPage(tx, opCreateDatabasePage, scope, PageInput{
			Title:      schema.Title,
			Parent:     input.Parent,
			DatabaseID: SchemaID(schema.ID),
		})
		return putErr
	})
	if err != nil {
		return Page{}, DatabaseSchema{}, err
	}
	return page, schema, nil
}

// AddDatabaseProperty appends a column to an existing schema.
func (service *Service) AddDatabaseProperty(ctx context.Context, id SchemaID, property PropertyDefinition) (*DatabaseSchema, error) {
	scope, err := service.scope(ctx, opAddDatabaseProperty)
	if err != nil {
		return nil, err
	}

	var updated *DatabaseSchema
	err = service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		schema, findErr := service.findSchema(tx, scope, id)
		if findErr != nil {
			return service.fail(opAddDatabaseProperty, reasonQueryFailed, findErr, zap.String(fieldSchemaID, id.String()))
		}
		if schema == nil {
			return nil
		}

		property.Name = strings.TrimSpace(property.Name)
		properties := append(PropertyDefinitions{}, schema.Properties...)
		properties = append(properties, property)
		if validateErr := properties.validate(); validateErr != nil {
			return newServiceError(opAddDatabaseProperty, reasonInvalidInput, validateErr)
		}

		schema.Properties = properties
		schema.UpdatedAtMillis = service.nowMillis()
		if saveErr := tx.Save(schema).Error; saveErr != nil {
			return service.fail(opAddDatabaseProperty, reasonWriteFailed, saveErr, zap.String(fieldSchemaID, id.String()))
		}
		updated = schema
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListDatabaseRows returns the non-trashed rows of a database, oldest first.
func (service *Service) ListDatabaseRows(ctx context.Context, id SchemaID) ([]Page, error) {
	scope, err := service.scope(ctx, opListDatabaseRows)
	if err != nil {
		return nil, err
	}

	tx := service.db.WithContext(ctx)
	roots := []Page{}
	if err := tx.Where(queryWorkspaceDatabase, scope.WorkspaceID, id.String()).Order(orderCreated).Find(&roots).Error; err != nil {
		return nil, service.fail(opListDatabaseRows, reasonQueryFailed, err, zap.String(fieldSchemaID, id.String()))
	}

	rows := []Page{}
	for _, root := range roots {
		children, childErr := service.children(tx, scope, ChildOf(PageID(root.ID)), false)
		if childErr != nil {
			return nil, service.fail(opListDatabaseRows, reasonQueryFailed, childErr, zap.String(fieldSchemaID, id.String()))
		}
		rows = append(rows, children...)
	}
	return rows, nil
}

func (service *Service) putSchema(tx *gorm.DB, operation string, scope session.Scope, input SchemaInput) (DatabaseSchema, error) {
	properties := append(PropertyDefinitions{}, input.Properties...)
	for index := range properties {
		properties[index].Name = strings.TrimSpace(properties[index].Name)
	}
	if err := properties.validate(); err != nil {
		return DatabaseSchema{}, newServiceError(operation, reasonInvalidInput, err)
	}

	id := input.ID
	if id == "" {
		generated, err := service.newSchemaID()
		if err != nil {
			return DatabaseSchema{}, service.fail(operation, reasonIDGeneration, err)
		}
		id = generated
	} else {
		validated, err := NewSchemaID(id.String())
		if err != nil {
			return DatabaseSchema{}, newServiceError(operation, reasonInvalidInput, err)
		}
		id = validated
	}

	var existing DatabaseSchema
	found := true
	if err := tx.Where("id = ?", id.String()).Take(&existing).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		found = false
	} else if err != nil {
		return DatabaseSchema{}, service.fail(operation, reasonQueryFailed, err, zap.String(fieldSchemaID, id.String()))
	}
	if found && existing.WorkspaceID != scope.WorkspaceID {
		return DatabaseSchema{}, newServiceError(operation, reasonIDConflict, fmt.Errorf("%w: database %s", ErrIDConflict, id))
	}

	now := service.nowMillis()
	schema := DatabaseSchema{
		ID:              id.String(),
		WorkspaceID:     scope.WorkspaceID,
		Title:           normalizeTitle(input.Title),
		Properties:      properties,
		CreatedAtMillis: now,
		UpdatedAtMillis: now,
	}

	var writeErr error
	if found {
		schema.CreatedAtMillis = existing.CreatedAtMillis
		writeErr = tx.Save(&schema).Error
	} else {
		writeErr = tx.Create(&schema).Error
	}
	if writeErr != nil {
		return DatabaseSchema{}, service.fail(operation, reasonWriteFailed, writeErr, zap.String(fieldSchemaID, id.String()))
	}
	return schema, nil
}

func (service *Service) findSchema(tx *gorm.DB, scope session.Scope, id SchemaID) (*DatabaseSchema, error) {
	if id == "" {
		return nil, nil
	}
	var schema DatabaseSchema
	err := tx.Where(queryWorkspaceID, scope.WorkspaceID, id.String()).Take(&schema).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &schema, nil
}
