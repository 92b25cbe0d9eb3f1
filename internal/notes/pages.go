package notes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/AlexMercedCoder/mylocalnotes/internal/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultPageTitle = "Untitled"

// PageInput describes a page to create or overwrite.
type PageInput struct {
	ID         PageID
	Title      string
	Parent     Parent
	DatabaseID SchemaID
	Properties map[string]any
	Icon       string
	Cover      string
}

// PageUpdate describes a partial page update. Nil fields are left untouched.
type PageUpdate struct {
	Title  *string
	Icon   *string
	Cover  *string
	Parent *Parent
}

// CreatePage upserts a page in the active workspace. The workspace is always
// taken from the session.
func (service *Service) CreatePage(ctx context.Context, input PageInput) (Page, error) {
	scope, err := service.scope(ctx, opCreatePage)
	if err != nil {
		return Page{}, err
	}

	var created Page
	err = service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		page, putErr := service.putPage(tx, opCreatePage, scope, input)
		created = page
		return putErr
	})
	if err != nil {
		return Page{}, err
	}
	return created, nil
}

// GetPage returns the page, or nil when it is absent from the active workspace.
func (service *Service) GetPage(ctx context.Context, id PageID) (*Page, error) {
	scope, err := service.scope(ctx, opGetPage)
	if err != nil {
		return nil, err
	}
	page, err := service.findPage(service.db.WithContext(ctx), scope, id)
	if err != nil {
		return nil, service.fail(opGetPage, reasonQueryFailed, err, zap.String(fieldPageID, id.String()))
	}
	return page, nil
}

// UpdatePage applies a partial update and bumps updatedAt. It returns nil when
// the page is absent from the active workspace.
func (service *Service) UpdatePage(ctx context.Context, id PageID, update PageUpdate) (*Page, error) {
	scope, err := service.scope(ctx, opUpdatePage)
	if err != nil {
		return nil, err
	}

	var updated *Page
	err = service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		page, findErr := service.findPage(tx, scope, id)
		if findErr != nil {
			return service.fail(opUpdatePage, reasonQueryFailed, findErr, zap.String(fieldPageID, id.String()))
		}
		if page == nil {
			return nil
		}

		if update.Title != nil {
			page.Title = normalizeTitle(*update.Title)
		}
		if update.Icon != nil {
			page.Icon = strings.TrimSpace(*update.Icon)
		}
		if update.Cover != nil {
			page.Cover = strings.TrimSpace(*update.Cover)
		}
		if update.Parent != nil {
			if parentErr := service.checkParent(tx, opUpdatePage, scope, id, *update.Parent, true); parentErr != nil {
				return parentErr
			}
			page.ParentID = update.Parent.column()
		}
		page.UpdatedAtMillis = service.nowMillis()

		if saveErr := tx.Save(page).Error; saveErr != nil {
			return service.fail(opUpdatePage, reasonWriteFailed, saveErr, zap.String(fieldPageID, id.String()))
		}
		updated = page
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdatePageProperties replaces a page's row properties. Rows under a database
// page are validated against that database's schema.
func (service *Service) UpdatePageProperties(ctx context.Context, id PageID, properties map[string]any) (*Page, error) {
	scope, err := service.scope(ctx, opUpdatePageProperties)
	if err != nil {
		return nil, err
	}

	var updated *Page
	err = service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		page, findErr := service.findPage(tx, scope, id)
		if findErr != nil {
			return service.fail(opUpdatePageProperties, reasonQueryFailed, findErr, zap.String(fieldPageID, id.String()))
		}
		if page == nil {
			return nil
		}

		schema, schemaErr := service.rowSchema(tx, scope, *page)
		if schemaErr != nil {
			return service.fail(opUpdatePageProperties, reasonQueryFailed, schemaErr, zap.String(fieldPageID, id.String()))
		}
		if schema != nil {
			if validateErr := validateRowProperties(schema.Properties, properties); validateErr != nil {
				return newServiceError(opUpdatePageProperties, reasonInvalidInput, validateErr)
			}
		}

		page.Properties = JSONMap(properties)
		page.UpdatedAtMillis = service.nowMillis()
		if saveErr := tx.Save(page).Error; saveErr != nil {
			return service.fail(opUpdatePageProperties, reasonWriteFailed, saveErr, zap.String(fieldPageID, id.String()))
		}
		updated = page
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListChildren returns the non-trashed pages directly under parent, oldest first.
func (service *Service) ListChildren(ctx context.Context, parent Parent) ([]Page, error) {
	scope, err := service.scope(ctx, opListChildren)
	if err != nil {
		return nil, err
	}
	pages, err := service.children(service.db.WithContext(ctx), scope, parent, false)
	if err != nil {
		return nil, service.fail(opListChildren, reasonQueryFailed, err, zap.String("parent", parent.String()))
	}
	return pages, nil
}

func (service *Service) putPage(tx *gorm.DB, operation string, scope session.Scope, input PageInput) (Page, error) {
	id := input.ID
	if id == "" {
		generated, err := service.newPageID()
		if err != nil {
			return Page{}, service.fail(operation, reasonIDGeneration, err)
		}
		id = generated
	} else {
		validated, err := NewPageID(id.String())
		if err != nil {
			return Page{}, newServiceError(operation, reasonInvalidInput, err)
		}
		id = validated
	}

	var existing Page
	found := true
	if err := tx.Where("id = ?", id.String()).Take(&existing).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		found = false
	} else if err != nil {
		return Page{}, service.fail(operation, reasonQueryFailed, err, zap.String(fieldPageID, id.String()))
	}
	if found && existing.WorkspaceID != scope.WorkspaceID {
		return Page{}, newServiceError(operation, reasonIDConflict, fmt.Errorf("%w: page %s", ErrIDConflict, id))
	}

	if err := service.checkParent(tx, operation, scope, id, input.Parent, found); err != nil {
		return Page{}, err
	}

	var databaseID *string
	if input.DatabaseID != "" {
		schema, err := service.findSchema(tx, scope, input.DatabaseID)
		if err != nil {
			return Page{}, service.fail(operation, reasonQueryFailed, err, zap.String(fieldSchemaID, input.DatabaseID.String()))
		}
		if schema == nil {
			return Page{}, newServiceError(operation, reasonSchemaNotFound, fmt.Errorf("%w: %s", ErrSchemaNotFound, input.DatabaseID))
		}
		value := input.DatabaseID.String()
		databaseID = &value
	}

	now := service.nowMillis()
	page := Page{
		ID:              id.String(),
		WorkspaceID:     scope.WorkspaceID,
		ParentID:        input.Parent.column(),
		DatabaseID:      databaseID,
		Title:           normalizeTitle(input.Title),
		Properties:      JSONMap(input.Properties),
		Icon:            strings.TrimSpace(input.Icon),
		Cover:           strings.TrimSpace(input.Cover),
		CreatedAtMillis: now,
		UpdatedAtMillis: now,
	}

	var writeErr error
	if found {
		page.CreatedAtMillis = existing.CreatedAtMillis
		page.DeletedAtMillis = existing.DeletedAtMillis
		writeErr = tx.Save(&page).Error
	} else {
		writeErr = tx.Create(&page).Error
	}
	if writeErr != nil {
		return Page{}, service.fail(operation, reasonWriteFailed, writeErr, zap.String(fieldPageID, id.String()))
	}
	return page, nil
}

// checkParent verifies that parent exists in the workspace and, for pages that
// already exist, that attaching id under it keeps the hierarchy a forest.
func (service *Service) checkParent(tx *gorm.DB, operation string, scope session.Scope, id PageID, parent Parent, existing bool) error {
	parentID, ok := parent.PageID()
	if !ok {
		return nil
	}
	if parentID == id {
		return newServiceError(operation, reasonCycle, ErrPageCycle)
	}
	parentPage, err := service.findPage(tx, scope, parentID)
	if err != nil {
		return service.fail(operation, reasonQueryFailed, err, zap.String(fieldPageID, parentID.String()))
	}
	if parentPage == nil {
		return newServiceError(operation, reasonPageNotFound, fmt.Errorf("%w: parent %s", ErrPageNotFound, parentID))
	}
	if !existing {
		return nil
	}
	path, err := service.ancestors(tx, scope, parentID)
	if err != nil {
		return service.fail(operation, reasonQueryFailed, err, zap.String(fieldPageID, parentID.String()))
	}
	if slices.ContainsFunc(path, func(page Page) bool { return page.ID == id.String() }) {
		return newServiceError(operation, reasonCycle, ErrPageCycle)
	}
	return nil
}

func (service *Service) findPage(tx *gorm.DB, scope session.Scope, id PageID) (*Page, error) {
	if id == "" {
		return nil, nil
	}
	var page Page
	err := tx.Where(queryWorkspaceID, scope.WorkspaceID, id.String()).Take(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &page, nil
}

func (service *Service) children(tx *gorm.DB, scope session.Scope, parent Parent, includeTrashed bool) ([]Page, error) {
	query := tx.Model(&Page{})
	if parentID, ok := parent.PageID(); ok {
		query = query.Where(queryWorkspaceParent, scope.WorkspaceID, parentID.String())
	} else {
		query = query.Where(queryRootParent, scope.WorkspaceID)
	}
	if !includeTrashed {
		query = query.Where(queryNotTrashed)
	}
	pages := []Page{}
	if err := query.Order(orderCreated).Find(&pages).Error; err != nil {
		return nil, err
	}
	return pages, nil
}

func (service *Service) rowSchema(tx *gorm.DB, scope session.Scope, page Page) (*DatabaseSchema, error) {
	parentID, ok := page.Parent().PageID()
	if !ok {
		return nil, nil
	}
	parent, err := service.findPage(tx, scope, parentID)
	if err != nil || parent == nil || !parent.IsDatabase() {
		return nil, err
	}
	return service.findSchema(tx, scope, SchemaID(*parent.DatabaseID))
}

func validateRowProperties(definitions PropertyDefinitions, properties map[string]any) error {
	for name, value := range properties {
		definition, ok := definitions.Lookup(name)
		if !ok {
			return fmt.Errorf("%w: unknown property %q", ErrInvalidProperty, name)
		}
		if value == nil {
			continue
		}
		switch definition.Type {
		case PropertyTypeSelect:
			selected, isString := value.(string)
			if !isString {
				return fmt.Errorf("%w: %q expects a string option", ErrInvalidProperty, name)
			}
			if selected != "" && !slices.Contains(definition.Options, selected) {
				return fmt.Errorf("%w: %q is not an option of %q", ErrInvalidProperty, selected, name)
			}
		case PropertyTypeText, PropertyTypeDate:
			if _, isString := value.(string); !isString {
				return fmt.Errorf("%w: %q expects a string", ErrInvalidProperty, name)
			}
		case PropertyTypeNumber:
			switch value.(type) {
			case float64, float32, int, int64, json.Number:
			default:
				return fmt.Errorf("%w: %q expects a number", ErrInvalidProperty, name)
			}
		case PropertyTypeCheckbox:
			if _, isBool := value.(bool); !isBool {
				return fmt.Errorf("%w: %q expects a boolean", ErrInvalidProperty, name)
			}
		}
	}
	return nil
}

func normalizeTitle(title string) string {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return defaultPageTitle
	}
	return trimmed
}
