package notes

import (
	"context"
	"slices"

	"github.com/AlexMercedCoder/mylocalnotes/internal/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const queryBlocksOfPages = "workspace_id = ? AND parent_id IN ?"

// PagePath returns the chain from the topmost ancestor down to the page itself.
// The walk stops at the root, at an ancestor missing from the workspace, or on
// a repeated id. An absent page yields an empty path.
func (service *Service) PagePath(ctx context.Context, id PageID) ([]Page, error) {
	scope, err := service.scope(ctx, opPagePath)
	if err != nil {
		return nil, err
	}
	path, err := service.ancestors(service.db.WithContext(ctx), scope, id)
	if err != nil {
		return nil, service.fail(opPagePath, reasonQueryFailed, err, zap.String(fieldPageID, id.String()))
	}
	return path, nil
}

// TrashPage soft-deletes a page. Descendants keep their state and are hidden
// through their trashed ancestor.
func (service *Service) TrashPage(ctx context.Context, id PageID) (*Page, error) {
	return service.setTrashed(ctx, opTrashPage, id, true)
}

// RestorePage clears the trash marker. A page whose parent no longer exists is
// reattached to the root.
func (service *Service) RestorePage(ctx context.Context, id PageID) (*Page, error) {
	return service.setTrashed(ctx, opRestorePage, id, false)
}

func (service *Service) setTrashed(ctx context.Context, operation string, id PageID, trashed bool) (*Page, error) {
	scope, err := service.scope(ctx, operation)
	if err != nil {
		return nil, err
	}

	var result *Page
	err = service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		page, findErr := service.findPage(tx, scope, id)
		if findErr != nil {
			return service.fail(operation, reasonQueryFailed, findErr, zap.String(fieldPageID, id.String()))
		}
		if page == nil {
			return nil
		}

		if trashed {
			if page.IsTrashed() {
				result = page
				return nil
			}
			now := service.nowMillis()
			page.DeletedAtMillis = &now
		} else {
			page.DeletedAtMillis = nil
			if parentID, ok := page.Parent().PageID(); ok {
				parent, parentErr := service.findPage(tx, scope, parentID)
				if parentErr != nil {
					return service.fail(operation, reasonQueryFailed, parentErr, zap.String(fieldPageID, parentID.String()))
				}
				if parent == nil {
					page.ParentID = nil
				}
			}
		}

		if saveErr := tx.Save(page).Error; saveErr != nil {
			return service.fail(operation, reasonWriteFailed, saveErr, zap.String(fieldPageID, id.String()))
		}
		result = page
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PurgePage hard-deletes a page together with its descendants and every block
// they own. Database schemas left without a root page are removed as well.
func (service *Service) PurgePage(ctx context.Context, id PageID) (bool, error) {
	scope, err := service.scope(ctx, opPurgePage)
	if err != nil {
		return false, err
	}

	purged := false
	err = service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		page, findErr := service.findPage(tx, scope, id)
		if findErr != nil {
			return service.fail(opPurgePage, reasonQueryFailed, findErr, zap.String(fieldPageID, id.String()))
		}
		if page == nil {
			return nil
		}

		subtree, walkErr := service.subtree(tx, scope, *page)
		if walkErr != nil {
			return service.fail(opPurgePage, reasonQueryFailed, walkErr, zap.String(fieldPageID, id.String()))
		}

		ids := make([]string, 0, len(subtree))
		schemaIDs := make([]string, 0)
		for _, node := range subtree {
			ids = append(ids, node.ID)
			if node.IsDatabase() {
				schemaIDs = append(schemaIDs, *node.DatabaseID)
			}
		}

		if deleteErr := tx.Where(queryBlocksOfPages, scope.WorkspaceID, ids).Delete(&BlockRecord{}).Error; deleteErr != nil {
			return service.fail(opPurgePage, reasonWriteFailed, deleteErr, zap.String(fieldPageID, id.String()))
		}
		if deleteErr := tx.Where(queryWorkspaceIDIn, scope.WorkspaceID, ids).Delete(&Page{}).Error; deleteErr != nil {
			return service.fail(opPurgePage, reasonWriteFailed, deleteErr, zap.String(fieldPageID, id.String()))
		}

		for _, schemaID := range schemaIDs {
			var remaining int64
			if countErr := tx.Model(&Page{}).Where(queryWorkspaceDatabase, scope.WorkspaceID, schemaID).Count(&remaining).Error; countErr != nil {
				return service.fail(opPurgePage, reasonQueryFailed, countErr, zap.String(fieldSchemaID, schemaID))
			}
			if remaining > 0 {
				continue
			}
			if deleteErr := tx.Where(queryWorkspaceID, scope.WorkspaceID, schemaID).Delete(&DatabaseSchema{}).Error; deleteErr != nil {
				return service.fail(opPurgePage, reasonWriteFailed, deleteErr, zap.String(fieldSchemaID, schemaID))
			}
		}

		purged = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return purged, nil
}

// ListTrash returns trashed pages, most recently trashed first.
func (service *Service) ListTrash(ctx context.Context) ([]Page, error) {
	scope, err := service.scope(ctx, opListTrash)
	if err != nil {
		return nil, err
	}
	pages := []Page{}
	err = service.db.WithContext(ctx).
		Where(queryWorkspace, scope.WorkspaceID).
		Where(queryTrashed).
		Order(orderDeletedDesc).
		Find(&pages).Error
	if err != nil {
		return nil, service.fail(opListTrash, reasonQueryFailed, err, zap.String(fieldWorkspaceID, scope.WorkspaceID))
	}
	return pages, nil
}

func (service *Service) ancestors(tx *gorm.DB, scope session.Scope, id PageID) ([]Page, error) {
	path := []Page{}
	visited := make(map[PageID]struct{})
	current := id
	for {
		if _, seen := visited[current]; seen {
			break
		}
		visited[current] = struct{}{}

		page, err := service.findPage(tx, scope, current)
		if err != nil {
			return nil, err
		}
		if page == nil {
			break
		}
		path = append(path, *page)

		parentID, ok := page.Parent().PageID()
		if !ok {
			break
		}
		current = parentID
	}

	slices.Reverse(path)
	return path, nil
}

func (service *Service) subtree(tx *gorm.DB, scope session.Scope, root Page) ([]Page, error) {
	nodes := []Page{root}
	visited := map[string]struct{}{root.ID: {}}
	for index := 0; index < len(nodes); index++ {
		children, err := service.children(tx, scope, ChildOf(PageID(nodes[index].ID)), true)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if _, seen := visited[child.ID]; seen {
				continue
			}
			visited[child.ID] = struct{}{}
			nodes = append(nodes, child)
		}
	}
	return nodes, nil
}
