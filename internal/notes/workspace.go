package notes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/AlexMercedCoder/mylocalnotes/internal/session"
	"github.com/AlexMercedCoder/mylocalnotes/internal/vault"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	welcomeTitle = "Welcome to My Local Notes"
	// keyCheckLimit bounds how many sealed blocks are tried when checking a key.
	keyCheckLimit = 3
)

var welcomeBlocks = []json.RawMessage{
	json.RawMessage(`{"text":"This is your secure, offline notebook."}`),
	json.RawMessage(`{"text":"Try creating a new page or marking a block as sensitive!"}`),
}

// Login derives credentials and activates the resulting workspace.
func (service *Service) Login(ctx context.Context, username, password string) (session.Scope, error) {
	credentials, err := vault.DeriveWithIterations(username, password, service.kdfIterations)
	if err != nil {
		return session.Scope{}, newServiceError(opLogin, reasonInvalidInput, err)
	}
	return service.Activate(ctx, credentials.WorkspaceID, credentials.Key)
}

// Activate rejects a key that cannot open the workspace's sealed blocks, makes
// the workspace current and seeds an empty workspace with a welcome page. A
// rejected key leaves the previously active workspace in place.
func (service *Service) Activate(ctx context.Context, workspaceID string, key vault.Key) (session.Scope, error) {
	if service.sessions == nil {
		return session.Scope{}, newServiceError(opActivate, reasonActivateFailed, errMissingSessions)
	}

	if vault.IsWorkspaceID(workspaceID) && !key.IsZero() {
		candidate := session.Scope{WorkspaceID: workspaceID, Key: key}
		if err := service.verifyKey(ctx, candidate); err != nil {
			return session.Scope{}, err
		}
	}

	scope, err := service.sessions.Activate(workspaceID, key)
	if err != nil {
		return session.Scope{}, service.fail(opActivate, reasonActivateFailed, err)
	}

	if err := service.seed(ctx, scope); err != nil {
		return session.Scope{}, err
	}

	service.loggerOrDefault().Info("workspace activated", zap.String(fieldWorkspaceID, scope.WorkspaceID))
	return scope, nil
}

// Logout clears the active workspace and its key.
func (service *Service) Logout() {
	if service.sessions == nil {
		return
	}
	service.sessions.Deactivate()
}

func (service *Service) verifyKey(ctx context.Context, scope session.Scope) error {
	records := []BlockRecord{}
	err := service.db.WithContext(ctx).
		Where("workspace_id = ? AND is_sensitive = ?", scope.WorkspaceID, true).
		Order("updated_at_ms DESC, id ASC").
		Limit(keyCheckLimit).
		Find(&records).Error
	if err != nil {
		return service.fail(opActivate, reasonQueryFailed, err, zap.String(fieldWorkspaceID, scope.WorkspaceID))
	}
	if len(records) == 0 {
		return nil
	}

	var lastErr error
	for _, record := range records {
		_, openErr := vault.OpenBytes(scope.Key, record.Content)
		if openErr == nil {
			return nil
		}
		lastErr = openErr
	}
	return service.fail(opActivate, reasonWrongPassword,
		fmt.Errorf("%w: %w", ErrWrongPassword, lastErr),
		zap.String(fieldWorkspaceID, scope.WorkspaceID))
}

func (service *Service) seed(ctx context.Context, scope session.Scope) error {
	unlock := service.pageLocks.lock("seed:" + scope.WorkspaceID)
	defer unlock()

	return service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&Page{}).Where(queryWorkspace, scope.WorkspaceID).Count(&existing).Error; err != nil {
			return service.fail(opActivate, reasonSeedFailed, err, zap.String(fieldWorkspaceID, scope.WorkspaceID))
		}
		if existing > 0 {
			return nil
		}

		page, err := service.putPage(tx, opActivate, scope, PageInput{Title: welcomeTitle, Parent: RootParent()})
		if err != nil {
			return err
		}
		for index, content := range welcomeBlocks {
			position := index
			_, err := service.writeBlock(tx, opActivate, scope, BlockInput{
				PageID:   PageID(page.ID),
				Type:     defaultBlockType,
				Content:  content,
				Position: &position,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}
