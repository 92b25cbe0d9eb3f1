package notes

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/AlexMercedCoder/mylocalnotes/internal/session"
	"github.com/AlexMercedCoder/mylocalnotes/internal/vault"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const defaultBlockType = "paragraph"

var (
	emptyContent       = json.RawMessage(`{}`)
	decryptPlaceholder = json.RawMessage(`{"text":"⚠️ Decryption Failed"}`)
)

// BlockInput describes a block to create or overwrite. Content is plaintext
// JSON; it is sealed before storage when IsSensitive is set.
type BlockInput struct {
	ID          BlockID
	PageID      PageID
	Type        string
	Content     json.RawMessage
	IsSensitive bool
	// Position pins the order within the page. Nil keeps the stored position or
	// appends a new block after the last one.
	Position *int
}

// SaveBlock upserts a block on a page of the active workspace.
func (service *Service) SaveBlock(ctx context.Context, input BlockInput) (Block, error) {
	scope, err := service.scope(ctx, opSaveBlock)
	if err != nil {
		return Block{}, err
	}

	var saved Block
	err = service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if checkErr := service.requirePage(tx, opSaveBlock, scope, input.PageID); checkErr != nil {
			return checkErr
		}
		block, writeErr := service.writeBlock(tx, opSaveBlock, scope, input)
		saved = block
		return writeErr
	})
	if err != nil {
		return Block{}, err
	}
	return saved, nil
}

// ListBlocks returns a page's blocks in order with sensitive content opened.
// Blocks that fail to open carry a placeholder and the Error flag.
func (service *Service) ListBlocks(ctx context.Context, pageID PageID) ([]Block, error) {
	scope, err := service.scope(ctx, opListBlocks)
	if err != nil {
		return nil, err
	}
	records, err := service.blockRecords(service.db.WithContext(ctx), scope, pageID)
	if err != nil {
		return nil, service.fail(opListBlocks, reasonQueryFailed, err, zap.String(fieldPageID, pageID.String()))
	}
	return service.openBlocks(scope, records), nil
}

// DeleteBlock removes a block from the active workspace. It reports whether a
// block was removed.
func (service *Service) DeleteBlock(ctx context.Context, id BlockID) (bool, error) {
	scope, err := service.scope(ctx, opDeleteBlock)
	if err != nil {
		return false, err
	}
	result := service.db.WithContext(ctx).
		Where(queryWorkspaceID, scope.WorkspaceID, id.String()).
		Delete(&BlockRecord{})
	if result.Error != nil {
		return false, service.fail(opDeleteBlock, reasonWriteFailed, result.Error, zap.String(fieldBlockID, id.String()))
	}
	return result.RowsAffected > 0, nil
}

func (service *Service) requirePage(tx *gorm.DB, operation string, scope session.Scope, pageID PageID) error {
	if strings.TrimSpace(pageID.String()) == "" {
		return newServiceError(operation, reasonInvalidInput, fmt.Errorf("%w: empty", ErrInvalidPageID))
	}
	page, err := service.findPage(tx, scope, pageID)
	if err != nil {
		return service.fail(operation, reasonQueryFailed, err, zap.String(fieldPageID, pageID.String()))
	}
	if page == nil {
		return newServiceError(operation, reasonPageNotFound, fmt.Errorf("%w: %s", ErrPageNotFound, pageID))
	}
	return nil
}

func (service *Service) writeBlock(tx *gorm.DB, operation string, scope session.Scope, input BlockInput) (Block, error) {
	id := input.ID
	if id == "" {
		generated, err := service.newBlockID()
		if err != nil {
			return Block{}, service.fail(operation, reasonIDGeneration, err)
		}
		id = generated
	} else {
		validated, err := NewBlockID(id.String())
		if err != nil {
			return Block{}, newServiceError(operation, reasonInvalidInput, err)
		}
		id = validated
	}

	content, err := normalizeContent(input.Content)
	if err != nil {
		return Block{}, newServiceError(operation, reasonInvalidInput, err)
	}

	var existing BlockRecord
	found := true
	if err := tx.Where("id = ?", id.String()).Take(&existing).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		found = false
	} else if err != nil {
		return Block{}, service.fail(operation, reasonQueryFailed, err, zap.String(fieldBlockID, id.String()))
	}
	if found && existing.WorkspaceID != scope.WorkspaceID {
		return Block{}, newServiceError(operation, reasonIDConflict, fmt.Errorf("%w: block %s", ErrIDConflict, id))
	}

	stored := string(content)
	if input.IsSensitive {
		sealed, sealErr := vault.SealBytes(scope.Key, content)
		if sealErr != nil {
			return Block{}, service.fail(operation, reasonEncryptFailed, sealErr, zap.String(fieldBlockID, id.String()))
		}
		stored = sealed
	}

	position := 0
	switch {
	case input.Position != nil:
		position = *input.Position
	case found && existing.PageID == input.PageID.String():
		position = existing.Position
	default:
		next, nextErr := nextPosition(tx, scope, input.PageID)
		if nextErr != nil {
			return Block{}, service.fail(operation, reasonQueryFailed, nextErr, zap.String(fieldPageID, input.PageID.String()))
		}
		position = next
	}

	blockType := strings.TrimSpace(input.Type)
	if blockType == "" {
		blockType = defaultBlockType
	}

	now := service.nowMillis()
	record := BlockRecord{
		ID:              id.String(),
		WorkspaceID:     scope.WorkspaceID,
		PageID:          input.PageID.String(),
		Type:            blockType,
		Content:         stored,
		IsSensitive:     input.IsSensitive,
		Position:        position,
		CreatedAtMillis: now,
		UpdatedAtMillis: now,
	}

	var writeErr error
	if found {
		record.CreatedAtMillis = existing.CreatedAtMillis
		writeErr = tx.Save(&record).Error
	} else {
		writeErr = tx.Create(&record).Error
	}
	if writeErr != nil {
		return Block{}, service.fail(operation, reasonWriteFailed, writeErr, zap.String(fieldBlockID, id.String()))
	}
	return blockFromRecord(record, content), nil
}

func (service *Service) blockRecords(tx *gorm.DB, scope session.Scope, pageID PageID) ([]BlockRecord, error) {
	records := []BlockRecord{}
	err := tx.Where(queryWorkspaceParent, scope.WorkspaceID, pageID.String()).
		Order(orderPosition).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// openBlocks converts records to their caller view, opening sealed content in
// parallel. A record that cannot be opened never fails the whole listing.
func (service *Service) openBlocks(scope session.Scope, records []BlockRecord) []Block {
	blocks := make([]Block, len(records))
	var group errgroup.Group
	group.SetLimit(runtime.GOMAXPROCS(0))
	for index, record := range records {
		if !record.IsSensitive {
			blocks[index] = blockFromRecord(record, plainContent(record.Content))
			continue
		}
		group.Go(func() error {
			plaintext, err := vault.OpenBytes(scope.Key, record.Content)
			if err != nil {
				service.loggerOrDefault().Warn("block decryption failed",
					zap.String(fieldWorkspaceID, record.WorkspaceID),
					zap.String(fieldBlockID, record.ID),
					zap.Error(err),
				)
				block := blockFromRecord(record, decryptPlaceholder)
				block.Error = true
				blocks[index] = block
				return nil
			}
			blocks[index] = blockFromRecord(record, plainContent(string(plaintext)))
			return nil
		})
	}
	_ = group.Wait()
	return blocks
}

func nextPosition(tx *gorm.DB, scope session.Scope, pageID PageID) (int, error) {
	var highest sql.NullInt64
	err := tx.Model(&BlockRecord{}).
		Where(queryWorkspaceParent, scope.WorkspaceID, pageID.String()).
		Select("MAX(position)").
		Row().
		Scan(&highest)
	if err != nil {
		return 0, err
	}
	if !highest.Valid {
		return 0, nil
	}
	return int(highest.Int64) + 1, nil
}

func normalizeContent(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return emptyContent, nil
	}
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, trimmed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	return json.RawMessage(compacted.Bytes()), nil
}

func plainContent(stored string) json.RawMessage {
	if json.Valid([]byte(stored)) {
		return json.RawMessage(stored)
	}
	encoded, err := json.Marshal(stored)
	if err != nil {
		return emptyContent
	}
	return json.RawMessage(encoded)
}

func blockFromRecord(record BlockRecord, content json.RawMessage) Block {
	return Block{
		ID:              BlockID(record.ID),
		WorkspaceID:     record.WorkspaceID,
		PageID:          PageID(record.PageID),
		Type:            record.Type,
		Content:         content,
		IsSensitive:     record.IsSensitive,
		Position:        record.Position,
		CreatedAtMillis: record.CreatedAtMillis,
		UpdatedAtMillis: record.UpdatedAtMillis,
	}
}
