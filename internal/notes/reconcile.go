package notes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SnapshotBlock is one block of the editor's full document state. An empty ID
// asks for a new block on every run, so a snapshot holding id-less blocks is
// not idempotent: resend the ids ListBlocks returns to keep blocks stable.
// Sensitive nil keeps the stored flag of an existing block and means plain
// for a new one.
type SnapshotBlock struct {
	ID        BlockID
	Type      string
	Content   json.RawMessage
	Sensitive *bool
}

// ReconciliationPlan classifies a snapshot against the persisted blocks of a page.
type ReconciliationPlan struct {
	Creates   []Block
	Updates   []Block
	Unchanged []BlockID
	Deletes   []BlockID
}

// ReconciliationResult reports how many blocks each step touched.
type ReconciliationResult struct {
	Created   int
	Updated   int
	Deleted   int
	Unchanged int
}

// PlanReconciliation diffs snapshot against persisted. Repeated snapshot ids
// collapse to their last occurrence, which also decides the position. Blocks
// whose content failed to open and come back as the placeholder are left alone.
func PlanReconciliation(persisted []Block, snapshot []SnapshotBlock) (ReconciliationPlan, error) {
	ids := make([]BlockID, len(snapshot))
	lastIndex := make(map[BlockID]int, len(snapshot))
	for index, item := range snapshot {
		if strings.TrimSpace(item.ID.String()) == "" {
			continue
		}
		id, err := NewBlockID(item.ID.String())
		if err != nil {
			return ReconciliationPlan{}, fmt.Errorf("%w: snapshot entry %d: %w", ErrReconciliationFailed, index, err)
		}
		ids[index] = id
		lastIndex[id] = index
	}

	byID := make(map[BlockID]Block, len(persisted))
	for _, block := range persisted {
		byID[block.ID] = block
	}

	placeholder, _ := normalizeContent(decryptPlaceholder)
	plan := ReconciliationPlan{}
	position := 0
	for index, item := range snapshot {
		id := ids[index]
		if id != "" && lastIndex[id] != index {
			continue
		}

		content, err := normalizeContent(item.Content)
		if err != nil {
			return ReconciliationPlan{}, fmt.Errorf("%w: block %q: %w", ErrReconciliationFailed, id, err)
		}
		blockType := strings.TrimSpace(item.Type)
		if blockType == "" {
			blockType = defaultBlockType
		}

		prior, exists := byID[id]
		sensitive := exists && prior.IsSensitive
		if item.Sensitive != nil {
			sensitive = *item.Sensitive
		}

		next := Block{
			ID:          id,
			Type:        blockType,
			Content:     content,
			IsSensitive: sensitive,
			Position:    position,
		}
		position++

		if !exists {
			plan.Creates = append(plan.Creates, next)
			continue
		}
		next.PageID = prior.PageID
		next.WorkspaceID = prior.WorkspaceID

		if prior.Error && prior.Type == blockType && bytes.Equal(content, placeholder) {
			plan.Unchanged = append(plan.Unchanged, id)
			continue
		}
		if !prior.Error && sameBlock(prior, next) {
			plan.Unchanged = append(plan.Unchanged, id)
			continue
		}
		plan.Updates = append(plan.Updates, next)
	}

	for _, block := range persisted {
		if _, kept := lastIndex[block.ID]; !kept {
			plan.Deletes = append(plan.Deletes, block.ID)
		}
	}
	return plan, nil
}

func sameBlock(prior, next Block) bool {
	if prior.Type != next.Type || prior.Position != next.Position || prior.IsSensitive != next.IsSensitive {
		return false
	}
	priorContent, err := normalizeContent(prior.Content)
	if err != nil {
		return false
	}
	return bytes.Equal(priorContent, next.Content)
}

// ReconcileBlocks makes the persisted blocks of a page match snapshot. Runs for
// the same page are serialized and each run commits as a single transaction,
// provided the session that issued it is still active at commit time.
func (service *Service) ReconcileBlocks(ctx context.Context, pageID PageID, snapshot []SnapshotBlock) (ReconciliationResult, error) {
	scope, err := service.scope(ctx, opReconcileBlocks)
	if err != nil {
		return ReconciliationResult{}, err
	}

	unlock := service.pageLocks.lock(pageLockKey(scope.WorkspaceID, pageID))
	defer unlock()

	var result ReconciliationResult
	err = service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if checkErr := service.requirePage(tx, opReconcileBlocks, scope, pageID); checkErr != nil {
			return checkErr
		}

		records, loadErr := service.blockRecords(tx, scope, pageID)
		if loadErr != nil {
			return service.fail(opReconcileBlocks, reasonQueryFailed, loadErr, zap.String(fieldPageID, pageID.String()))
		}

		plan, planErr := PlanReconciliation(service.openBlocks(scope, records), snapshot)
		if planErr != nil {
			return newServiceError(opReconcileBlocks, reasonInvalidInput, planErr)
		}

		writes := append(append([]Block{}, plan.Creates...), plan.Updates...)
		for _, block := range writes {
			position := block.Position
			_, writeErr := service.writeBlock(tx, opReconcileBlocks, scope, BlockInput{
				ID:          block.ID,
				PageID:      pageID,
				Type:        block.Type,
				Content:     block.Content,
				IsSensitive: block.IsSensitive,
				Position:    &position,
			})
			if writeErr != nil {
				return newServiceError(opReconcileBlocks, reasonWriteFailed,
					fmt.Errorf("%w: block %q: %w", ErrReconciliationFailed, block.ID, writeErr))
			}
		}

		for _, id := range plan.Deletes {
			deleteErr := tx.Where(queryWorkspaceID, scope.WorkspaceID, id.String()).Delete(&BlockRecord{}).Error
			if deleteErr != nil {
				return service.fail(opReconcileBlocks, reasonWriteFailed,
					fmt.Errorf("%w: block %q: %w", ErrReconciliationFailed, id, deleteErr),
					zap.String(fieldBlockID, id.String()))
			}
		}

		if validateErr := service.sessions.Validate(scope); validateErr != nil {
			service.loggerOrDefault().Warn("reconciliation aborted by session change",
				zap.String(fieldWorkspaceID, scope.WorkspaceID),
				zap.String(fieldPageID, pageID.String()),
			)
			return newServiceError(opReconcileBlocks, reasonSessionChanged, validateErr)
		}

		result = ReconciliationResult{
			Created:   len(plan.Creates),
			Updated:   len(plan.Updates),
			Deleted:   len(plan.Deletes),
			Unchanged: len(plan.Unchanged),
		}
		return nil
	})
	if err != nil {
		return ReconciliationResult{}, err
	}
	return result, nil
}
