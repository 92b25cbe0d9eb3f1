package notes

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

// SearchResult holds the pages and plain blocks matching a query.
type SearchResult struct {
	Pages  []Page
	Blocks []Block
}

type searchableContent struct {
	Text string `json:"text"`
}

// Search matches page titles and the text of non-sensitive blocks,
// case-insensitively. Sealed blocks never match and trashed pages are skipped
// together with their blocks.
func (service *Service) Search(ctx context.Context, query string) (SearchResult, error) {
	scope, err := service.scope(ctx, opSearch)
	if err != nil {
		return SearchResult{}, err
	}
	result := SearchResult{Pages: []Page{}, Blocks: []Block{}}
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return result, nil
	}

	tx := service.db.WithContext(ctx)
	pages := []Page{}
	if err := tx.Where(queryWorkspace, scope.WorkspaceID).Where(queryNotTrashed).Order(orderCreated).Find(&pages).Error; err != nil {
		return SearchResult{}, service.fail(opSearch, reasonQueryFailed, err, zap.String(fieldWorkspaceID, scope.WorkspaceID))
	}
	live := make(map[string]struct{}, len(pages))
	for _, page := range pages {
		live[page.ID] = struct{}{}
		if strings.Contains(strings.ToLower(page.Title), needle) {
			result.Pages = append(result.Pages, page)
		}
	}

	records := []BlockRecord{}
	err = tx.Where("workspace_id = ? AND is_sensitive = ?", scope.WorkspaceID, false).
		Order(orderCreated).
		Find(&records).Error
	if err != nil {
		return SearchResult{}, service.fail(opSearch, reasonQueryFailed, err, zap.String(fieldWorkspaceID, scope.WorkspaceID))
	}
	for _, record := range records {
		if _, ok := live[record.PageID]; !ok {
			continue
		}
		var content searchableContent
		if json.Unmarshal([]byte(record.Content), &content) != nil {
			continue
		}
		if content.Text != "" && strings.Contains(strings.ToLower(content.Text), needle) {
			result.Blocks = append(result.Blocks, blockFromRecord(record, plainContent(record.Content)))
		}
	}
	return result, nil
}
