package notes

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/AlexMercedCoder/mylocalnotes/internal/session"
)

func TestOperationsRequireActiveSession(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()

	if _, err := harness.service.CreatePage(ctx, PageInput{Title: "Nope"}); !errors.Is(err, session.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated from create, got %v", err)
	}
	if _, err := harness.service.ListChildren(ctx, RootParent()); !errors.Is(err, session.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated from list, got %v", err)
	}
	if _, err := harness.service.ListBlocks(ctx, PageID("any")); !errors.Is(err, session.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated from list blocks, got %v", err)
	}

	var serviceErr *ServiceError
	_, err := harness.service.GetPage(ctx, PageID("any"))
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "notes.get_page.unauthenticated" {
		t.Fatalf("unexpected error code: %v", err)
	}
}

func TestCreatePageStampsActiveWorkspace(t *testing.T) {
	harness := newTestHarness(t)
	alice, _ := mustCredentials(t)
	harness.enter(t, alice)

	page := mustCreatePage(t, harness.service, PageInput{Title: "  Plans  "})
	if page.ID == "" {
		t.Fatalf("expected generated id")
	}
	if page.WorkspaceID != alice.WorkspaceID {
		t.Fatalf("expected workspace %s, got %s", alice.WorkspaceID, page.WorkspaceID)
	}
	if page.Title != "Plans" {
		t.Fatalf("expected trimmed title, got %q", page.Title)
	}
	if !page.Parent().IsRoot() {
		t.Fatalf("expected root parent, got %s", page.Parent())
	}
	if page.CreatedAtMillis == 0 || page.CreatedAtMillis != page.UpdatedAtMillis {
		t.Fatalf("unexpected timestamps: %d/%d", page.CreatedAtMillis, page.UpdatedAtMillis)
	}

	untitled := mustCreatePage(t, harness.service, PageInput{})
	if untitled.Title != defaultPageTitle {
		t.Fatalf("expected default title, got %q", untitled.Title)
	}

	var stored Page
	if err := harness.db.Where("id = ?", page.ID).Take(&stored).Error; err != nil {
		t.Fatalf("failed to load stored page: %v", err)
	}
	if stored.ParentID != nil {
		t.Fatalf("expected root to be stored as NULL, got %q", *stored.ParentID)
	}
}

func TestCreatePageUpsertKeepsCreatedAt(t *testing.T) {
	harness := newTestHarness(t)
	alice, _ := mustCredentials(t)
	harness.enter(t, alice)

	first := mustCreatePage(t, harness.service, PageInput{ID: "page-1", Title: "Draft"})
	second := mustCreatePage(t, harness.service, PageInput{ID: "page-1", Title: "Final"})

	if second.CreatedAtMillis != first.CreatedAtMillis {
		t.Fatalf("expected createdAt to be preserved")
	}
	if second.UpdatedAtMillis <= first.UpdatedAtMillis {
		t.Fatalf("expected updatedAt to advance")
	}

	var count int64
	harness.db.Model(&Page{}).Where("id = ?", "page-1").Count(&count)
	if count != 1 {
		t.Fatalf("expected a single row, got %d", count)
	}
}

func TestCreatePageRequiresExistingParent(t *testing.T) {
	harness := newTestHarness(t)
	alice, _ := mustCredentials(t)
	harness.enter(t, alice)

	_, err := harness.service.CreatePage(context.Background(), PageInput{Title: "Orphan", Parent: ChildOf("missing")})
	if !errors.Is(err, ErrPageNotFound) {
		t.Fatalf("expected ErrPageNotFound, got %v", err)
	}
}

func TestCreatePageValidatesCallerIDs(t *testing.T) {
	harness := newTestHarness(t)
	alice, _ := mustCredentials(t)
	harness.enter(t, alice)
	ctx := context.Background()

	page := mustCreatePage(t, harness.service, PageInput{ID: "  notes-1  ", Title: "Padded"})
	if page.ID != "notes-1" {
		t.Fatalf("expected the id to be trimmed, got %q", page.ID)
	}
	if _, err := harness.service.GetPage(ctx, "notes-1"); err != nil {
		t.Fatalf("expected the trimmed id to be stored, got %v", err)
	}

	for _, id := range []PageID{"   ", PageID(strings.Repeat("p", 191))} {
		if _, err := harness.service.CreatePage(ctx, PageInput{ID: id, Title: "Bad"}); !errors.Is(err, ErrInvalidPageID) {
			t.Fatalf("expected ErrInvalidPageID for %q, got %v", id, err)
		}
	}
}

func TestWorkspaceIsolation(t *testing.T) {
	harness := newTestHarness(t)
	alice, bob := mustCredentials(t)
	ctx := context.Background()

	harness.enter(t, alice)
	private := mustCreatePage(t, harness.service, PageInput{ID: "shared-id", Title: "Alice only"})
	mustSaveBlock(t, harness.service, BlockInput{ID: "alice-block", PageID: PageID(private.ID), Content: textContent("hello")})

	harness.enter(t, bob)
	if page, err := harness.service.GetPage(ctx, PageID(private.ID)); err != nil || page != nil {
		t.Fatalf("expected absent page under bob, got %+v (%v)", page, err)
	}
	children, err := harness.service.ListChildren(ctx, RootParent())
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if slices.Contains(pageIDs(children), private.ID) {
		t.Fatalf("bob must not see alice's page")
	}
	if blocks := mustListBlocks(t, harness.service, PageID(private.ID)); len(blocks) != 0 {
		t.Fatalf("bob must not see alice's blocks, got %d", len(blocks))
	}

	title := "Hijacked"
	if updated, err := harness.service.UpdatePage(ctx, PageID(private.ID), PageUpdate{Title: &title}); err != nil || updated != nil {
		t.Fatalf("expected update to miss, got %+v (%v)", updated, err)
	}
	if trashed, err := harness.service.TrashPage(ctx, PageID(private.ID)); err != nil || trashed != nil {
		t.Fatalf("expected trash to miss, got %+v (%v)", trashed, err)
	}
	if purged, err := harness.service.PurgePage(ctx, PageID(private.ID)); err != nil || purged {
		t.Fatalf("expected purge to miss, got %v (%v)", purged, err)
	}
	if deleted, err := harness.service.DeleteBlock(ctx, BlockID("alice-block")); err != nil || deleted {
		t.Fatalf("expected block delete to miss, got %v (%v)", deleted, err)
	}
	if _, err := harness.service.CreatePage(ctx, PageInput{ID: "shared-id", Title: "Bob"}); !errors.Is(err, ErrIDConflict) {
		t.Fatalf("expected ErrIDConflict, got %v", err)
	}
	if _, err := harness.service.SaveBlock(ctx, BlockInput{PageID: PageID(private.ID), Content: textContent("x")}); !errors.Is(err, ErrPageNotFound) {
		t.Fatalf("expected ErrPageNotFound for foreign page, got %v", err)
	}

	harness.enter(t, alice)
	page, err := harness.service.GetPage(ctx, PageID(private.ID))
	if err != nil || page == nil {
		t.Fatalf("expected alice's page to survive, got %v", err)
	}
	if page.Title != "Alice only" || page.IsTrashed() {
		t.Fatalf("alice's page was modified: %+v", page)
	}
	if blocks := mustListBlocks(t, harness.service, PageID(private.ID)); len(blocks) != 1 {
		t.Fatalf("expected alice's block to survive, got %d", len(blocks))
	}
}

func TestUpdatePageMovesAndRejectsCycles(t *testing.T) {
	harness := newTestHarness(t)
	alice, _ := mustCredentials(t)
	harness.enter(t, alice)
	ctx := context.Background()

	parent := mustCreatePage(t, harness.service, PageInput{ID: "parent", Title: "Parent"})
	child := mustCreatePage(t, harness.service, PageInput{ID: "child", Title: "Child", Parent: ChildOf(PageID(parent.ID))})
	grandchild := mustCreatePage(t, harness.service, PageInput{ID: "grandchild", Title: "Grandchild", Parent: ChildOf(PageID(child.ID))})

	toGrandchild := ChildOf(PageID(grandchild.ID))
	if _, err := harness.service.UpdatePage(ctx, PageID(parent.ID), PageUpdate{Parent: &toGrandchild}); !errors.Is(err, ErrPageCycle) {
		t.Fatalf("expected ErrPageCycle, got %v", err)
	}
	toSelf := ChildOf(PageID(parent.ID))
	if _, err := harness.service.UpdatePage(ctx, PageID(parent.ID), PageUpdate{Parent: &toSelf}); !errors.Is(err, ErrPageCycle) {
		t.Fatalf("expected ErrPageCycle for self parent, got %v", err)
	}

	root := RootParent()
	icon := "📓"
	moved, err := harness.service.UpdatePage(ctx, PageID(grandchild.ID), PageUpdate{Parent: &root, Icon: &icon})
	if err != nil {
		t.Fatalf("unexpected move error: %v", err)
	}
	if !moved.Parent().IsRoot() || moved.Icon != icon {
		t.Fatalf("unexpected moved page: %+v", moved)
	}
	if moved.UpdatedAtMillis <= grandchild.UpdatedAtMillis {
		t.Fatalf("expected updatedAt to advance")
	}

	rootChildren, err := harness.service.ListChildren(ctx, RootParent())
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if !slices.Equal(pageIDs(rootChildren), []string{"parent", "grandchild"}) {
		t.Fatalf("unexpected root children: %v", pageIDs(rootChildren))
	}
}
