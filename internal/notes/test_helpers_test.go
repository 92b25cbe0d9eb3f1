package notes

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AlexMercedCoder/mylocalnotes/internal/session"
	"github.com/AlexMercedCoder/mylocalnotes/internal/vault"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var (
	credentialsOnce sync.Once
	aliceCreds      vault.Credentials
	bobCreds        vault.Credentials
)

func mustCredentials(t *testing.T) (vault.Credentials, vault.Credentials) {
	t.Helper()
	credentialsOnce.Do(func() {
		var err error
		aliceCreds, err = vault.Derive("alice", "alice-password")
		if err != nil {
			panic(err)
		}
		bobCreds, err = vault.Derive("bob", "bob-password")
		if err != nil {
			panic(err)
		}
	})
	return aliceCreds, bobCreds
}

type sequenceIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("id-%04d", p.next), nil
}

type steppingClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

type testHarness struct {
	service  *Service
	sessions *session.Manager
	db       *gorm.DB
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:mylocalnotes_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return db
}

func newTestHarness(t *testing.T) testHarness {
	t.Helper()

	db := newTestDatabase(t)
	manager := session.NewManager(session.ManagerConfig{})
	clock := &steppingClock{current: time.Unix(1700000000, 0).UTC()}

	service, err := NewService(ServiceConfig{
		Database:   db,
		Sessions:   manager,
		Clock:      clock.Now,
		IDProvider: &sequenceIDProvider{},
	})
	if err != nil {
		t.Fatalf("failed to construct notes service: %v", err)
	}
	return testHarness{service: service, sessions: manager, db: db}
}

// enter activates a workspace without seeding it.
func (h testHarness) enter(t *testing.T, credentials vault.Credentials) session.Scope {
	t.Helper()
	scope, err := h.sessions.Activate(credentials.WorkspaceID, credentials.Key)
	if err != nil {
		t.Fatalf("failed to activate workspace: %v", err)
	}
	return scope
}

func mustCreatePage(t *testing.T, service *Service, input PageInput) Page {
	t.Helper()
	page, err := service.CreatePage(context.Background(), input)
	if err != nil {
		t.Fatalf("unexpected create page error: %v", err)
	}
	return page
}

func mustSaveBlock(t *testing.T, service *Service, input BlockInput) Block {
	t.Helper()
	block, err := service.SaveBlock(context.Background(), input)
	if err != nil {
		t.Fatalf("unexpected save block error: %v", err)
	}
	return block
}

func mustListBlocks(t *testing.T, service *Service, pageID PageID) []Block {
	t.Helper()
	blocks, err := service.ListBlocks(context.Background(), pageID)
	if err != nil {
		t.Fatalf("unexpected list blocks error: %v", err)
	}
	return blocks
}

func pageIDs(pages []Page) []string {
	ids := make([]string, 0, len(pages))
	for _, page := range pages {
		ids = append(ids, page.ID)
	}
	return ids
}

func textContent(text string) []byte {
	return []byte(fmt.Sprintf(`{"text":%q}`, text))
}

func boolPointer(value bool) *bool {
	return &value
}
