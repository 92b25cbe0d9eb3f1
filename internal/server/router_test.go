package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AlexMercedCoder/mylocalnotes/internal/auth"
	"github.com/AlexMercedCoder/mylocalnotes/internal/notes"
	"github.com/AlexMercedCoder/mylocalnotes/internal/session"
	"github.com/AlexMercedCoder/mylocalnotes/internal/vault"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testServer struct {
	server   *httptest.Server
	sessions *session.Manager
	service  *notes.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithSource(t, nil)
}

// newTestServerWithSource lets a test stand between the router and the session
// manager; the notes service always talks to the manager directly.
func newTestServerWithSource(t *testing.T, wrap func(*session.Manager) SessionSource) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:mylocalnotes_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(notes.Models()...); err != nil {
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

	sessions := session.NewManager(session.ManagerConfig{})
	service, err := notes.NewService(notes.ServiceConfig{
		Database:   db,
		Sessions:   sessions,
		IDProvider: notes.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct notes service: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "mylocalnotes",
		Audience:      "mylocalnotes-api",
		TokenTTL:      time.Minute,
		CookieName:    "mylocalnotes_session",
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}

	var source SessionSource = sessions
	if wrap != nil {
		source = wrap(sessions)
	}
	handler, err := NewHTTPHandler(Dependencies{
		TokenManager:      tokens,
		Sessions:          source,
		NotesService:      service,
		Logger:            zap.NewNop(),
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testServer{server: server, sessions: sessions, service: service}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return response.StatusCode, raw
}

func (s *testServer) mustDo(t *testing.T, method, path, token string, body any, wantStatus int, target any) {
	t.Helper()
	status, raw := s.do(t, method, path, token, body)
	if status != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d (%s)", method, path, wantStatus, status, raw)
	}
	if target != nil {
		if err := json.Unmarshal(raw, target); err != nil {
			t.Fatalf("%s %s: failed to decode response: %v", method, path, err)
		}
	}
}

func (s *testServer) login(t *testing.T, username, password string) loginResponsePayload {
	t.Helper()
	var response loginResponsePayload
	s.mustDo(t, http.MethodPost, "/session", "", loginRequestPayload{Username: username, Password: password}, http.StatusOK, &response)
	if response.AccessToken == "" || response.TokenType != tokenTypeBearer {
		t.Fatalf("unexpected login response: %+v", response)
	}
	return response
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return payload
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err != errMissingTokenManager {
		t.Fatalf("expected missing token manager error, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{TokenManager: stubTokenManager{}}); err != errMissingSessions {
		t.Fatalf("expected missing sessions error, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{TokenManager: stubTokenManager{}, Sessions: stubSessions{}}); err != errMissingNotesService {
		t.Fatalf("expected missing notes service error, got %v", err)
	}
}

func TestHandleListChildrenIncludesServiceErrorCode(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/pages", http.NoBody)

	handler := &httpHandler{
		notesService: &notes.Service{},
		logger:       zap.NewNop(),
	}

	handler.handleListChildren(ctx)

	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected internal server error status, got %d", recorder.Code)
	}
	payload := decodeBody(t, recorder)
	if payload["code"] != "notes.list_children.missing_database" {
		t.Fatalf("expected list children error code, got %v", payload["code"])
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server := newTestServer(t)

	status, _ := server.do(t, http.MethodGet, "/pages", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", status)
	}
	status, _ = server.do(t, http.MethodGet, "/pages", "not-a-jwt", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for malformed token, got %d", status)
	}
}

func TestLoginRejectsInvalidCredentials(t *testing.T) {
	server := newTestServer(t)

	status, raw := server.do(t, http.MethodPost, "/session", "", loginRequestPayload{Username: "  ", Password: "secret"})
	if status != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d (%s)", status, raw)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload["code"] != "notes.login.invalid_input" {
		t.Fatalf("unexpected error code %v", payload["code"])
	}
}

func TestPagesBlocksAndSearchRoundTrip(t *testing.T) {
	server := newTestServer(t)
	alice := server.login(t, "alice", "alice-password")

	var roots struct {
		Pages []pagePayload `json:"pages"`
	}
	server.mustDo(t, http.MethodGet, "/pages", alice.AccessToken, nil, http.StatusOK, &roots)
	if len(roots.Pages) != 1 || roots.Pages[0].ParentID != nil {
		t.Fatalf("expected the welcome page at the root, got %+v", roots.Pages)
	}

	var page pagePayload
	server.mustDo(t, http.MethodPost, "/pages", alice.AccessToken, map[string]any{"title": "Journal"}, http.StatusCreated, &page)
	if page.WorkspaceID != alice.WorkspaceID {
		t.Fatalf("page stored under %q, want %q", page.WorkspaceID, alice.WorkspaceID)
	}

	var child pagePayload
	server.mustDo(t, http.MethodPost, "/pages", alice.AccessToken, map[string]any{"title": "Monday", "parent_id": page.ID}, http.StatusCreated, &child)

	var path struct {
		Pages []pagePayload `json:"pages"`
	}
	server.mustDo(t, http.MethodGet, "/pages/"+child.ID+"/path", alice.AccessToken, nil, http.StatusOK, &path)
	if len(path.Pages) != 2 || path.Pages[0].ID != page.ID || path.Pages[1].ID != child.ID {
		t.Fatalf("unexpected breadcrumb path %+v", path.Pages)
	}

	snapshot := reconcileRequestPayload{Blocks: []snapshotBlockPayload{
		{Type: "heading", Content: json.RawMessage(`{"text":"Plans"}`)},
		{Type: "paragraph", Content: json.RawMessage(`{"text":"the vault code is 1234"}`), IsSensitive: boolPointer(true)},
	}}
	var reconciled reconcileResponsePayload
	server.mustDo(t, http.MethodPut, "/pages/"+child.ID+"/blocks", alice.AccessToken, snapshot, http.StatusOK, &reconciled)
	if reconciled.Created != 2 || len(reconciled.Blocks) != 2 {
		t.Fatalf("unexpected reconciliation %+v", reconciled)
	}
	if !reconciled.Blocks[1].IsSensitive || string(reconciled.Blocks[1].Content) != `{"text":"the vault code is 1234"}` {
		t.Fatalf("expected sensitive block to round trip, got %+v", reconciled.Blocks[1])
	}

	edited := reconcileRequestPayload{Blocks: []snapshotBlockPayload{
		{ID: reconciled.Blocks[0].ID, Type: "heading", Content: json.RawMessage(`{"text":"Plans for Monday"}`)},
		{ID: reconciled.Blocks[1].ID, Type: "paragraph", Content: reconciled.Blocks[1].Content},
	}}
	var second reconcileResponsePayload
	server.mustDo(t, http.MethodPut, "/pages/"+child.ID+"/blocks", alice.AccessToken, edited, http.StatusOK, &second)
	if second.Updated != 1 || second.Unchanged != 1 || second.Created != 0 || second.Deleted != 0 {
		t.Fatalf("unexpected second reconciliation %+v", second)
	}
	if !second.Blocks[1].IsSensitive {
		t.Fatal("omitted sensitivity flag must keep the stored value")
	}

	var found searchResponsePayload
	server.mustDo(t, http.MethodGet, "/search?q=monday", alice.AccessToken, nil, http.StatusOK, &found)
	if len(found.Pages) != 1 || found.Pages[0].ID != child.ID {
		t.Fatalf("expected title match, got %+v", found.Pages)
	}
	if len(found.Blocks) != 1 || found.Blocks[0].ID != second.Blocks[0].ID {
		t.Fatalf("expected heading match, got %+v", found.Blocks)
	}
	server.mustDo(t, http.MethodGet, "/search?q=vault", alice.AccessToken, nil, http.StatusOK, &found)
	if len(found.Blocks) != 0 {
		t.Fatalf("sensitive blocks must never match, got %+v", found.Blocks)
	}

	server.mustDo(t, http.MethodPost, "/pages/"+page.ID+"/trash", alice.AccessToken, nil, http.StatusOK, nil)
	var trash struct {
		Pages []pagePayload `json:"pages"`
	}
	server.mustDo(t, http.MethodGet, "/trash", alice.AccessToken, nil, http.StatusOK, &trash)
	if len(trash.Pages) != 1 || trash.Pages[0].ID != page.ID {
		t.Fatalf("unexpected trash %+v", trash.Pages)
	}
	server.mustDo(t, http.MethodDelete, "/pages/"+page.ID, alice.AccessToken, nil, http.StatusNoContent, nil)
	server.mustDo(t, http.MethodGet, "/pages/"+child.ID, alice.AccessToken, nil, http.StatusNotFound, nil)
	server.mustDo(t, http.MethodDelete, "/pages/"+page.ID, alice.AccessToken, nil, http.StatusNotFound, nil)
}

func TestUpdatePageRejectsCycle(t *testing.T) {
	server := newTestServer(t)
	alice := server.login(t, "alice", "alice-password")

	var parent, child pagePayload
	server.mustDo(t, http.MethodPost, "/pages", alice.AccessToken, map[string]any{"title": "Parent"}, http.StatusCreated, &parent)
	server.mustDo(t, http.MethodPost, "/pages", alice.AccessToken, map[string]any{"title": "Child", "parent_id": parent.ID}, http.StatusCreated, &child)

	status, raw := server.do(t, http.MethodPatch, "/pages/"+parent.ID, alice.AccessToken, map[string]any{"parent_id": child.ID})
	if status != http.StatusConflict || !strings.Contains(string(raw), "page_cycle") {
		t.Fatalf("expected cycle conflict, got %d (%s)", status, raw)
	}

	var moved pagePayload
	server.mustDo(t, http.MethodPatch, "/pages/"+child.ID, alice.AccessToken, map[string]any{"parent_id": nil}, http.StatusOK, &moved)
	if moved.ParentID != nil {
		t.Fatalf("explicit null parent must move the page to the root, got %v", *moved.ParentID)
	}

	var renamed pagePayload
	server.mustDo(t, http.MethodPatch, "/pages/"+parent.ID, alice.AccessToken, map[string]any{"title": "Renamed"}, http.StatusOK, &renamed)
	if renamed.Title != "Renamed" || renamed.ParentID != nil {
		t.Fatalf("title-only update must leave the parent alone, got %+v", renamed)
	}
}

func TestDatabaseRoutes(t *testing.T) {
	server := newTestServer(t)
	alice := server.login(t, "alice", "alice-password")

	var created createDatabaseResponsePayload
	server.mustDo(t, http.MethodPost, "/databases", alice.AccessToken, map[string]any{
		"title": "Tasks",
		"properties": []map[string]any{
			{"name": "Status", "type": "select", "options": []string{"Todo", "Done"}},
		},
	}, http.StatusCreated, &created)
	if created.Page.DatabaseID == nil || *created.Page.DatabaseID != created.Database.ID {
		t.Fatalf("database page must reference its schema, got %+v", created)
	}

	var schema databasePayload
	server.mustDo(t, http.MethodPost, "/databases/"+created.Database.ID+"/properties", alice.AccessToken,
		map[string]any{"name": "Done", "type": "checkbox"}, http.StatusOK, &schema)
	if len(schema.Properties) != 2 {
		t.Fatalf("expected two properties, got %+v", schema.Properties)
	}

	var row pagePayload
	server.mustDo(t, http.MethodPost, "/pages", alice.AccessToken, map[string]any{"title": "Write tests", "parent_id": created.Page.ID}, http.StatusCreated, &row)
	server.mustDo(t, http.MethodPut, "/pages/"+row.ID+"/properties", alice.AccessToken,
		map[string]any{"properties": map[string]any{"Status": "Done", "Done": true}}, http.StatusOK, nil)
	status, _ := server.do(t, http.MethodPut, "/pages/"+row.ID+"/properties", alice.AccessToken,
		map[string]any{"properties": map[string]any{"Status": "Blocked"}})
	if status != http.StatusBadRequest {
		t.Fatalf("expected unknown option to be rejected, got %d", status)
	}

	var rows struct {
		Pages []pagePayload `json:"pages"`
	}
	server.mustDo(t, http.MethodGet, "/databases/"+created.Database.ID+"/rows", alice.AccessToken, nil, http.StatusOK, &rows)
	if len(rows.Pages) != 1 || rows.Pages[0].Properties["Status"] != "Done" {
		t.Fatalf("unexpected rows %+v", rows.Pages)
	}

	server.mustDo(t, http.MethodGet, "/databases/missing", alice.AccessToken, nil, http.StatusNotFound, nil)
}

func TestSwitchingWorkspaceRetiresPreviousToken(t *testing.T) {
	server := newTestServer(t)
	alice := server.login(t, "alice", "alice-password")

	var page pagePayload
	server.mustDo(t, http.MethodPost, "/pages", alice.AccessToken, map[string]any{"title": "Alice only"}, http.StatusCreated, &page)

	bob := server.login(t, "bob", "bob-password")
	if bob.WorkspaceID == alice.WorkspaceID {
		t.Fatal("distinct credentials must map to distinct workspaces")
	}

	status, raw := server.do(t, http.MethodGet, "/pages", alice.AccessToken, nil)
	if status != http.StatusUnauthorized || !strings.Contains(string(raw), "session_changed") {
		t.Fatalf("expected stale token rejection, got %d (%s)", status, raw)
	}
	server.mustDo(t, http.MethodGet, "/pages/"+page.ID, bob.AccessToken, nil, http.StatusNotFound, nil)

	var roots struct {
		Pages []pagePayload `json:"pages"`
	}
	server.mustDo(t, http.MethodGet, "/pages", bob.AccessToken, nil, http.StatusOK, &roots)
	for _, candidate := range roots.Pages {
		if candidate.WorkspaceID != bob.WorkspaceID {
			t.Fatalf("page %s leaked across workspaces", candidate.ID)
		}
	}

	server.mustDo(t, http.MethodDelete, "/session", bob.AccessToken, nil, http.StatusNoContent, nil)
	status, _ = server.do(t, http.MethodGet, "/pages", bob.AccessToken, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized after logout, got %d", status)
	}
}

func TestSessionEventsReportWorkspaceSwitch(t *testing.T) {
	server := newTestServer(t)
	alice := server.login(t, "alice", "alice-password")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, server.server.URL+"/session/events", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+alice.AccessToken)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = response.Body.Close()
	})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", response.StatusCode)
	}

	bob := server.login(t, "bob", "bob-password")

	reader := bufio.NewReader(response.Body)
	currentEventType := ""
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("stream ended before the switch was reported: %v", err)
		}
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "event:") {
			currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if !strings.HasPrefix(line, "data:") || currentEventType != string(session.EventActivated) {
			continue
		}
		var payload sessionEventPayload
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
			t.Fatalf("failed to decode event payload: %v", err)
		}
		if payload.WorkspaceID != bob.WorkspaceID {
			t.Fatalf("unexpected workspace in event: %q", payload.WorkspaceID)
		}
		return
	}
}

// interleavingSessions runs switchTo right after the router has admitted a
// request, before any handler touches the repository.
type interleavingSessions struct {
	*session.Manager
	mu       sync.Mutex
	switchTo func()
}

func (s *interleavingSessions) Current() (session.Scope, error) {
	scope, err := s.Manager.Current()
	s.mu.Lock()
	switchTo := s.switchTo
	s.switchTo = nil
	s.mu.Unlock()
	if switchTo != nil {
		switchTo()
	}
	return scope, err
}

func TestRequestAdmittedBeforeSwitchNeverReachesNewWorkspace(t *testing.T) {
	bob, err := vault.Derive("bob", "bob-password")
	if err != nil {
		t.Fatalf("failed to derive credentials: %v", err)
	}
	source := &interleavingSessions{}
	server := newTestServerWithSource(t, func(manager *session.Manager) SessionSource {
		source.Manager = manager
		return source
	})
	alice := server.login(t, "alice", "alice-password")

	source.mu.Lock()
	source.switchTo = func() {
		if _, activateErr := server.sessions.Activate(bob.WorkspaceID, bob.Key); activateErr != nil {
			t.Errorf("failed to activate bob: %v", activateErr)
		}
	}
	source.mu.Unlock()

	status, raw := server.do(t, http.MethodPost, "/pages", alice.AccessToken, map[string]any{"title": "alice secret"})
	if status != http.StatusConflict {
		t.Fatalf("expected conflict after the switch, got %d (%s)", status, raw)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload["code"] != "notes.create_page.session_changed" {
		t.Fatalf("unexpected error code %v", payload["code"])
	}

	current, err := server.sessions.Current()
	if err != nil || current.WorkspaceID != bob.WorkspaceID {
		t.Fatalf("expected bob to be active, got %+v (%v)", current, err)
	}
	pages, err := server.service.ListChildren(context.Background(), notes.RootParent())
	if err != nil {
		t.Fatalf("failed to list bob's pages: %v", err)
	}
	for _, page := range pages {
		if page.Title == "alice secret" {
			t.Fatalf("page admitted under alice was written into bob's workspace: %+v", page)
		}
	}
}

func boolPointer(value bool) *bool {
	return &value
}
