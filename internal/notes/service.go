// Package notes implements the workspace-partitioned page, block and database
// repository, the page hierarchy and block reconciliation.
package notes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AlexMercedCoder/mylocalnotes/internal/session"
	"github.com/AlexMercedCoder/mylocalnotes/internal/vault"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingSessions   = errors.New("session manager is required")
	noOpLogger           = zap.NewNop()

	// ErrPageNotFound indicates that a write referenced a page absent from the active workspace.
	ErrPageNotFound = errors.New("notes: page not found")
	// ErrSchemaNotFound indicates that a write referenced a database absent from the active workspace.
	ErrSchemaNotFound = errors.New("notes: database not found")
	// ErrIDConflict indicates that a caller-supplied id is already owned by another workspace.
	ErrIDConflict = errors.New("notes: id already in use")
	// ErrPageCycle indicates a move that would make a page its own ancestor.
	ErrPageCycle = errors.New("notes: page cannot be moved under itself")
	// ErrReconciliationFailed indicates that a reconciliation batch did not apply.
	ErrReconciliationFailed = errors.New("notes: reconciliation failed")
	// ErrWrongPassword indicates that the derived key cannot open existing sensitive content.
	ErrWrongPassword = errors.New("notes: wrong password")
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew           = "notes.service.new"
	opActivate             = "notes.activate"
	opLogin                = "notes.login"
	opCreatePage           = "notes.create_page"
	opGetPage              = "notes.get_page"
	opUpdatePage           = "notes.update_page"
	opUpdatePageProperties = "notes.update_page_properties"
	opListChildren         = "notes.list_children"
	opPagePath             = "notes.page_path"
	opTrashPage            = "notes.trash_page"
	opRestorePage          = "notes.restore_page"
	opPurgePage            = "notes.purge_page"
	opListTrash            = "notes.list_trash"
	opSaveBlock            = "notes.save_block"
	opListBlocks           = "notes.list_blocks"
	opDeleteBlock          = "notes.delete_block"
	opReconcileBlocks      = "notes.reconcile_blocks"
	opSaveDatabase         = "notes.save_database"
	opGetDatabase          = "notes.get_database"
	opListDatabases        = "notes.list_databases"
	opCreateDatabasePage   = "notes.create_database_page"
	opAddDatabaseProperty  = "notes.add_database_property"
	opListDatabaseRows     = "notes.list_database_rows"
	opSearch               = "notes.search"

	fieldWorkspaceID = "workspace_id"
	fieldPageID      = "page_id"
	fieldBlockID     = "block_id"
	fieldSchemaID    = "database_id"

	queryWorkspace       = "workspace_id = ?"
	queryWorkspaceID     = "workspace_id = ? AND id = ?"
	queryWorkspaceIDIn   = "workspace_id = ? AND id IN ?"
	queryWorkspaceParent = "workspace_id = ? AND parent_id = ?"
	queryRootParent      = "workspace_id = ? AND parent_id IS NULL"
	queryNotTrashed      = "deleted_at_ms IS NULL"
	queryTrashed         = "deleted_at_ms IS NOT NULL"
	orderCreated         = "created_at_ms ASC, id ASC"
	orderPosition        = "position ASC, created_at_ms ASC, id ASC"
	orderDeletedDesc     = "deleted_at_ms DESC, id ASC"

	reasonMissingDatabase  = "missing_database"
	reasonUnauthenticated  = "unauthenticated"
	reasonInvalidInput     = "invalid_input"
	reasonQueryFailed      = "query_failed"
	reasonWriteFailed      = "write_failed"
	reasonIDGeneration     = "id_generation_failed"
	reasonIDConflict       = "id_conflict"
	reasonPageNotFound     = "page_not_found"
	reasonSchemaNotFound   = "database_not_found"
	reasonEncryptFailed    = "encrypt_failed"
	reasonCycle            = "cycle"
	reasonSessionChanged   = "session_changed"
	reasonDeriveFailed     = "derive_failed"
	reasonActivateFailed   = "activate_failed"
	reasonSeedFailed       = "seed_failed"
	reasonWrongPassword    = "wrong_password"
	reasonTransactionError = "transaction_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Sessions is the slice of the session manager the repository depends on.
type Sessions interface {
	Activate(workspaceID string, key vault.Key) (session.Scope, error)
	Deactivate()
	Current() (session.Scope, error)
	Validate(scope session.Scope) error
}

type ServiceConfig struct {
	Database      *gorm.DB
	Sessions      Sessions
	Clock         func() time.Time
	IDProvider    IDProvider
	Logger        *zap.Logger
	KDFIterations int
}

type IDProvider interface {
	NewID() (string, error)
}

type Service struct {
	db            *gorm.DB
	sessions      Sessions
	clock         func() time.Time
	idProvider    IDProvider
	logger        *zap.Logger
	kdfIterations int
	pageLocks     *keyedMutex
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Sessions == nil {
		return nil, newServiceError(opServiceNew, "missing_sessions", errMissingSessions)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	iterations := cfg.KDFIterations
	if iterations == 0 {
		iterations = vault.MinIterations
	}
	if iterations < vault.MinIterations {
		return nil, newServiceError(opServiceNew, "invalid_kdf_iterations", vault.ErrInvalidIterations)
	}

	return &Service{
		db:            cfg.Database,
		sessions:      cfg.Sessions,
		clock:         clock,
		idProvider:    cfg.IDProvider,
		logger:        logger,
		kdfIterations: iterations,
		pageLocks:     newKeyedMutex(),
	}, nil
}

type expectedScopeKey struct{}

// WithExpectedScope pins the activation a request was admitted under. Service
// calls made with the returned context run against that activation only and
// fail with session.ErrSessionChanged once another one has taken its place.
func WithExpectedScope(ctx context.Context, scope session.Scope) context.Context {
	return context.WithValue(ctx, expectedScopeKey{}, scope)
}

func expectedScope(ctx context.Context) (session.Scope, bool) {
	if ctx == nil {
		return session.Scope{}, false
	}
	scope, ok := ctx.Value(expectedScopeKey{}).(session.Scope)
	return scope, ok
}

// scope captures the active workspace once per operation so that a concurrent
// switch cannot redirect reads or writes already in flight.
func (service *Service) scope(ctx context.Context, operation string) (session.Scope, error) {
	if service.db == nil {
		service.logError(operation, reasonMissingDatabase, errMissingDatabase)
		return session.Scope{}, newServiceError(operation, reasonMissingDatabase, errMissingDatabase)
	}
	if service.sessions == nil {
		return session.Scope{}, newServiceError(operation, reasonUnauthenticated, session.ErrUnauthenticated)
	}
	if expected, ok := expectedScope(ctx); ok {
		if err := service.sessions.Validate(expected); err != nil {
			if errors.Is(err, session.ErrUnauthenticated) {
				return session.Scope{}, newServiceError(operation, reasonUnauthenticated, err)
			}
			return session.Scope{}, newServiceError(operation, reasonSessionChanged, err)
		}
		return expected, nil
	}
	scope, err := service.sessions.Current()
	if err != nil {
		return session.Scope{}, newServiceError(operation, reasonUnauthenticated, err)
	}
	return scope, nil
}

func (service *Service) nowMillis() int64 {
	return service.clock().UTC().UnixMilli()
}

func (service *Service) loggerOrDefault() *zap.Logger {
	if service == nil {
		return noOpLogger
	}
	if service.logger == nil {
		return noOpLogger
	}
	return service.logger
}

func (service *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	service.loggerOrDefault().Error("notes service error", attrs...)
}

func (service *Service) fail(operation, reason string, err error, fields ...zap.Field) error {
	service.logError(operation, reason, err, fields...)
	return newServiceError(operation, reason, err)
}
