package auth

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukerupert/graphsafe/internal/apperr"
	"github.com/dukerupert/graphsafe/internal/database"
	"github.com/dukerupert/graphsafe/internal/graph"
	"github.com/dukerupert/graphsafe/internal/model"
	"github.com/dukerupert/graphsafe/internal/store"
)

// Recorder receives change records for continuous backup.
type Recorder interface {
	Record(model.ChangeRecord)
}

// ShareNotifier is told when a user gains access to a document.
type ShareNotifier interface {
	DocumentShared(ctx context.Context, doc *model.Document, sharedBy, recipient model.User, level model.Level) error
}

// DocumentService manages document ownership and sharing.
type DocumentService struct {
	db       *sql.DB
	docs     *store.DocumentStore
	users    *store.UserStore
	graph    *graph.Store
	perms    *Permissions
	recorder Recorder
	notifier ShareNotifier
	logger   *slog.Logger
}

func NewDocumentService(db *sql.DB, docs *store.DocumentStore, users *store.UserStore, g *graph.Store, recorder Recorder, notifier ShareNotifier, logger *slog.Logger) *DocumentService {
	return &DocumentService{
		db:       db,
		docs:     docs,
		users:    users,
		graph:    g,
		perms:    NewPermissions(docs),
		recorder: recorder,
		notifier: notifier,
		logger:   logger,
	}
}

func (s *DocumentService) Permissions() *Permissions {
	return s.perms
}

func (s *DocumentService) record(kind model.EntityKind, entityID, documentID string, op model.Operation, data map[string]any) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(model.ChangeRecord{
		EntityKind: kind,
		EntityID:   entityID,
		DocumentID: documentID,
		Operation:  op,
		Data:       data,
	})
}

// Create makes a document owned by the calling user.
func (s *DocumentService) Create(ctx context.Context, id *Identity, name string) (*model.Document, error) {
	if id.Kind != KindSession {
		return nil, fmt.Errorf("documents must be created by a signed-in user: %w", apperr.ErrInvalidRequest)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("document name is required: %w", apperr.ErrInvalidRequest)
	}
	doc := &model.Document{Name: name, OwnerID: id.User.ID}
	err := database.InTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.docs.WithTx(tx).Create(ctx, doc)
	})
	if err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	s.record(model.EntityDocument, doc.ID, doc.ID, model.OpCreate, map[string]any{"name": doc.Name, "owner_id": doc.OwnerID})
	return doc, nil
}

// Share grants viewer or editor access to the user with email. An existing
// grant is updated.
func (s *DocumentService) Share(ctx context.Context, id *Identity, documentID, email string, level model.Level) (*model.DocumentAccess, error) {
	doc, err := s.perms.Require(ctx, id, documentID, model.LevelOwner)
	if err != nil {
		return nil, err
	}
	if level != model.LevelViewer && level != model.LevelEditor {
		return nil, fmt.Errorf("share level must be viewer or editor, got %q: %w", level, apperr.ErrInvalidRequest)
	}
	recipient, err := s.users.GetByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return nil, err
	}
	if recipient == nil {
		return nil, fmt.Errorf("user %s: %w", email, apperr.ErrNotFound)
	}
	existing, err := s.docs.Access(ctx, documentID, recipient.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Level == model.LevelOwner {
		return nil, fmt.Errorf("cannot change the owner's level: %w", apperr.ErrInvalidRequest)
	}

	grant := model.DocumentAccess{
		DocumentID: documentID,
		UserID:     recipient.ID,
		Level:      level,
		GrantedBy:  id.User.ID,
	}
	if err := s.docs.Grant(ctx, grant); err != nil {
		return nil, err
	}
	op := model.OpCreate
	if existing != nil {
		op = model.OpUpdate
	}
	s.record(model.EntityAccess, recipient.ID, documentID, op, map[string]any{"level": string(level)})

	if s.notifier != nil {
		if err := s.notifier.DocumentShared(ctx, doc, id.User, *recipient, level); err != nil {
			s.logger.Warn("share notification failed", "document_id", documentID, "recipient", recipient.Email, "error", err)
		}
	}

	got, err := s.docs.Access(ctx, documentID, recipient.ID)
	if err != nil {
		return nil, err
	}
	return got, nil
}

// Revoke removes a user's access. The owner's own grant cannot be revoked.
func (s *DocumentService) Revoke(ctx context.Context, id *Identity, documentID, userID string) error {
	if _, err := s.perms.Require(ctx, id, documentID, model.LevelOwner); err != nil {
		return err
	}
	existing, err := s.docs.Access(ctx, documentID, userID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("access for %s on %s: %w", userID, documentID, apperr.ErrNotFound)
	}
	if existing.Level == model.LevelOwner {
		return fmt.Errorf("the owner cannot be removed: %w", apperr.ErrInvalidRequest)
	}
	if _, err := s.docs.Revoke(ctx, documentID, userID); err != nil {
		return err
	}
	s.record(model.EntityAccess, userID, documentID, model.OpDelete, nil)
	return nil
}

// Members lists who can access a document. Any level may look.
func (s *DocumentService) Members(ctx context.Context, id *Identity, documentID string) ([]model.DocumentMember, error) {
	if _, err := s.perms.Require(ctx, id, documentID, model.LevelViewer); err != nil {
		return nil, err
	}
	return s.docs.Members(ctx, documentID)
}

// Owned lists documents the identity owns. The API key identity owns all.
func (s *DocumentService) Owned(ctx context.Context, id *Identity) ([]model.Document, error) {
	if id.Privileged() {
		return s.docs.List(ctx)
	}
	return s.docs.ListOwned(ctx, id.User.ID)
}

// Delete removes a document together with its graph content.
func (s *DocumentService) Delete(ctx context.Context, id *Identity, documentID string) error {
	if _, err := s.perms.Require(ctx, id, documentID, model.LevelOwner); err != nil {
		return err
	}
	err := database.InTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.graph.WithTx(tx).Clear(ctx, documentID); err != nil {
			return err
		}
		return s.docs.WithTx(tx).Delete(ctx, documentID)
	})
	if err != nil {
		return fmt.Errorf("delete document %s: %w", documentID, err)
	}
	s.record(model.EntityDocument, documentID, documentID, model.OpDelete, nil)
	return nil
}
