package auth

import (
	"context"
	"fmt"

	"github.com/dukerupert/graphsafe/internal/apperr"
	"github.com/dukerupert/graphsafe/internal/model"
)

type AccessReader interface {
	Get(ctx context.Context, id string) (*model.Document, error)
	Access(ctx context.Context, documentID, userID string) (*model.DocumentAccess, error)
}

// Permissions checks document access levels.
type Permissions struct {
	docs AccessReader
}

func NewPermissions(docs AccessReader) *Permissions {
	return &Permissions{docs: docs}
}

// Level returns the identity's level on a document. The API key identity
// is treated as owner of every document.
func (p *Permissions) Level(ctx context.Context, id *Identity, documentID string) (*model.Document, model.Level, error) {
	doc, err := p.docs.Get(ctx, documentID)
	if err != nil {
		return nil, "", err
	}
	if doc == nil {
		return nil, "", fmt.Errorf("document %s: %w", documentID, apperr.ErrNotFound)
	}
	if id.Privileged() {
		return doc, model.LevelOwner, nil
	}
	access, err := p.docs.Access(ctx, documentID, id.User.ID)
	if err != nil {
		return nil, "", err
	}
	if access == nil {
		return doc, "", nil
	}
	return doc, access.Level, nil
}

// Require fails with Forbidden unless the identity holds at least min on
// the document.
func (p *Permissions) Require(ctx context.Context, id *Identity, documentID string, min model.Level) (*model.Document, error) {
	doc, level, err := p.Level(ctx, id, documentID)
	if err != nil {
		return nil, err
	}
	if !level.AtLeast(min) {
		return nil, fmt.Errorf("document %s requires %s: %w", documentID, min, apperr.ErrForbidden)
	}
	return doc, nil
}
