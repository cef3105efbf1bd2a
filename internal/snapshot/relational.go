package snapshot

import (
	"context"
	"fmt"
	"slices"

	"github.com/dukerupert/graphsafe/internal/model"
)

type UserLister interface {
	List(ctx context.Context) ([]model.User, error)
}

type DocumentLister interface {
	List(ctx context.Context) ([]model.Document, error)
	Grants(ctx context.Context) ([]model.DocumentAccess, error)
}

type TokenIterator interface {
	Each(ctx context.Context, fn func(model.OAuthToken) error) error
}

// RelationalExporter snapshots users, documents, grants and provider tokens.
type RelationalExporter struct {
	users  UserLister
	docs   DocumentLister
	tokens TokenIterator
}

func NewRelationalExporter(users UserLister, docs DocumentLister, tokens TokenIterator) *RelationalExporter {
	return &RelationalExporter{users: users, docs: docs, tokens: tokens}
}

// MaskSecret redacts a secret to "***" plus its last 8 characters.
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "***"
	}
	return "***" + s[len(s)-8:]
}

// Export reads the relational store. Token values are masked as each row is
// read, so no unmasked secret reaches the snapshot. When documentIDs is set,
// users and tokens are limited to those documents' owners and grantees.
func (e *RelationalExporter) Export(ctx context.Context, documentIDs []string) (*RelationalSnapshot, error) {
	users, err := e.users.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("export users: %w", err)
	}
	docs, err := e.docs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("export documents: %w", err)
	}
	grants, err := e.docs.Grants(ctx)
	if err != nil {
		return nil, fmt.Errorf("export grants: %w", err)
	}

	// A document export carries only the people attached to those documents.
	var members map[string]bool
	if len(documentIDs) > 0 {
		docs = slices.DeleteFunc(docs, func(d model.Document) bool {
			return !slices.Contains(documentIDs, d.ID)
		})
		grants = slices.DeleteFunc(grants, func(a model.DocumentAccess) bool {
			return !slices.Contains(documentIDs, a.DocumentID)
		})
		members = make(map[string]bool)
		for _, d := range docs {
			members[d.OwnerID] = true
		}
		for _, a := range grants {
			members[a.UserID] = true
		}
		users = slices.DeleteFunc(users, func(u model.User) bool {
			return !members[u.ID]
		})
	}

	var tokens []model.OAuthToken
	err = e.tokens.Each(ctx, func(t model.OAuthToken) error {
		if members != nil && !members[t.UserID] {
			return nil
		}
		t.AccessToken = MaskSecret(t.AccessToken)
		t.RefreshToken = MaskSecret(t.RefreshToken)
		tokens = append(tokens, t)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("export oauth tokens: %w", err)
	}

	if users == nil {
		users = []model.User{}
	}
	if docs == nil {
		docs = []model.Document{}
	}
	if grants == nil {
		grants = []model.DocumentAccess{}
	}
	if tokens == nil {
		tokens = []model.OAuthToken{}
	}

	return &RelationalSnapshot{
		Users:     users,
		Documents: docs,
		Grants:    grants,
		Tokens:    tokens,
		Statistics: map[string]int{
			"users":        len(users),
			"documents":    len(docs),
			"grants":       len(grants),
			"oauth_tokens": len(tokens),
		},
	}, nil
}
