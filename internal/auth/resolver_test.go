package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/dukerupert/graphsafe/internal/apperr"
	"github.com/dukerupert/graphsafe/internal/model"
	"github.com/dukerupert/graphsafe/internal/store"
)

func setupResolver(t *testing.T, apiKey string) (*Resolver, *SessionManager, *model.User) {
	t.Helper()
	db := setupTestDB(t)
	users := store.NewUserStore(db)
	u := &model.User{Email: "alice@example.com", Name: "Alice", AuthMethod: model.AuthGoogle}
	if err := users.Create(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	sessions := newTestSessions(t, db, "HS256")
	return NewResolver(sessions, users, apiKey), sessions, u
}

func TestResolveBearer(t *testing.T) {
	r, sessions, u := setupResolver(t, "key")
	token, _, err := sessions.Issue(u)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("GET", "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	id, err := r.Resolve(req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id.Kind != KindSession || id.User.ID != u.ID {
		t.Errorf("identity = %+v, want session for %s", id, u.ID)
	}
	if id.Session == nil {
		t.Error("expected session on identity")
	}
}

func TestResolveAPIKey(t *testing.T) {
	r, _, _ := setupResolver(t, "s3cret")

	req := httptest.NewRequest("GET", "/backup/list", nil)
	req.Header.Set(APIKeyHeader, "s3cret")
	id, err := r.Resolve(req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !id.Privileged() || id.User.AuthMethod != model.AuthAPIKey {
		t.Errorf("identity = %+v, want api key identity", id)
	}
}

func TestResolveBearerTakesPrecedence(t *testing.T) {
	r, sessions, u := setupResolver(t, "s3cret")
	token, _, _ := sessions.Issue(u)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(APIKeyHeader, "s3cret")
	id, err := r.Resolve(req)
	if err != nil {
		t.Fatal(err)
	}
	if id.Kind != KindSession {
		t.Errorf("kind = %q, want session", id.Kind)
	}
}

func TestResolveRejects(t *testing.T) {
	tests := []struct {
		name    string
		apiKey  string
		headers map[string]string
	}{
		{"no credentials", "s3cret", nil},
		{"wrong api key", "s3cret", map[string]string{APIKeyHeader: "guess"}},
		{"api key disabled", "", map[string]string{APIKeyHeader: "anything"}},
		{"garbage bearer", "s3cret", map[string]string{"Authorization": "Bearer not.a.jwt"}},
		{"basic scheme", "s3cret", map[string]string{"Authorization": "Basic dXNlcjpwYXNz"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, _ := setupResolver(t, tt.apiKey)
			req := httptest.NewRequest("GET", "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if _, err := r.Resolve(req); !errors.Is(err, apperr.ErrUnauthorized) {
				t.Errorf("err = %v, want ErrUnauthorized", err)
			}
		})
	}
}

func TestResolveUnknownUser(t *testing.T) {
	r, sessions, _ := setupResolver(t, "")
	token, _, err := sessions.Issue(&model.User{ID: "ghost", Email: "ghost@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	if _, err := r.Resolve(req); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}
