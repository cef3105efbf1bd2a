package model

import "time"

// Level is a permission level on a document.
type Level string

const (
	LevelViewer Level = "viewer"
	LevelEditor Level = "editor"
	LevelOwner  Level = "owner"
)

var levelRank = map[Level]int{
	LevelViewer: 0,
	LevelEditor: 1,
	LevelOwner:  2,
}

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// AtLeast reports whether l grants at least min.
func (l Level) AtLeast(min Level) bool {
	r, ok := levelRank[l]
	if !ok {
		return false
	}
	return r >= levelRank[min]
}

type Document struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

type DocumentAccess struct {
	DocumentID string    `json:"document_id"`
	UserID     string    `json:"user_id"`
	Level      Level     `json:"level"`
	GrantedBy  string    `json:"granted_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DocumentMember is a grant joined with the grantee's profile.
type DocumentMember struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Level  Level  `json:"level"`
}
