package model

import "time"

// Session is the decoded form of a signed session token.
type Session struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Email      string     `json:"email"`
	Name       string     `json:"name"`
	AuthMethod AuthMethod `json:"auth_method"`
	ExpiresAt  time.Time  `json:"expires_at"`
}
