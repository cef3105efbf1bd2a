package model

import "time"

type AuthMethod string

const (
	AuthGoogle AuthMethod = "oauth:google"
	AuthGitHub AuthMethod = "oauth:github"
	AuthAPIKey AuthMethod = "api_key"
)

type User struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	Name       string     `json:"name"`
	AuthMethod AuthMethod `json:"auth_method"`
	Provider   string     `json:"provider,omitempty"`
	ProviderID string     `json:"provider_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// OAuthToken holds provider tokens. Token fields carry whatever the store
// persisted (ciphertext at rest, masked in archives).
type OAuthToken struct {
	UserID       string     `json:"user_id"`
	Provider     string     `json:"provider"`
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
