package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
	googleoauth2 "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"github.com/dukerupert/graphsafe/internal/apperr"
	"github.com/dukerupert/graphsafe/internal/model"
	"github.com/dukerupert/graphsafe/internal/store"
)

const githubAPI = "https://api.github.com"

// ProviderUser is the profile an OAuth provider reports.
type ProviderUser struct {
	ID    string
	Email string
	Name  string
}

type UserFetcher func(ctx context.Context, cfg *oauth2.Config, tok *oauth2.Token) (*ProviderUser, error)

type Provider struct {
	Name      string
	Method    model.AuthMethod
	Config    *oauth2.Config
	FetchUser UserFetcher
}

type OAuthConfig struct {
	GoogleClientID     string
	GoogleClientSecret string
	GitHubClientID     string
	GitHubClientSecret string
	RedirectBaseURL    string
}

// Providers returns the providers whose client credentials are set.
func Providers(cfg OAuthConfig) map[string]*Provider {
	base := strings.TrimRight(cfg.RedirectBaseURL, "/")
	out := make(map[string]*Provider)
	if cfg.GoogleClientID != "" && cfg.GoogleClientSecret != "" {
		out["google"] = &Provider{
			Name:   "google",
			Method: model.AuthGoogle,
			Config: &oauth2.Config{
				ClientID:     cfg.GoogleClientID,
				ClientSecret: cfg.GoogleClientSecret,
				Endpoint:     google.Endpoint,
				RedirectURL:  base + "/auth/google/callback",
				Scopes:       []string{"openid", googleoauth2.UserinfoEmailScope, googleoauth2.UserinfoProfileScope},
			},
			FetchUser: fetchGoogleUser,
		}
	}
	if cfg.GitHubClientID != "" && cfg.GitHubClientSecret != "" {
		out["github"] = &Provider{
			Name:   "github",
			Method: model.AuthGitHub,
			Config: &oauth2.Config{
				ClientID:     cfg.GitHubClientID,
				ClientSecret: cfg.GitHubClientSecret,
				Endpoint:     github.Endpoint,
				RedirectURL:  base + "/auth/github/callback",
				Scopes:       []string{"read:user", "user:email"},
			},
			FetchUser: GitHubFetcher(githubAPI),
		}
	}
	return out
}

func fetchGoogleUser(ctx context.Context, cfg *oauth2.Config, tok *oauth2.Token) (*ProviderUser, error) {
	svc, err := googleoauth2.NewService(ctx, option.WithTokenSource(cfg.TokenSource(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("create google oauth2 service: %w", err)
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get google userinfo: %w", err)
	}
	return &ProviderUser{ID: info.Id, Email: info.Email, Name: info.Name}, nil
}

// GitHubFetcher reads the profile from a GitHub API base URL. Accounts with
// no visible email fall back to the primary verified address and then to
// the noreply address.
func GitHubFetcher(apiBase string) UserFetcher {
	return func(ctx context.Context, cfg *oauth2.Config, tok *oauth2.Token) (*ProviderUser, error) {
		client := cfg.Client(ctx, tok)

		var profile struct {
			ID    int64  `json:"id"`
			Login string `json:"login"`
			Name  string `json:"name"`
			Email string `json:"email"`
		}
		if err := getJSON(ctx, client, apiBase+"/user", &profile); err != nil {
			return nil, fmt.Errorf("get github user: %w", err)
		}

		email := profile.Email
		if email == "" {
			var emails []struct {
				Email    string `json:"email"`
				Primary  bool   `json:"primary"`
				Verified bool   `json:"verified"`
			}
			if err := getJSON(ctx, client, apiBase+"/user/emails", &emails); err == nil {
				for _, e := range emails {
					if e.Primary && e.Verified {
						email = e.Email
						break
					}
				}
			}
		}
		if email == "" {
			email = profile.Login + "@users.noreply.github.com"
		}
		name := profile.Name
		if name == "" {
			name = profile.Login
		}
		return &ProviderUser{ID: strconv.FormatInt(profile.ID, 10), Email: email, Name: name}, nil
	}
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %s", endpoint, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// OAuthService runs the authorization code flow and issues sessions.
type OAuthService struct {
	providers    map[string]*Provider
	states       StateStore
	users        *store.UserStore
	tokens       *store.TokenStore
	sessions     *SessionManager
	redirectBase string
	logger       *slog.Logger
	now          func() time.Time
}

func NewOAuthService(providers map[string]*Provider, states StateStore, users *store.UserStore, tokens *store.TokenStore, sessions *SessionManager, redirectBase string, logger *slog.Logger) *OAuthService {
	return &OAuthService{
		providers:    providers,
		states:       states,
		users:        users,
		tokens:       tokens,
		sessions:     sessions,
		redirectBase: strings.TrimRight(redirectBase, "/"),
		logger:       logger,
		now:          time.Now,
	}
}

func (s *OAuthService) provider(name string) (*Provider, error) {
	p, ok := s.providers[name]
	if !ok {
		return nil, fmt.Errorf("oauth provider %q: %w", name, apperr.ErrProviderNotConfigured)
	}
	return p, nil
}

// Login returns the provider authorization URL and the one-time state
// bound to it.
func (s *OAuthService) Login(ctx context.Context, provider string) (authURL, state string, err error) {
	p, err := s.provider(provider)
	if err != nil {
		return "", "", err
	}
	state = uuid.NewString()
	if err := s.states.Save(ctx, state, p.Name, s.now().Add(StateTTL)); err != nil {
		return "", "", err
	}
	return p.Config.AuthCodeURL(state, oauth2.AccessTypeOffline), state, nil
}

// Callback redeems state, exchanges code, upserts the user and issues a
// session token. No session is issued when the state does not match.
func (s *OAuthService) Callback(ctx context.Context, provider, code, state string) (string, *model.User, error) {
	p, err := s.provider(provider)
	if err != nil {
		return "", nil, err
	}
	if state == "" {
		return "", nil, fmt.Errorf("missing state: %w", apperr.ErrInvalidState)
	}
	issuedFor, err := s.states.Consume(ctx, state)
	if err != nil {
		return "", nil, err
	}
	if issuedFor != p.Name {
		return "", nil, fmt.Errorf("state issued for %s, not %s: %w", issuedFor, p.Name, apperr.ErrInvalidState)
	}
	if code == "" {
		return "", nil, fmt.Errorf("missing authorization code: %w", apperr.ErrInvalidRequest)
	}

	tok, err := p.Config.Exchange(ctx, code)
	if err != nil {
		return "", nil, fmt.Errorf("exchange %s code: %v: %w", p.Name, err, apperr.ErrUnauthorized)
	}
	profile, err := p.FetchUser(ctx, p.Config, tok)
	if err != nil {
		return "", nil, fmt.Errorf("fetch %s profile: %v: %w", p.Name, err, apperr.ErrUnauthorized)
	}
	if profile.ID == "" || profile.Email == "" {
		return "", nil, fmt.Errorf("%s profile has no id or email: %w", p.Name, apperr.ErrUnauthorized)
	}

	u, err := s.users.UpsertOAuth(ctx, p.Name, profile.ID, profile.Email, profile.Name, p.Method)
	if err != nil {
		return "", nil, err
	}

	saved := model.OAuthToken{
		UserID:       u.ID,
		Provider:     p.Name,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		saved.ExpiresAt = &exp
	}
	if err := s.tokens.Save(ctx, saved); err != nil {
		return "", nil, err
	}

	signed, _, err := s.sessions.Issue(u)
	if err != nil {
		return "", nil, err
	}
	s.logger.Info("oauth login", "provider", p.Name, "user_id", u.ID)
	return signed, u, nil
}

// SuccessRedirect is where the browser goes after a successful login.
func (s *OAuthService) SuccessRedirect(token string) string {
	return s.redirectBase + "/?token=" + url.QueryEscape(token)
}

// ErrorRedirect carries the error kind back to the browser.
func (s *OAuthService) ErrorRedirect(err error) string {
	return s.redirectBase + "/?error=" + url.QueryEscape(string(apperr.KindOf(err)))
}
