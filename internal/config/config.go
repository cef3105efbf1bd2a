// Package config loads server settings from an optional TOML file and the
// environment. Environment variables win over file values.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dukerupert/graphsafe/internal/secret"
)

type Config struct {
	Port      string `toml:"port"`
	DBPath    string `toml:"db_path"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	BaseURL   string `toml:"base_url"`

	// TrustedProxies are addresses or CIDR ranges whose X-Forwarded-For
	// header identifies the client. Empty means the socket peer is used.
	TrustedProxies []string `toml:"trusted_proxies"`

	S3      S3Config      `toml:"s3"`
	Backup  BackupConfig  `toml:"backup"`
	Auth    AuthConfig    `toml:"auth"`
	Crypto  CryptoConfig  `toml:"crypto"`
	Secrets SecretsConfig `toml:"secrets"`
	Email   EmailConfig   `toml:"email"`
}

type S3Config struct {
	Bucket    string `toml:"bucket"`
	Prefix    string `toml:"prefix"`
	Region    string `toml:"region"`
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"-"`
}

type BackupConfig struct {
	ContinuousEnabled bool     `toml:"continuous_enabled"`
	SyncInterval      Duration `toml:"sync_interval"`
	FullEnabled       bool     `toml:"full_enabled"`
	FullInterval      Duration `toml:"full_interval"`
	RestoreOnStartup  bool     `toml:"restore_on_startup"`
	AlertThreshold    int      `toml:"alert_threshold"`
	SweepInterval     Duration `toml:"sweep_interval"`
	Passphrase        string   `toml:"-"`
}

type AuthConfig struct {
	APIKey               string `toml:"-"`
	JWTSecret            string `toml:"-"`
	JWTAlgorithm         string `toml:"jwt_algorithm"`
	JWTExpirationHours   int    `toml:"jwt_expiration_hours"`
	OAuthRedirectBaseURL string `toml:"oauth_redirect_base_url"`
	OAuthStateTable      string `toml:"oauth_state_table"`
	GoogleClientID       string `toml:"google_client_id"`
	GoogleClientSecret   string `toml:"-"`
	GitHubClientID       string `toml:"github_client_id"`
	GitHubClientSecret   string `toml:"-"`
}

type CryptoConfig struct {
	KMSKeyID           string `toml:"kms_key_id"`
	TokenEncryptionKey string `toml:"-"`
}

type SecretsConfig struct {
	Backend string `toml:"backend"`
	Prefix  string `toml:"prefix"`
}

type EmailConfig struct {
	PostmarkToken string `toml:"-"`
	From          string `toml:"from"`
	AlertTo       string `toml:"alert_to"`
}

// Duration decodes from TOML as either a Go duration string or a number of
// seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := parseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d *Duration) UnmarshalTOML(v any) error {
	switch x := v.(type) {
	case int64:
		d.Duration = time.Duration(x) * time.Second
		return nil
	case string:
		return d.UnmarshalText([]byte(x))
	}
	return fmt.Errorf("invalid duration %v", v)
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// Default returns the settings used when nothing else is configured.
func Default() *Config {
	return &Config{
		Port:      "8080",
		DBPath:    "graphsafe.db",
		LogLevel:  "info",
		LogFormat: "text",
		BaseURL:   "http://localhost:8080",
		S3: S3Config{
			Bucket: "graphsafe-backups",
			Prefix: "graph-backups/",
			Region: "us-east-1",
		},
		Backup: BackupConfig{
			ContinuousEnabled: true,
			SyncInterval:      Duration{60 * time.Second},
			FullEnabled:       true,
			FullInterval:      Duration{time.Hour},
			AlertThreshold:    3,
			SweepInterval:     Duration{24 * time.Hour},
		},
		Auth: AuthConfig{
			JWTAlgorithm:         "HS256",
			JWTExpirationHours:   24,
			OAuthRedirectBaseURL: "http://localhost:8080",
		},
		Secrets: SecretsConfig{Backend: "env", Prefix: "/graphsafe/"},
	}
}

// Read decodes TOML from r over the defaults.
func Read(r io.Reader) (*Config, error) {
	cfg := Default()
	if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Load reads the TOML file at path when path is set, then applies
// environment overrides from getenv.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()
		if cfg, err = Read(f); err != nil {
			return nil, fmt.Errorf("reading config from %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []string
	boolean := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *Duration) {
		if v := getenv(key); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			dst.Duration = d
		}
	}

	str("GRAPHSAFE_PORT", &c.Port)
	str("GRAPHSAFE_DB_PATH", &c.DBPath)
	str("GRAPHSAFE_LOG_LEVEL", &c.LogLevel)
	str("GRAPHSAFE_LOG_FORMAT", &c.LogFormat)
	str("GRAPHSAFE_BASE_URL", &c.BaseURL)
	if v := getenv("GRAPHSAFE_TRUSTED_PROXIES"); v != "" {
		c.TrustedProxies = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.TrustedProxies = append(c.TrustedProxies, p)
			}
		}
	}
	if uri := getenv("POSTGRES_URI"); uri != "" {
		path, err := relationalPath(uri)
		if err != nil {
			errs = append(errs, err.Error())
		} else {
			c.DBPath = path
		}
	}

	str("S3_BACKUP_BUCKET", &c.S3.Bucket)
	str("S3_BACKUP_PREFIX", &c.S3.Prefix)
	str("AWS_REGION", &c.S3.Region)
	str("S3_ENDPOINT", &c.S3.Endpoint)
	str("AWS_ACCESS_KEY_ID", &c.S3.AccessKey)
	str("AWS_SECRET_ACCESS_KEY", &c.S3.SecretKey)

	boolean("ENABLE_CONTINUOUS_BACKUP", &c.Backup.ContinuousEnabled)
	duration("BACKUP_SYNC_INTERVAL", &c.Backup.SyncInterval)
	boolean("ENABLE_FULL_BACKUP", &c.Backup.FullEnabled)
	duration("FULL_BACKUP_INTERVAL", &c.Backup.FullInterval)
	boolean("RESTORE_FROM_S3_ON_STARTUP", &c.Backup.RestoreOnStartup)
	integer("BACKUP_ALERT_THRESHOLD", &c.Backup.AlertThreshold)
	str("BACKUP_PASSPHRASE", &c.Backup.Passphrase)
	duration("BACKUP_SWEEP_INTERVAL", &c.Backup.SweepInterval)

	str("API_KEY", &c.Auth.APIKey)
	str("JWT_SECRET_KEY", &c.Auth.JWTSecret)
	str("JWT_ALGORITHM", &c.Auth.JWTAlgorithm)
	integer("JWT_EXPIRATION_HOURS", &c.Auth.JWTExpirationHours)
	str("OAUTH_REDIRECT_BASE_URL", &c.Auth.OAuthRedirectBaseURL)
	str("OAUTH_STATE_TABLE", &c.Auth.OAuthStateTable)
	str("GOOGLE_CLIENT_ID", &c.Auth.GoogleClientID)
	str("GOOGLE_CLIENT_SECRET", &c.Auth.GoogleClientSecret)
	str("GITHUB_CLIENT_ID", &c.Auth.GitHubClientID)
	str("GITHUB_CLIENT_SECRET", &c.Auth.GitHubClientSecret)

	str("KMS_KEY_ID", &c.Crypto.KMSKeyID)
	str("TOKEN_ENCRYPTION_KEY", &c.Crypto.TokenEncryptionKey)

	str("SECRETS_BACKEND", &c.Secrets.Backend)
	str("SECRETS_PREFIX", &c.Secrets.Prefix)

	str("POSTMARK_SERVER_TOKEN", &c.Email.PostmarkToken)
	str("ALERT_FROM_EMAIL", &c.Email.From)
	str("ALERT_TO_EMAIL", &c.Email.AlertTo)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// relationalPath accepts a SQLite path or file: URI. Network database URIs
// are rejected since graph and relational state share one SQLite file.
func relationalPath(uri string) (string, error) {
	if i := strings.Index(uri, "://"); i > 0 && !strings.HasPrefix(uri, "file:") {
		return "", fmt.Errorf("POSTGRES_URI: %s databases are not supported, use a SQLite path or file: URI", uri[:i])
	}
	return uri, nil
}

// ResolveSecrets fills unset secret fields from r.
func (c *Config) ResolveSecrets(ctx context.Context, r secret.Resolver) error {
	fields := []struct {
		name string
		dst  *string
	}{
		{"api-key", &c.Auth.APIKey},
		{"jwt-secret-key", &c.Auth.JWTSecret},
		{"google-client-secret", &c.Auth.GoogleClientSecret},
		{"github-client-secret", &c.Auth.GitHubClientSecret},
		{"backup-passphrase", &c.Backup.Passphrase},
		{"token-encryption-key", &c.Crypto.TokenEncryptionKey},
		{"postmark-server-token", &c.Email.PostmarkToken},
		{"aws-secret-access-key", &c.S3.SecretKey},
	}
	for _, f := range fields {
		if *f.dst != "" {
			continue
		}
		v, err := secret.Optional(ctx, r, f.name)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", f.name, err)
		}
		*f.dst = v
	}
	return nil
}

// Validate checks settings that the server cannot start without.
func (c *Config) Validate() error {
	var errs []string
	if c.Auth.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET_KEY is required")
	}
	switch c.Auth.JWTAlgorithm {
	case "HS256", "HS384", "HS512":
	default:
		errs = append(errs, fmt.Sprintf("JWT_ALGORITHM %q is not supported", c.Auth.JWTAlgorithm))
	}
	if c.Auth.JWTExpirationHours <= 0 {
		errs = append(errs, "JWT_EXPIRATION_HOURS must be positive")
	}
	if c.S3.Bucket == "" {
		errs = append(errs, "S3_BACKUP_BUCKET is required")
	}
	if c.Backup.SyncInterval.Duration <= 0 || c.Backup.FullInterval.Duration <= 0 || c.Backup.SweepInterval.Duration <= 0 {
		errs = append(errs, "backup intervals must be positive")
	}
	if (c.S3.AccessKey == "") != (c.S3.SecretKey == "") {
		errs = append(errs, "AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set together")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("GRAPHSAFE_LOG_FORMAT %q must be text or json", c.LogFormat))
	}
	switch c.Secrets.Backend {
	case "env", "ssm":
	default:
		errs = append(errs, fmt.Sprintf("SECRETS_BACKEND %q must be env or ssm", c.Secrets.Backend))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SessionTTL is the configured session lifetime.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Auth.JWTExpirationHours) * time.Hour
}
