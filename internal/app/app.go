// Package app assembles a configured server from its external resources.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/graphsafe/internal/auth"
	"github.com/dukerupert/graphsafe/internal/backup"
	"github.com/dukerupert/graphsafe/internal/config"
	"github.com/dukerupert/graphsafe/internal/crypto"
	"github.com/dukerupert/graphsafe/internal/database"
	"github.com/dukerupert/graphsafe/internal/email"
	"github.com/dukerupert/graphsafe/internal/secret"
	"github.com/dukerupert/graphsafe/internal/server"
)

const (
	cleanupInterval  = 5 * time.Minute
	shutdownTimeout  = 10 * time.Second
	autoRestoreLimit = 10 * time.Minute
)

// App owns the database and the server built on it. The caller must
// call Close.
type App struct {
	Config *config.Config
	DB     *sql.DB
	Server *server.Server
	logger *slog.Logger
}

// awsLoader loads the shared AWS configuration at most once.
type awsLoader struct {
	region string
	cfg    *aws.Config
}

func (l *awsLoader) load(ctx context.Context) (aws.Config, error) {
	if l.cfg != nil {
		return *l.cfg, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(l.region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	l.cfg = &cfg
	return cfg, nil
}

// ResolveSecrets fills secret settings from the configured backend and
// validates the result.
func ResolveSecrets(ctx context.Context, cfg *config.Config) error {
	loader := &awsLoader{region: cfg.S3.Region}
	return resolveSecrets(ctx, cfg, loader)
}

func resolveSecrets(ctx context.Context, cfg *config.Config, loader *awsLoader) error {
	var resolver secret.Resolver = secret.NewEnvResolver()
	if cfg.Secrets.Backend == "ssm" {
		awsCfg, err := loader.load(ctx)
		if err != nil {
			return err
		}
		resolver = secret.NewSSMResolver(ssm.NewFromConfig(awsCfg), cfg.Secrets.Prefix)
	}
	if err := cfg.ResolveSecrets(ctx, resolver); err != nil {
		return err
	}
	return cfg.Validate()
}

// New resolves secrets, opens the database and builds the server.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	loader := &awsLoader{region: cfg.S3.Region}
	if err := resolveSecrets(ctx, cfg, loader); err != nil {
		return nil, err
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	srv, err := build(ctx, cfg, db, loader, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &App{Config: cfg, DB: db, Server: srv, logger: logger}, nil
}

func build(ctx context.Context, cfg *config.Config, db *sql.DB, loader *awsLoader, logger *slog.Logger) (*server.Server, error) {
	s3Client, err := backup.NewS3Client(ctx, backup.S3Config{
		Region:    cfg.S3.Region,
		Endpoint:  cfg.S3.Endpoint,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}

	var enc crypto.Encryptor
	if cfg.Crypto.KMSKeyID != "" {
		awsCfg, err := loader.load(ctx)
		if err != nil {
			return nil, err
		}
		enc = crypto.NewKMSService(kms.NewFromConfig(awsCfg), cfg.Crypto.KMSKeyID)
		logger.Info("oauth tokens encrypted with kms", "key_id", cfg.Crypto.KMSKeyID)
	} else {
		key := cfg.Crypto.TokenEncryptionKey
		if key == "" {
			key = cfg.Auth.JWTSecret
			logger.Warn("TOKEN_ENCRYPTION_KEY not set, deriving token encryption from the session secret")
		}
		enc = crypto.NewLocalEncryptor(key)
	}

	var states auth.StateStore
	if cfg.Auth.OAuthStateTable != "" {
		awsCfg, err := loader.load(ctx)
		if err != nil {
			return nil, err
		}
		states = auth.NewDynamoStateStore(dynamodb.NewFromConfig(awsCfg), cfg.Auth.OAuthStateTable)
	} else {
		states = auth.NewMemoryStateStore()
		logger.Info("oauth state kept in memory, logins are bound to this instance")
	}

	mailer := email.NewClient(cfg.Email.PostmarkToken, cfg.Email.From, cfg.Email.AlertTo, cfg.BaseURL)
	if !mailer.Configured() {
		logger.Info("email not configured, alerts and share notices disabled")
	}

	return server.New(server.Deps{
		DB:        db,
		Config:    cfg,
		S3:        s3Client,
		Encryptor: enc,
		States:    states,
		Mailer:    mailer,
		Logger:    logger,
	})
}

func (a *App) Close() error {
	return a.DB.Close()
}

// Run serves HTTP and drives the backup worker until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.Config.Backup.RestoreOnStartup {
		rctx, cancel := context.WithTimeout(ctx, autoRestoreLimit)
		report, err := a.Server.Restorer().AutoRestore(rctx)
		cancel()
		switch {
		case err != nil:
			a.logger.Error("restore on startup failed", "error", err)
		case report != nil:
			a.logger.Info("restored on startup", "archive", report.ArchiveKey,
				"nodes", report.NodesRestored, "edges", report.EdgesRestored)
		}
	}

	worker := a.Server.Worker()
	worker.Start(ctx)

	httpServer := &http.Server{
		Addr:         ":" + a.Config.Port,
		Handler:      a.Server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("graphsafe listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(sctx)
		worker.Stop()
		a.logger.Info("shutdown complete")
		return err
	})
	g.Go(func() error {
		a.cleanupLoop(gctx)
		return nil
	})
	return g.Wait()
}

// cleanupLoop prunes rate limiter entries and expired session revocations.
func (a *App) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.Server.RateLimiter().Cleanup()
			n, err := a.Server.RevokedSessions().DeleteExpired(ctx, now)
			if err != nil {
				a.logger.Warn("revoked session cleanup failed", "error", err)
			} else if n > 0 {
				a.logger.Debug("pruned revoked sessions", "count", n)
			}
		}
	}
}
