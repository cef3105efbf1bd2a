package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dukerupert/graphsafe/internal/auth"
	"github.com/dukerupert/graphsafe/internal/backup"
	"github.com/dukerupert/graphsafe/internal/config"
	"github.com/dukerupert/graphsafe/internal/crypto"
	"github.com/dukerupert/graphsafe/internal/database"
	"github.com/dukerupert/graphsafe/internal/email"
	"github.com/dukerupert/graphsafe/internal/graph"
	"github.com/dukerupert/graphsafe/internal/handler"
	"github.com/dukerupert/graphsafe/internal/metrics"
	"github.com/dukerupert/graphsafe/internal/middleware"
	"github.com/dukerupert/graphsafe/internal/model"
	"github.com/dukerupert/graphsafe/internal/restore"
	"github.com/dukerupert/graphsafe/internal/snapshot"
	"github.com/dukerupert/graphsafe/internal/store"
	ws "github.com/dukerupert/graphsafe/internal/websocket"
)

const exportPageSize = 500

// Deps are the external resources a Server is built from.
type Deps struct {
	DB        *sql.DB
	Config    *config.Config
	S3        backup.S3Client
	Encryptor crypto.Encryptor
	States    auth.StateStore
	Mailer    *email.Client
	Logger    *slog.Logger
}

type Server struct {
	db          *sql.DB
	hub         *ws.Hub
	resolver    *auth.Resolver
	backupH     *handler.BackupHandler
	authH       *handler.AuthHandler
	graphH      *handler.GraphHandler
	archives    *backup.Service
	worker      *backup.Worker
	restorer    *restore.Service
	builder     *snapshot.Builder
	revoked     *store.RevokedSessionStore
	rateLimiter *middleware.RateLimiter
	proxies     middleware.TrustedProxies
	metrics     *metrics.Collector
	registry    *prometheus.Registry
	logger      *slog.Logger
}

func New(d Deps) (*Server, error) {
	cfg, db, logger := d.Config, d.DB, d.Logger
	proxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	hub := ws.NewHub(logger.With("component", "websocket"))
	collector := metrics.NewCollector()

	graphStore := graph.NewStore(db)
	userStore := store.NewUserStore(db)
	docStore := store.NewDocumentStore(db)
	tokenStore := store.NewTokenStore(db, d.Encryptor)
	revoked := store.NewRevokedSessionStore(db)

	builder := snapshot.NewBuilder(
		snapshot.NewGraphExporter(graphStore, exportPageSize),
		snapshot.NewRelationalExporter(userStore, docStore, tokenStore),
	)

	archives := backup.NewService(d.S3, backup.Config{
		Bucket:     cfg.S3.Bucket,
		Prefix:     cfg.S3.Prefix,
		Passphrase: cfg.Backup.Passphrase,
	}, logger.With("component", "backup"), backup.WithSnapshotSource(func(ctx context.Context) ([]byte, error) {
		return builder.Full(ctx, model.KindProtected)
	}))

	worker := backup.NewWorker(archives, func(ctx context.Context) ([]byte, error) {
		return builder.Full(ctx, model.KindFull)
	}, backup.WorkerConfig{
		ContinuousEnabled: cfg.Backup.ContinuousEnabled,
		FullEnabled:       cfg.Backup.FullEnabled,
		SyncInterval:      cfg.Backup.SyncInterval.Duration,
		FullInterval:      cfg.Backup.FullInterval.Duration,
		AlertThreshold:    cfg.Backup.AlertThreshold,
		SweepInterval:     cfg.Backup.SweepInterval.Duration,
	}, logger.With("component", "worker"),
		backup.WithRetentionSweep(archives.Sweep),
		backup.WithStateCallback(func(s model.BackupState) {
			hub.PublishState(s)
			collector.ObserveState(s)
		}),
		backup.WithFailureAlert(func(ctx context.Context, s model.BackupState) {
			hub.PublishAlert(s)
			if d.Mailer == nil {
				return
			}
			if err := d.Mailer.BackupFailing(ctx, s); err != nil {
				logger.Warn("backup alert email failed", "error", err)
			}
		}),
	)

	restorer := restore.NewService(db, archives, graphStore, userStore, docStore, logger.With("component", "restore"))

	sessions, err := auth.NewSessionManager(cfg.Auth.JWTSecret, cfg.Auth.JWTAlgorithm, cfg.SessionTTL(), revoked)
	if err != nil {
		return nil, fmt.Errorf("session manager: %w", err)
	}

	var notifier auth.ShareNotifier
	if d.Mailer != nil && d.Mailer.Configured() {
		notifier = d.Mailer
	}
	docs := auth.NewDocumentService(db, docStore, userStore, graphStore, worker, notifier, logger.With("component", "documents"))

	oauth := auth.NewOAuthService(auth.Providers(auth.OAuthConfig{
		GoogleClientID:     cfg.Auth.GoogleClientID,
		GoogleClientSecret: cfg.Auth.GoogleClientSecret,
		GitHubClientID:     cfg.Auth.GitHubClientID,
		GitHubClientSecret: cfg.Auth.GitHubClientSecret,
		RedirectBaseURL:    cfg.Auth.OAuthRedirectBaseURL,
	}), d.States, userStore, tokenStore, sessions, cfg.Auth.OAuthRedirectBaseURL, logger.With("component", "oauth"))

	return &Server{
		db:       db,
		hub:      hub,
		resolver: auth.NewResolver(sessions, userStore, cfg.Auth.APIKey),
		backupH: handler.NewBackupHandler(archives, worker, restorer, builder.Full, hub, collector,
			logger.With("component", "backup_handler")),
		authH:       handler.NewAuthHandler(oauth, sessions, docs, collector, logger.With("component", "auth")),
		graphH:      handler.NewGraphHandler(graphStore, docs, worker, logger.With("component", "graph")),
		archives:    archives,
		worker:      worker,
		restorer:    restorer,
		builder:     builder,
		revoked:     revoked,
		rateLimiter: middleware.NewRateLimiter(middleware.LoginLimit, middleware.LoginWindow),
		proxies:     proxies,
		metrics:     collector,
		registry:    metrics.Registry(collector),
		logger:      logger,
	}, nil
}

// Worker returns the continuous backup worker for lifecycle management.
func (s *Server) Worker() *backup.Worker {
	return s.worker
}

// Archives returns the object-store backup service.
func (s *Server) Archives() *backup.Service {
	return s.archives
}

// Snapshots returns the builder that serializes full state.
func (s *Server) Snapshots() *snapshot.Builder {
	return s.builder
}

// Restorer returns the restore service, used for restore on startup.
func (s *Server) Restorer() *restore.Service {
	return s.restorer
}

// RateLimiter returns the login rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// RevokedSessions returns the revocation store for cleanup tasks.
func (s *Server) RevokedSessions() *store.RevokedSessionStore {
	return s.revoked
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes
	outerMux.HandleFunc("GET /healthz", s.healthHandler)
	outerMux.Handle("POST /auth/{provider}/login", s.loginRateLimit(http.HandlerFunc(s.authH.Login)))
	outerMux.HandleFunc("GET /auth/{provider}/callback", s.authH.Callback)

	// Everything else needs a session token or the API key
	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)
	outerMux.Handle("/", middleware.RequireIdentity(s.resolver)(protectedMux))

	return middleware.RequestLogger(s.logger.With("component", "http"), s.proxies.ClientIP)(outerMux)
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	privileged := func(h http.HandlerFunc) http.Handler {
		return middleware.RequirePrivileged(h)
	}
	session := func(h http.HandlerFunc) http.Handler {
		return middleware.RequireSession(h)
	}

	// Backup administration (API key only)
	mux.Handle("POST /backup/create", privileged(s.backupH.Create))
	mux.Handle("GET /backup/list", privileged(s.backupH.List))
	mux.Handle("POST /backup/restore", privileged(s.backupH.Restore))
	mux.Handle("GET /backup/status", privileged(s.backupH.Status))
	mux.Handle("POST /backup/force-sync", privileged(s.backupH.ForceSync))
	mux.Handle("POST /backup/sweep", privileged(s.backupH.Sweep))
	mux.Handle("GET /backup/events", privileged(ws.HandleEvents(s.hub, s.logger.With("component", "events"))))
	mux.Handle("DELETE /backup/{key...}", privileged(s.backupH.Delete))
	mux.Handle("GET /metrics", middleware.RequirePrivileged(metrics.Handler(s.registry)))

	// Session routes
	mux.Handle("GET /auth/me", session(s.authH.Me))
	mux.Handle("POST /auth/logout", session(s.authH.Logout))
	mux.Handle("POST /auth/documents", session(s.authH.CreateDocument))

	// Document ownership and sharing
	mux.HandleFunc("GET /auth/documents/owned", s.authH.Owned)
	mux.HandleFunc("POST /auth/documents/{id}/share", s.authH.Share)
	mux.HandleFunc("DELETE /auth/documents/{id}/access/{userID}", s.authH.RevokeAccess)
	mux.HandleFunc("GET /auth/documents/{id}/users", s.authH.Users)

	// Graph content
	mux.HandleFunc("GET /documents/{id}/graph", s.graphH.Get)
	mux.HandleFunc("POST /documents/{id}/nodes", s.graphH.CreateNode)
	mux.HandleFunc("PUT /documents/{id}/nodes/{nodeID}", s.graphH.UpdateNode)
	mux.HandleFunc("DELETE /documents/{id}/nodes/{nodeID}", s.graphH.DeleteNode)
	mux.HandleFunc("POST /documents/{id}/edges", s.graphH.CreateEdge)
	mux.HandleFunc("DELETE /documents/{id}/edges/{edgeID}", s.graphH.DeleteEdge)
	mux.HandleFunc("DELETE /documents/{id}", s.graphH.DeleteDocument)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}
	if v, err := database.Version(s.db); err == nil {
		status["schema_version"] = v
	}
	status["backup"] = s.worker.Status()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// loginRateLimit limits login attempts per client IP and counts denials.
// The key is the socket peer unless that peer is a configured proxy.
func (s *Server) loginRateLimit(next http.Handler) http.Handler {
	limited := middleware.RateLimit(s.rateLimiter, s.proxies.ClientIP)(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &deniedRecorder{ResponseWriter: w}
		limited.ServeHTTP(rec, r)
		if rec.status == http.StatusTooManyRequests {
			s.metrics.RateLimited()
		}
	})
}

type deniedRecorder struct {
	http.ResponseWriter
	status int
}

func (r *deniedRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
