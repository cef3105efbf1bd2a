package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dukerupert/graphsafe/internal/apperr"
	"github.com/dukerupert/graphsafe/internal/backup"
	"github.com/dukerupert/graphsafe/internal/metrics"
	"github.com/dukerupert/graphsafe/internal/model"
	"github.com/dukerupert/graphsafe/internal/restore"
)

type ArchiveService interface {
	Store(ctx context.Context, kind model.ArchiveKind, payload []byte) (*model.Archive, error)
	List(ctx context.Context, f backup.Filter) ([]model.Archive, error)
	Delete(ctx context.Context, key string) (*model.Archive, error)
	Sweep(ctx context.Context) ([]string, error)
}

type SyncWorker interface {
	Status() model.BackupState
	ForceSync(ctx context.Context) (*model.Archive, error)
}

type Restorer interface {
	RestoreFull(ctx context.Context, key string, opts restore.Options) (*model.Report, error)
	RestoreSelective(ctx context.Context, key string, f restore.Filter, opts restore.Options) (*model.Report, error)
}

// BackupEvents is told about archive lifecycle changes.
type BackupEvents interface {
	PublishArchive(a model.Archive)
	PublishDeleted(key string, safety model.Archive)
	PublishRestore(r model.Report)
}

// Snapshotter produces a full-state payload.
type Snapshotter func(ctx context.Context, kind model.ArchiveKind) ([]byte, error)

type BackupHandler struct {
	archives ArchiveService
	worker   SyncWorker
	restorer Restorer
	snapshot Snapshotter
	events   BackupEvents
	metrics  *metrics.Collector
	logger   *slog.Logger
}

func NewBackupHandler(archives ArchiveService, worker SyncWorker, restorer Restorer, snapshot Snapshotter, events BackupEvents, m *metrics.Collector, logger *slog.Logger) *BackupHandler {
	return &BackupHandler{
		archives: archives,
		worker:   worker,
		restorer: restorer,
		snapshot: snapshot,
		events:   events,
		metrics:  m,
		logger:   logger,
	}
}

// Create takes a manual full backup.
func (h *BackupHandler) Create(w http.ResponseWriter, r *http.Request) {
	payload, err := h.snapshot(r.Context(), model.KindManual)
	if err != nil {
		writeError(w, h.logger, r, fmt.Errorf("build snapshot: %w", err))
		return
	}
	archive, err := h.archives.Store(r.Context(), model.KindManual, payload)
	if err != nil {
		h.metrics.Operation("store", err)
		writeError(w, h.logger, r, err)
		return
	}
	h.metrics.ArchiveStored(*archive)
	h.events.PublishArchive(*archive)
	h.logger.Info("manual backup stored", "key", archive.Key, "size", archive.Size)
	writeJSON(w, http.StatusCreated, archive)
}

func (h *BackupHandler) List(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	archives, err := h.archives.List(r.Context(), f)
	h.metrics.Operation("list", err)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if archives == nil {
		archives = []model.Archive{}
	}
	writeJSON(w, http.StatusOK, archives)
}

func parseFilter(r *http.Request) (backup.Filter, error) {
	q := r.URL.Query()
	f := backup.Filter{Kind: model.ArchiveKind(q.Get("kind"))}
	if f.Kind != "" && !f.Kind.Valid() {
		return f, fmt.Errorf("unknown archive kind %q: %w", f.Kind, apperr.ErrInvalidRequest)
	}
	for name, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, fmt.Errorf("%s must be RFC 3339: %w", name, apperr.ErrInvalidRequest)
			}
			*dst = t
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("limit must be a non-negative integer: %w", apperr.ErrInvalidRequest)
		}
		f.Limit = n
	}
	if v := q.Get("exclude_protected"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("exclude_protected must be a boolean: %w", apperr.ErrInvalidRequest)
		}
		f.ExcludeProtected = b
	}
	return f, nil
}

type restoreRequest struct {
	Key            string            `json:"key"`
	Mode           model.RestoreMode `json:"mode"`
	Confirm        bool              `json:"confirm"`
	SkipRelational bool              `json:"skip_relational"`
	DocumentIDs    []string          `json:"document_ids"`
	Labels         []string          `json:"labels"`
}

// Restore applies an archive. Naming documents or labels makes it
// selective.
func (h *BackupHandler) Restore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if req.Key == "" {
		writeError(w, h.logger, r, fmt.Errorf("archive key is required: %w", apperr.ErrInvalidRequest))
		return
	}
	opts := restore.Options{Mode: req.Mode, Confirm: req.Confirm, SkipRelational: req.SkipRelational}

	start := time.Now()
	var report *model.Report
	var err error
	if len(req.DocumentIDs) > 0 || len(req.Labels) > 0 {
		report, err = h.restorer.RestoreSelective(r.Context(), req.Key, restore.Filter{DocumentIDs: req.DocumentIDs, Labels: req.Labels}, opts)
	} else {
		report, err = h.restorer.RestoreFull(r.Context(), req.Key, opts)
	}
	mode := req.Mode
	if mode == "" {
		mode = model.ModeOverlay
	}
	h.metrics.RestoreFinished(mode, time.Since(start), err)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	h.events.PublishRestore(*report)
	writeJSON(w, http.StatusOK, report)
}

// Delete removes an archive after storing a protected safety snapshot.
func (h *BackupHandler) Delete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		writeError(w, h.logger, r, fmt.Errorf("archive key is required: %w", apperr.ErrInvalidRequest))
		return
	}
	safety, err := h.archives.Delete(r.Context(), key)
	h.metrics.Operation("delete", err)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	h.events.PublishDeleted(key, *safety)
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted":         key,
		"safety_snapshot": safety,
	})
}

func (h *BackupHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.worker.Status())
}

// ForceSync flushes pending changes now. An empty queue is a no-op.
func (h *BackupHandler) ForceSync(w http.ResponseWriter, r *http.Request) {
	archive, err := h.worker.ForceSync(r.Context())
	h.metrics.Operation("force_sync", err)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if archive == nil {
		writeJSON(w, http.StatusOK, map[string]any{"synced": false, "archive": nil})
		return
	}
	h.events.PublishArchive(*archive)
	writeJSON(w, http.StatusOK, map[string]any{"synced": true, "archive": archive})
}

// Sweep runs retention now.
func (h *BackupHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.archives.Sweep(r.Context())
	h.metrics.Operation("sweep", err)
	if deleted == nil {
		deleted = []string{}
	}
	if err != nil {
		h.logger.Warn("retention sweep incomplete", "deleted", len(deleted), "error", err)
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}
