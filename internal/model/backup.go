package model

import "time"

type ArchiveKind string

const (
	KindManual      ArchiveKind = "manual"
	KindScheduled   ArchiveKind = "scheduled"
	KindProtected   ArchiveKind = "protected"
	KindIncremental ArchiveKind = "incremental"
	KindFull        ArchiveKind = "full"
)

// Valid reports whether k is one of the known archive kinds.
func (k ArchiveKind) Valid() bool {
	switch k {
	case KindManual, KindScheduled, KindProtected, KindIncremental, KindFull:
		return true
	}
	return false
}

type Archive struct {
	Key       string      `json:"key"`
	Kind      ArchiveKind `json:"kind"`
	Size      int64       `json:"size"`
	Checksum  string      `json:"checksum,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	Protected bool        `json:"protected"`
	Encrypted bool        `json:"encrypted"`
}

type WorkerPhase string

const (
	PhaseIdle         WorkerPhase = "idle"
	PhaseRecording    WorkerPhase = "recording"
	PhaseFlushing     WorkerPhase = "flushing"
	PhaseFullSnapshot WorkerPhase = "full_snapshot"
)

// BackupState is a point-in-time view of the continuous backup worker.
type BackupState struct {
	Running              bool        `json:"running"`
	Phase                WorkerPhase `json:"phase"`
	ContinuousEnabled    bool        `json:"continuous_enabled"`
	FullEnabled          bool        `json:"full_enabled"`
	SyncInterval         int         `json:"sync_interval_seconds"`
	FullInterval         int         `json:"full_interval_seconds"`
	LastFullBackup       *time.Time  `json:"last_full_backup,omitempty"`
	LastIncrementalFlush *time.Time  `json:"last_incremental_flush,omitempty"`
	PendingChanges       int         `json:"pending_changes"`
	TotalChangesSynced   int64       `json:"total_changes_synced"`
	ConsecutiveFailures  int         `json:"consecutive_failures"`
	SkippedFlushes       int64       `json:"skipped_flushes"`
	LastSweep            *time.Time  `json:"last_sweep,omitempty"`
	LastSweepDeleted     int         `json:"last_sweep_deleted"`
	LastError            string      `json:"last_error,omitempty"`
}

type RestoreMode string

const (
	ModeReplace RestoreMode = "replace"
	ModeOverlay RestoreMode = "overlay"
)

type SkippedEntity struct {
	Kind   EntityKind `json:"kind"`
	ID     string     `json:"id"`
	Reason string     `json:"reason"`
}

// Report summarizes what a restore applied.
type Report struct {
	ArchiveKey        string          `json:"archive_key"`
	Mode              RestoreMode     `json:"mode"`
	Selective         bool            `json:"selective"`
	NodesRestored     int             `json:"nodes_restored"`
	EdgesRestored     int             `json:"edges_restored"`
	NodesSkipped      int             `json:"nodes_skipped"`
	EdgesSkipped      int             `json:"edges_skipped"`
	UsersRestored     int             `json:"users_restored"`
	UsersSkipped      int             `json:"users_skipped"`
	DocumentsRestored int             `json:"documents_restored"`
	GrantsRestored    int             `json:"grants_restored"`
	Skipped           []SkippedEntity `json:"skipped,omitempty"`
	StartedAt         time.Time       `json:"started_at"`
	FinishedAt        time.Time       `json:"finished_at"`
}
