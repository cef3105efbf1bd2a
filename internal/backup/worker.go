package backup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/graphsafe/internal/apperr"
	"github.com/dukerupert/graphsafe/internal/model"
	"github.com/dukerupert/graphsafe/internal/snapshot"
)

// ErrNotRunning is returned when the worker loop has not been started or
// has already stopped.
var ErrNotRunning = fmt.Errorf("backup worker is not running: %w", apperr.ErrStorageUnavailable)

// TickKind selects which timer a Tick simulates.
type TickKind int

const (
	TickIncremental TickKind = iota
	TickFull
	TickSweep
)

const (
	DefaultSyncInterval  = 60 * time.Second
	DefaultFullInterval  = time.Hour
	DefaultSweepInterval = 24 * time.Hour
	defaultStopTimeout   = 30 * time.Second
)

// Archiver persists archive payloads. *Service satisfies it.
type Archiver interface {
	Store(ctx context.Context, kind model.ArchiveKind, payload []byte) (*model.Archive, error)
}

// FullSnapshotFunc serializes the complete graph and relational state.
type FullSnapshotFunc func(ctx context.Context) ([]byte, error)

// SweepFunc applies retention and returns the keys it deleted.
// (*Service).Sweep satisfies it.
type SweepFunc func(ctx context.Context) ([]string, error)

// StateCallback is called whenever the worker state changes.
type StateCallback func(model.BackupState)

// AlertFunc is called once when consecutive failures reach the alert
// threshold.
type AlertFunc func(ctx context.Context, state model.BackupState)

type WorkerConfig struct {
	ContinuousEnabled bool
	FullEnabled       bool
	SyncInterval      time.Duration
	FullInterval      time.Duration
	AlertThreshold    int
	SweepInterval     time.Duration
	StopTimeout       time.Duration
}

type WorkerOption func(*Worker)

func WithStateCallback(cb StateCallback) WorkerOption {
	return func(w *Worker) { w.callback = cb }
}

func WithFailureAlert(fn AlertFunc) WorkerOption {
	return func(w *Worker) { w.alert = fn }
}

// WithRetentionSweep runs fn every SweepInterval.
func WithRetentionSweep(fn SweepFunc) WorkerOption {
	return func(w *Worker) { w.sweep = fn }
}

func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

// mailbox buffers change records between flushes. Producers only ever hold
// its mutex for an append.
type mailbox struct {
	mu    sync.Mutex
	items []model.ChangeRecord
}

func (m *mailbox) put(r model.ChangeRecord) {
	m.mu.Lock()
	m.items = append(m.items, r)
	m.mu.Unlock()
}

// take removes and returns everything queued.
func (m *mailbox) take() []model.ChangeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := m.items
	m.items = nil
	return batch
}

// requeue puts a failed batch back ahead of anything recorded since.
func (m *mailbox) requeue(batch []model.ChangeRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(batch, m.items...)
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

type syncResult struct {
	archive *model.Archive
	err     error
}

type sweepResult struct {
	deleted []string
	err     error
}

type flushResult struct {
	archive *model.Archive
	count   int
	err     error
}

// Worker turns recorded changes into incremental archives and takes
// periodic full snapshots. All state is owned by the run goroutine;
// other goroutines talk to it through channels.
type Worker struct {
	archiver Archiver
	full     FullSnapshotFunc
	cfg      WorkerConfig
	logger   *slog.Logger
	callback StateCallback
	alert    AlertFunc
	sweep    SweepFunc
	now      func() time.Time

	box mailbox

	tickCh   chan TickKind
	syncCh   chan chan syncResult
	statusCh chan chan model.BackupState

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   model.BackupState

	// Owned by the run goroutine.
	state         model.BackupState
	flushing      bool
	snapshotting  bool
	fullPending   bool
	flushWaiters  []chan syncResult
	deferred      []chan syncResult
	flushDone     chan flushResult
	fullDone      chan syncResult
	sweeping      bool
	sweepDone     chan sweepResult
	opCtx         context.Context
	alertedStreak bool
}

// NewWorker creates a worker. It does nothing until Start is called.
func NewWorker(archiver Archiver, full FullSnapshotFunc, cfg WorkerConfig, logger *slog.Logger, opts ...WorkerOption) *Worker {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.FullInterval <= 0 {
		cfg.FullInterval = DefaultFullInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	w := &Worker{
		archiver:  archiver,
		full:      full,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		tickCh:    make(chan TickKind),
		syncCh:    make(chan chan syncResult),
		statusCh:  make(chan chan model.BackupState),
		flushDone: make(chan flushResult, 1),
		fullDone:  make(chan syncResult, 1),
		sweepDone: make(chan sweepResult, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.state = model.BackupState{
		Phase:             model.PhaseIdle,
		ContinuousEnabled: cfg.ContinuousEnabled,
		FullEnabled:       cfg.FullEnabled,
		SyncInterval:      int(cfg.SyncInterval / time.Second),
		FullInterval:      int(cfg.FullInterval / time.Second),
	}
	w.last = w.state
	return w
}

// Record queues a change for the next incremental archive. It is a no-op
// when continuous backup is disabled.
func (w *Worker) Record(r model.ChangeRecord) {
	if !w.cfg.ContinuousEnabled {
		return
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = w.now().UTC()
	}
	w.box.put(r)
}

// Start launches the owner goroutine. Calling Start on a running worker
// does nothing.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx, w.done)
}

// Stop ends the loop after in-flight work completes and a final flush of
// pending records. It is safe to call more than once.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (w *Worker) running() chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// Status returns the current worker state.
func (w *Worker) Status() model.BackupState {
	done := w.running()
	if done == nil {
		return w.lastState()
	}
	reply := make(chan model.BackupState, 1)
	select {
	case w.statusCh <- reply:
		return <-reply
	case <-done:
		return w.lastState()
	}
}

// Tick delivers a timer tick to the loop. It returns once the loop has
// accepted the tick.
func (w *Worker) Tick(ctx context.Context, kind TickKind) error {
	done := w.running()
	if done == nil {
		return ErrNotRunning
	}
	select {
	case w.tickCh <- kind:
		return nil
	case <-done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceSync flushes pending changes and waits for the result. A nil archive
// means there was nothing to flush. If a flush or full snapshot is already
// running the request waits for it to finish first.
func (w *Worker) ForceSync(ctx context.Context) (*model.Archive, error) {
	done := w.running()
	if done == nil {
		return nil, ErrNotRunning
	}
	reply := make(chan syncResult, 1)
	select {
	case w.syncCh <- reply:
	case <-done:
		return nil, ErrNotRunning
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.archive, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Worker) lastState() model.BackupState {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.last
	s.PendingChanges = w.box.len()
	return s
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	w.opCtx = context.WithoutCancel(ctx)

	var syncC, fullC, sweepC <-chan time.Time
	if w.cfg.ContinuousEnabled {
		t := time.NewTicker(w.cfg.SyncInterval)
		defer t.Stop()
		syncC = t.C
	}
	if w.cfg.FullEnabled && w.full != nil {
		t := time.NewTicker(w.cfg.FullInterval)
		defer t.Stop()
		fullC = t.C
	}
	if w.sweep != nil {
		t := time.NewTicker(w.cfg.SweepInterval)
		defer t.Stop()
		sweepC = t.C
	}

	w.state.Running = true
	w.publish()
	w.logger.Info("backup worker started",
		"continuous", w.cfg.ContinuousEnabled, "sync_interval", w.cfg.SyncInterval,
		"full", w.cfg.FullEnabled, "full_interval", w.cfg.FullInterval)

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return
		case <-syncC:
			w.onIncrementalTick()
		case <-fullC:
			w.onFullTick()
		case <-sweepC:
			w.onSweepTick()
		case kind := <-w.tickCh:
			switch kind {
			case TickFull:
				w.onFullTick()
			case TickSweep:
				w.onSweepTick()
			default:
				w.onIncrementalTick()
			}
		case reply := <-w.syncCh:
			if w.flushing || w.snapshotting {
				w.deferred = append(w.deferred, reply)
				continue
			}
			w.startFlush([]chan syncResult{reply})
		case reply := <-w.statusCh:
			reply <- w.current()
		case res := <-w.flushDone:
			w.finishFlush(res)
			w.next()
		case res := <-w.fullDone:
			w.finishFull(res)
			w.next()
		case res := <-w.sweepDone:
			w.finishSweep(res)
		}
	}
}

func (w *Worker) onIncrementalTick() {
	switch {
	case w.snapshotting:
		w.state.SkippedFlushes++
		w.logger.Debug("incremental flush skipped, full snapshot in progress")
		w.publish()
	case w.flushing:
	case w.box.len() == 0:
	default:
		w.startFlush(nil)
	}
}

func (w *Worker) onFullTick() {
	if w.full == nil || w.snapshotting {
		return
	}
	if w.flushing {
		w.fullPending = true
		return
	}
	w.startFull()
}

// onSweepTick starts a retention sweep unless one is still running. Sweeps
// run alongside flushes and snapshots since they only delete old objects.
func (w *Worker) onSweepTick() {
	if w.sweep == nil || w.sweeping {
		return
	}
	w.sweeping = true
	go func() {
		deleted, err := w.sweep(w.opCtx)
		w.sweepDone <- sweepResult{deleted: deleted, err: err}
	}()
}

// finishSweep records the outcome. Sweep failures are logged but do not
// count toward the backup failure streak.
func (w *Worker) finishSweep(res sweepResult) {
	w.sweeping = false
	if res.err != nil {
		w.logger.Error("retention sweep failed", "error", res.err, "deleted", len(res.deleted))
	}
	if res.err == nil || len(res.deleted) > 0 {
		now := w.now().UTC()
		w.state.LastSweep = &now
		w.state.LastSweepDeleted = len(res.deleted)
	}
	w.publish()
}

// next starts whatever was deferred while the previous operation ran.
func (w *Worker) next() {
	if w.flushing || w.snapshotting {
		return
	}
	if w.fullPending {
		w.startFull()
		return
	}
	if len(w.deferred) > 0 {
		waiters := w.deferred
		w.deferred = nil
		w.startFlush(waiters)
	}
}

func (w *Worker) startFlush(waiters []chan syncResult) {
	w.flushing = true
	w.flushWaiters = waiters
	w.publish()
	go func() {
		w.flushDone <- w.flush(w.opCtx)
	}()
}

func (w *Worker) flush(ctx context.Context) flushResult {
	batch := w.box.take()
	if len(batch) == 0 {
		return flushResult{}
	}
	payload, err := snapshot.EncodeIncremental(batch, w.now().UTC())
	if err != nil {
		w.box.requeue(batch)
		return flushResult{err: err}
	}
	archive, err := w.archiver.Store(ctx, model.KindIncremental, payload)
	if err != nil {
		w.box.requeue(batch)
		return flushResult{err: err}
	}
	return flushResult{archive: archive, count: len(batch)}
}

func (w *Worker) finishFlush(res flushResult) {
	w.flushing = false
	if res.err != nil {
		w.failed("incremental flush", res.err)
	} else if res.archive != nil {
		now := w.now().UTC()
		w.state.LastIncrementalFlush = &now
		w.state.TotalChangesSynced += int64(res.count)
		w.succeeded()
		w.logger.Info("incremental flush", "key", res.archive.Key, "changes", res.count)
	}
	for _, reply := range w.flushWaiters {
		reply <- syncResult{archive: res.archive, err: res.err}
	}
	w.flushWaiters = nil
	w.publish()
}

func (w *Worker) startFull() {
	w.snapshotting = true
	w.fullPending = false
	w.publish()
	go func() {
		payload, err := w.full(w.opCtx)
		if err != nil {
			w.fullDone <- syncResult{err: fmt.Errorf("build full snapshot: %w", err)}
			return
		}
		archive, err := w.archiver.Store(w.opCtx, model.KindFull, payload)
		w.fullDone <- syncResult{archive: archive, err: err}
	}()
}

func (w *Worker) finishFull(res syncResult) {
	w.snapshotting = false
	if res.err != nil {
		w.failed("full snapshot", res.err)
	} else {
		now := w.now().UTC()
		w.state.LastFullBackup = &now
		w.succeeded()
		w.logger.Info("full snapshot", "key", res.archive.Key, "size", res.archive.Size)
	}
	w.publish()
}

func (w *Worker) failed(op string, err error) {
	w.state.ConsecutiveFailures++
	w.state.LastError = err.Error()
	w.logger.Error(op+" failed", "error", err, "consecutive_failures", w.state.ConsecutiveFailures)
	if w.alert != nil && w.cfg.AlertThreshold > 0 && !w.alertedStreak &&
		w.state.ConsecutiveFailures >= w.cfg.AlertThreshold {
		w.alertedStreak = true
		go w.alert(w.opCtx, w.current())
	}
}

func (w *Worker) succeeded() {
	w.state.ConsecutiveFailures = 0
	w.state.LastError = ""
	w.alertedStreak = false
}

func (w *Worker) shutdown() {
	if w.flushing {
		w.finishFlush(<-w.flushDone)
	}
	if w.snapshotting {
		w.finishFull(<-w.fullDone)
	}
	if w.sweeping {
		w.finishSweep(<-w.sweepDone)
	}

	ctx, cancel := context.WithTimeout(w.opCtx, w.cfg.StopTimeout)
	defer cancel()
	w.flushWaiters, w.deferred = w.deferred, nil
	w.flushing = true
	w.finishFlush(w.flush(ctx))

	w.state.Running = false
	w.publish()
	w.logger.Info("backup worker stopped", "total_changes_synced", w.state.TotalChangesSynced)
}

func (w *Worker) phase() model.WorkerPhase {
	switch {
	case w.snapshotting:
		return model.PhaseFullSnapshot
	case w.flushing:
		return model.PhaseFlushing
	case w.box.len() > 0:
		return model.PhaseRecording
	}
	return model.PhaseIdle
}

func (w *Worker) current() model.BackupState {
	s := w.state
	s.Phase = w.phase()
	s.PendingChanges = w.box.len()
	return s
}

func (w *Worker) publish() {
	s := w.current()
	w.mu.Lock()
	w.last = s
	w.mu.Unlock()
	if w.callback != nil {
		w.callback(s)
	}
}
