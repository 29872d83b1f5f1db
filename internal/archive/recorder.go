package archive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mizkun/project-anima3-sub000/internal/domain"
	"github.com/mizkun/project-anima3-sub000/internal/store"
	"github.com/mizkun/project-anima3-sub000/internal/timeline"
)

// Recorder persists store snapshots in the background. Intermediate snapshots
// may be coalesced; only the latest pending one is written.
type Recorder struct {
	archive *SQLiteArchive
	logger  *slog.Logger

	mu      sync.Mutex
	pending *store.Snapshot
	wake    chan struct{}

	// owned by the Run goroutine
	runID     string
	started   time.Time
	anchored  bool
	ended     bool
	status    domain.SimulationStatus
	persisted []domain.TimelineEntry
}

// NewRecorder creates a recorder writing to a.
func NewRecorder(a *SQLiteArchive, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		archive: a,
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}
}

// Observe queues a snapshot. It never blocks and is safe to use as a store subscriber.
func (r *Recorder) Observe(snap store.Snapshot) {
	r.mu.Lock()
	r.pending = &snap
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// RunID returns the id of the run currently being recorded.
func (r *Recorder) RunID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runID
}

// Run writes queued snapshots until ctx is done, then flushes the last one.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			r.drain(flushCtx)
			cancel()
			return
		case <-r.wake:
			r.drain(ctx)
		}
	}
}

func (r *Recorder) drain(ctx context.Context) {
	r.mu.Lock()
	snap := r.pending
	r.pending = nil
	r.mu.Unlock()

	if snap != nil {
		r.persist(ctx, *snap)
	}
}

func (r *Recorder) persist(ctx context.Context, snap store.Snapshot) {
	if r.startsNewRun(snap) {
		started := time.Now()
		if snap.StartTime != nil {
			started = *snap.StartTime
		}
		run := Run{
			RunID:       uuid.NewString(),
			StartedAt:   started,
			Status:      snap.Status,
			SceneName:   snap.SceneName,
			LLMProvider: snap.Config.LLMProvider,
			ModelName:   snap.Config.ModelName,
		}
		if err := r.archive.BeginRun(ctx, run); err != nil {
			r.logger.Warn("failed to archive run", slog.String("error", err.Error()))
			return
		}
		r.mu.Lock()
		r.runID = run.RunID
		r.mu.Unlock()
		r.started = started
		r.anchored = snap.StartTime != nil
		r.ended = false
		r.status = snap.Status
		r.persisted = nil
		r.logger.Info("archiving run", slog.String("run_id", run.RunID))
	}
	if r.runID == "" {
		return
	}

	added := timeline.Added(r.persisted, snap.Timeline)
	if len(added) > 0 {
		n, err := r.archive.SaveEntries(ctx, r.runID, added)
		if err != nil {
			r.logger.Warn("failed to archive timeline entries", slog.String("error", err.Error()))
			return
		}
		r.logger.Debug("archived timeline entries", slog.String("run_id", r.runID), slog.Int("count", n))
	}
	r.persisted = snap.Timeline

	ended := snap.EndTime != nil
	if snap.Status != r.status || ended != r.ended {
		if err := r.archive.UpdateRun(ctx, r.runID, snap.Status, snap.SceneName, snap.EndTime); err != nil {
			r.logger.Warn("failed to update archived run", slog.String("error", err.Error()))
			return
		}
		r.status = snap.Status
		r.ended = ended
	}
}

// startsNewRun reports whether snap belongs to a run not seen before: a new
// start time, or the first timeline observed without one. A run begun without
// a start time adopts the first one observed.
func (r *Recorder) startsNewRun(snap store.Snapshot) bool {
	if snap.StartTime != nil {
		if r.runID != "" && !r.anchored {
			r.started = *snap.StartTime
			r.anchored = true
			return false
		}
		return !snap.StartTime.Equal(r.started)
	}
	return r.runID == "" && len(snap.Timeline) > 0
}
