package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quillsec/quill/internal/models"
	"github.com/quillsec/quill/internal/queue"
)

const syncInterval = 10 * time.Second

// Store is the persistence surface for worker liveness.
type Store interface {
	UpsertWorkerStatus(ctx context.Context, status *models.WorkerStatus) error
	MarkStaleWorkers(ctx context.Context, window time.Duration) (int, error)
}

// Heartbeats reads worker liveness from the queue.
type Heartbeats interface {
	GetWorkerHeartbeats(ctx context.Context) (map[string]queue.WorkerHeartbeats, error)
}

// Monitor mirrors queue worker heartbeats into the worker_status table and
// flips workers that stop reporting to unavailable. The orchestrator's
// fresh-worker gate reads from that table.
type Monitor struct {
	store      Store
	heartbeats Heartbeats
	window     time.Duration
	logger     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(store Store, heartbeats Heartbeats, staleWindow time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		store:      store,
		heartbeats: heartbeats,
		window:     staleWindow,
		logger:     logger.With("component", "health"),
	}
}

func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
}

func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	m.Sync(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sync(ctx)
		}
	}
}

// Sync performs one heartbeat sweep.
func (m *Monitor) Sync(ctx context.Context) {
	beats, err := m.heartbeats.GetWorkerHeartbeats(ctx)
	if err != nil {
		m.logger.Error("reading worker heartbeats failed", "error", err)
		return
	}

	now := time.Now()
	for name, beat := range beats {
		lastSuccess := beat.LastSeen
		status := &models.WorkerStatus{
			Name:        name,
			LastCheck:   now,
			LastSuccess: &lastSuccess,
			Available:   now.Sub(beat.LastSeen) <= m.window,
			ActiveJobs:  beat.ActiveJobs,
		}
		if err := m.store.UpsertWorkerStatus(ctx, status); err != nil {
			m.logger.Error("updating worker status failed", "worker", name, "error", err)
		}
	}

	stale, err := m.store.MarkStaleWorkers(ctx, m.window)
	if err != nil {
		m.logger.Error("stale worker sweep failed", "error", err)
		return
	}
	if stale > 0 {
		m.logger.Warn("workers went stale", "count", stale)
	}
}
