package health

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/quillsec/quill/internal/models"
	"github.com/quillsec/quill/internal/queue"
)

type fakeStore struct {
	statuses    map[string]*models.WorkerStatus
	staleSweeps int
}

func (s *fakeStore) UpsertWorkerStatus(_ context.Context, status *models.WorkerStatus) error {
	s.statuses[status.Name] = status
	return nil
}

func (s *fakeStore) MarkStaleWorkers(_ context.Context, _ time.Duration) (int, error) {
	s.staleSweeps++
	return 0, nil
}

type fakeHeartbeats struct {
	beats map[string]queue.WorkerHeartbeats
}

func (h *fakeHeartbeats) GetWorkerHeartbeats(_ context.Context) (map[string]queue.WorkerHeartbeats, error) {
	return h.beats, nil
}

func TestSync_MirrorsHeartbeats(t *testing.T) {
	store := &fakeStore{statuses: make(map[string]*models.WorkerStatus)}
	beats := &fakeHeartbeats{beats: map[string]queue.WorkerHeartbeats{
		"worker-1": {LastSeen: time.Now(), ActiveJobs: 2},
		"worker-2": {LastSeen: time.Now().Add(-5 * time.Minute), ActiveJobs: 0},
	}}
	m := NewMonitor(store, beats, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	m.Sync(context.Background())

	if len(store.statuses) != 2 {
		t.Fatalf("Expected 2 worker statuses, got %d", len(store.statuses))
	}
	if !store.statuses["worker-1"].Available {
		t.Error("Expected recently seen worker to be available")
	}
	if store.statuses["worker-1"].ActiveJobs != 2 {
		t.Errorf("Expected 2 active jobs, got %d", store.statuses["worker-1"].ActiveJobs)
	}
	if store.statuses["worker-2"].Available {
		t.Error("Expected worker outside the stale window to be unavailable")
	}
	if store.staleSweeps != 1 {
		t.Errorf("Expected 1 stale sweep, got %d", store.staleSweeps)
	}
}
