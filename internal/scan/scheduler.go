package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/quillsec/quill/internal/models"
)

// SchedulerStore lists the scans that carry a cron schedule.
type SchedulerStore interface {
	ListScheduledScans(ctx context.Context) ([]models.Scan, error)
}

// Scheduler launches runs for scans with a cron schedule. Schedules are
// re-read from the store on Refresh so edits take effect without a restart.
type Scheduler struct {
	cron    *cron.Cron
	store   SchedulerStore
	orch    *Orchestrator
	entries map[uuid.UUID]cron.EntryID
	mu      sync.Mutex
	logger  *slog.Logger
}

func NewScheduler(store SchedulerStore, orch *Orchestrator, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		store:   store,
		orch:    orch,
		entries: make(map[uuid.UUID]cron.EntryID),
		logger:  logger.With("component", "scheduler"),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "scans", len(s.entries))
	return nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Refresh reloads scheduled scans and replaces the current cron entries.
func (s *Scheduler) Refresh(ctx context.Context) error {
	scans, err := s.store.ListScheduledScans(ctx)
	if err != nil {
		return fmt.Errorf("loading scheduled scans: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entryID := range s.entries {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}

	for _, scan := range scans {
		if scan.Schedule == nil || *scan.Schedule == "" {
			continue
		}
		scanID := scan.ID
		entryID, err := s.cron.AddFunc(*scan.Schedule, func() {
			s.launch(scanID)
		})
		if err != nil {
			s.logger.Error("invalid scan schedule", "scan_id", scanID, "schedule", *scan.Schedule, "error", err)
			continue
		}
		s.entries[scanID] = entryID
	}
	return nil
}

func (s *Scheduler) launch(scanID uuid.UUID) {
	ctx := context.Background()
	run, err := s.orch.StartRun(ctx, scanID)
	if err != nil {
		if errors.Is(err, ErrNoWorkersAvailable) {
			s.logger.Warn("skipping scheduled run, no workers", "scan_id", scanID)
			return
		}
		s.logger.Error("scheduled run failed to start", "scan_id", scanID, "error", err)
		return
	}
	s.logger.Info("scheduled run started", "scan_id", scanID, "run_id", run.ID, "at", time.Now().Format(time.RFC3339))
}
