package store

import (
	"context"
	"time"

	"github.com/quillsec/quill/internal/models"
)

// UpsertWorkerStatus records the latest liveness observation for a worker.
func (s *Store) UpsertWorkerStatus(ctx context.Context, status *models.WorkerStatus) error {
	query := `
		INSERT INTO worker_status (name, last_check, last_success, available, active_jobs)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			last_check = EXCLUDED.last_check,
			last_success = EXCLUDED.last_success,
			available = EXCLUDED.available,
			active_jobs = EXCLUDED.active_jobs
	`
	_, err := s.db.ExecContext(ctx, query,
		status.Name, status.LastCheck, status.LastSuccess, status.Available, status.ActiveJobs,
	)
	return err
}

func (s *Store) ListWorkerStatus(ctx context.Context) ([]models.WorkerStatus, error) {
	var workers []models.WorkerStatus
	query := `SELECT * FROM worker_status ORDER BY name ASC`
	err := s.db.SelectContext(ctx, &workers, query)
	return workers, err
}

// MarkStaleWorkers flips workers unseen for longer than window to
// unavailable and returns how many were flipped.
func (s *Store) MarkStaleWorkers(ctx context.Context, window time.Duration) (int, error) {
	cutoff := time.Now().Add(-window)
	query := `
		UPDATE worker_status SET available = FALSE
		WHERE available = TRUE AND (last_success IS NULL OR last_success < $1)
	`
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountFreshWorkers counts workers that are available and have succeeded a
// liveness check within the window.
func (s *Store) CountFreshWorkers(ctx context.Context, window time.Duration) (int, error) {
	cutoff := time.Now().Add(-window)
	var count int
	query := `
		SELECT COUNT(*) FROM worker_status
		WHERE available = TRUE AND last_success IS NOT NULL AND last_success >= $1
	`
	err := s.db.GetContext(ctx, &count, query, cutoff)
	return count, err
}
