package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quillsec/quill/internal/models"
)

func (s *Store) CreateScan(ctx context.Context, scan *models.Scan) error {
	if scan.ID == uuid.Nil {
		scan.ID = uuid.New()
	}
	scan.CreatedAt = time.Now()

	query := `
		INSERT INTO scans (id, user_id, name, description, schedule, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		scan.ID, scan.UserID, scan.Name, scan.Description, scan.Schedule, scan.CreatedAt,
	)
	return err
}

func (s *Store) GetScan(ctx context.Context, id uuid.UUID) (*models.Scan, error) {
	var scan models.Scan
	query := `SELECT * FROM scans WHERE id = $1`
	err := s.db.GetContext(ctx, &scan, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &scan, err
}

func (s *Store) ListScheduledScans(ctx context.Context) ([]models.Scan, error) {
	var scans []models.Scan
	query := `SELECT * FROM scans WHERE schedule IS NOT NULL`
	err := s.db.SelectContext(ctx, &scans, query)
	return scans, err
}

// CreateScanVersion snapshots asset and policy-version ids under the next
// sequential version number for the scan.
func (s *Store) CreateScanVersion(ctx context.Context, version *models.ScanVersion) error {
	if version.ID == uuid.Nil {
		version.ID = uuid.New()
	}
	version.CreatedAt = time.Now()

	err := s.db.GetContext(ctx, &version.Number,
		`SELECT COALESCE(MAX(number), 0) + 1 FROM scan_versions WHERE scan_id = $1`,
		version.ScanID,
	)
	if err != nil {
		return fmt.Errorf("computing scan version number: %w", err)
	}

	query := `
		INSERT INTO scan_versions (id, scan_id, number, asset_ids, policy_version_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = s.db.ExecContext(ctx, query,
		version.ID, version.ScanID, version.Number, version.AssetIDs, version.PolicyVersionIDs, version.CreatedAt,
	)
	return err
}

func (s *Store) GetScanVersion(ctx context.Context, id uuid.UUID) (*models.ScanVersion, error) {
	var version models.ScanVersion
	query := `SELECT * FROM scan_versions WHERE id = $1`
	err := s.db.GetContext(ctx, &version, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &version, err
}

// GetLatestScanVersion returns the newest snapshot for a scan, or nil when
// the scan has never been versioned.
func (s *Store) GetLatestScanVersion(ctx context.Context, scanID uuid.UUID) (*models.ScanVersion, error) {
	var version models.ScanVersion
	query := `SELECT * FROM scan_versions WHERE scan_id = $1 ORDER BY number DESC LIMIT 1`
	err := s.db.GetContext(ctx, &version, query, scanID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &version, err
}

func (s *Store) CreateScanRun(ctx context.Context, run *models.ScanRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = models.ScanRunQueued
	}
	run.StartedAt = time.Now()

	query := `
		INSERT INTO scan_runs (id, scan_version_id, status, cancel_requested, started_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.ScanVersionID, run.Status, run.CancelRequested, run.StartedAt,
	)
	return err
}

func (s *Store) GetScanRun(ctx context.Context, id uuid.UUID) (*models.ScanRun, error) {
	var run models.ScanRun
	query := `SELECT * FROM scan_runs WHERE id = $1`
	err := s.db.GetContext(ctx, &run, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &run, err
}

func (s *Store) UpdateScanRunStatus(ctx context.Context, id uuid.UUID, status models.ScanRunStatus, finishedAt *time.Time) error {
	query := `UPDATE scan_runs SET status = $1, finished_at = $2 WHERE id = $3`
	_, err := s.db.ExecContext(ctx, query, status, finishedAt, id)
	return err
}

// RequestCancel flips the cooperative cancel flag runners poll between rules.
func (s *Store) RequestCancel(ctx context.Context, runID uuid.UUID) error {
	query := `UPDATE scan_runs SET cancel_requested = TRUE WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, runID)
	return err
}

func (s *Store) IsCancelRequested(ctx context.Context, runID uuid.UUID) (bool, error) {
	var requested bool
	query := `SELECT cancel_requested FROM scan_runs WHERE id = $1`
	err := s.db.GetContext(ctx, &requested, query, runID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return requested, err
}

func (s *Store) CreateScanAsset(ctx context.Context, scanAsset *models.ScanAsset) error {
	if scanAsset.ID == uuid.Nil {
		scanAsset.ID = uuid.New()
	}
	if scanAsset.Status == "" {
		scanAsset.Status = models.ScanAssetPending
	}

	query := `
		INSERT INTO scan_assets (id, scan_run_id, asset_id, status, task_id, progress)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		scanAsset.ID, scanAsset.ScanRunID, scanAsset.AssetID, scanAsset.Status, scanAsset.TaskID, scanAsset.Progress,
	)
	return err
}

func (s *Store) GetScanAsset(ctx context.Context, id uuid.UUID) (*models.ScanAsset, error) {
	var scanAsset models.ScanAsset
	query := `SELECT * FROM scan_assets WHERE id = $1`
	err := s.db.GetContext(ctx, &scanAsset, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &scanAsset, err
}

func (s *Store) ListScanAssets(ctx context.Context, runID uuid.UUID) ([]models.ScanAsset, error) {
	var scanAssets []models.ScanAsset
	query := `SELECT * FROM scan_assets WHERE scan_run_id = $1`
	err := s.db.SelectContext(ctx, &scanAssets, query, runID)
	return scanAssets, err
}

func (s *Store) SetScanAssetTaskID(ctx context.Context, id uuid.UUID, taskID string) error {
	query := `UPDATE scan_assets SET task_id = $1 WHERE id = $2`
	_, err := s.db.ExecContext(ctx, query, taskID, id)
	return err
}

// MarkScanAssetRunning records the pending → running transition.
func (s *Store) MarkScanAssetRunning(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE scan_assets SET status = $1, started_at = $2, progress = 0 WHERE id = $3`
	_, err := s.db.ExecContext(ctx, query, models.ScanAssetRunning, time.Now(), id)
	return err
}

func (s *Store) UpdateScanAssetProgress(ctx context.Context, id uuid.UUID, progress int) error {
	query := `UPDATE scan_assets SET progress = $1 WHERE id = $2`
	_, err := s.db.ExecContext(ctx, query, progress, id)
	return err
}

// FinishScanAsset records a terminal transition together with the optional
// last error text.
func (s *Store) FinishScanAsset(ctx context.Context, id uuid.UUID, status models.ScanAssetStatus, lastError *string) error {
	query := `UPDATE scan_assets SET status = $1, last_error = $2, finished_at = $3 WHERE id = $4`
	_, err := s.db.ExecContext(ctx, query, status, lastError, time.Now(), id)
	return err
}

func (s *Store) CreateScanAssetFailure(ctx context.Context, failure *models.ScanAssetFailure) error {
	if failure.ID == uuid.Nil {
		failure.ID = uuid.New()
	}
	failure.CreatedAt = time.Now()

	query := `
		INSERT INTO scan_asset_failures (id, scan_asset_id, error_kind, message, traceback, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		failure.ID, failure.ScanAssetID, failure.ErrorKind, failure.Message, failure.Traceback, failure.CreatedAt,
	)
	return err
}

func (s *Store) ListScanAssetFailures(ctx context.Context, runID uuid.UUID) ([]models.ScanAssetFailure, error) {
	var failures []models.ScanAssetFailure
	query := `
		SELECT f.* FROM scan_asset_failures f
		JOIN scan_assets sa ON sa.id = f.scan_asset_id
		WHERE sa.scan_run_id = $1
		ORDER BY f.created_at ASC
	`
	err := s.db.SelectContext(ctx, &failures, query, runID)
	return failures, err
}
