package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quillsec/quill/internal/models"
)

// CreateResult persists a result and its findings in one transaction: the
// result row becomes visible only with all of its findings durably attached.
// The body is encrypted before insert.
func (s *Store) CreateResult(ctx context.Context, result *models.Result, findings []models.Finding) error {
	if result.ID == uuid.Nil {
		result.ID = uuid.New()
	}
	result.CreatedAt = time.Now()

	body, err := s.cipher.Encrypt(result.Body)
	if err != nil {
		return fmt.Errorf("encrypting result body: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO results (id, rule_id, scan_asset_id, kind, body, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		result.ID, result.RuleID, result.ScanAssetID, result.Kind, body, result.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting result: %w", err)
	}

	for i := range findings {
		finding := &findings[i]
		if finding.ID == uuid.Nil {
			finding.ID = uuid.New()
		}
		finding.ResultID = result.ID
		finding.CreatedAt = result.CreatedAt

		_, err = tx.ExecContext(ctx,
			`INSERT INTO findings (
				id, result_id, kind, source_id, match_offset, match_length,
				attacker_question, target_response, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			finding.ID, finding.ResultID, finding.Kind, finding.SourceID, finding.Offset, finding.Length,
			finding.AttackerQuestion, finding.TargetResponse, finding.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting finding: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) ListResultsForScanAsset(ctx context.Context, scanAssetID uuid.UUID) ([]models.Result, error) {
	var results []models.Result
	query := `SELECT * FROM results WHERE scan_asset_id = $1 ORDER BY created_at ASC, id ASC`
	if err := s.db.SelectContext(ctx, &results, query, scanAssetID); err != nil {
		return nil, err
	}
	return s.decryptResults(results)
}

func (s *Store) ListResultsForRun(ctx context.Context, runID uuid.UUID) ([]models.Result, error) {
	var results []models.Result
	query := `
		SELECT r.* FROM results r
		JOIN scan_assets sa ON sa.id = r.scan_asset_id
		WHERE sa.scan_run_id = $1
		ORDER BY r.created_at ASC, r.id ASC
	`
	if err := s.db.SelectContext(ctx, &results, query, runID); err != nil {
		return nil, err
	}
	return s.decryptResults(results)
}

func (s *Store) decryptResults(results []models.Result) ([]models.Result, error) {
	for i := range results {
		body, err := s.cipher.Decrypt(results[i].Body)
		if err != nil {
			return nil, fmt.Errorf("decrypting result body: %w", err)
		}
		results[i].Body = body
	}
	return results, nil
}

func (s *Store) ListFindingsForResult(ctx context.Context, resultID uuid.UUID) ([]models.Finding, error) {
	var findings []models.Finding
	query := `SELECT * FROM findings WHERE result_id = $1 ORDER BY match_offset ASC NULLS LAST, created_at ASC`
	err := s.db.SelectContext(ctx, &findings, query, resultID)
	return findings, err
}

func (s *Store) CountResultsForRun(ctx context.Context, runID uuid.UUID) (int, error) {
	var count int
	query := `
		SELECT COUNT(*) FROM results r
		JOIN scan_assets sa ON sa.id = r.scan_asset_id
		WHERE sa.scan_run_id = $1
	`
	err := s.db.GetContext(ctx, &count, query, runID)
	return count, err
}

// RuleFindingSummary aggregates findings per rule for reporting.
type RuleFindingSummary struct {
	RuleID     uuid.UUID `db:"rule_id"`
	RuleName   string    `db:"rule_name"`
	SeverityID uuid.UUID `db:"severity_id"`
	Count      int       `db:"count"`
}

func (s *Store) SummarizeRunFindings(ctx context.Context, runID uuid.UUID) ([]RuleFindingSummary, error) {
	var summaries []RuleFindingSummary
	query := `
		SELECT ru.id AS rule_id, ru.name AS rule_name, ru.severity_id AS severity_id, COUNT(f.id) AS count
		FROM findings f
		JOIN results r ON r.id = f.result_id
		JOIN rules ru ON ru.id = r.rule_id
		JOIN scan_assets sa ON sa.id = r.scan_asset_id
		WHERE sa.scan_run_id = $1
		GROUP BY ru.id, ru.name, ru.severity_id
		ORDER BY count DESC
	`
	err := s.db.SelectContext(ctx, &summaries, query, runID)
	return summaries, err
}
