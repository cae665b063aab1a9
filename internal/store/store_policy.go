package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quillsec/quill/internal/models"
)

func (s *Store) CreatePolicy(ctx context.Context, policy *models.Policy) error {
	if policy.ID == uuid.Nil {
		policy.ID = uuid.New()
	}
	now := time.Now()
	policy.CreatedAt = now
	policy.UpdatedAt = now

	query := `
		INSERT INTO policies (id, name, description, is_template, archived, user_id, current_version_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.ExecContext(ctx, query,
		policy.ID, policy.Name, policy.Description, policy.IsTemplate, policy.Archived,
		policy.UserID, policy.CurrentVersionID, policy.CreatedAt, policy.UpdatedAt,
	)
	return err
}

func (s *Store) GetPolicy(ctx context.Context, id uuid.UUID) (*models.Policy, error) {
	var policy models.Policy
	query := `SELECT * FROM policies WHERE id = $1`
	err := s.db.GetContext(ctx, &policy, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &policy, err
}

// GetPolicyForVersion resolves the owning policy of a policy version.
func (s *Store) GetPolicyForVersion(ctx context.Context, versionID uuid.UUID) (*models.Policy, error) {
	var policy models.Policy
	query := `
		SELECT p.* FROM policies p
		JOIN policy_versions v ON v.policy_id = p.id
		WHERE v.id = $1
	`
	err := s.db.GetContext(ctx, &policy, query, versionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &policy, err
}

// CreatePolicyVersion appends a new version with the next sequential number
// and points the policy's current_version_id at it.
func (s *Store) CreatePolicyVersion(ctx context.Context, version *models.PolicyVersion) error {
	if version.ID == uuid.Nil {
		version.ID = uuid.New()
	}
	version.CreatedAt = time.Now()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.GetContext(ctx, &version.Number,
		`SELECT COALESCE(MAX(number), 0) + 1 FROM policy_versions WHERE policy_id = $1`,
		version.PolicyID,
	)
	if err != nil {
		return fmt.Errorf("computing version number: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO policy_versions (id, policy_id, number, created_at) VALUES ($1, $2, $3, $4)`,
		version.ID, version.PolicyID, version.Number, version.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting policy version: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE policies SET current_version_id = $1, updated_at = $2 WHERE id = $3`,
		version.ID, time.Now(), version.PolicyID,
	)
	if err != nil {
		return fmt.Errorf("updating current version: %w", err)
	}

	return tx.Commit()
}

func (s *Store) GetPolicyVersion(ctx context.Context, id uuid.UUID) (*models.PolicyVersion, error) {
	var version models.PolicyVersion
	query := `SELECT * FROM policy_versions WHERE id = $1`
	err := s.db.GetContext(ctx, &version, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &version, err
}

func (s *Store) CreateRule(ctx context.Context, rule *models.Rule) error {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	rule.CreatedAt = time.Now()

	query := `
		INSERT INTO rules (
			id, policy_version_id, severity_id, name, kind,
			query_string, regex_pattern,
			task_description, success_outcome, attacker_service, attacker_model,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.db.ExecContext(ctx, query,
		rule.ID, rule.PolicyVersionID, rule.SeverityID, rule.Name, rule.Kind,
		rule.QueryString, rule.RegexPattern,
		rule.TaskDescription, rule.SuccessOutcome, rule.AttackerService, rule.AttackerModel,
		rule.CreatedAt,
	)
	return err
}

// ListRules returns the rules of a policy version in declaration order.
func (s *Store) ListRules(ctx context.Context, policyVersionID uuid.UUID) ([]models.Rule, error) {
	var rules []models.Rule
	query := `SELECT * FROM rules WHERE policy_version_id = $1 ORDER BY created_at ASC, id ASC`
	err := s.db.SelectContext(ctx, &rules, query, policyVersionID)
	return rules, err
}
