package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/google/uuid"

	"github.com/quillsec/quill/internal/agents"
	"github.com/quillsec/quill/internal/asset"
	"github.com/quillsec/quill/internal/embedding"
	"github.com/quillsec/quill/internal/executor"
	"github.com/quillsec/quill/internal/llm"
	"github.com/quillsec/quill/internal/models"
)

// Store is the persistence surface one runner needs.
type Store interface {
	GetScanAsset(ctx context.Context, id uuid.UUID) (*models.ScanAsset, error)
	GetScanRun(ctx context.Context, id uuid.UUID) (*models.ScanRun, error)
	GetScanVersion(ctx context.Context, id uuid.UUID) (*models.ScanVersion, error)
	GetScan(ctx context.Context, id uuid.UUID) (*models.Scan, error)
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetAsset(ctx context.Context, id uuid.UUID) (*models.Asset, error)
	GetPolicyForVersion(ctx context.Context, versionID uuid.UUID) (*models.Policy, error)
	ListRules(ctx context.Context, policyVersionID uuid.UUID) ([]models.Rule, error)
	IsCancelRequested(ctx context.Context, runID uuid.UUID) (bool, error)
	MarkScanAssetRunning(ctx context.Context, id uuid.UUID) error
	UpdateScanAssetProgress(ctx context.Context, id uuid.UUID, progress int) error
	FinishScanAsset(ctx context.Context, id uuid.UUID, status models.ScanAssetStatus, lastError *string) error
	CreateScanAssetFailure(ctx context.Context, failure *models.ScanAssetFailure) error
}

// RuleExecutor runs a single rule against a single asset.
type RuleExecutor interface {
	Execute(ctx context.Context, args executor.Args) error
}

// Runner executes every rule of every snapshotted policy version against one
// asset, reporting progress and containing failures.
type Runner struct {
	store    Store
	executor RuleExecutor
	logger   *slog.Logger
}

func New(store Store, exec RuleExecutor, logger *slog.Logger) *Runner {
	return &Runner{
		store:    store,
		executor: exec,
		logger:   logger.With("component", "runner"),
	}
}

// policyRule pairs a rule with the policy it was snapshotted from.
type policyRule struct {
	policy *models.Policy
	rule   models.Rule
}

// Run drives one scan asset from pending to a terminal state. Failures are
// persisted rather than returned; the returned error covers only cases where
// no state could be recorded at all.
func (r *Runner) Run(ctx context.Context, scanAssetID uuid.UUID) (err error) {
	logger := r.logger.With("scan_asset_id", scanAssetID)

	scanAsset, err := r.store.GetScanAsset(ctx, scanAssetID)
	if err != nil {
		return fmt.Errorf("loading scan asset: %w", err)
	}
	if scanAsset == nil {
		return fmt.Errorf("scan asset %s not found", scanAssetID)
	}

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("runner panicked", "panic", rec)
			r.recordFailure(ctx, scanAssetID, models.ErrorKindRunner,
				fmt.Sprintf("panic: %v", rec), string(debug.Stack()))
			message := fmt.Sprintf("panic: %v", rec)
			r.store.FinishScanAsset(ctx, scanAssetID, models.ScanAssetFailed, &message)
			err = nil
		}
	}()

	if err := r.store.MarkScanAssetRunning(ctx, scanAssetID); err != nil {
		return fmt.Errorf("marking scan asset running: %w", err)
	}

	run, target, owner, pairs, loadErr := r.loadWork(ctx, scanAsset)
	if loadErr != nil {
		logger.Error("failed to load scan work", "error", loadErr)
		r.recordFailure(ctx, scanAssetID, models.ErrorKindRunner, loadErr.Error(), "")
		message := loadErr.Error()
		return r.store.FinishScanAsset(ctx, scanAssetID, models.ScanAssetFailed, &message)
	}

	total := len(pairs)
	logger.Info("scan asset started", "asset_id", target.ID, "rules", total)

	for done, pair := range pairs {
		// Cooperative cancellation checkpoint between rules
		cancelled, err := r.store.IsCancelRequested(ctx, run.ID)
		if err != nil {
			logger.Error("cancel check failed", "error", err)
		}
		if cancelled {
			logger.Info("scan asset cancelled", "rules_done", done)
			return r.store.FinishScanAsset(ctx, scanAssetID, models.ScanAssetCancelled, nil)
		}

		var embeddingOwnerID *uuid.UUID
		if !pair.policy.IsTemplate {
			embeddingOwnerID = &owner.ID
		}

		execErr := r.executor.Execute(ctx, executor.Args{
			Rule:             &pair.rule,
			Asset:            target,
			Owner:            owner,
			ScanAssetID:      scanAssetID,
			EmbeddingOwnerID: embeddingOwnerID,
		})
		if execErr != nil {
			kind, ruleLocal := classify(execErr)
			r.recordFailure(ctx, scanAssetID, kind, execErr.Error(), "")
			if !ruleLocal {
				logger.Error("scan asset failed", "rule_id", pair.rule.ID, "error", execErr)
				message := execErr.Error()
				return r.store.FinishScanAsset(ctx, scanAssetID, models.ScanAssetFailed, &message)
			}
			logger.Warn("rule failed, continuing", "rule_id", pair.rule.ID, "error", execErr)
		}

		progress := (done + 1) * 100 / total
		if err := r.store.UpdateScanAssetProgress(ctx, scanAssetID, progress); err != nil {
			logger.Error("progress update failed", "error", err)
		}
	}

	logger.Info("scan asset finished", "rules", total)
	return r.store.FinishScanAsset(ctx, scanAssetID, models.ScanAssetFinished, nil)
}

// loadWork resolves the snapshot chain into the target asset, the owning
// user, and the ordered (policy, rule) pairs to execute.
func (r *Runner) loadWork(ctx context.Context, scanAsset *models.ScanAsset) (*models.ScanRun, *models.Asset, *models.User, []policyRule, error) {
	run, err := r.store.GetScanRun(ctx, scanAsset.ScanRunID)
	if err != nil || run == nil {
		return nil, nil, nil, nil, fmt.Errorf("loading scan run: %w", err)
	}
	version, err := r.store.GetScanVersion(ctx, run.ScanVersionID)
	if err != nil || version == nil {
		return nil, nil, nil, nil, fmt.Errorf("loading scan version: %w", err)
	}
	scan, err := r.store.GetScan(ctx, version.ScanID)
	if err != nil || scan == nil {
		return nil, nil, nil, nil, fmt.Errorf("loading scan: %w", err)
	}
	owner, err := r.store.GetUser(ctx, scan.UserID)
	if err != nil || owner == nil {
		return nil, nil, nil, nil, fmt.Errorf("loading scan owner: %w", err)
	}
	target, err := r.store.GetAsset(ctx, scanAsset.AssetID)
	if err != nil || target == nil {
		return nil, nil, nil, nil, fmt.Errorf("loading asset: %w", err)
	}

	var pairs []policyRule
	for _, versionID := range version.PolicyVersionIDs {
		id, err := uuid.Parse(versionID)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("parsing policy version id %q: %w", versionID, err)
		}
		policy, err := r.store.GetPolicyForVersion(ctx, id)
		if err != nil || policy == nil {
			return nil, nil, nil, nil, fmt.Errorf("loading policy for version %s: %w", id, err)
		}
		rules, err := r.store.ListRules(ctx, id)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("listing rules for version %s: %w", id, err)
		}
		for _, rule := range rules {
			pairs = append(pairs, policyRule{policy: policy, rule: rule})
		}
	}
	if len(pairs) == 0 {
		return nil, nil, nil, nil, errors.New("scan version references no rules")
	}
	return run, target, owner, pairs, nil
}

func (r *Runner) recordFailure(ctx context.Context, scanAssetID uuid.UUID, kind models.ErrorKind, message, traceback string) {
	failure := &models.ScanAssetFailure{
		ScanAssetID: scanAssetID,
		ErrorKind:   kind,
		Message:     message,
		Traceback:   traceback,
	}
	if err := r.store.CreateScanAssetFailure(ctx, failure); err != nil {
		r.logger.Error("recording scan asset failure failed", "error", err)
	}
}

// classify maps an execution error to its kind and whether it is contained
// to the failing rule.
func classify(err error) (models.ErrorKind, bool) {
	var defErr *executor.RuleDefinitionError
	if errors.As(err, &defErr) {
		return models.ErrorKindRuleDefinition, true
	}
	var embErr *embedding.Error
	if errors.As(err, &embErr) {
		return models.ErrorKindEmbedding, true
	}
	var capErr *asset.CapabilityError
	if errors.As(err, &capErr) {
		return models.ErrorKindCapability, true
	}
	// A conversation that goes off the rails (attacker still malformed
	// after retries, judge unreachable) fails that rule only.
	var agentErr *agents.Error
	if errors.As(err, &agentErr) {
		return models.ErrorKindAgent, true
	}
	var llmErr *llm.Error
	if errors.As(err, &llmErr) {
		return models.ErrorKindAgent, true
	}
	var credErr *asset.CredentialError
	if errors.As(err, &credErr) {
		return models.ErrorKindCredential, false
	}
	var transportErr *asset.TransportError
	if errors.As(err, &transportErr) {
		return models.ErrorKindTransport, false
	}
	return models.ErrorKindRunner, false
}
