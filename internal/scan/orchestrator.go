package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quillsec/quill/internal/asset"
	"github.com/quillsec/quill/internal/models"
	"github.com/quillsec/quill/internal/queue"
)

// ErrNoWorkersAvailable is returned when no fresh worker can pick up scan
// tasks; nothing is persisted in that case.
var ErrNoWorkersAvailable = errors.New("no workers available to run the scan")

// MissingCredentialError reports that the scan owner lacks an API key the
// selected assets need.
type MissingCredentialError struct {
	Service string
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("no %s API key configured for this account", e.Service)
}

// Store is the persistence surface the orchestrator needs.
type Store interface {
	CountFreshWorkers(ctx context.Context, window time.Duration) (int, error)
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	ListAssetsByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Asset, error)
	GetPolicy(ctx context.Context, id uuid.UUID) (*models.Policy, error)
	ListRules(ctx context.Context, policyVersionID uuid.UUID) ([]models.Rule, error)
	CreateScan(ctx context.Context, scan *models.Scan) error
	GetScan(ctx context.Context, id uuid.UUID) (*models.Scan, error)
	CreateScanVersion(ctx context.Context, version *models.ScanVersion) error
	GetLatestScanVersion(ctx context.Context, scanID uuid.UUID) (*models.ScanVersion, error)
	CreateScanRun(ctx context.Context, run *models.ScanRun) error
	GetScanRun(ctx context.Context, id uuid.UUID) (*models.ScanRun, error)
	UpdateScanRunStatus(ctx context.Context, id uuid.UUID, status models.ScanRunStatus, finishedAt *time.Time) error
	RequestCancel(ctx context.Context, runID uuid.UUID) error
	CreateScanAsset(ctx context.Context, scanAsset *models.ScanAsset) error
	ListScanAssets(ctx context.Context, runID uuid.UUID) ([]models.ScanAsset, error)
	SetScanAssetTaskID(ctx context.Context, id uuid.UUID, taskID string) error
	FinishScanAsset(ctx context.Context, id uuid.UUID, status models.ScanAssetStatus, lastError *string) error
}

// TaskQueue is the background work surface.
type TaskQueue interface {
	Enqueue(ctx context.Context, task *queue.Task) (uuid.UUID, error)
	Cancel(ctx context.Context, taskID uuid.UUID) (bool, error)
}

// Notifier is told about finished runs. Implementations must tolerate being
// called from worker goroutines.
type Notifier interface {
	ScanRunFinished(ctx context.Context, run *models.ScanRun)
}

// Config carries the orchestrator gates.
type Config struct {
	StaleWorkerWindow   time.Duration
	MinAvailableWorkers int
}

// Orchestrator validates scan requests, snapshots their inputs, and fans
// per-asset work out to the queue.
type Orchestrator struct {
	store    Store
	tasks    TaskQueue
	notifier Notifier
	config   Config
	logger   *slog.Logger

	now func() time.Time
}

func NewOrchestrator(store Store, tasks TaskQueue, notifier Notifier, config Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		tasks:    tasks,
		notifier: notifier,
		config:   config,
		logger:   logger.With("component", "orchestrator"),
		now:      time.Now,
	}
}

// CreateScanRequest is the user-facing scan creation payload.
type CreateScanRequest struct {
	OwnerID     uuid.UUID
	Name        string
	Description string
	Schedule    *string
	AssetIDs    []uuid.UUID
	PolicyIDs   []uuid.UUID
}

// CreateScan validates the request, snapshots the referenced policy versions
// into a new scan version, and enqueues one task per asset. Nothing is
// persisted when a precondition fails.
func (o *Orchestrator) CreateScan(ctx context.Context, req CreateScanRequest) (*models.ScanRun, error) {
	if len(req.AssetIDs) == 0 || len(req.PolicyIDs) == 0 {
		return nil, errors.New("a scan needs at least one asset and one policy")
	}

	owner, err := o.store.GetUser(ctx, req.OwnerID)
	if err != nil || owner == nil {
		return nil, fmt.Errorf("loading scan owner: %w", err)
	}

	assets, err := o.store.ListAssetsByIDs(ctx, req.AssetIDs)
	if err != nil {
		return nil, fmt.Errorf("loading assets: %w", err)
	}
	if len(assets) != len(req.AssetIDs) {
		return nil, errors.New("one or more assets do not exist")
	}

	// Resolve each policy's current version and collect the rule kinds the
	// assets must be able to service.
	versionIDs := make([]string, 0, len(req.PolicyIDs))
	ruleKinds := make(map[models.RuleKind]bool)
	for _, policyID := range req.PolicyIDs {
		policy, err := o.store.GetPolicy(ctx, policyID)
		if err != nil || policy == nil {
			return nil, fmt.Errorf("loading policy %s: %w", policyID, err)
		}
		if policy.CurrentVersionID == nil {
			return nil, fmt.Errorf("policy %q has no versions yet", policy.Name)
		}
		rules, err := o.store.ListRules(ctx, *policy.CurrentVersionID)
		if err != nil {
			return nil, fmt.Errorf("listing rules for policy %q: %w", policy.Name, err)
		}
		if len(rules) == 0 {
			return nil, fmt.Errorf("policy %q has no rules", policy.Name)
		}
		for _, rule := range rules {
			ruleKinds[rule.Kind] = true
		}
		versionIDs = append(versionIDs, policy.CurrentVersionID.String())
	}

	if err := o.checkPreconditions(ctx, owner, assets, ruleKinds); err != nil {
		return nil, err
	}

	scan := &models.Scan{
		UserID:      req.OwnerID,
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
	}
	if err := o.store.CreateScan(ctx, scan); err != nil {
		return nil, fmt.Errorf("creating scan: %w", err)
	}

	assetIDs := make([]string, len(assets))
	for i, a := range assets {
		assetIDs[i] = a.ID.String()
	}
	version := &models.ScanVersion{
		ScanID:           scan.ID,
		AssetIDs:         models.StringArray(assetIDs),
		PolicyVersionIDs: models.StringArray(versionIDs),
	}
	if err := o.store.CreateScanVersion(ctx, version); err != nil {
		return nil, fmt.Errorf("creating scan version: %w", err)
	}

	return o.startRun(ctx, version, assets)
}

// StartRun launches a new run from a scan's latest snapshot. Used by
// scheduled scans.
func (o *Orchestrator) StartRun(ctx context.Context, scanID uuid.UUID) (*models.ScanRun, error) {
	version, err := o.store.GetLatestScanVersion(ctx, scanID)
	if err != nil {
		return nil, fmt.Errorf("loading scan version: %w", err)
	}
	if version == nil {
		return nil, fmt.Errorf("scan %s has no versions", scanID)
	}

	ids := make([]uuid.UUID, 0, len(version.AssetIDs))
	for _, raw := range version.AssetIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing asset id %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	assets, err := o.store.ListAssetsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading assets: %w", err)
	}

	fresh, err := o.store.CountFreshWorkers(ctx, o.config.StaleWorkerWindow)
	if err != nil {
		return nil, fmt.Errorf("checking worker availability: %w", err)
	}
	if fresh < o.config.MinAvailableWorkers {
		return nil, ErrNoWorkersAvailable
	}

	return o.startRun(ctx, version, assets)
}

func (o *Orchestrator) checkPreconditions(ctx context.Context, owner *models.User, assets []*models.Asset, ruleKinds map[models.RuleKind]bool) error {
	fresh, err := o.store.CountFreshWorkers(ctx, o.config.StaleWorkerWindow)
	if err != nil {
		return fmt.Errorf("checking worker availability: %w", err)
	}
	if fresh < o.config.MinAvailableWorkers {
		return ErrNoWorkersAvailable
	}

	for _, a := range assets {
		if a.Kind.RequiresEmbeddings() && owner.CredentialFor(a.EmbeddingService) == "" {
			return &MissingCredentialError{Service: a.EmbeddingService}
		}
		if ruleKinds[models.RuleKindRegex] && !a.Kind.HasSearch() {
			return &asset.CapabilityError{Kind: a.Kind, Operation: "search"}
		}
		if ruleKinds[models.RuleKindMultiQuery] && !a.Kind.HasGenerate() {
			return &asset.CapabilityError{Kind: a.Kind, Operation: "generate"}
		}
	}
	return nil
}

// startRun creates the queued run, one scan asset per target, and enqueues
// the work.
func (o *Orchestrator) startRun(ctx context.Context, version *models.ScanVersion, assets []*models.Asset) (*models.ScanRun, error) {
	run := &models.ScanRun{ScanVersionID: version.ID, Status: models.ScanRunQueued}
	if err := o.store.CreateScanRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating scan run: %w", err)
	}

	for i := range assets {
		scanAsset := &models.ScanAsset{ScanRunID: run.ID, AssetID: assets[i].ID}
		if err := o.store.CreateScanAsset(ctx, scanAsset); err != nil {
			return nil, fmt.Errorf("creating scan asset: %w", err)
		}

		taskID, err := o.tasks.Enqueue(ctx, &queue.Task{
			Type:        queue.TaskTypeScanAsset,
			ScanAssetID: scanAsset.ID,
		})
		if err != nil {
			return nil, fmt.Errorf("enqueueing scan asset task: %w", err)
		}
		if err := o.store.SetScanAssetTaskID(ctx, scanAsset.ID, taskID.String()); err != nil {
			return nil, fmt.Errorf("recording task id: %w", err)
		}
	}

	o.logger.Info("scan run created", "run_id", run.ID, "assets", len(assets))
	return run, nil
}

// AggregateStatus rolls scan asset states up into a run status.
func AggregateStatus(scanAssets []models.ScanAsset) models.ScanRunStatus {
	if len(scanAssets) == 0 {
		return models.ScanRunComplete
	}

	var pending, running, finished, failed, cancelled int
	for _, sa := range scanAssets {
		switch sa.Status {
		case models.ScanAssetPending:
			pending++
		case models.ScanAssetRunning:
			running++
		case models.ScanAssetFinished:
			finished++
		case models.ScanAssetFailed:
			failed++
		case models.ScanAssetCancelled:
			cancelled++
		}
	}

	switch {
	case pending > 0 || running > 0:
		return models.ScanRunRunning
	case cancelled > 0:
		return models.ScanRunCancelled
	case failed == len(scanAssets):
		return models.ScanRunFailed
	case finished == len(scanAssets):
		return models.ScanRunComplete
	}
	return models.ScanRunPartial
}

// RunStatus loads a run with its computed aggregate status and assets.
func (o *Orchestrator) RunStatus(ctx context.Context, runID uuid.UUID) (*models.ScanRun, []models.ScanAsset, error) {
	run, err := o.store.GetScanRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if run == nil {
		return nil, nil, fmt.Errorf("scan run %s not found", runID)
	}

	scanAssets, err := o.store.ListScanAssets(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if !run.Status.Terminal() {
		run.Status = AggregateStatus(scanAssets)
	}
	return run, scanAssets, nil
}

// Cancel requests cooperative cancellation of a run. Tasks still pending in
// the queue are cancelled outright; running tasks stop at their next
// between-rule checkpoint.
func (o *Orchestrator) Cancel(ctx context.Context, runID uuid.UUID) error {
	run, err := o.store.GetScanRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("scan run %s not found", runID)
	}
	if run.Status.Terminal() {
		return fmt.Errorf("scan run is already %s", run.Status)
	}

	if err := o.store.RequestCancel(ctx, runID); err != nil {
		return fmt.Errorf("requesting cancellation: %w", err)
	}

	scanAssets, err := o.store.ListScanAssets(ctx, runID)
	if err != nil {
		return err
	}
	for _, sa := range scanAssets {
		if sa.Status != models.ScanAssetPending || sa.TaskID == "" {
			continue
		}
		taskID, err := uuid.Parse(sa.TaskID)
		if err != nil {
			continue
		}
		cancelled, err := o.tasks.Cancel(ctx, taskID)
		if err != nil {
			o.logger.Error("task cancellation failed", "task_id", taskID, "error", err)
			continue
		}
		if cancelled {
			if err := o.store.FinishScanAsset(ctx, sa.ID, models.ScanAssetCancelled, nil); err != nil {
				o.logger.Error("marking scan asset cancelled failed", "scan_asset_id", sa.ID, "error", err)
			}
		}
	}

	o.logger.Info("scan run cancellation requested", "run_id", runID)
	return o.FinalizeIfDone(ctx, runID)
}

// FinalizeIfDone persists the aggregate status once every scan asset has
// reached a terminal state, and notifies listeners exactly once.
func (o *Orchestrator) FinalizeIfDone(ctx context.Context, runID uuid.UUID) error {
	run, err := o.store.GetScanRun(ctx, runID)
	if err != nil || run == nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	scanAssets, err := o.store.ListScanAssets(ctx, runID)
	if err != nil {
		return err
	}
	status := AggregateStatus(scanAssets)
	if !status.Terminal() {
		// Still in flight; just reflect running state
		if run.Status == models.ScanRunQueued && status == models.ScanRunRunning {
			return o.store.UpdateScanRunStatus(ctx, runID, models.ScanRunRunning, nil)
		}
		return nil
	}

	finishedAt := o.now()
	if err := o.store.UpdateScanRunStatus(ctx, runID, status, &finishedAt); err != nil {
		return fmt.Errorf("finalizing scan run: %w", err)
	}
	o.logger.Info("scan run finished", "run_id", runID, "status", status)

	if o.notifier != nil {
		run.Status = status
		run.FinishedAt = &finishedAt
		o.notifier.ScanRunFinished(ctx, run)
	}
	return nil
}
