package runner

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/quillsec/quill/internal/agents"
	"github.com/quillsec/quill/internal/asset"
	"github.com/quillsec/quill/internal/executor"
	"github.com/quillsec/quill/internal/llm"
	"github.com/quillsec/quill/internal/models"
)

// fixture wires a full snapshot chain into an in-memory store.
type fixture struct {
	store *fakeStore
	asset *models.Asset
	run   *models.ScanRun
	sa    *models.ScanAsset
}

type fakeStore struct {
	scanAssets     map[uuid.UUID]*models.ScanAsset
	runs           map[uuid.UUID]*models.ScanRun
	versions       map[uuid.UUID]*models.ScanVersion
	scans          map[uuid.UUID]*models.Scan
	users          map[uuid.UUID]*models.User
	assets         map[uuid.UUID]*models.Asset
	policies       map[uuid.UUID]*models.Policy
	rules          map[uuid.UUID][]models.Rule
	cancelled      map[uuid.UUID]bool
	progressTrail  []int
	failures       []models.ScanAssetFailure
	finishedStatus models.ScanAssetStatus
	lastError      *string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		scanAssets: make(map[uuid.UUID]*models.ScanAsset),
		runs:       make(map[uuid.UUID]*models.ScanRun),
		versions:   make(map[uuid.UUID]*models.ScanVersion),
		scans:      make(map[uuid.UUID]*models.Scan),
		users:      make(map[uuid.UUID]*models.User),
		assets:     make(map[uuid.UUID]*models.Asset),
		policies:   make(map[uuid.UUID]*models.Policy),
		rules:      make(map[uuid.UUID][]models.Rule),
		cancelled:  make(map[uuid.UUID]bool),
	}
}

func (s *fakeStore) GetScanAsset(_ context.Context, id uuid.UUID) (*models.ScanAsset, error) {
	return s.scanAssets[id], nil
}
func (s *fakeStore) GetScanRun(_ context.Context, id uuid.UUID) (*models.ScanRun, error) {
	return s.runs[id], nil
}
func (s *fakeStore) GetScanVersion(_ context.Context, id uuid.UUID) (*models.ScanVersion, error) {
	return s.versions[id], nil
}
func (s *fakeStore) GetScan(_ context.Context, id uuid.UUID) (*models.Scan, error) {
	return s.scans[id], nil
}
func (s *fakeStore) GetUser(_ context.Context, id uuid.UUID) (*models.User, error) {
	return s.users[id], nil
}
func (s *fakeStore) GetAsset(_ context.Context, id uuid.UUID) (*models.Asset, error) {
	return s.assets[id], nil
}
func (s *fakeStore) GetPolicyForVersion(_ context.Context, versionID uuid.UUID) (*models.Policy, error) {
	return s.policies[versionID], nil
}
func (s *fakeStore) ListRules(_ context.Context, policyVersionID uuid.UUID) ([]models.Rule, error) {
	return s.rules[policyVersionID], nil
}
func (s *fakeStore) IsCancelRequested(_ context.Context, runID uuid.UUID) (bool, error) {
	return s.cancelled[runID], nil
}
func (s *fakeStore) MarkScanAssetRunning(_ context.Context, id uuid.UUID) error {
	s.scanAssets[id].Status = models.ScanAssetRunning
	return nil
}
func (s *fakeStore) UpdateScanAssetProgress(_ context.Context, _ uuid.UUID, progress int) error {
	s.progressTrail = append(s.progressTrail, progress)
	return nil
}
func (s *fakeStore) FinishScanAsset(_ context.Context, id uuid.UUID, status models.ScanAssetStatus, lastError *string) error {
	s.scanAssets[id].Status = status
	s.finishedStatus = status
	s.lastError = lastError
	return nil
}
func (s *fakeStore) CreateScanAssetFailure(_ context.Context, failure *models.ScanAssetFailure) error {
	s.failures = append(s.failures, *failure)
	return nil
}

func str(s string) *string { return &s }

// newFixture builds a chain with ruleCount regex rules in one policy version.
func newFixture(ruleCount int) *fixture {
	store := newFakeStore()

	user := &models.User{ID: uuid.New(), OpenAIKey: "sk-test"}
	store.users[user.ID] = user

	target := &models.Asset{ID: uuid.New(), UserID: user.ID, Kind: models.AssetKindAPIEndpoint}
	store.assets[target.ID] = target

	policyVersionID := uuid.New()
	store.policies[policyVersionID] = &models.Policy{ID: uuid.New(), Name: "test policy"}
	var rules []models.Rule
	for i := 0; i < ruleCount; i++ {
		rules = append(rules, models.Rule{
			ID:           uuid.New(),
			Kind:         models.RuleKindRegex,
			QueryString:  str("query"),
			RegexPattern: str(`\d+`),
		})
	}
	store.rules[policyVersionID] = rules

	scan := &models.Scan{ID: uuid.New(), UserID: user.ID}
	store.scans[scan.ID] = scan

	version := &models.ScanVersion{
		ID:               uuid.New(),
		ScanID:           scan.ID,
		AssetIDs:         models.StringArray{target.ID.String()},
		PolicyVersionIDs: models.StringArray{policyVersionID.String()},
	}
	store.versions[version.ID] = version

	run := &models.ScanRun{ID: uuid.New(), ScanVersionID: version.ID, Status: models.ScanRunQueued}
	store.runs[run.ID] = run

	sa := &models.ScanAsset{ID: uuid.New(), ScanRunID: run.ID, AssetID: target.ID, Status: models.ScanAssetPending}
	store.scanAssets[sa.ID] = sa

	return &fixture{store: store, asset: target, run: run, sa: sa}
}

// scriptedExecutor returns the scripted error for call i, nil otherwise, and
// can invoke a hook after each call.
type scriptedExecutor struct {
	errs  map[int]error
	calls int
	after func(call int)
	panic bool
}

func (e *scriptedExecutor) Execute(_ context.Context, _ executor.Args) error {
	if e.panic {
		panic("executor blew up")
	}
	call := e.calls
	e.calls++
	err := e.errs[call]
	if e.after != nil {
		e.after(call)
	}
	return err
}

func testRunner(store Store, exec RuleExecutor) *Runner {
	return New(store, exec, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRun_ProgressAndCompletion(t *testing.T) {
	fx := newFixture(3)
	exec := &scriptedExecutor{}
	r := testRunner(fx.store, exec)

	if err := r.Run(context.Background(), fx.sa.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if exec.calls != 3 {
		t.Errorf("Expected 3 rule executions, got %d", exec.calls)
	}
	want := []int{33, 66, 100}
	if len(fx.store.progressTrail) != 3 {
		t.Fatalf("Expected 3 progress updates, got %v", fx.store.progressTrail)
	}
	for i, p := range want {
		if fx.store.progressTrail[i] != p {
			t.Errorf("Progress update %d: expected %d, got %d", i, p, fx.store.progressTrail[i])
		}
	}
	if fx.store.finishedStatus != models.ScanAssetFinished {
		t.Errorf("Expected finished status, got %s", fx.store.finishedStatus)
	}
}

func TestRun_CancellationBetweenRules(t *testing.T) {
	fx := newFixture(3)
	exec := &scriptedExecutor{}
	// Request cancellation right after the first rule commits
	exec.after = func(call int) {
		if call == 0 {
			fx.store.cancelled[fx.run.ID] = true
		}
	}
	r := testRunner(fx.store, exec)

	if err := r.Run(context.Background(), fx.sa.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if exec.calls != 1 {
		t.Errorf("Expected only the first rule to run, got %d executions", exec.calls)
	}
	if fx.store.finishedStatus != models.ScanAssetCancelled {
		t.Errorf("Expected cancelled status, got %s", fx.store.finishedStatus)
	}
}

func TestRun_RuleDefinitionErrorIsContained(t *testing.T) {
	fx := newFixture(3)
	exec := &scriptedExecutor{errs: map[int]error{
		1: &executor.RuleDefinitionError{RuleID: uuid.New(), Detail: "invalid regex"},
	}}
	r := testRunner(fx.store, exec)

	if err := r.Run(context.Background(), fx.sa.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if exec.calls != 3 {
		t.Errorf("Expected all rules to run despite rule failure, got %d", exec.calls)
	}
	if fx.store.finishedStatus != models.ScanAssetFinished {
		t.Errorf("Expected finished status, got %s", fx.store.finishedStatus)
	}
	if len(fx.store.failures) != 1 {
		t.Fatalf("Expected 1 failure record, got %d", len(fx.store.failures))
	}
	if fx.store.failures[0].ErrorKind != models.ErrorKindRuleDefinition {
		t.Errorf("Expected rule_definition failure, got %s", fx.store.failures[0].ErrorKind)
	}
}

func TestRun_AttackerErrorIsContained(t *testing.T) {
	fx := newFixture(3)
	exec := &scriptedExecutor{errs: map[int]error{
		0: &agents.Error{Role: "attacker", Err: agents.ErrEmptyCompletion},
	}}
	r := testRunner(fx.store, exec)

	if err := r.Run(context.Background(), fx.sa.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if exec.calls != 3 {
		t.Errorf("Expected all rules to run despite one rule's attacker failure, got %d", exec.calls)
	}
	if fx.store.finishedStatus != models.ScanAssetFinished {
		t.Errorf("Expected finished status, got %s", fx.store.finishedStatus)
	}
	if len(fx.store.failures) != 1 || fx.store.failures[0].ErrorKind != models.ErrorKindAgent {
		t.Errorf("Expected an agent failure record, got %+v", fx.store.failures)
	}
}

func TestRun_LLMErrorIsContained(t *testing.T) {
	fx := newFixture(2)
	exec := &scriptedExecutor{errs: map[int]error{
		1: &llm.Error{Service: models.ServiceOpenAI, Message: "status 500"},
	}}
	r := testRunner(fx.store, exec)

	if err := r.Run(context.Background(), fx.sa.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if exec.calls != 2 {
		t.Errorf("Expected both rules to run, got %d executions", exec.calls)
	}
	if fx.store.finishedStatus != models.ScanAssetFinished {
		t.Errorf("Expected finished status, got %s", fx.store.finishedStatus)
	}
	if len(fx.store.failures) != 1 || fx.store.failures[0].ErrorKind != models.ErrorKindAgent {
		t.Errorf("Expected an agent failure record, got %+v", fx.store.failures)
	}
}

func TestRun_CredentialErrorFailsRunner(t *testing.T) {
	fx := newFixture(3)
	exec := &scriptedExecutor{errs: map[int]error{
		0: &asset.CredentialError{Detail: "bad password"},
	}}
	r := testRunner(fx.store, exec)

	if err := r.Run(context.Background(), fx.sa.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if exec.calls != 1 {
		t.Errorf("Expected run to stop at first credential failure, got %d executions", exec.calls)
	}
	if fx.store.finishedStatus != models.ScanAssetFailed {
		t.Errorf("Expected failed status, got %s", fx.store.finishedStatus)
	}
	if fx.store.lastError == nil {
		t.Error("Expected last_error to be recorded")
	}
	if len(fx.store.failures) != 1 || fx.store.failures[0].ErrorKind != models.ErrorKindCredential {
		t.Errorf("Expected a credential failure record, got %+v", fx.store.failures)
	}
}

func TestRun_PanicRecovery(t *testing.T) {
	fx := newFixture(1)
	exec := &scriptedExecutor{panic: true}
	r := testRunner(fx.store, exec)

	if err := r.Run(context.Background(), fx.sa.ID); err != nil {
		t.Fatalf("Run returned error after panic recovery: %v", err)
	}

	if fx.store.finishedStatus != models.ScanAssetFailed {
		t.Errorf("Expected failed status after panic, got %s", fx.store.finishedStatus)
	}
	if len(fx.store.failures) != 1 {
		t.Fatalf("Expected 1 failure record, got %d", len(fx.store.failures))
	}
	failure := fx.store.failures[0]
	if failure.ErrorKind != models.ErrorKindRunner {
		t.Errorf("Expected runner failure kind, got %s", failure.ErrorKind)
	}
	if failure.Traceback == "" {
		t.Error("Expected a stack trace in the failure record")
	}
}

func TestRun_MissingScanAsset(t *testing.T) {
	fx := newFixture(1)
	r := testRunner(fx.store, &scriptedExecutor{})

	if err := r.Run(context.Background(), uuid.New()); err == nil {
		t.Fatal("Expected error for unknown scan asset")
	}
}
