package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/google/uuid"

	"github.com/quillsec/quill/internal/agents"
	"github.com/quillsec/quill/internal/asset"
	"github.com/quillsec/quill/internal/llm"
	"github.com/quillsec/quill/internal/models"
)

// RuleDefinitionError marks a rule whose definition cannot be executed:
// malformed regex, missing kind-specific fields, or a capability the target
// asset lacks. It fails the rule, never the whole runner.
type RuleDefinitionError struct {
	RuleID uuid.UUID
	Detail string
}

func (e *RuleDefinitionError) Error() string {
	return fmt.Sprintf("rule %s: %s", e.RuleID, e.Detail)
}

// Store is the persistence surface the executor writes results through.
type Store interface {
	CreateResult(ctx context.Context, result *models.Result, findings []models.Finding) error
}

// Embedder converts query text to vectors through the shared cache.
type Embedder interface {
	Get(ctx context.Context, userID *uuid.UUID, apiKey, service, model, text string) ([]float64, error)
}

// Providers resolves assets to live connections.
type Providers interface {
	For(asset *models.Asset) (asset.Provider, error)
}

// Config carries the execution knobs.
type Config struct {
	MaxRounds        int
	MaxSearchResults int
}

// Args is everything needed to run one rule against one asset.
type Args struct {
	Rule        *models.Rule
	Asset       *models.Asset
	Owner       *models.User
	ScanAssetID uuid.UUID

	// EmbeddingOwnerID scopes cache rows; nil for template policies so the
	// row lands in the shared partition.
	EmbeddingOwnerID *uuid.UUID
}

// Executor dispatches rule execution by kind and persists the evidence.
type Executor struct {
	store      Store
	providers  Providers
	embeddings Embedder
	config     Config
	logger     *slog.Logger

	// newClient is swapped in tests
	newClient func(service, apiKey, model string) (llm.Client, error)
}

func New(store Store, providers Providers, embeddings Embedder, config Config, logger *slog.Logger) *Executor {
	return &Executor{
		store:      store,
		providers:  providers,
		embeddings: embeddings,
		config:     config,
		logger:     logger.With("component", "executor"),
		newClient:  llm.ClientFor,
	}
}

// Execute runs a single rule. Errors are returned for the runner to classify
// and contain.
func (e *Executor) Execute(ctx context.Context, args Args) error {
	switch args.Rule.Kind {
	case models.RuleKindRegex:
		return e.executeRegex(ctx, args)
	case models.RuleKindMultiQuery:
		return e.executeMultiQuery(ctx, args)
	}
	return &RuleDefinitionError{RuleID: args.Rule.ID, Detail: fmt.Sprintf("unknown rule kind %q", args.Rule.Kind)}
}

func (e *Executor) executeRegex(ctx context.Context, args Args) error {
	rule := args.Rule
	if rule.QueryString == nil || rule.RegexPattern == nil {
		return &RuleDefinitionError{RuleID: rule.ID, Detail: "regex rule is missing query_string or regex_pattern"}
	}
	if !args.Asset.Kind.HasSearch() {
		return &RuleDefinitionError{RuleID: rule.ID, Detail: fmt.Sprintf("asset kind %s does not support search", args.Asset.Kind)}
	}

	pattern, err := regexp.Compile(*rule.RegexPattern)
	if err != nil {
		return &RuleDefinitionError{RuleID: rule.ID, Detail: "invalid regex: " + err.Error()}
	}

	query := asset.Query{Text: *rule.QueryString}
	if args.Asset.Kind.RequiresEmbeddings() {
		apiKey := args.Owner.CredentialFor(args.Asset.EmbeddingService)
		vector, err := e.embeddings.Get(ctx, args.EmbeddingOwnerID, apiKey,
			args.Asset.EmbeddingService, args.Asset.EmbeddingModel, *rule.QueryString)
		if err != nil {
			return err
		}
		query = asset.Query{Vector: vector}
	}

	provider, err := e.providers.For(args.Asset)
	if err != nil {
		return err
	}
	documents, err := provider.Search(ctx, query, e.config.MaxSearchResults)
	if err != nil {
		return err
	}

	e.logger.Debug("regex search complete", "rule_id", rule.ID, "documents", len(documents))

	// One result per document, in provider order. Empty results are
	// persisted too so every attempted rule leaves evidence.
	for _, doc := range documents {
		findings := regexFindings(pattern, doc)
		result := &models.Result{
			RuleID:      rule.ID,
			ScanAssetID: args.ScanAssetID,
			Kind:        models.ResultKindRegex,
			Body:        doc.Data,
		}
		if err := e.store.CreateResult(ctx, result, findings); err != nil {
			return fmt.Errorf("persisting regex result: %w", err)
		}
	}
	return nil
}

// regexFindings locates every non-overlapping match in offset order.
func regexFindings(pattern *regexp.Regexp, doc asset.SearchResult) []models.Finding {
	var findings []models.Finding
	for _, loc := range pattern.FindAllStringIndex(doc.Data, -1) {
		offset, length := loc[0], loc[1]-loc[0]
		sourceID := doc.SourceID
		findings = append(findings, models.Finding{
			Kind:     models.FindingKindRegex,
			SourceID: &sourceID,
			Offset:   &offset,
			Length:   &length,
		})
	}
	return findings
}

func (e *Executor) executeMultiQuery(ctx context.Context, args Args) error {
	rule := args.Rule
	if rule.TaskDescription == nil || rule.SuccessOutcome == nil || rule.AttackerService == nil || rule.AttackerModel == nil {
		return &RuleDefinitionError{RuleID: rule.ID, Detail: "multiquery rule is missing required fields"}
	}
	if !args.Asset.Kind.HasGenerate() {
		return &RuleDefinitionError{RuleID: rule.ID, Detail: fmt.Sprintf("asset kind %s does not support generate", args.Asset.Kind)}
	}

	apiKey := args.Owner.CredentialFor(*rule.AttackerService)
	if apiKey == "" {
		return &asset.CredentialError{Detail: fmt.Sprintf("no %s key configured for attacker model", *rule.AttackerService)}
	}
	client, err := e.newClient(*rule.AttackerService, apiKey, *rule.AttackerModel)
	if err != nil {
		return err
	}

	provider, err := e.providers.For(args.Asset)
	if err != nil {
		return err
	}

	attacker := agents.NewAttacker(client, *rule.TaskDescription, *rule.SuccessOutcome)
	judge := agents.NewJudge(client, *rule.SuccessOutcome)

	var transcript []models.ConversationTurn
	var winningQuestion, winningResponse string
	succeeded := false

	lastResponse := ""
	for round := 1; round <= e.config.MaxRounds; round++ {
		question, err := attacker.NextQuestion(ctx, lastResponse)
		if err != nil {
			return err
		}
		transcript = append(transcript, models.ConversationTurn{Role: "attacker", Content: question})

		response, err := provider.Generate(ctx, question)
		if err != nil {
			return err
		}
		transcript = append(transcript, models.ConversationTurn{Role: "target", Content: response})
		lastResponse = response

		verdict, err := judge.Evaluate(ctx, response)
		if err != nil {
			return err
		}
		e.logger.Debug("multiquery round complete", "rule_id", rule.ID, "round", round, "success", verdict)
		if verdict {
			succeeded = true
			winningQuestion, winningResponse = question, response
			break
		}
	}

	body, err := json.Marshal(transcript)
	if err != nil {
		return fmt.Errorf("serializing transcript: %w", err)
	}

	result := &models.Result{
		RuleID:      rule.ID,
		ScanAssetID: args.ScanAssetID,
		Kind:        models.ResultKindMultiQuery,
		Body:        string(body),
	}
	var findings []models.Finding
	if succeeded {
		findings = append(findings, models.Finding{
			Kind:             models.FindingKindMultiQuery,
			AttackerQuestion: &winningQuestion,
			TargetResponse:   &winningResponse,
		})
	}
	if err := e.store.CreateResult(ctx, result, findings); err != nil {
		return fmt.Errorf("persisting multiquery result: %w", err)
	}
	return nil
}
