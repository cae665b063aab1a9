package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// StringArray is an alias for pq.StringArray to handle PostgreSQL arrays
type StringArray = pq.StringArray

// Vector is an embedding vector stored as a PostgreSQL float8 array
type Vector = pq.Float64Array

type AssetKind string

const (
	AssetKindRedis       AssetKind = "redis"
	AssetKindPinecone    AssetKind = "pinecone"
	AssetKindMantium     AssetKind = "mantium"
	AssetKindAPIEndpoint AssetKind = "api_endpoint"
)

// RequiresEmbeddings reports whether search queries against assets of this
// kind must be converted to vectors first.
func (k AssetKind) RequiresEmbeddings() bool {
	return k == AssetKindRedis || k == AssetKindPinecone
}

func (k AssetKind) HasPing() bool {
	return true
}

func (k AssetKind) HasSearch() bool {
	return k == AssetKindRedis || k == AssetKindPinecone || k == AssetKindMantium
}

func (k AssetKind) HasGenerate() bool {
	return k == AssetKindAPIEndpoint
}

type RuleKind string

const (
	RuleKindRegex      RuleKind = "regex"
	RuleKindMultiQuery RuleKind = "multiquery"
)

type ResultKind string

const (
	ResultKindRegex      ResultKind = "regex"
	ResultKindMultiQuery ResultKind = "multiquery"
)

type FindingKind string

const (
	FindingKindRegex      FindingKind = "regex"
	FindingKindMultiQuery FindingKind = "multiquery"
)

type ScanRunStatus string

const (
	ScanRunQueued    ScanRunStatus = "queued"
	ScanRunRunning   ScanRunStatus = "running"
	ScanRunComplete  ScanRunStatus = "complete"
	ScanRunPartial   ScanRunStatus = "partial"
	ScanRunFailed    ScanRunStatus = "failed"
	ScanRunCancelled ScanRunStatus = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s ScanRunStatus) Terminal() bool {
	switch s {
	case ScanRunComplete, ScanRunPartial, ScanRunFailed, ScanRunCancelled:
		return true
	}
	return false
}

type ScanAssetStatus string

const (
	ScanAssetPending   ScanAssetStatus = "pending"
	ScanAssetRunning   ScanAssetStatus = "running"
	ScanAssetFinished  ScanAssetStatus = "finished"
	ScanAssetFailed    ScanAssetStatus = "failed"
	ScanAssetCancelled ScanAssetStatus = "cancelled"
)

// ErrorKind classifies a scan asset failure for display and filtering.
type ErrorKind string

const (
	ErrorKindCredential     ErrorKind = "credential"
	ErrorKindTransport      ErrorKind = "transport"
	ErrorKindEmbedding      ErrorKind = "embedding"
	ErrorKindRuleDefinition ErrorKind = "rule_definition"
	ErrorKindCapability     ErrorKind = "capability"
	ErrorKindAgent          ErrorKind = "agent"
	ErrorKindRunner         ErrorKind = "runner"
)

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// Provider service names shared by the embedding and generative layers.
const (
	ServiceOpenAI    = "OpenAI"
	ServiceAnthropic = "Anthropic"
	ServiceCohere    = "Cohere"
)

// User holds per-service provider credentials. Key columns are encrypted at
// rest; the store decrypts them on load.
type User struct {
	ID           uuid.UUID `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	OpenAIKey    string    `json:"-" db:"openai_key"`
	AnthropicKey string    `json:"-" db:"anthropic_key"`
	CohereKey    string    `json:"-" db:"cohere_key"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// CredentialFor returns the stored API key for a provider service, or an
// empty string when the user has not configured one.
func (u *User) CredentialFor(service string) string {
	switch service {
	case ServiceOpenAI:
		return u.OpenAIKey
	case ServiceAnthropic:
		return u.AnthropicKey
	case ServiceCohere:
		return u.CohereKey
	}
	return ""
}

type Severity struct {
	ID       uuid.UUID `json:"id" db:"id"`
	Name     string    `json:"name" db:"name"`
	Value    int       `json:"value" db:"value"`
	Color    string    `json:"color" db:"color"`
	Archived bool      `json:"archived" db:"archived"`
}

// Asset is an external data or generative endpoint the scanner interrogates.
// Kind-specific connection settings live in nullable columns; credential
// columns (Password, APIKey) are encrypted at rest.
type Asset struct {
	ID     uuid.UUID `json:"id" db:"id"`
	UserID uuid.UUID `json:"user_id" db:"user_id"`
	Kind   AssetKind `json:"kind" db:"kind"`
	Name   string    `json:"name" db:"name"`

	// Redis / Pinecone retrieval settings
	Host             string `json:"host,omitempty" db:"host"`
	Port             int    `json:"port,omitempty" db:"port"`
	DatabaseName     string `json:"database_name,omitempty" db:"database_name"`
	Username         string `json:"username,omitempty" db:"username"`
	Password         string `json:"-" db:"password"`
	IndexName        string `json:"index_name,omitempty" db:"index_name"`
	TextField        string `json:"text_field,omitempty" db:"text_field"`
	EmbeddingField   string `json:"embedding_field,omitempty" db:"embedding_field"`
	EmbeddingService string `json:"embedding_service,omitempty" db:"embedding_service"`
	EmbeddingModel   string `json:"embedding_model,omitempty" db:"embedding_model"`

	// API endpoint settings
	URL            string `json:"url,omitempty" db:"url"`
	AuthMethod     string `json:"auth_method,omitempty" db:"auth_method"`
	APIKey         string `json:"-" db:"api_key"`
	Headers        JSONB  `json:"headers,omitempty" db:"headers"`
	RequestBody    JSONB  `json:"request_body,omitempty" db:"request_body"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" db:"timeout_seconds"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Policy struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	Name             string     `json:"name" db:"name"`
	Description      string     `json:"description" db:"description"`
	IsTemplate       bool       `json:"is_template" db:"is_template"`
	Archived         bool       `json:"archived" db:"archived"`
	UserID           *uuid.UUID `json:"user_id,omitempty" db:"user_id"`
	CurrentVersionID *uuid.UUID `json:"current_version_id,omitempty" db:"current_version_id"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

type PolicyVersion struct {
	ID        uuid.UUID `json:"id" db:"id"`
	PolicyID  uuid.UUID `json:"policy_id" db:"policy_id"`
	Number    int       `json:"number" db:"number"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Rule is a tagged variant: the Kind discriminator selects which of the
// kind-specific nullable columns are populated.
type Rule struct {
	ID              uuid.UUID `json:"id" db:"id"`
	PolicyVersionID uuid.UUID `json:"policy_version_id" db:"policy_version_id"`
	SeverityID      uuid.UUID `json:"severity_id" db:"severity_id"`
	Name            string    `json:"name" db:"name"`
	Kind            RuleKind  `json:"kind" db:"kind"`

	// regex
	QueryString  *string `json:"query_string,omitempty" db:"query_string"`
	RegexPattern *string `json:"regex_pattern,omitempty" db:"regex_pattern"`

	// multiquery
	TaskDescription *string `json:"task_description,omitempty" db:"task_description"`
	SuccessOutcome  *string `json:"success_outcome,omitempty" db:"success_outcome"`
	AttackerService *string `json:"attacker_service,omitempty" db:"attacker_service"`
	AttackerModel   *string `json:"attacker_model,omitempty" db:"attacker_model"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Scan struct {
	ID          uuid.UUID `json:"id" db:"id"`
	UserID      uuid.UUID `json:"user_id" db:"user_id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	Schedule    *string   `json:"schedule,omitempty" db:"schedule"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ScanVersion is an immutable snapshot of the asset and policy-version ids a
// run executes against. IDs are stored as uuid strings.
type ScanVersion struct {
	ID               uuid.UUID   `json:"id" db:"id"`
	ScanID           uuid.UUID   `json:"scan_id" db:"scan_id"`
	Number           int         `json:"number" db:"number"`
	AssetIDs         StringArray `json:"asset_ids" db:"asset_ids"`
	PolicyVersionIDs StringArray `json:"policy_version_ids" db:"policy_version_ids"`
	CreatedAt        time.Time   `json:"created_at" db:"created_at"`
}

type ScanRun struct {
	ID              uuid.UUID     `json:"id" db:"id"`
	ScanVersionID   uuid.UUID     `json:"scan_version_id" db:"scan_version_id"`
	Status          ScanRunStatus `json:"status" db:"status"`
	CancelRequested bool          `json:"cancel_requested" db:"cancel_requested"`
	StartedAt       time.Time     `json:"started_at" db:"started_at"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty" db:"finished_at"`
}

// Duration reports how long the run has been executing, or took to execute.
func (r *ScanRun) Duration(now time.Time) time.Duration {
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(r.StartedAt)
	}
	return now.Sub(r.StartedAt)
}

// ScanAsset is one unit of scan work: every rule of every snapshotted policy
// version executed against a single asset.
type ScanAsset struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	ScanRunID  uuid.UUID       `json:"scan_run_id" db:"scan_run_id"`
	AssetID    uuid.UUID       `json:"asset_id" db:"asset_id"`
	Status     ScanAssetStatus `json:"status" db:"status"`
	TaskID     string          `json:"task_id,omitempty" db:"task_id"`
	Progress   int             `json:"progress" db:"progress"`
	LastError  *string         `json:"last_error,omitempty" db:"last_error"`
	StartedAt  *time.Time      `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
}

type ScanAssetFailure struct {
	ID          uuid.UUID `json:"id" db:"id"`
	ScanAssetID uuid.UUID `json:"scan_asset_id" db:"scan_asset_id"`
	ErrorKind   ErrorKind `json:"error_kind" db:"error_kind"`
	Message     string    `json:"message" db:"message"`
	Traceback   string    `json:"traceback" db:"traceback"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Result is evidence of one rule execution against one document or one
// conversation. Body holds the document text (regex) or the serialized
// conversation transcript (multiquery) and is encrypted at rest.
type Result struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	RuleID      uuid.UUID  `json:"rule_id" db:"rule_id"`
	ScanAssetID uuid.UUID  `json:"scan_asset_id" db:"scan_asset_id"`
	Kind        ResultKind `json:"kind" db:"kind"`
	Body        string     `json:"body" db:"body"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

type Finding struct {
	ID       uuid.UUID   `json:"id" db:"id"`
	ResultID uuid.UUID   `json:"result_id" db:"result_id"`
	Kind     FindingKind `json:"kind" db:"kind"`

	// regex
	SourceID *string `json:"source_id,omitempty" db:"source_id"`
	Offset   *int    `json:"offset,omitempty" db:"match_offset"`
	Length   *int    `json:"length,omitempty" db:"match_length"`

	// multiquery
	AttackerQuestion *string `json:"attacker_question,omitempty" db:"attacker_question"`
	TargetResponse   *string `json:"target_response,omitempty" db:"target_response"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// MatchText returns the literal slice of the parent result body that a regex
// finding points at.
func (f *Finding) MatchText(body string) string {
	if f.Offset == nil || f.Length == nil {
		return ""
	}
	start, end := *f.Offset, *f.Offset+*f.Length
	if start < 0 || end > len(body) || start > end {
		return ""
	}
	return body[start:end]
}

// SurroundingText returns the match plus up to halfWidth characters of
// context on each side, clipped to the body bounds.
func (f *Finding) SurroundingText(body string, halfWidth int) string {
	if f.Offset == nil || f.Length == nil {
		return ""
	}
	start := *f.Offset - halfWidth
	if start < 0 {
		start = 0
	}
	end := *f.Offset + *f.Length + halfWidth
	if end > len(body) {
		end = len(body)
	}
	if start > end {
		return ""
	}
	return body[start:end]
}

// ConversationTurn is one message of a multiquery transcript. Role is either
// "attacker" or "target".
type ConversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Embedding is a shared cache row keyed by (user, service, model, text).
// Text is encrypted at rest; TextHash (SHA-256 of the plaintext) carries the
// uniqueness constraint.
type Embedding struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	UserID    *uuid.UUID `json:"user_id,omitempty" db:"user_id"`
	Service   string     `json:"service" db:"service"`
	Model     string     `json:"model" db:"model"`
	Text      string     `json:"-" db:"text"`
	TextHash  string     `json:"text_hash" db:"text_hash"`
	Vectors   Vector     `json:"vectors" db:"vectors"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

type WorkerStatus struct {
	Name        string     `json:"name" db:"name"`
	LastCheck   time.Time  `json:"last_check" db:"last_check"`
	LastSuccess *time.Time `json:"last_success,omitempty" db:"last_success"`
	Available   bool       `json:"available" db:"available"`
	ActiveJobs  int        `json:"active_jobs" db:"active_jobs"`
}
