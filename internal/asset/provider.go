package asset

import (
	"context"
	"fmt"

	"github.com/quillsec/quill/internal/models"
)

// Query addresses a retrieval search: plain text for assets that index
// text directly, a vector for embedding-backed indexes.
type Query struct {
	Text   string
	Vector []float64
}

// SearchResult is one document returned by a retrieval asset.
type SearchResult struct {
	Data     string
	SourceID string
}

// PingResult reports whether an asset is reachable and correctly configured.
type PingResult struct {
	OK    bool
	Error string
}

// Provider is the connection surface for one asset. Kinds that do not
// support an operation return a CapabilityError.
type Provider interface {
	Search(ctx context.Context, query Query, maxResults int) ([]SearchResult, error)
	Generate(ctx context.Context, question string) (string, error)
	Ping(ctx context.Context) PingResult
}

// TransportError is a network or remote-status failure talking to an asset.
type TransportError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("asset transport: %v", e.Err)
	}
	return fmt.Sprintf("asset transport: status %d: %s", e.StatusCode, e.Body)
}

func (e *TransportError) Unwrap() error { return e.Err }

// CredentialError indicates the asset's stored credentials were rejected or
// missing.
type CredentialError struct {
	Detail string
}

func (e *CredentialError) Error() string {
	return "asset credential: " + e.Detail
}

// CapabilityError indicates an operation the asset kind does not support.
type CapabilityError struct {
	Kind      models.AssetKind
	Operation string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("asset %s does not support %s", e.Kind, e.Operation)
}

// Registry resolves persisted assets to live providers.
type Registry struct {
	retries int
}

// NewRegistry builds a registry. retries is the transport retry budget for
// HTTP-backed assets.
func NewRegistry(retries int) *Registry {
	return &Registry{retries: retries}
}

// For returns a provider for the asset. Credential fields on the asset are
// expected to be decrypted already.
func (r *Registry) For(asset *models.Asset) (Provider, error) {
	switch asset.Kind {
	case models.AssetKindRedis:
		return NewRedisProvider(asset), nil
	case models.AssetKindPinecone:
		return NewPineconeProvider(asset), nil
	case models.AssetKindMantium:
		return NewMantiumProvider(asset), nil
	case models.AssetKindAPIEndpoint:
		return NewAPIEndpointProvider(asset, r.retries), nil
	}
	return nil, fmt.Errorf("unknown asset kind %q", asset.Kind)
}
