package asset

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quillsec/quill/internal/models"
)

// PineconeProvider queries a Pinecone index over its REST API. The asset's
// Host field carries the index host.
type PineconeProvider struct {
	asset  *models.Asset
	client *http.Client
}

func NewPineconeProvider(asset *models.Asset) *PineconeProvider {
	return &PineconeProvider{
		asset:  asset,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *PineconeProvider) baseURL() string {
	host := p.asset.Host
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	return strings.TrimRight(host, "/")
}

func (p *PineconeProvider) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	if p.asset.APIKey == "" {
		return nil, &CredentialError{Detail: "no API key configured for Pinecone asset"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL()+path, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Api-Key", p.asset.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &CredentialError{Detail: "Pinecone rejected the API key"}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

func (p *PineconeProvider) Search(ctx context.Context, query Query, maxResults int) ([]SearchResult, error) {
	if len(query.Vector) == 0 {
		return nil, &CapabilityError{Kind: p.asset.Kind, Operation: "text search"}
	}

	respBody, err := p.post(ctx, "/query", map[string]interface{}{
		"vector":          query.Vector,
		"topK":            maxResults,
		"includeMetadata": true,
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Matches []struct {
			ID       string                 `json:"id"`
			Metadata map[string]interface{} `json:"metadata"`
		} `json:"matches"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &TransportError{Err: err}
	}

	textField := p.asset.TextField
	if textField == "" {
		textField = "content"
	}

	var results []SearchResult
	for _, match := range parsed.Matches {
		data, _ := match.Metadata[textField].(string)
		results = append(results, SearchResult{Data: data, SourceID: match.ID})
	}
	return results, nil
}

func (p *PineconeProvider) Generate(_ context.Context, _ string) (string, error) {
	return "", &CapabilityError{Kind: p.asset.Kind, Operation: "generate"}
}

func (p *PineconeProvider) Ping(ctx context.Context) PingResult {
	_, err := p.post(ctx, "/describe_index_stats", map[string]interface{}{})
	if err != nil {
		return PingResult{Error: err.Error()}
	}
	return PingResult{OK: true}
}
