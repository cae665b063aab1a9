package asset

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quillsec/quill/internal/models"
)

// MantiumProvider queries a Mantium knowledge-vault application over its REST
// API. Mantium indexes text directly, so queries stay plain text and no
// embedding step is involved. The asset's URL carries the API base and
// IndexName the application id.
type MantiumProvider struct {
	asset  *models.Asset
	client *http.Client
}

func NewMantiumProvider(asset *models.Asset) *MantiumProvider {
	return &MantiumProvider{
		asset:  asset,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *MantiumProvider) queryURL() string {
	base := strings.TrimRight(p.asset.URL, "/")
	return fmt.Sprintf("%s/v1/applications/%s/query", base, p.asset.IndexName)
}

func (p *MantiumProvider) Search(ctx context.Context, query Query, maxResults int) ([]SearchResult, error) {
	if query.Text == "" {
		return nil, &CapabilityError{Kind: p.asset.Kind, Operation: "vector search"}
	}
	if p.asset.APIKey == "" {
		return nil, &CredentialError{Detail: "no API key configured for Mantium asset"}
	}

	body, err := json.Marshal(map[string]string{"query": query.Text})
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, "POST", p.queryURL(), bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.asset.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &CredentialError{Detail: "Mantium rejected the API key"}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed struct {
		Documents []struct {
			ID      string `json:"id"`
			Content string `json:"content"`
		} `json:"documents"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &TransportError{Err: err}
	}

	var results []SearchResult
	for _, doc := range parsed.Documents {
		if len(results) == maxResults {
			break
		}
		results = append(results, SearchResult{Data: doc.Content, SourceID: doc.ID})
	}
	return results, nil
}

func (p *MantiumProvider) Generate(_ context.Context, _ string) (string, error) {
	return "", &CapabilityError{Kind: p.asset.Kind, Operation: "generate"}
}

func (p *MantiumProvider) Ping(ctx context.Context) PingResult {
	if _, err := p.Search(ctx, Query{Text: "ping"}, 1); err != nil {
		return PingResult{Error: err.Error()}
	}
	return PingResult{OK: true}
}
