package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quillsec/quill/internal/models"
)

const cohereEmbedURL = "https://api.cohere.com/v1/embed"

// CohereProvider calls the Cohere embed API.
type CohereProvider struct {
	baseURL string
	client  *http.Client
}

func NewCohereProvider() *CohereProvider {
	return &CohereProvider{
		baseURL: cohereEmbedURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *CohereProvider) Embed(ctx context.Context, apiKey, model, text string) ([]float64, error) {
	reqBody := map[string]interface{}{
		"model":      model,
		"texts":      []string{text},
		"input_type": "search_query",
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &Error{Service: models.ServiceCohere, Message: "marshaling request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Service: models.ServiceCohere, Message: "creating request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &Error{Service: models.ServiceCohere, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, &Error{
			Service: models.ServiceCohere,
			Message: fmt.Sprintf("status %d: %s", resp.StatusCode, string(bodyBytes)),
		}
	}

	var result struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &Error{Service: models.ServiceCohere, Message: "decoding response", Err: err}
	}
	if len(result.Embeddings) == 0 {
		return nil, &Error{Service: models.ServiceCohere, Message: "returned no embeddings"}
	}

	return result.Embeddings[0], nil
}
