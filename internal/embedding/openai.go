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

const openAIEmbeddingsURL = "https://api.openai.com/v1/embeddings"

// OpenAIProvider calls the OpenAI embeddings API.
type OpenAIProvider struct {
	baseURL string
	client  *http.Client
}

func NewOpenAIProvider() *OpenAIProvider {
	return &OpenAIProvider{
		baseURL: openAIEmbeddingsURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *OpenAIProvider) Embed(ctx context.Context, apiKey, model, text string) ([]float64, error) {
	reqBody := map[string]interface{}{
		"model": model,
		"input": text,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &Error{Service: models.ServiceOpenAI, Message: "marshaling request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Service: models.ServiceOpenAI, Message: "creating request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &Error{Service: models.ServiceOpenAI, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, &Error{
			Service: models.ServiceOpenAI,
			Message: fmt.Sprintf("status %d: %s", resp.StatusCode, string(bodyBytes)),
		}
	}

	var result struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &Error{Service: models.ServiceOpenAI, Message: "decoding response", Err: err}
	}
	if len(result.Data) == 0 {
		return nil, &Error{Service: models.ServiceOpenAI, Message: "returned no embeddings"}
	}

	return result.Data[0].Embedding, nil
}
