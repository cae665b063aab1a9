package llm

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

const openAIChatURL = "https://api.openai.com/v1/chat/completions"

// OpenAIClient calls the OpenAI chat completions API.
type OpenAIClient struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	return &OpenAIClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: openAIChatURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *OpenAIClient) Complete(ctx context.Context, messages []Message) (string, error) {
	reqBody := map[string]interface{}{
		"model":    c.model,
		"messages": messages,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", &Error{Service: models.ServiceOpenAI, Message: "marshaling request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", &Error{Service: models.ServiceOpenAI, Message: "creating request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &Error{Service: models.ServiceOpenAI, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", &Error{
			Service: models.ServiceOpenAI,
			Message: fmt.Sprintf("status %d: %s", resp.StatusCode, string(bodyBytes)),
		}
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &Error{Service: models.ServiceOpenAI, Message: "decoding response", Err: err}
	}
	if len(result.Choices) == 0 {
		return "", &Error{Service: models.ServiceOpenAI, Message: "returned no choices"}
	}

	return result.Choices[0].Message.Content, nil
}
