package llm

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

const anthropicMessagesURL = "https://api.anthropic.com/v1/messages"

// AnthropicClient calls the Anthropic messages API. The system message is
// carried in the dedicated request field rather than in the message list.
type AnthropicClient struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewAnthropicClient(apiKey, model string) *AnthropicClient {
	return &AnthropicClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: anthropicMessagesURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *AnthropicClient) Complete(ctx context.Context, messages []Message) (string, error) {
	var system string
	var turns []map[string]string
	for _, msg := range messages {
		if msg.Role == "system" {
			system = msg.Content
			continue
		}
		turns = append(turns, map[string]string{
			"role":    msg.Role,
			"content": msg.Content,
		})
	}

	reqBody := map[string]interface{}{
		"model":      c.model,
		"messages":   turns,
		"max_tokens": 4096,
	}
	if system != "" {
		reqBody["system"] = system
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", &Error{Service: models.ServiceAnthropic, Message: "marshaling request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", &Error{Service: models.ServiceAnthropic, Message: "creating request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &Error{Service: models.ServiceAnthropic, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", &Error{
			Service: models.ServiceAnthropic,
			Message: fmt.Sprintf("status %d: %s", resp.StatusCode, string(bodyBytes)),
		}
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &Error{Service: models.ServiceAnthropic, Message: "decoding response", Err: err}
	}

	var text strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", &Error{Service: models.ServiceAnthropic, Message: "returned no text content"}
	}

	return text.String(), nil
}
