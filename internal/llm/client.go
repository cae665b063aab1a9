package llm

import (
	"context"
	"fmt"

	"github.com/quillsec/quill/internal/models"
)

// Message is one turn of a chat completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client completes a conversation with a generative model.
type Client interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Error wraps generative provider failures.
type Error struct {
	Service string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("llm (%s): %s: %v", e.Service, e.Message, e.Err)
	}
	return fmt.Sprintf("llm (%s): %s", e.Service, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ClientFor returns a chat client for a supported generative service.
func ClientFor(service, apiKey, model string) (Client, error) {
	switch service {
	case models.ServiceOpenAI:
		return NewOpenAIClient(apiKey, model), nil
	case models.ServiceAnthropic:
		return NewAnthropicClient(apiKey, model), nil
	}
	return nil, &Error{Service: service, Message: "unsupported generative service"}
}
