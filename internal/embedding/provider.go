package embedding

import (
	"context"
	"fmt"

	"github.com/quillsec/quill/internal/models"
)

// Provider converts text into a vector using a remote embedding service.
type Provider interface {
	Embed(ctx context.Context, apiKey, model, text string) ([]float64, error)
}

// Error wraps embedding layer failures so callers can classify them.
type Error struct {
	Service string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("embedding (%s): %s: %v", e.Service, e.Message, e.Err)
	}
	return fmt.Sprintf("embedding (%s): %s", e.Service, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// allowedModels is the supported (service, model) matrix. Assets referencing
// a pair outside this table are rejected before any network call.
var allowedModels = map[string][]string{
	models.ServiceOpenAI: {
		"text-embedding-ada-002",
		"text-embedding-3-small",
		"text-embedding-3-large",
	},
	models.ServiceCohere: {
		"embed-english-v3.0",
		"embed-multilingual-v3.0",
	},
}

// ModelAllowed reports whether the service supports the model.
func ModelAllowed(service, model string) bool {
	for _, m := range allowedModels[service] {
		if m == model {
			return true
		}
	}
	return false
}

// ProviderFor returns the client for a supported embedding service.
func ProviderFor(service string) (Provider, error) {
	switch service {
	case models.ServiceOpenAI:
		return NewOpenAIProvider(), nil
	case models.ServiceCohere:
		return NewCohereProvider(), nil
	}
	return nil, &Error{Service: service, Message: "unsupported embedding service"}
}
