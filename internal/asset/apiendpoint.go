package asset

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quillsec/quill/internal/models"
)

// queryPlaceholder is replaced by the question text inside the configured
// request body template.
const queryPlaceholder = "%query%"

const defaultEndpointTimeout = 30 * time.Second

// APIEndpointProvider drives a generative HTTP API. Each question is POSTed
// using the asset's body template with the placeholder substituted.
type APIEndpointProvider struct {
	asset   *models.Asset
	retries int
	backoff time.Duration
	client  *http.Client
}

func NewAPIEndpointProvider(asset *models.Asset, retries int) *APIEndpointProvider {
	timeout := defaultEndpointTimeout
	if asset.TimeoutSeconds > 0 {
		timeout = time.Duration(asset.TimeoutSeconds) * time.Second
	}
	return &APIEndpointProvider{
		asset:   asset,
		retries: retries,
		backoff: time.Second,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *APIEndpointProvider) Search(_ context.Context, _ Query, _ int) ([]SearchResult, error) {
	return nil, &CapabilityError{Kind: p.asset.Kind, Operation: "search"}
}

// Generate sends the question to the endpoint and returns the raw response
// body. Transient failures are retried with exponential backoff.
func (p *APIEndpointProvider) Generate(ctx context.Context, question string) (string, error) {
	body, err := p.renderBody(question)
	if err != nil {
		return "", err
	}

	var lastErr error
	backoff := p.backoff
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", &TransportError{Err: ctx.Err()}
			}
			backoff *= 2
		}

		response, err := p.send(ctx, body)
		if err == nil {
			return response, nil
		}
		lastErr = err

		// Credential rejections will not improve with retries
		var credErr *CredentialError
		if errors.As(err, &credErr) {
			return "", err
		}
	}
	return "", lastErr
}

func (p *APIEndpointProvider) send(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", p.asset.URL, bytes.NewReader(body))
	if err != nil {
		return "", &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range p.asset.Headers {
		if s, ok := value.(string); ok {
			req.Header.Set(key, s)
		}
	}
	p.setAuthHeader(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", &TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", &CredentialError{Detail: "endpoint rejected the configured credentials"}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &TransportError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	// Success is a 200 carrying JSON; anything else is a broken endpoint.
	if !json.Valid(respBody) {
		return "", &TransportError{StatusCode: resp.StatusCode, Body: "response is not valid JSON"}
	}
	return string(respBody), nil
}

func (p *APIEndpointProvider) setAuthHeader(req *http.Request) {
	if p.asset.APIKey == "" {
		return
	}
	switch p.asset.AuthMethod {
	case "Basic":
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(p.asset.APIKey)))
	default:
		req.Header.Set("Authorization", "Bearer "+p.asset.APIKey)
	}
}

// renderBody substitutes the placeholder throughout the body template. The
// question is inserted through JSON encoding so quoting survives.
func (p *APIEndpointProvider) renderBody(question string) ([]byte, error) {
	template := p.asset.RequestBody
	if template == nil {
		template = models.JSONB{"query": queryPlaceholder}
	}
	raw, err := json.Marshal(template)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	encoded, err := json.Marshal(question)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	// Strip the outer quotes; the placeholder sits inside a JSON string
	quoted := strings.Trim(string(encoded), `"`)

	return []byte(strings.ReplaceAll(string(raw), queryPlaceholder, quoted)), nil
}

// Ping checks reachability and credentials without spending a real generate
// call: any HTTP response from the endpoint counts as reachable.
func (p *APIEndpointProvider) Ping(ctx context.Context) PingResult {
	req, err := http.NewRequestWithContext(ctx, "GET", p.asset.URL, nil)
	if err != nil {
		return PingResult{Error: err.Error()}
	}
	p.setAuthHeader(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return PingResult{Error: (&TransportError{Err: err}).Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return PingResult{Error: (&CredentialError{Detail: "endpoint rejected the configured credentials"}).Error()}
	}
	return PingResult{OK: true}
}
