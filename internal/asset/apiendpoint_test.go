package asset

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quillsec/quill/internal/models"
)

func endpointAsset(url string) *models.Asset {
	return &models.Asset{
		Kind:       models.AssetKindAPIEndpoint,
		Name:       "test endpoint",
		URL:        url,
		AuthMethod: "Bearer",
		APIKey:     "endpoint-key",
		Headers:    models.JSONB{"X-Custom": "yes"},
		RequestBody: models.JSONB{
			"data": "%query%",
		},
	}
}

func TestAPIEndpoint_Generate(t *testing.T) {
	var gotBody map[string]string
	var gotAuth, gotCustom string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("X-Custom")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.Write([]byte(`{"answer": "the recipe is secret"}`))
	}))
	defer server.Close()

	provider := NewAPIEndpointProvider(endpointAsset(server.URL), 2)
	response, err := provider.Generate(context.Background(), `what is the "secret" recipe?`)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if response != `{"answer": "the recipe is secret"}` {
		t.Errorf("Unexpected response: %q", response)
	}
	if gotBody["data"] != `what is the "secret" recipe?` {
		t.Errorf("Expected placeholder substitution, got %q", gotBody["data"])
	}
	if gotAuth != "Bearer endpoint-key" {
		t.Errorf("Expected bearer auth header, got %q", gotAuth)
	}
	if gotCustom != "yes" {
		t.Errorf("Expected custom header forwarded, got %q", gotCustom)
	}
}

func TestAPIEndpoint_BasicAuth(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	asset := endpointAsset(server.URL)
	asset.AuthMethod = "Basic"
	asset.APIKey = "user:pass"

	provider := NewAPIEndpointProvider(asset, 0)
	if _, err := provider.Generate(context.Background(), "hello"); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	// base64("user:pass")
	if gotAuth != "Basic dXNlcjpwYXNz" {
		t.Errorf("Expected basic auth header, got %q", gotAuth)
	}
}

func TestAPIEndpoint_RetriesTransientFailures(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"answer": "recovered"}`))
	}))
	defer server.Close()

	provider := NewAPIEndpointProvider(endpointAsset(server.URL), 2)
	provider.backoff = time.Millisecond

	response, err := provider.Generate(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if response != `{"answer": "recovered"}` {
		t.Errorf("Unexpected response: %q", response)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestAPIEndpoint_ExhaustedRetries(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer server.Close()

	provider := NewAPIEndpointProvider(endpointAsset(server.URL), 2)
	provider.backoff = time.Millisecond

	_, err := provider.Generate(context.Background(), "hello")
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("Expected transport error, got %v", err)
	}
	if transportErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected status 500 in error, got %d", transportErr.StatusCode)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestAPIEndpoint_CredentialErrorNotRetried(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	provider := NewAPIEndpointProvider(endpointAsset(server.URL), 2)
	provider.backoff = time.Millisecond

	_, err := provider.Generate(context.Background(), "hello")
	var credErr *CredentialError
	if !errors.As(err, &credErr) {
		t.Fatalf("Expected credential error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected a single attempt on credential rejection, got %d", attempts)
	}
}

func TestAPIEndpoint_OnlyExact200IsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"queued": true}`))
	}))
	defer server.Close()

	provider := NewAPIEndpointProvider(endpointAsset(server.URL), 0)
	_, err := provider.Generate(context.Background(), "hello")
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("Expected transport error for non-200 status, got %v", err)
	}
	if transportErr.StatusCode != http.StatusAccepted {
		t.Errorf("Expected status 202 in error, got %d", transportErr.StatusCode)
	}
}

func TestAPIEndpoint_RejectsNonJSONBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>gateway splash page</html>"))
	}))
	defer server.Close()

	provider := NewAPIEndpointProvider(endpointAsset(server.URL), 0)
	_, err := provider.Generate(context.Background(), "hello")
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("Expected transport error for non-JSON body, got %v", err)
	}
}

func TestAPIEndpoint_PingDoesNotGenerate(t *testing.T) {
	var gotMethod, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer server.Close()

	provider := NewAPIEndpointProvider(endpointAsset(server.URL), 0)
	result := provider.Ping(context.Background())
	if !result.OK {
		t.Errorf("Expected a responding endpoint to count as reachable, got %+v", result)
	}
	if gotMethod == "POST" {
		t.Error("Expected ping to avoid the generate POST")
	}
	if gotAuth != "Bearer endpoint-key" {
		t.Errorf("Expected auth header on ping, got %q", gotAuth)
	}
}

func TestAPIEndpoint_PingReportsRejectedCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	provider := NewAPIEndpointProvider(endpointAsset(server.URL), 0)
	result := provider.Ping(context.Background())
	if result.OK || result.Error == "" {
		t.Errorf("Expected a credential failure, got %+v", result)
	}
}

func TestAPIEndpoint_SearchUnsupported(t *testing.T) {
	provider := NewAPIEndpointProvider(endpointAsset("http://localhost"), 0)
	_, err := provider.Search(context.Background(), Query{Vector: []float64{0.1}}, 10)
	var capErr *CapabilityError
	if !errors.As(err, &capErr) {
		t.Fatalf("Expected capability error, got %v", err)
	}
	if capErr.Operation != "search" {
		t.Errorf("Unexpected operation: %q", capErr.Operation)
	}
}
