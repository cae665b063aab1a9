package asset

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/quillsec/quill/internal/models"
)

func mantiumAsset(url string) *models.Asset {
	return &models.Asset{
		Kind:      models.AssetKindMantium,
		Name:      "test vault",
		URL:       url,
		IndexName: "app-123",
		APIKey:    "mantium-token",
	}
}

func TestMantium_Search(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.Write([]byte(`{"documents": [
			{"id": "doc:1", "content": "ssn 123-45-6789 on file"},
			{"id": "doc:2", "content": "nothing sensitive"}
		]}`))
	}))
	defer server.Close()

	provider := NewMantiumProvider(mantiumAsset(server.URL))
	results, err := provider.Search(context.Background(), Query{Text: "social security"}, 100)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	if gotPath != "/v1/applications/app-123/query" {
		t.Errorf("Unexpected query path: %q", gotPath)
	}
	if gotAuth != "Bearer mantium-token" {
		t.Errorf("Expected bearer auth, got %q", gotAuth)
	}
	if gotBody["query"] != "social security" {
		t.Errorf("Expected plain text query forwarded, got %q", gotBody["query"])
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 documents, got %d", len(results))
	}
	if results[0].SourceID != "doc:1" || !strings.Contains(results[0].Data, "123-45-6789") {
		t.Errorf("Unexpected first document: %+v", results[0])
	}
}

func TestMantium_SearchCapsResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"documents": [
			{"id": "doc:1", "content": "a"},
			{"id": "doc:2", "content": "b"},
			{"id": "doc:3", "content": "c"}
		]}`))
	}))
	defer server.Close()

	provider := NewMantiumProvider(mantiumAsset(server.URL))
	results, err := provider.Search(context.Background(), Query{Text: "anything"}, 2)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("Expected results capped at 2, got %d", len(results))
	}
}

func TestMantium_VectorQueryUnsupported(t *testing.T) {
	provider := NewMantiumProvider(mantiumAsset("http://localhost"))
	_, err := provider.Search(context.Background(), Query{Vector: []float64{0.1}}, 10)
	var capErr *CapabilityError
	if !errors.As(err, &capErr) {
		t.Fatalf("Expected capability error for vector query, got %v", err)
	}
}

func TestMantium_RejectedKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	provider := NewMantiumProvider(mantiumAsset(server.URL))
	_, err := provider.Search(context.Background(), Query{Text: "query"}, 10)
	var credErr *CredentialError
	if !errors.As(err, &credErr) {
		t.Fatalf("Expected credential error, got %v", err)
	}
}

func TestMantium_GenerateUnsupported(t *testing.T) {
	provider := NewMantiumProvider(mantiumAsset("http://localhost"))
	_, err := provider.Generate(context.Background(), "question")
	var capErr *CapabilityError
	if !errors.As(err, &capErr) {
		t.Fatalf("Expected capability error, got %v", err)
	}
	if capErr.Operation != "generate" {
		t.Errorf("Unexpected operation: %q", capErr.Operation)
	}
}
