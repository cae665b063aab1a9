package asset

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/quillsec/quill/internal/models"
)

func pineconeAsset(host string) *models.Asset {
	return &models.Asset{
		Kind:      models.AssetKindPinecone,
		Name:      "test pinecone",
		Host:      host,
		IndexName: "documents",
		TextField: "content",
		APIKey:    "pc-test-key",
	}
}

func TestPinecone_Search(t *testing.T) {
	var gotKey string
	var gotReq map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/query" {
			t.Errorf("Unexpected path %q", r.URL.Path)
		}
		gotKey = r.Header.Get("Api-Key")
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"matches": []map[string]interface{}{
				{"id": "vec-1", "metadata": map[string]interface{}{"content": "first match"}},
				{"id": "vec-2", "metadata": map[string]interface{}{"content": "second match"}},
			},
		})
	}))
	defer server.Close()

	provider := NewPineconeProvider(pineconeAsset(server.URL))
	results, err := provider.Search(context.Background(), Query{Vector: []float64{0.1, 0.2}}, 25)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	if gotKey != "pc-test-key" {
		t.Errorf("Expected Api-Key header, got %q", gotKey)
	}
	if gotReq["topK"].(float64) != 25 {
		t.Errorf("Expected topK 25, got %v", gotReq["topK"])
	}
	if gotReq["includeMetadata"] != true {
		t.Error("Expected includeMetadata to be set")
	}
	if len(results) != 2 || results[0].SourceID != "vec-1" || results[0].Data != "first match" {
		t.Errorf("Unexpected results: %+v", results)
	}
}

func TestPinecone_CredentialRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	provider := NewPineconeProvider(pineconeAsset(server.URL))
	_, err := provider.Search(context.Background(), Query{Vector: []float64{0.1}}, 10)
	var credErr *CredentialError
	if !errors.As(err, &credErr) {
		t.Fatalf("Expected credential error, got %v", err)
	}
}

func TestPinecone_MissingKey(t *testing.T) {
	asset := pineconeAsset("http://localhost")
	asset.APIKey = ""
	provider := NewPineconeProvider(asset)

	_, err := provider.Search(context.Background(), Query{Vector: []float64{0.1}}, 10)
	var credErr *CredentialError
	if !errors.As(err, &credErr) {
		t.Fatalf("Expected credential error for missing key, got %v", err)
	}
}

func TestPinecone_Ping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/describe_index_stats" {
			t.Errorf("Unexpected path %q", r.URL.Path)
		}
		w.Write([]byte(`{"dimension": 1536}`))
	}))
	defer server.Close()

	provider := NewPineconeProvider(pineconeAsset(server.URL))
	result := provider.Ping(context.Background())
	if !result.OK {
		t.Errorf("Expected ping to succeed, got error %q", result.Error)
	}
}
