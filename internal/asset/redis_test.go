package asset

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/quillsec/quill/internal/models"
)

func redisAsset() *models.Asset {
	return &models.Asset{
		Kind:           models.AssetKindRedis,
		Name:           "test redis",
		Host:           "localhost",
		Port:           6379,
		IndexName:      "documents",
		TextField:      "content",
		EmbeddingField: "embedding",
	}
}

func TestVectorBlob(t *testing.T) {
	blob := vectorBlob([]float64{1.5, -2.0})
	if len(blob) != 8 {
		t.Fatalf("Expected 8 bytes for 2 floats, got %d", len(blob))
	}
	first := math.Float32frombits(binary.LittleEndian.Uint32(blob[:4]))
	second := math.Float32frombits(binary.LittleEndian.Uint32(blob[4:]))
	if first != 1.5 || second != -2.0 {
		t.Errorf("Round trip mismatch: %f, %f", first, second)
	}
}

func TestParseSearchReply(t *testing.T) {
	provider := NewRedisProvider(redisAsset())

	reply := []interface{}{
		int64(2),
		"doc:1", []interface{}{"vec_score", "0.12", "content", "first document"},
		"doc:2", []interface{}{"content", "second document", "vec_score", "0.34"},
	}

	results, err := provider.parseSearchReply(reply)
	if err != nil {
		t.Fatalf("parseSearchReply failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if results[0].SourceID != "doc:1" || results[0].Data != "first document" {
		t.Errorf("Unexpected first result: %+v", results[0])
	}
	if results[1].SourceID != "doc:2" || results[1].Data != "second document" {
		t.Errorf("Unexpected second result: %+v", results[1])
	}
}

func TestParseSearchReply_Empty(t *testing.T) {
	provider := NewRedisProvider(redisAsset())

	results, err := provider.parseSearchReply([]interface{}{int64(0)})
	if err != nil {
		t.Fatalf("parseSearchReply failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Expected no results, got %d", len(results))
	}

	_, err = provider.parseSearchReply("garbage")
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("Expected transport error for malformed reply, got %v", err)
	}
}

func TestIndexAttributeNames(t *testing.T) {
	reply := []interface{}{
		"index_name", "documents",
		"attributes", []interface{}{
			[]interface{}{"identifier", "content", "attribute", "content", "type", "TEXT"},
			[]interface{}{"identifier", "embedding", "attribute", "embedding", "type", "VECTOR"},
		},
	}

	names := indexAttributeNames(reply)
	if !names["content"] || !names["embedding"] {
		t.Errorf("Expected both attributes present, got %v", names)
	}
	if names["documents"] {
		t.Error("Index name must not leak into attributes")
	}
}

func TestRedisProvider_GenerateUnsupported(t *testing.T) {
	provider := NewRedisProvider(redisAsset())
	_, err := provider.Generate(context.Background(), "question")
	var capErr *CapabilityError
	if !errors.As(err, &capErr) {
		t.Fatalf("Expected capability error, got %v", err)
	}
}
