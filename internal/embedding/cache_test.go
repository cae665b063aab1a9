package embedding

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	"github.com/quillsec/quill/internal/models"
)

type fakeStore struct {
	rows map[string]*models.Embedding
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]*models.Embedding)}
}

func (s *fakeStore) key(userID *uuid.UUID, service, model, text string) string {
	owner := "shared"
	if userID != nil {
		owner = userID.String()
	}
	return owner + "|" + service + "|" + model + "|" + text
}

func (s *fakeStore) GetEmbedding(_ context.Context, userID *uuid.UUID, service, model, text string) (*models.Embedding, error) {
	return s.rows[s.key(userID, service, model, text)], nil
}

func (s *fakeStore) UpsertEmbedding(_ context.Context, embedding *models.Embedding) (*models.Embedding, error) {
	k := s.key(embedding.UserID, embedding.Service, embedding.Model, embedding.Text)
	if existing, ok := s.rows[k]; ok {
		return existing, nil
	}
	embedding.ID = uuid.New()
	s.rows[k] = embedding
	return embedding, nil
}

type countingProvider struct {
	calls   int
	vectors []float64
	err     error
}

func (p *countingProvider) Embed(_ context.Context, _, _, _ string) ([]float64, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.vectors, nil
}

func newTestCache(store Store, provider Provider) *Cache {
	cache := NewCache(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	cache.providerFor = func(string) (Provider, error) { return provider, nil }
	return cache
}

func TestCache_SingleProviderCallPerKey(t *testing.T) {
	provider := &countingProvider{vectors: []float64{0.1, 0.2}}
	cache := newTestCache(newFakeStore(), provider)

	ctx := context.Background()
	userID := uuid.New()

	first, err := cache.Get(ctx, &userID, "sk-test", models.ServiceOpenAI, "text-embedding-ada-002", "find the secrets")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("Expected 2-dimensional vector, got %d", len(first))
	}

	second, err := cache.Get(ctx, &userID, "sk-test", models.ServiceOpenAI, "text-embedding-ada-002", "find the secrets")
	if err != nil {
		t.Fatalf("Get (cached) failed: %v", err)
	}
	if second[0] != first[0] {
		t.Error("Expected identical vectors on cache hit")
	}
	if provider.calls != 1 {
		t.Errorf("Expected exactly 1 provider call, got %d", provider.calls)
	}

	// Different text misses the cache
	if _, err := cache.Get(ctx, &userID, "sk-test", models.ServiceOpenAI, "text-embedding-ada-002", "other query"); err != nil {
		t.Fatalf("Get (other text) failed: %v", err)
	}
	if provider.calls != 2 {
		t.Errorf("Expected 2 provider calls after new text, got %d", provider.calls)
	}
}

// gatedProvider blocks inside Embed until released, so a second caller can
// provably arrive while the first call is still in flight.
type gatedProvider struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
	vectors []float64
}

func (p *gatedProvider) Embed(_ context.Context, _, _, _ string) ([]float64, error) {
	p.calls.Add(1)
	close(p.entered)
	<-p.release
	return p.vectors, nil
}

func TestCache_ConcurrentMissesShareOneProviderCall(t *testing.T) {
	provider := &gatedProvider{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		vectors: []float64{0.1, 0.2},
	}
	cache := NewCache(newFakeStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	cache.providerFor = func(string) (Provider, error) { return provider, nil }

	ctx := context.Background()
	userID := uuid.New()
	get := func() ([]float64, error) {
		return cache.Get(ctx, &userID, "sk-test", models.ServiceOpenAI, "text-embedding-ada-002", "shared miss")
	}

	results := make(chan []float64, 2)
	errs := make(chan error, 2)
	go func() {
		v, err := get()
		results <- v
		errs <- err
	}()
	<-provider.entered

	// Second caller arrives while the provider call is still outstanding
	go func() {
		v, err := get()
		results <- v
		errs <- err
	}()
	close(provider.release)

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if v := <-results; len(v) != 2 {
			t.Fatalf("Expected 2-dimensional vector, got %v", v)
		}
	}
	if n := provider.calls.Load(); n != 1 {
		t.Errorf("Expected exactly 1 provider call for concurrent misses, got %d", n)
	}
}

func TestCache_OwnerPartitions(t *testing.T) {
	provider := &countingProvider{vectors: []float64{0.5}}
	cache := newTestCache(newFakeStore(), provider)

	ctx := context.Background()
	userID := uuid.New()

	if _, err := cache.Get(ctx, &userID, "sk-test", models.ServiceOpenAI, "text-embedding-ada-002", "shared text"); err != nil {
		t.Fatalf("Get (user) failed: %v", err)
	}
	if _, err := cache.Get(ctx, nil, "sk-test", models.ServiceOpenAI, "text-embedding-ada-002", "shared text"); err != nil {
		t.Fatalf("Get (shared) failed: %v", err)
	}
	if provider.calls != 2 {
		t.Errorf("Expected separate partitions to each call the provider, got %d calls", provider.calls)
	}
}

func TestCache_RejectsBadInput(t *testing.T) {
	provider := &countingProvider{vectors: []float64{0.5}}
	cache := newTestCache(newFakeStore(), provider)

	ctx := context.Background()

	_, err := cache.Get(ctx, nil, "sk-test", models.ServiceOpenAI, "made-up-model", "text")
	var embErr *Error
	if !errors.As(err, &embErr) {
		t.Fatalf("Expected embedding error for unsupported model, got %v", err)
	}

	_, err = cache.Get(ctx, nil, "", models.ServiceOpenAI, "text-embedding-ada-002", "text")
	if !errors.As(err, &embErr) {
		t.Fatalf("Expected embedding error for missing key, got %v", err)
	}
	if provider.calls != 0 {
		t.Errorf("Expected no provider calls on rejected input, got %d", provider.calls)
	}
}

func TestCache_ProviderErrorPropagates(t *testing.T) {
	provider := &countingProvider{err: &Error{Service: models.ServiceOpenAI, Message: "status 401"}}
	cache := newTestCache(newFakeStore(), provider)

	_, err := cache.Get(context.Background(), nil, "sk-bad", models.ServiceOpenAI, "text-embedding-ada-002", "text")
	var embErr *Error
	if !errors.As(err, &embErr) {
		t.Fatalf("Expected embedding error, got %v", err)
	}
}
