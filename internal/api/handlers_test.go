package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/quillsec/quill/internal/asset"
	"github.com/quillsec/quill/internal/config"
	"github.com/quillsec/quill/internal/models"
	"github.com/quillsec/quill/internal/scan"
)

func TestRequireToken(t *testing.T) {
	s := &Server{cfg: &config.Config{}}
	s.cfg.Server.APIToken = "secret-token"

	handler := s.requireToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer secret-token", http.StatusOK},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret-token", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/workers", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestRequireToken_UnsetAllowsAll(t *testing.T) {
	s := &Server{cfg: &config.Config{}}
	handler := s.requireToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workers", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected open access with no token configured, got %d", rec.Code)
	}
}

func TestRespondScanError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		want     int
		wantCode string
	}{
		{"no workers", scan.ErrNoWorkersAvailable, http.StatusServiceUnavailable, "no_workers"},
		{"missing credential", &scan.MissingCredentialError{Service: "OpenAI"}, http.StatusBadRequest, "missing_credential"},
		{"capability", &asset.CapabilityError{Kind: models.AssetKindRedis, Operation: "generate"}, http.StatusBadRequest, "capability_mismatch"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "scan_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			respondScanError(rec, tt.err)
			if rec.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, rec.Code)
			}

			var resp apiResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Bad response body: %v", err)
			}
			if resp.Success {
				t.Error("Expected success=false")
			}
			if resp.Error == nil || resp.Error.Code != tt.wantCode {
				t.Errorf("Expected error code %q, got %+v", tt.wantCode, resp.Error)
			}
		})
	}
}
