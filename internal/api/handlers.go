package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/quillsec/quill/internal/asset"
	"github.com/quillsec/quill/internal/cryptobox"
	"github.com/quillsec/quill/internal/models"
	"github.com/quillsec/quill/internal/scan"
)

type createScanRequest struct {
	OwnerID     uuid.UUID   `json:"owner_id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Schedule    *string     `json:"schedule,omitempty"`
	AssetIDs    []uuid.UUID `json:"asset_ids"`
	PolicyIDs   []uuid.UUID `json:"policy_ids"`
}

func (s *Server) createScan(w http.ResponseWriter, r *http.Request) {
	var req createScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.OwnerID == uuid.Nil || req.Name == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "owner_id and name are required")
		return
	}

	run, err := s.orch.CreateScan(r.Context(), scan.CreateScanRequest{
		OwnerID:     req.OwnerID,
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
		AssetIDs:    req.AssetIDs,
		PolicyIDs:   req.PolicyIDs,
	})
	if err != nil {
		respondScanError(w, err)
		return
	}

	if req.Schedule != nil && s.scheduler != nil {
		if err := s.scheduler.Refresh(r.Context()); err != nil {
			s.logger.Error("scheduler refresh failed", "error", err)
		}
	}

	respondJSON(w, http.StatusCreated, run)
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	scanID, ok := parseUUIDParam(w, r, "scanID")
	if !ok {
		return
	}

	run, err := s.orch.StartRun(r.Context(), scanID)
	if err != nil {
		respondScanError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, run)
}

// respondScanError maps orchestrator precondition failures to client-facing
// statuses.
func respondScanError(w http.ResponseWriter, err error) {
	var credErr *scan.MissingCredentialError
	var capErr *asset.CapabilityError

	switch {
	case errors.Is(err, scan.ErrNoWorkersAvailable):
		respondError(w, http.StatusServiceUnavailable, "no_workers", err.Error())
	case errors.As(err, &credErr):
		respondError(w, http.StatusBadRequest, "missing_credential", err.Error())
	case errors.As(err, &capErr):
		respondError(w, http.StatusBadRequest, "capability_mismatch", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "scan_error", err.Error())
	}
}

type runResponse struct {
	Run    *models.ScanRun    `json:"run"`
	Assets []models.ScanAsset `json:"assets"`
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseUUIDParam(w, r, "runID")
	if !ok {
		return
	}

	run, scanAssets, err := s.orch.RunStatus(r.Context(), runID)
	if err != nil {
		respondError(w, http.StatusNotFound, "run_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, runResponse{Run: run, Assets: scanAssets})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseUUIDParam(w, r, "runID")
	if !ok {
		return
	}

	if err := s.orch.Cancel(r.Context(), runID); err != nil {
		respondError(w, http.StatusConflict, "cancel_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}

type resultWithFindings struct {
	models.Result
	Findings []models.Finding `json:"findings"`
}

func (s *Server) getRunResults(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseUUIDParam(w, r, "runID")
	if !ok {
		return
	}

	results, err := s.store.ListResultsForRun(r.Context(), runID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	out := make([]resultWithFindings, 0, len(results))
	for _, result := range results {
		findings, err := s.store.ListFindingsForResult(r.Context(), result.ID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "db_error", err.Error())
			return
		}
		out = append(out, resultWithFindings{Result: result, Findings: findings})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) getRunFailures(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseUUIDParam(w, r, "runID")
	if !ok {
		return
	}

	failures, err := s.store.ListScanAssetFailures(r.Context(), runID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, failures)
}

func (s *Server) getRunReport(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseUUIDParam(w, r, "runID")
	if !ok {
		return
	}

	data, err := s.reports.RunReportPDF(r.Context(), runID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "report_error", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="scan-report-%s.pdf"`, runID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) pingAsset(w http.ResponseWriter, r *http.Request) {
	assetID, ok := parseUUIDParam(w, r, "assetID")
	if !ok {
		return
	}

	a, err := s.store.GetAsset(r.Context(), assetID)
	if err != nil || a == nil {
		respondError(w, http.StatusNotFound, "asset_not_found", "asset does not exist")
		return
	}

	provider, err := s.providers.For(a)
	if err != nil {
		respondError(w, http.StatusBadRequest, "unknown_asset_kind", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, provider.Ping(r.Context()))
}

type userResponse struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	OpenAIKey    string    `json:"openai_key"`
	AnthropicKey string    `json:"anthropic_key"`
	CohereKey    string    `json:"cohere_key"`
}

// getUser returns the user with credentials masked for display.
func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUUIDParam(w, r, "userID")
	if !ok {
		return
	}

	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		respondError(w, http.StatusNotFound, "user_not_found", "user does not exist")
		return
	}

	respondJSON(w, http.StatusOK, userResponse{
		ID:           user.ID,
		Username:     user.Username,
		OpenAIKey:    cryptobox.Mask(user.OpenAIKey),
		AnthropicKey: cryptobox.Mask(user.AnthropicKey),
		CohereKey:    cryptobox.Mask(user.CohereKey),
	})
}

type workersResponse struct {
	Workers []models.WorkerStatus `json:"workers"`
	Queue   map[string]int64      `json:"queue"`
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.ListWorkerStatus(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	stats, err := s.queue.GetQueueStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, workersResponse{Workers: workers, Queue: stats})
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", fmt.Sprintf("invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}
