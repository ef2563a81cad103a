// Package httpapi is the external HTTP collaborator described in the
// specification's §6: it exposes the read-only query facade to the
// presentation layer over plain JSON, with permissive CORS for local
// development (mirroring the original server's actix_cors::permissive
// setup -- there is no authentication or multi-tenancy in scope).
package httpapi

import (
	"encoding/json"
	"net/http"

	"fzcoverage.dev/fzcoverage/internal/coverage"
	"fzcoverage.dev/fzcoverage/internal/query"
	"fzcoverage.dev/fzcoverage/pkg/log"
)

// Handler serves every endpoint named in §6 against one query facade.
type Handler struct {
	facade *query.Facade
	mux    *http.ServeMux
}

func New(facade *query.Facade) *Handler {
	h := &Handler{facade: facade, mux: http.NewServeMux()}
	h.mux.HandleFunc("/fuzzer_info", h.getFuzzerInfo)
	h.mux.HandleFunc("/line_coverage", h.postLineCoverage)
	h.mux.HandleFunc("/sut", h.getSUT)
	h.mux.HandleFunc("/sut_file_info", h.getSUTFileInfo)
	h.mux.HandleFunc("/input_clusters", h.postInputClusters)
	h.mux.HandleFunc("/compare_inputs", h.postCompareInputs)
	h.mux.HandleFunc("/initial_seeds_line_coverage_for_file", h.postInitialSeedsLineCoverageForFile)
	h.mux.HandleFunc("/line_coverage_for_file", h.postLineCoverageForFile)
	h.mux.HandleFunc("/initial_seed_timeline", h.postInitialSeedTimeline)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("httpapi: encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	log.Warnf("httpapi: %v", err)
	http.Error(w, err.Error(), status)
}

func (h *Handler) getFuzzerInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.facade.FuzzerInfo())
}

func (h *Handler) postLineCoverage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.facade.LineCoverageOverTime())
}

func (h *Handler) getSUT(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.facade.SUT())
}

func (h *Handler) getSUTFileInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.facade.SUTFileIDNameMap())
}

type inputClustersRequest struct {
	ClusterThresholdSeconds int64 `json:"cluster_threshold_seconds"`
}

func (h *Handler) postInputClusters(w http.ResponseWriter, r *http.Request) {
	var req inputClustersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, h.facade.InputClusters(req.ClusterThresholdSeconds))
}

type compareInputsRequest struct {
	FuzzerConfigurationID uint32 `json:"fuzzer_configuration_id"`
	InitialSeedID         uint32 `json:"initial_seed_id"`
}

func (h *Handler) postCompareInputs(w http.ResponseWriter, r *http.Request) {
	var req compareInputsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := h.facade.CompareInputs(req.FuzzerConfigurationID, req.InitialSeedID)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, result)
}

type fileIDRequest struct {
	FileID int `json:"file_id"`
}

func (h *Handler) postInitialSeedsLineCoverageForFile(w http.ResponseWriter, r *http.Request) {
	var req fileIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, h.facade.InitialSeedsLineCoverageForFile(coverage.FileID(req.FileID)))
}

type lineCoverageForFileRequest struct {
	FuzzerConfigurationID uint32 `json:"fuzzer_configuration_id"`
	FileID                int    `json:"file_id"`
	InitialSeedID         uint32 `json:"initial_seed_id"`
	ChildID               uint32 `json:"child_id"`
}

func (h *Handler) postLineCoverageForFile(w http.ResponseWriter, r *http.Request) {
	var req lineCoverageForFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	lines, err := h.facade.LineCoverageForFile(req.FuzzerConfigurationID, coverage.FileID(req.FileID), req.InitialSeedID, coverage.InputID(req.ChildID))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, lines)
}

type timelineRequest struct {
	FuzzerConfigurationID uint32   `json:"fuzzer_configuration_id"`
	InitialSeedIDs        []uint32 `json:"initial_seed_ids"`
}

func (h *Handler) postInitialSeedTimeline(w http.ResponseWriter, r *http.Request) {
	var req timelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	timeline, err := h.facade.InitialSeedTimeline(req.FuzzerConfigurationID, req.InitialSeedIDs)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, timeline)
}
