package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	apperrors "github.com/heartbeat-ingest/internal/errors"
)

type startImportRequest struct {
	APIKey string `json:"apiKey"`
}

func pathInt64(r *http.Request, name string) (int64, error) {
	raw := mux.Vars(r)[name]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.NewInvalidParameterError(name, "must be a positive integer")
	}
	return id, nil
}

// apiKeyFrom reads the remote API key from the JSON body, falling back to a bearer token
func apiKeyFrom(r *http.Request) (string, error) {
	var req startImportRequest
	if err := parseJSONBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		return "", apperrors.NewInvalidParameterError("body", "must be a JSON object with an apiKey field")
	}
	if req.APIKey != "" {
		return req.APIKey, nil
	}

	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token), nil
	}
	return "", nil
}

// handleStartImport handles POST /api/users/{userID}/import
func (s *Server) handleStartImport(w http.ResponseWriter, r *http.Request) {
	userID, err := pathInt64(r, "userID")
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	apiKey, err := apiKeyFrom(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	job, err := s.imports.StartImport(r.Context(), userID, apiKey)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusAccepted, job)
}

// handleGetLatestImport handles GET /api/users/{userID}/import
func (s *Server) handleGetLatestImport(w http.ResponseWriter, r *http.Request) {
	userID, err := pathInt64(r, "userID")
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	job, err := s.jobs.GetLatestForUser(r.Context(), userID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, job)
}

// handleGetImport handles GET /api/imports/{jobID}
func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathInt64(r, "jobID")
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	job, err := s.jobs.GetByID(r.Context(), jobID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, job)
}
