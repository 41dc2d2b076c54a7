package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/calveira/cpspflow/internal/apperr"
	"github.com/calveira/cpspflow/internal/models"
)

// Handler holds API route handlers.
type Handler struct {
	svc        *Service
	outputRoot string
}

// NewHandler creates a new Handler. outputRoot bounds artifact file
// serving; paths outside it are never served regardless of what the
// manifest says.
func NewHandler(svc *Service, outputRoot string) *Handler {
	return &Handler{svc: svc, outputRoot: outputRoot}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error string `json:"error" validate:"required"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// ListRuns handles GET /api/runs.
//
//	@Summary		List pipeline runs, newest first
//	@Tags			runs
//	@Produce		json
//	@Param			state	query		string	false	"Filter by run state"	Enums(pending, completed, failed)
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	RunListResponse
//	@Security		BearerAuth
//	@Router			/runs [get]
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")
	limit, _ := strconv.Atoi(q.Get("limit"))

	runs, err := h.svc.ListRuns(state, limit)
	if err != nil {
		slog.Error("list runs failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"total": len(runs),
	})
}

// GetRun handles GET /api/runs/{id}.
//
//	@Summary		Get a single run by ID
//	@Tags			runs
//	@Produce		json
//	@Param			id	path		string	true	"Run ID"
//	@Success		200	{object}	RunDetail
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/runs/{id} [get]
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := h.svc.GetRun(id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			slog.Error("get run failed", slog.String("run_id", id), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetOutcome handles GET /api/runs/{id}/report. A completed run answers
// with its overlap report, a failed run with its failure record; while
// the run is in flight the endpoint stays 404.
//
//	@Summary		Get the terminal product of a run
//	@Tags			runs
//	@Produce		json
//	@Param			id	path		string	true	"Run ID"
//	@Success		200	{object}	OutcomeResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/runs/{id}/report [get]
func (h *Handler) GetOutcome(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rep, rec, err := h.svc.Outcome(id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			slog.Error("get outcome failed", slog.String("run_id", id), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, OutcomeResponse{Report: rep, Failure: rec})
}

// ListArtifacts handles GET /api/runs/{id}/artifacts.
//
//	@Summary		List the artifact trail of a run
//	@Tags			artifacts
//	@Produce		json
//	@Param			id	path		string	true	"Run ID"
//	@Success		200	{object}	ArtifactListResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/runs/{id}/artifacts [get]
func (h *Handler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	arts, err := h.svc.Artifacts(id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			slog.Error("list artifacts failed", slog.String("run_id", id), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": arts})
}

// ServeArtifact handles GET /api/runs/{id}/artifacts/{role} and streams
// the artifact file itself.
//
//	@Summary		Download one artifact file by role
//	@Tags			artifacts
//	@Produce		application/octet-stream
//	@Param			id		path	string	true	"Run ID"
//	@Param			role	path	string	true	"Artifact role"
//	@Success		200		{file}	binary
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/runs/{id}/artifacts/{role} [get]
func (h *Handler) ServeArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	role := chi.URLParam(r, "role")

	art, err := h.svc.ArtifactByRole(id, role)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			slog.Error("resolve artifact failed", slog.String("run_id", id), slog.String("role", role), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	if !underRoot(h.outputRoot, art.Path) {
		slog.Warn("artifact path escapes output root",
			slog.String("run_id", id),
			slog.String("role", role),
			slog.String("path", art.Path),
		)
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	if _, statErr := os.Stat(art.Path); os.IsNotExist(statErr) {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	http.ServeFile(w, r, art.Path)
}

// underRoot reports whether path resolves inside root. Manifest rows are
// written by the pipeline, but a tampered database must not turn the API
// into an arbitrary file server.
func underRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

// CreateRun handles POST /api/runs.
//
//	@Summary		Start a pipeline run for a subject directory
//	@Tags			runs
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateRunRequest	true	"Run to start"
//	@Success		202		{object}	CreateRunResponse
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/runs [post]
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.SubjectID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("subject_id is required"))
		return
	}

	cfg := h.svc.RunConfigWith(req)
	if err := cfg.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	id, err := h.svc.StartRun(req.SubjectID, cfg)
	if err != nil {
		switch {
		case errors.Is(err, apperr.ErrInputMissing):
			writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		case errors.Is(err, apperr.ErrConflict):
			writeJSON(w, http.StatusConflict, errorBody("subject already has an active run"))
		default:
			slog.Error("start run failed", slog.String("subject", req.SubjectID), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusAccepted, CreateRunResponse{
		RunID:     id,
		SubjectID: req.SubjectID,
		State:     string(models.StatePending),
	})
}

// Live handles GET /health/live.
func (h *Handler) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /health/ready. Not ready until the manifest database
// answers queries.
func (h *Handler) Ready(w http.ResponseWriter, _ *http.Request) {
	if err := h.svc.Ready(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("manifest unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
