package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	"github.com/seantiz/compose/internal/model"
	"github.com/seantiz/compose/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// listJobsResponse wraps the paginated list response.
type listJobsResponse struct {
	Jobs   []*model.Job `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// selectResponse is returned by GET /v1/jobs/{id}?select=<path>.
type selectResponse struct {
	JobID  string          `json:"job_id"`
	Status string          `json:"status"`
	Select string          `json:"select"`
	Value  json.RawMessage `json:"value"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := s.store.ListJobs(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleGetJob returns a job. With ?select=<gjson path> it returns only the
// selected value of the job's results.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookupJob(w, r)
	if !ok {
		return
	}

	sel := r.URL.Query().Get("select")
	if sel == "" {
		s.writeJSON(w, http.StatusOK, j)
		return
	}
	res := gjson.GetBytes(j.Results, sel)
	if !res.Exists() {
		s.writeError(w, http.StatusNotFound, "no value at select path")
		return
	}
	s.writeJSON(w, http.StatusOK, selectResponse{
		JobID:  j.ID,
		Status: j.Status,
		Select: sel,
		Value:  json.RawMessage(res.Raw),
	})
}

func (s *Server) handleGetResultState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rs, err := s.store.GetResultState(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "result state not found")
		return
	}
	if err != nil {
		s.logger.Error("get result state", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get result state")
		return
	}
	s.writeJSON(w, http.StatusOK, rs)
}

// lookupJob loads the job named by the {id} URL parameter, writing a 404 or
// 500 response and returning false if it cannot.
func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (*model.Job, bool) {
	id := chi.URLParam(r, "id")
	j, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return nil, false
	}
	return j, true
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
