package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/compose/internal/blobstore"
	"github.com/seantiz/compose/internal/composite"
	"github.com/seantiz/compose/internal/model"
)

const (
	maxBodySize  = 1 << 20  // 1 MB
	maxModelSize = 16 << 20 // 16 MB
)

// submitCompositionRequest is the body for POST /v1/compositions. Exactly one
// of Spec and SnapshotPath is set.
type submitCompositionRequest struct {
	Spec         model.CompositionSpec `json:"spec"`
	Duration     int                   `json:"duration"`
	SnapshotPath string                `json:"snapshot_path"`
}

// submitRunRequest is the body for POST /v1/runs.
type submitRunRequest struct {
	Simulator string          `json:"simulator"`
	Duration  int             `json:"duration"`
	Params    json.RawMessage `json:"params"`
	ModelPath string          `json:"model_path"`
}

type uploadResponse struct {
	Path string `json:"path"`
}

// isYAML reports whether the request body is declared as YAML.
func isYAML(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	switch mt {
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		return true
	}
	return false
}

// decodeBody decodes a JSON body, or a YAML body when the content type says
// so. YAML is normalized through JSON so both produce identical values.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if isYAML(r) {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("invalid YAML body: %w", err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return fmt.Errorf("invalid YAML body: %w", err)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// handleValidate checks a composition document without submitting it. The
// result is returned with 200 whether or not the spec is valid.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var spec model.CompositionSpec
	if err := decodeBody(w, r, &spec); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, composite.Validate(spec))
}

func (s *Server) handleSubmitComposition(w http.ResponseWriter, r *http.Request) {
	var req submitCompositionRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Duration < 0 {
		s.writeError(w, http.StatusBadRequest, "duration must be non-negative")
		return
	}

	switch {
	case req.SnapshotPath != "" && len(req.Spec) > 0:
		s.writeError(w, http.StatusBadRequest, "spec and snapshot_path are mutually exclusive")
		return
	case req.SnapshotPath != "":
		if err := blobstore.CheckPath(req.SnapshotPath); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	case len(req.Spec) == 0:
		s.writeError(w, http.StatusBadRequest, "spec is required")
		return
	default:
		if result := composite.Validate(req.Spec); !result.Valid {
			s.writeJSON(w, http.StatusUnprocessableEntity, result)
			return
		}
	}

	j := &model.Job{
		ID:           model.NewCompositionID(),
		Spec:         req.Spec,
		Duration:     req.Duration,
		SnapshotPath: req.SnapshotPath,
	}
	s.submit(w, r, j)
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Simulator == "" {
		s.writeError(w, http.StatusBadRequest, "simulator is required")
		return
	}
	if req.Duration < 0 {
		s.writeError(w, http.StatusBadRequest, "duration must be non-negative")
		return
	}
	if req.ModelPath != "" {
		if err := blobstore.CheckPath(req.ModelPath); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	j := &model.Job{
		ID:        model.NewRunID(req.Simulator),
		Simulator: req.Simulator,
		Params:    req.Params,
		Duration:  req.Duration,
		ModelPath: req.ModelPath,
	}
	s.submit(w, r, j)
}

// submit hands j to the dispatcher and responds 202 with the stored job.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, j *model.Job) {
	if err := s.dispatcher.Submit(r.Context(), j); err != nil {
		s.logger.Error("submit job", "job_id", j.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}
	s.logger.Info("job submitted", "job_id", j.ID, "kind", string(j.Kind()))
	s.writeJSON(w, http.StatusAccepted, j)
}

// handleUploadModel stores the raw request body as a model artifact that runs
// can reference by the returned path.
func (s *Server) handleUploadModel(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxModelSize))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "model exceeds maximum size")
		return
	}
	if len(data) == 0 {
		s.writeError(w, http.StatusBadRequest, "model body is empty")
		return
	}
	path, err := s.blobs.Upload(r.Context(), data, blobstore.ModelPath())
	if err != nil {
		s.logger.Error("upload model", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store model")
		return
	}
	s.writeJSON(w, http.StatusCreated, uploadResponse{Path: path})
}
