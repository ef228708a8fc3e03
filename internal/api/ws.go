package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seantiz/compose/internal/blobstore"
	"github.com/seantiz/compose/internal/composite"
	"github.com/seantiz/compose/internal/model"
	"github.com/seantiz/compose/internal/stream"
)

// WebSocket message types sent by /v1/stream.
const (
	wsTypeUpdate = "update"
	wsTypeDone   = "done"
	wsTypeError  = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamRequest is the first and only client message on /v1/stream.
type streamRequest struct {
	Spec         model.CompositionSpec `json:"spec"`
	Duration     int                   `json:"duration"`
	SnapshotPath string                `json:"snapshot_path"`
}

// streamMessage is every server message on /v1/stream.
type streamMessage struct {
	Type         string              `json:"type"`
	JobID        string              `json:"job_id"`
	Update       *model.StreamUpdate `json:"update,omitempty"`
	SnapshotPath string              `json:"snapshot_path,omitempty"`
	Error        string              `json:"error,omitempty"`
}

// handleStream executes a composition in-process and pushes each update to
// the WebSocket client as it is produced, without creating a job record. The
// final checkpoint is stored so a later submission can resume from it.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()
	defer trackStream(streamKindWebSocket)()

	// The HTTP server's deadlines carry over to the hijacked connection.
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	jobID := model.NewCompositionID()
	logger := s.logger.With("job_id", jobID)

	var req streamRequest
	if err := conn.ReadJSON(&req); err != nil {
		s.sendStreamError(conn, jobID, fmt.Sprintf("invalid request: %v", err))
		return
	}
	snapshot, err := s.streamSnapshot(r.Context(), req)
	if err != nil {
		s.sendStreamError(conn, jobID, err.Error())
		return
	}

	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)

	// Any read after the request, including a close frame, ends the run.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel(stream.ErrTransportDisconnect)
				return
			}
		}
	}()

	logger.Info("stream started", "duration", req.Duration)
	final, err := s.executor.Execute(ctx, stream.Request{
		JobID:    jobID,
		Duration: req.Duration,
		Snapshot: snapshot,
	}, func(u model.StreamUpdate) error {
		return conn.WriteJSON(streamMessage{Type: wsTypeUpdate, JobID: jobID, Update: &u})
	})
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, stream.ErrTransportDisconnect) {
			logger.Info("stream client went away", "error", err)
			return
		}
		logger.Warn("stream failed", "error", err)
		s.sendStreamError(conn, jobID, err.Error())
		return
	}

	path, err := s.blobs.Upload(ctx, final, blobstore.SnapshotPath(jobID))
	if err != nil {
		logger.Error("store stream checkpoint", "error", err)
		s.sendStreamError(conn, jobID, "failed to store checkpoint")
		return
	}

	if err := conn.WriteJSON(streamMessage{Type: wsTypeDone, JobID: jobID, SnapshotPath: path}); err != nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	logger.Info("stream completed", "snapshot_path", path)
}

// streamSnapshot returns the sealed checkpoint a stream request starts from.
func (s *Server) streamSnapshot(ctx context.Context, req streamRequest) ([]byte, error) {
	if req.Duration < 0 {
		return nil, errors.New("duration must be non-negative")
	}
	if req.SnapshotPath != "" {
		if len(req.Spec) > 0 {
			return nil, errors.New("spec and snapshot_path are mutually exclusive")
		}
		if err := blobstore.CheckPath(req.SnapshotPath); err != nil {
			return nil, err
		}
		data, err := s.blobs.Download(ctx, req.SnapshotPath)
		if err != nil {
			return nil, fmt.Errorf("download snapshot: %w", err)
		}
		return data, nil
	}
	if len(req.Spec) == 0 {
		return nil, errors.New("spec is required")
	}
	if result := composite.Validate(req.Spec); !result.Valid {
		first := result.InvalidNodes[0]
		return nil, fmt.Errorf("invalid composition: node %s: %s", first.Node, first.Violation)
	}
	return s.executor.Seal(req.Spec)
}

func (s *Server) sendStreamError(conn *websocket.Conn, jobID, msg string) {
	if err := conn.WriteJSON(streamMessage{Type: wsTypeError, JobID: jobID, Error: msg}); err != nil {
		s.logger.Debug("send stream error", "job_id", jobID, "error", err)
	}
}
