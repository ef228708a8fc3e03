package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/seantiz/compose/internal/model"
)

// Server accepts execution requests over framed connections and streams the
// resulting updates back, one connection per request.
type Server struct {
	listener net.Listener
	executor *Executor
	logger   *slog.Logger
	interval time.Duration
	wg       sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithPacing spaces consecutive update deliveries at least d apart.
func WithPacing(d time.Duration) ServerOption {
	return func(s *Server) {
		s.interval = d
	}
}

// NewServer creates a runner server on listener.
func NewServer(listener net.Listener, exec *Executor, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		listener: listener,
		executor: exec,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve accepts connections until ctx is cancelled or the listener fails.
// In-flight requests are cancelled with ctx and awaited before Serve returns.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.listener.Close()
	})
	defer stop()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Go(func() {
			s.handleConnection(ctx, conn)
		})
	}
}

// handleConnection processes a single execution request on conn.
func (s *Server) handleConnection(parent context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(parent, func() {
		conn.Close()
	})
	defer stop()

	var req Request
	if err := ReadMessage(conn, &req); err != nil {
		s.logger.Warn("read request", "remote", conn.RemoteAddr().String(), "error", err)
		s.sendError(conn, "", fmt.Sprintf("read request: %v", err))
		return
	}
	logger := s.logger.With("job_id", req.JobID)
	logger.Info("execution request received", "duration", req.Duration)

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	// The caller sends nothing after the request; EOF or a read error on the
	// connection means it has gone away.
	go func() {
		_, _ = io.Copy(io.Discard, conn)
		cancel(ErrTransportDisconnect)
	}()

	var limiter *rate.Limiter
	if s.interval > 0 {
		limiter = rate.NewLimiter(rate.Every(s.interval), 1)
	}

	deliver := func(u model.StreamUpdate) error {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		return WriteMessage(conn, &Message{Type: MsgTypeUpdate, JobID: req.JobID, Update: &u})
	}

	start := time.Now()
	final, err := s.executor.Execute(ctx, req, deliver)
	switch {
	case err == nil:
		if werr := WriteMessage(conn, &Message{Type: MsgTypeDone, JobID: req.JobID, Snapshot: final}); werr != nil {
			logger.Warn("write done", "error", werr)
			return
		}
		logger.Info("execution complete", "elapsed", time.Since(start))
	case errors.Is(err, ErrTransportDisconnect) || errors.Is(err, ErrCancelled):
		logger.Info("execution cancelled", "reason", err)
	default:
		logger.Error("execution failed", "error", err)
		s.sendError(conn, req.JobID, err.Error())
	}
}

// sendError sends a terminal error message.
func (s *Server) sendError(conn net.Conn, jobID, msg string) {
	if err := WriteMessage(conn, &Message{Type: MsgTypeError, JobID: jobID, Error: msg}); err != nil {
		s.logger.Warn("write error message", "job_id", jobID, "error", err)
	}
}
