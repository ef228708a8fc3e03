// Package stream relays the updates of a running composite to a caller, in
// process or over a framed TCP connection, with cooperative cancellation at
// step boundaries.
package stream

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/seantiz/compose/internal/model"
)

var (
	// ErrTransportDisconnect is returned when the caller goes away mid-stream.
	ErrTransportDisconnect = errors.New("transport disconnected")

	// ErrCancelled is returned when the run was cancelled between steps.
	ErrCancelled = errors.New("stream cancelled")

	// ErrSinkFailure marks a deliver error raised by the local consumer of
	// the updates, such as a failed write to the job store. Run returns it
	// as is instead of treating it as a disconnect.
	ErrSinkFailure = errors.New("update sink failed")

	// ErrOutOfOrder is returned when the sequence produces a step that does
	// not follow the previous one.
	ErrOutOfOrder = errors.New("update out of order")
)

// State is the lifecycle state of a Session.
type State int

const (
	StateOpen State = iota
	StateStreaming
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session drives one execution request from Open to Closed.
type Session struct {
	jobID string

	mu        sync.Mutex
	state     State
	history   []State
	delivered int
}

// NewSession returns a session in the Open state.
func NewSession(jobID string) *Session {
	return &Session{
		jobID:   jobID,
		state:   StateOpen,
		history: []State{StateOpen},
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns every state the session has been in, in order.
func (s *Session) History() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.history...)
}

// Delivered returns the number of updates handed to deliver successfully.
func (s *Session) Delivered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

func (s *Session) transition(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == to {
		return
	}
	s.state = to
	s.history = append(s.history, to)
}

// Run consumes seq and hands each update to deliver before asking seq for
// the next step, so a slow deliver stalls production. Cancellation of ctx is
// observed at step boundaries: an update produced after cancellation is
// discarded. A deliver error ends the run with ErrTransportDisconnect unless
// it wraps ErrSinkFailure, which ends the run like a runtime failure.
// The session is Closed when Run returns.
func (s *Session) Run(ctx context.Context, seq iter.Seq2[model.StreamUpdate, error], deliver func(model.StreamUpdate) error) error {
	if st := s.State(); st != StateOpen {
		return fmt.Errorf("session for %s is %s, not open", s.jobID, st)
	}
	s.transition(StateStreaming)

	var (
		runErr   error
		lastStep = -1
	)
	for u, err := range seq {
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				s.transition(StateDraining)
				runErr = fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
			} else {
				runErr = err
			}
			break
		}
		if ctx.Err() != nil {
			s.transition(StateDraining)
			runErr = fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
			break
		}
		if lastStep >= 0 && u.Step != lastStep+1 {
			runErr = fmt.Errorf("%w: step %d after %d", ErrOutOfOrder, u.Step, lastStep)
			break
		}
		lastStep = u.Step

		if err := deliver(u); err != nil {
			if errors.Is(err, ErrSinkFailure) {
				runErr = err
				break
			}
			s.transition(StateDraining)
			runErr = fmt.Errorf("%w: %w", ErrTransportDisconnect, err)
			break
		}
		s.mu.Lock()
		s.delivered++
		s.mu.Unlock()
	}

	s.transition(StateClosed)
	return runErr
}
