package dispatch

import (
	"context"

	"github.com/seantiz/compose/internal/model"
	"github.com/seantiz/compose/internal/stream"
)

// CompositionRunner advances a composition from a signed checkpoint for
// duration steps, handing each update to onUpdate in step order. It returns
// the signed final checkpoint.
type CompositionRunner interface {
	Run(ctx context.Context, jobID string, duration int, snapshot []byte, onUpdate func(model.StreamUpdate) error) ([]byte, error)
}

// LocalRunner executes compositions in-process.
type LocalRunner struct {
	exec *stream.Executor
}

// NewLocalRunner creates a runner backed by exec.
func NewLocalRunner(exec *stream.Executor) *LocalRunner {
	return &LocalRunner{exec: exec}
}

func (r *LocalRunner) Run(ctx context.Context, jobID string, duration int, snapshot []byte, onUpdate func(model.StreamUpdate) error) ([]byte, error) {
	return r.exec.Execute(ctx, stream.Request{JobID: jobID, Duration: duration, Snapshot: snapshot}, onUpdate)
}

// RemoteRunner streams compositions from a runner server.
type RemoteRunner struct {
	client *stream.Client
}

// NewRemoteRunner creates a runner that sends requests through client.
func NewRemoteRunner(client *stream.Client) *RemoteRunner {
	return &RemoteRunner{client: client}
}

func (r *RemoteRunner) Run(ctx context.Context, jobID string, duration int, snapshot []byte, onUpdate func(model.StreamUpdate) error) ([]byte, error) {
	return r.client.Run(ctx, stream.Request{JobID: jobID, Duration: duration, Snapshot: snapshot}, onUpdate)
}
