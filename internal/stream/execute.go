package stream

import (
	"context"
	"fmt"

	"github.com/seantiz/compose/internal/codec"
	"github.com/seantiz/compose/internal/composite"
	"github.com/seantiz/compose/internal/model"
)

// Executor restores a composite from a signed checkpoint, advances it, and
// seals the resulting checkpoint.
type Executor struct {
	registry *composite.Registry
	codec    *codec.Codec
}

// NewExecutor creates an Executor resolving nodes against reg and verifying
// checkpoints with c.
func NewExecutor(reg *composite.Registry, c *codec.Codec) *Executor {
	return &Executor{registry: reg, codec: c}
}

// Execute verifies req.Snapshot, restores the composite, and relays
// req.Duration updates through deliver. On success it returns the sealed
// final checkpoint. The snapshot is never decoded if verification fails.
func (e *Executor) Execute(ctx context.Context, req Request, deliver func(model.StreamUpdate) error) ([]byte, error) {
	if req.Duration < 0 {
		return nil, fmt.Errorf("duration must be non-negative, got %d", req.Duration)
	}

	payload, err := e.codec.Open(req.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	comp, err := composite.Restore(payload, e.registry)
	if err != nil {
		return nil, fmt.Errorf("restore composite: %w", err)
	}

	sess := NewSession(req.JobID)
	if err := sess.Run(ctx, comp.Advance(ctx, req.JobID, req.Duration), deliver); err != nil {
		return nil, err
	}

	final, err := comp.Checkpoint()
	if err != nil {
		return nil, err
	}
	return e.codec.Seal(final), nil
}

// Seal builds spec into a fresh composite and returns its signed step-0
// checkpoint, ready to be sent as a Request snapshot.
func (e *Executor) Seal(spec model.CompositionSpec) ([]byte, error) {
	comp, err := composite.Build(spec, e.registry)
	if err != nil {
		return nil, err
	}
	data, err := comp.Checkpoint()
	if err != nil {
		return nil, err
	}
	return e.codec.Seal(data), nil
}

// Open verifies and decodes a sealed checkpoint into a composite.
func (e *Executor) Open(sealed []byte) (*composite.Composite, error) {
	payload, err := e.codec.Open(sealed)
	if err != nil {
		return nil, err
	}
	return composite.Restore(payload, e.registry)
}
