package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/seantiz/compose/internal/model"
)

// Retry defaults for connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// ErrRemoteFailure is returned when the runner reports a failed execution.
var ErrRemoteFailure = errors.New("remote execution failed")

// RemoteError carries the diagnostic sent by the runner.
type RemoteError struct {
	JobID   string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("runner failed job %s: %s", e.JobID, e.Message)
}

func (e *RemoteError) Unwrap() error { return ErrRemoteFailure }

// Client runs execution requests against a runner server.
// A Client is safe for concurrent use; every Run opens its own connection.
type Client struct {
	addr        string
	maxRetries  int
	baseBackoff time.Duration
}

// NewClient returns a client for the runner at addr (host:port).
func NewClient(addr string) *Client {
	return &Client{
		addr:        addr,
		maxRetries:  dialMaxRetries,
		baseBackoff: dialBaseBackoff,
	}
}

// dial connects to the runner, retrying with exponential backoff.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var lastErr error
	backoff := c.baseBackoff
	dialer := net.Dialer{}

	for attempt := range c.maxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial runner: %w", ctx.Err())
		default:
		}

		conn, err := dialer.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			lastErr = err
			if attempt < c.maxRetries-1 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, fmt.Errorf("dial runner: %w", ctx.Err())
				}
				backoff *= 2
			}
			continue
		}
		return conn, nil
	}

	return nil, fmt.Errorf("dial runner after %d attempts: %w", c.maxRetries, lastErr)
}

// Run sends req and reads update frames until the runner finishes. Each
// update is passed to onUpdate before the next frame is read; an onUpdate
// error closes the connection, which the runner observes as a disconnect.
// Cancelling ctx closes the connection. On success Run returns the signed
// final checkpoint.
func (c *Client) Run(ctx context.Context, req Request, onUpdate func(model.StreamUpdate) error) ([]byte, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	if err := WriteMessage(conn, &req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	reader := bufio.NewReader(conn)
	for {
		var msg Message
		if err := ReadMessage(reader, &msg); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
			}
			return nil, fmt.Errorf("read runner message: %w", err)
		}

		switch msg.Type {
		case MsgTypeUpdate:
			if msg.Update == nil {
				return nil, fmt.Errorf("received update message with nil update")
			}
			if err := onUpdate(*msg.Update); err != nil {
				return nil, err
			}
		case MsgTypeDone:
			return msg.Snapshot, nil
		case MsgTypeError:
			return nil, &RemoteError{JobID: req.JobID, Message: msg.Error}
		default:
			return nil, fmt.Errorf("unknown message type: %q", msg.Type)
		}
	}
}
