package stream

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"github.com/seantiz/compose/internal/model"
)

// MaxMessageSize is the maximum allowed JSON frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// MaxSnapshotSize is the maximum checkpoint carried by a request or done
// message (256 MiB). Checkpoints travel in their own raw frame after the
// JSON header, so they are not bound by MaxMessageSize.
const MaxSnapshotSize = 256 << 20

// Request asks a runner to advance the composite held in Snapshot by
// Duration steps. Snapshot is a signed checkpoint.
type Request struct {
	JobID        string `json:"job_id"`
	Duration     int    `json:"duration"`
	SnapshotSize int    `json:"snapshot_size,omitempty"`
	Snapshot     []byte `json:"-"`
}

func (r *Request) snapshotFields() (*[]byte, *int) { return &r.Snapshot, &r.SnapshotSize }

// Runner-to-caller message types.
const (
	MsgTypeUpdate = "update"
	MsgTypeError  = "error"
	MsgTypeDone   = "done"
)

// Message is the envelope for all runner-to-caller frames. While the run
// advances the runner sends Type="update" frames in step order. The stream
// ends with exactly one "done" frame carrying the signed final checkpoint, or
// one "error" frame.
type Message struct {
	Type         string              `json:"type"`
	JobID        string              `json:"job_id,omitempty"`
	Update       *model.StreamUpdate `json:"update,omitempty"`
	Error        string              `json:"error,omitempty"`
	SnapshotSize int                 `json:"snapshot_size,omitempty"`
	Snapshot     []byte              `json:"-"`
}

func (m *Message) snapshotFields() (*[]byte, *int) { return &m.Snapshot, &m.SnapshotSize }

// snapshotCarrier is implemented by messages whose checkpoint follows the
// JSON header as a raw frame of SnapshotSize bytes.
type snapshotCarrier interface {
	snapshotFields() (data *[]byte, size *int)
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON
// payload. A Request or Message with a snapshot is followed by a second
// frame holding the snapshot bytes.
func WriteMessage(w io.Writer, v any) error {
	var snapshot []byte
	if c, ok := v.(snapshotCarrier); ok {
		data, size := c.snapshotFields()
		if len(*data) > MaxSnapshotSize {
			return fmt.Errorf("snapshot size %d exceeds maximum %d", len(*data), MaxSnapshotSize)
		}
		snapshot = *data
		*size = len(snapshot)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	bufs := net.Buffers{lengthPrefix(len(data)), data}
	if len(snapshot) > 0 {
		bufs = append(bufs, lengthPrefix(len(snapshot)), snapshot)
	}
	if _, err := bufs.WriteTo(w); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	data, err := readFrame(r, MaxMessageSize)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	c, ok := v.(snapshotCarrier)
	if !ok {
		return nil
	}
	snapshot, size := c.snapshotFields()
	*snapshot = nil
	if *size == 0 {
		return nil
	}
	if *size < 0 || *size > MaxSnapshotSize {
		return fmt.Errorf("snapshot size %d exceeds maximum %d", *size, MaxSnapshotSize)
	}
	raw, err := readFrame(r, MaxSnapshotSize)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if len(raw) != *size {
		return fmt.Errorf("snapshot frame is %d bytes, header declared %d", len(raw), *size)
	}
	*snapshot = raw
	return nil
}

func lengthPrefix(n int) []byte {
	var p [4]byte
	binary.BigEndian.PutUint32(p[:], uint32(n))
	return p[:]
}

func readFrame(r io.Reader, limit int) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}
	if int64(length) > int64(limit) {
		return nil, fmt.Errorf("message size %d exceeds maximum %d", length, limit)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}
