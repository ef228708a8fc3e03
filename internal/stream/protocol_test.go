package stream

import (
	"bytes"
	"strings"
	"testing"

	"github.com/seantiz/compose/internal/model"
)

func TestWriteReadRequest(t *testing.T) {
	original := Request{
		JobID:    "composition-01J",
		Duration: 5,
		Snapshot: []byte{0x00, 0xFF, 0x10, 0x20},
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, &original); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	var decoded Request
	if err := ReadMessage(&buf, &decoded); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	if decoded.JobID != original.JobID {
		t.Errorf("JobID = %q, want %q", decoded.JobID, original.JobID)
	}
	if decoded.Duration != original.Duration {
		t.Errorf("Duration = %d, want %d", decoded.Duration, original.Duration)
	}
	if !bytes.Equal(decoded.Snapshot, original.Snapshot) {
		t.Errorf("Snapshot = %x, want %x", decoded.Snapshot, original.Snapshot)
	}
}

func TestWriteReadUpdateMessage(t *testing.T) {
	original := Message{
		Type:  MsgTypeUpdate,
		JobID: "composition-01J",
		Update: &model.StreamUpdate{
			JobID:   "composition-01J",
			Step:    2,
			Results: []model.Record{{"value": 2.0, "global_time": 2.0}},
		},
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, &original); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	var decoded Message
	if err := ReadMessage(&buf, &decoded); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	if decoded.Type != MsgTypeUpdate {
		t.Errorf("Type = %q, want update", decoded.Type)
	}
	if decoded.Update == nil || decoded.Update.Step != 2 {
		t.Fatalf("Update = %+v", decoded.Update)
	}
	if decoded.Update.Results[0]["value"] != 2.0 {
		t.Errorf("value = %v, want 2", decoded.Update.Results[0]["value"])
	}
}

func TestMultipleFramesInOrder(t *testing.T) {
	var buf bytes.Buffer
	for i := 1; i <= 3; i++ {
		if err := WriteMessage(&buf, &Message{Type: MsgTypeUpdate, Update: &model.StreamUpdate{Step: i}}); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
	}
	for i := 1; i <= 3; i++ {
		var msg Message
		if err := ReadMessage(&buf, &msg); err != nil {
			t.Fatalf("ReadMessage %d: %v", i, err)
		}
		if msg.Update.Step != i {
			t.Errorf("frame %d step = %d", i, msg.Update.Step)
		}
	}
}

func TestReadMessageTruncatedLength(t *testing.T) {
	buf := bytes.NewReader([]byte{0x00, 0x01})
	var req Request
	if err := ReadMessage(buf, &req); err == nil {
		t.Fatal("expected error for truncated length prefix")
	}
}

func TestReadMessageTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, 0x64}) // length = 100
	buf.Write([]byte{0x7B, 0x7D})

	var req Request
	if err := ReadMessage(&buf, &req); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestReadMessageOversized(t *testing.T) {
	var buf bytes.Buffer
	oversize := uint32(MaxMessageSize + 1)
	buf.Write([]byte{
		byte(oversize >> 24), byte(oversize >> 16),
		byte(oversize >> 8), byte(oversize),
	})

	var req Request
	if err := ReadMessage(&buf, &req); err == nil {
		t.Fatal("expected error for oversized message")
	}
}

func TestWriteMessageOversized(t *testing.T) {
	var buf bytes.Buffer
	msg := Message{Type: MsgTypeError, Error: strings.Repeat("x", MaxMessageSize)}
	if err := WriteMessage(&buf, &msg); err == nil {
		t.Fatal("expected error for oversized message")
	}
	if buf.Len() != 0 {
		t.Errorf("wrote %d bytes for a rejected message", buf.Len())
	}
}

func TestSnapshotLargerThanMessageLimit(t *testing.T) {
	snapshot := bytes.Repeat([]byte{0xAB}, MaxMessageSize+1)
	original := Message{Type: MsgTypeDone, JobID: "composition-01J", Snapshot: snapshot}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, &original); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if overhead := buf.Len() - len(snapshot); overhead > 1024 {
		t.Errorf("frame overhead = %d bytes, want the snapshot sent raw", overhead)
	}

	var decoded Message
	if err := ReadMessage(&buf, &decoded); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !bytes.Equal(decoded.Snapshot, snapshot) {
		t.Error("snapshot changed in transit")
	}
	if buf.Len() != 0 {
		t.Errorf("%d bytes left unread", buf.Len())
	}
}

func TestReadMessageSnapshotHeaderMismatch(t *testing.T) {
	tests := map[string]func(*bytes.Buffer){
		"missing frame": func(b *bytes.Buffer) {
			writeRawFrame(b, []byte(`{"type":"done","snapshot_size":4}`))
		},
		"short frame": func(b *bytes.Buffer) {
			writeRawFrame(b, []byte(`{"type":"done","snapshot_size":4}`))
			writeRawFrame(b, []byte{1, 2})
		},
		"declared too large": func(b *bytes.Buffer) {
			writeRawFrame(b, []byte(`{"type":"done","snapshot_size":268435457}`))
		},
	}
	for name, build := range tests {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			build(&buf)
			var msg Message
			if err := ReadMessage(&buf, &msg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func writeRawFrame(b *bytes.Buffer, data []byte) {
	n := len(data)
	b.Write([]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)})
	b.Write(data)
}
