package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/kestrelhq/kestrel/internal/domain"
)

func TestFrameRoundTrip(t *testing.T) {
	msg, err := Encode(MsgRun, RunPayload{
		RunID:  "run-1",
		Org:    "org-a",
		Target: domain.Target{Kind: domain.TargetModule, Path: "wf/main"},
		Inputs: []byte(`{"n":1}`),
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != MsgRun {
		t.Fatalf("type = %d, want %d", got.Type, MsgRun)
	}
	var p RunPayload
	if err := Decode(got, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.RunID != "run-1" || p.Target.Path != "wf/main" || string(p.Inputs) != `{"n":1}` {
		t.Fatalf("payload mismatch: %+v", p)
	}
}

func TestReadMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	for _, kind := range []int{MsgReady, MsgLog, MsgExit} {
		msg, _ := Encode(kind, map[string]string{"k": "v"})
		if err := WriteMessage(&buf, msg); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	for _, want := range []int{MsgReady, MsgLog, MsgExit} {
		msg, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type != want {
			t.Fatalf("type = %d, want %d", msg.Type, want)
		}
	}
	if _, err := ReadMessage(&buf); err != io.EOF {
		t.Fatalf("expected EOF after last frame, got %v", err)
	}
}

func TestReadRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, MaxFrameSize+1)
	buf.Write(lenBuf)
	if _, err := ReadMessage(&buf); err == nil {
		t.Fatal("expected error for oversized frame")
	}
}

func TestReadTruncatedFrame(t *testing.T) {
	msg, _ := Encode(MsgExit, ExitPayload{Code: 0})
	var buf bytes.Buffer
	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	short := buf.Bytes()[:buf.Len()-2]
	if _, err := ReadMessage(bytes.NewReader(short)); err == nil {
		t.Fatal("expected error for truncated frame")
	}
}
