// Package protocol defines the framed message protocol between the pool
// manager and its worker processes. Frames are a 4-byte big-endian
// length prefix followed by a JSON envelope; the envelope carries a type
// tag and a raw payload decoded per kind.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/kestrelhq/kestrel/internal/domain"
)

// Message kinds. Parent -> worker: Run, Cancel, Shutdown. Worker ->
// parent: Ready, Log, Progress, Result, Error, Metric, Exit.
const (
	MsgRun      = 1
	MsgCancel   = 2
	MsgShutdown = 3

	MsgReady    = 10
	MsgLog      = 11
	MsgProgress = 12
	MsgResult   = 13
	MsgError    = 14
	MsgMetric   = 15
	MsgExit     = 16
)

// MaxFrameSize bounds a single frame. Oversized log payloads are
// truncated upstream; anything larger here is a protocol violation.
const MaxFrameSize = 16 << 20

// Message is the wire envelope.
type Message struct {
	Type    int             `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RunPayload assigns a run to a worker.
type RunPayload struct {
	RunID  string          `json:"run_id"`
	Org    domain.OrgScope `json:"org"`
	Target domain.Target   `json:"target"`
	Inputs json.RawMessage `json:"inputs,omitempty"`
	// DeadlineMS is advisory; the pool enforces the hard deadline.
	DeadlineMS int64 `json:"deadline_ms,omitempty"`
	// TraceParent propagates the W3C trace context into the worker.
	TraceParent string `json:"traceparent,omitempty"`
}

// CancelPayload asks the worker to stop its current run cooperatively.
type CancelPayload struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}

// ReadyPayload is the worker's first message after startup and after
// each completed run when it is reusable.
type ReadyPayload struct {
	WorkerID string `json:"worker_id"`
	PID      int    `json:"pid,omitempty"`
}

// LogPayload is one log record from the running code or the worker
// itself. Sequence is assigned by the multiplexer, not the worker.
type LogPayload struct {
	RunID     string             `json:"run_id"`
	Severity  domain.LogSeverity `json:"severity"`
	Source    domain.LogSource   `json:"source"`
	Timestamp time.Time          `json:"ts"`
	Message   string             `json:"message"`
	Data      json.RawMessage    `json:"data,omitempty"`
}

// ProgressPayload reports a phase change or an SDK side-effect.
type ProgressPayload struct {
	RunID  string          `json:"run_id"`
	Phase  string          `json:"phase"`
	Fields json.RawMessage `json:"fields,omitempty"`
}

// ResultPayload carries the run's return value.
type ResultPayload struct {
	RunID   string          `json:"run_id"`
	Value   json.RawMessage `json:"value,omitempty"`
	TypeTag string          `json:"type_tag,omitempty"`
}

// ErrorPayload carries a classified failure.
type ErrorPayload struct {
	RunID     string           `json:"run_id"`
	Kind      domain.ErrorKind `json:"kind"`
	Message   string           `json:"message"`
	Traceback string           `json:"traceback,omitempty"`
}

// MetricPayload is the worker's resource accounting for a run, emitted
// after Result or Error.
type MetricPayload struct {
	RunID           string  `json:"run_id"`
	PeakMemoryBytes uint64  `json:"peak_memory_bytes"`
	CPUSeconds      float64 `json:"cpu_seconds"`
}

// ExitPayload announces an orderly worker shutdown.
type ExitPayload struct {
	Code int `json:"code"`
}

// ReadMessage reads one frame. It blocks until a full frame arrives or
// the reader fails.
func ReadMessage(r io.Reader) (*Message, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	msgLen := binary.BigEndian.Uint32(lenBuf)
	if msgLen > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", msgLen)
	}
	data := make([]byte, msgLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	msg := &Message{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return msg, nil
}

// WriteMessage writes one frame. Callers writing from multiple
// goroutines must serialize access to w.
func WriteMessage(w io.Writer, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(data))
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)
	_, err = w.Write(buf)
	return err
}

// Encode wraps a payload in an envelope of the given type.
func Encode(msgType int, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return &Message{Type: msgType, Payload: raw}, nil
}

// Decode unmarshals the envelope payload into out.
func Decode(msg *Message, out any) error {
	if err := json.Unmarshal(msg.Payload, out); err != nil {
		return fmt.Errorf("decode payload type %d: %w", msg.Type, err)
	}
	return nil
}
