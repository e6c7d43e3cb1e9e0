package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kestrelhq/kestrel/internal/domain"
	"github.com/kestrelhq/kestrel/internal/protocol"
)

// emitFunc sends one framed message back to the pool. Implementations
// must be safe for concurrent use.
type emitFunc func(msgType int, payload any)

// SDK is the handle passed to executing code. Its side-effectful calls
// cross the pipe back to the pool as Log and Progress messages tagged
// with the run id.
type SDK struct {
	runID    string
	org      domain.OrgScope
	inputs   json.RawMessage
	emit     emitFunc
	resolver *Resolver
}

// RunID returns the current run's id.
func (s *SDK) RunID() string { return s.runID }

// Org returns the current run's org scope.
func (s *SDK) Org() domain.OrgScope { return s.org }

// Inputs returns the run's input payload.
func (s *SDK) Inputs() json.RawMessage { return s.inputs }

// Log emits a user-sourced log record on the run's stream.
func (s *SDK) Log(severity domain.LogSeverity, message string, data json.RawMessage) {
	s.emit(protocol.MsgLog, protocol.LogPayload{
		RunID:     s.runID,
		Severity:  severity,
		Source:    domain.SourceUser,
		Timestamp: time.Now().UTC(),
		Message:   message,
		Data:      data,
	})
}

// Progress emits a phase-change event on the run's stream.
func (s *SDK) Progress(phase string, fields json.RawMessage) {
	s.emit(protocol.MsgProgress, protocol.ProgressPayload{
		RunID:  s.runID,
		Phase:  phase,
		Fields: fields,
	})
}

// Import resolves a module through the restricted import hook. System
// names return nil content.
func (s *SDK) Import(ctx context.Context, name string) ([]byte, error) {
	m, err := s.resolver.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, nil
	}
	return m.Content, nil
}
