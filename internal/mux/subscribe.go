package mux

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kestrelhq/kestrel/internal/domain"
	"github.com/kestrelhq/kestrel/internal/logging"
)

const backlogPageSize = 256

// Subscribe attaches a consumer to a run's event stream. The stream
// opens with a snapshot of the run's status and persisted log high
// watermark, replays the persisted backlog, then forwards live events.
// Log records already replayed are deduplicated by sequence, and the
// stream delivers exactly one terminal event before closing.
func (m *Mux) Subscribe(ctx context.Context, runID string) (<-chan Event, error) {
	// Attach to the live channel before reading the backlog so no
	// event published during the replay is missed.
	live := m.ps.Subscribe(ctx, Channel(runID))

	run, err := m.reg.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	hwm, err := m.reg.LogHighWatermark(ctx, runID)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)

		send := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !send(Event{Type: EventSnapshot, RunID: runID, Status: run.Status, SeqHWM: hwm}) {
			return
		}

		lastSeq, ok := m.replayBacklog(ctx, runID, 0, hwm, send)
		if !ok {
			return
		}
		if run.Status.IsTerminal() {
			send(terminalEvent(run))
			return
		}

		// Live delivery is at-most-once, so the terminal event can be
		// lost. Poll the registry as a fallback.
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case payload, chOpen := <-live:
				if !chOpen {
					return
				}
				var ev Event
				if err := json.Unmarshal(payload, &ev); err != nil {
					logging.Op().Debug("malformed live event", "run_id", runID, "error", err)
					continue
				}
				switch ev.Type {
				case EventLog:
					if ev.Record == nil || ev.Record.Sequence <= lastSeq {
						continue
					}
					if ev.Record.Sequence > lastSeq+1 {
						// Dropped live events; backfill from the table.
						lastSeq, ok = m.replayBacklog(ctx, runID, lastSeq, ev.Record.Sequence-1, send)
						if !ok {
							return
						}
						if ev.Record.Sequence <= lastSeq {
							continue
						}
					}
					lastSeq = ev.Record.Sequence
					if !send(ev) {
						return
					}
				case EventTerminal:
					if _, ok = m.replayBacklog(ctx, runID, lastSeq, 0, send); !ok {
						return
					}
					send(ev)
					return
				default:
					if !send(ev) {
						return
					}
				}
			case <-ticker.C:
				current, err := m.reg.Get(ctx, runID)
				if err != nil {
					continue
				}
				if current.Status.IsTerminal() {
					if lastSeq, ok = m.replayBacklog(ctx, runID, lastSeq, 0, send); !ok {
						return
					}
					send(terminalEvent(current))
					return
				}
			}
		}
	}()

	return out, nil
}

// replayBacklog streams persisted records with sequence in
// (afterSeq, upTo] to send; upTo == 0 means all of them. It returns the
// last sequence delivered and whether the consumer is still attached.
func (m *Mux) replayBacklog(ctx context.Context, runID string, afterSeq, upTo uint64, send func(Event) bool) (uint64, bool) {
	for {
		recs, err := m.reg.Logs(ctx, runID, afterSeq, backlogPageSize)
		if err != nil {
			logging.Op().Warn("backlog read failed", "run_id", runID, "error", err)
			return afterSeq, true
		}
		for i := range recs {
			if upTo > 0 && recs[i].Sequence > upTo {
				return afterSeq, true
			}
			if !send(Event{Type: EventLog, RunID: runID, Record: &recs[i]}) {
				return afterSeq, false
			}
			afterSeq = recs[i].Sequence
		}
		if len(recs) < backlogPageSize {
			return afterSeq, true
		}
	}
}

func terminalEvent(run *domain.Run) Event {
	return Event{
		Type:         EventTerminal,
		RunID:        run.ID,
		Status:       run.Status,
		ErrorKind:    run.ErrorKind,
		ErrorMessage: run.ErrorMessage,
	}
}
