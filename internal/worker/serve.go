package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/kestrelhq/kestrel/internal/domain"
	"github.com/kestrelhq/kestrel/internal/logging"
	"github.com/kestrelhq/kestrel/internal/observability"
	"github.com/kestrelhq/kestrel/internal/protocol"
)

// ServeOptions tunes a worker session.
type ServeOptions struct {
	WorkerID string
	// Reusable keeps the worker alive between runs; single-use workers
	// exit after their first run.
	Reusable bool
	// MemorySampleInterval is the cadence of periodic Metric frames the
	// pool uses for memory enforcement. Zero defaults to one second.
	MemorySampleInterval time.Duration
}

type runOutcome struct {
	runID string
	value json.RawMessage
	err   error
}

// Serve runs the worker side of the pipe protocol: announce Ready,
// accept Run/Cancel/Shutdown, execute targets through the runtime, and
// stream Log/Progress/Result/Error/Metric back. It returns when the
// pipe closes, Shutdown arrives, or the worker retires itself after a
// module content change.
func Serve(ctx context.Context, conn io.ReadWriter, rt Runtime, res *Resolver, opts ServeOptions) error {
	if opts.MemorySampleInterval <= 0 {
		opts.MemorySampleInterval = time.Second
	}

	var writeMu sync.Mutex
	emit := func(msgType int, payload any) {
		msg, err := protocol.Encode(msgType, payload)
		if err != nil {
			logging.Op().Error("worker frame encode failed", "type", msgType, "error", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := protocol.WriteMessage(conn, msg); err != nil {
			logging.Op().Error("worker frame write failed", "type", msgType, "error", err)
		}
	}

	frames := make(chan *protocol.Message)
	readErr := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			msg, err := protocol.ReadMessage(conn)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	emit(protocol.MsgReady, protocol.ReadyPayload{WorkerID: opts.WorkerID, PID: os.Getpid()})

	var (
		busy         bool
		currentRunID string
		cancelRun    context.CancelFunc
		cancelReason string
		runDone      = make(chan runOutcome, 1)
	)

	startRun := func(p *protocol.RunPayload) {
		runCtx, cancel := context.WithCancel(observability.WithTraceParent(ctx, p.TraceParent))
		busy = true
		currentRunID = p.RunID
		cancelRun = cancel
		cancelReason = ""

		inv := &Invocation{RunID: p.RunID, Org: p.Org, Target: p.Target, Inputs: p.Inputs}
		sdk := &SDK{runID: p.RunID, org: p.Org, inputs: p.Inputs, emit: emit, resolver: res}
		res.Bind(p.Org)

		go func() {
			sampler := time.NewTicker(opts.MemorySampleInterval)
			defer sampler.Stop()
			go func() {
				for {
					select {
					case <-runCtx.Done():
						return
					case <-sampler.C:
						rss, cpu := sampleUsage()
						emit(protocol.MsgMetric, protocol.MetricPayload{
							RunID: p.RunID, PeakMemoryBytes: rss, CPUSeconds: cpu,
						})
					}
				}
			}()
			value, err := rt.Execute(runCtx, inv, sdk)
			runDone <- runOutcome{runID: p.RunID, value: value, err: err}
		}()
	}

	finishRun := func(out runOutcome) (retire bool) {
		if cancelRun != nil {
			cancelRun()
			cancelRun = nil
		}

		if out.err != nil {
			kind := domain.Classify(out.err, domain.KindUserCodeFailure)
			msg := out.err.Error()
			var de *domain.Error
			traceback := ""
			if errors.As(out.err, &de) {
				msg = de.Message
				traceback = de.Traceback
			}
			if errors.Is(out.err, context.Canceled) {
				kind = domain.KindCancelled
				if cancelReason != "" {
					msg = cancelReason
				}
			}
			emit(protocol.MsgError, protocol.ErrorPayload{
				RunID: out.runID, Kind: kind, Message: msg, Traceback: traceback,
			})
		} else {
			emit(protocol.MsgResult, protocol.ResultPayload{RunID: out.runID, Value: out.value})
		}

		rss, cpu := sampleUsage()
		emit(protocol.MsgMetric, protocol.MetricPayload{
			RunID: out.runID, PeakMemoryBytes: rss, CPUSeconds: cpu,
		})

		busy = false
		currentRunID = ""
		res.Unbind()

		evicted := res.EvictChanged(context.WithoutCancel(ctx))
		if evicted > 0 {
			// Cached module content changed; retire the process so the
			// replacement loads fresh content.
			logging.Op().Info("worker retiring after module change",
				"worker_id", opts.WorkerID, "evicted", evicted)
			return true
		}
		return !opts.Reusable
	}

	for {
		select {
		case <-ctx.Done():
			emit(protocol.MsgExit, protocol.ExitPayload{Code: 0})
			return nil

		case out := <-runDone:
			if finishRun(out) {
				emit(protocol.MsgExit, protocol.ExitPayload{Code: 0})
				return nil
			}
			emit(protocol.MsgReady, protocol.ReadyPayload{WorkerID: opts.WorkerID, PID: os.Getpid()})

		case msg, ok := <-frames:
			if !ok {
				// Pipe closed under us. Finish an in-flight run silently;
				// the pool already classified us.
				if cancelRun != nil {
					cancelRun()
				}
				select {
				case err := <-readErr:
					if !errors.Is(err, io.EOF) {
						return err
					}
				default:
				}
				return nil
			}
			switch msg.Type {
			case protocol.MsgRun:
				var p protocol.RunPayload
				if err := protocol.Decode(msg, &p); err != nil {
					logging.Op().Error("worker got bad run frame", "error", err)
					continue
				}
				if busy {
					emit(protocol.MsgError, protocol.ErrorPayload{
						RunID:   p.RunID,
						Kind:    domain.KindWorkerCrashed,
						Message: "worker already executing run " + currentRunID,
					})
					continue
				}
				startRun(&p)

			case protocol.MsgCancel:
				var p protocol.CancelPayload
				if err := protocol.Decode(msg, &p); err != nil {
					continue
				}
				if busy && p.RunID == currentRunID && cancelRun != nil {
					cancelReason = p.Reason
					cancelRun()
				}

			case protocol.MsgShutdown:
				if busy {
					// Drain the in-flight run before exiting.
					out := <-runDone
					finishRun(out)
				}
				emit(protocol.MsgExit, protocol.ExitPayload{Code: 0})
				return nil
			}
		}
	}
}
