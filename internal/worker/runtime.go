package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"sync"

	"github.com/kestrelhq/kestrel/internal/domain"
)

// Invocation is a resolved run assignment handed to a runtime.
type Invocation struct {
	RunID  string
	Org    domain.OrgScope
	Target domain.Target
	Inputs json.RawMessage
}

// Runtime executes one target and returns its result value. Errors
// should be classified *domain.Error; anything else is treated as a
// user code failure.
type Runtime interface {
	Execute(ctx context.Context, inv *Invocation, sdk *SDK) (json.RawMessage, error)
}

// HandlerFunc is an in-process implementation of a target.
type HandlerFunc func(ctx context.Context, sdk *SDK) (json.RawMessage, error)

// HandlerRuntime executes targets through handlers registered per
// content hash. Module and workflow targets resolve their content
// through the restricted import hook first, so org-scoped overrides
// select the override's handler.
type HandlerRuntime struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewHandlerRuntime() *HandlerRuntime {
	return &HandlerRuntime{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a content hash.
func (h *HandlerRuntime) Register(contentHash string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[contentHash] = fn
}

// RegisterContent hashes content and binds the handler to it.
func (h *HandlerRuntime) RegisterContent(content []byte, fn HandlerFunc) string {
	hash := domain.HashContent(content)
	h.Register(hash, fn)
	return hash
}

func (h *HandlerRuntime) Execute(ctx context.Context, inv *Invocation, sdk *SDK) (json.RawMessage, error) {
	var content []byte
	switch inv.Target.Kind {
	case domain.TargetInline:
		content = []byte(inv.Target.Code)
	case domain.TargetModule, domain.TargetWorkflow:
		c, err := sdk.Import(ctx, inv.Target.Path)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, domain.NewError(domain.KindUserCodeFailure,
				"target %q resolved to no content", inv.Target.Path)
		}
		content = c
	default:
		return nil, domain.NewError(domain.KindUserCodeFailure,
			"unknown target kind %q", inv.Target.Kind)
	}

	hash := domain.HashContent(content)
	h.mu.RLock()
	fn, ok := h.handlers[hash]
	h.mu.RUnlock()
	if !ok {
		return nil, domain.NewError(domain.KindUserCodeFailure,
			"no handler for content %s", hash[:12])
	}
	return fn(ctx, sdk)
}

// CommandRuntime executes targets by piping their source to an external
// interpreter. Stdout is the result value; stderr lines become
// user-sourced log records.
type CommandRuntime struct {
	// Interpreter is the binary to exec, e.g. "python3".
	Interpreter string
	// Args precede the source, which is written to stdin.
	Args []string
	// Env entries are appended to the child environment.
	Env []string
}

func (c *CommandRuntime) Execute(ctx context.Context, inv *Invocation, sdk *SDK) (json.RawMessage, error) {
	var source []byte
	switch inv.Target.Kind {
	case domain.TargetInline:
		source = []byte(inv.Target.Code)
	case domain.TargetModule, domain.TargetWorkflow:
		s, err := sdk.Import(ctx, inv.Target.Path)
		if err != nil {
			return nil, err
		}
		if s == nil {
			return nil, domain.NewError(domain.KindUserCodeFailure,
				"target %q resolved to no content", inv.Target.Path)
		}
		source = s
	default:
		return nil, domain.NewError(domain.KindUserCodeFailure,
			"unknown target kind %q", inv.Target.Kind)
	}

	cmd := exec.CommandContext(ctx, c.Interpreter, c.Args...)
	cmd.Stdin = bytes.NewReader(source)
	cmd.Env = append(cmd.Environ(),
		"KESTREL_RUN_ID="+inv.RunID,
		"KESTREL_ORG="+inv.Org.String(),
		"KESTREL_INPUTS="+string(inv.Inputs),
	)
	cmd.Env = append(cmd.Env, c.Env...)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, domain.NewError(domain.KindUserCodeFailure, "start interpreter: %v", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, domain.NewError(domain.KindUserCodeFailure, "start interpreter: %v", err)
	}

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		sdk.Log(domain.SeverityInfo, scanner.Text(), nil)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, domain.NewError(domain.KindCancelled, "interpreter interrupted: %v", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &domain.Error{
				Kind:     domain.KindUserCodeFailure,
				Message:  "interpreter exited non-zero",
				ExitCode: exitErr.ExitCode(),
			}
		}
		return nil, domain.NewError(domain.KindUserCodeFailure, "interpreter: %v", err)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, nil
	}
	if json.Valid(out) {
		return json.RawMessage(out), nil
	}
	quoted, _ := json.Marshal(string(out))
	return quoted, nil
}
