// Package source implements the pipeline's event source: a registry of
// named functions invoked on demand. Each invocation gets its own log
// stream in the aggregator, and everything the function logs lands there as
// ordered records, framed by START and END marker lines.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"logflume/internal/aggregator"
	"logflume/internal/event"
	"logflume/internal/logging"
)

// ErrUnknownFunction is returned by Invoke for unregistered names.
var ErrUnknownFunction = errors.New("unknown function")

// Function handles one invocation. The logger is scoped to the invocation's
// log stream: every line logged through it becomes a record in the
// aggregator. The returned bytes are the invocation's result body.
type Function interface {
	Handle(ctx context.Context, logger *slog.Logger, payload []byte) ([]byte, error)
}

// FunctionFunc is an adapter to allow ordinary functions to be used as Function.
type FunctionFunc func(ctx context.Context, logger *slog.Logger, payload []byte) ([]byte, error)

func (f FunctionFunc) Handle(ctx context.Context, logger *slog.Logger, payload []byte) ([]byte, error) {
	return f(ctx, logger, payload)
}

// Config holds registry configuration.
type Config struct {
	// Group is the log group invocation streams are created in. Required.
	Group *aggregator.Group

	// Now is the clock used for stream naming. Defaults to time.Now.
	Now func() time.Time

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Result is the outcome of a successful invocation.
type Result struct {
	// InvocationID identifies the invocation.
	InvocationID event.InvocationID

	// Stream is the log stream the invocation wrote to.
	Stream string

	// Body is the function's result payload.
	Body []byte
}

// Registry holds named functions and synchronously invokes them.
type Registry struct {
	group  *aggregator.Group
	now    func() time.Time
	logger *slog.Logger

	mu  sync.RWMutex
	fns map[string]Function
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		group:  cfg.Group,
		now:    cfg.Now,
		logger: logging.Default(cfg.Logger).With("component", "source"),
		fns:    make(map[string]Function),
	}
}

// Register adds a function under name. Registration happens at startup;
// duplicate names are a wiring error.
func (r *Registry) Register(name string, fn Function) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.fns[name]; exists {
		return fmt.Errorf("function already registered: %s", name)
	}
	r.fns[name] = fn
	r.logger.Info("function registered", "function", name)
	return nil
}

// Functions returns the registered function names.
func (r *Registry) Functions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.fns))
	for name := range r.fns {
		names = append(names, name)
	}
	return names
}

// Invoke runs the named function synchronously. A fresh log stream is
// created for the invocation; the function's logger writes into it. On
// handler failure the error is also logged to the stream (so it ships with
// the rest of the invocation's records) and returned to the caller.
func (r *Registry) Invoke(ctx context.Context, name string, payload []byte) (Result, error) {
	r.mu.RLock()
	fn, ok := r.fns[name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}

	id := event.NewInvocationID()
	streamName := fmt.Sprintf("%s/[%s]%s", r.now().UTC().Format("2006/01/02"), name, id)
	stream := r.group.Stream(streamName)

	streamLogger := slog.New(&streamHandler{stream: stream, source: name})

	stream.Append(name, "START RequestId: "+id.String())
	body, err := fn.Handle(ctx, streamLogger, payload)
	if err != nil {
		streamLogger.Error("invocation failed", "error", err)
	}
	stream.Append(name, "END RequestId: "+id.String())

	if err != nil {
		return Result{}, fmt.Errorf("invoke %s: %w", name, err)
	}
	return Result{InvocationID: id, Stream: streamName, Body: body}, nil
}

// streamHandler adapts an aggregator stream into a slog.Handler so
// functions log through the standard structured API. Lines are rendered as
// "LEVEL message key=value ...".
type streamHandler struct {
	stream *aggregator.Stream
	source string
	attrs  []slog.Attr
}

func (h *streamHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *streamHandler) Handle(_ context.Context, r slog.Record) error {
	line := r.Level.String() + " " + r.Message
	for _, attr := range h.attrs {
		line += " " + attr.String()
	}
	r.Attrs(func(attr slog.Attr) bool {
		line += " " + attr.String()
		return true
	})
	h.stream.Append(h.source, line)
	return nil
}

func (h *streamHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(merged, h.attrs)
	copy(merged[len(h.attrs):], attrs)
	return &streamHandler{stream: h.stream, source: h.source, attrs: merged}
}

func (h *streamHandler) WithGroup(string) slog.Handler { return h }
