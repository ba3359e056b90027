// Package sse implements the SSE gateway: a bounded-concurrency admission
// layer in front of a Server-Sent Events writer, wrapping one
// RunCoordinator.Run call per connected client. It owns the wire framing,
// the heartbeat cadence, and the backpressure/drain accounting; it knows
// nothing about plans, nodes, or capabilities — it only moves
// event.FlexEvent values onto the wire.
package sse

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"

	"flexcore.dev/flex/event"
	"flexcore.dev/flex/telemetry"
)

// Defaults applied when the corresponding env key or Config field is unset.
const (
	DefaultConcurrency     = 4
	DefaultMaxPending      = 32
	DefaultHeartbeatPeriod = 15 * time.Second
)

// ErrBacklogFull is returned by Acquire when SSE_MAX_PENDING waiters are
// already queued for an admission slot.
var ErrBacklogFull = errors.New("sse: admission backlog full")

// Config configures a Gateway. Zero values fall back to the defaults above.
type Config struct {
	// Concurrency is SSE_CONCURRENCY: the number of streams served at once.
	Concurrency int
	// MaxPending is SSE_MAX_PENDING: the depth of the admission waiter queue
	// beyond Concurrency before new submissions are rejected outright.
	MaxPending int
	// HeartbeatPeriod is the cadence of `event: heartbeat` frames.
	HeartbeatPeriod time.Duration
	// Logger receives backpressure/drain/admission diagnostics. Defaults to
	// a no-op logger when nil.
	Logger telemetry.Logger
	// Bus, when set, receives every event served through this gateway: the
	// per-connection sink handed to RunFunc publishes to the bus before
	// framing the event onto the wire, so telemetry subscribers observe the
	// same totally ordered stream the client does.
	Bus telemetry.Bus
}

// ConfigFromEnv builds a Config from SSE_CONCURRENCY and SSE_MAX_PENDING,
// leaving unset or unparseable keys at zero so NewGateway applies defaults.
func ConfigFromEnv() Config {
	var cfg Config
	if n, err := strconv.Atoi(os.Getenv("SSE_CONCURRENCY")); err == nil && n > 0 {
		cfg.Concurrency = n
	}
	if n, err := strconv.Atoi(os.Getenv("SSE_MAX_PENDING")); err == nil && n > 0 {
		cfg.MaxPending = n
	}
	return cfg
}

// Gateway admits and serves bounded-concurrency SSE connections.
type Gateway struct {
	sem     chan struct{}
	pending int64
	maxPend int64
	period  time.Duration
	logger  telemetry.Logger
	bus     telemetry.Bus
	node    *snowflake.Node
}

// NewGateway constructs a Gateway from cfg, applying defaults for any
// zero field. The returned Gateway is ready to admit connections.
func NewGateway(cfg Config) (*Gateway, error) {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	maxPending := cfg.MaxPending
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	period := cfg.HeartbeatPeriod
	if period <= 0 {
		period = DefaultHeartbeatPeriod
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	node, err := snowflake.NewNode(0)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		sem:     make(chan struct{}, concurrency),
		maxPend: int64(maxPending),
		period:  period,
		logger:  logger,
		bus:     cfg.Bus,
		node:    node,
	}, nil
}

// Acquire reserves one of the Gateway's concurrency slots, blocking until a
// slot frees up, ctx is cancelled, or the pending-waiter backlog is already
// at capacity (in which case it returns ErrBacklogFull immediately without
// queuing). The returned release func must be called exactly once.
func (g *Gateway) Acquire(ctx context.Context) (release func(), err error) {
	release = func() { <-g.sem }

	// Fast path: a slot is free, admit without touching the pending count.
	select {
	case g.sem <- struct{}{}:
		return release, nil
	default:
	}

	if atomic.AddInt64(&g.pending, 1) > g.maxPend {
		atomic.AddInt64(&g.pending, -1)
		return nil, ErrBacklogFull
	}
	defer atomic.AddInt64(&g.pending, -1)

	select {
	case g.sem <- struct{}{}:
		return release, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RunFunc executes one coordinator run, delivering FlexEvents to sink as
// they occur. Coordinator.Run satisfies this signature when its onEvent
// callback is adapted to an event.Sink (see event.SinkFunc).
type RunFunc func(ctx context.Context, sink event.Sink) error

// Serve admits one connection (rejecting with 503 if the backlog is full),
// opens an SSE stream on w, and drives run against it until run returns or
// the client disconnects. It never returns an error to the caller: failures
// are written onto the stream as a terminal `complete` frame when possible,
// so the caller always observes a single terminal complete frame.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, run RunFunc) {
	ctx := r.Context()
	release, err := g.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrBacklogFull) {
			http.Error(w, "sse: too many pending connections", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "sse: request cancelled", http.StatusRequestTimeout)
		return
	}
	defer release()

	stream, err := newStream(w, g.node, g.period, g.logger)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer stream.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream.watchDisconnect(runCtx, cancel)

	var sink event.Sink = stream
	if g.bus != nil {
		sink = g.bus.Sink(stream)
	}

	if err := run(runCtx, sink); err != nil && !errors.Is(err, context.Canceled) {
		_ = sink.Send(event.FlexEvent{
			Type:      event.TypeComplete,
			Timestamp: time.Now(),
			Payload: map[string]any{
				"status": "failed",
				"error":  err.Error(),
			},
		})
	}
}
