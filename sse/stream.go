package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"golang.org/x/time/rate"

	"flexcore.dev/flex/event"
	"flexcore.dev/flex/telemetry"
)

// backpressureThreshold is how long a single frame write may take before the
// stream considers the client slow and logs sse_backpressure/sse_drain
// around the stall.
const backpressureThreshold = 50 * time.Millisecond

// stream is the event.Sink backing one SSE connection. It is safe for the
// single goroutine per run the engine uses to call Send; Close may be
// called concurrently from the disconnect watcher.
type stream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	node    *snowflake.Node
	logger  telemetry.Logger

	mu     sync.Mutex
	closed bool

	heartbeatStop chan struct{}
	heartbeatDone chan struct{}
}

func newStream(w http.ResponseWriter, node *snowflake.Node, heartbeat time.Duration, logger telemetry.Logger) (*stream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("sse: response writer does not support flushing")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("Content-Encoding", "identity")

	// Flush headers immediately with a comment frame so proxies don't buffer
	// the response waiting for the first real event.
	if _, err := fmt.Fprint(w, ":\n\n"); err != nil {
		return nil, err
	}
	flusher.Flush()

	s := &stream{
		w:             w,
		flusher:       flusher,
		node:          node,
		logger:        logger,
		heartbeatStop: make(chan struct{}),
		heartbeatDone: make(chan struct{}),
	}
	go s.runHeartbeat(heartbeat)
	return s, nil
}

// watchDisconnect cancels cancel and finalizes the stream once the client
// goes away, so the engine's cancellation plumbing can observe it.
func (s *stream) watchDisconnect(ctx context.Context, cancel context.CancelFunc) {
	go func() {
		<-ctx.Done()
		cancel()
		s.Close()
	}()
}

// runHeartbeat paces `event: heartbeat` frames with a rate.Limiter instead
// of a plain ticker so the cadence is a token-bucket (one token per period,
// burst 1): a slow consumer never accumulates a backlog of queued
// heartbeats, it simply emits the next one as soon as a token is available.
func (s *stream) runHeartbeat(period time.Duration) {
	defer close(s.heartbeatDone)
	limiter := rate.NewLimiter(rate.Every(period), 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.heartbeatStop
		cancel()
	}()
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		s.writeFrame("heartbeat", -1, map[string]any{"ts": time.Now().UnixMilli()})
	}
}

// Send implements event.Sink, framing e as one event/id/data record.
func (s *stream) Send(e event.FlexEvent) error {
	body := map[string]any{
		"timestamp":       e.Timestamp,
		"runId":           e.RunID,
		"correlationId":   e.CorrelationID,
		"planVersion":     e.PlanVersion,
		"nodeId":          e.NodeID,
		"payload":         e.Payload,
		"facetProvenance": e.FacetProvenance,
	}
	id := s.node.Generate().Int64()
	return s.writeFrame(string(e.Type), id, body)
}

func (s *stream) writeFrame(eventType string, id int64, body any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	started := time.Now()
	var frame []byte
	if id >= 0 {
		frame = fmt.Appendf(nil, "event: %s\nid: %d\ndata: %s\n\n", eventType, id, data)
	} else {
		frame = fmt.Appendf(nil, "event: %s\ndata: %s\n\n", eventType, data)
	}
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	s.flusher.Flush()

	if elapsed := time.Since(started); elapsed > backpressureThreshold {
		s.logger.Warn(context.Background(), "sse_backpressure", "eventType", eventType, "elapsedMs", elapsed.Milliseconds())
		s.logger.Info(context.Background(), "sse_drain", "eventType", eventType, "waitMs", elapsed.Milliseconds())
	}
	return nil
}

// Close finalizes the stream idempotently; further Send calls become no-ops,
// so a disconnected client never blocks the run that fed it.
func (s *stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.heartbeatStop)
	<-s.heartbeatDone
}
