package sse_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flexcore.dev/flex/event"
	"flexcore.dev/flex/sse"
	"flexcore.dev/flex/telemetry"
)

func TestServe_FramesCarryMonotonicIDsAndHeaders(t *testing.T) {
	gw, err := sse.NewGateway(sse.Config{HeartbeatPeriod: time.Hour})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/runs/1/events", nil)

	gw.Serve(rec, req, func(ctx context.Context, sink event.Sink) error {
		for i := 0; i < 3; i++ {
			require.NoError(t, sink.Send(event.FlexEvent{
				Type:      event.TypeNodeStart,
				Timestamp: time.Now(),
				RunID:     "run-1",
				Payload:   map[string]any{"n": i},
			}))
		}
		return nil
	})

	resp := rec.Result()
	assert.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache, no-transform", resp.Header.Get("Cache-Control"))

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, ":\n\n"))
	assert.Equal(t, 3, strings.Count(body, "event: node_start"))

	var ids []int64
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "id: ") {
			var id int64
			_, err := fmt.Sscanf(line, "id: %d", &id)
			require.NoError(t, err)
			ids = append(ids, id)
		}
	}
	require.Len(t, ids, 3)
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1])
	}
}

func TestServe_WritesTerminalCompleteOnRunError(t *testing.T) {
	gw, err := sse.NewGateway(sse.Config{HeartbeatPeriod: time.Hour})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/runs/1/events", nil)

	gw.Serve(rec, req, func(ctx context.Context, sink event.Sink) error {
		return assertErr{}
	})

	body := rec.Body.String()
	assert.Contains(t, body, "event: complete")
	assert.Contains(t, body, `"status":"failed"`)
}

func TestServe_PublishesServedEventsToBus(t *testing.T) {
	bus := telemetry.NewBus()
	var observed []event.Type
	sub, err := bus.Register(telemetry.SubscriberFunc(func(_ context.Context, e event.FlexEvent) error {
		observed = append(observed, e.Type)
		return nil
	}), event.TypeNodeStart, event.TypeComplete)
	require.NoError(t, err)
	defer sub.Close()

	gw, err := sse.NewGateway(sse.Config{HeartbeatPeriod: time.Hour, Bus: bus})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/runs/1/events", nil)

	gw.Serve(rec, req, func(ctx context.Context, sink event.Sink) error {
		require.NoError(t, sink.Send(event.FlexEvent{Type: event.TypeNodeStart, RunID: "run-1"}))
		require.NoError(t, sink.Send(event.FlexEvent{Type: event.TypeNodeComplete, RunID: "run-1"}))
		require.NoError(t, sink.Send(event.FlexEvent{Type: event.TypeComplete, RunID: "run-1"}))
		return nil
	})

	// The filtered subscriber saw its types in wire order, and the client
	// still received every frame.
	assert.Equal(t, []event.Type{event.TypeNodeStart, event.TypeComplete}, observed)
	body := rec.Body.String()
	assert.Contains(t, body, "event: node_start")
	assert.Contains(t, body, "event: node_complete")
	assert.Contains(t, body, "event: complete")
}

func TestAcquire_RejectsOverPendingBacklog(t *testing.T) {
	gw, err := sse.NewGateway(sse.Config{Concurrency: 1, MaxPending: 1})
	require.NoError(t, err)

	release, err := gw.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	// Fill the single pending-waiter slot with a queued acquire.
	waitCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	queued := make(chan struct{})
	go func() {
		close(queued)
		_, _ = gw.Acquire(waitCtx)
	}()
	<-queued
	time.Sleep(20 * time.Millisecond)

	_, err = gw.Acquire(context.Background())
	assert.ErrorIs(t, err, sse.ErrBacklogFull)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
