package hitl_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flexcore.dev/flex/event"
	"flexcore.dev/flex/hitl"
	"flexcore.dev/flex/persistence"
	"flexcore.dev/flex/persistence/memory"
)

func newService(t *testing.T, max int) (*hitl.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	svc, err := hitl.New(hitl.Options{Store: store, MaxRequestsPerRun: max})
	require.NoError(t, err)
	return svc, store
}

func TestRaiseRequest_RequiresContext(t *testing.T) {
	svc, _ := newService(t, 3)
	_, err := svc.RaiseRequest(context.Background(), persistence.HitlPayload{Question: "proceed?"}, nil)
	require.ErrorIs(t, err, hitl.ErrHitlContextMissing)
}

func TestRaiseRequest_AcceptsUntilCap(t *testing.T) {
	svc, _ := newService(t, 3)
	ctx := hitl.WithHitlContext(context.Background(), hitl.Context{RunID: "run-1", PendingNodeID: "n1"})

	for i := 0; i < 3; i++ {
		out, err := svc.RaiseRequest(ctx, persistence.HitlPayload{Question: "ok?"}, nil)
		require.NoError(t, err)
		assert.Equal(t, persistence.HitlStatusPending, out.Status)

		// Resolve before raising the next, so at most one request is ever
		// pending at a time.
		_, err = svc.ApplyResponses(context.Background(), "run-1", []persistence.HitlResponseRow{
			{RequestID: out.Request.ID, ResponseType: persistence.HitlResponseApproval},
		})
		require.NoError(t, err)
	}

	out, err := svc.RaiseRequest(ctx, persistence.HitlPayload{Question: "one more?"}, nil)
	require.NoError(t, err)
	assert.Equal(t, persistence.HitlStatusDenied, out.Status)
	assert.Equal(t, "Too many HITL requests", out.Request.DenialReason)

	state, err := svc.LoadRunState(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.DeniedCount)
	assert.Empty(t, state.PendingRequestID)
}

func TestRaiseRequest_SinglePendingInvariant(t *testing.T) {
	svc, _ := newService(t, 3)
	ctx := hitl.WithHitlContext(context.Background(), hitl.Context{RunID: "run-1", PendingNodeID: "n1"})

	out, err := svc.RaiseRequest(ctx, persistence.HitlPayload{Question: "first?"}, nil)
	require.NoError(t, err)

	state, err := svc.LoadRunState(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, out.Request.ID, state.PendingRequestID)

	state, err = svc.ApplyResponses(context.Background(), "run-1", []persistence.HitlResponseRow{
		{RequestID: out.Request.ID, ResponseType: persistence.HitlResponseApproval},
	})
	require.NoError(t, err)
	assert.Empty(t, state.PendingRequestID)
	require.Len(t, state.Requests, 1)
	assert.Equal(t, persistence.HitlStatusResolved, state.Requests[0].Status)
}

func TestRaiseRequest_DeniesSecondWhilePending(t *testing.T) {
	svc, _ := newService(t, 3)
	ctx := hitl.WithHitlContext(context.Background(), hitl.Context{RunID: "run-1", PendingNodeID: "n1"})

	first, err := svc.RaiseRequest(ctx, persistence.HitlPayload{Question: "first?"}, nil)
	require.NoError(t, err)
	require.Equal(t, persistence.HitlStatusPending, first.Status)

	second, err := svc.RaiseRequest(ctx, persistence.HitlPayload{Question: "second?"}, nil)
	require.NoError(t, err)
	assert.Equal(t, persistence.HitlStatusDenied, second.Status)
	assert.Equal(t, "A HITL request is already pending", second.Request.DenialReason)

	state, err := svc.LoadRunState(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, first.Request.ID, state.PendingRequestID)
}

func TestApplyResponses_UnknownRequest(t *testing.T) {
	svc, _ := newService(t, 3)
	_, err := svc.ApplyResponses(context.Background(), "run-1", []persistence.HitlResponseRow{
		{RequestID: "does-not-exist"},
	})
	require.ErrorIs(t, err, hitl.ErrUnknownRequest)
}

func TestRaiseRequest_EmitsEvents(t *testing.T) {
	store := memory.New()
	rec := &event.Recorder{}
	svc, err := hitl.New(hitl.Options{Store: store, Sink: rec, MaxRequestsPerRun: 1})
	require.NoError(t, err)

	ctx := hitl.WithHitlContext(context.Background(), hitl.Context{RunID: "run-1", PendingNodeID: "n1"})
	out, err := svc.RaiseRequest(ctx, persistence.HitlPayload{Question: "approve?"}, nil)
	require.NoError(t, err)
	require.Len(t, rec.ByType(event.TypeHitlRequest), 1)

	_, err = svc.ApplyResponses(context.Background(), "run-1", []persistence.HitlResponseRow{
		{RequestID: out.Request.ID, ResponseType: persistence.HitlResponseApproval},
	})
	require.NoError(t, err)
	assert.Len(t, rec.ByType(event.TypeHitlResolved), 1)
}

func TestParseEnvelope(t *testing.T) {
	state, err := hitl.ParseEnvelope(nil)
	require.NoError(t, err)
	assert.Nil(t, state)

	state, err = hitl.ParseEnvelope(map[string]any{
		"responses": []any{
			map[string]any{"requestId": "req-1", "responseType": "approval", "approved": true},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, state)
	require.Len(t, state.Responses, 1)
	assert.Equal(t, "req-1", state.Responses[0].RequestID)
	require.NotNil(t, state.Responses[0].Approved)
	assert.True(t, *state.Responses[0].Approved)
}

func TestParseEnvelope_InvalidShape(t *testing.T) {
	_, err := hitl.ParseEnvelope("not-an-object")
	require.Error(t, err)
}
