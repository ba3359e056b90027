package capability_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flexcore.dev/flex/capability"
)

func TestSweeper_MarksStaleHeartbeatInactive(t *testing.T) {
	reg := capability.NewRegistry(newCatalog(t), capability.NewMemoryStore(), time.Minute)
	ctx := context.Background()

	rec, err := reg.Register(ctx, capability.Record{
		CapabilityID:     "strategist",
		AgentType:        capability.AgentTypeAI,
		Kind:             capability.KindStructuring,
		OutputFacets:     []string{"creative_brief"},
		HeartbeatSeconds: 5,
	})
	require.NoError(t, err)
	rec.LastSeenAt = time.Now().Add(-time.Hour)
	_, err = reg.Register(ctx, rec)
	require.NoError(t, err)

	sweeper := capability.NewSweeper(reg, time.Millisecond, nil)
	done := make(chan struct{})
	sweepCtx, cancel := context.WithCancel(ctx)
	go func() {
		sweeper.Run(sweepCtx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		snap, err := reg.GetSnapshot(ctx)
		require.NoError(t, err)
		for _, r := range snap.All {
			if r.CapabilityID == "strategist" {
				return r.Status == capability.StatusInactive
			}
		}
		return false
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestSweeper_IgnoresCapabilitiesWithoutHeartbeat(t *testing.T) {
	reg := capability.NewRegistry(newCatalog(t), capability.NewMemoryStore(), time.Minute)
	ctx := context.Background()

	_, err := reg.Register(ctx, capability.Record{
		CapabilityID: "director",
		AgentType:    capability.AgentTypeAI,
		Kind:         capability.KindValidation,
		OutputFacets: []string{"post_copy"},
	})
	require.NoError(t, err)

	sweepCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	capability.NewSweeper(reg, time.Millisecond, nil).Run(sweepCtx)

	snap, err := reg.GetSnapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Active, 1)
	assert.Equal(t, capability.StatusActive, snap.Active[0].Status)
}
