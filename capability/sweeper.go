package capability

import (
	"context"
	"time"

	"flexcore.dev/flex/telemetry"
)

// Sweeper periodically marks capabilities inactive once their declared
// heartbeat window has elapsed since LastSeenAt. The registry itself only
// exposes MarkInactive as a pure, caller-driven operation; Sweeper is
// the active reaper a registry with live heartbeats needs so a capability
// that stops heartbeating without deregistering eventually drops out of
// ListActive and CRCS on its own.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	logger   telemetry.Logger
}

// NewSweeper constructs a Sweeper that checks every interval. A zero or
// negative interval defaults to one minute.
func NewSweeper(registry *Registry, interval time.Duration, logger telemetry.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Sweeper{registry: registry, interval: interval, logger: logger}
}

// Run blocks, sweeping every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.sweepOnce(ctx); err != nil {
				s.logger.Warn(ctx, "capability_sweep_failed", "error", err.Error())
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) error {
	records, err := s.registry.ListActive(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	var stale []string
	for _, rec := range records {
		if rec.HeartbeatSeconds <= 0 {
			continue
		}
		window := time.Duration(rec.HeartbeatSeconds) * time.Second
		if now.Sub(rec.LastSeenAt) > window {
			stale = append(stale, rec.CapabilityID)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	s.logger.Info(ctx, "capability_sweep_marking_inactive", "count", len(stale))
	return s.registry.MarkInactive(ctx, stale, now)
}
