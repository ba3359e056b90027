// Package capability implements the live table of declared capabilities that
// the planner draws from. A capability is a registered unit of work — AI or
// human — with input/output contracts expressed as facets or an inline JSON
// Schema. The registry validates registrations against the facet catalog,
// caches active capabilities with a TTL, and computes the Capability-Ranking
// Context Set (CRCS) consumed by the planner prompt (see crcs.go).
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"flexcore.dev/flex/facet"
)

type (
	// AgentType identifies whether a capability is executed by a model runner
	// or by a human operator.
	AgentType string

	// Kind classifies the role a capability plays within a plan.
	Kind string

	// OnDecline controls what happens when a human declines an assigned task.
	OnDecline string

	// AssignmentDefaults describes how a human capability's tasks are routed,
	// bounded, and escalated. Mandatory for agentType=human capabilities.
	AssignmentDefaults struct {
		Role             string
		TimeoutSeconds   int
		OnDecline        OnDecline
		MaxNotifications int
	}

	// OutputContract is either a list of facet names or an inline JSON Schema.
	// Exactly one of Facets or Schema should be set.
	OutputContract struct {
		Facets []string
		Schema json.RawMessage
	}

	// Record is a single registered capability.
	Record struct {
		CapabilityID         string
		Version              string
		DisplayName          string
		AgentType            AgentType
		Kind                 Kind
		InputFacets          []string
		OutputFacets         []string
		OutputContract       OutputContract
		Cost                 *CostHint
		HeartbeatSeconds     int
		InstructionTemplates map[string]string
		AssignmentDefaults   *AssignmentDefaults
		Metadata             map[string]any
		Status               Status
		RegisteredAt         time.Time
		LastSeenAt           time.Time

		// compiled holds the facet-derived contract synthesized at register
		// time so CRCS/prompt assembly never recompiles schemas per request.
		compiled facet.CompiledContracts
	}

	// CostHint carries planner-facing cost estimation metadata.
	CostHint struct {
		EstimatedTokens int
		EstimatedUSD    float64
	}

	// Status is the lifecycle state of a registered capability.
	Status string

	// Store is the durable backing table for capability records. Registry
	// writes through to Store on every register/markInactive call.
	Store interface {
		Put(ctx context.Context, rec Record) error
		Get(ctx context.Context, capabilityID string) (Record, bool, error)
		List(ctx context.Context) ([]Record, error)
	}

	// Registry is the live, validated table of capabilities.
	Registry struct {
		catalog *facet.Catalog
		store   Store
		cache   *TTLCache

		mu   sync.RWMutex
		byID map[string]Record
	}
)

const (
	AgentTypeAI    AgentType = "ai"
	AgentTypeHuman AgentType = "human"

	KindStructuring    Kind = "structuring"
	KindExecution      Kind = "execution"
	KindValidation     Kind = "validation"
	KindTransformation Kind = "transformation"
	KindRouting        Kind = "routing"
	// KindFallback is a legacy value migrated out of the live DSL. It is
	// rejected on fresh ingest but tolerated when loading archived plan
	// snapshots: plan.Node.Kind has no custom decoding, so a snapshot read
	// back through persistence.Store.LoadPlanSnapshot keeps the value.
	KindFallback Kind = "fallback"

	OnDeclineFailRun OnDecline = "fail_run"
	OnDeclineRequeue OnDecline = "requeue"

	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

var (
	// ErrInvalidCapability is returned when a registration payload fails
	// structural or contract validation.
	ErrInvalidCapability = errors.New("capability: invalid registration")
	// ErrNotFound is returned when a capability id has no registered record.
	ErrNotFound = errors.New("capability: not found")
)

// NewRegistry constructs a Registry backed by store and validated against
// catalog. cacheTTL controls how long listActive/getSnapshot results are
// served from the in-memory cache before re-reading through to store.
func NewRegistry(catalog *facet.Catalog, store Store, cacheTTL time.Duration) *Registry {
	return &Registry{
		catalog: catalog,
		store:   store,
		cache:   NewTTLCache(cacheTTL),
		byID:    make(map[string]Record),
	}
}

// WithRedisMirror shares the registry's snapshot cache through Redis, so
// multiple registry processes over one backing store see each other's
// registrations without each re-reading the store on every cache miss.
// Records restored from the mirror carry no precompiled contracts; GetByID
// never reads the mirror (it serves the registry's own map or reads through
// to the store), so compiled contracts stay available where they matter.
func (r *Registry) WithRedisMirror(client *redis.Client) *Registry {
	r.cache.WithRedisMirror(client)
	return r
}

// Register validates payload against the facet catalog, compiles its
// contracts, stamps LastSeenAt, and writes it through to the store. Two
// concurrent registrations of the same capability id are serialized by the
// registry's write lock, so the store never observes interleaved writes for
// one id.
func (r *Registry) Register(ctx context.Context, rec Record) (Record, error) {
	if err := r.validate(rec); err != nil {
		return Record{}, err
	}

	compiled, err := r.catalog.CompileContracts(rec.InputFacets, rec.OutputFacets)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %s: %w", ErrInvalidCapability, rec.CapabilityID, err)
	}
	rec.compiled = compiled

	now := time.Now()
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = now
	}
	// A fresh registration counts as a heartbeat; payloads replayed from a
	// recorded snapshot keep the heartbeat they carry.
	if rec.LastSeenAt.IsZero() {
		rec.LastSeenAt = now
	}
	if rec.Status == "" {
		rec.Status = StatusActive
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Put(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("capability: persist %s: %w", rec.CapabilityID, err)
	}
	r.byID[rec.CapabilityID] = rec
	r.cache.Invalidate()
	return rec, nil
}

func (r *Registry) validate(rec Record) error {
	if rec.CapabilityID == "" {
		return fmt.Errorf("%w: capabilityId is required", ErrInvalidCapability)
	}
	if rec.AgentType != AgentTypeAI && rec.AgentType != AgentTypeHuman {
		return fmt.Errorf("%w: %s: unknown agentType %q", ErrInvalidCapability, rec.CapabilityID, rec.AgentType)
	}
	switch rec.Kind {
	case KindStructuring, KindExecution, KindValidation, KindTransformation, KindRouting:
	default:
		return fmt.Errorf("%w: %s: unsupported kind %q on ingest", ErrInvalidCapability, rec.CapabilityID, rec.Kind)
	}
	if len(rec.OutputFacets) == 0 && rec.OutputContract.Schema == nil && len(rec.OutputContract.Facets) == 0 {
		return fmt.Errorf("%w: %s: output contract is mandatory", ErrInvalidCapability, rec.CapabilityID)
	}
	if rec.AgentType == AgentTypeHuman {
		if rec.AssignmentDefaults == nil {
			return fmt.Errorf("%w: %s: human capabilities must declare assignmentDefaults", ErrInvalidCapability, rec.CapabilityID)
		}
		switch rec.AssignmentDefaults.OnDecline {
		case OnDeclineFailRun, OnDeclineRequeue:
		default:
			return fmt.Errorf("%w: %s: unsupported onDecline %q", ErrInvalidCapability, rec.CapabilityID, rec.AssignmentDefaults.OnDecline)
		}
	}
	return nil
}

// GetByID returns the registered record for id, consulting the in-process
// map first and falling back to the store on a cache miss.
func (r *Registry) GetByID(ctx context.Context, id string) (Record, error) {
	r.mu.RLock()
	rec, ok := r.byID[id]
	r.mu.RUnlock()
	if ok {
		return rec, nil
	}
	rec, found, err := r.store.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.mu.Lock()
	r.byID[id] = rec
	r.mu.Unlock()
	return rec, nil
}

// ListActive returns every capability whose status is active, sorted by id.
func (r *Registry) ListActive(ctx context.Context) ([]Record, error) {
	snap, err := r.GetSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Active, nil
}

// Snapshot is the result of GetSnapshot: all registered capabilities split
// into active and the full set.
type Snapshot struct {
	Active []Record
	All    []Record
}

// GetSnapshot returns the current active/all capability sets, served from
// the TTL cache when fresh.
func (r *Registry) GetSnapshot(ctx context.Context) (Snapshot, error) {
	if cached, ok := r.cache.Get(); ok {
		return cached.(Snapshot), nil
	}

	all, err := r.store.List(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CapabilityID < all[j].CapabilityID })

	active := make([]Record, 0, len(all))
	for _, rec := range all {
		if rec.Status == StatusActive {
			active = append(active, rec)
		}
	}
	snap := Snapshot{Active: active, All: all}
	r.cache.Set(snap)
	return snap, nil
}

// MarkInactive flips the status of every id not heartbeating within the
// configured window to inactive, as of now. Capabilities not present in ids
// are left untouched; callers pass the set of ids that failed a liveness
// check.
func (r *Registry) MarkInactive(ctx context.Context, ids []string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		rec, found, err := r.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if !found || rec.Status == StatusInactive {
			continue
		}
		rec.Status = StatusInactive
		rec.LastSeenAt = now
		if err := r.store.Put(ctx, rec); err != nil {
			return err
		}
		r.byID[id] = rec
	}
	r.cache.Invalidate()
	return nil
}

// Compiled exposes the capability's synthesized facet contract for callers
// (planner prompt assembly, validator) that need the schema without
// recompiling it.
func (rec Record) Compiled() facet.CompiledContracts { return rec.compiled }
