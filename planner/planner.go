// Package planner produces PlannerDraft proposals by assembling a
// deterministic system/user prompt pair from the facet catalog, the
// capability registry's ranked candidate set (CRCS), the envelope, and the
// current run context, then invoking a model.Runtime for a schema-constrained
// structured completion. Validation of the returned draft against the live
// capability/facet state is the validator package's job, not this one's.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"flexcore.dev/flex/capability"
	"flexcore.dev/flex/envelope"
	"flexcore.dev/flex/facet"
	"flexcore.dev/flex/model"
	"flexcore.dev/flex/plan"
	"flexcore.dev/flex/runcontext"
	"flexcore.dev/flex/telemetry"
)

// DefaultTimeout bounds a single ProposePlan call.
const DefaultTimeout = 240 * time.Second

var (
	// ErrPlannerTimeout is returned when the model runtime does not respond
	// within the configured timeout.
	ErrPlannerTimeout = errors.New("planner: timed out")
	// ErrPlannerParseFailed is returned when the model's response text is not
	// valid JSON matching the Draft shape.
	ErrPlannerParseFailed = errors.New("planner: failed to parse model response")
	// ErrPlannerSchemaInvalid is returned when the parsed response does not
	// satisfy the draft JSON Schema.
	ErrPlannerSchemaInvalid = errors.New("planner: draft did not match schema")
)

// ProposeInput carries everything ProposePlan needs to assemble a prompt for
// one planning or replanning attempt.
type ProposeInput struct {
	RunID        string
	Envelope     envelope.TaskEnvelope
	Hints        capability.Hints
	RunContext   runcontext.Snapshot
	ExistingPlan *plan.Snapshot
	Diagnostics  []string
	Attempt      int
}

// Options configures a Service.
type Options struct {
	Runtime  model.Runtime
	Catalog  *facet.Catalog
	Registry *capability.Registry
	Logger   telemetry.Logger
	Metrics  telemetry.Metrics
	ModelID  string
	Timeout  time.Duration
	RowCap   int
}

// Service is the planner.
type Service struct {
	runtime  model.Runtime
	catalog  *facet.Catalog
	registry *capability.Registry
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	modelID  string
	timeout  time.Duration
	rowCap   int
}

// New constructs a Service from the given options.
func New(opts Options) (*Service, error) {
	if opts.Runtime == nil {
		return nil, errors.New("planner: model runtime is required")
	}
	if opts.Catalog == nil {
		return nil, errors.New("planner: facet catalog is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("planner: capability registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	rowCap := opts.RowCap
	if rowCap <= 0 {
		rowCap = capability.DefaultRowCap
	}
	modelID := opts.ModelID
	if modelID == "" {
		modelID = os.Getenv("FLEX_PLANNER_MODEL")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = timeoutFromEnv()
	}
	return &Service{
		runtime:  opts.Runtime,
		catalog:  opts.Catalog,
		registry: opts.Registry,
		logger:   logger,
		metrics:  metrics,
		modelID:  modelID,
		timeout:  timeout,
		rowCap:   rowCap,
	}, nil
}

// timeoutFromEnv reads FLEX_PLANNER_TIMEOUT_MS, falling back to
// DefaultTimeout on absence or parse failure.
func timeoutFromEnv() time.Duration {
	raw := os.Getenv("FLEX_PLANNER_TIMEOUT_MS")
	if raw == "" {
		return DefaultTimeout
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return DefaultTimeout
	}
	return time.Duration(n) * time.Millisecond
}

// ProposePlan computes the CRCS, assembles the deterministic prompt pair,
// invokes the model runtime for a structured completion, and parses/validates
// the result into a Draft. Any parse or schema failure is returned directly;
// there is no silent fallback.
func (s *Service) ProposePlan(ctx context.Context, in ProposeInput) (Draft, error) {
	crcs, err := s.registry.ComputeCRCS(ctx, in.Envelope.Objective, in.Hints, s.rowCap)
	if err != nil {
		return Draft{}, fmt.Errorf("planner: compute crcs: %w", err)
	}
	facets := facetClosure(s.catalog, crcs.Rows, in.Envelope.OutputContract.Facets, s.rowCap)

	system := buildSystemPrompt(facets, crcs.Rows)
	user := buildUserPrompt(in)

	fields := telemetry.RunFields(in.RunID, "", planVersionOf(in.ExistingPlan))
	s.recordPromptSize(fields, system, user, len(facets), len(crcs.Rows))
	s.recordCrcsStats(fields, crcs)

	timeout := s.timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := model.Request{
		RunID: in.RunID,
		Model: s.modelID,
		Messages: []model.Message{
			{Role: model.RoleSystem, Text: system},
			{Role: model.RoleUser, Text: user},
		},
		Schema:  &model.ResponseSchema{Name: "flex_plan_draft", Schema: json.RawMessage(draftSchema), Strict: true},
		Timeout: timeout,
	}

	s.metrics.IncCounter(telemetry.MetricPlannerRequests, 1, fields...)
	start := time.Now()
	resp, err := s.runtime.RunStructured(cctx, req)
	s.metrics.RecordTimer(telemetry.MetricPlannerDurationMS, time.Since(start), fields...)
	if err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return Draft{}, fmt.Errorf("%w: %w", ErrPlannerTimeout, err)
		}
		return Draft{}, fmt.Errorf("planner: model runtime: %w", err)
	}

	if err := resp.DecodeJSON(new(any)); err != nil {
		return Draft{}, fmt.Errorf("%w: %w", ErrPlannerParseFailed, err)
	}
	if err := validateDraftSchema(resp.Text); err != nil {
		return Draft{}, fmt.Errorf("%w: %w", ErrPlannerSchemaInvalid, err)
	}
	var draft Draft
	if err := resp.DecodeJSON(&draft); err != nil {
		return Draft{}, fmt.Errorf("%w: %w", ErrPlannerParseFailed, err)
	}
	logFields := append(fields, "nodes", strconv.Itoa(len(draft.Nodes)), "attempt", strconv.Itoa(in.Attempt))
	s.logger.Info(ctx, "planner.proposed", toAnySlice(logFields)...)
	return draft, nil
}

func toAnySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

func planVersionOf(snap *plan.Snapshot) int {
	if snap == nil {
		return 0
	}
	return snap.PlanVersion
}

func (s *Service) recordPromptSize(fields []string, system, user string, facetRows, capabilityRows int) {
	tags := append(append([]string{}, fields...), "facetRows", itoa(facetRows), "capabilityRows", itoa(capabilityRows))
	s.metrics.RecordGauge("flex.planner.prompt_size.system_chars", float64(len(system)), tags...)
	s.metrics.RecordGauge("flex.planner.prompt_size.user_chars", float64(len(user)), tags...)
}

func (s *Service) recordCrcsStats(fields []string, crcs capability.CRCS) {
	tags := append(append([]string{}, fields...),
		"mrcsSize", itoa(crcs.MRCSSize),
		"rowCap", itoa(crcs.RowCap),
		"truncated", fmt.Sprintf("%t", crcs.Truncated),
		"missingPinnedCapabilities", itoa(len(crcs.MissingPinnedIDs)),
	)
	s.metrics.RecordGauge("flex.planner.crcs.total_rows", float64(crcs.TotalCandidates), tags...)
	for reason, count := range crcs.ReasonCounts {
		s.metrics.RecordGauge("flex.planner.crcs.reason_count", float64(count), append(tags, "reason", string(reason))...)
	}
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}

var (
	draftSchemaOnce     sync.Once
	draftSchemaCompiled *jsonschema.Schema
	draftSchemaErr      error
)

func compiledDraftSchema() (*jsonschema.Schema, error) {
	draftSchemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(draftSchema), &doc); err != nil {
			draftSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("mem://planner/draft", doc); err != nil {
			draftSchemaErr = err
			return
		}
		sch, err := compiler.Compile("mem://planner/draft")
		if err != nil {
			draftSchemaErr = err
			return
		}
		draftSchemaCompiled = sch
	})
	return draftSchemaCompiled, draftSchemaErr
}

func validateDraftSchema(text string) error {
	sch, err := compiledDraftSchema()
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return err
	}
	return sch.Validate(v)
}
