// Package facet owns the universe of named, schema-typed data items ("facets")
// that flow between capability nodes in a plan. A facet has a direction
// (input or output), a JSON Schema describing its shape, and a short human
// summary used when assembling planner prompts.
//
// The catalog is loaded once at process start and is read-only thereafter;
// lookups are pure functions of the loaded definitions.
package facet

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Direction constrains how a facet may be used by a capability contract.
	Direction string

	// Facet is a named, versioned data type exchanged between capability nodes.
	Facet struct {
		// Name uniquely identifies the facet (e.g. "creative_brief").
		Name string
		// Direction is the facet's declared direction. An "output" facet may
		// also be consumed as input by a downstream node; an "input"-only
		// facet can never appear in a capability's output contract.
		Direction Direction
		// Schema is the raw JSON Schema document describing the facet's value.
		Schema json.RawMessage
		// Summary is a short human-readable description used in planner prompts.
		Summary string
		// Version identifies the schema revision. Bumped on breaking changes.
		Version int
	}

	// CompiledContracts is the synthesized input/output schema pair for a set
	// of facets, produced by Catalog.CompileContracts.
	CompiledContracts struct {
		// InputSchema is a JSON Schema object with one property per input facet.
		InputSchema json.RawMessage
		// OutputSchema is a JSON Schema object with one property per output facet.
		OutputSchema json.RawMessage
		// Provenance maps each property name back to the facet it came from,
		// preserving declaration order for deterministic prompt rendering.
		Provenance []string
	}

	// Catalog is the immutable registry of known facets, indexed by name.
	Catalog struct {
		mu      sync.RWMutex
		facets  map[string]Facet
		schemas map[string]*jsonschema.Schema
	}
)

const (
	// DirectionInput marks a facet that may only be consumed, never produced.
	DirectionInput Direction = "input"
	// DirectionOutput marks a facet that may be produced by a capability and
	// consumed downstream.
	DirectionOutput Direction = "output"
)

var (
	// ErrUnknownFacet is returned when a referenced facet name is not registered.
	ErrUnknownFacet = errors.New("facet: unknown facet")
	// ErrFacetDirectionMismatch is returned when a facet is referenced with an
	// incompatible direction (e.g. an input-only facet used as a capability output).
	ErrFacetDirectionMismatch = errors.New("facet: direction mismatch")
	// ErrInvalidSchema is returned when a facet's JSON Schema fails to compile.
	ErrInvalidSchema = errors.New("facet: invalid schema")
)

// NewCatalog compiles and indexes the given facet definitions. It fails fast
// if any facet's schema does not compile or if two facets share a name.
func NewCatalog(facets []Facet) (*Catalog, error) {
	c := &Catalog{
		facets:  make(map[string]Facet, len(facets)),
		schemas: make(map[string]*jsonschema.Schema, len(facets)),
	}
	compiler := jsonschema.NewCompiler()
	for _, f := range facets {
		if _, exists := c.facets[f.Name]; exists {
			return nil, fmt.Errorf("facet: duplicate facet name %q", f.Name)
		}
		schemaURL := "mem://facets/" + f.Name
		if err := compiler.AddResource(schemaURL, jsonBytesToAny(f.Schema)); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidSchema, f.Name, err)
		}
		sch, err := compiler.Compile(schemaURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidSchema, f.Name, err)
		}
		c.facets[f.Name] = f
		c.schemas[f.Name] = sch
	}
	return c, nil
}

func jsonBytesToAny(raw json.RawMessage) any {
	var v any
	if len(raw) == 0 {
		return map[string]any{}
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{}
	}
	return v
}

// Get returns the facet registered under name, or nil if unknown.
func (c *Catalog) Get(name string) *Facet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.facets[name]
	if !ok {
		return nil
	}
	cp := f
	return &cp
}

// ResolveMany resolves every name to its Facet, validating that each facet
// exists and is compatible with the requested direction. An "output" facet
// satisfies a DirectionInput request (it can be consumed downstream); an
// "input"-only facet never satisfies a DirectionOutput request.
func (c *Catalog) ResolveMany(names []string, direction Direction) ([]Facet, error) {
	out := make([]Facet, 0, len(names))
	for _, name := range names {
		f := c.Get(name)
		if f == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownFacet, name)
		}
		if direction == DirectionOutput && f.Direction == DirectionInput {
			return nil, fmt.Errorf("%w: %s is input-only, cannot be a capability output", ErrFacetDirectionMismatch, name)
		}
		out = append(out, *f)
	}
	return out, nil
}

// ValidateValue validates value (already decoded into a generic Go value,
// e.g. via json.Unmarshal into `any`) against the named facet's schema.
func (c *Catalog) ValidateValue(name string, value any) error {
	c.mu.RLock()
	sch, ok := c.schemas[name]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFacet, name)
	}
	return sch.Validate(value)
}

// CompileContracts synthesizes a JSON Schema pair for the given input/output
// facet name lists by unioning each facet's schema as a property keyed by its
// name. The returned provenance slice preserves input-order then output-order.
func (c *Catalog) CompileContracts(inputFacets, outputFacets []string) (CompiledContracts, error) {
	in, err := c.ResolveMany(inputFacets, DirectionInput)
	if err != nil {
		return CompiledContracts{}, err
	}
	out, err := c.ResolveMany(outputFacets, DirectionOutput)
	if err != nil {
		return CompiledContracts{}, err
	}
	inSchema, err := unionSchema(in)
	if err != nil {
		return CompiledContracts{}, err
	}
	outSchema, err := unionSchema(out)
	if err != nil {
		return CompiledContracts{}, err
	}
	provenance := make([]string, 0, len(in)+len(out))
	for _, f := range in {
		provenance = append(provenance, f.Name)
	}
	for _, f := range out {
		provenance = append(provenance, f.Name)
	}
	return CompiledContracts{InputSchema: inSchema, OutputSchema: outSchema, Provenance: provenance}, nil
}

func unionSchema(facets []Facet) (json.RawMessage, error) {
	props := make(map[string]any, len(facets))
	required := make([]string, 0, len(facets))
	for _, f := range facets {
		props[f.Name] = jsonBytesToAny(f.Schema)
		required = append(required, f.Name)
	}
	sort.Strings(required)
	doc := map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
	return json.Marshal(doc)
}

// List returns every registered facet sorted by name, for prompt assembly.
func (c *Catalog) List() []Facet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Facet, 0, len(c.facets))
	for _, f := range c.facets {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
