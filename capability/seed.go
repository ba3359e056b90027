package capability

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// seedDocument mirrors the on-disk YAML shape for bulk capability seeding at
// boot (e.g. from a ConfigMap or local fixture file).
type seedDocument struct {
	Capabilities []seedRecord `yaml:"capabilities"`
}

type seedRecord struct {
	CapabilityID     string            `yaml:"capabilityId"`
	Version          string            `yaml:"version"`
	DisplayName      string            `yaml:"displayName"`
	AgentType        string            `yaml:"agentType"`
	Kind             string            `yaml:"kind"`
	InputFacets      []string          `yaml:"inputFacets"`
	OutputFacets     []string          `yaml:"outputFacets"`
	HeartbeatSeconds int               `yaml:"heartbeatSeconds"`
	Instructions     map[string]string `yaml:"instructionTemplates"`
	Assignment       *struct {
		Role             string `yaml:"role"`
		TimeoutSeconds   int    `yaml:"timeoutSeconds"`
		OnDecline        string `yaml:"onDecline"`
		MaxNotifications int    `yaml:"maxNotifications"`
	} `yaml:"assignmentDefaults"`
}

// LoadSeedFile reads a YAML manifest of capability declarations and registers
// each one. It is intended for process boot, seeding the registry before the
// first planner request arrives (local fixtures, ConfigMap-mounted manifests).
func (r *Registry) LoadSeedFile(ctx context.Context, rd io.Reader) (int, error) {
	var doc seedDocument
	dec := yaml.NewDecoder(rd)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return 0, nil
		}
		return 0, fmt.Errorf("capability: decode seed file: %w", err)
	}

	n := 0
	for _, sr := range doc.Capabilities {
		rec := Record{
			CapabilityID:         sr.CapabilityID,
			Version:              sr.Version,
			DisplayName:          sr.DisplayName,
			AgentType:            AgentType(sr.AgentType),
			Kind:                 Kind(sr.Kind),
			InputFacets:          sr.InputFacets,
			OutputFacets:         sr.OutputFacets,
			HeartbeatSeconds:     sr.HeartbeatSeconds,
			InstructionTemplates: sr.Instructions,
		}
		if sr.Assignment != nil {
			rec.AssignmentDefaults = &AssignmentDefaults{
				Role:             sr.Assignment.Role,
				TimeoutSeconds:   sr.Assignment.TimeoutSeconds,
				OnDecline:        OnDecline(sr.Assignment.OnDecline),
				MaxNotifications: sr.Assignment.MaxNotifications,
			}
		}
		if _, err := r.Register(ctx, rec); err != nil {
			return n, fmt.Errorf("capability: seed %s: %w", sr.CapabilityID, err)
		}
		n++
	}
	return n, nil
}
