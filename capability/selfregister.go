package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"flexcore.dev/flex/telemetry"
)

// DefaultSelfRegisterRetries is the fallback retry bound when
// FLEX_CAPABILITY_SELF_REGISTER_RETRIES is unset.
const DefaultSelfRegisterRetries = 3

// ErrSelfRegisterDisabled is returned by SelfRegister when registration is
// turned off via FLEX_DISABLE_CAPABILITY_SELF_REGISTER.
var ErrSelfRegisterDisabled = errors.New("capability: self-registration disabled")

// SelfRegisterConfig controls how a capability process announces itself to a
// remote registry endpoint at boot.
type SelfRegisterConfig struct {
	// URL is the registry endpoint accepting POSTed capability payloads.
	URL string
	// Retries bounds how many times a failed announcement is retried.
	Retries int
	// Disabled suppresses registration entirely.
	Disabled bool
	// Client overrides the HTTP client; nil uses a 10s-timeout default.
	Client *http.Client
	// Logger receives retry diagnostics. Nil is a no-op.
	Logger telemetry.Logger
}

// SelfRegisterConfigFromEnv reads FLEX_CAPABILITY_REGISTER_URL,
// FLEX_CAPABILITY_SELF_REGISTER_RETRIES, and
// FLEX_DISABLE_CAPABILITY_SELF_REGISTER.
func SelfRegisterConfigFromEnv() SelfRegisterConfig {
	cfg := SelfRegisterConfig{
		URL:     os.Getenv("FLEX_CAPABILITY_REGISTER_URL"),
		Retries: DefaultSelfRegisterRetries,
	}
	if raw := os.Getenv("FLEX_CAPABILITY_SELF_REGISTER_RETRIES"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			cfg.Retries = n
		}
	}
	if raw := os.Getenv("FLEX_DISABLE_CAPABILITY_SELF_REGISTER"); raw != "" {
		if disabled, err := strconv.ParseBool(raw); err == nil {
			cfg.Disabled = disabled
		}
	}
	return cfg
}

// selfRegisterPayload is the wire shape POSTed to the registry endpoint.
type selfRegisterPayload struct {
	CapabilityID         string              `json:"capabilityId"`
	Version              string              `json:"version,omitempty"`
	DisplayName          string              `json:"displayName,omitempty"`
	AgentType            AgentType           `json:"agentType"`
	Kind                 Kind                `json:"kind"`
	InputFacets          []string            `json:"inputFacets,omitempty"`
	OutputFacets         []string            `json:"outputFacets,omitempty"`
	HeartbeatSeconds     int                 `json:"heartbeatSeconds,omitempty"`
	InstructionTemplates map[string]string   `json:"instructionTemplates,omitempty"`
	AssignmentDefaults   *AssignmentDefaults `json:"assignmentDefaults,omitempty"`
	Metadata             map[string]any      `json:"metadata,omitempty"`
}

// SelfRegister announces recs to the configured registry endpoint, retrying
// each announcement up to cfg.Retries times with linear backoff. It is the
// boot-time counterpart of Registry.Register for capability processes that
// run apart from the registry itself.
func SelfRegister(ctx context.Context, cfg SelfRegisterConfig, recs []Record) error {
	if cfg.Disabled {
		return ErrSelfRegisterDisabled
	}
	if cfg.URL == "" {
		return errors.New("capability: self-registration requires a registry URL")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	for _, rec := range recs {
		payload := selfRegisterPayload{
			CapabilityID:         rec.CapabilityID,
			Version:              rec.Version,
			DisplayName:          rec.DisplayName,
			AgentType:            rec.AgentType,
			Kind:                 rec.Kind,
			InputFacets:          rec.InputFacets,
			OutputFacets:         rec.OutputFacets,
			HeartbeatSeconds:     rec.HeartbeatSeconds,
			InstructionTemplates: rec.InstructionTemplates,
			AssignmentDefaults:   rec.AssignmentDefaults,
			Metadata:             rec.Metadata,
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("capability: marshal self-registration for %s: %w", rec.CapabilityID, err)
		}
		if err := postWithRetries(ctx, client, cfg, rec.CapabilityID, body); err != nil {
			return err
		}
	}
	return nil
}

func postWithRetries(ctx context.Context, client *http.Client, cfg SelfRegisterConfig, id string, body []byte) error {
	var lastErr error
	attempts := cfg.Retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("capability: build self-registration request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			lastErr = fmt.Errorf("registry returned %s", resp.Status)
		}
		if cfg.Logger != nil {
			cfg.Logger.Warn(ctx, "capability self-registration attempt failed",
				"capabilityId", id, "attempt", attempt, "err", lastErr)
		}
	}
	return fmt.Errorf("capability: self-register %s after %d attempts: %w", id, attempts, lastErr)
}
