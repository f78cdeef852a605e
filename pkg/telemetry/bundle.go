package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// BundleType and SchemaVersion identify the bundle format consumed by the
// dashboard UI.
const (
	BundleType    = "mortality/ui#events"
	SchemaVersion = 2
)

// Bundle is the JSON artifact of one run. Field order fixes the key order in
// the serialized file.
type Bundle struct {
	BundleType    string           `json:"bundle_type"`
	SchemaVersion int              `json:"schema_version"`
	ExportedAt    string           `json:"exported_at"`
	Experiment    string           `json:"experiment"`
	Config        map[string]any   `json:"config"`
	LLM           map[string]any   `json:"llm"`
	Agents        []map[string]any `json:"agents"`
	Metadata      map[string]any   `json:"metadata"`
	Diaries       map[string]any   `json:"diaries"`
	Events        []Event          `json:"events"`
	Extra         map[string]any   `json:"extra"`
	SystemPrompt  string           `json:"system_prompt,omitempty"`
}

// BundleInput carries the caller-supplied sections of the bundle. Agents left
// nil falls back to the recorder's spawn snapshots.
type BundleInput struct {
	Experiment   string
	Config       map[string]any
	LLM          map[string]any
	Agents       []map[string]any
	Metadata     map[string]any
	Diaries      map[string]any
	Extra        map[string]any
	SystemPrompt string
}

// BuildBundle assembles the final bundle from the recorded stream. When a
// system prompt is supplied its sha256 is added under
// metadata.system_prompt_sha256.
func (r *Recorder) BuildBundle(input BundleInput) Bundle {
	agents := input.Agents
	if agents == nil {
		agents = r.AgentProfiles()
	}

	metadata := make(map[string]any, len(input.Metadata)+1)
	for k, v := range input.Metadata {
		metadata[k] = v
	}
	if input.SystemPrompt != "" {
		sum := sha256.Sum256([]byte(input.SystemPrompt))
		metadata["system_prompt_sha256"] = hex.EncodeToString(sum[:])
	}

	return Bundle{
		BundleType:    BundleType,
		SchemaVersion: SchemaVersion,
		ExportedAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Experiment:    input.Experiment,
		Config:        orEmptyMap(input.Config),
		LLM:           orEmptyMap(input.LLM),
		Agents:        agents,
		Metadata:      metadata,
		Diaries:       orEmptyMap(input.Diaries),
		Events:        r.Events(),
		Extra:         orEmptyMap(input.Extra),
		SystemPrompt:  input.SystemPrompt,
	}
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
