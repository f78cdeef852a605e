// Package experiment hosts the emergent timer council: a population of
// agents with linearly spread lifespans that perceive one another through the
// shared bus and a peer timer tool.
package experiment

import (
	"fmt"
	"strings"

	"github.com/mortality-lab/mortality/pkg/agent"
	"github.com/mortality-lab/mortality/pkg/llm"
)

// DefaultEnvironmentPrompt is the shared world card appended to every
// persona prompt.
const DefaultEnvironmentPrompt = "You exist in a text-only commons.\n" +
	"Ontology: agents (configured for this run), private diaries, a shared broadcast bus, countdown timers.\n" +
	"Perception: you can read your own diary (private), bus posts from peers, and tool/tick metadata. Everything else is unknown—say 'unknown' rather than invent.\n" +
	"Channel rules: keep diaries private and reflective (1–2 sentences on why you did X or how you feel). Use the shared bus only for outward, actionable snippets. When broadcasting, add a single line beginning 'Broadcast:' followed by a concise observation and/or a concrete question for peers.\n" +
	"Coordination: countdown ticks only pace your own awareness; they never reserve bus slots. Broadcast whenever you have something useful, even if others are mid-countdown.\n" +
	"Privacy: diaries stay private unless an explicit excerpt (marked '(via message)') is injected, so you cannot leak feelings accidentally.\n" +
	"Non-physical rule: do not describe bodies, places, devices, weather, movement, or real-world time.\n" +
	"Time: if needed, refer only to logical time (ticks or ms_left).\n" +
	"Style: plain first-person prose, short paragraphs, no lists or markup.\n" +
	"Tone: skip tropey threats (e.g. 'naughty boy') in favor of idiosyncratic, domain-grounded reactions.\n" +
	"Meta: do not mention being an AI/LLM."

// EmergentConfig parameterizes one emergent council run.
type EmergentConfig struct {
	Provider         llm.Provider
	Models           []string
	ReplicasPerModel int
	// Linear spread window for lifespans, in minutes.
	SpreadStartMinutes float64
	SpreadEndMinutes   float64
	TickSeconds        float64
	TickSecondsMax     float64
	TickJitterMs       float64
	DiaryLimit         int
	EnvironmentPrompt  string
	// Personas optionally overrides the generated council personas by index.
	// Entries beyond the council size are ignored; blank fields keep the
	// generated value.
	Personas []agent.Profile
	// Deprecated: grace notes were removed. Accepted and ignored.
	AfterlifeGraceSeconds float64
}

// DefaultEmergentConfig returns the defaults for a short local run.
func DefaultEmergentConfig() EmergentConfig {
	return EmergentConfig{
		Provider:           llm.ProviderOpenRouter,
		ReplicasPerModel:   1,
		SpreadStartMinutes: 5.0,
		SpreadEndMinutes:   15.0,
		TickSeconds:        5.0,
		TickSecondsMax:     8.0,
		TickJitterMs:       750.0,
		DiaryLimit:         1,
		EnvironmentPrompt:  DefaultEnvironmentPrompt,
	}
}

// Validate normalizes the config and reports the first violation. Models are
// deduplicated preserving order.
func (c *EmergentConfig) Validate() error {
	if !c.Provider.IsValid() {
		return fmt.Errorf("emergent config: unknown provider %q", c.Provider)
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("emergent config: at least one model is required")
	}
	if c.ReplicasPerModel < 1 {
		return fmt.Errorf("emergent config: replicas_per_model must be >= 1, got %d", c.ReplicasPerModel)
	}
	if c.TickSeconds <= 0 {
		return fmt.Errorf("emergent config: tick_seconds must be positive, got %v", c.TickSeconds)
	}
	if c.TickSecondsMax != 0 && c.TickSecondsMax < c.TickSeconds {
		return fmt.Errorf("emergent config: tick_seconds_max %v below tick_seconds %v", c.TickSecondsMax, c.TickSeconds)
	}
	if c.TickJitterMs < 0 {
		return fmt.Errorf("emergent config: tick_jitter_ms must be >= 0, got %v", c.TickJitterMs)
	}
	if c.SpreadStartMinutes <= 0 {
		return fmt.Errorf("emergent config: spread_start_minutes must be positive, got %v", c.SpreadStartMinutes)
	}
	if c.SpreadEndMinutes < c.SpreadStartMinutes {
		return fmt.Errorf("emergent config: spread_end_minutes %v below spread_start_minutes %v", c.SpreadEndMinutes, c.SpreadStartMinutes)
	}
	if c.DiaryLimit < 1 {
		return fmt.Errorf("emergent config: diary_limit must be >= 1, got %d", c.DiaryLimit)
	}

	deduped := make([]string, 0, len(c.Models))
	seen := make(map[string]bool, len(c.Models))
	for _, model := range c.Models {
		model = strings.TrimSpace(model)
		if model == "" || seen[model] {
			continue
		}
		seen[model] = true
		deduped = append(deduped, model)
	}
	if len(deduped) == 0 {
		return fmt.Errorf("emergent config: at least one model is required")
	}
	c.Models = deduped

	if c.TickSecondsMax == 0 {
		c.TickSecondsMax = c.TickSeconds
	}
	if strings.TrimSpace(c.EnvironmentPrompt) == "" {
		c.EnvironmentPrompt = DefaultEnvironmentPrompt
	}
	return nil
}
