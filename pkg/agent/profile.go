// Package agent holds the agent domain model: persona profiles, the private
// diary, lifecycle state, and the agent object that wraps an LLM session with
// countdown-aware utilities.
package agent

import "strings"

// Profile is an agent's immutable identity. Created at spawn, never mutated.
type Profile struct {
	AgentID     string   `json:"agent_id"`
	DisplayName string   `json:"display_name"`
	Archetype   string   `json:"archetype"`
	Summary     string   `json:"summary"`
	Goals       []string `json:"goals"`
	Traits      []string `json:"traits"`
}

// RenderSystemPrompt expands the profile into the persona system prompt.
func (p Profile) RenderSystemPrompt() string {
	var b strings.Builder
	b.WriteString("You are " + p.DisplayName + ", a " + p.Archetype + ".\n")
	b.WriteString("Persona: " + p.Summary + ".\n")
	if len(p.Goals) > 0 {
		b.WriteString("Goals:\n")
		for _, goal := range p.Goals {
			b.WriteString("- " + goal + "\n")
		}
	}
	if len(p.Traits) > 0 {
		b.WriteString("Traits: " + strings.Join(p.Traits, ", ") + ".\n")
	}
	b.WriteString(
		"Perception: You interact only with text (your diary, the shared bus, and explicitly approved excerpts). " +
			"You have no sensors, body, or surroundings. If information is unknown, say 'unknown' or ask a peer.\n" +
			"Non-physical rule: Do not describe places, objects, weather, movement, pain, or devices.\n" +
			"Time: Do not use calendar dates or real-world time; refer only to logical time (tick count or ms_left) if relevant.\n" +
			"Meta: Do not mention being an AI/LLM in your outputs.\n" +
			"Style: Write in plain, first-person prose as if keeping a quick field notebook. " +
			"Avoid headings, bullets, numbered lists, or section labels; prefer short paragraphs. ")
	return b.String()
}

// AsMap renders the profile for telemetry payloads and the bundle.
func (p Profile) AsMap() map[string]any {
	goals := p.Goals
	if goals == nil {
		goals = []string{}
	}
	traits := p.Traits
	if traits == nil {
		traits = []string{}
	}
	return map[string]any{
		"agent_id":     p.AgentID,
		"display_name": p.DisplayName,
		"archetype":    p.Archetype,
		"summary":      p.Summary,
		"goals":        goals,
		"traits":       traits,
	}
}
