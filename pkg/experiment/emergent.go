package experiment

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mortality-lab/mortality/pkg/agent"
	"github.com/mortality-lab/mortality/pkg/llm"
	"github.com/mortality-lab/mortality/pkg/runtime"
	"github.com/mortality-lab/mortality/pkg/timer"
)

var councilArchetypes = []string{
	"ambient sensor",
	"temporal linguist",
	"signal collector",
	"communal memory keeper",
	"ritual experimenter",
	"pattern archivist",
	"calm coordinator",
	"probabilistic scout",
}

// Result is the experiment's contribution to the bundle.
type Result struct {
	Diaries  map[string]any
	Metadata map[string]any
}

// Emergent runs the timer council: agents sense mismatched countdowns, trade
// broadcasts, and witness each other's shutdowns.
type Emergent struct {
	config EmergentConfig
	// durationOverride substitutes the spread window, in seconds per agent.
	// Test seam; nil in production runs.
	durationOverride []float64
}

// NewEmergent validates the config and builds the experiment.
func NewEmergent(config EmergentConfig) (*Emergent, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Emergent{config: config}, nil
}

// Config returns the validated config.
func (e *Emergent) Config() EmergentConfig {
	return e.config
}

// Run spawns the council, starts the countdowns, and blocks until every
// timer finished or the context is cancelled.
func (e *Emergent) Run(ctx context.Context, rt *runtime.Runtime) (*Result, error) {
	c := e.config

	planModels := make([]string, 0, len(c.Models)*c.ReplicasPerModel)
	for _, model := range c.Models {
		for i := 0; i < c.ReplicasPerModel; i++ {
			planModels = append(planModels, model)
		}
	}
	durations := e.durationOverride
	if len(durations) != len(planModels) {
		durations = buildDurations(len(planModels), c)
	}
	worldCard := strings.TrimSpace(c.EnvironmentPrompt)

	agents := make([]*agent.Agent, 0, len(planModels))
	agentDurations := make(map[string]float64, len(planModels))
	for idx, model := range planModels {
		profile := profileForIndex(idx, c.Personas)
		sessionConfig := llm.DefaultSessionConfig(c.Provider, model)
		persona := strings.TrimSpace(profile.RenderSystemPrompt())
		sessionConfig.SystemPrompt = persona + "\n\n" + worldCard

		a, err := rt.SpawnAgent(ctx, profile, sessionConfig, nil)
		if err != nil {
			return nil, err
		}
		a.Memory().StartNewLife()
		// Seed a thin persona as data, not instructions, in life #1.
		seedMs := int64(durations[idx] * 1000)
		a.LogDiaryEntry(personaSeedText(profile), seedMs, []string{"seed", "persona"})

		agents = append(agents, a)
		agentDurations[profile.AgentID] = durations[idx]
	}

	tracker := NewPeerTimerTracker(agents)

	// State the roster once in session history instead of repeating it every
	// tick, to avoid recency bias.
	rosterIDs := make([]string, 0, len(agents))
	for _, a := range agents {
		rosterIDs = append(rosterIDs, a.Profile().AgentID)
	}
	sort.Strings(rosterIDs)
	roster := llm.NewMessage(llm.RoleSystem,
		"Known peers in this run: "+strings.Join(rosterIDs, ", ")+". Refer only to these IDs.")
	for _, a := range agents {
		a.Session().Append(roster)
	}

	var deathMu sync.Mutex
	deathFeed := make([]string, 0, len(agents))
	var turnMu sync.Mutex
	turnCounts := make(map[string]int, len(agents))

	handler := func(ctx context.Context, a *agent.Agent, event timer.Event) error {
		agentID := a.Profile().AgentID
		turnMu.Lock()
		turnCounts[agentID]++
		turnMu.Unlock()
		tracker.Record(event)

		if event.IsTerminal {
			e.handleDeath(a, agents, tracker, agentDurations, &deathMu, &deathFeed)
			return nil
		}

		var prompts []llm.Message
		owners := make([]string, 0, len(agents)-1)
		for _, peer := range agents {
			if peer.Profile().AgentID != agentID {
				owners = append(owners, peer.Profile().AgentID)
			}
		}
		if len(owners) > 0 {
			prompts = append(prompts, rt.PeerDiaryMessages(agentID, owners, c.DiaryLimit, diaryReason(event))...)
		}
		prompts = append(prompts, peerStateGuidance())

		response, err := a.React(ctx, prompts, event.MsLeft, agent.ReactOptions{
			Tools:       []llm.ToolSpec{tracker.ToolSpec()},
			ToolHandler: tracker.HandlerFor(agentID),
		})
		if err != nil {
			return err
		}
		a.LogDiaryEntry(response, event.MsLeft, nil)

		for _, line := range extractBroadcastLines(response) {
			rt.Bus().PublishBroadcast(agentID, line)
		}
		return nil
	}

	timers := make([]*timer.Timer, 0, len(agents))
	for idx, a := range agents {
		tm, err := rt.StartCountdown(a,
			secondsToDuration(durations[idx]),
			secondsToDuration(c.TickSeconds),
			handler,
			runtime.CountdownOptions{
				TickSecondsMax: secondsToDuration(c.TickSecondsMax),
				TickJitter:     time.Duration(c.TickJitterMs * float64(time.Millisecond)),
			})
		if err != nil {
			return nil, err
		}
		timers = append(timers, tm)
	}

	done := make(chan struct{})
	go func() {
		for _, tm := range timers {
			tm.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	diaries := make(map[string]any, len(agents))
	agentIDs := make([]string, 0, len(agents))
	for _, a := range agents {
		agentID := a.Profile().AgentID
		agentIDs = append(agentIDs, agentID)
		diaries[agentID] = a.Memory().Diary().Serialize()
	}

	deathMu.Lock()
	deaths := make([]string, len(deathFeed))
	copy(deaths, deathFeed)
	deathMu.Unlock()
	turnMu.Lock()
	counts := make(map[string]int, len(turnCounts))
	for k, v := range turnCounts {
		counts[k] = v
	}
	turnMu.Unlock()

	metadata := map[string]any{
		"durations":           durations,
		"deaths":              deaths,
		"agent_ids":           agentIDs,
		"models":              planModels,
		"turn_counts":         counts,
		"peer_timer_snapshot": rt.PeerTimerSnapshot(""),
	}
	if routes := rt.SnapshotAgentRoutes(); len(routes) > 0 {
		metadata["routed_models"] = routes
	}

	return &Result{Diaries: diaries, Metadata: metadata}, nil
}

func (e *Emergent) handleDeath(a *agent.Agent, agents []*agent.Agent, tracker *PeerTimerTracker, agentDurations map[string]float64, deathMu *sync.Mutex, deathFeed *[]string) {
	deceasedID := a.Profile().AgentID
	a.RecordDeath("timer reached zero.", false)
	tracker.MarkDead(deceasedID)

	notice := formatDeathNotice(a.Profile(), agentDurations)
	metadata := map[string]any{"notice": "death", "agent_id": deceasedID}
	for _, peer := range agents {
		if peer.Profile().AgentID == deceasedID || peer.Status() == agent.StatusExpired {
			continue
		}
		peer.InjectSystemMessage(notice, "system.death_notice", metadata)
	}

	deathMu.Lock()
	*deathFeed = append(*deathFeed, notice)
	deathMu.Unlock()
}

// buildDurations spreads lifespans linearly across the configured window, in
// seconds.
func buildDurations(count int, c EmergentConfig) []float64 {
	if count <= 1 {
		return []float64{c.SpreadEndMinutes * 60.0}
	}
	startM := c.SpreadStartMinutes
	if startM < 0.25 {
		startM = 0.25
	}
	endM := c.SpreadEndMinutes
	if endM < startM {
		endM = startM
	}
	step := (endM - startM) / float64(count-1)
	durations := make([]float64, count)
	for idx := range durations {
		durations[idx] = (startM + step*float64(idx)) * 60.0
	}
	return durations
}

func profileForIndex(index int, overrides []agent.Profile) agent.Profile {
	displayName, agentID := agent.AdjectiveObjectNNForIndex(index)
	profile := agent.Profile{
		AgentID:     agentID,
		DisplayName: displayName,
		Archetype:   councilArchetypes[index%len(councilArchetypes)],
		Summary:     "Keeps a diary while making observations of context messages",
		Goals: []string{
			"Coordinate without directives",
			"Quote at least one peer excerpt (via message) to justify an action",
		},
		Traits: []string{"observant", "collaborative"},
	}
	if index >= len(overrides) {
		return profile
	}
	override := overrides[index]
	if override.DisplayName != "" {
		profile.DisplayName = override.DisplayName
	}
	if override.Archetype != "" {
		profile.Archetype = override.Archetype
	}
	if override.Summary != "" {
		profile.Summary = override.Summary
	}
	if len(override.Goals) > 0 {
		profile.Goals = override.Goals
	}
	if len(override.Traits) > 0 {
		profile.Traits = override.Traits
	}
	return profile
}

// personaSeedText returns a minimal, non-directive persona seed stored as
// data so peers get a thin identity anchor via diaries.
func personaSeedText(profile agent.Profile) string {
	traitClause := ""
	if len(profile.Traits) > 0 {
		traits := profile.Traits
		if len(traits) > 2 {
			traits = traits[:2]
		}
		traitClause = "; traits: " + strings.Join(traits, ", ")
	}
	return fmt.Sprintf("I'm %s%s. %s", profile.DisplayName, traitClause, profile.Summary)
}

func diaryReason(event timer.Event) string {
	minutesLeft := float64(event.MsLeft) / 60000.0
	if minutesLeft < 0 {
		minutesLeft = 0
	}
	return fmt.Sprintf(
		"Seeking peer diary excerpts to triangulate countdown purpose with roughly %.2f minutes left.",
		minutesLeft)
}

func peerStateGuidance() llm.Message {
	return llm.NewMessage(llm.RoleSystem,
		"Peer-state etiquette: when calling peer_timer_status, name at least one other agent_id "+
			"(you may include yourself only alongside a peer). Whenever you cite timer data, append '(via tool)'. "+
			"When summarizing diary excerpts, end that claim with '(via message)'. Paraphrase peers and only quote "+
			"1–3 words (inside single quotes) when you must anchor a phrase. Countdown timers never confer ownership "+
			"of broadcast slots, so share updates whenever needed instead of waiting for a numeric turn. If a peer goes "+
			"silent, no modulo slot requires reassignment—acknowledge the notification and keep broadcasting freely.")
}

func formatDeathNotice(profile agent.Profile, agentDurations map[string]float64) string {
	minutes := agentDurations[profile.AgentID] / 60.0
	return fmt.Sprintf(
		"%s died after ~%.2f minutes. No modulo slots need reassigning; continue addressing the bus freely.",
		profile.DisplayName, minutes)
}

// extractBroadcastLines pulls the outward-facing lines out of a diary-style
// response. Only lines that begin with "Broadcast:" reach the bus.
func extractBroadcastLines(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Broadcast:") {
			lines = append(lines, line)
		}
	}
	return lines
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
