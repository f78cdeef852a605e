package experiment

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mortality-lab/mortality/pkg/agent"
	"github.com/mortality-lab/mortality/pkg/llm"
	"github.com/mortality-lab/mortality/pkg/timer"
)

// toolSourceTag marks tool-derived claims so agents can cite provenance.
const toolSourceTag = "via tool"

// PeerTimerStatusTool is the name of the shared countdown inspection tool.
const PeerTimerStatusTool = "peer_timer_status"

type timerSnapshot struct {
	msLeft     int64
	isTerminal bool
	ts         string
}

// PeerTimerTracker is the shared tool implementation that lets agents query
// peer countdown states on demand.
type PeerTimerTracker struct {
	mu     sync.Mutex
	names  map[string]string
	latest map[string]timerSnapshot
	dead   map[string]bool
}

// NewPeerTimerTracker indexes the run's agents by id and display name.
func NewPeerTimerTracker(agents []*agent.Agent) *PeerTimerTracker {
	names := make(map[string]string, len(agents))
	for _, a := range agents {
		profile := a.Profile()
		names[profile.AgentID] = profile.DisplayName
	}
	return &PeerTimerTracker{
		names:  names,
		latest: make(map[string]timerSnapshot),
		dead:   make(map[string]bool),
	}
}

// ToolSpec describes peer_timer_status for the collaborator.
func (t *PeerTimerTracker) ToolSpec() llm.ToolSpec {
	return llm.ToolSpec{
		Name: PeerTimerStatusTool,
		Description: "Inspect the current countdown state of other agents. " +
			"Returns remaining ms_left and last update timestamps. Peers show as 'active' while ticking " +
			"and 'silent' once their timer stops.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent_ids": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Optional list of agent_ids or display names to inspect. Defaults to all peers.",
				},
				"include_self": map[string]any{
					"type":        "boolean",
					"description": "Set true to include your own timer in the response.",
					"default":     false,
				},
			},
		},
	}
}

// Record captures the newest tick for its agent. Events for unknown agents
// are ignored.
func (t *PeerTimerTracker) Record(event timer.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.names[event.AgentID]; !ok {
		return
	}
	msLeft := event.MsLeft
	if msLeft < 0 {
		msLeft = 0
	}
	t.latest[event.AgentID] = timerSnapshot{
		msLeft:     msLeft,
		isTerminal: event.IsTerminal,
		ts:         event.TS.UTC().Format(time.RFC3339Nano),
	}
}

// MarkDead marks a peer as definitively silent.
func (t *PeerTimerTracker) MarkDead(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.names[agentID]; ok {
		t.dead[agentID] = true
	}
}

// HandlerFor binds the tool to one viewer.
func (t *PeerTimerTracker) HandlerFor(viewerID string) llm.ToolHandler {
	return func(_ context.Context, call llm.ToolCall) (map[string]any, error) {
		return t.handleCall(viewerID, call), nil
	}
}

func (t *PeerTimerTracker) handleCall(viewerID string, call llm.ToolCall) map[string]any {
	args := call.Arguments
	rawTargets, explicit := args["agent_ids"].([]any)
	includeSelf, _ := args["include_self"].(bool)

	resolved, unknown := t.resolveTargets(rawTargets)

	t.mu.Lock()
	peerIDs := make([]string, 0, len(t.names))
	allIDs := make([]string, 0, len(t.names))
	for agentID := range t.names {
		allIDs = append(allIDs, agentID)
		if agentID != viewerID {
			peerIDs = append(peerIDs, agentID)
		}
	}
	latest := make(map[string]timerSnapshot, len(t.latest))
	for k, v := range t.latest {
		latest[k] = v
	}
	t.mu.Unlock()
	sort.Strings(allIDs)
	sort.Strings(peerIDs)

	queried := any("all_peers")
	if explicit {
		queried = rawTargets
	}

	nonSelf := 0
	for _, agentID := range resolved {
		if agentID != viewerID {
			nonSelf++
		}
	}
	if explicit && len(peerIDs) > 0 && len(resolved) > 0 && nonSelf == 0 {
		return map[string]any{
			"viewer_id":       viewerID,
			"queried":         queried,
			"timers":          []map[string]any{},
			"error":           "peer_timer_status requires selecting at least one other agent_id.",
			"available_peers": peerIDs,
			"source_tag":      toolSourceTag,
		}
	}

	targetIDs := resolved
	if len(targetIDs) == 0 {
		targetIDs = allIDs
	}
	rows := make([]map[string]any, 0, len(targetIDs)+len(unknown))
	for _, agentID := range targetIDs {
		if agentID == viewerID && !includeSelf {
			continue
		}
		rows = append(rows, t.snapshotRow(agentID, latest))
	}
	for _, label := range unknown {
		rows = append(rows, map[string]any{
			"agent_id":     label,
			"display_name": label,
			"status":       "unknown",
			"ms_left":      nil,
			"seconds_left": nil,
			"last_updated": nil,
			"source_tag":   toolSourceTag,
		})
	}
	if len(rows) == 0 {
		rows = append(rows, t.snapshotRow(viewerID, latest))
	}

	return map[string]any{
		"viewer_id":  viewerID,
		"queried":    queried,
		"timers":     rows,
		"source_tag": toolSourceTag,
	}
}

// resolveTargets maps requested labels to agent ids, accepting either exact
// ids or case-insensitive display names. Unknown labels are kept separately.
func (t *PeerTimerTracker) resolveTargets(rawTargets []any) (resolved, unknown []string) {
	if rawTargets == nil {
		return nil, nil
	}
	t.mu.Lock()
	lower := make(map[string]string, len(t.names))
	for agentID, display := range t.names {
		lower[strings.ToLower(display)] = agentID
	}
	ids := make(map[string]bool, len(t.names))
	for agentID := range t.names {
		ids[agentID] = true
	}
	t.mu.Unlock()

	seen := make(map[string]bool)
	for _, raw := range rawTargets {
		label, ok := raw.(string)
		if !ok {
			continue
		}
		label = strings.TrimSpace(label)
		if label == "" {
			continue
		}
		candidate := ""
		if ids[label] {
			candidate = label
		} else if mapped, ok := lower[strings.ToLower(label)]; ok {
			candidate = mapped
		}
		if candidate == "" {
			unknown = append(unknown, label)
			continue
		}
		if !seen[candidate] {
			seen[candidate] = true
			resolved = append(resolved, candidate)
		}
	}
	return resolved, unknown
}

func (t *PeerTimerTracker) snapshotRow(agentID string, latest map[string]timerSnapshot) map[string]any {
	t.mu.Lock()
	displayName, known := t.names[agentID]
	isDead := t.dead[agentID]
	t.mu.Unlock()
	if !known {
		displayName = agentID
	}

	entry, ok := latest[agentID]
	if !ok {
		status := "unknown"
		if known {
			status = "pending"
		}
		return map[string]any{
			"agent_id":     agentID,
			"display_name": displayName,
			"status":       status,
			"ms_left":      nil,
			"seconds_left": nil,
			"last_updated": nil,
			"source_tag":   toolSourceTag,
		}
	}

	status := "active"
	if isDead || entry.isTerminal {
		status = "silent"
	}
	return map[string]any{
		"agent_id":     agentID,
		"display_name": displayName,
		"status":       status,
		"ms_left":      entry.msLeft,
		"seconds_left": float64(entry.msLeft) / 1000.0,
		"last_updated": entry.ts,
		"source_tag":   toolSourceTag,
	}
}
