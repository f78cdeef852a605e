// Package bus implements the shared broadcast bus: the publish point for
// outward-facing snippets, turn-gated so only the current turn holder may
// write, with subscriber notification and bounded retrieval.
package bus

import (
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mortality-lab/mortality/pkg/agent"
	"github.com/mortality-lab/mortality/pkg/llm"
)

// Snippet is one broadcast, owned by its publisher.
type Snippet struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Scope bounds a fetch: at most Limit snippets per owner.
type Scope struct {
	Limit int
}

// Describe renders the scope for digests.
func (s Scope) Describe() string {
	return fmt.Sprintf("limit=%d", s.Limit)
}

// Resource wraps one owner's recent broadcasts as a human-readable digest.
type Resource struct {
	OwnerID          string
	OwnerDisplayName string
	URI              string
	Text             string
	MimeType         string
	Entries          []map[string]any
	Annotations      map[string]any
}

// ToMessage renders the digest as an inbound system message.
func (r Resource) ToMessage() llm.Message {
	return llm.NewMessage(llm.RoleSystem, r.Text)
}

// Listener is notified with the publisher's id after every accepted
// broadcast.
type Listener func(agentID string)

// SharedBus exposes only explicit broadcast snippets. Diaries never flow
// through it.
type SharedBus struct {
	mu              sync.Mutex
	broadcasts      map[string][]Snippet
	profiles        map[string]agent.Profile
	listeners       []Listener
	activeTurnAgent string
	activeTurnIndex int
}

// New builds an empty bus.
func New() *SharedBus {
	return &SharedBus{
		broadcasts: make(map[string][]Snippet),
		profiles:   make(map[string]agent.Profile),
	}
}

// RegisterAgent records the profile and initializes an empty bucket.
// Idempotent.
func (b *SharedBus) RegisterAgent(profile agent.Profile) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.profiles[profile.AgentID] = profile
	if _, ok := b.broadcasts[profile.AgentID]; !ok {
		b.broadcasts[profile.AgentID] = []Snippet{}
	}
}

// SubscribeBroadcasts registers a listener, deduped by function identity.
func (b *SharedBus) SubscribeBroadcasts(callback Listener) {
	if callback == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ptr := reflect.ValueOf(callback).Pointer()
	for _, existing := range b.listeners {
		if reflect.ValueOf(existing).Pointer() == ptr {
			return
		}
	}
	b.listeners = append(b.listeners, callback)
}

// StartTurn grants publish rights to agentID.
func (b *SharedBus) StartTurn(agentID string, turnIndex int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.activeTurnAgent = agentID
	b.activeTurnIndex = turnIndex
}

// EndTurn releases publish rights if agentID still holds them.
func (b *SharedBus) EndTurn(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.activeTurnAgent == agentID {
		b.activeTurnAgent = ""
		b.activeTurnIndex = 0
	}
}

// ActiveTurn reports the current turn holder, or false when no turn is
// active.
func (b *SharedBus) ActiveTurn() (string, int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.activeTurnAgent == "" {
		return "", 0, false
	}
	return b.activeTurnAgent, b.activeTurnIndex, true
}

// PublishBroadcast appends a snippet iff agentID holds the current turn or no
// turn is active; out-of-turn publishes are silently dropped. Every listener
// is then notified once, in registration order, with panics swallowed.
func (b *SharedBus) PublishBroadcast(agentID, text string) {
	b.mu.Lock()
	if b.activeTurnAgent != "" && agentID != b.activeTurnAgent {
		b.mu.Unlock()
		return
	}
	b.broadcasts[agentID] = append(b.broadcasts[agentID], Snippet{
		Text:      text,
		CreatedAt: time.Now().UTC(),
	})
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.Unlock()

	for _, listener := range listeners {
		notifyGuarded(listener, agentID)
	}
}

func notifyGuarded(listener Listener, agentID string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Broadcast listener panicked", "agent_id", agentID, "panic", r)
		}
	}()
	listener(agentID)
}

// BroadcastCount reports how many snippets an owner has published.
func (b *SharedBus) BroadcastCount(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.broadcasts[agentID])
}

// FetchBroadcasts returns the most recent scope.Limit snippets per owner, in
// chronological order, as digest resources. The requestor is always excluded
// and owners without snippets produce no resource. Owners nil means all
// registered agents except the requestor. The reason is currently unused but
// kept for caller compatibility.
func (b *SharedBus) FetchBroadcasts(requestorID string, owners []string, scope Scope, reason string) []Resource {
	_ = reason
	if scope.Limit <= 0 {
		return []Resource{}
	}

	b.mu.Lock()
	if owners == nil {
		owners = make([]string, 0, len(b.profiles))
		for agentID := range b.profiles {
			if agentID != requestorID {
				owners = append(owners, agentID)
			}
		}
		sort.Strings(owners)
	}

	type ownerSlice struct {
		id       string
		name     string
		snippets []Snippet
	}
	selected := make([]ownerSlice, 0, len(owners))
	for _, ownerID := range owners {
		if ownerID == requestorID {
			continue
		}
		bucket := b.broadcasts[ownerID]
		if len(bucket) == 0 {
			continue
		}
		start := len(bucket) - scope.Limit
		if start < 0 {
			start = 0
		}
		snippets := make([]Snippet, len(bucket)-start)
		copy(snippets, bucket[start:])
		name := ownerID
		if profile, ok := b.profiles[ownerID]; ok {
			name = profile.DisplayName
		}
		selected = append(selected, ownerSlice{id: ownerID, name: name, snippets: snippets})
	}
	b.mu.Unlock()

	resources := make([]Resource, 0, len(selected))
	for _, owner := range selected {
		resources = append(resources, buildResource(owner.id, owner.name, owner.snippets, scope))
	}
	return resources
}

func buildResource(ownerID, ownerName string, snippets []Snippet, scope Scope) Resource {
	lines := []string{
		fmt.Sprintf("Broadcasts from %s (%s) on the shared bus.", ownerName, ownerID),
		fmt.Sprintf("Scope: %s | cite as 'via bus'", scope.Describe()),
	}
	entries := make([]map[string]any, 0, len(snippets))
	for _, snippet := range snippets {
		ts := snippet.CreatedAt.UTC().Format(time.RFC3339Nano)
		lines = append(lines, fmt.Sprintf("- (via bus) at %s: %s", ts, snippet.Text))
		entries = append(entries, map[string]any{
			"text":       snippet.Text,
			"created_at": ts,
		})
	}
	return Resource{
		OwnerID:          ownerID,
		OwnerDisplayName: ownerName,
		URI:              "bus+broadcast://" + ownerID + "/public",
		Text:             strings.Join(lines, "\n"),
		MimeType:         "text/plain",
		Entries:          entries,
		Annotations: map[string]any{
			"scope":      map[string]any{"limit": scope.Limit},
			"visibility": "public",
		},
	}
}
