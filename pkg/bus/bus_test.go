package bus

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mortality-lab/mortality/pkg/agent"
)

func busProfile(agentID, display string) agent.Profile {
	return agent.Profile{AgentID: agentID, DisplayName: display, Archetype: "ambient sensor"}
}

func TestRegisterAgentIsIdempotent(t *testing.T) {
	b := New()
	b.RegisterAgent(busProfile("a-1", "brisk-anchor-00"))

	b.StartTurn("a-1", 1)
	b.PublishBroadcast("a-1", "Broadcast: hello")
	b.EndTurn("a-1")

	b.RegisterAgent(busProfile("a-1", "brisk-anchor-00"))
	assert.Equal(t, 1, b.BroadcastCount("a-1"), "re-register must not reset the bucket")
}

func TestTurnGatedPublication(t *testing.T) {
	b := New()
	b.RegisterAgent(busProfile("A", "alpha"))
	b.RegisterAgent(busProfile("B", "beta"))

	b.StartTurn("A", 1)
	b.PublishBroadcast("A", "Broadcast: hello")
	b.PublishBroadcast("B", "Broadcast: denied")
	assert.Equal(t, 1, b.BroadcastCount("A"))
	assert.Equal(t, 0, b.BroadcastCount("B"), "out-of-turn publish silently dropped")

	b.EndTurn("A")
	b.PublishBroadcast("B", "Broadcast: now")
	assert.Equal(t, 1, b.BroadcastCount("B"), "no active turn means anyone may publish")
}

func TestEndTurnIgnoresNonHolder(t *testing.T) {
	b := New()
	b.RegisterAgent(busProfile("A", "alpha"))
	b.StartTurn("A", 1)

	b.EndTurn("B")
	holder, turnIndex, active := b.ActiveTurn()
	require.True(t, active)
	assert.Equal(t, "A", holder)
	assert.Equal(t, 1, turnIndex)
}

func TestSubscribersNotifiedOncePerPublish(t *testing.T) {
	b := New()
	b.RegisterAgent(busProfile("A", "alpha"))

	var notified []string
	listener := func(agentID string) { notified = append(notified, agentID) }
	b.SubscribeBroadcasts(listener)
	b.SubscribeBroadcasts(listener)

	b.PublishBroadcast("A", "Broadcast: one")
	assert.Equal(t, []string{"A"}, notified, "duplicate subscription must be deduped")
}

func TestPanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New()
	b.RegisterAgent(busProfile("A", "alpha"))

	var reached bool
	b.SubscribeBroadcasts(func(string) { panic("broken listener") })
	b.SubscribeBroadcasts(func(string) { reached = true })

	b.PublishBroadcast("A", "Broadcast: one")
	assert.True(t, reached)
	assert.Equal(t, 1, b.BroadcastCount("A"))
}

func TestFetchBroadcastsDigest(t *testing.T) {
	b := New()
	b.RegisterAgent(busProfile("A", "alpha"))
	b.RegisterAgent(busProfile("B", "beta"))
	b.PublishBroadcast("A", "Broadcast: first")
	b.PublishBroadcast("A", "Broadcast: second")
	b.PublishBroadcast("A", "Broadcast: third")

	resources := b.FetchBroadcasts("B", []string{"A"}, Scope{Limit: 2}, "test fetch")
	require.Len(t, resources, 1)

	r := resources[0]
	assert.Equal(t, "A", r.OwnerID)
	assert.Equal(t, "alpha", r.OwnerDisplayName)
	assert.True(t, strings.HasPrefix(r.Text, "Broadcasts from alpha (A) on the shared bus.\nScope: limit=2 | cite as 'via bus'"))
	assert.Contains(t, r.Text, "(via bus) at ")
	assert.NotContains(t, r.Text, "Broadcast: first", "only the most recent limit snippets")
	require.Len(t, r.Entries, 2)
	assert.Equal(t, "Broadcast: second", r.Entries[0]["text"], "chronological order")
	assert.Equal(t, "Broadcast: third", r.Entries[1]["text"])

	msg := r.ToMessage()
	assert.Equal(t, r.Text, msg.Content)
}

func TestFetchBroadcastsExcludesRequestorAndEmptyOwners(t *testing.T) {
	b := New()
	b.RegisterAgent(busProfile("A", "alpha"))
	b.RegisterAgent(busProfile("B", "beta"))
	b.RegisterAgent(busProfile("C", "gamma"))
	b.PublishBroadcast("A", "Broadcast: alive")

	resources := b.FetchBroadcasts("B", nil, Scope{Limit: 3}, "")
	require.Len(t, resources, 1, "C has no snippets, B is the requestor")
	assert.Equal(t, "A", resources[0].OwnerID)

	resources = b.FetchBroadcasts("B", []string{"B", "A"}, Scope{Limit: 3}, "")
	require.Len(t, resources, 1)
	assert.Equal(t, "A", resources[0].OwnerID)
}

func TestFetchBroadcastsZeroLimit(t *testing.T) {
	b := New()
	b.RegisterAgent(busProfile("A", "alpha"))
	b.PublishBroadcast("A", "Broadcast: alive")

	assert.Empty(t, b.FetchBroadcasts("B", nil, Scope{Limit: 0}, ""))
	assert.Empty(t, b.FetchBroadcasts("B", nil, Scope{Limit: -1}, ""))
}

func TestDigestVisibleToLaterTurn(t *testing.T) {
	b := New()
	b.RegisterAgent(busProfile("A", "alpha"))
	b.RegisterAgent(busProfile("B", "beta"))

	b.StartTurn("A", 1)
	b.PublishBroadcast("A", "Broadcast: from turn one")
	b.EndTurn("A")

	b.StartTurn("B", 2)
	resources := b.FetchBroadcasts("B", []string{"A"}, Scope{Limit: 1}, "")
	b.EndTurn("B")

	require.Len(t, resources, 1)
	assert.Contains(t, resources[0].Text, "Broadcast: from turn one")
}
