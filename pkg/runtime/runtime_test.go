package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mortality-lab/mortality/pkg/agent"
	"github.com/mortality-lab/mortality/pkg/llm"
	"github.com/mortality-lab/mortality/pkg/telemetry"
	"github.com/mortality-lab/mortality/pkg/timer"
)

func mockRegistry() *llm.Registry {
	registry := llm.NewRegistry()
	registry.Register(llm.NewMockClient())
	return registry
}

func runtimeProfile(agentID string) agent.Profile {
	return agent.Profile{AgentID: agentID, DisplayName: agentID, Archetype: "ambient sensor", Summary: "observer"}
}

func mockSession() llm.SessionConfig {
	return llm.DefaultSessionConfig(llm.ProviderMock, "mock")
}

func findEvents(events []telemetry.Event, name string) []telemetry.Event {
	var out []telemetry.Event
	for _, e := range events {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

func TestSpawnAgentUnknownProvider(t *testing.T) {
	r := New(mockRegistry(), nil)
	defer r.Shutdown(context.Background())

	config := llm.DefaultSessionConfig(llm.ProviderOpenAI, "gpt-4o")
	_, err := r.SpawnAgent(context.Background(), runtimeProfile("a-1"), config, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrClientNotRegistered)

	_, ok := r.Agent("a-1")
	assert.False(t, ok, "failed spawn must leave runtime state untouched")
}

func TestSpawnAgentRegistersAndEmits(t *testing.T) {
	recorder := telemetry.NewRecorder()
	r := New(mockRegistry(), recorder)
	defer r.Shutdown(context.Background())

	a, err := r.SpawnAgent(context.Background(), runtimeProfile("a-1"), mockSession(), nil)
	require.NoError(t, err)
	require.NotNil(t, a)

	spawned := findEvents(recorder.Events(), "agent.spawned")
	require.Len(t, spawned, 1)
	assert.Equal(t, "a-1", spawned[0].Payload["agent_id"])
	session, ok := spawned[0].Payload["session"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "mock", session["provider"])

	// Bus registration: a peer can fetch once a-1 broadcasts.
	r.Bus().PublishBroadcast("a-1", "Broadcast: here")
	assert.Equal(t, 1, r.Bus().BroadcastCount("a-1"))
}

func TestCountdownLifecycleEvents(t *testing.T) {
	recorder := telemetry.NewRecorder()
	r := New(mockRegistry(), recorder)
	defer r.Shutdown(context.Background())

	a, err := r.SpawnAgent(context.Background(), runtimeProfile("a-1"), mockSession(), nil)
	require.NoError(t, err)

	var handled int32
	tm, err := r.StartCountdown(a, 0, 50*time.Millisecond, func(context.Context, *agent.Agent, timer.Event) error {
		atomic.AddInt32(&handled, 1)
		return nil
	}, CountdownOptions{})
	require.NoError(t, err)
	tm.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&handled))

	events := recorder.Events()
	started := findEvents(events, "timer.started")
	ticks := findEvents(events, "timer.tick")
	expired := findEvents(events, "timer.expired")
	require.Len(t, started, 1)
	require.Len(t, ticks, 1)
	require.Len(t, expired, 1)
	assert.True(t, ticks[0].Payload["is_terminal"].(bool))
	assert.Less(t, ticks[0].Seq, expired[0].Seq, "tick precedes expiry")

	snapshot := r.PeerTimerSnapshot("")
	assert.Equal(t, int64(0), snapshot["a-1"])
}

func TestTickMonotonicityThroughRuntime(t *testing.T) {
	recorder := telemetry.NewRecorder()
	r := New(mockRegistry(), recorder)
	defer r.Shutdown(context.Background())

	a, err := r.SpawnAgent(context.Background(), runtimeProfile("a-1"), mockSession(), nil)
	require.NoError(t, err)

	tm, err := r.StartCountdown(a, 300*time.Millisecond, 50*time.Millisecond, func(context.Context, *agent.Agent, timer.Event) error {
		return nil
	}, CountdownOptions{})
	require.NoError(t, err)
	tm.Wait()

	ticks := findEvents(recorder.Events(), "timer.tick")
	require.GreaterOrEqual(t, len(ticks), 2)
	lastMs := int64(1 << 62)
	for i, tick := range ticks {
		assert.EqualValues(t, i, tick.Payload["tick_index"])
		ms := tick.Payload["ms_left"].(int64)
		assert.LessOrEqual(t, ms, lastMs)
		lastMs = ms
	}
}

func TestTargetedNudge(t *testing.T) {
	recorder := telemetry.NewRecorder()
	r := New(mockRegistry(), recorder)

	newPeerTimer := func(agentID string) (*timer.Timer, *int32) {
		tm, err := timer.New(agentID, time.Minute, 5*time.Second, 5*time.Second, 0)
		require.NoError(t, err)
		var ticks int32
		require.NoError(t, tm.Start(func(timer.Event) {
			atomic.AddInt32(&ticks, 1)
		}))
		return tm, &ticks
	}
	tmB, ticksB := newPeerTimer("B")
	tmC, ticksC := newPeerTimer("C")
	r.mu.Lock()
	r.timers["B"] = tmB
	r.timers["C"] = tmC
	r.mu.Unlock()
	defer func() {
		tmB.Cancel()
		tmC.Cancel()
		tmB.Wait()
		tmC.Wait()
		r.Shutdown(context.Background())
	}()

	// Let both timers emit their immediate first tick and settle into sleep.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(ticksB) == 1 && atomic.LoadInt32(ticksC) == 1
	}, time.Second, 5*time.Millisecond)

	// A holds the turn while B waits behind it.
	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = r.Coordinator().Submit(context.Background(), "A", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = r.Coordinator().Submit(context.Background(), "B", func(context.Context) error { return nil })
	}()
	require.Eventually(t, func() bool {
		return r.Coordinator().NextWaitingAgent("A") == "B"
	}, time.Second, 5*time.Millisecond)

	r.Bus().PublishBroadcast("A", "Broadcast: anyone there?")

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(ticksB) == 2
	}, 2*time.Second, 10*time.Millisecond, "only B's timer wakes early")
	assert.Equal(t, int32(1), atomic.LoadInt32(ticksC))

	microTurns := findEvents(recorder.Events(), "timer.micro_turn")
	require.Len(t, microTurns, 1)
	assert.Equal(t, "A", microTurns[0].Payload["publisher_id"])
	assert.Equal(t, "B", microTurns[0].Payload["target_id"])
	assert.Equal(t, []string{"B"}, microTurns[0].Payload["listeners_notified"])

	close(release)
	wg.Wait()
}

func TestNudgeFallsBackToAllPeers(t *testing.T) {
	recorder := telemetry.NewRecorder()
	r := New(mockRegistry(), recorder)

	tmB, ticksB := func() (*timer.Timer, *int32) {
		tm, err := timer.New("B", time.Minute, 5*time.Second, 5*time.Second, 0)
		require.NoError(t, err)
		var ticks int32
		require.NoError(t, tm.Start(func(timer.Event) { atomic.AddInt32(&ticks, 1) }))
		return tm, &ticks
	}()
	r.mu.Lock()
	r.timers["B"] = tmB
	r.mu.Unlock()
	defer func() {
		tmB.Cancel()
		tmB.Wait()
		r.Shutdown(context.Background())
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(ticksB) == 1 }, time.Second, 5*time.Millisecond)

	// Nobody waits at the coordinator, so the publish nudges every peer.
	r.Bus().PublishBroadcast("A", "Broadcast: fallback")

	require.Eventually(t, func() bool { return atomic.LoadInt32(ticksB) == 2 }, 2*time.Second, 10*time.Millisecond)

	microTurns := findEvents(recorder.Events(), "timer.micro_turn")
	require.Len(t, microTurns, 1)
	assert.Equal(t, "", microTurns[0].Payload["target_id"])
	assert.Equal(t, []string{"B"}, microTurns[0].Payload["listeners_notified"])
}

func TestPeerDiaryMessagesDedup(t *testing.T) {
	r := New(mockRegistry(), nil)
	defer r.Shutdown(context.Background())

	_, err := r.SpawnAgent(context.Background(), runtimeProfile("A"), mockSession(), nil)
	require.NoError(t, err)
	_, err = r.SpawnAgent(context.Background(), runtimeProfile("B"), mockSession(), nil)
	require.NoError(t, err)

	r.Bus().PublishBroadcast("A", "Broadcast: first signal")

	first := r.PeerDiaryMessages("B", []string{"A"}, 1, "triangulating")
	require.Len(t, first, 1)
	assert.Contains(t, first[0].Content, "Broadcast: first signal")
	assert.Equal(t, llm.RoleSystem, first[0].Role)

	second := r.PeerDiaryMessages("B", []string{"A"}, 1, "triangulating")
	assert.Empty(t, second, "identical entry list suppressed")

	r.Bus().PublishBroadcast("A", "Broadcast: second signal")
	third := r.PeerDiaryMessages("B", []string{"A"}, 1, "triangulating")
	require.Len(t, third, 1)
	assert.Contains(t, third[0].Content, "Broadcast: second signal")

	// The dedup key is per requestor: A fetching B's view is unaffected.
	r.Bus().PublishBroadcast("B", "Broadcast: reply")
	fromA := r.PeerDiaryMessages("A", []string{"B"}, 1, "")
	assert.Len(t, fromA, 1)
}

func TestSnapshotsAndShutdown(t *testing.T) {
	r := New(mockRegistry(), nil)

	a, err := r.SpawnAgent(context.Background(), runtimeProfile("A"), mockSession(), nil)
	require.NoError(t, err)
	a.LogDiaryEntry("note one", 900, nil)

	diaries := r.SnapshotDiaries()
	require.Contains(t, diaries, "A")
	entries := diaries["A"].([]map[string]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "note one", entries[0]["text"])

	routes := r.SnapshotAgentRoutes()
	assert.Equal(t, "mock/mock", routes["A"])

	_, err = r.StartCountdown(a, 10*time.Second, 50*time.Millisecond, func(context.Context, *agent.Agent, timer.Event) error {
		return nil
	}, CountdownOptions{})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, r.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), time.Second)

	_, ok := r.Agent("A")
	assert.False(t, ok, "shutdown clears the agent map")
}
