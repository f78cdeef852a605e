// Package timer implements the per-agent countdown. Each timer runs its own
// goroutine, emits tick events at randomized intervals, and supports a
// mid-interval wake so a peer broadcast can pull the next tick forward.
package timer

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// minInterval floors the inter-tick sleep. Jitter below this granularity is
// not guaranteed anyway.
const minInterval = 50 * time.Millisecond

var (
	// ErrAlreadyRunning is returned by Start when the timer loop was already
	// launched.
	ErrAlreadyRunning = errors.New("timer already running")
)

// Event is one tick emitted by a Timer.
type Event struct {
	AgentID    string    `json:"agent_id"`
	MsLeft     int64     `json:"ms_left"`
	TickIndex  int       `json:"tick_index"`
	IsTerminal bool      `json:"is_terminal"`
	TS         time.Time `json:"ts"`
}

// Callback receives each tick in order. The loop never emits the next tick
// before the callback for the previous one returned.
type Callback func(event Event)

// Timer counts down one agent's lifespan. The effective sleep between ticks
// is uniform(tickSeconds, tickSecondsMax) perturbed by +-jitter and floored
// at 50ms, unless preempted by RequestMicroTurn or Cancel.
type Timer struct {
	agentID  string
	duration time.Duration
	tickMin  time.Duration
	tickMax  time.Duration
	jitter   time.Duration

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu      sync.Mutex
	started bool
}

// New validates the tick window and builds an idle timer. The loop does not
// run until Start is called.
func New(agentID string, duration, tickSeconds, tickSecondsMax, jitter time.Duration) (*Timer, error) {
	if tickSecondsMax < tickSeconds {
		return nil, fmt.Errorf("timer for %s: tick_seconds_max %s below tick_seconds %s", agentID, tickSecondsMax, tickSeconds)
	}
	if jitter < 0 {
		return nil, fmt.Errorf("timer for %s: negative tick_jitter %s", agentID, jitter)
	}
	if duration < 0 {
		duration = 0
	}
	return &Timer{
		agentID:  agentID,
		duration: duration,
		tickMin:  tickSeconds,
		tickMax:  tickSecondsMax,
		jitter:   jitter,
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// AgentID returns the owning agent's id.
func (t *Timer) AgentID() string {
	return t.agentID
}

// Start launches the countdown loop. A second call fails with
// ErrAlreadyRunning.
func (t *Timer) Start(callback Callback) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return ErrAlreadyRunning
	}
	t.started = true

	go t.run(callback)
	return nil
}

// RequestMicroTurn makes the next inter-tick sleep return immediately. It is
// edge-triggered: repeated calls during one sleep coalesce into a single
// wake. Calling after termination is a no-op.
func (t *Timer) RequestMicroTurn() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Cancel asks the loop to exit after the current callback finishes. Safe to
// call more than once.
func (t *Timer) Cancel() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
}

// Wait blocks until the loop has exited, cleanly or via cancellation. A timer
// that was never started returns immediately only after Cancel.
func (t *Timer) Wait() {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		<-t.stopCh
		return
	}
	<-t.done
}

func (t *Timer) run(callback Callback) {
	defer close(t.done)

	start := time.Now()
	tickIndex := 0
	for {
		remaining := t.duration - time.Since(start)
		if remaining < 0 {
			remaining = 0
		}
		event := Event{
			AgentID:    t.agentID,
			MsLeft:     remaining.Milliseconds(),
			TickIndex:  tickIndex,
			IsTerminal: remaining == 0,
			TS:         time.Now().UTC(),
		}
		callback(event)
		tickIndex++

		if event.IsTerminal {
			slog.Debug("Timer reached terminal tick", "agent_id", t.agentID, "tick_index", event.TickIndex)
			return
		}

		select {
		case <-t.stopCh:
			return
		default:
		}

		sleep := time.NewTimer(t.nextInterval())
		select {
		case <-sleep.C:
		case <-t.wake:
			sleep.Stop()
		case <-t.stopCh:
			sleep.Stop()
			return
		}
		// Clear any wake that raced with the scheduled expiry so it cannot
		// shorten the following interval too.
		select {
		case <-t.wake:
		default:
		}
	}
}

func (t *Timer) nextInterval() time.Duration {
	interval := t.tickMin
	if span := t.tickMax - t.tickMin; span > 0 {
		interval += time.Duration(rand.Int63n(int64(span) + 1))
	}
	if t.jitter > 0 {
		interval += time.Duration(rand.Int63n(2*int64(t.jitter)+1)) - t.jitter
	}
	if interval < minInterval {
		interval = minInterval
	}
	return interval
}
