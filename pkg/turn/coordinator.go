// Package turn serializes agent speaking turns. A single worker drains a FIFO
// job queue so that across all agents at most one tick handler executes at a
// time.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

const defaultQueueSize = 256

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("turn coordinator closed")

// Gate receives turn boundaries around every handler invocation. The shared
// bus implements it to scope publish rights to the turn holder.
type Gate interface {
	StartTurn(agentID string, turnIndex int)
	EndTurn(agentID string)
}

// Handler is one agent's work for one tick. It runs on the coordinator
// worker; its error is surfaced through Submit.
type Handler func(ctx context.Context) error

type job struct {
	agentID string
	ctx     context.Context
	run     Handler
	result  chan error
}

// Coordinator owns the turn queue and the worker goroutine.
type Coordinator struct {
	gate    Gate
	jobs    chan *job
	closing chan struct{}
	done    chan struct{}

	mu        sync.Mutex
	waiting   []string
	turnIndex int
	closed    bool
}

// NewCoordinator builds a coordinator and starts its worker. The gate may be
// nil when turn boundaries are not needed (tests).
func NewCoordinator(gate Gate) *Coordinator {
	c := &Coordinator{
		gate:    gate,
		jobs:    make(chan *job, defaultQueueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.worker()
	return c
}

// Submit enqueues a turn job and blocks until the handler ran, returning the
// handler's error. Fairness is submission order.
func (c *Coordinator) Submit(ctx context.Context, agentID string, handler Handler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.waiting = append(c.waiting, agentID)
	c.mu.Unlock()

	j := &job{agentID: agentID, ctx: ctx, run: handler, result: make(chan error, 1)}
	select {
	case c.jobs <- j:
	case <-c.closing:
		c.removeWaiting(agentID)
		return ErrClosed
	case <-ctx.Done():
		c.removeWaiting(agentID)
		return ctx.Err()
	}

	select {
	case err := <-j.result:
		return err
	case <-c.done:
		// The send can still win against a concurrent Close after the
		// drained worker exited, leaving the job buffered forever. The
		// worker always posts the result before closing done, so an
		// empty result channel here means the job was stranded.
		select {
		case err := <-j.result:
			return err
		default:
			c.removeWaiting(agentID)
			return ErrClosed
		}
	}
}

// NextWaitingAgent returns the agent id at the head of the waiting queue that
// is not exclude, or "" when no such agent waits. The bus consults it to pick
// which timer to nudge after a broadcast.
func (c *Coordinator) NextWaitingAgent(exclude string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, agentID := range c.waiting {
		if agentID != exclude {
			return agentID
		}
	}
	return ""
}

// TurnIndex reports the number of turns started so far.
func (c *Coordinator) TurnIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turnIndex
}

// Close drains outstanding jobs and stops the worker. Submit calls after
// Close fail with ErrClosed. Idempotent.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.closing)
	<-c.done
}

func (c *Coordinator) worker() {
	defer close(c.done)
	for {
		select {
		case j := <-c.jobs:
			c.process(j)
		case <-c.closing:
			for {
				select {
				case j := <-c.jobs:
					c.process(j)
				default:
					return
				}
			}
		}
	}
}

func (c *Coordinator) process(j *job) {
	c.removeWaiting(j.agentID)

	c.mu.Lock()
	c.turnIndex++
	turnIndex := c.turnIndex
	c.mu.Unlock()

	if c.gate != nil {
		c.gate.StartTurn(j.agentID, turnIndex)
	}
	err := c.runHandler(j)
	if c.gate != nil {
		c.gate.EndTurn(j.agentID)
	}

	if err != nil {
		slog.Error("Turn handler failed", "agent_id", j.agentID, "turn_index", turnIndex, "error", err)
	}
	j.result <- err
}

// runHandler converts a handler panic into an error so the worker survives.
func (c *Coordinator) runHandler(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return j.run(j.ctx)
}

func (c *Coordinator) removeWaiting(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, id := range c.waiting {
		if id == agentID {
			c.waiting = append(c.waiting[:i], c.waiting[i+1:]...)
			return
		}
	}
}
