package agent

import "github.com/mortality-lab/mortality/pkg/llm"

// LifecycleStatus is an agent's liveness. The only externally observable
// transitions are alive to expired (death) and expired to alive (respawn).
type LifecycleStatus string

const (
	StatusAlive      LifecycleStatus = "alive"
	StatusExpired    LifecycleStatus = "expired"
	StatusRespawning LifecycleStatus = "respawning"
)

// IsValid reports whether the status is one of the known values.
func (s LifecycleStatus) IsValid() bool {
	switch s {
	case StatusAlive, StatusExpired, StatusRespawning:
		return true
	}
	return false
}

// State is the mutable holder behind one agent. The Agent guards access; no
// one else should mutate it directly.
type State struct {
	Profile    Profile
	Memory     *Memory
	Session    *llm.Session
	Status     LifecycleStatus
	LastTickMs *int64
	Metadata   map[string]any
}

// NewState builds an alive state around the given pieces.
func NewState(profile Profile, memory *Memory, session *llm.Session) *State {
	if memory == nil {
		memory = NewMemory()
	}
	return &State{
		Profile:  profile,
		Memory:   memory,
		Session:  session,
		Status:   StatusAlive,
		Metadata: make(map[string]any),
	}
}
