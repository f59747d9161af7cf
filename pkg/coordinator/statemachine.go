package coordinator

import (
	"fmt"
	"sync"

	"github.com/tabwire/bridge/pkg/types"
)

// ConnectionState describes the coordinator's view of the channel to the
// background hub
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateDegraded     ConnectionState = "degraded"
	StateFailed       ConnectionState = "failed"
)

// transitions is the full table of valid state changes. Failed is sticky:
// only an explicit reconnect leaves it.
var transitions = map[ConnectionState][]ConnectionState{
	StateDisconnected: {StateConnecting, StateReconnecting, StateFailed},
	StateConnecting:   {StateConnected, StateDegraded, StateDisconnected, StateFailed},
	StateConnected:    {StateDegraded, StateDisconnected, StateReconnecting, StateFailed},
	StateReconnecting: {StateConnected, StateDegraded, StateDisconnected, StateFailed},
	StateDegraded:     {StateConnected, StateDisconnected, StateReconnecting, StateFailed},
	StateFailed:       {StateConnecting, StateReconnecting},
}

// StateMachine validates connection state transitions
type StateMachine struct {
	mu      sync.RWMutex
	current ConnectionState
}

// NewStateMachine creates a state machine in the disconnected state
func NewStateMachine() *StateMachine {
	return &StateMachine{current: StateDisconnected}
}

// Current returns the current state
func (sm *StateMachine) Current() ConnectionState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// CanTransition checks whether a transition to target is valid
func (sm *StateMachine) CanTransition(target ConnectionState) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return canTransition(sm.current, target)
}

func canTransition(from, to ConnectionState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition attempts to move to the target state. Transitioning to the
// current state is a no-op.
func (sm *StateMachine) Transition(target ConnectionState) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.current == target {
		return nil
	}
	if !canTransition(sm.current, target) {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid state transition: %s -> %s", sm.current, target))
	}
	sm.current = target
	return nil
}

// IsTerminal returns true when only a manual reconnect can make progress
func (sm *StateMachine) IsTerminal() bool {
	return sm.Current() == StateFailed
}

// String returns the string representation of the current state
func (sm *StateMachine) String() string {
	return string(sm.Current())
}
