package models

import (
	"fmt"
	"time"
)

// EngineState represents the current state of the rolling engine.
type EngineState string

const (
	// StateNoPosition means no short call is open and none is being worked.
	StateNoPosition EngineState = "no_position"
	// StateOpening means an opening order is being worked.
	StateOpening EngineState = "opening"
	// StateHolding means the short call is open and being monitored.
	StateHolding EngineState = "holding"
	// StateRollingDown means a profit-side roll is executing.
	StateRollingDown EngineState = "rolling_down"
	// StateRollingUp means a loss-side roll is executing.
	StateRollingUp EngineState = "rolling_up"
	// StateWaitingForMarket means the session is closed and cycles are idle.
	StateWaitingForMarket EngineState = "waiting_for_market"
)

// Transition conditions.
const (
	ConditionOpenFilled     = "open_filled"
	ConditionOpenUnfilled   = "open_unfilled"
	ConditionOpenSubmitted  = "open_submitted"
	ConditionRollTriggered  = "roll_triggered"
	ConditionRollComplete   = "roll_complete"
	ConditionRollAborted    = "roll_aborted"
	ConditionPositionLost   = "position_lost"
	ConditionRestored       = "restored"
	ConditionSessionClosed  = "session_closed"
	ConditionSessionOpen    = "session_open"
	ConditionFlattened      = "flattened"
)

// StateTransition defines a valid engine state transition.
type StateTransition struct {
	From      EngineState
	To        EngineState
	Condition string
}

// ValidTransitions enumerates every transition the engine may take. Each
// abort path is a named outcome, not an implicit loop restart.
var ValidTransitions = []StateTransition{
	{StateNoPosition, StateOpening, ConditionOpenSubmitted},
	{StateOpening, StateHolding, ConditionOpenFilled},
	{StateOpening, StateNoPosition, ConditionOpenUnfilled},

	{StateHolding, StateRollingDown, ConditionRollTriggered},
	{StateHolding, StateRollingUp, ConditionRollTriggered},
	{StateRollingDown, StateHolding, ConditionRollComplete},
	{StateRollingUp, StateHolding, ConditionRollComplete},
	{StateRollingDown, StateHolding, ConditionRollAborted},
	{StateRollingUp, StateHolding, ConditionRollAborted},

	// Emergency restore: short disappeared out from under us.
	{StateHolding, StateOpening, ConditionPositionLost},
	{StateOpening, StateHolding, ConditionRestored},

	// Friday flatten: the short call is bought back ahead of the close.
	{StateHolding, StateNoPosition, ConditionFlattened},

	// Session boundaries.
	{StateHolding, StateWaitingForMarket, ConditionSessionClosed},
	{StateNoPosition, StateWaitingForMarket, ConditionSessionClosed},
	{StateWaitingForMarket, StateHolding, ConditionSessionOpen},
	{StateWaitingForMarket, StateNoPosition, ConditionSessionOpen},
	{StateWaitingForMarket, StateNoPosition, ConditionFlattened},
}

// StateMachine tracks the engine state and enforces declared transitions.
type StateMachine struct {
	currentState   EngineState
	previousState  EngineState
	transitionTime time.Time
	transitionCount map[EngineState]int
}

// NewStateMachine creates a state machine starting in NoPosition.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		currentState:    StateNoPosition,
		previousState:   StateNoPosition,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[EngineState]int),
	}
}

// Current returns the current state.
func (sm *StateMachine) Current() EngineState { return sm.currentState }

// Previous returns the state before the last transition.
func (sm *StateMachine) Previous() EngineState { return sm.previousState }

// CanTransition reports whether a transition is declared.
func (sm *StateMachine) CanTransition(to EngineState, condition string) bool {
	for _, t := range ValidTransitions {
		if t.From == sm.currentState && t.To == to && t.Condition == condition {
			return true
		}
	}
	return false
}

// Transition moves to a new state, rejecting undeclared transitions.
func (sm *StateMachine) Transition(to EngineState, condition string) error {
	if !sm.CanTransition(to, condition) {
		return fmt.Errorf("invalid transition %s -> %s (condition %q)",
			sm.currentState, to, condition)
	}
	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++
	return nil
}

// TransitionCount returns how many times the engine has entered a state.
func (sm *StateMachine) TransitionCount(state EngineState) int {
	return sm.transitionCount[state]
}

// IsRolling reports whether either roll leg is in progress.
func (sm *StateMachine) IsRolling() bool {
	return sm.currentState == StateRollingDown || sm.currentState == StateRollingUp
}

// Description returns a human-readable description of the current state.
func (sm *StateMachine) Description() string {
	switch sm.currentState {
	case StateNoPosition:
		return "No short call open, looking to establish one"
	case StateOpening:
		return "Working a sell-to-open order"
	case StateHolding:
		return "Short call open, monitoring roll conditions"
	case StateRollingDown:
		return "Rolling down: closing short and reopening below ATM"
	case StateRollingUp:
		return "Rolling up: closing short and reopening above ATM"
	case StateWaitingForMarket:
		return "Market closed, waiting for next session"
	default:
		return "Unknown state"
	}
}
