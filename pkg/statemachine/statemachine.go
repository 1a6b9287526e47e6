// Package statemachine provides a generic, persistable finite-state-machine
// core shared by the home, task, and migration lifecycles. Each lifecycle
// supplies its own State constants and TransitionTable; this package owns
// validation, transition history, retry bookkeeping, and durable persistence.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mconcat/flock/pkg/logx"
)

// DefaultMaxRetries is the default maximum number of retries for operations.
const DefaultMaxRetries = 3

// Wildcard, when present as a table key, permits a transition to any of its
// listed target states regardless of the current state. Lifecycles use it to
// express "any non-terminal state may transition to ERROR" style rules
// without enumerating every source state.
const Wildcard State = "*"

// State identifies a single node in a lifecycle's transition table.
type State string

// String satisfies fmt.Stringer so states log and format cleanly.
func (s State) String() string { return string(s) }

// StateTransition records one historical move between states.
type StateTransition struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Metadata  map[string]any
}

// StateChangeNotification is broadcast (best-effort, non-blocking) whenever a
// machine completes a transition, so a scheduler can wake interested agents.
type StateChangeNotification struct {
	AgentID   string
	FromState State
	ToState   State
	Timestamp time.Time
	Metadata  map[string]any
}

// StateData is generic per-machine key/value storage carried across
// transitions and persisted alongside the current state.
type StateData map[string]any

// TransitionTable enumerates, for each source state, the states it may
// legally move to. A table is owned by the lifecycle package that builds it
// (home, task, migration), never shared globally across domains.
type TransitionTable map[State][]State

// StateStore persists and restores a machine's durable snapshot by ID.
type StateStore interface {
	// Save persists a value with the given ID.
	Save(id string, value any) error
	// Load retrieves a value by ID into the provided destination. Load must
	// return ErrNotFound (or a wrapped form of it) when no snapshot exists.
	Load(id string, dest any) error
}

// Machine defines the interface a lifecycle-specific state machine exposes.
type Machine interface {
	// GetCurrentState returns the current state.
	GetCurrentState() State

	// ProcessState handles the logic for the current state. Returns the next
	// state and whether processing is complete.
	ProcessState(ctx context.Context) (next State, done bool, err error)

	// TransitionTo moves to a new state, validating against the table.
	TransitionTo(ctx context.Context, newState State, metadata map[string]any) error

	// Initialize restores persisted state, if any.
	Initialize(ctx context.Context) error

	// Persist saves the current state to durable storage.
	Persist() error

	// CompactIfNeeded compacts transition history if it has grown too large.
	CompactIfNeeded() error
}

// BaseStateMachine provides generic state machine functionality. The home,
// task, and migration managers do not embed it; they use only their own
// transition tables and ValidTransition.
type BaseStateMachine struct {
	agentID      string
	currentState State
	stateData    StateData
	transitions  []StateTransition
	store        StateStore
	table        TransitionTable
	mu           sync.Mutex
	retryCount   int
	maxRetries   int
	logger       *logx.Logger

	stateNotifCh chan<- *StateChangeNotification
}

// NewBaseStateMachine creates a state machine bound to the given transition
// table. table must be supplied by the caller; there is no domain-wide
// fallback since home, task, and migration lifecycles each define their own.
func NewBaseStateMachine(agentID string, initialState State, store StateStore, table TransitionTable) *BaseStateMachine {
	return &BaseStateMachine{
		agentID:      agentID,
		currentState: initialState,
		stateData:    make(StateData),
		transitions:  make([]StateTransition, 0),
		store:        store,
		table:        table,
		maxRetries:   DefaultMaxRetries,
		logger:       logx.NewLogger(agentID),
	}
}

// GetCurrentState returns the current state.
func (sm *BaseStateMachine) GetCurrentState() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.currentState
}

// GetStateData returns a copy of the current state data.
func (sm *BaseStateMachine) GetStateData() StateData {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	result := make(StateData, len(sm.stateData))
	for k, v := range sm.stateData {
		result[k] = v
	}
	return result
}

// SetStateData sets a value in the state data.
func (sm *BaseStateMachine) SetStateData(key string, value any) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.stateData[key] = value
}

// GetStateValue gets a value from the state data.
func (sm *BaseStateMachine) GetStateValue(key string) (any, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	value, exists := sm.stateData[key]
	return value, exists
}

// SetTyped stores a typed value in the state data with compile-time type safety.
func SetTyped[T any](sm *BaseStateMachine, key string, value T) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.stateData[key] = value
}

// GetTyped retrieves a typed value from the state data with compile-time type
// safety. Returns the value and a boolean indicating if the key was found and
// matched the requested type.
func GetTyped[T any](sm *BaseStateMachine, key string) (T, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var zero T
	value, exists := sm.stateData[key]
	if !exists {
		return zero, false
	}

	typedValue, ok := value.(T)
	if !ok {
		return zero, false
	}
	return typedValue, true
}

// ValidTransition reports whether from->to is permitted by table, either
// directly or via a Wildcard source entry. Lifecycle packages that validate
// transitions against a record loaded straight from storage (rather than
// through a live BaseStateMachine instance) can call this directly.
func ValidTransition(table TransitionTable, from, to State) bool {
	if allowed, ok := table[from]; ok {
		for _, s := range allowed {
			if s == to {
				return true
			}
		}
	}
	if allowed, ok := table[Wildcard]; ok {
		for _, s := range allowed {
			if s == to {
				return true
			}
		}
	}
	return false
}

// IsValidTransition reports whether from->to is permitted by the machine's
// table, either directly or via a Wildcard source entry.
func (sm *BaseStateMachine) IsValidTransition(from, to State) bool {
	return ValidTransition(sm.table, from, to)
}

// TransitionTo moves to a new state and records the transition.
func (sm *BaseStateMachine) TransitionTo(ctx context.Context, newState State, metadata map[string]any) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("state transition cancelled: %w", ctx.Err())
	default:
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	oldState := sm.currentState

	if !sm.IsValidTransition(oldState, newState) {
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidTransition, oldState, newState)
	}

	transition := StateTransition{
		FromState: oldState,
		ToState:   newState,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
	sm.transitions = append(sm.transitions, transition)
	sm.currentState = newState

	sm.logger.Info("state transition: %s -> %s", oldState, newState)

	if sm.stateNotifCh != nil {
		notification := &StateChangeNotification{
			AgentID:   sm.agentID,
			FromState: oldState,
			ToState:   newState,
			Timestamp: transition.Timestamp,
			Metadata:  metadata,
		}
		select {
		case sm.stateNotifCh <- notification:
		default:
			sm.logger.Warn("state notification channel full, dropping notification for %s: %s->%s",
				sm.agentID, oldState, newState)
		}
	}

	sm.stateData["previous_state"] = oldState.String()
	sm.stateData["current_state"] = newState.String()
	sm.stateData["transition_at"] = transition.Timestamp

	if oldState != newState {
		sm.retryCount = 0
	}

	for k, v := range metadata {
		sm.stateData[k] = v
	}

	if err := sm.persistLocked(); err != nil {
		return fmt.Errorf("failed to persist state transition: %w", err)
	}
	return nil
}

// GetTransitions returns the state transition history.
func (sm *BaseStateMachine) GetTransitions() []StateTransition {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return append([]StateTransition{}, sm.transitions...)
}

// GetAgentID returns the machine's owning entity ID.
func (sm *BaseStateMachine) GetAgentID() string {
	return sm.agentID
}

// Persist saves the current state to durable storage.
func (sm *BaseStateMachine) Persist() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.persistLocked()
}

func (sm *BaseStateMachine) persistLocked() error {
	if sm.store == nil {
		return nil
	}

	snapshot := map[string]any{
		"current_state": sm.currentState.String(),
		"state_data":    sm.stateData,
		"transitions":   sm.transitions,
		"retry_count":   sm.retryCount,
	}

	if err := sm.store.Save(sm.agentID, snapshot); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// CompactIfNeeded trims the transition history to its most recent 100 entries.
func (sm *BaseStateMachine) CompactIfNeeded() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	const maxTransitions = 100
	if len(sm.transitions) > maxTransitions {
		sm.transitions = sm.transitions[len(sm.transitions)-maxTransitions:]
	}
	return nil
}

// IncrementRetry increments the retry counter and checks against max retries.
func (sm *BaseStateMachine) IncrementRetry() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.retryCount++
	if sm.retryCount >= sm.maxRetries {
		return fmt.Errorf("%w: exceeded maximum retries (%d)", ErrMaxRetriesExceeded, sm.maxRetries)
	}
	return nil
}

// SetMaxRetries sets the maximum number of retries.
func (sm *BaseStateMachine) SetMaxRetries(max int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.maxRetries = max
}

// SetStateNotificationChannel sets the channel for state change notifications.
func (sm *BaseStateMachine) SetStateNotificationChannel(ch chan<- *StateChangeNotification) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.stateNotifCh = ch
}

// ProcessState provides a default implementation that derived types should override.
func (sm *BaseStateMachine) ProcessState(_ context.Context) (State, bool, error) {
	return sm.currentState, false, errors.New("ProcessState not implemented")
}

// Initialize restores the machine from its StateStore, if one is configured
// and a prior snapshot exists. A missing snapshot is not an error: it means
// this is the entity's first run.
func (sm *BaseStateMachine) Initialize(_ context.Context) error {
	if sm.store == nil {
		return nil
	}

	var snapshot map[string]any
	if err := sm.store.Load(sm.agentID, &snapshot); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load state: %w", err)
	}
	if snapshot == nil {
		return nil
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if transitionsAny, ok := snapshot["transitions"].([]any); ok {
		transitions := make([]StateTransition, 0, len(transitionsAny))
		for _, t := range transitionsAny {
			tMap, ok := t.(map[string]any)
			if !ok {
				continue
			}
			transition := StateTransition{}
			if fromState, ok := tMap["from_state"].(string); ok {
				transition.FromState = State(fromState)
			}
			if toState, ok := tMap["to_state"].(string); ok {
				transition.ToState = State(toState)
			}
			if ts, ok := tMap["timestamp"].(string); ok {
				if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
					transition.Timestamp = parsed
				}
			}
			if meta, ok := tMap["metadata"].(map[string]any); ok {
				transition.Metadata = meta
			}
			transitions = append(transitions, transition)
		}
		sm.transitions = transitions
	}

	if stateData, ok := snapshot["state_data"].(map[string]any); ok {
		sm.stateData = make(StateData, len(stateData))
		for k, v := range stateData {
			sm.stateData[k] = v
		}
	}

	if retryCount, ok := snapshot["retry_count"].(float64); ok {
		sm.retryCount = int(retryCount)
	}

	if currentState, ok := snapshot["current_state"].(string); ok {
		sm.currentState = State(currentState)
	}

	return nil
}
