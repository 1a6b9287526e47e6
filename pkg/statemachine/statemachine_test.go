package statemachine

import (
	"context"
	"sync"
	"testing"
)

// memStore is a minimal in-memory StateStore double used by these tests. It
// round-trips through a map[string]any snapshot the same way a durable store
// would after a JSON encode/decode cycle, so Initialize exercises the same
// type-assertion paths it would against a real backend.
type memStore struct {
	mu   sync.Mutex
	data map[string]map[string]any
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]map[string]any)}
}

func (s *memStore) Save(id string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, ok := value.(map[string]any)
	if !ok {
		panic("memStore.Save: unexpected value type")
	}

	transitions, _ := snapshot["transitions"].([]StateTransition)
	transitionsAny := make([]any, len(transitions))
	for i, t := range transitions {
		transitionsAny[i] = map[string]any{
			"from_state": t.FromState.String(),
			"to_state":   t.ToState.String(),
			"timestamp":  t.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
			"metadata":   map[string]any(t.Metadata),
		}
	}

	s.data[id] = map[string]any{
		"current_state": snapshot["current_state"],
		"state_data":    map[string]any(snapshot["state_data"].(StateData)),
		"transitions":   transitionsAny,
		"retry_count":   float64(snapshot["retry_count"].(int)),
	}
	return nil
}

func (s *memStore) Load(id string, dest any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, ok := s.data[id]
	if !ok {
		return ErrNotFound
	}

	out, ok := dest.(*map[string]any)
	if !ok {
		panic("memStore.Load: unexpected dest type")
	}
	*out = snapshot
	return nil
}

func testTable() TransitionTable {
	return TransitionTable{
		State("PLANNING"): {State("CODING"), State("ERROR")},
		State("CODING"):   {State("DONE"), State("ERROR")},
		State("DONE"):     {},
		State("ERROR"):    {State("WAITING")},
		State("WAITING"):  {State("PLANNING")},
	}
}

func TestBaseStateMachine(t *testing.T) {
	store := newMemStore()
	sm := NewBaseStateMachine("test-agent", State("PLANNING"), store, testTable())

	if sm.GetCurrentState() != State("PLANNING") {
		t.Errorf("expected initial state PLANNING, got %v", sm.GetCurrentState())
	}

	sm.SetStateData("test_key", "test_value")
	value, exists := sm.GetStateValue("test_key")
	if !exists {
		t.Error("expected test_key to exist in state data")
	}
	if value != "test_value" {
		t.Errorf("expected 'test_value', got %v", value)
	}

	metadata := map[string]any{"transition_reason": "testing"}
	if err := sm.TransitionTo(context.Background(), State("CODING"), metadata); err != nil {
		t.Errorf("failed to transition to CODING: %v", err)
	}

	if sm.GetCurrentState() != State("CODING") {
		t.Errorf("expected state CODING, got %v", sm.GetCurrentState())
	}

	data := sm.GetStateData()
	if data["transition_reason"] != "testing" {
		t.Error("expected transition metadata to be stored")
	}

	transitions := sm.GetTransitions()
	if len(transitions) != 1 {
		t.Errorf("expected 1 transition, got %d", len(transitions))
	}
	if transitions[0].FromState != State("PLANNING") || transitions[0].ToState != State("CODING") {
		t.Errorf("unexpected transition: %v -> %v", transitions[0].FromState, transitions[0].ToState)
	}
}

func TestBaseStateMachineValidation(t *testing.T) {
	store := newMemStore()
	sm := NewBaseStateMachine("test-agent", State("PLANNING"), store, testTable())

	if err := sm.TransitionTo(context.Background(), State("TESTING"), nil); err == nil {
		t.Error("expected error for invalid transition PLANNING -> TESTING")
	}

	err := sm.TransitionTo(context.Background(), State("ERROR"), map[string]any{"error": "test error"})
	if err != nil {
		t.Errorf("failed to transition to ERROR state: %v", err)
	}

	if sm.GetCurrentState() != State("ERROR") {
		t.Errorf("expected state ERROR, got %v", sm.GetCurrentState())
	}
}

func TestBaseStateMachineWildcard(t *testing.T) {
	store := newMemStore()
	table := TransitionTable{
		State("A"):     {State("B")},
		State("B"):     {State("A")},
		Wildcard:       {State("ERROR")},
		State("ERROR"): {},
	}
	sm := NewBaseStateMachine("wild-agent", State("A"), store, table)

	if err := sm.TransitionTo(context.Background(), State("ERROR"), nil); err != nil {
		t.Errorf("expected wildcard transition to ERROR to succeed: %v", err)
	}
}

func TestBaseStateMachinePersistence(t *testing.T) {
	store := newMemStore()
	table := testTable()

	sm1 := NewBaseStateMachine("test-agent", State("PLANNING"), store, table)
	sm1.SetStateData("persistent_data", "should_survive")

	if err := sm1.TransitionTo(context.Background(), State("CODING"), map[string]any{"test": "metadata"}); err != nil {
		t.Fatalf("failed to transition: %v", err)
	}

	if err := sm1.Persist(); err != nil {
		t.Fatalf("failed to persist state: %v", err)
	}

	sm2 := NewBaseStateMachine("test-agent", State("PLANNING"), store, table)
	if err := sm2.Initialize(context.Background()); err != nil {
		t.Fatalf("failed to initialize second state machine: %v", err)
	}

	if sm2.GetCurrentState() != State("CODING") {
		t.Errorf("expected restored state CODING, got %v", sm2.GetCurrentState())
	}

	data := sm2.GetStateData()
	if data["persistent_data"] != "should_survive" {
		t.Errorf("expected persistent data to be restored, got %v", data["persistent_data"])
	}
	if data["test"] != "metadata" {
		t.Errorf("expected transition metadata to be restored, got %v", data["test"])
	}

	transitions := sm2.GetTransitions()
	if len(transitions) != 1 {
		t.Errorf("expected 1 restored transition, got %d", len(transitions))
	}
}

func TestBaseStateMachineInitializeNoPriorState(t *testing.T) {
	store := newMemStore()
	sm := NewBaseStateMachine("never-seen", State("PLANNING"), store, testTable())

	if err := sm.Initialize(context.Background()); err != nil {
		t.Fatalf("expected no error initializing with no prior snapshot: %v", err)
	}
	if sm.GetCurrentState() != State("PLANNING") {
		t.Errorf("expected state to remain PLANNING, got %v", sm.GetCurrentState())
	}
}

func TestBaseStateMachineRetries(t *testing.T) {
	store := newMemStore()
	sm := NewBaseStateMachine("test-agent", State("PLANNING"), store, testTable())
	sm.SetMaxRetries(2)

	if err := sm.IncrementRetry(); err != nil {
		t.Errorf("first retry should not fail: %v", err)
	}
	if err := sm.IncrementRetry(); err == nil {
		t.Error("expected error after exceeding max retries")
	}

	sm.SetMaxRetries(5)
	_ = sm.IncrementRetry()

	if err := sm.TransitionTo(context.Background(), State("CODING"), nil); err != nil {
		t.Fatalf("failed to transition: %v", err)
	}

	if err := sm.IncrementRetry(); err != nil {
		t.Errorf("retry should work after state transition: %v", err)
	}
}

func TestBaseStateMachineCompaction(t *testing.T) {
	store := newMemStore()
	table := TransitionTable{
		State("PLANNING"): {State("CODING"), State("ERROR")},
		State("CODING"):   {State("TESTING"), State("DONE"), State("ERROR")},
		State("TESTING"):  {State("DONE"), State("PLANNING"), State("ERROR")},
		State("DONE"):     {State("PLANNING")},
		State("ERROR"):    {State("WAITING")},
		State("WAITING"):  {State("PLANNING")},
	}

	sm := NewBaseStateMachine("test-agent", State("PLANNING"), store, table)

	states := []State{State("CODING"), State("TESTING"), State("DONE"), State("PLANNING")}
	for i := 0; i < 150; i++ {
		s := states[i%len(states)]
		if err := sm.TransitionTo(context.Background(), s, map[string]any{"iteration": i}); err != nil {
			t.Fatalf("failed to transition at iteration %d: %v", i, err)
		}
	}

	transitions := sm.GetTransitions()
	if len(transitions) <= 100 {
		t.Errorf("expected more than 100 transitions before compaction, got %d", len(transitions))
	}

	if err := sm.CompactIfNeeded(); err != nil {
		t.Errorf("compaction failed: %v", err)
	}

	transitions = sm.GetTransitions()
	if len(transitions) > 100 {
		t.Errorf("expected at most 100 transitions after compaction, got %d", len(transitions))
	}

	expectedFinalState := states[(150-1)%len(states)]
	if sm.GetCurrentState() != expectedFinalState {
		t.Errorf("expected current state %v to be preserved after compaction, got %v", expectedFinalState, sm.GetCurrentState())
	}
}

func TestBaseStateMachineContextCancellation(t *testing.T) {
	store := newMemStore()
	sm := NewBaseStateMachine("test-agent", State("PLANNING"), store, testTable())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sm.TransitionTo(ctx, State("CODING"), nil)
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}

	if sm.GetCurrentState() != State("PLANNING") {
		t.Error("expected state to remain PLANNING after cancelled transition")
	}
}
