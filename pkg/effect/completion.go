package effect

import (
	"context"

	"github.com/mconcat/flock/pkg/statemachine"
)

// CompletionEffect represents an immediate task completion effect. Unlike
// effects that dispatch over the network, this one executes synchronously and
// signals that the owning lifecycle should move to a terminal or follow-up
// state.
type CompletionEffect struct {
	Metadata    map[string]any    // Optional completion metadata
	Message     string            // Optional completion message
	TargetState statemachine.State // State to transition to (e.g. "completed")
}

// Execute immediately processes the completion signal.
func (e *CompletionEffect) Execute(_ context.Context, runtime Runtime) (any, error) {
	runtime.Info("task completion signaled: %s", e.Message)

	if e.Metadata != nil {
		runtime.Debug("completion metadata: %+v", e.Metadata)
	}

	result := &CompletionResult{
		Metadata:    e.Metadata,
		Message:     e.Message,
		TargetState: e.TargetState,
	}

	return result, nil
}

// Type returns the effect type identifier.
func (e *CompletionEffect) Type() string {
	return "completion"
}

// CompletionResult represents the result of a completion effect.
type CompletionResult struct {
	Metadata    map[string]any     `json:"metadata,omitempty"`
	Message     string             `json:"message"`
	TargetState statemachine.State `json:"target_state"`
}

// NewCompletionEffect creates an effect for immediate task completion.
func NewCompletionEffect(message string, targetState statemachine.State) *CompletionEffect {
	return &CompletionEffect{
		Metadata:    make(map[string]any),
		Message:     message,
		TargetState: targetState,
	}
}

// NewCompletionEffectWithMetadata creates an effect with completion metadata.
func NewCompletionEffectWithMetadata(message string, targetState statemachine.State, metadata map[string]any) *CompletionEffect {
	return &CompletionEffect{
		Metadata:    metadata,
		Message:     message,
		TargetState: targetState,
	}
}
