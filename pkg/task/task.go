// Package task implements the C4 task store: the six-state A2A request
// lifecycle and its fire-and-forget dispatch contract.
package task

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mconcat/flock/pkg/a2a"
	"github.com/mconcat/flock/pkg/audit"
	"github.com/mconcat/flock/pkg/logx"
	"github.com/mconcat/flock/pkg/metrics"
	"github.com/mconcat/flock/pkg/statemachine"
	"github.com/mconcat/flock/pkg/storage"
)

// Task lifecycle states, per §4.4.
const (
	Submitted      statemachine.State = "submitted"
	Working        statemachine.State = "working"
	InputRequired  statemachine.State = "input-required"
	Completed      statemachine.State = "completed"
	Failed         statemachine.State = "failed"
	Canceled       statemachine.State = "canceled"
)

// Table is the task FSM's transition table.
var Table = statemachine.TransitionTable{
	Submitted:     {Working},
	Working:       {Completed, Failed, InputRequired, Canceled},
	InputRequired: {Working},
}

func isTerminal(s statemachine.State) bool {
	return s == Completed || s == Failed || s == Canceled
}

// Dispatcher performs the outbound A2A call on behalf of the task store. It
// is expected to block until the call settles (success or failure); the
// store itself is what makes the call asynchronous to its own caller, by
// invoking Dispatch from a background goroutine.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *a2a.AgentMsg) (*a2a.AgentMsg, error)
}

// Store owns the Tasks table and its dispatch side effects.
type Store struct {
	store      storage.TaskStore
	audit      *audit.Log
	dispatcher Dispatcher
	logger     *logx.Logger
	metrics    *metrics.Registry
}

func NewStore(store storage.TaskStore, auditLog *audit.Log, dispatcher Dispatcher) *Store {
	return &Store{store: store, audit: auditLog, dispatcher: dispatcher, logger: logx.NewLogger("task")}
}

// SetMetrics wires the node's metrics registry in; runDispatch then
// increments TasksDispatched by terminal outcome. Optional: a Store with no
// registry set simply skips the counter.
func (s *Store) SetMetrics(r *metrics.Registry) {
	s.metrics = r
}

// Dispatch inserts a task as submitted, kicks off the asynchronous outbound
// call in the background, and returns the taskId immediately. The caller
// never blocks on the outbound call settling.
func (s *Store) Dispatch(fromAgentID, toAgentID, messageType, summary string, payload map[string]any) (string, error) {
	now := time.Now().UTC()
	t := storage.Task{
		TaskID:      uuid.NewString(),
		FromAgentID: fromAgentID,
		ToAgentID:   toAgentID,
		State:       string(Submitted),
		MessageType: messageType,
		Summary:     summary,
		Payload:     payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Insert(t); err != nil {
		return "", err
	}

	go s.runDispatch(t)

	return t.TaskID, nil
}

func (s *Store) runDispatch(t storage.Task) {
	if err := s.store.Update(t.TaskID, func(task *storage.Task) {
		task.State = string(Working)
	}); err != nil {
		s.logger.Error("task %s: failed marking working: %v", t.TaskID, err)
		return
	}

	msg := a2a.NewAgentMsg(a2a.MsgTypeTask, t.FromAgentID, t.ToAgentID)
	msg.Payload = t.Payload
	msg.ParentID = t.TaskID

	ctx := context.Background()
	resp, err := s.dispatcher.Dispatch(ctx, msg)

	now := time.Now().UTC()
	if err != nil {
		_ = s.store.Update(t.TaskID, func(task *storage.Task) {
			task.State = string(Failed)
			task.CompletedAt = &now
		})
		if s.metrics != nil {
			s.metrics.TasksDispatched.WithLabelValues("failed").Inc()
		}
		_ = s.audit.Append(t.FromAgentID, "", "task.dispatch.failed", storage.AuditYellow, err.Error(), "failed", 0)
		return
	}

	_ = s.store.Update(t.TaskID, func(task *storage.Task) {
		task.State = string(Completed)
		task.CompletedAt = &now
		if resp != nil {
			task.ResponseText, _ = resp.GetMetadata("response_text")
			task.ResponsePayload = resp.Payload
		}
	})
	if s.metrics != nil {
		s.metrics.TasksDispatched.WithLabelValues("completed").Inc()
	}
	_ = s.audit.Append(t.FromAgentID, "", "task.dispatch.completed", storage.AuditGreen, "", "ok", 0)
}

// Respond handles the input-required response flow: only the task's
// toAgentId may respond, the task must be in input-required, and a
// successful response transitions to working and dispatches a fire-and-
// forget follow-up to fromAgentId.
func (s *Store) Respond(callerAgentID, taskID, responseText string, responsePayload map[string]any) error {
	t, err := s.store.Get(taskID)
	if err != nil {
		return err
	}
	if callerAgentID != t.ToAgentID {
		_ = s.audit.Append(callerAgentID, "", "task.respond.denied", storage.AuditYellow, taskID, "denied", 0)
		return fmt.Errorf("%w: %s is not the recipient of task %s", statemachine.ErrPermissionDenied, callerAgentID, taskID)
	}
	if t.State != string(InputRequired) {
		return fmt.Errorf("%w: task %s is in state %s, not input-required", statemachine.ErrInvalidState, taskID, t.State)
	}

	if err := s.store.Update(taskID, func(task *storage.Task) {
		task.State = string(Working)
		task.ResponseText = responseText
		task.ResponsePayload = responsePayload
	}); err != nil {
		return err
	}

	updated, err := s.store.Get(taskID)
	if err != nil {
		return err
	}
	// The follow-up travels from the responder back to the original sender.
	updated.FromAgentID, updated.ToAgentID = updated.ToAgentID, updated.FromAgentID
	go s.runDispatch(updated)

	return nil
}

// RequestInput transitions a working task to input-required. Called by the
// receiving side when it needs more information before completing.
func (s *Store) RequestInput(taskID string) error {
	t, err := s.store.Get(taskID)
	if err != nil {
		return err
	}
	from := statemachine.State(t.State)
	if !statemachine.ValidTransition(Table, from, InputRequired) {
		return fmt.Errorf("%w: cannot transition task %s from %s to input-required", statemachine.ErrInvalidTransition, taskID, from)
	}
	return s.store.Update(taskID, func(task *storage.Task) {
		task.State = string(InputRequired)
	})
}

// Get returns a task by ID.
func (s *Store) Get(taskID string) (storage.Task, error) {
	return s.store.Get(taskID)
}

// List returns tasks matching f, newest-first, capped at 100 unless a
// smaller Limit is requested.
func (s *Store) List(f storage.Filter) ([]storage.Task, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 100
	}
	return s.store.List(f)
}
