package task

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mconcat/flock/pkg/a2a"
	"github.com/mconcat/flock/pkg/audit"
	"github.com/mconcat/flock/pkg/statemachine"
	"github.com/mconcat/flock/pkg/storage"
	"github.com/mconcat/flock/pkg/storage/memstore"
	"github.com/stretchr/testify/require"
)

type stubDispatcher struct {
	reply *a2a.AgentMsg
	err   error
}

func (d *stubDispatcher) Dispatch(ctx context.Context, msg *a2a.AgentMsg) (*a2a.AgentMsg, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.reply != nil {
		return d.reply, nil
	}
	reply := a2a.NewAgentMsg(a2a.MsgTypeResponse, msg.ToAgent, msg.FromAgent)
	reply.SetMetadata("response_text", "done")
	return reply, nil
}

func waitForState(t *testing.T, s *Store, taskID string, want statemachine.State) storage.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := s.Get(taskID)
		require.NoError(t, err)
		if got.State == string(want) {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached state %s", taskID, want)
	return storage.Task{}
}

func TestDispatchCompletesOnSuccess(t *testing.T) {
	backend := memstore.New()
	s := NewStore(backend.Tasks(), audit.New(backend.Audit()), &stubDispatcher{})

	taskID, err := s.Dispatch("alice", "bob", "greeting", "say hi", map[string]any{"text": "hi"})
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	got := waitForState(t, s, taskID, Completed)
	require.Equal(t, "done", got.ResponseText)
	require.NotNil(t, got.CompletedAt)
}

func TestDispatchFailsOnDispatcherError(t *testing.T) {
	backend := memstore.New()
	s := NewStore(backend.Tasks(), audit.New(backend.Audit()), &stubDispatcher{err: errors.New("network down")})

	taskID, err := s.Dispatch("alice", "bob", "greeting", "say hi", nil)
	require.NoError(t, err)

	got := waitForState(t, s, taskID, Failed)
	require.NotNil(t, got.CompletedAt)
}

func TestRespondRequiresRecipient(t *testing.T) {
	backend := memstore.New()
	s := NewStore(backend.Tasks(), audit.New(backend.Audit()), &stubDispatcher{})

	taskID, err := s.Dispatch("alice", "bob", "question", "need info", nil)
	require.NoError(t, err)
	waitForState(t, s, taskID, Completed)
	require.NoError(t, s.store.Update(taskID, func(task *storage.Task) {
		task.State = string(InputRequired)
	}))

	err = s.Respond("mallory", taskID, "nope", nil)
	require.ErrorIs(t, err, statemachine.ErrPermissionDenied)
}

func TestRespondRequiresInputRequiredState(t *testing.T) {
	backend := memstore.New()
	s := NewStore(backend.Tasks(), audit.New(backend.Audit()), &stubDispatcher{})

	taskID, err := s.Dispatch("alice", "bob", "question", "need info", nil)
	require.NoError(t, err)
	waitForState(t, s, taskID, Completed)

	err = s.Respond("bob", taskID, "too soon", nil)
	require.ErrorIs(t, err, statemachine.ErrInvalidState)
}

func TestRequestInputFromWorking(t *testing.T) {
	backend := memstore.New()
	s := NewStore(backend.Tasks(), audit.New(backend.Audit()), &stubDispatcher{})

	taskID, err := s.Dispatch("alice", "bob", "question", "need info", nil)
	require.NoError(t, err)
	require.NoError(t, s.store.Update(taskID, func(task *storage.Task) {
		task.State = string(Working)
	}))

	require.NoError(t, s.RequestInput(taskID))
	got, err := s.Get(taskID)
	require.NoError(t, err)
	require.Equal(t, string(InputRequired), got.State)
}

func TestRespondTransitionsThroughWorkingToCompleted(t *testing.T) {
	backend := memstore.New()
	s := NewStore(backend.Tasks(), audit.New(backend.Audit()), &stubDispatcher{})

	taskID, err := s.Dispatch("alice", "bob", "question", "need info", nil)
	require.NoError(t, err)
	waitForState(t, s, taskID, Completed)
	require.NoError(t, s.store.Update(taskID, func(task *storage.Task) {
		task.State = string(InputRequired)
	}))

	require.NoError(t, s.Respond("bob", taskID, "here's the info", map[string]any{"answer": 42}))

	waitForState(t, s, taskID, Completed)
}

func TestListCapsAtHundred(t *testing.T) {
	backend := memstore.New()
	s := NewStore(backend.Tasks(), audit.New(backend.Audit()), &stubDispatcher{})
	for i := 0; i < 150; i++ {
		require.NoError(t, s.store.Insert(storage.Task{TaskID: fmt.Sprintf("t%d", i), State: string(Submitted), CreatedAt: time.Now().UTC()}))
	}

	got, err := s.List(storage.Filter{Limit: 500})
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got, 100)
}
