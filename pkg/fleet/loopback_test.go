package fleet

import (
	"context"
	"testing"

	"github.com/mconcat/flock/pkg/a2a"
	"github.com/stretchr/testify/require"
)

func TestLoopbackClientDispatchReturnsResponse(t *testing.T) {
	client := NewLoopbackClient("system")
	msg := a2a.NewAgentMsg(a2a.MsgTypeTask, "system", "bob")
	msg.Payload = map[string]any{"kind": "tick"}

	resp, err := client.Dispatch(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, a2a.MsgTypeResponse, resp.Type)
	require.Equal(t, "bob", resp.FromAgent)
	require.Equal(t, "system", resp.ToAgent)
	require.Equal(t, msg.ID, resp.ParentID)
}

func TestLoopbackClientRejectsInvalidMessage(t *testing.T) {
	client := NewLoopbackClient("system")
	_, err := client.Dispatch(context.Background(), &a2a.AgentMsg{})
	require.Error(t, err)
}
