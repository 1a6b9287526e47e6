package fleet

import (
	"context"

	"github.com/mconcat/flock/pkg/a2a"
	"github.com/mconcat/flock/pkg/effect"
	"github.com/mconcat/flock/pkg/logx"
)

// loopbackDispatcher satisfies effect.MessageDispatcher by logging the
// outbound send instead of putting it on the wire.
type loopbackDispatcher struct {
	logger *logx.Logger
}

func (d *loopbackDispatcher) DispatchMessage(msg *a2a.AgentMsg) error {
	d.logger.Debug("loopback dispatch %s -> %s (%s)", msg.FromAgent, msg.ToAgent, msg.Type)
	return nil
}

// LoopbackClient is a same-process A2A client for single-node fleets: it
// satisfies both pkg/task.Dispatcher and fleet.A2AClient (identical
// Dispatch(ctx, *a2a.AgentMsg) (*a2a.AgentMsg, error) shapes), and completes
// every call synchronously through pkg/effect's Runtime/CompletionEffect
// instead of a real network round trip. A multi-node deployment replaces
// this with a transport-backed client wired to the fleet's peer-to-peer A2A
// protocol (§1, out of scope for the core).
type LoopbackClient struct {
	runtime effect.Runtime
	logger  *logx.Logger
}

// NewLoopbackClient builds a loopback client identified as callerAgentID
// (typically "system", the scheduler's and provisioning's caller identity).
func NewLoopbackClient(callerAgentID string) *LoopbackClient {
	logger := logx.NewLogger("a2a")
	runtime := effect.NewBaseRuntime(&loopbackDispatcher{logger: logger}, logger, callerAgentID, "system", nil)
	return &LoopbackClient{runtime: runtime, logger: logger}
}

// Dispatch sends msg through the runtime and immediately synthesizes a
// completion response, logging the completion via a CompletionEffect.
func (c *LoopbackClient) Dispatch(ctx context.Context, msg *a2a.AgentMsg) (*a2a.AgentMsg, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if err := c.runtime.SendMessage(msg); err != nil {
		return nil, err
	}

	completion := effect.NewCompletionEffect("delivered to "+msg.ToAgent, "completed")
	if _, err := completion.Execute(ctx, c.runtime); err != nil {
		return nil, err
	}

	resp := a2a.NewAgentMsg(a2a.MsgTypeResponse, msg.ToAgent, msg.FromAgent)
	resp.ParentID = msg.ID
	resp.SetMetadata("response_text", "delivered")
	return resp, nil
}
