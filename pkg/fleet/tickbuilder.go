// Package fleet wires the leaf components (C1-C5) into the node-level
// behaviors the scheduler (C6) only knows through narrow interfaces: it
// builds delta tick payloads from channel membership, dispatches them over
// an injected A2A client, and sweeps the node's stale session locks.
package fleet

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mconcat/flock/pkg/a2a"
	"github.com/mconcat/flock/pkg/channel"
	"github.com/mconcat/flock/pkg/logx"
	"github.com/mconcat/flock/pkg/scheduler"
	"github.com/mconcat/flock/pkg/storage"
)

// A2AClient sends a message to an agent and blocks until the outbound call
// settles, mirroring pkg/task.Dispatcher's contract. A production
// implementation carries this over the fleet's peer-to-peer transport; it is
// an external collaborator per spec §1.
type A2AClient interface {
	Dispatch(ctx context.Context, msg *a2a.AgentMsg) (*a2a.AgentMsg, error)
}

// TickBuilder implements scheduler.Dispatcher (§4.6.1): for the due agent it
// aggregates per-channel deltas since the last successfully delivered seq,
// renders the tick payload, and sends it via the injected A2A client tagged
// as from "system". sentSeq only advances once the dispatch succeeds, so a
// failed send is retried with the same (and any newly arrived) messages on
// the next cycle.
type TickBuilder struct {
	channels *channel.Manager
	client   A2AClient
	logger   *logx.Logger

	mu      sync.Mutex
	sentSeq map[string]int64 // "agentId|channelId" -> highest seq delivered
}

func NewTickBuilder(channels *channel.Manager, client A2AClient) *TickBuilder {
	return &TickBuilder{
		channels: channels,
		client:   client,
		logger:   logx.NewLogger("scheduler"),
		sentSeq:  make(map[string]int64),
	}
}

func sentSeqKey(agentID, channelID string) string {
	return agentID + "|" + channelID
}

// SentSeq returns the highest seq delivered to agentID for channelID.
func (b *TickBuilder) SentSeq(agentID, channelID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sentSeq[sentSeqKey(agentID, channelID)]
}

// SeedSentSeq primes sentSeq at startup so a restarted node does not
// redeliver a channel's entire backlog; callers set it to the channel's
// current max seq for every member, per §9's restart-recovery note.
func (b *TickBuilder) SeedSentSeq(agentID, channelID string, seq int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sentSeq[sentSeqKey(agentID, channelID)] = seq
}

// DispatchTick implements scheduler.Dispatcher.
func (b *TickBuilder) DispatchTick(ctx context.Context, payload scheduler.TickPayload) error {
	agentID := payload.AgentID
	channels, err := b.channels.List(storage.Filter{})
	if err != nil {
		return fmt.Errorf("list channels for tick of %s: %w", agentID, err)
	}

	advances := make(map[string]int64)
	var body strings.Builder
	anyContent := false

	for _, c := range channels {
		if !isMember(c.Members, agentID) {
			continue
		}
		since := b.SentSeq(agentID, c.ChannelID)
		delta, err := b.channels.ReadDelta(c.ChannelID, since)
		if err != nil {
			return fmt.Errorf("read delta for %s/%s: %w", agentID, c.ChannelID, err)
		}
		if len(delta.Messages) == 0 {
			continue
		}
		anyContent = true
		writeChannelBlock(&body, c.ChannelID, delta)
		advances[c.ChannelID] = delta.Messages[len(delta.Messages)-1].Seq
	}

	if !anyContent {
		return nil
	}

	msg := a2a.NewAgentMsg(a2a.MsgTypeTask, "system", agentID)
	msg.Payload = map[string]any{
		"kind": "tick",
		"body": renderTick(agentID, body.String()),
	}

	if _, err := b.client.Dispatch(ctx, msg); err != nil {
		b.logger.Warn("tick dispatch to %s failed: %v", agentID, err)
		return err
	}

	b.mu.Lock()
	for channelID, seq := range advances {
		b.sentSeq[sentSeqKey(agentID, channelID)] = seq
	}
	b.mu.Unlock()
	return nil
}

func isMember(members []string, agentID string) bool {
	for _, m := range members {
		if m == agentID {
			return true
		}
	}
	return false
}

func writeChannelBlock(body *strings.Builder, channelID string, delta channel.DeltaResult) {
	first, last := delta.Messages[0].Seq, delta.Messages[len(delta.Messages)-1].Seq
	fmt.Fprintf(body, "## %s (seq %d..%d)\n", channelID, first, last)
	if delta.Truncated {
		body.WriteString("(truncated: older entries dropped or long messages shortened)\n")
	}
	for _, m := range delta.Messages {
		fmt.Fprintf(body, "[%d] %s: %s\n", m.Seq, m.AgentID, m.Content)
	}
}

func renderTick(agentID, channelBlocks string) string {
	var out strings.Builder
	fmt.Fprintf(&out, "tick for %s\n\n", agentID)
	out.WriteString(channelBlocks)
	out.WriteString("\nRespond via channel-post for anything requiring action, or call sleep if there is no work.\n")
	return out.String()
}
