package fleet

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mconcat/flock/pkg/a2a"
	"github.com/mconcat/flock/pkg/audit"
	"github.com/mconcat/flock/pkg/channel"
	"github.com/mconcat/flock/pkg/scheduler"
	"github.com/mconcat/flock/pkg/storage/memstore"
	"github.com/stretchr/testify/require"
)

func schedulerPayload(agentID string) scheduler.TickPayload {
	return scheduler.TickPayload{AgentID: agentID}
}

type recordingClient struct {
	sent []*a2a.AgentMsg
}

func (c *recordingClient) Dispatch(ctx context.Context, msg *a2a.AgentMsg) (*a2a.AgentMsg, error) {
	c.sent = append(c.sent, msg)
	return a2a.NewAgentMsg(a2a.MsgTypeResponse, msg.ToAgent, msg.FromAgent), nil
}

func TestDispatchTickDeliversDeltaAndAdvancesSentSeq(t *testing.T) {
	backend := memstore.New()
	channels := channel.NewManager(backend.Channels(), backend.ChannelMessages(), backend.Bridges(), audit.New(backend.Audit()), nil)
	_, err := channels.Create("c1", "topic", "alice", []string{"alice", "bob"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := channels.Post("c1", "alice", "hello")
		require.NoError(t, err)
	}

	client := &recordingClient{}
	tb := NewTickBuilder(channels, client)

	require.NoError(t, tb.DispatchTick(context.Background(), schedulerPayload("bob")))
	require.Len(t, client.sent, 1)
	require.Equal(t, "bob", client.sent[0].ToAgent)
	require.Equal(t, "system", client.sent[0].FromAgent)
	require.EqualValues(t, 3, tb.SentSeq("bob", "c1"))

	// A second tick with no new messages should not dispatch again.
	require.NoError(t, tb.DispatchTick(context.Background(), schedulerPayload("bob")))
	require.Len(t, client.sent, 1)
}

func TestDispatchTickSkipsNonMemberChannels(t *testing.T) {
	backend := memstore.New()
	channels := channel.NewManager(backend.Channels(), backend.ChannelMessages(), backend.Bridges(), audit.New(backend.Audit()), nil)
	_, err := channels.Create("c1", "topic", "alice", []string{"alice"})
	require.NoError(t, err)
	_, err = channels.Post("c1", "alice", "hello")
	require.NoError(t, err)

	client := &recordingClient{}
	tb := NewTickBuilder(channels, client)

	require.NoError(t, tb.DispatchTick(context.Background(), schedulerPayload("bob")))
	require.Empty(t, client.sent)
}

func TestSeedSentSeqSkipsBacklogOnRestart(t *testing.T) {
	backend := memstore.New()
	channels := channel.NewManager(backend.Channels(), backend.ChannelMessages(), backend.Bridges(), audit.New(backend.Audit()), nil)
	_, err := channels.Create("c1", "topic", "alice", []string{"alice", "bob"})
	require.NoError(t, err)
	_, err = channels.Post("c1", "alice", "backlog message")
	require.NoError(t, err)

	client := &recordingClient{}
	tb := NewTickBuilder(channels, client)
	tb.SeedSentSeq("bob", "c1", 1)

	require.NoError(t, tb.DispatchTick(context.Background(), schedulerPayload("bob")))
	require.Empty(t, client.sent)
}

func TestSessionLockSweeperRemovesOnlyStaleLocks(t *testing.T) {
	dir := t.TempDir()
	stalePath := filepath.Join(dir, "stale.lock")
	freshPath := filepath.Join(dir, "fresh.lock")
	require.NoError(t, os.WriteFile(stalePath, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(freshPath, []byte("x"), 0o644))

	old := time.Now().Add(-2 * time.Minute)
	require.NoError(t, os.Chtimes(stalePath, old, old))

	sweeper := NewSessionLockSweeper(dir)
	removed, err := sweeper.SweepStaleLocks(time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = os.Stat(stalePath)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(freshPath)
	require.NoError(t, err)
}

func TestSessionLockSweeperMissingDirIsNoop(t *testing.T) {
	sweeper := NewSessionLockSweeper(filepath.Join(t.TempDir(), "does-not-exist"))
	removed, err := sweeper.SweepStaleLocks(time.Now())
	require.NoError(t, err)
	require.Equal(t, 0, removed)
}
