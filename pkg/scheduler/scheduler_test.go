package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mconcat/flock/pkg/audit"
	"github.com/mconcat/flock/pkg/config"
	"github.com/mconcat/flock/pkg/storage"
	"github.com/mconcat/flock/pkg/storage/memstore"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	mu       sync.Mutex
	dispatched []string
}

func (d *recordingDispatcher) DispatchTick(ctx context.Context, payload TickPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatched = append(d.dispatched, payload.AgentID)
	return nil
}

func (d *recordingDispatcher) seen() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.dispatched))
	copy(out, d.dispatched)
	return out
}

type noopSweeper struct{}

func (noopSweeper) SweepStaleLocks(olderThan time.Time) (int, error) { return 0, nil }

type recordingLeaseSweeper struct {
	calls int
}

func (r *recordingLeaseSweeper) SweepExpiredLeases() (int, error) {
	r.calls++
	return 0, nil
}

func TestRunCycleInvokesLeaseSweeper(t *testing.T) {
	config.Set(config.Default())
	backend := memstore.New()
	d := &recordingDispatcher{}
	s := New(backend.AgentLoop(), audit.New(backend.Audit()), d, noopSweeper{})
	leaseSweeper := &recordingLeaseSweeper{}
	s.SetLeaseSweeper(leaseSweeper)

	s.runCycle(context.Background())

	require.Equal(t, 1, leaseSweeper.calls)
}

func TestJitterIsDeterministicAndBounded(t *testing.T) {
	j1 := jitterForAgent("alice")
	j2 := jitterForAgent("alice")
	require.Equal(t, j1, j2)
	require.GreaterOrEqual(t, j1, int64(-jitterSpreadMs))
	require.LessOrEqual(t, j1, int64(jitterSpreadMs))
}

func TestWakeAndImmediateTickDispatches(t *testing.T) {
	config.Set(config.Default())
	backend := memstore.New()
	d := &recordingDispatcher{}
	s := New(backend.AgentLoop(), audit.New(backend.Audit()), d, noopSweeper{})

	require.NoError(t, s.Wake("alice"))
	s.RequestImmediateTick("alice")

	s.runCycle(context.Background())

	require.Equal(t, []string{"alice"}, d.seen())
}

func TestSleepRecordsReasonAndAudit(t *testing.T) {
	backend := memstore.New()
	d := &recordingDispatcher{}
	s := New(backend.AgentLoop(), audit.New(backend.Audit()), d, noopSweeper{})

	require.NoError(t, s.Wake("alice"))
	require.NoError(t, s.Sleep("alice", "idle timeout"))

	l, err := backend.AgentLoop().Get("alice")
	require.NoError(t, err)
	require.Equal(t, Sleep, l.State)
	require.Equal(t, "idle timeout", l.SleepReason)

	entries, err := backend.Audit().List(storage.Filter{AgentID: "alice"})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	require.Equal(t, "scheduler.sleep", entries[0].Action)
}

func TestSleepingAgentNotDispatchedWithoutImmediateTick(t *testing.T) {
	config.Set(config.Default())
	backend := memstore.New()
	d := &recordingDispatcher{}
	s := New(backend.AgentLoop(), audit.New(backend.Audit()), d, noopSweeper{})

	require.NoError(t, s.Wake("alice"))
	require.NoError(t, s.Sleep("alice", "idle"))

	s.runCycle(context.Background())
	require.Empty(t, d.seen())
}

func TestNotifyMentionWakesSleepingAgentAndMarksImmediate(t *testing.T) {
	config.Set(config.Default())
	backend := memstore.New()
	d := &recordingDispatcher{}
	auditLog := audit.New(backend.Audit())
	s := New(backend.AgentLoop(), auditLog, d, noopSweeper{})

	require.NoError(t, s.Wake("bob"))
	require.NoError(t, s.Sleep("bob", "done"))

	require.NoError(t, s.NotifyMention("bob"))

	l, err := backend.AgentLoop().Get("bob")
	require.NoError(t, err)
	require.Equal(t, Awake, l.State)
	require.Nil(t, l.SleptAt)

	entries, err := auditLog.Query(storage.Filter{AgentID: "bob"})
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if e.Action == "agent-mention-wake" {
			found = true
		}
	}
	require.True(t, found)

	s.runCycle(context.Background())
	require.Equal(t, []string{"bob"}, d.seen())
}

func TestScheduleChannelDeltaEventuallyMarksImmediate(t *testing.T) {
	cfg := config.Default()
	cfg.ScheduleAbsorbMinMs = 1
	cfg.ScheduleAbsorbMaxMs = 5
	config.Set(cfg)

	backend := memstore.New()
	d := &recordingDispatcher{}
	s := New(backend.AgentLoop(), audit.New(backend.Audit()), d, noopSweeper{})
	require.NoError(t, s.Wake("alice"))

	s.ScheduleChannelDelta("alice", "c1", ChannelDelta{Messages: []storage.ChannelMessage{{Content: "hi"}}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		due := s.immediate["alice"]
		s.mu.Unlock()
		if due {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("channel delta never marked agent immediate")
}
