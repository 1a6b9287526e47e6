// Package scheduler implements the C6 work-loop scheduler: the tick-cycle
// timer that wakes due agents, dedups channel-triggered re-ticks, and sweeps
// stale session locks.
package scheduler

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mconcat/flock/pkg/audit"
	"github.com/mconcat/flock/pkg/config"
	"github.com/mconcat/flock/pkg/logx"
	"github.com/mconcat/flock/pkg/metrics"
	"github.com/mconcat/flock/pkg/statemachine"
	"github.com/mconcat/flock/pkg/storage"
)

// Agent loop states, per §4.6.
const (
	Awake    = "AWAKE"
	Sleep    = "SLEEP"
	Reactive = "REACTIVE"
)

// jitterSpreadMs bounds the deterministic per-agent jitter applied to the
// base tick interval, per §8 invariant 10.
const jitterSpreadMs = 10_000

// TickPayload is what a dispatch carries to an agent: the set of channel
// deltas accumulated since its last tick.
type TickPayload struct {
	AgentID  string
	Channels map[string]ChannelDelta
}

// ChannelDelta is one channel's worth of accumulated, possibly truncated
// delta messages for a single tick.
type ChannelDelta struct {
	Messages  []storage.ChannelMessage
	Truncated bool
}

// Dispatcher performs one agent's tick. It is invoked sequentially
// (concurrency 1) from the scheduler's loop.
type Dispatcher interface {
	DispatchTick(ctx context.Context, payload TickPayload) error
}

// StaleLockSweeper cleans up session locks older than the configured
// staleness threshold. Implemented by the home/session layer.
type StaleLockSweeper interface {
	SweepStaleLocks(olderThan time.Time) (int, error)
}

// LeaseSweeper expires LEASED homes whose lease has passed, per §4.3's
// "background sweeper (part of the scheduler or a separate lease reaper)".
// Implemented by pkg/home.Manager; wired optionally via SetLeaseSweeper so a
// scheduler under test doesn't need a home manager.
type LeaseSweeper interface {
	SweepExpiredLeases() (int, error)
}

// Scheduler drives the per-agent tick cycle.
type Scheduler struct {
	loops        storage.AgentLoopStore
	audit        *audit.Log
	dispatch     Dispatcher
	sweeper      StaleLockSweeper
	leaseSweeper LeaseSweeper
	logger       *logx.Logger
	metrics      *metrics.Registry

	mu          sync.Mutex
	pending     map[string]TickPayload // agentId -> accumulated delta awaiting dispatch
	immediate   map[string]bool        // agentId -> immediate-tick requested
	group       singleflight.Group     // dedups concurrent absorb-then-dispatch calls per agent
	stopOnce    sync.Once
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

func New(loops storage.AgentLoopStore, auditLog *audit.Log, dispatch Dispatcher, sweeper StaleLockSweeper) *Scheduler {
	return &Scheduler{
		loops:     loops,
		audit:     auditLog,
		dispatch:  dispatch,
		sweeper:   sweeper,
		logger:    logx.NewLogger("scheduler"),
		pending:   make(map[string]TickPayload),
		immediate: make(map[string]bool),
		stopCh:    make(chan struct{}),
	}
}

// SetLeaseSweeper wires in the home manager's expired-lease sweep, invoked
// once per tick cycle alongside the stale session lock sweep.
func (s *Scheduler) SetLeaseSweeper(sweeper LeaseSweeper) {
	s.leaseSweeper = sweeper
}

// SetMetrics wires the node's metrics registry in; every dispatch then
// records SchedulerTicks and SchedulerTickLatency. Optional: a Scheduler
// with no registry set simply skips instrumentation.
func (s *Scheduler) SetMetrics(r *metrics.Registry) {
	s.metrics = r
}

// jitterForAgent returns a deterministic jitter in [-jitterSpreadMs, +jitterSpreadMs]
// derived from a stable hash of agentID, per §8 invariant 10.
func jitterForAgent(agentID string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(agentID))
	v := int64(h.Sum32() % uint32(2*jitterSpreadMs+1))
	return v - jitterSpreadMs
}

// Start launches the tick-cycle loop, firing every TICK_INTERVAL_MS/2.
func (s *Scheduler) Start(ctx context.Context) {
	interval := time.Duration(config.Get().TickIntervalMs/2) * time.Millisecond
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.runCycle(ctx)
			}
		}
	}()
}

// Stop halts the tick-cycle loop. Idempotent.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

// runCycle is non-reentrant: it runs to completion (stale lock sweep plus
// sequential dispatch of every due agent) before the next ticker fire can
// begin, since it's only ever invoked from the single Start goroutine.
func (s *Scheduler) runCycle(ctx context.Context) {
	if s.sweeper != nil {
		threshold := time.Now().UTC().Add(-time.Duration(config.Get().StaleLockAgeMs) * time.Millisecond)
		if _, err := s.sweeper.SweepStaleLocks(threshold); err != nil {
			s.logger.Warn("stale lock sweep failed: %v", err)
		}
	}

	if s.leaseSweeper != nil {
		if _, err := s.leaseSweeper.SweepExpiredLeases(); err != nil {
			s.logger.Warn("lease sweep failed: %v", err)
		}
	}

	due, err := s.collectDueAgents()
	if err != nil {
		s.logger.Error("collecting due agents failed: %v", err)
		return
	}

	interDispatch := time.Duration(config.Get().InterDispatchMs) * time.Millisecond
	for i, agentID := range due {
		s.dispatchAgent(ctx, agentID)
		if i < len(due)-1 {
			time.Sleep(interDispatch)
		}
	}
}

func (s *Scheduler) collectDueAgents() ([]string, error) {
	loops, err := s.loops.List(storage.Filter{State: Awake})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := time.Now().UTC().UnixMilli()
	interval := config.Get().TickIntervalMs

	var due []string
	for _, l := range loops {
		if s.immediate[l.AgentID] {
			due = append(due, l.AgentID)
			continue
		}
		dueAt := l.LastTickAt.UnixMilli() + interval + jitterForAgent(l.AgentID)
		if nowMs >= dueAt {
			due = append(due, l.AgentID)
		}
	}
	return due, nil
}

func (s *Scheduler) dispatchAgent(ctx context.Context, agentID string) {
	s.mu.Lock()
	payload := s.pending[agentID]
	payload.AgentID = agentID
	delete(s.pending, agentID)
	delete(s.immediate, agentID)
	s.mu.Unlock()

	now := time.Now().UTC()
	if err := s.loops.Update(agentID, func(l *storage.AgentLoop) {
		l.LastTickAt = now
	}); err != nil {
		s.logger.Warn("updating lastTickAt for %s failed: %v", agentID, err)
	}

	start := time.Now()
	err := s.dispatch.DispatchTick(ctx, payload)
	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.SchedulerTickLatency.WithLabelValues(agentID).Observe(elapsed.Seconds())
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.SchedulerTicks.WithLabelValues("failed").Inc()
		}
		_ = s.audit.Append(agentID, "", "scheduler.dispatch.failed", storage.AuditYellow, err.Error(), "failed", 0)
		return
	}
	if s.metrics != nil {
		s.metrics.SchedulerTicks.WithLabelValues("ok").Inc()
	}
	_ = s.audit.Append(agentID, "", "scheduler.dispatch", storage.AuditGreen, "", "ok", 0)
}

// RequestImmediateTick bypasses the jitter/schedule gate, making the agent
// due on the next tick cycle.
func (s *Scheduler) RequestImmediateTick(agentID string) {
	s.mu.Lock()
	s.immediate[agentID] = true
	s.mu.Unlock()
}

// WakeIfAsleep wakes agentID if it is currently SLEEP, a no-op otherwise.
// Used for the auto-wake-on-post rule (§4.5.2): an agent cannot be asleep
// while it is the one speaking.
func (s *Scheduler) WakeIfAsleep(agentID string) error {
	l, err := s.loops.Get(agentID)
	if storage.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if l.State != Sleep {
		return nil
	}
	return s.Wake(agentID)
}

// NotifyMention implements pkg/channel's Waker: if the mentioned agent is
// asleep, it is woken with a GREEN "agent-mention-wake" audit entry; either
// way an immediate tick is requested so the mention is delivered on the next
// dispatch (§4.5.3, §8 invariant 1 / scenario S1).
func (s *Scheduler) NotifyMention(agentID string) error {
	l, err := s.loops.Get(agentID)
	if err != nil && !storage.IsNotFound(err) {
		return err
	}
	if err == nil && l.State == Sleep {
		now := time.Now().UTC()
		if err := s.loops.Update(agentID, func(loop *storage.AgentLoop) {
			loop.State = Awake
			loop.AwakenedAt = now
			loop.SleptAt = nil
			loop.SleepReason = ""
		}); err != nil {
			return err
		}
		_ = s.audit.Append(agentID, "", "agent-mention-wake", storage.AuditGreen, "", "ok", 0)
	}
	s.RequestImmediateTick(agentID)
	return nil
}

// ScheduleChannelDelta records a channel delta for an agent's next dispatch,
// deduplicating concurrent callers for the same (agent, channel) pair with a
// small jittered absorption delay so a burst of posts to the same channel
// coalesces into one scheduled tick instead of firing once per message.
func (s *Scheduler) ScheduleChannelDelta(agentID, channelID string, delta ChannelDelta) {
	key := agentID + "|" + channelID
	go func() {
		_, _, _ = s.group.Do(key, func() (any, error) {
			minMs := config.Get().ScheduleAbsorbMinMs
			maxMs := config.Get().ScheduleAbsorbMaxMs
			span := maxMs - minMs
			wait := minMs
			if span > 0 {
				wait += rand.Int63n(span)
			}
			time.Sleep(time.Duration(wait) * time.Millisecond)

			s.mu.Lock()
			p := s.pending[agentID]
			if p.Channels == nil {
				p.Channels = make(map[string]ChannelDelta)
			}
			p.Channels[channelID] = delta
			s.pending[agentID] = p
			s.immediate[agentID] = true
			s.mu.Unlock()

			return nil, nil
		})
	}()
}

// Wake transitions an agent's loop to AWAKE, creating the loop record on
// first wake.
func (s *Scheduler) Wake(agentID string) error {
	now := time.Now().UTC()
	_, err := s.loops.Get(agentID)
	if storage.IsNotFound(err) {
		return s.loops.Insert(storage.AgentLoop{AgentID: agentID, State: Awake, AwakenedAt: now, LastTickAt: now})
	}
	if err != nil {
		return err
	}
	return s.loops.Update(agentID, func(l *storage.AgentLoop) {
		l.State = Awake
		l.AwakenedAt = now
		l.SleptAt = nil
		l.SleepReason = ""
	})
}

// Sleep transitions an agent's loop to SLEEP, recording the reason and
// emitting a GREEN audit entry per §4.6. Requires the loop currently be
// AWAKE.
func (s *Scheduler) Sleep(agentID, reason string) error {
	l, err := s.loops.Get(agentID)
	if err != nil {
		return err
	}
	if l.State != Awake {
		return fmt.Errorf("%w: agent %s loop is %s, not AWAKE", statemachine.ErrInvalidState, agentID, l.State)
	}

	now := time.Now().UTC()
	if err := s.loops.Update(agentID, func(l *storage.AgentLoop) {
		l.State = Sleep
		l.SleptAt = &now
		l.SleepReason = reason
	}); err != nil {
		return err
	}
	_ = s.audit.Append(agentID, "", "scheduler.sleep", storage.AuditGreen, reason, "ok", 0)
	return nil
}
