// Package home implements the C3 home manager: the canonical per-agent
// residency state machine and its lease expiry rules.
package home

import (
	"fmt"
	"strings"
	"time"

	"github.com/mconcat/flock/pkg/audit"
	"github.com/mconcat/flock/pkg/config"
	"github.com/mconcat/flock/pkg/metrics"
	"github.com/mconcat/flock/pkg/statemachine"
	"github.com/mconcat/flock/pkg/storage"
)

// Home lifecycle states, per §4.3.
const (
	Unassigned  statemachine.State = "UNASSIGNED"
	Provisioning statemachine.State = "PROVISIONING"
	Idle        statemachine.State = "IDLE"
	Leased      statemachine.State = "LEASED"
	Active      statemachine.State = "ACTIVE"
	Frozen      statemachine.State = "FROZEN"
	Migrating   statemachine.State = "MIGRATING"
	Error       statemachine.State = "ERROR"
	Retired     statemachine.State = "RETIRED"
)

// Table is the home FSM's transition table.
var Table = statemachine.TransitionTable{
	Unassigned:   {Provisioning},
	Provisioning: {Idle},
	Idle:         {Leased},
	Leased:       {Active, Idle},
	Active:       {Leased, Idle, Frozen, Migrating},
	Frozen:       {Leased, Error, Migrating, Retired},
	// Migrating leads to Retired (the source, once the migration completes),
	// Idle (a home arriving on the target) or Active (a rollback); Leased is
	// reachable too, as the migration rollback side effect for
	// TRANSFERRING/VERIFYING failures (§4.7) hands the lease back without
	// re-provisioning.
	Migrating: {Active, Retired, Idle, Leased},
	statemachine.Wildcard: {Error, Retired, Frozen},
}

// Manager owns the home state machine and lease semantics.
type Manager struct {
	store   storage.HomeStore
	audit   *audit.Log
	metrics *metrics.Registry
}

func NewManager(store storage.HomeStore, auditLog *audit.Log) *Manager {
	return &Manager{store: store, audit: auditLog}
}

// SetMetrics wires the node's metrics registry in; Create and Transition
// then keep HomesByState current. Optional: a Manager with no registry set
// simply skips the gauge updates.
func (m *Manager) SetMetrics(r *metrics.Registry) {
	m.metrics = r
}

// HomeID builds the canonical homeId = agentId@nodeId key.
func HomeID(agentID, nodeID string) string {
	return agentID + "@" + nodeID
}

// ownerAgentID extracts the agentId prefix of a homeId.
func ownerAgentID(homeID string) string {
	if idx := strings.IndexByte(homeID, '@'); idx >= 0 {
		return homeID[:idx]
	}
	return homeID
}

// Create inserts a home in UNASSIGNED and appends a GREEN home.create audit
// entry. No record is written to the Transitions store.
func (m *Manager) Create(agentID, nodeID string) (storage.Home, error) {
	now := time.Now().UTC()
	h := storage.Home{
		HomeID:    HomeID(agentID, nodeID),
		AgentID:   agentID,
		NodeID:    nodeID,
		State:     string(Unassigned),
		Metadata:  map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Insert(h); err != nil {
		return storage.Home{}, err
	}
	if m.metrics != nil {
		m.metrics.HomesByState.WithLabelValues(string(Unassigned)).Inc()
	}
	_ = m.audit.Append(agentID, h.HomeID, "home.create", storage.AuditGreen, "created in UNASSIGNED", "ok", 0)
	return h, nil
}

// Transition validates and applies a home state change, writing the new
// state and an audit entry (GREEN, or YELLOW for FROZEN/ERROR). No record is
// appended to the Transitions store. triggeredBy identifies the actor (an
// agentId, "system", or "scheduler").
func (m *Manager) Transition(homeID string, toState statemachine.State, reason, triggeredBy string) error {
	h, err := m.store.Get(homeID)
	if err != nil {
		return err
	}
	from := statemachine.State(h.State)

	if !statemachine.ValidTransition(Table, from, toState) {
		return fmt.Errorf("%w: cannot transition %s from %s to %s", statemachine.ErrInvalidTransition, homeID, from, toState)
	}

	if err := m.store.Update(homeID, func(home *storage.Home) {
		home.State = string(toState)
	}); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.HomesByState.WithLabelValues(string(from)).Dec()
		m.metrics.HomesByState.WithLabelValues(string(toState)).Inc()
	}

	level := storage.AuditGreen
	if toState == Frozen || toState == Error {
		level = storage.AuditYellow
	}
	_ = m.audit.Append(h.AgentID, homeID, "home.transition", level,
		fmt.Sprintf("%s -> %s (%s)", from, toState, reason), "ok", 0)

	return nil
}

// Get returns the current home record.
func (m *Manager) Get(homeID string) (storage.Home, error) {
	return m.store.Get(homeID)
}

// List returns homes matching f.
func (m *Manager) List(f storage.Filter) ([]storage.Home, error) {
	return m.store.List(f)
}

// SetLeaseExpiry persists a lease expiry, clamped to the configured
// MIN_LEASE/MAX_LEASE bounds, and enforces the ownership rule: the caller's
// agentId must match the prefix of homeId before the '@'.
func (m *Manager) SetLeaseExpiry(callerAgentID, homeID string, requestedMs int64) (int64, error) {
	if callerAgentID != ownerAgentID(homeID) {
		_ = m.audit.Append(callerAgentID, homeID, "home.lease.denied", storage.AuditYellow, "ownership check failed", "denied", 0)
		return 0, fmt.Errorf("%w: %s does not own %s", statemachine.ErrPermissionDenied, callerAgentID, homeID)
	}

	duration := config.Get().ClampLeaseDuration(requestedMs)
	expiresAt := time.Now().UTC().Add(time.Duration(duration) * time.Millisecond).UnixMilli()

	if err := m.store.Update(homeID, func(h *storage.Home) {
		h.LeaseExpiresAt = &expiresAt
	}); err != nil {
		return 0, err
	}
	return expiresAt, nil
}

// Renew extends a lease. Requires state in {LEASED, ACTIVE} and ownership.
func (m *Manager) Renew(callerAgentID, homeID string, durationMs int64) (int64, error) {
	h, err := m.store.Get(homeID)
	if err != nil {
		return 0, err
	}
	if h.State != string(Leased) && h.State != string(Active) {
		return 0, fmt.Errorf("%w: home %s in state %s cannot be renewed", statemachine.ErrInvalidState, homeID, h.State)
	}
	return m.SetLeaseExpiry(callerAgentID, homeID, durationMs)
}

// Release transitions a LEASED/ACTIVE home back to IDLE, enforcing
// ownership.
func (m *Manager) Release(callerAgentID, homeID, reason string) error {
	if callerAgentID != ownerAgentID(homeID) {
		_ = m.audit.Append(callerAgentID, homeID, "home.release.denied", storage.AuditYellow, "ownership check failed", "denied", 0)
		return fmt.Errorf("%w: %s does not own %s", statemachine.ErrPermissionDenied, callerAgentID, homeID)
	}
	return m.Transition(homeID, Idle, reason, callerAgentID)
}

// Freeze transitions a home to FROZEN, enforcing ownership.
func (m *Manager) Freeze(callerAgentID, homeID, reason string) error {
	if callerAgentID != ownerAgentID(homeID) {
		_ = m.audit.Append(callerAgentID, homeID, "home.freeze.denied", storage.AuditYellow, "ownership check failed", "denied", 0)
		return fmt.Errorf("%w: %s does not own %s", statemachine.ErrPermissionDenied, callerAgentID, homeID)
	}
	return m.Transition(homeID, Frozen, reason, callerAgentID)
}

// SweepExpiredLeases transitions every LEASED home whose leaseExpiresAt has
// passed to IDLE with reason "lease-expired". Intended to be called once per
// scheduler cycle (§4.3, §4.6).
func (m *Manager) SweepExpiredLeases() (int, error) {
	homes, err := m.store.List(storage.Filter{State: string(Leased)})
	if err != nil {
		return 0, err
	}

	nowMs := time.Now().UTC().UnixMilli()
	swept := 0
	for _, h := range homes {
		if h.LeaseExpiresAt == nil || *h.LeaseExpiresAt >= nowMs {
			continue
		}
		if err := m.Transition(h.HomeID, Idle, "lease-expired", "scheduler"); err != nil {
			continue
		}
		swept++
	}
	return swept, nil
}
