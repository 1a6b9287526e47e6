// Package migration implements the C7 migration engine: the ticket lifecycle
// of ten forward phases plus ABORTED that relocates an agent's home from one node to another.
package migration

import (
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/mconcat/flock/pkg/audit"
	"github.com/mconcat/flock/pkg/home"
	"github.com/mconcat/flock/pkg/metrics"
	"github.com/mconcat/flock/pkg/statemachine"
	"github.com/mconcat/flock/pkg/storage"
)

// Migration phases, per §4.7.
const (
	Requested    statemachine.State = "REQUESTED"
	Authorized   statemachine.State = "AUTHORIZED"
	Freezing     statemachine.State = "FREEZING"
	Frozen       statemachine.State = "FROZEN"
	Snapshotting statemachine.State = "SNAPSHOTTING"
	Transferring statemachine.State = "TRANSFERRING"
	Verifying    statemachine.State = "VERIFYING"
	Rehydrating  statemachine.State = "REHYDRATING"
	Finalizing   statemachine.State = "FINALIZING"
	Completed    statemachine.State = "COMPLETED"
	Aborted      statemachine.State = "ABORTED"
)

// Table is the migration FSM's transition table, with Aborted as a wildcard
// edge. Rollback writes ABORTED without consulting the table and refuses
// terminal phases and the post-handoff phases REHYDRATING and FINALIZING.
var Table = statemachine.TransitionTable{
	Requested:    {Authorized},
	Authorized:   {Freezing},
	Freezing:     {Frozen},
	Frozen:       {Snapshotting},
	Snapshotting: {Transferring},
	Transferring: {Verifying},
	Verifying:    {Rehydrating, Aborted},
	Rehydrating:  {Finalizing},
	Finalizing:   {Completed},
	statemachine.Wildcard: {Aborted},
}

// allowedReasons are the authorization policy's recognized migration
// reasons, per §4.7.
var allowedReasons = map[string]bool{
	"agent_request":        true,
	"orchestrator_rebalance": true,
	"node_retiring":        true,
	"lease_migration":      true,
	"security_relocation":  true,
	"resource_need":        true,
}

func isTerminal(phase statemachine.State) bool {
	return phase == Completed || phase == Aborted
}

// postOwnership reports whether phase is at or past the ownership handoff
// point, where rollback is no longer supported (§4.7, §9).
func postOwnership(phase statemachine.State) bool {
	return phase == Rehydrating || phase == Finalizing || phase == Completed
}

// Manager owns migration tickets and drives their phase transitions.
type Manager struct {
	store   storage.MigrationStore
	homes   *home.Manager
	audit   *audit.Log
	metrics *metrics.Registry
}

func NewManager(store storage.MigrationStore, homes *home.Manager, auditLog *audit.Log) *Manager {
	return &Manager{store: store, homes: homes, audit: auditLog}
}

// SetMetrics wires the node's metrics registry in; phase transitions then
// update MigrationPhaseTotal and MigrationsActive. Optional: a Manager with
// no registry set simply skips instrumentation.
func (m *Manager) SetMetrics(r *metrics.Registry) {
	m.metrics = r
}

// Initiate creates a migration ticket in REQUESTED. Preconditions: the
// agent's home is ACTIVE or LEASED, and no other active migration exists
// for this agent.
func (m *Manager) Initiate(agentID, homeID, sourceNodeID, sourceEndpoint, targetNodeID, reason string) (storage.Migration, error) {
	h, err := m.homes.Get(homeID)
	if err != nil {
		return storage.Migration{}, err
	}
	if h.State != string(home.Active) && h.State != string(home.Leased) {
		return storage.Migration{}, fmt.Errorf("%w: home %s in state %s cannot migrate", statemachine.ErrInvalidState, homeID, h.State)
	}

	existing, err := m.store.List(storage.Filter{AgentID: agentID})
	if err != nil {
		return storage.Migration{}, err
	}
	for _, mig := range existing {
		if !isTerminal(statemachine.State(mig.Phase)) {
			return storage.Migration{}, fmt.Errorf("%w: agent %s already has an active migration %s", statemachine.ErrAlreadyExists, agentID, mig.MigrationID)
		}
	}

	now := time.Now().UTC()
	mig := storage.Migration{
		MigrationID:     fmt.Sprintf("mig-%s-%d", agentID, now.UnixNano()),
		AgentID:         agentID,
		SourceNodeID:    sourceNodeID,
		SourceEndpoint:  sourceEndpoint,
		TargetNodeID:    targetNodeID,
		Phase:           string(Requested),
		OwnershipHolder: "source",
		Reason:          reason,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.Insert(mig); err != nil {
		return storage.Migration{}, err
	}
	if m.metrics != nil {
		m.metrics.MigrationPhaseTotal.WithLabelValues(string(Requested)).Inc()
		m.metrics.MigrationsActive.Inc()
	}
	_ = m.audit.Append(agentID, homeID, "migration.initiate", storage.AuditGreen, mig.MigrationID, "ok", 0)
	return mig, nil
}

func (m *Manager) advance(migrationID string, to statemachine.State, mutate func(*storage.Migration)) error {
	mig, err := m.store.Get(migrationID)
	if err != nil {
		return err
	}
	from := statemachine.State(mig.Phase)
	if !statemachine.ValidTransition(Table, from, to) {
		return fmt.Errorf("%w: cannot transition migration %s from %s to %s", statemachine.ErrInvalidTransition, migrationID, from, to)
	}
	if err := m.store.Update(migrationID, func(record *storage.Migration) {
		record.Phase = string(to)
		record.UpdatedAt = time.Now().UTC()
		if mutate != nil {
			mutate(record)
		}
	}); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.MigrationPhaseTotal.WithLabelValues(string(to)).Inc()
		if to == Completed {
			m.metrics.MigrationsActive.Dec()
		}
	}
	return nil
}

// Authorize applies the policy gate, moving REQUESTED -> AUTHORIZED.
func (m *Manager) Authorize(migrationID string) error {
	mig, err := m.store.Get(migrationID)
	if err != nil {
		return err
	}
	if !allowedReasons[mig.Reason] {
		_ = m.audit.Append(mig.AgentID, "", "migration.authorize.denied", storage.AuditYellow, mig.Reason, "denied", 0)
		return fmt.Errorf("%w: reason %q is not an authorized migration reason", statemachine.ErrPermissionDenied, mig.Reason)
	}
	return m.advance(migrationID, Authorized, nil)
}

// BeginFreeze moves AUTHORIZED -> FREEZING and freezes the source home.
func (m *Manager) BeginFreeze(migrationID, homeID string) error {
	if err := m.advance(migrationID, Freezing, nil); err != nil {
		return err
	}
	return m.homes.Transition(homeID, home.Frozen, "migration freeze", "migration")
}

// ConfirmFrozen moves FREEZING -> FROZEN once no in-flight work remains.
func (m *Manager) ConfirmFrozen(migrationID string) error {
	return m.advance(migrationID, Frozen, nil)
}

// Snapshot moves FROZEN -> SNAPSHOTTING and records the checksum of the
// prepared snapshot.
func (m *Manager) Snapshot(migrationID string, snapshotData []byte) error {
	sum := blake2b.Sum256(snapshotData)
	checksum := fmt.Sprintf("%x", sum)
	return m.advance(migrationID, Snapshotting, func(mig *storage.Migration) {
		mig.Checksum = checksum
	})
}

// BeginTransfer moves SNAPSHOTTING -> TRANSFERRING and transitions the
// source home to MIGRATING.
func (m *Manager) BeginTransfer(migrationID, homeID string) error {
	if err := m.advance(migrationID, Transferring, nil); err != nil {
		return err
	}
	return m.homes.Transition(homeID, home.Migrating, "migration transfer", "migration")
}

// ConfirmTransferred moves TRANSFERRING -> VERIFYING once the target has
// received all bytes.
func (m *Manager) ConfirmTransferred(migrationID string) error {
	return m.advance(migrationID, Verifying, nil)
}

// HandleVerification is the single ownership-handoff point. On success it
// sets ownershipHolder=target and advances to REHYDRATING; on failure it
// rolls back to ABORTED.
func (m *Manager) HandleVerification(migrationID, homeID string, verified bool, computedChecksum, failureReason string) error {
	mig, err := m.store.Get(migrationID)
	if err != nil {
		return err
	}

	if verified && computedChecksum == mig.Checksum {
		return m.advance(migrationID, Rehydrating, func(record *storage.Migration) {
			record.OwnershipHolder = "target"
			record.VerificationOK = true
		})
	}

	reason := failureReason
	if reason == "" {
		reason = "CHECKSUM_MISMATCH"
	}
	return m.rollback(migrationID, homeID, reason)
}

// Complete finalizes a successful migration: REHYDRATING -> FINALIZING ->
// COMPLETED, retiring the source home.
func (m *Manager) Complete(migrationID, sourceHomeID, newHomeID, newEndpoint string) error {
	if err := m.advance(migrationID, Finalizing, nil); err != nil {
		return err
	}
	if err := m.advance(migrationID, Completed, func(mig *storage.Migration) {
		mig.TargetEndpoint = newEndpoint
	}); err != nil {
		return err
	}
	return m.homes.Transition(sourceHomeID, home.Retired, "migration complete", "migration")
}

// Rollback transitions a migration to ABORTED from any non-terminal phase
// and undoes the phase-appropriate home side effects. Rollback past the
// ownership handoff (REHYDRATING, FINALIZING) is forbidden.
func (m *Manager) Rollback(migrationID, homeID, reason string) error {
	return m.rollback(migrationID, homeID, reason)
}

func (m *Manager) rollback(migrationID, homeID, reason string) error {
	mig, err := m.store.Get(migrationID)
	if err != nil {
		return err
	}
	phase := statemachine.State(mig.Phase)

	if isTerminal(phase) {
		return fmt.Errorf("%w: migration %s is already in terminal phase %s", statemachine.ErrTerminalState, migrationID, phase)
	}
	if postOwnership(phase) {
		return fmt.Errorf("%w: migration %s cannot roll back from %s, ownership already transferred", statemachine.ErrTerminalState, migrationID, phase)
	}

	if err := m.store.Update(migrationID, func(record *storage.Migration) {
		record.Phase = string(Aborted)
		record.AbortReason = reason
		record.UpdatedAt = time.Now().UTC()
	}); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.MigrationPhaseTotal.WithLabelValues(string(Aborted)).Inc()
		m.metrics.MigrationsActive.Dec()
	}

	var homeErr error
	switch phase {
	case Freezing, Frozen, Snapshotting:
		homeErr = m.homes.Transition(homeID, home.Leased, "rollback: "+reason, "migration")
	case Transferring, Verifying:
		homeErr = m.homes.Transition(homeID, home.Leased, "rollback: "+reason, "migration")
	}

	_ = m.audit.Append(mig.AgentID, homeID, "migration.rollback", storage.AuditRed, reason, "aborted", 0)
	return homeErr
}

// Get returns a migration ticket.
func (m *Manager) Get(migrationID string) (storage.Migration, error) {
	return m.store.Get(migrationID)
}

// List returns migrations matching f.
func (m *Manager) List(f storage.Filter) ([]storage.Migration, error) {
	return m.store.List(f)
}
