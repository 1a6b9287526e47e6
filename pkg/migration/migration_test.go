package migration

import (
	"testing"

	"github.com/mconcat/flock/pkg/audit"
	"github.com/mconcat/flock/pkg/home"
	"github.com/mconcat/flock/pkg/statemachine"
	"github.com/mconcat/flock/pkg/storage"
	"github.com/mconcat/flock/pkg/storage/memstore"
	"github.com/stretchr/testify/require"
)

func newTestManagers() (*Manager, *home.Manager) {
	backend := memstore.New()
	auditLog := audit.New(backend.Audit())
	homes := home.NewManager(backend.Homes(), auditLog)
	return NewManager(backend.Migrations(), homes, auditLog), homes
}

func activeHome(t *testing.T, homes *home.Manager, agentID, nodeID string) storage.Home {
	t.Helper()
	h, err := homes.Create(agentID, nodeID)
	require.NoError(t, err)
	require.NoError(t, homes.Transition(h.HomeID, home.Provisioning, "provisioning", "system"))
	require.NoError(t, homes.Transition(h.HomeID, home.Idle, "provisioned", "system"))
	require.NoError(t, homes.Transition(h.HomeID, home.Leased, "leased", "alice"))
	require.NoError(t, homes.Transition(h.HomeID, home.Active, "activated", "alice"))
	got, err := homes.Get(h.HomeID)
	require.NoError(t, err)
	return got
}

func TestAuthorizeRejectsUnauthorizedReason(t *testing.T) {
	m, homes := newTestManagers()
	h := activeHome(t, homes, "alice", "node-a")

	mig, err := m.Initiate("alice", h.HomeID, "node-a", "node-a:7000", "node-b", "whim")
	require.NoError(t, err)
	require.Equal(t, string(Requested), mig.Phase)

	err = m.Authorize(mig.MigrationID)
	require.ErrorIs(t, err, statemachine.ErrPermissionDenied)
}

func TestInitiateRejectsSecondActiveMigration(t *testing.T) {
	m, homes := newTestManagers()
	h := activeHome(t, homes, "alice", "node-a")

	_, err := m.Initiate("alice", h.HomeID, "node-a", "node-a:7000", "node-b", "agent_request")
	require.NoError(t, err)

	_, err = m.Initiate("alice", h.HomeID, "node-a", "node-a:7000", "node-c", "agent_request")
	require.ErrorIs(t, err, statemachine.ErrAlreadyExists)
}

func TestFullHappyPathTransfersOwnershipAndRetiresSourceHome(t *testing.T) {
	m, homes := newTestManagers()
	source := activeHome(t, homes, "alice", "node-a")
	target, err := homes.Create("alice", "node-b")
	require.NoError(t, err)

	mig, err := m.Initiate("alice", source.HomeID, "node-a", "node-a:7000", "node-b", "orchestrator_rebalance")
	require.NoError(t, err)

	require.NoError(t, m.Authorize(mig.MigrationID))
	require.NoError(t, m.BeginFreeze(mig.MigrationID, source.HomeID))
	require.NoError(t, m.ConfirmFrozen(mig.MigrationID))

	snapshot := []byte("agent-state-bytes")
	require.NoError(t, m.Snapshot(mig.MigrationID, snapshot))
	got, err := m.Get(mig.MigrationID)
	require.NoError(t, err)
	require.NotEmpty(t, got.Checksum)

	require.NoError(t, m.BeginTransfer(mig.MigrationID, source.HomeID))
	require.NoError(t, m.ConfirmTransferred(mig.MigrationID))

	require.NoError(t, m.HandleVerification(mig.MigrationID, source.HomeID, true, got.Checksum, ""))
	got, err = m.Get(mig.MigrationID)
	require.NoError(t, err)
	require.Equal(t, string(Rehydrating), got.Phase)
	require.Equal(t, "target", got.OwnershipHolder)
	require.True(t, got.VerificationOK)

	require.NoError(t, m.Complete(mig.MigrationID, source.HomeID, target.HomeID, "node-b:7000"))
	got, err = m.Get(mig.MigrationID)
	require.NoError(t, err)
	require.Equal(t, string(Completed), got.Phase)

	sourceHome, err := homes.Get(source.HomeID)
	require.NoError(t, err)
	require.Equal(t, string(home.Retired), sourceHome.State)
}

func TestVerificationFailureRollsBackAndReleasesSourceHome(t *testing.T) {
	m, homes := newTestManagers()
	source := activeHome(t, homes, "alice", "node-a")

	mig, err := m.Initiate("alice", source.HomeID, "node-a", "node-a:7000", "node-b", "resource_need")
	require.NoError(t, err)
	require.NoError(t, m.Authorize(mig.MigrationID))
	require.NoError(t, m.BeginFreeze(mig.MigrationID, source.HomeID))
	require.NoError(t, m.ConfirmFrozen(mig.MigrationID))
	require.NoError(t, m.Snapshot(mig.MigrationID, []byte("bytes")))
	require.NoError(t, m.BeginTransfer(mig.MigrationID, source.HomeID))
	require.NoError(t, m.ConfirmTransferred(mig.MigrationID))

	require.NoError(t, m.HandleVerification(mig.MigrationID, source.HomeID, false, "", "checksum mismatch on target"))

	got, err := m.Get(mig.MigrationID)
	require.NoError(t, err)
	require.Equal(t, string(Aborted), got.Phase)
	require.Equal(t, "checksum mismatch on target", got.AbortReason)

	sourceHome, err := homes.Get(source.HomeID)
	require.NoError(t, err)
	require.Equal(t, string(home.Leased), sourceHome.State)
}

func TestRollbackRejectedAfterOwnershipTransfer(t *testing.T) {
	m, homes := newTestManagers()
	source := activeHome(t, homes, "alice", "node-a")

	mig, err := m.Initiate("alice", source.HomeID, "node-a", "node-a:7000", "node-b", "node_retiring")
	require.NoError(t, err)
	require.NoError(t, m.Authorize(mig.MigrationID))
	require.NoError(t, m.BeginFreeze(mig.MigrationID, source.HomeID))
	require.NoError(t, m.ConfirmFrozen(mig.MigrationID))
	require.NoError(t, m.Snapshot(mig.MigrationID, []byte("bytes")))
	require.NoError(t, m.BeginTransfer(mig.MigrationID, source.HomeID))
	require.NoError(t, m.ConfirmTransferred(mig.MigrationID))
	got, err := m.Get(mig.MigrationID)
	require.NoError(t, err)
	require.NoError(t, m.HandleVerification(mig.MigrationID, source.HomeID, true, got.Checksum, ""))

	err = m.Rollback(mig.MigrationID, source.HomeID, "changed my mind")
	require.ErrorIs(t, err, statemachine.ErrTerminalState)
}

func TestRollbackRejectedOnTerminalPhase(t *testing.T) {
	m, homes := newTestManagers()
	source := activeHome(t, homes, "alice", "node-a")

	mig, err := m.Initiate("alice", source.HomeID, "node-a", "node-a:7000", "node-b", "security_relocation")
	require.NoError(t, err)
	require.NoError(t, m.Rollback(mig.MigrationID, source.HomeID, "abandoned"))

	err = m.Rollback(mig.MigrationID, source.HomeID, "again")
	require.ErrorIs(t, err, statemachine.ErrTerminalState)
}
