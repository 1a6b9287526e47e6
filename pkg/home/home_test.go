package home

import (
	"testing"
	"time"

	"github.com/mconcat/flock/pkg/audit"
	"github.com/mconcat/flock/pkg/config"
	"github.com/mconcat/flock/pkg/statemachine"
	"github.com/mconcat/flock/pkg/storage"
	"github.com/mconcat/flock/pkg/storage/memstore"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	backend := memstore.New()
	return NewManager(backend.Homes(), audit.New(backend.Audit()))
}

func TestCreateAndTransition(t *testing.T) {
	m := newTestManager()
	h, err := m.Create("alice", "n1")
	require.NoError(t, err)
	require.Equal(t, string(Unassigned), h.State)

	require.NoError(t, m.Transition(h.HomeID, Provisioning, "provisioning", "system"))
	require.NoError(t, m.Transition(h.HomeID, Idle, "provisioned", "system"))

	got, err := m.Get(h.HomeID)
	require.NoError(t, err)
	require.Equal(t, string(Idle), got.State)
}

func TestInvalidTransitionRejected(t *testing.T) {
	m := newTestManager()
	h, err := m.Create("alice", "n1")
	require.NoError(t, err)

	err = m.Transition(h.HomeID, Active, "skip ahead", "system")
	require.ErrorIs(t, err, statemachine.ErrInvalidTransition)
}

func TestWildcardToErrorFromAnyState(t *testing.T) {
	m := newTestManager()
	h, err := m.Create("alice", "n1")
	require.NoError(t, err)
	require.NoError(t, m.Transition(h.HomeID, Error, "fault", "system"))
}

func TestLeaseOwnershipDenied(t *testing.T) {
	config.Set(config.Default())
	m := newTestManager()
	h, err := m.Create("alice", "n1")
	require.NoError(t, err)
	require.NoError(t, m.Transition(h.HomeID, Provisioning, "", "system"))
	require.NoError(t, m.Transition(h.HomeID, Idle, "", "system"))
	require.NoError(t, m.Transition(h.HomeID, Leased, "", "alice"))

	_, err = m.Renew("bob", h.HomeID, 3_600_000)
	require.ErrorIs(t, err, statemachine.ErrPermissionDenied)
}

func TestLeaseClampedToBounds(t *testing.T) {
	config.Set(config.Default())
	m := newTestManager()
	h, err := m.Create("alice", "n1")
	require.NoError(t, err)
	require.NoError(t, m.Transition(h.HomeID, Provisioning, "", "system"))
	require.NoError(t, m.Transition(h.HomeID, Idle, "", "system"))
	require.NoError(t, m.Transition(h.HomeID, Leased, "", "alice"))

	expiresAt, err := m.Renew("alice", h.HomeID, 1) // way below MIN_LEASE
	require.NoError(t, err)
	minExpected := time.Now().UTC().Add(time.Duration(config.Get().MinLeaseMs) * time.Millisecond).UnixMilli()
	require.InDelta(t, minExpected, expiresAt, 2000)
}

func TestSweepExpiredLeases(t *testing.T) {
	config.Set(config.Default())
	m := newTestManager()
	h, err := m.Create("alice", "n1")
	require.NoError(t, err)
	require.NoError(t, m.Transition(h.HomeID, Provisioning, "", "system"))
	require.NoError(t, m.Transition(h.HomeID, Idle, "", "system"))
	require.NoError(t, m.Transition(h.HomeID, Leased, "", "alice"))

	past := time.Now().UTC().Add(-time.Minute).UnixMilli()
	require.NoError(t, m.store.Update(h.HomeID, func(home *storage.Home) {
		home.LeaseExpiresAt = &past
	}))

	swept, err := m.SweepExpiredLeases()
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	got, err := m.Get(h.HomeID)
	require.NoError(t, err)
	require.Equal(t, string(Idle), got.State)
}
