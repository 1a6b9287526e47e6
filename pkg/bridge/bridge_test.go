package bridge

import (
	"testing"

	"github.com/mconcat/flock/pkg/audit"
	"github.com/mconcat/flock/pkg/statemachine"
	"github.com/mconcat/flock/pkg/storage"
	"github.com/mconcat/flock/pkg/storage/memstore"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	archived map[string]bool
}

func (c *stubChecker) IsArchived(channelID string) (bool, error) {
	return c.archived[channelID], nil
}

func newTestManager(archived map[string]bool) *Manager {
	backend := memstore.New()
	return NewManager(backend.Bridges(), &stubChecker{archived: archived}, audit.New(backend.Audit()))
}

func TestCreateAndList(t *testing.T) {
	m := newTestManager(nil)
	b, err := m.Create("c1", PlatformSlack, "C123", "acct1", "", "alice")
	require.NoError(t, err)
	require.True(t, b.Active)

	got, err := m.List(storage.Filter{ChannelID: "c1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestCreateAgainstArchivedChannelFails(t *testing.T) {
	m := newTestManager(map[string]bool{"c1": true})
	_, err := m.Create("c1", PlatformSlack, "C123", "acct1", "", "alice")
	require.ErrorIs(t, err, statemachine.ErrTerminalState)
}

func TestCreateRejectsDuplicateActiveExternalChannel(t *testing.T) {
	m := newTestManager(nil)
	_, err := m.Create("c1", PlatformSlack, "C123", "acct1", "", "alice")
	require.NoError(t, err)

	_, err = m.Create("c2", PlatformSlack, "C123", "acct1", "", "bob")
	require.ErrorIs(t, err, statemachine.ErrDuplicateBridge)
}

func TestCreateAllowsReusingExternalChannelAfterPause(t *testing.T) {
	m := newTestManager(nil)
	b, err := m.Create("c1", PlatformSlack, "C123", "acct1", "", "alice")
	require.NoError(t, err)
	require.NoError(t, m.Pause(b.BridgeID, "alice"))

	_, err = m.Create("c2", PlatformSlack, "C123", "acct1", "", "bob")
	require.NoError(t, err)
}

func TestPauseAndResume(t *testing.T) {
	m := newTestManager(nil)
	b, err := m.Create("c1", PlatformDiscord, "D1", "acct1", "", "alice")
	require.NoError(t, err)

	require.NoError(t, m.Pause(b.BridgeID, "alice"))
	got, err := m.List(storage.Filter{ChannelID: "c1"})
	require.NoError(t, err)
	require.False(t, got[0].Active)

	require.NoError(t, m.Resume(b.BridgeID, "alice"))
	got, err = m.List(storage.Filter{ChannelID: "c1"})
	require.NoError(t, err)
	require.True(t, got[0].Active)
}

func TestRelayWithNoAdapterIsNoop(t *testing.T) {
	m := newTestManager(nil)
	b, err := m.Create("c1", PlatformSlack, "C123", "acct1", "", "alice")
	require.NoError(t, err)
	require.NoError(t, m.Relay(b, "hello"))
}

func TestRemove(t *testing.T) {
	m := newTestManager(nil)
	b, err := m.Create("c1", PlatformSlack, "C123", "acct1", "", "alice")
	require.NoError(t, err)
	require.NoError(t, m.Remove(b.BridgeID, "alice"))

	got, err := m.List(storage.Filter{ChannelID: "c1"})
	require.NoError(t, err)
	require.Len(t, got, 0)
}
