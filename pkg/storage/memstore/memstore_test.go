package memstore

import (
	"testing"
	"time"

	"github.com/mconcat/flock/pkg/storage"
	"github.com/stretchr/testify/require"
)

func TestHomeRoundTrip(t *testing.T) {
	s := New()
	h := storage.Home{HomeID: "alice@n1", AgentID: "alice", NodeID: "n1", State: "UNASSIGNED", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.Homes().Insert(h))

	got, err := s.Homes().Get("alice@n1")
	require.NoError(t, err)
	require.Equal(t, h.AgentID, got.AgentID)

	require.ErrorIs(t, s.Homes().Insert(h), storage.ErrAlreadyExists)
}

func TestHomeUpdateMissingFails(t *testing.T) {
	s := New()
	err := s.Homes().Update("nope@n1", func(h *storage.Home) { h.State = "IDLE" })
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestChannelMessageSeqMonotonic(t *testing.T) {
	s := New()
	for i := 0; i < 5; i++ {
		seq, err := s.ChannelMessages().Append(storage.ChannelMessage{ChannelID: "c1", AgentID: "alice", Content: "hi"})
		require.NoError(t, err)
		require.EqualValues(t, i+1, seq)
	}
	maxSeq, err := s.ChannelMessages().MaxSeq("c1")
	require.NoError(t, err)
	require.EqualValues(t, 5, maxSeq)
}

func TestBridgeUniqueness(t *testing.T) {
	s := New()
	b := storage.Bridge{BridgeID: "b1", ChannelID: "c1", Platform: "slack", ExternalChannelID: "C123", Active: true}
	require.NoError(t, s.Bridges().Insert(b))

	dup := storage.Bridge{BridgeID: "b2", ChannelID: "c2", Platform: "slack", ExternalChannelID: "C123", Active: true}
	require.ErrorIs(t, s.Bridges().Insert(dup), storage.ErrDuplicateBridge)
}

func TestAuditQueryNewestFirstAndCap(t *testing.T) {
	s := New()
	for i := 0; i < 150; i++ {
		_, err := s.Audit().Append(storage.AuditEntry{
			ID:        "a",
			Timestamp: time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
			Level:     storage.AuditGreen,
		})
		require.NoError(t, err)
	}
	out, err := s.Audit().List(storage.Filter{})
	require.NoError(t, err)
	require.Len(t, out, 100)
	require.True(t, out[0].Timestamp.After(out[99].Timestamp))
}

func TestTaskListOrderingAndLimit(t *testing.T) {
	s := New()
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Tasks().Insert(storage.Task{
			TaskID:    "t" + string(rune('0'+i)),
			State:     "submitted",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	out, err := s.Tasks().List(storage.Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.True(t, out[0].CreatedAt.After(out[1].CreatedAt))
}
