// Package channel implements the C5 channel subsystem: multi-agent message
// channels with delta reads, mention-triggered wakeups, and a two-phase
// archive protocol.
package channel

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mconcat/flock/pkg/audit"
	"github.com/mconcat/flock/pkg/logx"
	"github.com/mconcat/flock/pkg/metrics"
	"github.com/mconcat/flock/pkg/statemachine"
	"github.com/mconcat/flock/pkg/storage"
)

// channelIDPattern matches a channelId: alphanumeric, starting with an
// alphanumeric, optionally followed by alphanumerics and hyphens.
var channelIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]*$`)

// mentionPattern extracts @memberId mentions from posted content.
var mentionPattern = regexp.MustCompile(`@([a-zA-Z0-9][a-zA-Z0-9_-]*)`)

const maxDeltaMessages = 20
const maxMessageChars = 400

// Waker is notified when a channel event should wake or re-tick an agent.
// Implemented by the scheduler; kept as a narrow interface here so pkg/channel
// never imports pkg/scheduler.
type Waker interface {
	// NotifyMention wakes agentID if it is asleep (auditing the wake) and
	// requests an immediate tick, per §4.5.3.
	NotifyMention(agentID string) error
	// WakeIfAsleep wakes agentID if it is SLEEP, a no-op otherwise. Used to
	// auto-wake a poster: an agent cannot be asleep while speaking (§4.5.2).
	WakeIfAsleep(agentID string) error
}

// ArchiveNotifier delivers a best-effort external notification to a
// channel's bridges when the channel is finalized as archived. Implemented
// by pkg/bridge; kept as a narrow interface here so pkg/channel never
// imports pkg/bridge's platform adapter types.
type ArchiveNotifier interface {
	Relay(b storage.Bridge, content string) error
}

// Manager owns channel CRUD, posting, and the archive protocol.
type Manager struct {
	channels storage.ChannelStore
	messages storage.ChannelMessageStore
	bridges  storage.BridgeStore
	audit    *audit.Log
	waker    Waker
	notifier ArchiveNotifier
	logger   *logx.Logger
	metrics  *metrics.Registry
}

func NewManager(channels storage.ChannelStore, messages storage.ChannelMessageStore, bridges storage.BridgeStore, auditLog *audit.Log, waker Waker) *Manager {
	return &Manager{channels: channels, messages: messages, bridges: bridges, audit: auditLog, waker: waker, logger: logx.NewLogger("channel")}
}

// SetArchiveNotifier wires the bridge manager in for best-effort external
// archive notifications. Optional: a Manager with no notifier set simply
// skips the notification step and still deactivates bridges.
func (m *Manager) SetArchiveNotifier(n ArchiveNotifier) {
	m.notifier = n
}

// SetWaker wires the scheduler in after construction, breaking the
// channel<->scheduler construction cycle: the scheduler's Dispatcher needs a
// *Manager to build tick payloads, so the Manager itself cannot take a fully
// constructed scheduler as a constructor argument (§9).
func (m *Manager) SetWaker(w Waker) {
	m.waker = w
}

// SetMetrics wires the node's metrics registry in; Post then increments
// ChannelMessagesTotal. Optional: a Manager with no registry set simply
// skips the counter.
func (m *Manager) SetMetrics(r *metrics.Registry) {
	m.metrics = r
}

// ValidateChannelID reports whether id is a well-formed channelId.
func ValidateChannelID(id string) error {
	if !channelIDPattern.MatchString(id) {
		return fmt.Errorf("%w: channelId %q must start with an alphanumeric and contain only alphanumerics and hyphens", statemachine.ErrInvalidID, id)
	}
	return nil
}

// Create creates a new, unarchived channel.
func (m *Manager) Create(channelID, topic, createdBy string, members []string) (storage.Channel, error) {
	if err := ValidateChannelID(channelID); err != nil {
		return storage.Channel{}, err
	}
	now := time.Now().UTC()
	c := storage.Channel{
		ChannelID: channelID,
		Topic:     topic,
		CreatedBy: createdBy,
		Members:   members,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.channels.Insert(c); err != nil {
		return storage.Channel{}, err
	}
	_ = m.audit.Append(createdBy, "", "channel.create", storage.AuditGreen, channelID, "ok", 0)
	return c, nil
}

// Get returns a channel record.
func (m *Manager) Get(channelID string) (storage.Channel, error) {
	return m.channels.Get(channelID)
}

// IsArchived satisfies pkg/bridge's ChannelChecker, so bridge creation can
// refuse to target an archived channel without importing pkg/channel's
// other internals.
func (m *Manager) IsArchived(channelID string) (bool, error) {
	c, err := m.channels.Get(channelID)
	if err != nil {
		return false, err
	}
	return c.Archived, nil
}

// List returns channels matching f.
func (m *Manager) List(f storage.Filter) ([]storage.Channel, error) {
	return m.channels.List(f)
}

// AssignMembers replaces a channel's member list.
func (m *Manager) AssignMembers(channelID string, members []string) error {
	return m.channels.Update(channelID, func(c *storage.Channel) {
		c.Members = members
		c.UpdatedAt = time.Now().UTC()
	})
}

// isSyntheticMember reports whether a member ID is excluded from mention
// detection and archive-readiness counting (human relay IDs and the
// synthetic main/unknown placeholders).
func isSyntheticMember(id string) bool {
	return strings.HasPrefix(id, "human:") || id == "main" || id == "unknown"
}

// Post appends a message to a channel, rejecting posts to archived channels.
// Mentions of live members trigger an immediate wake via Waker.
func (m *Manager) Post(channelID, agentID, content string) (int64, error) {
	c, err := m.channels.Get(channelID)
	if err != nil {
		return 0, err
	}
	if c.Archived {
		return 0, fmt.Errorf("%w: channel %s is archived", statemachine.ErrTerminalState, channelID)
	}

	seq, err := m.messages.Append(storage.ChannelMessage{
		ChannelID: channelID,
		AgentID:   agentID,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return 0, err
	}
	if m.metrics != nil {
		m.metrics.ChannelMessagesTotal.WithLabelValues(channelID).Inc()
	}

	if m.waker != nil {
		if err := m.waker.WakeIfAsleep(agentID); err != nil {
			return seq, err
		}
		members := make(map[string]bool, len(c.Members))
		for _, member := range c.Members {
			members[member] = true
		}
		for _, match := range mentionPattern.FindAllStringSubmatch(content, -1) {
			mentioned := match[1]
			if !members[mentioned] || isSyntheticMember(mentioned) || mentioned == agentID {
				continue
			}
			if err := m.waker.NotifyMention(mentioned); err != nil {
				return seq, err
			}
		}
	}

	return seq, nil
}

// DeltaResult is the response to a delta read: up to maxDeltaMessages of the
// most recent messages, content-truncated to maxMessageChars, with a truncated
// flag set when older messages were dropped or a message's content was cut.
type DeltaResult struct {
	Messages  []storage.ChannelMessage
	Truncated bool
	MaxSeq    int64
}

// ReadDelta returns messages after sinceSeq, capped at the most recent
// maxDeltaMessages and with each message's content truncated to
// maxMessageChars.
func (m *Manager) ReadDelta(channelID string, sinceSeq int64) (DeltaResult, error) {
	maxSeq, err := m.messages.MaxSeq(channelID)
	if err != nil {
		return DeltaResult{}, err
	}

	// List returns messages oldest-first with no seq-based filter available,
	// so fetch the whole channel and filter by seq in-code; channel history
	// is bounded by archival in practice.
	all, err := m.messages.List(storage.Filter{ChannelID: channelID})
	if err != nil {
		return DeltaResult{}, err
	}

	var filtered []storage.ChannelMessage
	for _, msg := range all {
		if msg.Seq > sinceSeq {
			filtered = append(filtered, msg)
		}
	}

	truncated := false
	if len(filtered) > maxDeltaMessages {
		filtered = filtered[len(filtered)-maxDeltaMessages:]
		truncated = true
	}
	for i := range filtered {
		if len(filtered[i].Content) > maxMessageChars {
			filtered[i].Content = filtered[i].Content[:maxMessageChars]
			truncated = true
		}
	}

	return DeltaResult{Messages: filtered, Truncated: truncated, MaxSeq: maxSeq}, nil
}

// ArchiveStatus reports the progress of a pending two-phase archive.
type ArchiveStatus struct {
	Pending bool
	Ready   int
	Total   int
	Waiting []string
}

// Archive begins the two-phase archive protocol. When force is true, the
// channel is archived immediately regardless of member readiness. When the
// protocol is already pending for this channel, Archive is a no-op that
// reports the current readiness status rather than restarting the countdown.
func (m *Manager) Archive(channelID, requestedBy string, force bool) (ArchiveStatus, error) {
	c, err := m.channels.Get(channelID)
	if err != nil {
		return ArchiveStatus{}, err
	}
	if c.Archived {
		return ArchiveStatus{}, nil
	}

	if force {
		return ArchiveStatus{}, m.finalizeArchive(channelID, requestedBy)
	}

	if c.ArchivingStartedAt != nil {
		return archiveStatus(c), nil
	}

	now := time.Now().UTC()
	if err := m.channels.Update(channelID, func(ch *storage.Channel) {
		ch.ArchivingStartedAt = &now
		ch.ArchiveReadyMembers = nil
	}); err != nil {
		return ArchiveStatus{}, err
	}
	if _, err := m.messages.Append(storage.ChannelMessage{
		ChannelID: channelID,
		AgentID:   "system",
		Content:   "archive requested: reply with archiveReady to confirm",
		Timestamp: now,
	}); err != nil {
		return ArchiveStatus{}, err
	}
	_ = m.audit.Append(requestedBy, "", "channel.archive-requested", storage.AuditGreen, channelID, "ok", 0)

	c, err = m.channels.Get(channelID)
	if err != nil {
		return ArchiveStatus{}, err
	}
	return archiveStatus(c), nil
}

// archiveStatus computes readiness counts, excluding synthetic members per
// §4.5.4's finalize-condition rule.
func archiveStatus(c storage.Channel) ArchiveStatus {
	readySet := make(map[string]bool, len(c.ArchiveReadyMembers))
	for _, a := range c.ArchiveReadyMembers {
		readySet[a] = true
	}
	status := ArchiveStatus{Pending: true}
	for _, member := range c.Members {
		if isSyntheticMember(member) {
			continue
		}
		status.Total++
		if readySet[member] {
			status.Ready++
		} else {
			status.Waiting = append(status.Waiting, member)
		}
	}
	return status
}

// ArchiveReady marks a member ready to archive. Once every non-synthetic
// member has signaled readiness, the channel is finalized.
func (m *Manager) ArchiveReady(channelID, agentID string) error {
	c, err := m.channels.Get(channelID)
	if err != nil {
		return err
	}
	if c.Archived {
		return nil
	}
	if c.ArchivingStartedAt == nil {
		return fmt.Errorf("%w: channel %s archive was not requested", statemachine.ErrInvalidState, channelID)
	}

	ready := append(append([]string{}, c.ArchiveReadyMembers...), agentID)
	if err := m.channels.Update(channelID, func(ch *storage.Channel) {
		ch.ArchiveReadyMembers = dedupe(ready)
	}); err != nil {
		return err
	}

	c, err = m.channels.Get(channelID)
	if err != nil {
		return err
	}
	if allReady(c) {
		return m.finalizeArchive(channelID, agentID)
	}
	return nil
}

func allReady(c storage.Channel) bool {
	readySet := make(map[string]bool, len(c.ArchiveReadyMembers))
	for _, a := range c.ArchiveReadyMembers {
		readySet[a] = true
	}
	for _, member := range c.Members {
		if isSyntheticMember(member) {
			continue
		}
		if !readySet[member] {
			return false
		}
	}
	return true
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func (m *Manager) finalizeArchive(channelID, triggeredBy string) error {
	if _, err := m.messages.Append(storage.ChannelMessage{
		ChannelID: channelID,
		AgentID:   "system",
		Content:   "channel archived",
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return err
	}

	if err := m.channels.Update(channelID, func(ch *storage.Channel) {
		ch.Archived = true
		ch.ArchivingStartedAt = nil
		ch.UpdatedAt = time.Now().UTC()
	}); err != nil {
		return err
	}

	bridges, err := m.bridges.List(storage.Filter{ChannelID: channelID})
	if err != nil {
		return err
	}
	for _, b := range bridges {
		if !b.Active {
			continue
		}
		if m.notifier != nil {
			if err := m.notifier.Relay(b, "channel archived"); err != nil {
				m.logger.Warn("best-effort archive notification to bridge %s failed: %v", b.BridgeID, err)
			}
		}
		if err := m.bridges.Update(b.BridgeID, func(br *storage.Bridge) {
			br.Active = false
		}); err != nil {
			return err
		}
	}

	_ = m.audit.Append(triggeredBy, "", "channel.archive", storage.AuditGreen, channelID, "ok", 0)
	return nil
}
