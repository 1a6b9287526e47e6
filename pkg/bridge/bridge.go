// Package bridge implements the C5 bridge subsystem: external chat platform
// adapters (Slack, Discord) wired to a single fleet channel apiece.
package bridge

import (
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/slack-go/slack"

	"github.com/mconcat/flock/pkg/audit"
	"github.com/mconcat/flock/pkg/statemachine"
	"github.com/mconcat/flock/pkg/storage"
)

// Platform identifies the external chat system a bridge relays to.
type Platform string

const (
	PlatformSlack   Platform = "slack"
	PlatformDiscord Platform = "discord"
)

// Adapter is the narrow surface a platform client must expose for the
// bridge manager to relay a channel message outward. Slack and Discord
// adapters wrap *slack.Client and *discordgo.Session respectively.
type Adapter interface {
	PostMessage(externalChannelID, content string) error
}

// SlackAdapter relays channel posts to a Slack channel via slack-go/slack.
type SlackAdapter struct {
	Client *slack.Client
}

func (a *SlackAdapter) PostMessage(externalChannelID, content string) error {
	_, _, err := a.Client.PostMessage(externalChannelID, slack.MsgOptionText(content, false))
	return err
}

// DiscordAdapter relays channel posts to a Discord channel via bwmarrin/discordgo.
type DiscordAdapter struct {
	Session *discordgo.Session
}

func (a *DiscordAdapter) PostMessage(externalChannelID, content string) error {
	_, err := a.Session.ChannelMessageSend(externalChannelID, content)
	return err
}

// ChannelChecker reports whether a channel exists and is archived, so bridge
// creation can be refused against an archived channel without pkg/bridge
// importing pkg/channel.
type ChannelChecker interface {
	IsArchived(channelID string) (bool, error)
}

// Manager owns bridge CRUD and the platform adapters it relays through.
type Manager struct {
	store    storage.BridgeStore
	channels ChannelChecker
	audit    *audit.Log
	adapters map[Platform]Adapter
}

func NewManager(store storage.BridgeStore, channels ChannelChecker, auditLog *audit.Log) *Manager {
	return &Manager{store: store, channels: channels, audit: auditLog, adapters: make(map[Platform]Adapter)}
}

// RegisterAdapter wires a platform client in for outbound relay.
func (m *Manager) RegisterAdapter(platform Platform, adapter Adapter) {
	m.adapters[platform] = adapter
}

// Create registers a new bridge, refusing duplicates on
// (platform, externalChannelId) among active bridges and refusing creation
// against an archived channel.
func (m *Manager) Create(channelID string, platform Platform, externalChannelID, accountID, webhookURL, createdBy string) (storage.Bridge, error) {
	archived, err := m.channels.IsArchived(channelID)
	if err != nil {
		return storage.Bridge{}, err
	}
	if archived {
		return storage.Bridge{}, fmt.Errorf("%w: channel %s is archived", statemachine.ErrTerminalState, channelID)
	}

	existing, err := m.store.List(storage.Filter{})
	if err != nil {
		return storage.Bridge{}, err
	}
	for _, b := range existing {
		if b.Active && b.Platform == string(platform) && b.ExternalChannelID == externalChannelID {
			return storage.Bridge{}, fmt.Errorf("%w: an active bridge already targets %s/%s", statemachine.ErrDuplicateBridge, platform, externalChannelID)
		}
	}

	b := storage.Bridge{
		BridgeID:          fmt.Sprintf("%s-%s-%d", platform, channelID, time.Now().UTC().UnixNano()),
		ChannelID:         channelID,
		Platform:          string(platform),
		ExternalChannelID: externalChannelID,
		AccountID:         accountID,
		WebhookURL:        webhookURL,
		CreatedBy:         createdBy,
		CreatedAt:         time.Now().UTC(),
		Active:            true,
	}
	if err := m.store.Insert(b); err != nil {
		return storage.Bridge{}, err
	}
	_ = m.audit.Append(createdBy, "", "bridge.create", storage.AuditGreen, b.BridgeID, "ok", 0)
	return b, nil
}

// List returns bridges matching f.
func (m *Manager) List(f storage.Filter) ([]storage.Bridge, error) {
	return m.store.List(f)
}

// Pause flips a bridge inactive without removing it.
func (m *Manager) Pause(bridgeID, requestedBy string) error {
	if err := m.store.Update(bridgeID, func(b *storage.Bridge) {
		b.Active = false
	}); err != nil {
		return err
	}
	_ = m.audit.Append(requestedBy, "", "bridge.pause", storage.AuditGreen, bridgeID, "ok", 0)
	return nil
}

// Resume reactivates a paused bridge.
func (m *Manager) Resume(bridgeID, requestedBy string) error {
	if err := m.store.Update(bridgeID, func(b *storage.Bridge) {
		b.Active = true
	}); err != nil {
		return err
	}
	_ = m.audit.Append(requestedBy, "", "bridge.resume", storage.AuditGreen, bridgeID, "ok", 0)
	return nil
}

// Remove deletes a bridge permanently.
func (m *Manager) Remove(bridgeID, requestedBy string) error {
	if err := m.store.Delete(bridgeID); err != nil {
		return err
	}
	_ = m.audit.Append(requestedBy, "", "bridge.remove", storage.AuditGreen, bridgeID, "ok", 0)
	return nil
}

// Relay posts content out through the bridge's platform adapter, if one is
// registered. A bridge with no registered adapter is a silent no-op; not
// every deployment wires every platform.
func (m *Manager) Relay(b storage.Bridge, content string) error {
	if !b.Active {
		return nil
	}
	adapter, ok := m.adapters[Platform(b.Platform)]
	if !ok {
		return nil
	}
	return adapter.PostMessage(b.ExternalChannelID, content)
}
