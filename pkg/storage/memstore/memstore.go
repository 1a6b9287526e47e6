// Package memstore implements storage.Backend entirely in memory. It is
// used for tests and for ephemeral nodes that do not need to survive a
// restart. Its update semantics are strict: updating a missing key returns
// storage.ErrNotFound, unlike the durable backend's silent no-op (spec §9).
package memstore

import (
	"sort"
	"sync"
	"time"

	"github.com/mconcat/flock/pkg/storage"
)

// Store is an in-memory implementation of storage.Backend.
type Store struct {
	homes       *homeStore
	transitions *transitionStore
	audit       *auditStore
	tasks       *taskStore
	channels    *channelStore
	messages    *channelMessageStore
	bridges     *bridgeStore
	agentLoop   *agentLoopStore
	migrations  *migrationStore
}

// New constructs an empty in-memory backend.
func New() *Store {
	return &Store{
		homes:       &homeStore{data: make(map[string]storage.Home)},
		transitions: &transitionStore{},
		audit:       &auditStore{},
		tasks:       &taskStore{data: make(map[string]storage.Task)},
		channels:    &channelStore{data: make(map[string]storage.Channel)},
		messages:    &channelMessageStore{byChannel: make(map[string][]storage.ChannelMessage)},
		bridges:     &bridgeStore{data: make(map[string]storage.Bridge)},
		agentLoop:   &agentLoopStore{data: make(map[string]storage.AgentLoop)},
		migrations:  &migrationStore{data: make(map[string]storage.Migration)},
	}
}

func (s *Store) Homes() storage.HomeStore                     { return s.homes }
func (s *Store) Transitions() storage.TransitionStore          { return s.transitions }
func (s *Store) Audit() storage.AuditStore                     { return s.audit }
func (s *Store) Tasks() storage.TaskStore                      { return s.tasks }
func (s *Store) Channels() storage.ChannelStore                { return s.channels }
func (s *Store) ChannelMessages() storage.ChannelMessageStore  { return s.messages }
func (s *Store) Bridges() storage.BridgeStore                  { return s.bridges }
func (s *Store) AgentLoop() storage.AgentLoopStore              { return s.agentLoop }
func (s *Store) Migrations() storage.MigrationStore            { return s.migrations }

// Migrate is a no-op: there is no schema to bootstrap for an in-memory store.
func (s *Store) Migrate() error { return nil }

// Close releases all in-memory state.
func (s *Store) Close() error {
	*s = *New()
	return nil
}

// --- Homes ---

type homeStore struct {
	mu   sync.RWMutex
	data map[string]storage.Home
}

func (h *homeStore) Insert(home storage.Home) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.data[home.HomeID]; exists {
		return storage.ErrAlreadyExistsFor(home.HomeID)
	}
	h.data[home.HomeID] = home
	return nil
}

func (h *homeStore) Get(homeID string) (storage.Home, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.data[homeID]
	if !ok {
		return storage.Home{}, storage.ErrNotFound
	}
	return v, nil
}

func (h *homeStore) Update(homeID string, mutate func(*storage.Home)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.data[homeID]
	if !ok {
		return storage.ErrNotFound
	}
	mutate(&v)
	v.UpdatedAt = time.Now().UTC()
	h.data[homeID] = v
	return nil
}

func (h *homeStore) Delete(homeID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.data[homeID]; !ok {
		return storage.ErrNotFound
	}
	delete(h.data, homeID)
	return nil
}

func (h *homeStore) List(f storage.Filter) ([]storage.Home, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]storage.Home, 0, len(h.data))
	for _, v := range h.data {
		if f.AgentID != "" && v.AgentID != f.AgentID {
			continue
		}
		if f.State != "" && v.State != f.State {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HomeID < out[j].HomeID })
	return out, nil
}

// --- Transitions (append-log) ---

type transitionStore struct {
	mu   sync.Mutex
	data []storage.Transition
}

func (t *transitionStore) Append(tr storage.Transition) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = append(t.data, tr)
	return int64(len(t.data)), nil
}

func (t *transitionStore) List(f storage.Filter) ([]storage.Transition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []storage.Transition
	for i := len(t.data) - 1; i >= 0; i-- {
		tr := t.data[i]
		if f.HomeID != "" && tr.HomeID != f.HomeID {
			continue
		}
		out = append(out, tr)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (t *transitionStore) Count(f storage.Filter) (int, error) {
	list, _ := t.List(storage.Filter{HomeID: f.HomeID})
	return len(list), nil
}

// --- Audit (append-log) ---

type auditStore struct {
	mu   sync.Mutex
	data []storage.AuditEntry
}

func (a *auditStore) Append(e storage.AuditEntry) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data = append(a.data, e)
	return int64(len(a.data)), nil
}

func (a *auditStore) List(f storage.Filter) ([]storage.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	var out []storage.AuditEntry
	for i := len(a.data) - 1; i >= 0; i-- {
		e := a.data[i]
		if f.AgentID != "" && e.AgentID != f.AgentID {
			continue
		}
		if f.HomeID != "" && e.HomeID != f.HomeID {
			continue
		}
		if f.Level != "" && e.Level != f.Level {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (a *auditStore) Count(f storage.Filter) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	count := 0
	for _, e := range a.data {
		if f.AgentID != "" && e.AgentID != f.AgentID {
			continue
		}
		if f.HomeID != "" && e.HomeID != f.HomeID {
			continue
		}
		if f.Level != "" && e.Level != f.Level {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		count++
	}
	return count, nil
}

// --- Tasks ---

type taskStore struct {
	mu   sync.RWMutex
	data map[string]storage.Task
}

func (t *taskStore) Insert(task storage.Task) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.data[task.TaskID]; exists {
		return storage.ErrAlreadyExistsFor(task.TaskID)
	}
	t.data[task.TaskID] = task
	return nil
}

func (t *taskStore) Get(taskID string) (storage.Task, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.data[taskID]
	if !ok {
		return storage.Task{}, storage.ErrNotFound
	}
	return v, nil
}

func (t *taskStore) Update(taskID string, mutate func(*storage.Task)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.data[taskID]
	if !ok {
		return storage.ErrNotFound
	}
	mutate(&v)
	v.UpdatedAt = time.Now().UTC()
	t.data[taskID] = v
	return nil
}

func (t *taskStore) List(f storage.Filter) ([]storage.Task, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	out := make([]storage.Task, 0, len(t.data))
	for _, v := range t.data {
		if f.FromAgentID != "" && v.FromAgentID != f.FromAgentID {
			continue
		}
		if f.ToAgentID != "" && v.ToAgentID != f.ToAgentID {
			continue
		}
		if f.State != "" && v.State != f.State {
			continue
		}
		if f.MessageType != "" && v.MessageType != f.MessageType {
			continue
		}
		if !f.Since.IsZero() && v.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Channels ---

type channelStore struct {
	mu   sync.RWMutex
	data map[string]storage.Channel
}

func (c *channelStore) Insert(ch storage.Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.data[ch.ChannelID]; exists {
		return storage.ErrAlreadyExistsFor(ch.ChannelID)
	}
	c.data[ch.ChannelID] = ch
	return nil
}

func (c *channelStore) Get(channelID string) (storage.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[channelID]
	if !ok {
		return storage.Channel{}, storage.ErrNotFound
	}
	return v, nil
}

func (c *channelStore) Update(channelID string, mutate func(*storage.Channel)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[channelID]
	if !ok {
		return storage.ErrNotFound
	}
	mutate(&v)
	v.UpdatedAt = time.Now().UTC()
	c.data[channelID] = v
	return nil
}

func (c *channelStore) Delete(channelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.data[channelID]; !ok {
		return storage.ErrNotFound
	}
	delete(c.data, channelID)
	return nil
}

func (c *channelStore) List(f storage.Filter) ([]storage.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]storage.Channel, 0, len(c.data))
	for _, v := range c.data {
		if f.AgentID != "" && !contains(v.Members, f.AgentID) {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// --- Channel messages (append-log, per-channel seq) ---

type channelMessageStore struct {
	mu        sync.Mutex
	byChannel map[string][]storage.ChannelMessage
}

func (m *channelMessageStore) Append(msg storage.ChannelMessage) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.byChannel[msg.ChannelID]
	msg.Seq = int64(len(existing)) + 1
	m.byChannel[msg.ChannelID] = append(existing, msg)
	return msg.Seq, nil
}

func (m *channelMessageStore) List(f storage.Filter) ([]storage.ChannelMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.byChannel[f.ChannelID]
	out := make([]storage.ChannelMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, msg)
	}
	return out, nil
}

func (m *channelMessageStore) Count(f storage.Filter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byChannel[f.ChannelID]), nil
}

func (m *channelMessageStore) MaxSeq(channelID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.byChannel[channelID]
	if len(msgs) == 0 {
		return 0, nil
	}
	return msgs[len(msgs)-1].Seq, nil
}

// --- Bridges ---

type bridgeStore struct {
	mu   sync.RWMutex
	data map[string]storage.Bridge
}

func (b *bridgeStore) Insert(br storage.Bridge) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.data[br.BridgeID]; exists {
		return storage.ErrAlreadyExistsFor(br.BridgeID)
	}
	for _, other := range b.data {
		if other.Active && other.Platform == br.Platform && other.ExternalChannelID == br.ExternalChannelID {
			return storage.ErrDuplicateBridgeFor(br.Platform, br.ExternalChannelID)
		}
	}
	b.data[br.BridgeID] = br
	return nil
}

func (b *bridgeStore) Get(bridgeID string) (storage.Bridge, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[bridgeID]
	if !ok {
		return storage.Bridge{}, storage.ErrNotFound
	}
	return v, nil
}

func (b *bridgeStore) Update(bridgeID string, mutate func(*storage.Bridge)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[bridgeID]
	if !ok {
		return storage.ErrNotFound
	}
	mutate(&v)
	b.data[bridgeID] = v
	return nil
}

func (b *bridgeStore) Delete(bridgeID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.data[bridgeID]; !ok {
		return storage.ErrNotFound
	}
	delete(b.data, bridgeID)
	return nil
}

func (b *bridgeStore) List(f storage.Filter) ([]storage.Bridge, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]storage.Bridge, 0, len(b.data))
	for _, v := range b.data {
		if f.ChannelID != "" && v.ChannelID != f.ChannelID {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BridgeID < out[j].BridgeID })
	return out, nil
}

// --- Agent loop ---

type agentLoopStore struct {
	mu   sync.RWMutex
	data map[string]storage.AgentLoop
}

func (a *agentLoopStore) Insert(al storage.AgentLoop) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data[al.AgentID] = al
	return nil
}

func (a *agentLoopStore) Get(agentID string) (storage.AgentLoop, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.data[agentID]
	if !ok {
		return storage.AgentLoop{}, storage.ErrNotFound
	}
	return v, nil
}

func (a *agentLoopStore) Update(agentID string, mutate func(*storage.AgentLoop)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.data[agentID]
	if !ok {
		return storage.ErrNotFound
	}
	mutate(&v)
	a.data[agentID] = v
	return nil
}

func (a *agentLoopStore) List(f storage.Filter) ([]storage.AgentLoop, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]storage.AgentLoop, 0, len(a.data))
	for _, v := range a.data {
		if f.State != "" && v.State != f.State {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// --- Migrations ---

type migrationStore struct {
	mu   sync.RWMutex
	data map[string]storage.Migration
}

func (m *migrationStore) Insert(mig storage.Migration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.data[mig.MigrationID]; exists {
		return storage.ErrAlreadyExistsFor(mig.MigrationID)
	}
	m.data[mig.MigrationID] = mig
	return nil
}

func (m *migrationStore) Get(migrationID string) (storage.Migration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[migrationID]
	if !ok {
		return storage.Migration{}, storage.ErrNotFound
	}
	return v, nil
}

func (m *migrationStore) Update(migrationID string, mutate func(*storage.Migration)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[migrationID]
	if !ok {
		return storage.ErrNotFound
	}
	mutate(&v)
	v.UpdatedAt = time.Now().UTC()
	m.data[migrationID] = v
	return nil
}

func (m *migrationStore) List(f storage.Filter) ([]storage.Migration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]storage.Migration, 0, len(m.data))
	for _, v := range m.data {
		if f.AgentID != "" && v.AgentID != f.AgentID {
			continue
		}
		if f.State != "" && v.Phase != f.State {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MigrationID < out[j].MigrationID })
	return out, nil
}

var _ storage.Backend = (*Store)(nil)
