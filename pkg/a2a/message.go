// Package a2a defines the wire message exchanged between agents over the
// task dispatch path (C4). It plays the role the request/response envelope
// plays in a traditional RPC system, but dispatch is always fire-and-forget:
// the sender never blocks on a reply.
package a2a

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// MsgType identifies the kind of payload an AgentMsg carries.
type MsgType string

const (
	// MsgTypeTask carries a unit of work dispatched from one agent to another.
	MsgTypeTask MsgType = "TASK"
	// MsgTypeResponse carries a reply to a prior task that required input.
	MsgTypeResponse MsgType = "RESPONSE"
	// MsgTypeError carries a dispatch or processing failure.
	MsgTypeError MsgType = "ERROR"
)

// ValidMsgType reports whether t is one of the recognized message types.
func ValidMsgType(t MsgType) bool {
	switch t {
	case MsgTypeTask, MsgTypeResponse, MsgTypeError:
		return true
	default:
		return false
	}
}

// AgentMsg is the envelope carried across the dispatch boundary between two
// agents. It is intentionally small: task bodies live in Payload, not as
// dedicated struct fields, so new task shapes don't require wire changes.
type AgentMsg struct {
	ID         string            `json:"id"`
	Type       MsgType           `json:"type"`
	FromAgent  string            `json:"from_agent"`
	ToAgent    string            `json:"to_agent"`
	Timestamp  time.Time         `json:"timestamp"`
	Payload    map[string]any    `json:"payload,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	RetryCount int               `json:"retry_count,omitempty"`
	ParentID   string            `json:"parent_id,omitempty"`
}

var idCounter int64

// NextID returns a process-unique, monotonically increasing message ID
// suffix combined with the current time, mirroring how task IDs are minted
// across the rest of the store layer.
func NextID() string {
	n := atomic.AddInt64(&idCounter, 1)
	return fmt.Sprintf("msg-%d-%d", time.Now().UTC().UnixNano(), n)
}

// NewAgentMsg constructs a message with a generated ID and current timestamp.
func NewAgentMsg(msgType MsgType, fromAgent, toAgent string) *AgentMsg {
	return &AgentMsg{
		ID:        NextID(),
		Type:      msgType,
		FromAgent: fromAgent,
		ToAgent:   toAgent,
		Timestamp: time.Now().UTC(),
		Payload:   make(map[string]any),
		Metadata:  make(map[string]string),
	}
}

// ToJSON serializes the message.
func (m *AgentMsg) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal agent message: %w", err)
	}
	return data, nil
}

// FromJSON deserializes a message.
func FromJSON(data []byte) (*AgentMsg, error) {
	var m AgentMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal agent message: %w", err)
	}
	return &m, nil
}

// SetMetadata sets a metadata key, initializing the map if needed.
func (m *AgentMsg) SetMetadata(key, value string) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	m.Metadata[key] = value
}

// GetMetadata retrieves a metadata key.
func (m *AgentMsg) GetMetadata(key string) (string, bool) {
	v, ok := m.Metadata[key]
	return v, ok
}

// Clone deep-copies metadata and payload keys, but not payload values, so a
// retried dispatch doesn't mutate the original message's maps.
func (m *AgentMsg) Clone() *AgentMsg {
	clone := *m
	clone.Metadata = make(map[string]string, len(m.Metadata))
	for k, v := range m.Metadata {
		clone.Metadata[k] = v
	}
	clone.Payload = make(map[string]any, len(m.Payload))
	for k, v := range m.Payload {
		clone.Payload[k] = v
	}
	return &clone
}

// Validate checks the structural invariants of a message before dispatch.
func (m *AgentMsg) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("agent message missing id")
	}
	if !ValidMsgType(m.Type) {
		return fmt.Errorf("agent message %s has invalid type %q", m.ID, m.Type)
	}
	if m.FromAgent == "" || m.ToAgent == "" {
		return fmt.Errorf("agent message %s missing from/to agent", m.ID)
	}
	return nil
}
