// Package storage defines the typed record stores (C1) shared by every
// lifecycle manager in the fleet runtime, plus the two interchangeable
// backend implementations: pkg/storage/memstore (in-memory) and
// pkg/storage/sqlitestore (durable, modernc.org/sqlite-backed).
package storage

import "time"

// Home mirrors the §3 Home record.
type Home struct {
	HomeID         string
	AgentID        string
	NodeID         string
	State          string
	LeaseExpiresAt *int64 // epoch ms, nil if absent
	Metadata       map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Transition mirrors the §3 Home transition record.
type Transition struct {
	HomeID      string
	FromState   string
	ToState     string
	Reason      string
	TriggeredBy string
	Timestamp   time.Time
}

// AuditLevel is one of GREEN, YELLOW, RED per §3.
type AuditLevel string

const (
	AuditGreen  AuditLevel = "GREEN"
	AuditYellow AuditLevel = "YELLOW"
	AuditRed    AuditLevel = "RED"
)

// AuditEntry mirrors the §3 Audit entry record.
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	AgentID   string
	HomeID    string
	Action    string
	Level     AuditLevel
	Detail    string
	Result    string
	Duration  time.Duration
}

// Task mirrors the §3 Task record.
type Task struct {
	TaskID          string
	ContextID       string
	FromAgentID     string
	ToAgentID       string
	State           string
	MessageType     string
	Summary         string
	Payload         map[string]any
	ResponseText    string
	ResponsePayload map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// Channel mirrors the §3 Channel record.
type Channel struct {
	ChannelID           string
	Topic               string
	CreatedBy           string
	Members             []string
	Archived            bool
	ArchiveReadyMembers []string
	ArchivingStartedAt  *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ChannelMessage mirrors the §3 Channel message record.
type ChannelMessage struct {
	ChannelID string
	Seq       int64
	AgentID   string
	Content   string
	Timestamp time.Time
}

// Bridge mirrors the §3 Bridge record.
type Bridge struct {
	BridgeID          string
	ChannelID         string
	Platform          string
	ExternalChannelID string
	AccountID         string
	WebhookURL        string
	CreatedBy         string
	CreatedAt         time.Time
	Active            bool
}

// AgentLoop mirrors the §3 Agent loop record.
type AgentLoop struct {
	AgentID      string
	State        string
	AwakenedAt   time.Time
	LastTickAt   time.Time
	SleptAt      *time.Time
	SleepReason  string
}

// Migration mirrors the §3 Migration ticket record.
type Migration struct {
	MigrationID       string
	AgentID           string
	SourceNodeID      string
	SourceEndpoint    string
	TargetNodeID      string
	TargetEndpoint    string
	Phase             string
	OwnershipHolder   string
	Reason            string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Checksum          string
	VerificationOK    bool
	AbortReason       string
}

// Filter expresses the common query parameters used by list/query/count
// across stores. A zero-valued field means "don't filter on this".
type Filter struct {
	AgentID     string
	HomeID      string
	ChannelID   string
	FromAgentID string
	ToAgentID   string
	State       string
	MessageType string
	Level       AuditLevel
	Since       time.Time
	Limit       int
}
