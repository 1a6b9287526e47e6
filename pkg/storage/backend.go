package storage

// HomeStore is the C1 typed store over Home records, keyed by HomeID.
type HomeStore interface {
	Insert(h Home) error
	Get(homeID string) (Home, error)
	Update(homeID string, mutate func(*Home)) error
	Delete(homeID string) error
	List(f Filter) ([]Home, error)
}

// TransitionStore is the append-log store over Home transitions.
type TransitionStore interface {
	Append(t Transition) (seq int64, err error)
	List(f Filter) ([]Transition, error)
	Count(f Filter) (int, error)
}

// AuditStore is the append-log store over audit entries.
type AuditStore interface {
	Append(e AuditEntry) (seq int64, err error)
	List(f Filter) ([]AuditEntry, error)
	Count(f Filter) (int, error)
}

// TaskStore is the C1 typed store over Task records, keyed by TaskID.
type TaskStore interface {
	Insert(t Task) error
	Get(taskID string) (Task, error)
	Update(taskID string, mutate func(*Task)) error
	List(f Filter) ([]Task, error)
}

// ChannelStore is the C1 typed store over Channel records, keyed by ChannelID.
type ChannelStore interface {
	Insert(c Channel) error
	Get(channelID string) (Channel, error)
	Update(channelID string, mutate func(*Channel)) error
	Delete(channelID string) error
	List(f Filter) ([]Channel, error)
}

// ChannelMessageStore is the append-log store over channel messages.
// Append assigns the next per-channel seq atomically.
type ChannelMessageStore interface {
	Append(m ChannelMessage) (seq int64, err error)
	List(f Filter) ([]ChannelMessage, error)
	Count(f Filter) (int, error)
	MaxSeq(channelID string) (int64, error)
}

// BridgeStore is the C1 typed store over Bridge records, keyed by BridgeID.
type BridgeStore interface {
	Insert(b Bridge) error
	Get(bridgeID string) (Bridge, error)
	Update(bridgeID string, mutate func(*Bridge)) error
	Delete(bridgeID string) error
	List(f Filter) ([]Bridge, error)
}

// AgentLoopStore is the C1 typed store over AgentLoop records, keyed by AgentID.
type AgentLoopStore interface {
	Insert(a AgentLoop) error
	Get(agentID string) (AgentLoop, error)
	Update(agentID string, mutate func(*AgentLoop)) error
	List(f Filter) ([]AgentLoop, error)
}

// MigrationStore is the C1 typed store over Migration tickets, keyed by MigrationID.
type MigrationStore interface {
	Insert(m Migration) error
	Get(migrationID string) (Migration, error)
	Update(migrationID string, mutate func(*Migration)) error
	List(f Filter) ([]Migration, error)
}

// Backend bundles every typed store behind the two interchangeable
// implementations (memstore, sqlitestore). Migrate must be idempotent; Close
// flushes and releases resources.
type Backend interface {
	Homes() HomeStore
	Transitions() TransitionStore
	Audit() AuditStore
	Tasks() TaskStore
	Channels() ChannelStore
	ChannelMessages() ChannelMessageStore
	Bridges() BridgeStore
	AgentLoop() AgentLoopStore
	Migrations() MigrationStore

	Migrate() error
	Close() error
}
