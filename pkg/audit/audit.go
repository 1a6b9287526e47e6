// Package audit implements the fleet runtime's append-only audit log
// (§4.2): every write is a fire-and-forget Append, and queries are
// newest-first with a hard cap of 100 entries unless a smaller limit is
// requested.
package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/mconcat/flock/pkg/logx"
	"github.com/mconcat/flock/pkg/metrics"
	"github.com/mconcat/flock/pkg/storage"
)

// Log wraps a storage.AuditStore with ID generation and companion
// operator-facing logging for RED-level entries.
type Log struct {
	store   storage.AuditStore
	logger  *logx.Logger
	metrics *metrics.Registry
}

func New(store storage.AuditStore) *Log {
	return &Log{store: store, logger: logx.NewLogger("audit")}
}

// SetMetrics wires the node's metrics registry in; Append increments
// AuditEntriesTotal by level once set. Optional: a Log with no registry set
// simply skips the counter.
func (l *Log) SetMetrics(r *metrics.Registry) {
	l.metrics = r
}

// Append records an audit entry. It always assigns a fresh ID and
// timestamp; callers supply the rest. RED-level entries are additionally
// surfaced through logx so operators see them without having to query the
// audit store directly.
func (l *Log) Append(agentID, homeID, action string, level storage.AuditLevel, detail, result string, duration time.Duration) error {
	entry := storage.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		AgentID:   agentID,
		HomeID:    homeID,
		Action:    action,
		Level:     level,
		Detail:    detail,
		Result:    result,
		Duration:  duration,
	}
	_, err := l.store.Append(entry)
	if err != nil {
		l.logger.Error("audit append failed: action=%s agent=%s err=%v", action, agentID, err)
		return err
	}
	if l.metrics != nil {
		l.metrics.AuditEntriesTotal.WithLabelValues(string(level)).Inc()
	}
	if level == storage.AuditRed {
		l.logger.Warn("RED audit: action=%s agent=%s home=%s detail=%s", action, agentID, homeID, detail)
	}
	return nil
}

// Query returns matching entries newest-first, capped at 100 unless
// f.Limit requests fewer.
func (l *Log) Query(f storage.Filter) ([]storage.AuditEntry, error) {
	return l.store.List(f)
}

// Count returns the number of entries matching f, ignoring any Limit.
func (l *Log) Count(f storage.Filter) (int, error) {
	return l.store.Count(f)
}
