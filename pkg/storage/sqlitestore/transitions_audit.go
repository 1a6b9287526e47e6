package sqlitestore

import (
	"database/sql"
	"time"

	"github.com/mconcat/flock/pkg/storage"
)

type transitionStore struct {
	db *sql.DB
}

func (t *transitionStore) Append(tr storage.Transition) (int64, error) {
	res, err := t.db.Exec(
		`INSERT INTO transitions (home_id, from_state, to_state, reason, triggered_by, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		tr.HomeID, tr.FromState, tr.ToState, tr.Reason, tr.TriggeredBy, tr.Timestamp.Format(timeLayout),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (t *transitionStore) List(f storage.Filter) ([]storage.Transition, error) {
	query := `SELECT home_id, from_state, to_state, reason, triggered_by, timestamp FROM transitions WHERE 1=1`
	var args []any
	if f.HomeID != "" {
		query += ` AND home_id = ?`
		args = append(args, f.HomeID)
	}
	if !f.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.Since.Format(timeLayout))
	}
	query += ` ORDER BY seq DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := t.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Transition
	for rows.Next() {
		var tr storage.Transition
		var ts string
		if err := rows.Scan(&tr.HomeID, &tr.FromState, &tr.ToState, &tr.Reason, &tr.TriggeredBy, &ts); err != nil {
			return nil, err
		}
		tr.Timestamp, _ = time.Parse(timeLayout, ts)
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (t *transitionStore) Count(f storage.Filter) (int, error) {
	query := `SELECT COUNT(*) FROM transitions WHERE 1=1`
	var args []any
	if f.HomeID != "" {
		query += ` AND home_id = ?`
		args = append(args, f.HomeID)
	}
	var n int
	err := t.db.QueryRow(query, args...).Scan(&n)
	return n, err
}

type auditStore struct {
	db *sql.DB
}

func (a *auditStore) Append(e storage.AuditEntry) (int64, error) {
	res, err := a.db.Exec(
		`INSERT INTO audit_entries (id, timestamp, agent_id, home_id, action, level, detail, result, duration_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.Format(timeLayout), e.AgentID, e.HomeID, e.Action, string(e.Level), e.Detail, e.Result, e.Duration.Nanoseconds(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// List returns entries newest-first, capped at 100 unless a smaller Limit is
// requested, matching the memstore backend's §4.2 query contract.
func (a *auditStore) List(f storage.Filter) ([]storage.AuditEntry, error) {
	limit := 100
	if f.Limit > 0 && f.Limit < limit {
		limit = f.Limit
	}

	query := `SELECT id, timestamp, agent_id, home_id, action, level, detail, result, duration_ns FROM audit_entries WHERE 1=1`
	var args []any
	if f.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.HomeID != "" {
		query += ` AND home_id = ?`
		args = append(args, f.HomeID)
	}
	if f.Level != "" {
		query += ` AND level = ?`
		args = append(args, string(f.Level))
	}
	if !f.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.Since.Format(timeLayout))
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.AuditEntry
	for rows.Next() {
		var e storage.AuditEntry
		var ts, level string
		var durationNs int64
		if err := rows.Scan(&e.ID, &ts, &e.AgentID, &e.HomeID, &e.Action, &level, &e.Detail, &e.Result, &durationNs); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(timeLayout, ts)
		e.Level = storage.AuditLevel(level)
		e.Duration = time.Duration(durationNs)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (a *auditStore) Count(f storage.Filter) (int, error) {
	query := `SELECT COUNT(*) FROM audit_entries WHERE 1=1`
	var args []any
	if f.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.HomeID != "" {
		query += ` AND home_id = ?`
		args = append(args, f.HomeID)
	}
	if f.Level != "" {
		query += ` AND level = ?`
		args = append(args, string(f.Level))
	}
	if !f.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.Since.Format(timeLayout))
	}
	var n int
	err := a.db.QueryRow(query, args...).Scan(&n)
	return n, err
}
