package sqlitestore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mconcat/flock/pkg/storage"
)

type bridgeStore struct {
	db *sql.DB
}

func (b *bridgeStore) Insert(br storage.Bridge) error {
	_, err := b.db.Exec(
		`INSERT INTO bridges (bridge_id, channel_id, platform, external_channel_id, account_id, webhook_url,
			created_by, created_at, active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		br.BridgeID, br.ChannelID, br.Platform, br.ExternalChannelID, br.AccountID, br.WebhookURL,
		br.CreatedBy, br.CreatedAt.Format(timeLayout), boolToInt(br.Active),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateBridgeFor(br.Platform, br.ExternalChannelID)
		}
		return fmt.Errorf("insert bridge %s: %w", br.BridgeID, err)
	}
	return nil
}

func (b *bridgeStore) Get(bridgeID string) (storage.Bridge, error) {
	row := b.db.QueryRow(
		`SELECT bridge_id, channel_id, platform, external_channel_id, account_id, webhook_url,
			created_by, created_at, active FROM bridges WHERE bridge_id = ?`, bridgeID)
	return scanBridge(row)
}

func scanBridge(row *sql.Row) (storage.Bridge, error) {
	var (
		br        storage.Bridge
		createdAt string
		active    int
	)
	if err := row.Scan(&br.BridgeID, &br.ChannelID, &br.Platform, &br.ExternalChannelID, &br.AccountID,
		&br.WebhookURL, &br.CreatedBy, &createdAt, &active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Bridge{}, storage.ErrNotFound
		}
		return storage.Bridge{}, fmt.Errorf("scan bridge: %w", err)
	}
	br.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	br.Active = active != 0
	return br, nil
}

// Update is a silent no-op against a missing bridge, per the durable
// backend's documented semantics.
func (b *bridgeStore) Update(bridgeID string, mutate func(*storage.Bridge)) error {
	br, err := b.Get(bridgeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	mutate(&br)

	_, err = b.db.Exec(
		`UPDATE bridges SET channel_id=?, platform=?, external_channel_id=?, account_id=?, webhook_url=?,
			active=? WHERE bridge_id=?`,
		br.ChannelID, br.Platform, br.ExternalChannelID, br.AccountID, br.WebhookURL, boolToInt(br.Active), bridgeID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateBridgeFor(br.Platform, br.ExternalChannelID)
		}
		return fmt.Errorf("update bridge %s: %w", bridgeID, err)
	}
	return nil
}

func (b *bridgeStore) Delete(bridgeID string) error {
	res, err := b.db.Exec(`DELETE FROM bridges WHERE bridge_id = ?`, bridgeID)
	if err != nil {
		return fmt.Errorf("delete bridge %s: %w", bridgeID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (b *bridgeStore) List(f storage.Filter) ([]storage.Bridge, error) {
	query := `SELECT bridge_id, channel_id, platform, external_channel_id, account_id, webhook_url,
		created_by, created_at, active FROM bridges WHERE 1=1`
	var args []any
	if f.ChannelID != "" {
		query += ` AND channel_id = ?`
		args = append(args, f.ChannelID)
	}
	query += ` ORDER BY bridge_id ASC`

	rows, err := b.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Bridge
	for rows.Next() {
		var (
			br        storage.Bridge
			createdAt string
			active    int
		)
		if err := rows.Scan(&br.BridgeID, &br.ChannelID, &br.Platform, &br.ExternalChannelID, &br.AccountID,
			&br.WebhookURL, &br.CreatedBy, &createdAt, &active); err != nil {
			return nil, err
		}
		br.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		br.Active = active != 0
		out = append(out, br)
	}
	return out, rows.Err()
}

type agentLoopStore struct {
	db *sql.DB
}

func (l *agentLoopStore) Insert(a storage.AgentLoop) error {
	var sleptAt any
	if a.SleptAt != nil {
		sleptAt = a.SleptAt.Format(timeLayout)
	}
	_, err := l.db.Exec(
		`INSERT INTO agent_loop (agent_id, state, awakened_at, last_tick_at, slept_at, sleep_reason)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.AgentID, a.State, a.AwakenedAt.Format(timeLayout), a.LastTickAt.Format(timeLayout), sleptAt, a.SleepReason,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExistsFor(a.AgentID)
		}
		return fmt.Errorf("insert agent loop %s: %w", a.AgentID, err)
	}
	return nil
}

func (l *agentLoopStore) Get(agentID string) (storage.AgentLoop, error) {
	row := l.db.QueryRow(
		`SELECT agent_id, state, awakened_at, last_tick_at, slept_at, sleep_reason
		 FROM agent_loop WHERE agent_id = ?`, agentID)
	return scanAgentLoop(row)
}

func scanAgentLoop(row *sql.Row) (storage.AgentLoop, error) {
	var (
		a                      storage.AgentLoop
		awakenedAt, lastTickAt string
		sleptAt                sql.NullString
	)
	if err := row.Scan(&a.AgentID, &a.State, &awakenedAt, &lastTickAt, &sleptAt, &a.SleepReason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.AgentLoop{}, storage.ErrNotFound
		}
		return storage.AgentLoop{}, fmt.Errorf("scan agent loop: %w", err)
	}
	a.AwakenedAt, _ = time.Parse(timeLayout, awakenedAt)
	a.LastTickAt, _ = time.Parse(timeLayout, lastTickAt)
	if sleptAt.Valid {
		ts, _ := time.Parse(timeLayout, sleptAt.String)
		a.SleptAt = &ts
	}
	return a, nil
}

// Update is a silent no-op against a missing agent loop record, per the
// durable backend's documented semantics.
func (l *agentLoopStore) Update(agentID string, mutate func(*storage.AgentLoop)) error {
	a, err := l.Get(agentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	mutate(&a)

	var sleptAt any
	if a.SleptAt != nil {
		sleptAt = a.SleptAt.Format(timeLayout)
	}
	_, err = l.db.Exec(
		`UPDATE agent_loop SET state=?, awakened_at=?, last_tick_at=?, slept_at=?, sleep_reason=?
		 WHERE agent_id=?`,
		a.State, a.AwakenedAt.Format(timeLayout), a.LastTickAt.Format(timeLayout), sleptAt, a.SleepReason, agentID,
	)
	if err != nil {
		return fmt.Errorf("update agent loop %s: %w", agentID, err)
	}
	return nil
}

func (l *agentLoopStore) List(f storage.Filter) ([]storage.AgentLoop, error) {
	query := `SELECT agent_id, state, awakened_at, last_tick_at, slept_at, sleep_reason FROM agent_loop WHERE 1=1`
	var args []any
	if f.State != "" {
		query += ` AND state = ?`
		args = append(args, f.State)
	}
	query += ` ORDER BY agent_id ASC`

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.AgentLoop
	for rows.Next() {
		var (
			a                      storage.AgentLoop
			awakenedAt, lastTickAt string
			sleptAt                sql.NullString
		)
		if err := rows.Scan(&a.AgentID, &a.State, &awakenedAt, &lastTickAt, &sleptAt, &a.SleepReason); err != nil {
			return nil, err
		}
		a.AwakenedAt, _ = time.Parse(timeLayout, awakenedAt)
		a.LastTickAt, _ = time.Parse(timeLayout, lastTickAt)
		if sleptAt.Valid {
			ts, _ := time.Parse(timeLayout, sleptAt.String)
			a.SleptAt = &ts
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
