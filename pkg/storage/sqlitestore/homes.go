package sqlitestore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mconcat/flock/pkg/storage"
)

const timeLayout = time.RFC3339Nano

type homeStore struct {
	db *sql.DB
}

func (h *homeStore) Insert(home storage.Home) error {
	metaJSON, err := json.Marshal(home.Metadata)
	if err != nil {
		return fmt.Errorf("marshal home metadata: %w", err)
	}
	_, err = h.db.Exec(
		`INSERT INTO homes (home_id, agent_id, node_id, state, lease_expires_at, metadata_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		home.HomeID, home.AgentID, home.NodeID, home.State, home.LeaseExpiresAt, string(metaJSON),
		home.CreatedAt.Format(timeLayout), home.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExistsFor(home.HomeID)
		}
		return fmt.Errorf("insert home %s: %w", home.HomeID, err)
	}
	return nil
}

func (h *homeStore) Get(homeID string) (storage.Home, error) {
	row := h.db.QueryRow(
		`SELECT home_id, agent_id, node_id, state, lease_expires_at, metadata_json, created_at, updated_at
		 FROM homes WHERE home_id = ?`, homeID)
	return scanHome(row)
}

func scanHome(row *sql.Row) (storage.Home, error) {
	var (
		home      storage.Home
		metaJSON  string
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&home.HomeID, &home.AgentID, &home.NodeID, &home.State, &home.LeaseExpiresAt,
		&metaJSON, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Home{}, storage.ErrNotFound
		}
		return storage.Home{}, fmt.Errorf("scan home: %w", err)
	}
	_ = json.Unmarshal([]byte(metaJSON), &home.Metadata)
	home.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	home.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return home, nil
}

// Update applies mutate to the current row and writes it back. Per the
// durable backend's documented semantics, updating a missing key is a
// silent no-op rather than an error.
func (h *homeStore) Update(homeID string, mutate func(*storage.Home)) error {
	home, err := h.Get(homeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	mutate(&home)
	home.UpdatedAt = time.Now().UTC()

	metaJSON, err := json.Marshal(home.Metadata)
	if err != nil {
		return fmt.Errorf("marshal home metadata: %w", err)
	}
	_, err = h.db.Exec(
		`UPDATE homes SET agent_id=?, node_id=?, state=?, lease_expires_at=?, metadata_json=?, updated_at=?
		 WHERE home_id=?`,
		home.AgentID, home.NodeID, home.State, home.LeaseExpiresAt, string(metaJSON),
		home.UpdatedAt.Format(timeLayout), homeID,
	)
	if err != nil {
		return fmt.Errorf("update home %s: %w", homeID, err)
	}
	return nil
}

func (h *homeStore) Delete(homeID string) error {
	res, err := h.db.Exec(`DELETE FROM homes WHERE home_id = ?`, homeID)
	if err != nil {
		return fmt.Errorf("delete home %s: %w", homeID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (h *homeStore) List(f storage.Filter) ([]storage.Home, error) {
	query := `SELECT home_id, agent_id, node_id, state, lease_expires_at, metadata_json, created_at, updated_at FROM homes WHERE 1=1`
	var args []any
	if f.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.State != "" {
		query += ` AND state = ?`
		args = append(args, f.State)
	}
	query += ` ORDER BY home_id ASC`

	rows, err := h.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list homes: %w", err)
	}
	defer rows.Close()

	var out []storage.Home
	for rows.Next() {
		var (
			home      storage.Home
			metaJSON  string
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(&home.HomeID, &home.AgentID, &home.NodeID, &home.State, &home.LeaseExpiresAt,
			&metaJSON, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan home row: %w", err)
		}
		_ = json.Unmarshal([]byte(metaJSON), &home.Metadata)
		home.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		home.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
		out = append(out, home)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
