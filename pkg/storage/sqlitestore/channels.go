package sqlitestore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mconcat/flock/pkg/storage"
)

type channelStore struct {
	db *sql.DB
}

func (c *channelStore) Insert(ch storage.Channel) error {
	membersJSON, err := json.Marshal(ch.Members)
	if err != nil {
		return fmt.Errorf("marshal channel members: %w", err)
	}
	readyJSON, err := json.Marshal(ch.ArchiveReadyMembers)
	if err != nil {
		return fmt.Errorf("marshal archive-ready members: %w", err)
	}
	var archivingStartedAt any
	if ch.ArchivingStartedAt != nil {
		archivingStartedAt = ch.ArchivingStartedAt.Format(timeLayout)
	}

	_, err = c.db.Exec(
		`INSERT INTO channels (channel_id, topic, created_by, members_json, archived, archive_ready_json,
			archiving_started_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.ChannelID, ch.Topic, ch.CreatedBy, string(membersJSON), boolToInt(ch.Archived), string(readyJSON),
		archivingStartedAt, ch.CreatedAt.Format(timeLayout), ch.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExistsFor(ch.ChannelID)
		}
		return fmt.Errorf("insert channel %s: %w", ch.ChannelID, err)
	}
	return nil
}

func (c *channelStore) Get(channelID string) (storage.Channel, error) {
	row := c.db.QueryRow(
		`SELECT channel_id, topic, created_by, members_json, archived, archive_ready_json,
			archiving_started_at, created_at, updated_at
		 FROM channels WHERE channel_id = ?`, channelID)
	return scanChannel(row)
}

func scanChannel(row *sql.Row) (storage.Channel, error) {
	var (
		ch                   storage.Channel
		membersJSON, readyJSON string
		archived             int
		archivingStartedAt   sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&ch.ChannelID, &ch.Topic, &ch.CreatedBy, &membersJSON, &archived, &readyJSON,
		&archivingStartedAt, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Channel{}, storage.ErrNotFound
		}
		return storage.Channel{}, fmt.Errorf("scan channel: %w", err)
	}
	_ = json.Unmarshal([]byte(membersJSON), &ch.Members)
	_ = json.Unmarshal([]byte(readyJSON), &ch.ArchiveReadyMembers)
	ch.Archived = archived != 0
	if archivingStartedAt.Valid {
		ts, _ := time.Parse(timeLayout, archivingStartedAt.String)
		ch.ArchivingStartedAt = &ts
	}
	ch.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	ch.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return ch, nil
}

// Update is a silent no-op against a missing channel, per the durable
// backend's documented semantics.
func (c *channelStore) Update(channelID string, mutate func(*storage.Channel)) error {
	ch, err := c.Get(channelID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	mutate(&ch)
	ch.UpdatedAt = time.Now().UTC()

	membersJSON, err := json.Marshal(ch.Members)
	if err != nil {
		return fmt.Errorf("marshal channel members: %w", err)
	}
	readyJSON, err := json.Marshal(ch.ArchiveReadyMembers)
	if err != nil {
		return fmt.Errorf("marshal archive-ready members: %w", err)
	}
	var archivingStartedAt any
	if ch.ArchivingStartedAt != nil {
		archivingStartedAt = ch.ArchivingStartedAt.Format(timeLayout)
	}

	_, err = c.db.Exec(
		`UPDATE channels SET topic=?, members_json=?, archived=?, archive_ready_json=?,
			archiving_started_at=?, updated_at=? WHERE channel_id=?`,
		ch.Topic, string(membersJSON), boolToInt(ch.Archived), string(readyJSON),
		archivingStartedAt, ch.UpdatedAt.Format(timeLayout), channelID,
	)
	if err != nil {
		return fmt.Errorf("update channel %s: %w", channelID, err)
	}
	return nil
}

func (c *channelStore) Delete(channelID string) error {
	res, err := c.db.Exec(`DELETE FROM channels WHERE channel_id = ?`, channelID)
	if err != nil {
		return fmt.Errorf("delete channel %s: %w", channelID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (c *channelStore) List(f storage.Filter) ([]storage.Channel, error) {
	rows, err := c.db.Query(
		`SELECT channel_id, topic, created_by, members_json, archived, archive_ready_json,
			archiving_started_at, created_at, updated_at FROM channels ORDER BY channel_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Channel
	for rows.Next() {
		var (
			ch                     storage.Channel
			membersJSON, readyJSON string
			archived               int
			archivingStartedAt     sql.NullString
			createdAt, updatedAt   string
		)
		if err := rows.Scan(&ch.ChannelID, &ch.Topic, &ch.CreatedBy, &membersJSON, &archived, &readyJSON,
			&archivingStartedAt, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(membersJSON), &ch.Members)
		_ = json.Unmarshal([]byte(readyJSON), &ch.ArchiveReadyMembers)
		ch.Archived = archived != 0
		if archivingStartedAt.Valid {
			ts, _ := time.Parse(timeLayout, archivingStartedAt.String)
			ch.ArchivingStartedAt = &ts
		}
		ch.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		ch.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
		out = append(out, ch)
	}
	return out, rows.Err()
}

type channelMessageStore struct {
	db *sql.DB
}

func (m *channelMessageStore) Append(msg storage.ChannelMessage) (int64, error) {
	tx, err := m.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(seq) FROM channel_messages WHERE channel_id = ?`, msg.ChannelID).Scan(&maxSeq); err != nil {
		return 0, err
	}
	nextSeq := maxSeq.Int64 + 1

	if _, err := tx.Exec(
		`INSERT INTO channel_messages (channel_id, seq, agent_id, content, timestamp) VALUES (?, ?, ?, ?, ?)`,
		msg.ChannelID, nextSeq, msg.AgentID, msg.Content, msg.Timestamp.Format(timeLayout),
	); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return nextSeq, nil
}

func (m *channelMessageStore) List(f storage.Filter) ([]storage.ChannelMessage, error) {
	query := `SELECT channel_id, seq, agent_id, content, timestamp FROM channel_messages WHERE channel_id = ?`
	args := []any{f.ChannelID}
	query += ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := m.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.ChannelMessage
	for rows.Next() {
		var msg storage.ChannelMessage
		var ts string
		if err := rows.Scan(&msg.ChannelID, &msg.Seq, &msg.AgentID, &msg.Content, &ts); err != nil {
			return nil, err
		}
		msg.Timestamp, _ = time.Parse(timeLayout, ts)
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (m *channelMessageStore) Count(f storage.Filter) (int, error) {
	var n int
	err := m.db.QueryRow(`SELECT COUNT(*) FROM channel_messages WHERE channel_id = ?`, f.ChannelID).Scan(&n)
	return n, err
}

func (m *channelMessageStore) MaxSeq(channelID string) (int64, error) {
	var maxSeq sql.NullInt64
	err := m.db.QueryRow(`SELECT MAX(seq) FROM channel_messages WHERE channel_id = ?`, channelID).Scan(&maxSeq)
	if err != nil {
		return 0, err
	}
	return maxSeq.Int64, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
