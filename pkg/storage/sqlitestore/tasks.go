package sqlitestore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mconcat/flock/pkg/storage"
)

type taskStore struct {
	db *sql.DB
}

func (t *taskStore) Insert(task storage.Task) error {
	payloadJSON, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("marshal task payload: %w", err)
	}
	respJSON, err := json.Marshal(task.ResponsePayload)
	if err != nil {
		return fmt.Errorf("marshal task response payload: %w", err)
	}

	var completedAt any
	if task.CompletedAt != nil {
		completedAt = task.CompletedAt.Format(timeLayout)
	}

	_, err = t.db.Exec(
		`INSERT INTO tasks (task_id, context_id, from_agent_id, to_agent_id, state, message_type, summary,
			payload_json, response_text, response_payload_json, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.TaskID, task.ContextID, task.FromAgentID, task.ToAgentID, task.State, task.MessageType, task.Summary,
		string(payloadJSON), task.ResponseText, string(respJSON),
		task.CreatedAt.Format(timeLayout), task.UpdatedAt.Format(timeLayout), completedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExistsFor(task.TaskID)
		}
		return fmt.Errorf("insert task %s: %w", task.TaskID, err)
	}
	return nil
}

func (t *taskStore) Get(taskID string) (storage.Task, error) {
	row := t.db.QueryRow(
		`SELECT task_id, context_id, from_agent_id, to_agent_id, state, message_type, summary,
			payload_json, response_text, response_payload_json, created_at, updated_at, completed_at
		 FROM tasks WHERE task_id = ?`, taskID)
	return scanTask(row)
}

func scanTask(row *sql.Row) (storage.Task, error) {
	var (
		task                            storage.Task
		payloadJSON, respJSON           string
		createdAt, updatedAt            string
		completedAt                     sql.NullString
	)
	if err := row.Scan(&task.TaskID, &task.ContextID, &task.FromAgentID, &task.ToAgentID, &task.State,
		&task.MessageType, &task.Summary, &payloadJSON, &task.ResponseText, &respJSON,
		&createdAt, &updatedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Task{}, storage.ErrNotFound
		}
		return storage.Task{}, fmt.Errorf("scan task: %w", err)
	}
	_ = json.Unmarshal([]byte(payloadJSON), &task.Payload)
	_ = json.Unmarshal([]byte(respJSON), &task.ResponsePayload)
	task.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	task.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	if completedAt.Valid {
		ts, _ := time.Parse(timeLayout, completedAt.String)
		task.CompletedAt = &ts
	}
	return task, nil
}

// Update is a silent no-op against a missing task, per the durable
// backend's documented semantics.
func (t *taskStore) Update(taskID string, mutate func(*storage.Task)) error {
	task, err := t.Get(taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	mutate(&task)
	task.UpdatedAt = time.Now().UTC()

	payloadJSON, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("marshal task payload: %w", err)
	}
	respJSON, err := json.Marshal(task.ResponsePayload)
	if err != nil {
		return fmt.Errorf("marshal task response payload: %w", err)
	}
	var completedAt any
	if task.CompletedAt != nil {
		completedAt = task.CompletedAt.Format(timeLayout)
	}

	_, err = t.db.Exec(
		`UPDATE tasks SET state=?, message_type=?, summary=?, payload_json=?, response_text=?,
			response_payload_json=?, updated_at=?, completed_at=? WHERE task_id=?`,
		task.State, task.MessageType, task.Summary, string(payloadJSON), task.ResponseText,
		string(respJSON), task.UpdatedAt.Format(timeLayout), completedAt, taskID,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", taskID, err)
	}
	return nil
}

func (t *taskStore) List(f storage.Filter) ([]storage.Task, error) {
	limit := 100
	if f.Limit > 0 && f.Limit < limit {
		limit = f.Limit
	}

	query := `SELECT task_id, context_id, from_agent_id, to_agent_id, state, message_type, summary,
		payload_json, response_text, response_payload_json, created_at, updated_at, completed_at
		FROM tasks WHERE 1=1`
	var args []any
	if f.FromAgentID != "" {
		query += ` AND from_agent_id = ?`
		args = append(args, f.FromAgentID)
	}
	if f.ToAgentID != "" {
		query += ` AND to_agent_id = ?`
		args = append(args, f.ToAgentID)
	}
	if f.State != "" {
		query += ` AND state = ?`
		args = append(args, f.State)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := t.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Task
	for rows.Next() {
		var (
			task                  storage.Task
			payloadJSON, respJSON string
			createdAt, updatedAt  string
			completedAt           sql.NullString
		)
		if err := rows.Scan(&task.TaskID, &task.ContextID, &task.FromAgentID, &task.ToAgentID, &task.State,
			&task.MessageType, &task.Summary, &payloadJSON, &task.ResponseText, &respJSON,
			&createdAt, &updatedAt, &completedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(payloadJSON), &task.Payload)
		_ = json.Unmarshal([]byte(respJSON), &task.ResponsePayload)
		task.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		task.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
		if completedAt.Valid {
			ts, _ := time.Parse(timeLayout, completedAt.String)
			task.CompletedAt = &ts
		}
		out = append(out, task)
	}
	return out, rows.Err()
}
