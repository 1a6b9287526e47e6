package sqlitestore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mconcat/flock/pkg/storage"
)

type migrationStore struct {
	db *sql.DB
}

func (m *migrationStore) Insert(mig storage.Migration) error {
	_, err := m.db.Exec(
		`INSERT INTO migrations_tickets (migration_id, agent_id, source_node_id, source_endpoint,
			target_node_id, target_endpoint, phase, ownership_holder, reason, created_at, updated_at,
			checksum, verification_ok, abort_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mig.MigrationID, mig.AgentID, mig.SourceNodeID, mig.SourceEndpoint, mig.TargetNodeID, mig.TargetEndpoint,
		mig.Phase, mig.OwnershipHolder, mig.Reason, mig.CreatedAt.Format(timeLayout), mig.UpdatedAt.Format(timeLayout),
		mig.Checksum, boolToInt(mig.VerificationOK), mig.AbortReason,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExistsFor(mig.MigrationID)
		}
		return fmt.Errorf("insert migration %s: %w", mig.MigrationID, err)
	}
	return nil
}

func (m *migrationStore) Get(migrationID string) (storage.Migration, error) {
	row := m.db.QueryRow(
		`SELECT migration_id, agent_id, source_node_id, source_endpoint, target_node_id, target_endpoint,
			phase, ownership_holder, reason, created_at, updated_at, checksum, verification_ok, abort_reason
		 FROM migrations_tickets WHERE migration_id = ?`, migrationID)
	return scanMigration(row)
}

func scanMigration(row *sql.Row) (storage.Migration, error) {
	var (
		mig                  storage.Migration
		createdAt, updatedAt string
		verificationOK       int
	)
	if err := row.Scan(&mig.MigrationID, &mig.AgentID, &mig.SourceNodeID, &mig.SourceEndpoint,
		&mig.TargetNodeID, &mig.TargetEndpoint, &mig.Phase, &mig.OwnershipHolder, &mig.Reason,
		&createdAt, &updatedAt, &mig.Checksum, &verificationOK, &mig.AbortReason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Migration{}, storage.ErrNotFound
		}
		return storage.Migration{}, fmt.Errorf("scan migration: %w", err)
	}
	mig.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	mig.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	mig.VerificationOK = verificationOK != 0
	return mig, nil
}

// Update is a silent no-op against a missing migration ticket, per the
// durable backend's documented semantics.
func (m *migrationStore) Update(migrationID string, mutate func(*storage.Migration)) error {
	mig, err := m.Get(migrationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	mutate(&mig)
	mig.UpdatedAt = time.Now().UTC()

	_, err = m.db.Exec(
		`UPDATE migrations_tickets SET phase=?, ownership_holder=?, reason=?, updated_at=?, checksum=?,
			verification_ok=?, abort_reason=? WHERE migration_id=?`,
		mig.Phase, mig.OwnershipHolder, mig.Reason, mig.UpdatedAt.Format(timeLayout), mig.Checksum,
		boolToInt(mig.VerificationOK), mig.AbortReason, migrationID,
	)
	if err != nil {
		return fmt.Errorf("update migration %s: %w", migrationID, err)
	}
	return nil
}

func (m *migrationStore) List(f storage.Filter) ([]storage.Migration, error) {
	query := `SELECT migration_id, agent_id, source_node_id, source_endpoint, target_node_id, target_endpoint,
		phase, ownership_holder, reason, created_at, updated_at, checksum, verification_ok, abort_reason
		FROM migrations_tickets WHERE 1=1`
	var args []any
	if f.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := m.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Migration
	for rows.Next() {
		var (
			mig                  storage.Migration
			createdAt, updatedAt string
			verificationOK       int
		)
		if err := rows.Scan(&mig.MigrationID, &mig.AgentID, &mig.SourceNodeID, &mig.SourceEndpoint,
			&mig.TargetNodeID, &mig.TargetEndpoint, &mig.Phase, &mig.OwnershipHolder, &mig.Reason,
			&createdAt, &updatedAt, &mig.Checksum, &verificationOK, &mig.AbortReason); err != nil {
			return nil, err
		}
		mig.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		mig.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
		mig.VerificationOK = verificationOK != 0
		out = append(out, mig)
	}
	return out, rows.Err()
}
