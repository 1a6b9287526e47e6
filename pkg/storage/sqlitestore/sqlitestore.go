// Package sqlitestore implements storage.Backend on top of
// modernc.org/sqlite, with schema migrations run through
// github.com/pressly/goose/v3. Unlike the in-memory backend, update on a
// missing key silently no-ops here; each backend keeps the behavior natural
// to its own storage model — see DESIGN.md.
package sqlitestore

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/mconcat/flock/pkg/storage"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a sqlite-backed implementation of storage.Backend.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a sqlite database file under dataDir
// and checks the connection. Open itself does not migrate; callers run
// Migrate() explicitly, so migration failures surface separately from Open
// failures.
func Open(dataDir string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s/fleet.db?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dataDir)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	return &Store{db: db}, nil
}

// Migrate runs all pending goose migrations. It is idempotent: running it
// against an already-migrated database is a no-op.
func (s *Store) Migrate() error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(s.db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close flushes and releases the underlying database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite database: %w", err)
	}
	return nil
}

func (s *Store) Homes() storage.HomeStore                    { return &homeStore{db: s.db} }
func (s *Store) Transitions() storage.TransitionStore         { return &transitionStore{db: s.db} }
func (s *Store) Audit() storage.AuditStore                    { return &auditStore{db: s.db} }
func (s *Store) Tasks() storage.TaskStore                     { return &taskStore{db: s.db} }
func (s *Store) Channels() storage.ChannelStore                { return &channelStore{db: s.db} }
func (s *Store) ChannelMessages() storage.ChannelMessageStore { return &channelMessageStore{db: s.db} }
func (s *Store) Bridges() storage.BridgeStore                 { return &bridgeStore{db: s.db} }
func (s *Store) AgentLoop() storage.AgentLoopStore             { return &agentLoopStore{db: s.db} }
func (s *Store) Migrations() storage.MigrationStore            { return &migrationStore{db: s.db} }

var _ storage.Backend = (*Store)(nil)
