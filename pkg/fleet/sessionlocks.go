package fleet

import (
	"os"
	"path/filepath"
	"time"

	"github.com/mconcat/flock/pkg/logx"
)

// SessionLockSweeper implements scheduler.StaleLockSweeper: a best-effort
// pass over per-home session lock files (<session>.lock under the
// configured sessions directory) that removes any whose mtime is older than
// the threshold the scheduler passes in (§4.6 step 4). A sessions directory
// that doesn't exist is not an error; sweeping is simply a no-op for nodes
// that don't use filesystem session locks.
type SessionLockSweeper struct {
	dir    string
	logger *logx.Logger
}

func NewSessionLockSweeper(dir string) *SessionLockSweeper {
	return &SessionLockSweeper{dir: dir, logger: logx.NewLogger("scheduler")}
}

// SweepStaleLocks removes every "*.lock" file directly under dir whose
// modification time is before olderThan, returning the count removed.
func (s *SessionLockSweeper) SweepStaleLocks(olderThan time.Time) (int, error) {
	if s.dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lock" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			s.logger.Warn("stat session lock %s failed: %v", entry.Name(), err)
			continue
		}
		if info.ModTime().After(olderThan) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if err := os.Remove(path); err != nil {
			s.logger.Warn("remove stale session lock %s failed: %v", path, err)
			continue
		}
		removed++
	}
	return removed, nil
}
