package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// retentionWindow is how long a row is kept after it can no longer affect
// any cooldown decision made with a reasonable configured window; rows
// older than this are reclaimed opportunistically, mirroring the teacher's
// disk cache's 7-day sweep.
const retentionWindow = 7 * 24 * time.Hour

// SQLiteLedger persists history/blacklist entries across restarts, so a
// balancer process that is restarted mid-cooldown does not immediately
// re-attempt a VM it just failed to migrate. Reads are served from an
// in-memory copy; writes go through to the database synchronously.
//
// Structurally this is the same singleton-free, mutex-guarded sqlite cache
// shape as the disk cache used elsewhere in this codebase's lineage for
// caching VM resource data, repurposed here to persist migration
// bookkeeping instead.
type SQLiteLedger struct {
	*MemoryLedger
	db  *sql.DB
	log *zap.Logger
}

// OpenSQLiteLedger opens (creating if necessary) a sqlite-backed ledger at
// path and loads any previously persisted entries into memory.
func OpenSQLiteLedger(path string, log *zap.Logger) (*SQLiteLedger, error) {
	if log == nil {
		log = zap.NewNop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}

	l := &SQLiteLedger{
		MemoryLedger: NewMemoryLedger(),
		db:           db,
		log:          log,
	}

	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: init schema: %w", err)
	}
	if err := l.load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: load: %w", err)
	}
	if err := l.cleanup(); err != nil {
		log.Warn("ledger cleanup failed", zap.Error(err))
	}

	log.Info("migration ledger opened", zap.String("path", path))
	return l, nil
}

func (l *SQLiteLedger) initSchema() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS migration_ledger (
			vmid INTEGER NOT NULL,
			kind TEXT NOT NULL,
			recorded_at INTEGER NOT NULL,
			PRIMARY KEY (vmid, kind)
		)
	`)
	if err != nil {
		return err
	}
	_, err = l.db.Exec(`CREATE INDEX IF NOT EXISTS idx_migration_ledger_recorded_at ON migration_ledger(recorded_at)`)
	return err
}

func (l *SQLiteLedger) load() error {
	rows, err := l.db.Query(`SELECT vmid, kind, recorded_at FROM migration_ledger`)
	if err != nil {
		return err
	}
	defer rows.Close()

	history := make(map[int]time.Time)
	blacklist := make(map[int]time.Time)

	for rows.Next() {
		var vmid int
		var kind string
		var recordedAtUnix int64
		if err := rows.Scan(&vmid, &kind, &recordedAtUnix); err != nil {
			return err
		}
		ts := time.Unix(recordedAtUnix, 0)
		switch kind {
		case "history":
			history[vmid] = ts
		case "blacklist":
			blacklist[vmid] = ts
		}
	}
	l.MemoryLedger.restore(history, blacklist)
	return rows.Err()
}

func (l *SQLiteLedger) persist(vmID int, kind string, at time.Time) {
	_, err := l.db.Exec(`
		INSERT OR REPLACE INTO migration_ledger (vmid, kind, recorded_at)
		VALUES (?, ?, ?)
	`, vmID, kind, at.Unix())
	if err != nil {
		l.log.Warn("ledger persist failed", zap.Int("vm_id", vmID), zap.String("kind", kind), zap.Error(err))
	}
}

func (l *SQLiteLedger) RecordSuccess(vmID int) {
	l.MemoryLedger.RecordSuccess(vmID)
	l.persist(vmID, "history", time.Now())
}

func (l *SQLiteLedger) RecordFailure(vmID int) {
	l.MemoryLedger.RecordFailure(vmID)
	l.persist(vmID, "blacklist", time.Now())
}

// cleanup removes rows old enough that no realistic cooldown window would
// still consider them relevant.
func (l *SQLiteLedger) cleanup() error {
	cutoff := time.Now().Add(-retentionWindow).Unix()
	result, err := l.db.Exec(`DELETE FROM migration_ledger WHERE recorded_at < ?`, cutoff)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
		l.log.Debug("ledger cleanup removed stale entries", zap.Int64("count", affected))
	}
	return nil
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
