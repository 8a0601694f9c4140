// Package history keeps a queryable SQLite archive of completed
// dispatches. The JSON state file remains the sole source of truth for
// dispatch state; this archive is a derived read-model written when a
// dispatch completes and again right before retention pruning deletes the
// JSON record, so operators keep reporting data indefinitely.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openclaw/dispatch/internal/dispatch/store"
)

// Archive wraps the SQLite connection.
type Archive struct {
	conn *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS completed_dispatches (
	identifier TEXT PRIMARY KEY,
	tier TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	completed_at TEXT NOT NULL,
	total_attempts INTEGER NOT NULL DEFAULT 1,
	pr_url TEXT NOT NULL DEFAULT '',
	project TEXT NOT NULL DEFAULT '',
	recorded_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_completed_dispatches_completed_at
	ON completed_dispatches(completed_at);
`

// DefaultPath returns "<user home>/.openclaw/dispatch-history.db", creating
// the parent directory if needed.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	dir := filepath.Join(home, ".openclaw")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "dispatch-history.db"), nil
}

// Open opens (creating if needed) the archive at path and runs the schema
// migration.
func Open(path string) (*Archive, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}

	return &Archive{conn: conn}, nil
}

func (a *Archive) Close() error {
	return a.conn.Close()
}

// RecordCompleted upserts one completed dispatch. The pipeline calls this
// when a dispatch completes and the monitor calls it again before pruning;
// the second write is a harmless overwrite with identical data.
func (a *Archive) RecordCompleted(d store.CompletedDispatch) error {
	_, err := a.conn.Exec(`
		INSERT INTO completed_dispatches (identifier, tier, status, completed_at, total_attempts, pr_url, project, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET
			tier = excluded.tier,
			status = excluded.status,
			completed_at = excluded.completed_at,
			total_attempts = excluded.total_attempts,
			pr_url = excluded.pr_url,
			project = excluded.project,
			recorded_at = excluded.recorded_at`,
		d.IssueIdentifier, string(d.Tier), string(d.Status),
		d.CompletedAt.UTC().Format(time.RFC3339), d.TotalAttempts, d.PRUrl, d.Project,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("recording completed dispatch %s: %w", d.IssueIdentifier, err)
	}
	return nil
}

// Get returns the archived record for identifier.
func (a *Archive) Get(identifier string) (store.CompletedDispatch, error) {
	row := a.conn.QueryRow(`
		SELECT identifier, tier, status, completed_at, total_attempts, pr_url, project
		FROM completed_dispatches WHERE identifier = ?`, identifier)
	return scanCompleted(row)
}

// ListRecent returns up to limit archived records, most recently completed
// first.
func (a *Archive) ListRecent(limit int) ([]store.CompletedDispatch, error) {
	rows, err := a.conn.Query(`
		SELECT identifier, tier, status, completed_at, total_attempts, pr_url, project
		FROM completed_dispatches
		ORDER BY completed_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing completed dispatches: %w", err)
	}
	defer rows.Close()

	var out []store.CompletedDispatch
	for rows.Next() {
		d, err := scanCompleted(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountByStatus returns how many archived dispatches carry each terminal
// status.
func (a *Archive) CountByStatus() (map[store.Status]int, error) {
	rows, err := a.conn.Query(`SELECT status, COUNT(*) FROM completed_dispatches GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting completed dispatches: %w", err)
	}
	defer rows.Close()

	counts := make(map[store.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts[store.Status(status)] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCompleted(row scanner) (store.CompletedDispatch, error) {
	var d store.CompletedDispatch
	var tier, status, completedAt string
	err := row.Scan(&d.IssueIdentifier, &tier, &status, &completedAt, &d.TotalAttempts, &d.PRUrl, &d.Project)
	if err != nil {
		return store.CompletedDispatch{}, fmt.Errorf("scanning completed dispatch: %w", err)
	}
	d.Tier = store.Tier(tier)
	d.Status = store.Status(status)
	d.CompletedAt, _ = time.Parse(time.RFC3339, completedAt)
	return d, nil
}
