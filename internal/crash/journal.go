package crash

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Journal persists crash events to sqlite for later inspection. It lives at
// the state root, never inside known_crashes/; the in-guest runner hashes
// every file in that directory and a database does not belong in its skip
// list.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens or creates the journal database at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open crash journal: %w", err)
	}

	j := &Journal{db: db}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init crash journal schema: %w", err)
	}
	return j, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS crashes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		captured_at INTEGER NOT NULL, -- Unix timestamp
		worker TEXT NOT NULL,
		kind TEXT NOT NULL,
		source TEXT NOT NULL,
		artifact TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_crashes_captured_at ON crashes(captured_at);
	CREATE INDEX IF NOT EXISTS idx_crashes_kind ON crashes(kind);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record persists a single crash event.
func (j *Journal) Record(ev Event) error {
	query := `
		INSERT INTO crashes (captured_at, worker, kind, source, artifact)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := j.db.Exec(query,
		ev.At.Unix(),
		ev.Worker,
		string(ev.Kind),
		ev.Source,
		ev.Artifact,
	)
	return err
}

// Recent returns up to limit events, newest first.
func (j *Journal) Recent(limit int) ([]Event, error) {
	query := `
		SELECT captured_at, worker, kind, source, artifact
		FROM crashes
		ORDER BY captured_at DESC, id DESC
		LIMIT ?
	`
	rows, err := j.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var ts int64
		var kind string
		if err := rows.Scan(&ts, &ev.Worker, &kind, &ev.Source, &ev.Artifact); err != nil {
			return nil, err
		}
		ev.At = time.Unix(ts, 0)
		ev.Kind = Kind(kind)
		events = append(events, ev)
	}
	return events, rows.Err()
}
