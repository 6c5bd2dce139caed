// Package state keeps a registry of VM runs so the CLI can list what ran,
// when, and how it ended. The registry lives in a single sqlite database
// under the user's data directory.
package state

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/SuchAFuriousDeath/obliteration/internal/errx"
)

// Run statuses.
const (
	StatusRunning = "running"
	StatusExited  = "exited"
)

// Run is one recorded VM run.
type Run struct {
	ID        string
	ProfileID string
	Profile   string
	Kernel    string
	DebugAddr string
	Status    string
	Success   bool
	Reason    string
	StartedAt time.Time
	ExitedAt  time.Time // zero while the run is still live
}

// Store is the run registry. Safe for concurrent use; database/sql
// serializes access to the single connection sqlite allows.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	profile_id   TEXT NOT NULL,
	profile_name TEXT NOT NULL,
	kernel       TEXT NOT NULL,
	debug_addr   TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	success      INTEGER NOT NULL DEFAULT 0,
	reason       TEXT NOT NULL DEFAULT '',
	started_at   INTEGER NOT NULL,
	exited_at    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS runs_status ON runs(status);
`

// Open opens (creating if needed) the registry at path. The parent
// directory is created when missing.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errx.Wrap(ErrOpenStore, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errx.Wrap(ErrOpenStore, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errx.Wrap(ErrMigrate, err)
	}
	return &Store{db: db}, nil
}

// Register records a new run with status running. StartedAt defaults to
// now when unset.
func (s *Store) Register(run Run) error {
	started := run.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO runs (id, profile_id, profile_name, kernel, debug_addr, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ProfileID, run.Profile, run.Kernel, run.DebugAddr,
		StatusRunning, started.Unix(),
	)
	if err != nil {
		return errx.Wrap(ErrRegister, err)
	}
	return nil
}

// MarkExited records that the run ended. Success distinguishes a clean
// guest halt from an error exit; reason carries the error text when the
// exit was not clean.
func (s *Store) MarkExited(id string, success bool, reason string) error {
	res, err := s.db.Exec(
		`UPDATE runs SET status = ?, success = ?, reason = ?, exited_at = ? WHERE id = ?`,
		StatusExited, boolInt(success), reason, time.Now().Unix(), id,
	)
	if err != nil {
		return errx.Wrap(ErrUpdate, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errx.Wrap(ErrUpdate, err)
	}
	if n == 0 {
		return errx.With(ErrRunNotFound, ": %s", id)
	}
	return nil
}

// Get returns one run by id.
func (s *Store) Get(id string) (Run, error) {
	row := s.db.QueryRow(
		`SELECT id, profile_id, profile_name, kernel, debug_addr, status, success, reason, started_at, exited_at
		 FROM runs WHERE id = ?`, id)

	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return Run{}, errx.With(ErrRunNotFound, ": %s", id)
	}
	if err != nil {
		return Run{}, errx.Wrap(ErrList, err)
	}
	return run, nil
}

// List returns all runs, most recently started first.
func (s *Store) List() ([]Run, error) {
	rows, err := s.db.Query(
		`SELECT id, profile_id, profile_name, kernel, debug_addr, status, success, reason, started_at, exited_at
		 FROM runs ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, errx.Wrap(ErrList, err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, errx.Wrap(ErrList, err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.Wrap(ErrList, err)
	}
	return runs, nil
}

// Prune deletes all exited runs and returns how many were removed.
// Running entries are kept.
func (s *Store) Prune() (int, error) {
	res, err := s.db.Exec(`DELETE FROM runs WHERE status = ?`, StatusExited)
	if err != nil {
		return 0, errx.Wrap(ErrPrune, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errx.Wrap(ErrPrune, err)
	}
	return int(n), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanRun(scan func(dest ...any) error) (Run, error) {
	var (
		run     Run
		success int
		started int64
		exited  int64
	)
	err := scan(&run.ID, &run.ProfileID, &run.Profile, &run.Kernel, &run.DebugAddr,
		&run.Status, &success, &run.Reason, &started, &exited)
	if err != nil {
		return Run{}, err
	}
	run.Success = success != 0
	run.StartedAt = time.Unix(started, 0)
	if exited != 0 {
		run.ExitedAt = time.Unix(exited, 0)
	}
	return run, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
