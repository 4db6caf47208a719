// Package store is the idempotent workflow persistence layer (spec.md
// §4.7): a single table recording each submission's canonical JSON,
// submission/completion timestamps, and terminal status. Grounded on the
// teacher's internal/db/db.go connection setup (WAL pragmas,
// retry-with-backoff open) and on the original yerba/db.py schema and
// operation set (setup/find/add/update_status/get).
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"

	"github.com/yerba/yerbad/internal/logging"
	"github.com/yerba/yerbad/internal/status"
)

// WriteMutex serializes every SQLite write (INSERT/UPDATE) across the
// process. SQLite allows only one writer even under WAL, so every method
// here that mutates the table acquires it.
var WriteMutex sync.Mutex

// Row is one persisted workflow submission.
type Row struct {
	ID        int64
	Workflow  []byte
	Submitted string
	Completed string
	Status    status.Workflow
}

// Store wraps the workflows table.
type Store struct {
	db *sql.DB
}

// Open connects to path (a local SQLite file, or a libsql:// / https://
// remote database URL), applies the teacher's concurrency pragmas, and
// creates the workflows table with its id sequence seeded at startIndex
// if it does not already exist.
func Open(path string, startIndex int64) (*Store, error) {
	conn, err := connect(path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: conn}
	if err := s.setup(startIndex); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func connect(path string) (*sql.DB, error) {
	isRemote := strings.HasPrefix(path, "libsql://") || strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
	if isRemote {
		conn, err := sql.Open("libsql", path)
		if err != nil {
			return nil, fmt.Errorf("opening libsql database: %w", err)
		}
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(10)
		conn.SetConnMaxLifetime(5 * time.Minute)
		if err := conn.Ping(); err != nil {
			return nil, fmt.Errorf("connecting to libsql database: %w", err)
		}
		return conn, nil
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
	}

	const maxAttempts = 5
	baseDelay := 100 * time.Millisecond
	var conn *sql.DB
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		conn, err = sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		conn.SetMaxOpenConns(10)
		conn.SetMaxIdleConns(5)

		if err = conn.Ping(); err == nil {
			break
		}
		conn.Close()
		if attempt == maxAttempts-1 {
			return nil, fmt.Errorf("pinging database after %d attempts: %w", maxAttempts, err)
		}
		time.Sleep(baseDelay * time.Duration(1<<uint(attempt)))
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 30000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}
	return conn, nil
}

func (s *Store) setup(startIndex int64) error {
	WriteMutex.Lock()
	defer WriteMutex.Unlock()

	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS workflows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workflow BLOB NOT NULL UNIQUE,
		submitted TEXT,
		completed TEXT,
		status INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating workflows table: %w", err)
	}
	if startIndex > 0 {
		if _, err := s.db.Exec(
			`INSERT INTO sqlite_sequence (name, seq) VALUES ('workflows', ?)
			 ON CONFLICT(name) DO NOTHING`, startIndex-1); err != nil {
			logging.Error("store: seeding id sequence: %v", err)
		}
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	s.db.SetMaxOpenConns(0)
	s.db.SetMaxIdleConns(0)
	return s.db.Close()
}

// Find looks up a row by the canonical JSON encoding of a workflow
// submission, returning (nil, false, nil) when no match exists.
func (s *Store) Find(canonical []byte) (*Row, bool, error) {
	row := s.db.QueryRow(
		`SELECT id, workflow, submitted, completed, status FROM workflows WHERE workflow = ?`,
		canonical,
	)
	r, err := scanRow(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("finding workflow: %w", err)
	}
	return r, true, nil
}

// Add inserts a new row, stamping submitted with the current time.
// Uniqueness violations are swallowed: the caller is expected to re-Find
// on conflict, making submission idempotent (spec.md §4.7).
func (s *Store) Add(canonical []byte, initial status.Workflow) (int64, error) {
	WriteMutex.Lock()
	defer WriteMutex.Unlock()

	submitted := strconv.FormatInt(time.Now().Unix(), 10)
	res, err := s.db.Exec(
		`INSERT INTO workflows (workflow, submitted, status) VALUES (?, ?, ?)`,
		canonical, submitted, int(initial),
	)
	if err != nil {
		if isUniqueViolation(err) {
			logging.Debug("store: duplicate submission, ignoring insert conflict")
			return 0, nil
		}
		return 0, fmt.Errorf("inserting workflow: %w", err)
	}
	return res.LastInsertId()
}

// UpdateStatus sets the status column and, when completed is true, stamps
// the completed column with the current time.
func (s *Store) UpdateStatus(id int64, st status.Workflow, completed bool) error {
	WriteMutex.Lock()
	defer WriteMutex.Unlock()

	if completed {
		_, err := s.db.Exec(
			`UPDATE workflows SET status = ?, completed = ? WHERE id = ?`,
			int(st), strconv.FormatInt(time.Now().Unix(), 10), id,
		)
		return wrapUpdateErr(err)
	}
	_, err := s.db.Exec(`UPDATE workflows SET status = ? WHERE id = ?`, int(st), id)
	return wrapUpdateErr(err)
}

func wrapUpdateErr(err error) error {
	if err != nil {
		return fmt.Errorf("updating workflow status: %w", err)
	}
	return nil
}

// GetStatus returns the status of a single row, status.NotFound if absent.
func (s *Store) GetStatus(id int64) (status.Workflow, error) {
	var st int
	err := s.db.QueryRow(`SELECT status FROM workflows WHERE id = ?`, id).Scan(&st)
	if err == sql.ErrNoRows {
		return status.NotFound, nil
	}
	if err != nil {
		return status.NotFound, fmt.Errorf("getting workflow status: %w", err)
	}
	return status.Workflow(st), nil
}

// Get returns rows matching ids, or every row when ids is empty.
func (s *Store) Get(ids []int64) ([]Row, error) {
	var rows *sql.Rows
	var err error
	if len(ids) == 0 {
		rows, err = s.db.Query(`SELECT id, workflow, submitted, completed, status FROM workflows`)
	} else {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		args := make([]interface{}, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		rows, err = s.db.Query(
			fmt.Sprintf(`SELECT id, workflow, submitted, completed, status FROM workflows WHERE id IN (%s)`, placeholders),
			args...,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var submitted, completedAt sql.NullString
		var st int
		if err := rows.Scan(&r.ID, &r.Workflow, &submitted, &completedAt, &st); err != nil {
			return nil, fmt.Errorf("scanning workflow row: %w", err)
		}
		r.Submitted = submitted.String
		r.Completed = completedAt.String
		r.Status = status.Workflow(st)
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRow(row *sql.Row) (*Row, error) {
	var r Row
	var submitted, completedAt sql.NullString
	var st int
	if err := row.Scan(&r.ID, &r.Workflow, &submitted, &completedAt, &st); err != nil {
		return nil, err
	}
	r.Submitted = submitted.String
	r.Completed = completedAt.String
	r.Status = status.Workflow(st)
	return &r, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
