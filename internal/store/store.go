package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a task does not exist.
var ErrNotFound = errors.New("not found")

// Store provides access to the autofix database.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent access.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id           TEXT PRIMARY KEY,
		kind         TEXT NOT NULL DEFAULT 'fix',
		priority     TEXT NOT NULL DEFAULT 'medium',
		target       TEXT NOT NULL DEFAULT 'N/A',
		description  TEXT DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'pending',
		metadata     TEXT DEFAULT '{}',
		created_at   DATETIME NOT NULL,
		updated_at   DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS results (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id       TEXT NOT NULL,
		success       INTEGER NOT NULL,
		payload       TEXT NOT NULL,
		completed_at  DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT NOT NULL UNIQUE,
		type       TEXT NOT NULL,
		source     TEXT DEFAULT '',
		data       TEXT DEFAULT '',
		timestamp  DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cycles (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		status      TEXT NOT NULL DEFAULT 'running',
		discovered  INTEGER NOT NULL DEFAULT 0,
		dispatched  INTEGER NOT NULL DEFAULT 0,
		completed   INTEGER NOT NULL DEFAULT 0,
		failed      INTEGER NOT NULL DEFAULT 0,
		started_at  DATETIME NOT NULL,
		ended_at    DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_results_task ON results(task_id);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Databases created before review tracking lack this column.
	s.addColumnIfMissing("results", "requires_review", "INTEGER NOT NULL DEFAULT 0")
	return nil
}

// addColumnIfMissing adds a column to a table if it doesn't exist yet.
func (s *Store) addColumnIfMissing(table, column, colDef string) {
	rows, err := s.db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return
	}

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue *string
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			rows.Close()
			return
		}
		if name == column {
			rows.Close()
			return
		}
	}
	rows.Close()

	s.db.Exec("ALTER TABLE " + table + " ADD COLUMN " + column + " " + colDef)
}

// UpsertTask inserts a task or refreshes an existing one. CreatedAt of an
// existing row is preserved.
func (s *Store) UpsertTask(t TaskRequest) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO tasks (id, kind, priority, target, description, status, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			priority = excluded.priority,
			target = excluded.target,
			description = excluded.description,
			status = excluded.status,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		t.ID, string(t.Kind), string(t.Priority), t.Target, t.Description,
		string(t.Status), string(meta), t.CreatedAt.UTC(), now,
	)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(id string) (*TaskRequest, error) {
	row := s.db.QueryRow(
		`SELECT id, kind, priority, target, description, status, metadata, created_at, updated_at
		 FROM tasks WHERE id = ?`, id,
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// ListTasks returns all tasks, optionally filtered by status.
func (s *Store) ListTasks(status TaskStatus) ([]TaskRequest, error) {
	query := `SELECT id, kind, priority, target, description, status, metadata, created_at, updated_at FROM tasks`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []TaskRequest
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// UpdateTaskStatus changes a task's status.
func (s *Store) UpdateTaskStatus(id string, status TaskStatus) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), now, id,
	)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// ResetStaleTasks returns tasks stuck in dispatched or in-progress (left by
// a crash) to pending.
func (s *Store) ResetStaleTasks() (int, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, updated_at = ? WHERE status IN (?, ?)`,
		string(StatusPending), now, string(StatusDispatched), string(StatusInProgress),
	)
	if err != nil {
		return 0, fmt.Errorf("reset stale tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// AddResult appends a result to the ledger.
func (s *Store) AddResult(r TaskResult) error {
	if r.CompletedAt.IsZero() {
		r.CompletedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO results (task_id, success, requires_review, payload, completed_at) VALUES (?, ?, ?, ?, ?)`,
		r.TaskID, boolInt(r.Success), boolInt(r.RequiresHumanReview), string(payload), r.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("add result: %w", err)
	}
	return nil
}

// ListResults returns the full result ledger in insertion order.
func (s *Store) ListResults() ([]TaskResult, error) {
	return s.queryResults(`SELECT payload FROM results ORDER BY id`)
}

// ResultsForTask returns every result recorded for a task, oldest first.
func (s *Store) ResultsForTask(taskID string) ([]TaskResult, error) {
	return s.queryResults(`SELECT payload FROM results WHERE task_id = ? ORDER BY id`, taskID)
}

func (s *Store) queryResults(query string, args ...any) ([]TaskResult, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var results []TaskResult
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		var r TaskResult
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// AppendEvent writes one bus event to the durable events table.
func (s *Store) AppendEvent(e Event) error {
	_, err := s.db.Exec(
		`INSERT INTO events (id, type, source, data, timestamp) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Type, e.Source, string(e.Data), e.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns the newest limit events in publish order. An empty
// eventType matches every type; limit <= 0 means no limit.
func (s *Store) ListEvents(eventType string, limit int) ([]Event, error) {
	query := `SELECT id, type, source, data, timestamp FROM events`
	var args []any
	if eventType != "" {
		query += ` WHERE type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY seq DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var data string
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &data, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if data != "" {
			e.Data = json.RawMessage(data)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the query; flip to publish order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// StartCycle records the start of an orchestration cycle.
func (s *Store) StartCycle() (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`INSERT INTO cycles (status, started_at) VALUES (?, ?)`,
		string(CycleRunning), now,
	)
	if err != nil {
		return 0, fmt.Errorf("start cycle: %w", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// EndCycle marks a cycle as finished with its final counts.
func (s *Store) EndCycle(c CycleRun) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`UPDATE cycles SET status = ?, discovered = ?, dispatched = ?, completed = ?, failed = ?, ended_at = ?
		 WHERE id = ?`,
		string(c.Status), c.Discovered, c.Dispatched, c.Completed, c.Failed, now, c.ID,
	)
	if err != nil {
		return fmt.Errorf("end cycle: %w", err)
	}
	return nil
}

// ListCycles returns the most recent cycles, newest first.
func (s *Store) ListCycles(limit int) ([]CycleRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, status, discovered, dispatched, completed, failed, started_at, ended_at
		 FROM cycles ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	var cycles []CycleRun
	for rows.Next() {
		var c CycleRun
		var endedAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.Status, &c.Discovered, &c.Dispatched, &c.Completed, &c.Failed, &c.StartedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		if endedAt.Valid {
			c.EndedAt = endedAt.Time
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

// MarkInterruptedCycles closes cycles left running by a crash.
func (s *Store) MarkInterruptedCycles() (int, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE cycles SET status = ?, ended_at = ? WHERE status = ?`,
		string(CyclePartial), now, string(CycleRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted cycles: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*TaskRequest, error) {
	var t TaskRequest
	var meta string
	err := row.Scan(
		&t.ID, &t.Kind, &t.Priority, &t.Target, &t.Description, &t.Status,
		&meta, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
