// Package sqlite persists rules, sync state, tasks, and settings.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tgforward/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS rules (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	name              TEXT NOT NULL UNIQUE,
	source_chat       TEXT NOT NULL,
	target_chat       TEXT NOT NULL,
	mode              TEXT NOT NULL DEFAULT 'clone',
	interval_min      INTEGER NOT NULL DEFAULT 30,
	filter_spec       TEXT NOT NULL DEFAULT '',
	detect_album      INTEGER NOT NULL DEFAULT 1,
	media_passthrough INTEGER NOT NULL DEFAULT 0,
	enabled           INTEGER NOT NULL DEFAULT 1,
	note              TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	updated_at        TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

CREATE TABLE IF NOT EXISTS state (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	rule_id         INTEGER NOT NULL,
	namespace       TEXT NOT NULL DEFAULT 'default',
	last_msg_id     INTEGER NOT NULL DEFAULT 0,
	last_sync_at    TEXT,
	total_forwarded INTEGER NOT NULL DEFAULT 0,
	UNIQUE(rule_id, namespace),
	FOREIGN KEY (rule_id) REFERENCES rules(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS tasks (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	namespace  TEXT NOT NULL DEFAULT 'default',
	kind       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	progress   REAL NOT NULL DEFAULT 0,
	stage      TEXT NOT NULL DEFAULT 'init',
	details    TEXT NOT NULL DEFAULT '{}',
	error      TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rules_enabled ON rules(enabled);
CREATE INDEX IF NOT EXISTS idx_state_rule_ns ON state(rule_id, namespace);
CREATE INDEX IF NOT EXISTS idx_tasks_ns_status ON tasks(namespace, status);
`

const (
	settingUploadThreads = "upload_threads"
	settingUploadLimit   = "upload_limit"
	settingUploadPartKB  = "upload_part_size_kb"
)

// Store is the durable table layer. It implements domain.RuleStore,
// domain.TaskStore, and domain.SettingsStore.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and initializes the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY between the watcher
	// and the task pool.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// ---- rules ----

func (s *Store) CreateRule(ctx context.Context, r *domain.Rule) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rules (name, source_chat, target_chat, mode, interval_min, filter_spec, detect_album, media_passthrough, enabled, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Name, r.SourceChat, r.TargetChat, string(r.Mode), r.IntervalMin,
		r.FilterSpec, boolInt(r.DetectAlbum), boolInt(r.MediaPassthrough), boolInt(r.Enabled), r.Note)
	if err != nil {
		return fmt.Errorf("create rule %q: %w", r.Name, err)
	}
	r.ID, err = res.LastInsertId()
	return err
}

func (s *Store) GetRule(ctx context.Context, id int64) (*domain.Rule, error) {
	return s.scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleCols+` FROM rules WHERE id = ?`, id))
}

func (s *Store) GetRuleByName(ctx context.Context, name string) (*domain.Rule, error) {
	return s.scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleCols+` FROM rules WHERE name = ?`, name))
}

func (s *Store) ListRules(ctx context.Context, enabledOnly bool) ([]domain.Rule, error) {
	q := `SELECT ` + ruleCols + ` FROM rules ORDER BY id`
	if enabledOnly {
		q = `SELECT ` + ruleCols + ` FROM rules WHERE enabled = 1 ORDER BY id`
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []domain.Rule
	for rows.Next() {
		r, err := scanRuleRow(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

func (s *Store) UpdateRule(ctx context.Context, r *domain.Rule) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rules SET name = ?, source_chat = ?, target_chat = ?, mode = ?,
			interval_min = ?, filter_spec = ?, detect_album = ?, media_passthrough = ?,
			enabled = ?, note = ?, updated_at = ?
		WHERE id = ?`,
		r.Name, r.SourceChat, r.TargetChat, string(r.Mode), r.IntervalMin,
		r.FilterSpec, boolInt(r.DetectAlbum), boolInt(r.MediaPassthrough),
		boolInt(r.Enabled), r.Note, now(), r.ID)
	if err != nil {
		return fmt.Errorf("update rule %d: %w", r.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("rule %d not found", r.ID)
	}
	return nil
}

func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	return err
}

const ruleCols = `id, name, source_chat, target_chat, mode, interval_min, filter_spec, detect_album, media_passthrough, enabled, note, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRuleRow(row rowScanner) (*domain.Rule, error) {
	var (
		r                            domain.Rule
		mode                         string
		detect, passthrough, enabled int
		createdAt, updatedAt         string
	)
	err := row.Scan(&r.ID, &r.Name, &r.SourceChat, &r.TargetChat, &mode, &r.IntervalMin,
		&r.FilterSpec, &detect, &passthrough, &enabled, &r.Note, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.Mode = domain.ForwardMode(mode)
	r.DetectAlbum = detect != 0
	r.MediaPassthrough = passthrough != 0
	r.Enabled = enabled != 0
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

func (s *Store) scanRule(row *sql.Row) (*domain.Rule, error) {
	r, err := scanRuleRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// ---- sync state ----

func (s *Store) GetState(ctx context.Context, ruleID int64, namespace string) (*domain.SyncState, error) {
	var (
		st     domain.SyncState
		syncAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT rule_id, namespace, last_msg_id, last_sync_at, total_forwarded
		FROM state WHERE rule_id = ? AND namespace = ?`, ruleID, namespace).
		Scan(&st.RuleID, &st.Namespace, &st.LastMsgID, &syncAt, &st.TotalForwarded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if syncAt.Valid {
		st.LastSyncAt = parseTime(syncAt.String)
	}
	return &st, nil
}

func (s *Store) CommitState(ctx context.Context, ruleID int64, namespace string, lastMsgID int, forwardedDelta int) error {
	// MAX() keeps the anchor monotone even under a misbehaving caller.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state (rule_id, namespace, last_msg_id, last_sync_at, total_forwarded)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(rule_id, namespace) DO UPDATE SET
			last_msg_id     = MAX(last_msg_id, excluded.last_msg_id),
			last_sync_at    = excluded.last_sync_at,
			total_forwarded = total_forwarded + ?`,
		ruleID, namespace, lastMsgID, now(), forwardedDelta, forwardedDelta)
	if err != nil {
		return fmt.Errorf("commit state for rule %d: %w", ruleID, err)
	}
	return nil
}

func (s *Store) GetStates(ctx context.Context, namespace string) ([]domain.SyncState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.rule_id, s.namespace, s.last_msg_id, s.last_sync_at, s.total_forwarded,
		       r.name, r.source_chat, r.target_chat
		FROM state s JOIN rules r ON s.rule_id = r.id
		WHERE s.namespace = ? ORDER BY s.rule_id`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []domain.SyncState
	for rows.Next() {
		var (
			st     domain.SyncState
			syncAt sql.NullString
		)
		if err := rows.Scan(&st.RuleID, &st.Namespace, &st.LastMsgID, &syncAt,
			&st.TotalForwarded, &st.RuleName, &st.SourceChat, &st.TargetChat); err != nil {
			return nil, err
		}
		if syncAt.Valid {
			st.LastSyncAt = parseTime(syncAt.String)
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// ---- tasks ----

func (s *Store) CreateTask(ctx context.Context, namespace, kind, details string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (namespace, kind, details) VALUES (?, ?, ?)`,
		namespace, kind, details)
	if err != nil {
		return 0, fmt.Errorf("create task: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) GetTask(ctx context.Context, id int64) (*domain.Task, error) {
	t, err := scanTaskRow(s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *Store) ListTasks(ctx context.Context, namespace string) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE namespace = ? ORDER BY id DESC`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *Store) ClaimPending(ctx context.Context, namespace string) (*domain.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t, err := scanTaskRow(tx.QueryRowContext(ctx, `
		SELECT `+taskCols+` FROM tasks
		WHERE namespace = ? AND status = 'pending'
		ORDER BY id LIMIT 1`, namespace))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = 'running', stage = 'starting', updated_at = ?
		WHERE id = ? AND status = 'pending'`, now(), t.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	t.Status = domain.TaskRunning
	t.Stage = "starting"
	return t, nil
}

func (s *Store) UpdateTaskProgress(ctx context.Context, id int64, progress float64, stage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET progress = ?, stage = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`, progress, stage, now(), id)
	return err
}

func (s *Store) FinishTask(ctx context.Context, id int64, status domain.TaskStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("finish task %d: %s is not a terminal status", id, status)
	}
	// Terminal rows stay as they are, and pending can never jump straight to
	// completed.
	allowedFrom := `('running')`
	if status == domain.TaskFailed || status == domain.TaskCancelled {
		allowedFrom = `('running','pending')`
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, stage = ?, error = ?, updated_at = ?
		WHERE id = ? AND status IN `+allowedFrom,
		string(status), string(status), errMsg, now(), id)
	return err
}

func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	return err
}

func (s *Store) ReconcileOrphans(ctx context.Context, namespace string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'failed', error = 'interrupted by restart', updated_at = ?
		WHERE namespace = ? AND status = 'running'`, now(), namespace)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const taskCols = `id, namespace, kind, status, progress, stage, details, error, created_at, updated_at`

func scanTaskRow(row rowScanner) (*domain.Task, error) {
	var (
		t                    domain.Task
		status               string
		createdAt, updatedAt string
	)
	err := row.Scan(&t.ID, &t.Namespace, &t.Kind, &status, &t.Progress, &t.Stage,
		&t.Details, &t.Error, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = domain.TaskStatus(status)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// ---- settings ----

func (s *Store) GetUploadSettings(ctx context.Context) (domain.UploadSettings, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings WHERE key IN (?, ?, ?)`,
		settingUploadThreads, settingUploadLimit, settingUploadPartKB)
	if err != nil {
		return domain.UploadSettings{}, err
	}
	defer rows.Close()

	var out domain.UploadSettings
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return domain.UploadSettings{}, err
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			continue
		}
		switch key {
		case settingUploadThreads:
			out.Threads = n
		case settingUploadLimit:
			out.Limit = n
		case settingUploadPartKB:
			out.PartSizeKB = n
		}
	}
	if err := rows.Err(); err != nil {
		return domain.UploadSettings{}, err
	}
	return out.Normalize(), nil
}

func (s *Store) SaveUploadSettings(ctx context.Context, settings domain.UploadSettings) error {
	settings = settings.Normalize()
	for key, value := range map[string]int{
		settingUploadThreads: settings.Threads,
		settingUploadLimit:   settings.Limit,
		settingUploadPartKB:  settings.PartSizeKB,
	} {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO settings (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, strconv.Itoa(value)); err != nil {
			return fmt.Errorf("save setting %s: %w", key, err)
		}
	}
	return nil
}

// ---- helpers ----

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
