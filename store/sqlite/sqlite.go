// Package sqlite implements store.Store using SQLite.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nadahlberg/codeclaw/groups"
	"github.com/nadahlberg/codeclaw/model"
)

// Store persists all CodeClaw state in a single SQLite database.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chats (
			tid               TEXT PRIMARY KEY,
			name              TEXT NOT NULL DEFAULT '',
			last_message_time TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS messages (
			delivery_id TEXT NOT NULL,
			chat_tid    TEXT NOT NULL,
			sender      TEXT NOT NULL DEFAULT '',
			sender_name TEXT NOT NULL DEFAULT '',
			content     TEXT NOT NULL DEFAULT '',
			timestamp   TEXT NOT NULL,
			is_bot      INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (delivery_id, chat_tid)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_chat_time
			ON messages(chat_tid, timestamp);

		CREATE TABLE IF NOT EXISTS agent_cursors (
			chat_tid       TEXT PRIMARY KEY,
			last_timestamp TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
			folder     TEXT PRIMARY KEY,
			session_id TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS processed_events (
			delivery_id  TEXT PRIMARY KEY,
			processed_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id             TEXT PRIMARY KEY,
			folder         TEXT NOT NULL,
			chat_tid       TEXT NOT NULL,
			prompt         TEXT NOT NULL,
			schedule_kind  TEXT NOT NULL,
			schedule_value TEXT NOT NULL,
			context_mode   TEXT NOT NULL DEFAULT 'isolated',
			next_run       TEXT,
			last_run       TEXT,
			last_result    TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL DEFAULT 'active',
			created_at     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON scheduled_tasks(next_run);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON scheduled_tasks(status);

		CREATE TABLE IF NOT EXISTS task_run_logs (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id     TEXT NOT NULL,
			run_at      TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			status      TEXT NOT NULL,
			result      TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (task_id) REFERENCES scheduled_tasks(id)
		);
		CREATE INDEX IF NOT EXISTS idx_task_run_logs ON task_run_logs(task_id, run_at);

		CREATE TABLE IF NOT EXISTS registered_repos (
			prefix           TEXT PRIMARY KEY,
			name             TEXT NOT NULL,
			folder           TEXT NOT NULL UNIQUE,
			trigger_pattern  TEXT NOT NULL DEFAULT '',
			requires_trigger INTEGER NOT NULL DEFAULT 1,
			container_config TEXT NOT NULL DEFAULT '',
			created_at       TEXT NOT NULL
		);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Fixed-width fraction: timestamp columns are compared with string
// operators, so every stored value must sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	// Tolerates older rows with shorter or absent fractions.
	return time.Parse(time.RFC3339Nano, s)
}

// --- Messages & chats ---

// InsertMessage upserts a message keyed by (delivery id, chat).
func (s *Store) InsertMessage(m *model.Message) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO messages
			(delivery_id, chat_tid, sender, sender_name, content, timestamp, is_bot)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.DeliveryID, m.ChatTID, m.Sender, m.SenderName, m.Content,
		formatTime(m.Timestamp), boolToInt(m.IsBot),
	)
	return err
}

// MessagesSince returns non-bot messages on chat strictly newer than since.
func (s *Store) MessagesSince(chatTID string, since time.Time, botPrefix string) ([]model.Message, error) {
	rows, err := s.db.Query(
		`SELECT delivery_id, chat_tid, sender, sender_name, content, timestamp, is_bot
		 FROM messages
		 WHERE chat_tid = ? AND timestamp > ?
			AND is_bot = 0 AND content NOT LIKE ? AND content != ''
		 ORDER BY timestamp`,
		chatTID, formatTime(since), botPrefix+":%",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func scanMessage(row scannable) (*model.Message, error) {
	var m model.Message
	var ts string
	var isBot int
	if err := row.Scan(&m.DeliveryID, &m.ChatTID, &m.Sender, &m.SenderName, &m.Content, &ts, &isBot); err != nil {
		return nil, err
	}
	t, err := parseTime(ts)
	if err != nil {
		return nil, fmt.Errorf("parsing message timestamp: %w", err)
	}
	m.Timestamp = t
	m.IsBot = isBot != 0
	return &m, nil
}

// UpsertChat records thread metadata; last_message_time only moves forward.
func (s *Store) UpsertChat(tid, name string, lastMessage time.Time) error {
	if name == "" {
		name = tid
	}
	_, err := s.db.Exec(
		`INSERT INTO chats (tid, name, last_message_time) VALUES (?, ?, ?)
		 ON CONFLICT(tid) DO UPDATE SET
			name = excluded.name,
			last_message_time = MAX(last_message_time, excluded.last_message_time)`,
		tid, name, formatTime(lastMessage),
	)
	return err
}

// ListChats returns all chats, most recently active first.
func (s *Store) ListChats() ([]model.Chat, error) {
	rows, err := s.db.Query(
		`SELECT tid, name, last_message_time FROM chats ORDER BY last_message_time DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []model.Chat
	for rows.Next() {
		var c model.Chat
		var ts string
		if err := rows.Scan(&c.TID, &c.Name, &ts); err != nil {
			return nil, err
		}
		t, err := parseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parsing chat timestamp: %w", err)
		}
		c.LastMessageTime = t
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// --- Agent cursors ---

// SetCursor records the last processed message timestamp for a chat.
func (s *Store) SetCursor(chatTID string, ts time.Time) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO agent_cursors (chat_tid, last_timestamp) VALUES (?, ?)`,
		chatTID, formatTime(ts),
	)
	return err
}

// GetCursor returns the cursor for a chat; ok is false when none is set.
func (s *Store) GetCursor(chatTID string) (time.Time, bool, error) {
	var ts string
	err := s.db.QueryRow(
		`SELECT last_timestamp FROM agent_cursors WHERE chat_tid = ?`, chatTID,
	).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := parseTime(ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing cursor: %w", err)
	}
	return t, true, nil
}

// ListCursors returns all chat cursors.
func (s *Store) ListCursors() (map[string]time.Time, error) {
	rows, err := s.db.Query(`SELECT chat_tid, last_timestamp FROM agent_cursors`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var tid, ts string
		if err := rows.Scan(&tid, &ts); err != nil {
			return nil, err
		}
		t, err := parseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parsing cursor: %w", err)
		}
		out[tid] = t
	}
	return out, rows.Err()
}

// --- Sessions ---

// SetSession maps a group folder to its agent session id.
func (s *Store) SetSession(folder, sessionID string) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO sessions (folder, session_id) VALUES (?, ?)`,
		folder, sessionID,
	)
	return err
}

// GetSession returns the stored session id for a folder, or "".
func (s *Store) GetSession(folder string) (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT session_id FROM sessions WHERE folder = ?`, folder).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

// ListSessions returns all folder-to-session mappings.
func (s *Store) ListSessions() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT folder, session_id FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var folder, id string
		if err := rows.Scan(&folder, &id); err != nil {
			return nil, err
		}
		out[folder] = id
	}
	return out, rows.Err()
}

// --- Processed events ---

// MarkProcessed adds a delivery id to the idempotency set. Re-adding is a
// no-op.
func (s *Store) MarkProcessed(deliveryID string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO processed_events (delivery_id, processed_at) VALUES (?, ?)`,
		deliveryID, formatTime(time.Now()),
	)
	return err
}

// IsProcessed reports whether a delivery id has been seen.
func (s *Store) IsProcessed(deliveryID string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM processed_events WHERE delivery_id = ?`, deliveryID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// CleanupProcessed deletes processed-event records older than maxAge and
// returns the number removed.
func (s *Store) CleanupProcessed(maxAge time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-maxAge))
	res, err := s.db.Exec(`DELETE FROM processed_events WHERE processed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Scheduled tasks ---

// CreateTask inserts a new scheduled task.
func (s *Store) CreateTask(t *model.ScheduledTask) error {
	if t.ContextMode == "" {
		t.ContextMode = model.ContextIsolated
	}
	if t.Status == "" {
		t.Status = model.TaskActive
	}
	_, err := s.db.Exec(
		`INSERT INTO scheduled_tasks
			(id, folder, chat_tid, prompt, schedule_kind, schedule_value,
			 context_mode, next_run, last_run, last_result, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Folder, t.ChatTID, t.Prompt, string(t.ScheduleKind), t.ScheduleValue,
		string(t.ContextMode), nullableTime(t.NextRun), nullableTime(t.LastRun),
		t.LastResult, string(t.Status), formatTime(t.CreatedAt),
	)
	return err
}

// UpdateTask rewrites the mutable fields of a task.
func (s *Store) UpdateTask(t *model.ScheduledTask) error {
	_, err := s.db.Exec(
		`UPDATE scheduled_tasks SET
			prompt = ?, schedule_kind = ?, schedule_value = ?, context_mode = ?,
			next_run = ?, last_run = ?, last_result = ?, status = ?
		 WHERE id = ?`,
		t.Prompt, string(t.ScheduleKind), t.ScheduleValue, string(t.ContextMode),
		nullableTime(t.NextRun), nullableTime(t.LastRun), t.LastResult,
		string(t.Status), t.ID,
	)
	return err
}

// UpdateTaskAfterRun records a run outcome. A nil nextRun transitions the
// task to completed.
func (s *Store) UpdateTaskAfterRun(id string, nextRun *time.Time, lastResult string) error {
	_, err := s.db.Exec(
		`UPDATE scheduled_tasks
		 SET next_run = ?, last_run = ?, last_result = ?,
			status = CASE WHEN ? IS NULL THEN 'completed' ELSE status END
		 WHERE id = ?`,
		nullableTime(nextRun), formatTime(time.Now()), lastResult,
		nullableTime(nextRun), id,
	)
	return err
}

// DeleteTask removes a task and its run logs.
func (s *Store) DeleteTask(id string) error {
	if _, err := s.db.Exec(`DELETE FROM task_run_logs WHERE task_id = ?`, id); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id)
	return err
}

// GetTask retrieves a task by id; nil when not found.
func (s *Store) GetTask(id string) (*model.ScheduledTask, error) {
	row := s.db.QueryRow(taskSelect+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// ListTasks returns all tasks, newest first.
func (s *Store) ListTasks() ([]*model.ScheduledTask, error) {
	rows, err := s.db.Query(taskSelect + ` ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// DueTasks returns active tasks with next_run <= now, soonest first.
func (s *Store) DueTasks(now time.Time) ([]*model.ScheduledTask, error) {
	rows, err := s.db.Query(
		taskSelect+` WHERE status = 'active' AND next_run IS NOT NULL AND next_run <= ?
		 ORDER BY next_run`,
		formatTime(now),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

const taskSelect = `SELECT id, folder, chat_tid, prompt, schedule_kind, schedule_value,
	context_mode, next_run, last_run, last_result, status, created_at
 FROM scheduled_tasks`

func collectTasks(rows *sql.Rows) ([]*model.ScheduledTask, error) {
	var tasks []*model.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(row scannable) (*model.ScheduledTask, error) {
	var t model.ScheduledTask
	var kind, mode, status, createdAt string
	var nextRun, lastRun sql.NullString
	if err := row.Scan(&t.ID, &t.Folder, &t.ChatTID, &t.Prompt, &kind, &t.ScheduleValue,
		&mode, &nextRun, &lastRun, &t.LastResult, &status, &createdAt); err != nil {
		return nil, err
	}
	t.ScheduleKind = model.ScheduleKind(kind)
	t.ContextMode = model.ContextMode(mode)
	t.Status = model.TaskStatus(status)

	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing task created_at: %w", err)
	}
	if t.NextRun, err = parseNullableTime(nextRun); err != nil {
		return nil, fmt.Errorf("parsing task next_run: %w", err)
	}
	if t.LastRun, err = parseNullableTime(lastRun); err != nil {
		return nil, fmt.Errorf("parsing task last_run: %w", err)
	}
	return &t, nil
}

// LogTaskRun appends one task execution record.
func (s *Store) LogTaskRun(l *model.TaskRunLog) error {
	_, err := s.db.Exec(
		`INSERT INTO task_run_logs (task_id, run_at, duration_ms, status, result, error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		l.TaskID, formatTime(l.RunAt), l.DurationMs, l.Status, l.Result, l.Error,
	)
	return err
}

// --- Registered repositories ---

// RegisterRepo upserts a repository registration. The folder must pass the
// grammar; this is re-checked here so a bad value never reaches disk.
func (s *Store) RegisterRepo(r *model.RegisteredRepo) error {
	if err := groups.ValidateFolder(r.Folder); err != nil {
		return err
	}
	cfg, err := json.Marshal(r.Container)
	if err != nil {
		return fmt.Errorf("encoding container config: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO registered_repos
			(prefix, name, folder, trigger_pattern, requires_trigger, container_config, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Prefix, r.Name, r.Folder, r.TriggerPattern,
		boolToInt(r.RequiresTrigger), string(cfg), formatTime(r.CreatedAt),
	)
	return err
}

// GetRepoByPrefix retrieves a registration by repo prefix; nil when absent
// or when the stored folder fails the grammar.
func (s *Store) GetRepoByPrefix(prefix string) (*model.RegisteredRepo, error) {
	row := s.db.QueryRow(repoSelect+` WHERE prefix = ?`, prefix)
	r, err := scanRepo(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !groups.IsValidFolder(r.Folder) {
		return nil, nil
	}
	return r, nil
}

// ListRepos returns all registrations with valid folders.
func (s *Store) ListRepos() ([]*model.RegisteredRepo, error) {
	rows, err := s.db.Query(repoSelect)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repos []*model.RegisteredRepo
	for rows.Next() {
		r, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		if !groups.IsValidFolder(r.Folder) {
			continue
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

const repoSelect = `SELECT prefix, name, folder, trigger_pattern, requires_trigger, container_config, created_at
 FROM registered_repos`

func scanRepo(row scannable) (*model.RegisteredRepo, error) {
	var r model.RegisteredRepo
	var requiresTrigger int
	var cfg, createdAt string
	if err := row.Scan(&r.Prefix, &r.Name, &r.Folder, &r.TriggerPattern,
		&requiresTrigger, &cfg, &createdAt); err != nil {
		return nil, err
	}
	r.RequiresTrigger = requiresTrigger != 0
	if cfg != "" {
		if err := json.Unmarshal([]byte(cfg), &r.Container); err != nil {
			return nil, fmt.Errorf("decoding container config: %w", err)
		}
	}
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing repo created_at: %w", err)
	}
	return &r, nil
}

// --- helpers ---

// scannable lets scan helpers work with both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
