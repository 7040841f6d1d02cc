// Package store defines the persistence interface for CodeClaw state:
// messages, chats, agent cursors, sessions, scheduled tasks, registered
// repositories, and processed webhook deliveries.
package store

import (
	"time"

	"github.com/nadahlberg/codeclaw/model"
)

// Store is the durable state interface. Implementations are single-writer;
// callers do not need to coordinate reads.
type Store interface {
	// InsertMessage upserts a message keyed by (delivery id, chat).
	InsertMessage(m *model.Message) error
	// MessagesSince returns non-bot messages on chat strictly newer than
	// since, oldest first. Rows whose content starts with "<botPrefix>:"
	// or is empty are excluded.
	MessagesSince(chatTID string, since time.Time, botPrefix string) ([]model.Message, error)

	// UpsertChat records thread metadata. last_message_time only moves
	// forward.
	UpsertChat(tid, name string, lastMessage time.Time) error
	ListChats() ([]model.Chat, error)

	// Cursors track the last processed message timestamp per chat.
	SetCursor(chatTID string, ts time.Time) error
	GetCursor(chatTID string) (time.Time, bool, error)
	ListCursors() (map[string]time.Time, error)

	// Sessions map a group folder to the agent session id to resume.
	SetSession(folder, sessionID string) error
	GetSession(folder string) (string, error)
	ListSessions() (map[string]string, error)

	// Processed deliveries form an idempotency set; MarkProcessed of a
	// known id is a no-op.
	MarkProcessed(deliveryID string) error
	IsProcessed(deliveryID string) (bool, error)
	CleanupProcessed(maxAge time.Duration) (int64, error)

	CreateTask(t *model.ScheduledTask) error
	UpdateTask(t *model.ScheduledTask) error
	// UpdateTaskAfterRun records a run outcome. A nil nextRun transitions
	// the task to completed.
	UpdateTaskAfterRun(id string, nextRun *time.Time, lastResult string) error
	DeleteTask(id string) error
	GetTask(id string) (*model.ScheduledTask, error)
	ListTasks() ([]*model.ScheduledTask, error)
	// DueTasks returns active tasks with next_run <= now, soonest first.
	DueTasks(now time.Time) ([]*model.ScheduledTask, error)
	LogTaskRun(l *model.TaskRunLog) error

	RegisterRepo(r *model.RegisteredRepo) error
	GetRepoByPrefix(prefix string) (*model.RegisteredRepo, error)
	ListRepos() ([]*model.RegisteredRepo, error)

	Close() error
}
