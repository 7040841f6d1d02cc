// Package model defines the core domain types shared across all CodeClaw packages.
// It has zero dependencies on other CodeClaw packages.
package model

import (
	"fmt"
	"strings"
	"time"
)

// ThreadKind distinguishes issue threads from pull-request threads.
type ThreadKind string

const (
	ThreadIssue ThreadKind = "issue"
	ThreadPR    ThreadKind = "pr"
)

// MainFolder is the privileged group folder. Containers running as main may
// act on any thread and issue administrative IPC commands.
const MainFolder = "main"

// TID builds a canonical thread identifier:
// "gh:<owner>/<repo>#<kind>:<number>". The repository-level prefix is the
// serialization key used by the dispatch queue.
func TID(owner, repo string, kind ThreadKind, number int) string {
	return fmt.Sprintf("gh:%s/%s#%s:%d", owner, repo, kind, number)
}

// RepoPrefixFor builds the repository-level prefix "gh:<owner>/<repo>".
func RepoPrefixFor(owner, repo string) string {
	return fmt.Sprintf("gh:%s/%s", owner, repo)
}

// RepoPrefix extracts the serialization key from a TID. A bare prefix is
// returned unchanged.
func RepoPrefix(tid string) string {
	if i := strings.Index(tid, "#"); i >= 0 {
		return tid[:i]
	}
	return tid
}

// ParseTID splits a TID into its parts. Returns an error when the string is
// not a well-formed "gh:owner/repo#kind:number" identifier.
func ParseTID(tid string) (owner, repo string, kind ThreadKind, number int, err error) {
	rest, ok := strings.CutPrefix(tid, "gh:")
	if !ok {
		return "", "", "", 0, fmt.Errorf("thread id %q: missing gh: prefix", tid)
	}
	repoPart, threadPart, ok := strings.Cut(rest, "#")
	if !ok {
		return "", "", "", 0, fmt.Errorf("thread id %q: missing #", tid)
	}
	owner, repo, ok = strings.Cut(repoPart, "/")
	if !ok || owner == "" || repo == "" {
		return "", "", "", 0, fmt.Errorf("thread id %q: bad owner/repo", tid)
	}
	kindPart, numPart, ok := strings.Cut(threadPart, ":")
	if !ok {
		return "", "", "", 0, fmt.Errorf("thread id %q: missing kind", tid)
	}
	switch ThreadKind(kindPart) {
	case ThreadIssue, ThreadPR:
		kind = ThreadKind(kindPart)
	default:
		return "", "", "", 0, fmt.Errorf("thread id %q: unknown kind %q", tid, kindPart)
	}
	if _, err := fmt.Sscanf(numPart, "%d", &number); err != nil || number <= 0 {
		return "", "", "", 0, fmt.Errorf("thread id %q: bad number %q", tid, numPart)
	}
	return owner, repo, kind, number, nil
}

// SplitRepoPrefix returns the owner and repo of a prefix or TID.
func SplitRepoPrefix(prefix string) (owner, repo string, err error) {
	rest, ok := strings.CutPrefix(RepoPrefix(prefix), "gh:")
	if !ok {
		return "", "", fmt.Errorf("repo prefix %q: missing gh: prefix", prefix)
	}
	owner, repo, ok = strings.Cut(rest, "/")
	if !ok || owner == "" || repo == "" {
		return "", "", fmt.Errorf("repo prefix %q: bad owner/repo", prefix)
	}
	return owner, repo, nil
}

// Message is one ingested event rendered as agent-visible text. Immutable
// once written; keyed by (DeliveryID, ChatTID).
type Message struct {
	DeliveryID string    `json:"delivery_id"`
	ChatTID    string    `json:"chat_tid"`
	Sender     string    `json:"sender"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	IsBot      bool      `json:"is_bot"`
}

// Chat is per-thread metadata kept for listing and recovery.
type Chat struct {
	TID             string    `json:"tid"`
	Name            string    `json:"name"`
	LastMessageTime time.Time `json:"last_message_time"`
}

// AdditionalMount is an extra host path requested for a container run. Every
// mount must pass the allow-list validation before use.
type AdditionalMount struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	ReadOnly      bool   `json:"read_only"`
}

// ContainerConfig carries per-repository container overrides.
type ContainerConfig struct {
	TimeoutMs        int64             `json:"timeout_ms,omitempty"`
	AdditionalMounts []AdditionalMount `json:"additional_mounts,omitempty"`
}

// RegisteredRepo binds a repository prefix to its on-disk folder and trigger
// policy. Created on installation events or explicit registration.
type RegisteredRepo struct {
	Prefix          string          `json:"prefix"`
	Name            string          `json:"name"`
	Folder          string          `json:"folder"`
	TriggerPattern  string          `json:"trigger_pattern"`
	RequiresTrigger bool            `json:"requires_trigger"`
	Container       ContainerConfig `json:"container"`
	CreatedAt       time.Time       `json:"created_at"`
}

// IsMain reports whether this registration is the privileged main group.
func (r *RegisteredRepo) IsMain() bool { return r.Folder == MainFolder }

// ScheduleKind is how a task's next run is computed.
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleOnce     ScheduleKind = "once"
)

// ContextMode controls whether a task run resumes the group's agent session.
type ContextMode string

const (
	ContextGroup    ContextMode = "group"
	ContextIsolated ContextMode = "isolated"
)

// TaskStatus is the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
)

// ScheduledTask is a recurring or one-shot agent prompt bound to a thread.
type ScheduledTask struct {
	ID            string       `json:"id"`
	Folder        string       `json:"folder"`
	ChatTID       string       `json:"chat_tid"`
	Prompt        string       `json:"prompt"`
	ScheduleKind  ScheduleKind `json:"schedule_kind"`
	ScheduleValue string       `json:"schedule_value"`
	ContextMode   ContextMode  `json:"context_mode"`
	NextRun       *time.Time   `json:"next_run,omitempty"`
	LastRun       *time.Time   `json:"last_run,omitempty"`
	LastResult    string       `json:"last_result,omitempty"`
	Status        TaskStatus   `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
}

// TaskRunLog records one scheduler-driven execution of a task.
type TaskRunLog struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	RunAt      time.Time `json:"run_at"`
	DurationMs int64     `json:"duration_ms"`
	Status     string    `json:"status"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Truncate shortens a string to maxLen runes, adding "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 3 {
		r := []rune(s)
		if len(r) <= maxLen {
			return s
		}
		return string(r[:maxLen])
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
