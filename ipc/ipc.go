// Package ipc polls per-group IPC directories for messages and tasks written
// by container agents. Files are processed in lexicographic order: parse,
// authorize, dispatch, delete. Malformed or failing files move to a sibling
// errors directory.
package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nadahlberg/codeclaw/channel"
	"github.com/nadahlberg/codeclaw/logger"
	"github.com/nadahlberg/codeclaw/model"
	"github.com/nadahlberg/codeclaw/scheduler"
)

// Store is the slice of persistence the watcher needs.
type Store interface {
	GetRepoByPrefix(prefix string) (*model.RegisteredRepo, error)
	RegisterRepo(r *model.RegisteredRepo) error
	CreateTask(t *model.ScheduledTask) error
	UpdateTask(t *model.ScheduledTask) error
	DeleteTask(id string) error
	GetTask(id string) (*model.ScheduledTask, error)
}

// Deps are the engine callbacks the watcher dispatches into.
type Deps struct {
	SendMessage    func(ctx context.Context, tid, text string) error
	SendStructured func(ctx context.Context, tid, text string, target channel.ResponseTarget) error
	// RefreshGroups re-syncs registration metadata and rewrites the main
	// group's snapshot. Main-only.
	RefreshGroups func(ctx context.Context) error
}

// Watcher polls the IPC tree.
type Watcher struct {
	dataDir string
	poll    time.Duration
	store   Store
	deps    Deps
	log     *logger.Logger
}

// New creates a Watcher polling dataDir/ipc every poll interval.
func New(dataDir string, poll time.Duration, st Store, deps Deps, log *logger.Logger) *Watcher {
	return &Watcher{dataDir: dataDir, poll: poll, store: st, deps: deps, log: log.Named("ipc")}
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	if err := os.MkdirAll(w.baseDir(), 0o755); err != nil {
		w.log.Error("creating ipc base directory", zap.Error(err))
		return
	}
	w.log.Info("ipc watcher started", zap.Duration("poll", w.poll))
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Scan(ctx)
		}
	}
}

func (w *Watcher) baseDir() string { return filepath.Join(w.dataDir, "ipc") }

// Scan processes every pending IPC file once.
func (w *Watcher) Scan(ctx context.Context) {
	entries, err := os.ReadDir(w.baseDir())
	if err != nil {
		w.log.Error("reading ipc base directory", zap.Error(err))
		return
	}
	var folders []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != "errors" {
			folders = append(folders, e.Name())
		}
	}
	sort.Strings(folders)

	for _, source := range folders {
		w.processDir(ctx, source, "messages", w.handleMessage)
		w.processDir(ctx, source, "tasks", w.handleTask)
	}
}

func (w *Watcher) processDir(ctx context.Context, source, kind string, handle func(ctx context.Context, source string, data []byte) error) {
	dir := filepath.Join(w.baseDir(), source, kind)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			w.log.Error("reading ipc directory", zap.String("dir", dir), zap.Error(err))
		}
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			w.log.Error("reading ipc file", zap.String("file", path), zap.Error(err))
			continue
		}
		if err := handle(ctx, source, raw); err != nil {
			w.log.Error("processing ipc file",
				zap.String("file", name), zap.String("source", source), zap.Error(err))
			w.moveToErrors(source, path, name)
			continue
		}
		if err := os.Remove(path); err != nil {
			w.log.Warn("removing processed ipc file", zap.String("file", path), zap.Error(err))
		}
	}
}

func (w *Watcher) moveToErrors(source, path, name string) {
	errDir := filepath.Join(w.baseDir(), "errors")
	if err := os.MkdirAll(errDir, 0o755); err != nil {
		return
	}
	_ = os.Rename(path, filepath.Join(errDir, source+"-"+name))
}

// authorized applies the uniform rule: a file from folder S targeting thread
// T passes iff S is main or T's registered repository has folder S.
func (w *Watcher) authorized(source, tid string) bool {
	if source == model.MainFolder {
		return true
	}
	repo, err := w.store.GetRepoByPrefix(model.RepoPrefix(tid))
	if err != nil || repo == nil {
		return false
	}
	return repo.Folder == source
}

type messageFile struct {
	Type    string `json:"type"`
	ChatJID string `json:"chatJid"`
	Text    string `json:"text"`
	Body    string `json:"body"`

	IssueNumber int `json:"issueNumber"`
	PRNumber    int `json:"prNumber"`

	Event    string `json:"event"`
	Comments []struct {
		Path string `json:"path"`
		Line int    `json:"line"`
		Body string `json:"body"`
	} `json:"comments"`

	Title string `json:"title"`
	Head  string `json:"head"`
	Base  string `json:"base"`
}

var reviewEvents = map[string]bool{
	"APPROVE":         true,
	"REQUEST_CHANGES": true,
	"COMMENT":         true,
	"":                true,
}

func (w *Watcher) handleMessage(ctx context.Context, source string, raw []byte) error {
	var msg messageFile
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("malformed message file: %w", err)
	}
	if msg.ChatJID == "" {
		return nil
	}
	if !w.authorized(source, msg.ChatJID) {
		w.log.Warn("unauthorized ipc message blocked",
			zap.String("chat", msg.ChatJID), zap.String("source", source))
		return nil
	}

	switch msg.Type {
	case "message":
		if msg.Text == "" {
			return nil
		}
		return w.deps.SendMessage(ctx, msg.ChatJID, msg.Text)

	case "github_comment":
		if msg.Text == "" {
			return nil
		}
		targetType := channel.TargetIssueComment
		if strings.Contains(msg.ChatJID, "#pr:") {
			targetType = channel.TargetPRComment
		}
		return w.deps.SendStructured(ctx, msg.ChatJID, msg.Text, channel.ResponseTarget{
			Type:        targetType,
			IssueNumber: msg.IssueNumber,
			PRNumber:    msg.PRNumber,
		})

	case "github_review":
		if msg.Body == "" {
			return nil
		}
		if !reviewEvents[msg.Event] {
			return fmt.Errorf("invalid review event %q", msg.Event)
		}
		target := channel.ResponseTarget{
			Type:         channel.TargetPRReview,
			PRNumber:     msg.PRNumber,
			ReviewAction: msg.Event,
		}
		for _, c := range msg.Comments {
			target.ReviewComments = append(target.ReviewComments, channel.ReviewComment{
				Path: c.Path, Line: c.Line, Body: c.Body,
			})
		}
		return w.deps.SendStructured(ctx, msg.ChatJID, msg.Body, target)

	case "github_create_pr":
		if msg.Title == "" {
			return nil
		}
		return w.deps.SendStructured(ctx, msg.ChatJID, msg.Body, channel.ResponseTarget{
			Type:  channel.TargetNewPR,
			Title: msg.Title,
			Head:  msg.Head,
			Base:  msg.Base,
		})

	default:
		w.log.Warn("unknown ipc message type", zap.String("type", msg.Type), zap.String("source", source))
		return nil
	}
}

type taskFile struct {
	Type string `json:"type"`

	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	TargetJID     string `json:"targetJid"`
	ContextMode   string `json:"context_mode"`

	TaskID string `json:"taskId"`

	JID             string                 `json:"jid"`
	Name            string                 `json:"name"`
	Folder          string                 `json:"folder"`
	Trigger         string                 `json:"trigger"`
	RequiresTrigger *bool                  `json:"requiresTrigger"`
	ContainerConfig *model.ContainerConfig `json:"containerConfig"`
}

func (w *Watcher) handleTask(ctx context.Context, source string, raw []byte) error {
	var task taskFile
	if err := json.Unmarshal(raw, &task); err != nil {
		return fmt.Errorf("malformed task file: %w", err)
	}
	isMain := source == model.MainFolder

	switch task.Type {
	case "schedule_task":
		return w.scheduleTask(source, isMain, &task)
	case "pause_task":
		return w.setTaskStatus(source, isMain, task.TaskID, model.TaskPaused)
	case "resume_task":
		return w.setTaskStatus(source, isMain, task.TaskID, model.TaskActive)
	case "cancel_task":
		return w.cancelTask(source, isMain, task.TaskID)
	case "refresh_groups":
		if !isMain {
			w.log.Warn("unauthorized refresh_groups blocked", zap.String("source", source))
			return nil
		}
		return w.deps.RefreshGroups(ctx)
	case "register_group":
		return w.registerGroup(source, isMain, &task)
	default:
		w.log.Warn("unknown ipc task type", zap.String("type", task.Type), zap.String("source", source))
		return nil
	}
}

func (w *Watcher) scheduleTask(source string, isMain bool, task *taskFile) error {
	if task.Prompt == "" || task.ScheduleType == "" || task.ScheduleValue == "" || task.TargetJID == "" {
		return nil
	}
	target, err := w.store.GetRepoByPrefix(model.RepoPrefix(task.TargetJID))
	if err != nil {
		return err
	}
	if target == nil {
		w.log.Warn("cannot schedule task, target not registered", zap.String("target", task.TargetJID))
		return nil
	}
	if !isMain && target.Folder != source {
		w.log.Warn("unauthorized schedule_task blocked",
			zap.String("source", source), zap.String("target_folder", target.Folder))
		return nil
	}

	kind := model.ScheduleKind(task.ScheduleType)
	next, err := scheduler.InitialNextRun(kind, task.ScheduleValue, time.Now())
	if err != nil {
		w.log.Warn("invalid task schedule",
			zap.String("schedule_type", task.ScheduleType),
			zap.String("schedule_value", task.ScheduleValue),
			zap.Error(err))
		return nil
	}

	mode := model.ContextMode(task.ContextMode)
	if mode != model.ContextGroup {
		mode = model.ContextIsolated
	}

	created := &model.ScheduledTask{
		ID:            NewTaskID(),
		Folder:        target.Folder,
		ChatTID:       task.TargetJID,
		Prompt:        task.Prompt,
		ScheduleKind:  kind,
		ScheduleValue: task.ScheduleValue,
		ContextMode:   mode,
		NextRun:       next,
		Status:        model.TaskActive,
		CreatedAt:     time.Now().UTC(),
	}
	if err := w.store.CreateTask(created); err != nil {
		return err
	}
	w.log.Info("task created via ipc",
		zap.String("task", created.ID),
		zap.String("source", source),
		zap.String("target_folder", target.Folder))
	return nil
}

func (w *Watcher) setTaskStatus(source string, isMain bool, id string, status model.TaskStatus) error {
	if id == "" {
		return nil
	}
	task, err := w.store.GetTask(id)
	if err != nil {
		return err
	}
	if task == nil || (!isMain && task.Folder != source) {
		w.log.Warn("unauthorized task status change blocked",
			zap.String("task", id), zap.String("source", source))
		return nil
	}
	task.Status = status
	if err := w.store.UpdateTask(task); err != nil {
		return err
	}
	w.log.Info("task status changed via ipc",
		zap.String("task", id), zap.String("status", string(status)), zap.String("source", source))
	return nil
}

func (w *Watcher) cancelTask(source string, isMain bool, id string) error {
	if id == "" {
		return nil
	}
	task, err := w.store.GetTask(id)
	if err != nil {
		return err
	}
	if task == nil || (!isMain && task.Folder != source) {
		w.log.Warn("unauthorized task cancel blocked",
			zap.String("task", id), zap.String("source", source))
		return nil
	}
	if err := w.store.DeleteTask(id); err != nil {
		return err
	}
	w.log.Info("task cancelled via ipc", zap.String("task", id), zap.String("source", source))
	return nil
}

func (w *Watcher) registerGroup(source string, isMain bool, task *taskFile) error {
	if !isMain {
		w.log.Warn("unauthorized register_group blocked", zap.String("source", source))
		return nil
	}
	if task.JID == "" || task.Name == "" || task.Folder == "" || task.Trigger == "" {
		return nil
	}

	requiresTrigger := true
	if task.RequiresTrigger != nil {
		requiresTrigger = *task.RequiresTrigger
	}
	repo := &model.RegisteredRepo{
		Prefix:          task.JID,
		Name:            task.Name,
		Folder:          task.Folder,
		TriggerPattern:  task.Trigger,
		RequiresTrigger: requiresTrigger,
		CreatedAt:       time.Now().UTC(),
	}
	if task.ContainerConfig != nil {
		repo.Container = *task.ContainerConfig
	}
	// The store revalidates the folder grammar; an unsafe name surfaces
	// here and routes the file to errors/.
	if err := w.store.RegisterRepo(repo); err != nil {
		return err
	}
	w.log.Info("repository registered via ipc",
		zap.String("prefix", task.JID), zap.String("folder", task.Folder))
	return nil
}

const taskIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewTaskID returns a unique task identifier, "task-<ms>-<6 random chars>".
func NewTaskID() string {
	suffix := make([]byte, 6)
	for i := range suffix {
		suffix[i] = taskIDAlphabet[rand.Intn(len(taskIDAlphabet))]
	}
	return fmt.Sprintf("task-%d-%s", time.Now().UnixMilli(), suffix)
}
