// Package scheduler polls the store for due tasks and runs them through the
// dispatch queue, one slot per repository prefix.
package scheduler

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nadahlberg/codeclaw/container"
	"github.com/nadahlberg/codeclaw/dispatch"
	"github.com/nadahlberg/codeclaw/groups"
	"github.com/nadahlberg/codeclaw/logger"
	"github.com/nadahlberg/codeclaw/model"
	"github.com/nadahlberg/codeclaw/router"
)

// DefaultCloseDelay is how long after a task's first result the container
// keeps its stdin open for follow-up work.
const DefaultCloseDelay = 10 * time.Second

// Store is the task-facing slice of the persistence layer.
type Store interface {
	DueTasks(now time.Time) ([]*model.ScheduledTask, error)
	GetTask(id string) (*model.ScheduledTask, error)
	ListTasks() ([]*model.ScheduledTask, error)
	ListRepos() ([]*model.RegisteredRepo, error)
	UpdateTask(t *model.ScheduledTask) error
	UpdateTaskAfterRun(id string, nextRun *time.Time, lastResult string) error
	LogTaskRun(l *model.TaskRunLog) error
	GetSession(folder string) (string, error)
}

// TaskQueue is the dispatch surface the scheduler needs.
type TaskQueue interface {
	EnqueueTask(prefix, taskID string, fn dispatch.TaskFunc)
	RegisterProcess(prefix, containerName, folder string)
	NotifyIdle(prefix string)
	CloseStdin(prefix string)
}

// AgentRunner spawns one agent container and blocks until it exits.
type AgentRunner interface {
	Run(ctx context.Context, repo *model.RegisteredRepo, in container.Input, onProcess func(containerName string), onOutput func(container.Output)) (container.Output, error)
}

// SendFunc posts text back to a thread.
type SendFunc func(ctx context.Context, tid, text string) error

// Config holds scheduler tunables.
type Config struct {
	Poll          time.Duration
	CloseDelay    time.Duration
	AssistantName string
	DataDir       string
	GroupsDir     string
}

// Scheduler drives due tasks through the queue.
type Scheduler struct {
	cfg    Config
	store  Store
	queue  TaskQueue
	runner AgentRunner
	send   SendFunc
	log    *logger.Logger
}

// New creates a Scheduler.
func New(cfg Config, st Store, queue TaskQueue, runner AgentRunner, send SendFunc, log *logger.Logger) *Scheduler {
	if cfg.CloseDelay == 0 {
		cfg.CloseDelay = DefaultCloseDelay
	}
	return &Scheduler{cfg: cfg, store: st, queue: queue, runner: runner, send: send, log: log.Named("scheduler")}
}

// Run polls until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("scheduler loop started", zap.Duration("poll", s.cfg.Poll))
	ticker := time.NewTicker(s.cfg.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick enqueues every task that is due and still active. The re-read guards
// against tasks paused or cancelled between the query and the run.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.store.DueTasks(time.Now())
	if err != nil {
		s.log.Error("querying due tasks", zap.Error(err))
		return
	}
	if len(due) > 0 {
		s.log.Info("found due tasks", zap.Int("count", len(due)))
	}
	for _, t := range due {
		current, err := s.store.GetTask(t.ID)
		if err != nil || current == nil || current.Status != model.TaskActive {
			continue
		}
		task := current
		s.queue.EnqueueTask(model.RepoPrefix(task.ChatTID), task.ID, func() {
			s.runTask(ctx, task)
		})
	}
}

func (s *Scheduler) repoForFolder(folder string) *model.RegisteredRepo {
	repos, err := s.store.ListRepos()
	if err != nil {
		return nil
	}
	for _, r := range repos {
		if r.Folder == folder {
			return r
		}
	}
	return nil
}

func (s *Scheduler) logRun(taskID string, start time.Time, status, result, errMsg string) {
	if err := s.store.LogTaskRun(&model.TaskRunLog{
		TaskID:     taskID,
		RunAt:      time.Now().UTC(),
		DurationMs: time.Since(start).Milliseconds(),
		Status:     status,
		Result:     result,
		Error:      errMsg,
	}); err != nil {
		s.log.Error("recording task run", zap.String("task", taskID), zap.Error(err))
	}
}

// runTask executes one task inside its group's agent container. It runs with
// the dispatch slot already held.
func (s *Scheduler) runTask(ctx context.Context, task *model.ScheduledTask) {
	start := time.Now()
	prefix := model.RepoPrefix(task.ChatTID)

	groupDir, err := groups.GroupPath(s.cfg.GroupsDir, task.Folder)
	if err != nil {
		// A task bound to an invalid folder can never run; park it.
		task.Status = model.TaskPaused
		if uerr := s.store.UpdateTask(task); uerr != nil {
			s.log.Error("pausing task with invalid folder", zap.String("task", task.ID), zap.Error(uerr))
		}
		s.log.Error("task has invalid group folder",
			zap.String("task", task.ID), zap.String("folder", task.Folder), zap.Error(err))
		s.logRun(task.ID, start, "error", "", err.Error())
		return
	}
	if err := os.MkdirAll(groupDir, 0o755); err != nil {
		s.logRun(task.ID, start, "error", "", err.Error())
		return
	}

	repo := s.repoForFolder(task.Folder)
	if repo == nil {
		s.log.Error("no registered repository for task",
			zap.String("task", task.ID), zap.String("folder", task.Folder))
		s.logRun(task.ID, start, "error", "", "group not found: "+task.Folder)
		return
	}

	s.log.Info("running scheduled task", zap.String("task", task.ID), zap.String("folder", task.Folder))

	isMain := task.Folder == model.MainFolder
	if all, err := s.store.ListTasks(); err == nil {
		snapshot := make([]model.ScheduledTask, 0, len(all))
		for _, t := range all {
			snapshot = append(snapshot, *t)
		}
		if err := container.WriteTasksSnapshot(s.cfg.DataDir, task.Folder, isMain, snapshot); err != nil {
			s.log.Warn("writing tasks snapshot", zap.String("task", task.ID), zap.Error(err))
		}
	}

	sessionID := ""
	if task.ContextMode == model.ContextGroup {
		sessionID, _ = s.store.GetSession(task.Folder)
	}

	var (
		mu             sync.Mutex
		result, errMsg string
		closeTimer     *time.Timer
	)
	scheduleClose := func() {
		if closeTimer == nil {
			closeTimer = time.AfterFunc(s.cfg.CloseDelay, func() {
				s.queue.CloseStdin(prefix)
			})
		}
	}

	out, runErr := s.runner.Run(ctx, repo, container.Input{
		Prompt:          task.Prompt,
		SessionID:       sessionID,
		GroupFolder:     task.Folder,
		ChatTID:         task.ChatTID,
		IsMain:          isMain,
		IsScheduledTask: true,
		AssistantName:   s.cfg.AssistantName,
	}, func(name string) {
		s.queue.RegisterProcess(prefix, name, task.Folder)
	}, func(o container.Output) {
		mu.Lock()
		defer mu.Unlock()
		if o.Result != "" {
			result = o.Result
			// Empty after stripping means the result was internal-only;
			// nothing is posted to the thread.
			if text := router.FormatOutbound(o.Result); text != "" {
				if err := s.send(ctx, task.ChatTID, text); err != nil {
					s.log.Error("forwarding task result", zap.String("task", task.ID), zap.Error(err))
				}
			}
			scheduleClose()
		}
		if o.Status == "success" {
			s.queue.NotifyIdle(prefix)
		}
		if o.Status == "error" {
			errMsg = o.Error
			if errMsg == "" {
				errMsg = "unknown error"
			}
		}
	})

	mu.Lock()
	if closeTimer != nil {
		closeTimer.Stop()
	}
	switch {
	case runErr != nil:
		errMsg = runErr.Error()
	case out.Status == "error":
		errMsg = out.Error
		if errMsg == "" {
			errMsg = "unknown error"
		}
	case out.Result != "":
		result = out.Result
	}
	mu.Unlock()

	status := "success"
	if errMsg != "" {
		status = "error"
	}
	s.logRun(task.ID, start, status, result, errMsg)
	s.log.Info("task completed",
		zap.String("task", task.ID),
		zap.String("status", status),
		zap.Duration("duration", time.Since(start)))

	next, err := NextRunAfter(task.ScheduleKind, task.ScheduleValue, time.Now())
	if err != nil {
		s.log.Warn("computing next run", zap.String("task", task.ID), zap.Error(err))
		next = nil
	}

	summary := "Completed"
	if errMsg != "" {
		summary = "Error: " + errMsg
	} else if result != "" {
		summary = model.Truncate(result, 200)
	}
	if err := s.store.UpdateTaskAfterRun(task.ID, next, summary); err != nil {
		s.log.Error("updating task after run", zap.String("task", task.ID), zap.Error(err))
	}
}
