package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nadahlberg/codeclaw/container"
	"github.com/nadahlberg/codeclaw/dispatch"
	"github.com/nadahlberg/codeclaw/logger"
	"github.com/nadahlberg/codeclaw/model"
)

func TestInitialNextRun(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	next, err := InitialNextRun(model.ScheduleCron, "0 12 * * *", now)
	if err != nil {
		t.Fatalf("cron: %v", err)
	}
	if !next.After(now) {
		t.Errorf("cron next %v not in the future", next)
	}
	if next.Hour() != 12 || next.Minute() != 0 {
		t.Errorf("cron next = %v", next)
	}

	next, err = InitialNextRun(model.ScheduleInterval, "60000", now)
	if err != nil {
		t.Fatalf("interval: %v", err)
	}
	if got := next.Sub(now); got != time.Minute {
		t.Errorf("interval delta = %v", got)
	}

	once := now.Add(2 * time.Hour).Format(time.RFC3339)
	next, err = InitialNextRun(model.ScheduleOnce, once, now)
	if err != nil {
		t.Fatalf("once: %v", err)
	}
	if !next.Equal(now.Add(2 * time.Hour)) {
		t.Errorf("once next = %v", next)
	}

	for _, tc := range []struct {
		kind  model.ScheduleKind
		value string
	}{
		{model.ScheduleCron, "not a cron"},
		{model.ScheduleInterval, "-5"},
		{model.ScheduleInterval, "soon"},
		{model.ScheduleOnce, "tomorrow"},
		{"hourly", "1"},
	} {
		if _, err := InitialNextRun(tc.kind, tc.value, now); err == nil {
			t.Errorf("%s %q accepted", tc.kind, tc.value)
		}
	}
}

func TestNextRunAfterOnceCompletes(t *testing.T) {
	next, err := NextRunAfter(model.ScheduleOnce, "2026-01-01T00:00:00Z", time.Now())
	if err != nil || next != nil {
		t.Errorf("once after run = %v, %v; want nil, nil", next, err)
	}
	next, err = NextRunAfter(model.ScheduleInterval, "1000", time.Now())
	if err != nil || next == nil {
		t.Errorf("interval after run = %v, %v", next, err)
	}
}

type stubStore struct {
	mu       sync.Mutex
	tasks    map[string]*model.ScheduledTask
	repos    []*model.RegisteredRepo
	sessions map[string]string
	runs     []*model.TaskRunLog
	afterRun map[string]string
	nextRuns map[string]*time.Time
}

func newStubStore() *stubStore {
	return &stubStore{
		tasks:    map[string]*model.ScheduledTask{},
		sessions: map[string]string{},
		afterRun: map[string]string{},
		nextRuns: map[string]*time.Time{},
	}
}

func (s *stubStore) DueTasks(now time.Time) ([]*model.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*model.ScheduledTask
	for _, t := range s.tasks {
		if t.Status == model.TaskActive && t.NextRun != nil && !t.NextRun.After(now) {
			due = append(due, t)
		}
	}
	return due, nil
}

func (s *stubStore) GetTask(id string) (*model.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id], nil
}

func (s *stubStore) ListTasks() ([]*model.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*model.ScheduledTask
	for _, t := range s.tasks {
		all = append(all, t)
	}
	return all, nil
}

func (s *stubStore) ListRepos() ([]*model.RegisteredRepo, error) { return s.repos, nil }

func (s *stubStore) UpdateTask(t *model.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	return nil
}

func (s *stubStore) UpdateTaskAfterRun(id string, nextRun *time.Time, lastResult string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterRun[id] = lastResult
	s.nextRuns[id] = nextRun
	return nil
}

func (s *stubStore) DeleteTask(id string) error { delete(s.tasks, id); return nil }

func (s *stubStore) LogTaskRun(l *model.TaskRunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, l)
	return nil
}

func (s *stubStore) GetSession(folder string) (string, error) { return s.sessions[folder], nil }

type stubQueue struct {
	mu         sync.Mutex
	enqueued   []string
	registered []string
	idle       int
	closed     int
	runInline  bool
}

func (q *stubQueue) EnqueueTask(prefix, taskID string, fn dispatch.TaskFunc) {
	q.mu.Lock()
	q.enqueued = append(q.enqueued, prefix+"/"+taskID)
	q.mu.Unlock()
	if q.runInline {
		fn()
	}
}
func (q *stubQueue) RegisterProcess(prefix, containerName, folder string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.registered = append(q.registered, containerName)
}
func (q *stubQueue) NotifyIdle(prefix string) { q.mu.Lock(); q.idle++; q.mu.Unlock() }
func (q *stubQueue) CloseStdin(prefix string) { q.mu.Lock(); q.closed++; q.mu.Unlock() }

type stubRunner struct {
	outputs []container.Output
	final   container.Output
	lastIn  container.Input
}

func (r *stubRunner) Run(ctx context.Context, repo *model.RegisteredRepo, in container.Input, onProcess func(string), onOutput func(container.Output)) (container.Output, error) {
	r.lastIn = in
	if onProcess != nil {
		onProcess("clawcode-test-1")
	}
	if onOutput != nil {
		for _, o := range r.outputs {
			onOutput(o)
		}
	}
	return r.final, nil
}

func newTestScheduler(t *testing.T, st *stubStore, q *stubQueue, r *stubRunner, send SendFunc) *Scheduler {
	t.Helper()
	if send == nil {
		send = func(ctx context.Context, tid, text string) error { return nil }
	}
	return New(Config{
		Poll:          time.Minute,
		CloseDelay:    time.Hour,
		AssistantName: "CodeClaw",
		DataDir:       t.TempDir(),
		GroupsDir:     t.TempDir(),
	}, st, q, r, send, logger.Nop())
}

func activeTask(id, folder, tid string) *model.ScheduledTask {
	past := time.Now().Add(-time.Minute)
	return &model.ScheduledTask{
		ID:            id,
		Folder:        folder,
		ChatTID:       tid,
		Prompt:        "check the builds",
		ScheduleKind:  model.ScheduleOnce,
		ScheduleValue: past.Format(time.RFC3339),
		ContextMode:   model.ContextIsolated,
		NextRun:       &past,
		Status:        model.TaskActive,
		CreatedAt:     time.Now(),
	}
}

func TestTickEnqueuesDueActiveTasks(t *testing.T) {
	st := newStubStore()
	st.tasks["task-1"] = activeTask("task-1", "octocat--hello", "gh:octocat/hello#issue:1")
	paused := activeTask("task-2", "octocat--hello", "gh:octocat/hello#issue:2")
	paused.Status = model.TaskPaused
	st.tasks["task-2"] = paused

	q := &stubQueue{}
	s := newTestScheduler(t, st, q, &stubRunner{}, nil)
	s.Tick(context.Background())

	if len(q.enqueued) != 1 || q.enqueued[0] != "gh:octocat/hello/task-1" {
		t.Errorf("enqueued = %v", q.enqueued)
	}
}

func TestRunTaskSuccess(t *testing.T) {
	st := newStubStore()
	task := activeTask("task-1", "octocat--hello", "gh:octocat/hello#issue:1")
	st.tasks[task.ID] = task
	st.repos = []*model.RegisteredRepo{{Prefix: "gh:octocat/hello", Name: "octocat/hello", Folder: "octocat--hello"}}
	st.sessions["octocat--hello"] = "sess-1"

	var sent []string
	q := &stubQueue{}
	r := &stubRunner{
		outputs: []container.Output{{Status: "success", Result: "all green"}},
		final:   container.Output{Status: "success", NewSessionID: "sess-2"},
	}
	s := newTestScheduler(t, st, q, r, func(ctx context.Context, tid, text string) error {
		sent = append(sent, tid+": "+text)
		return nil
	})

	s.runTask(context.Background(), task)

	if len(sent) != 1 || sent[0] != "gh:octocat/hello#issue:1: all green" {
		t.Errorf("sent = %v", sent)
	}
	if !r.lastIn.IsScheduledTask || r.lastIn.Prompt != "check the builds" {
		t.Errorf("input = %+v", r.lastIn)
	}
	// Isolated context mode never resumes the group session.
	if r.lastIn.SessionID != "" {
		t.Errorf("session = %q, want fresh", r.lastIn.SessionID)
	}
	if q.idle != 1 {
		t.Errorf("idle notifications = %d", q.idle)
	}
	if len(st.runs) != 1 || st.runs[0].Status != "success" || st.runs[0].Result != "all green" {
		t.Errorf("run log = %+v", st.runs)
	}
	// Once-tasks complete after their run.
	if st.nextRuns["task-1"] != nil {
		t.Errorf("next run = %v, want nil", st.nextRuns["task-1"])
	}
	if st.afterRun["task-1"] != "all green" {
		t.Errorf("summary = %q", st.afterRun["task-1"])
	}
}

func TestRunTaskStripsInternalSpans(t *testing.T) {
	st := newStubStore()
	task := activeTask("task-1", "octocat--hello", "gh:octocat/hello#issue:1")
	st.tasks[task.ID] = task
	st.repos = []*model.RegisteredRepo{{Prefix: "gh:octocat/hello", Name: "octocat/hello", Folder: "octocat--hello"}}

	var sent []string
	r := &stubRunner{
		outputs: []container.Output{
			{Status: "success", Result: "<internal>scratch notes</internal>visible summary"},
			{Status: "success", Result: "<internal>only for the agent</internal>"},
		},
		final: container.Output{Status: "success"},
	}
	s := newTestScheduler(t, st, &stubQueue{}, r, func(ctx context.Context, tid, text string) error {
		sent = append(sent, text)
		return nil
	})

	s.runTask(context.Background(), task)

	if len(sent) != 1 || sent[0] != "visible summary" {
		t.Errorf("sent = %q, internal spans must never reach the thread", sent)
	}
	// The run log keeps the raw result for diagnostics.
	if len(st.runs) != 1 || !strings.Contains(st.runs[0].Result, "only for the agent") {
		t.Errorf("run log = %+v", st.runs)
	}
}

func TestRunTaskGroupContextResumesSession(t *testing.T) {
	st := newStubStore()
	task := activeTask("task-1", "octocat--hello", "gh:octocat/hello#issue:1")
	task.ContextMode = model.ContextGroup
	st.tasks[task.ID] = task
	st.repos = []*model.RegisteredRepo{{Prefix: "gh:octocat/hello", Name: "octocat/hello", Folder: "octocat--hello"}}
	st.sessions["octocat--hello"] = "sess-7"

	r := &stubRunner{final: container.Output{Status: "success"}}
	s := newTestScheduler(t, st, &stubQueue{}, r, nil)
	s.runTask(context.Background(), task)

	if r.lastIn.SessionID != "sess-7" {
		t.Errorf("session = %q", r.lastIn.SessionID)
	}
}

func TestRunTaskErrorLogged(t *testing.T) {
	st := newStubStore()
	task := activeTask("task-1", "octocat--hello", "gh:octocat/hello#issue:1")
	task.ScheduleKind = model.ScheduleInterval
	task.ScheduleValue = "60000"
	st.tasks[task.ID] = task
	st.repos = []*model.RegisteredRepo{{Prefix: "gh:octocat/hello", Name: "octocat/hello", Folder: "octocat--hello"}}

	r := &stubRunner{final: container.Output{Status: "error", Error: "container exited with code 3"}}
	s := newTestScheduler(t, st, &stubQueue{}, r, nil)
	s.runTask(context.Background(), task)

	if len(st.runs) != 1 || st.runs[0].Status != "error" {
		t.Fatalf("run log = %+v", st.runs)
	}
	if !strings.HasPrefix(st.afterRun["task-1"], "Error: ") {
		t.Errorf("summary = %q", st.afterRun["task-1"])
	}
	// Interval tasks reschedule even after a failed run.
	if st.nextRuns["task-1"] == nil {
		t.Error("interval task was not rescheduled")
	}
}

func TestRunTaskMissingRepoLogsError(t *testing.T) {
	st := newStubStore()
	task := activeTask("task-1", "octocat--hello", "gh:octocat/hello#issue:1")
	st.tasks[task.ID] = task

	s := newTestScheduler(t, st, &stubQueue{}, &stubRunner{}, nil)
	s.runTask(context.Background(), task)

	if len(st.runs) != 1 || st.runs[0].Status != "error" {
		t.Errorf("run log = %+v", st.runs)
	}
}
