package ipc

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nadahlberg/codeclaw/channel"
	"github.com/nadahlberg/codeclaw/groups"
	"github.com/nadahlberg/codeclaw/logger"
	"github.com/nadahlberg/codeclaw/model"
)

type ipcStore struct {
	repos   map[string]*model.RegisteredRepo
	tasks   map[string]*model.ScheduledTask
	created []*model.ScheduledTask
	deleted []string
}

func newIPCStore() *ipcStore {
	return &ipcStore{
		repos: map[string]*model.RegisteredRepo{},
		tasks: map[string]*model.ScheduledTask{},
	}
}

func (s *ipcStore) GetRepoByPrefix(prefix string) (*model.RegisteredRepo, error) {
	return s.repos[prefix], nil
}

func (s *ipcStore) RegisterRepo(r *model.RegisteredRepo) error {
	if err := groups.ValidateFolder(r.Folder); err != nil {
		return err
	}
	s.repos[r.Prefix] = r
	return nil
}

func (s *ipcStore) CreateTask(t *model.ScheduledTask) error {
	s.created = append(s.created, t)
	s.tasks[t.ID] = t
	return nil
}

func (s *ipcStore) UpdateTask(t *model.ScheduledTask) error {
	s.tasks[t.ID] = t
	return nil
}

func (s *ipcStore) DeleteTask(id string) error {
	s.deleted = append(s.deleted, id)
	delete(s.tasks, id)
	return nil
}

func (s *ipcStore) GetTask(id string) (*model.ScheduledTask, error) {
	return s.tasks[id], nil
}

type recordedSend struct {
	tid    string
	text   string
	target *channel.ResponseTarget
}

type fixture struct {
	watcher   *Watcher
	store     *ipcStore
	dataDir   string
	sent      []recordedSend
	refreshes int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: newIPCStore(), dataDir: t.TempDir()}
	f.store.repos["gh:octocat/hello"] = &model.RegisteredRepo{
		Prefix: "gh:octocat/hello", Name: "octocat/hello", Folder: "octocat--hello",
	}
	f.watcher = New(f.dataDir, time.Second, f.store, Deps{
		SendMessage: func(ctx context.Context, tid, text string) error {
			f.sent = append(f.sent, recordedSend{tid: tid, text: text})
			return nil
		},
		SendStructured: func(ctx context.Context, tid, text string, target channel.ResponseTarget) error {
			f.sent = append(f.sent, recordedSend{tid: tid, text: text, target: &target})
			return nil
		},
		RefreshGroups: func(ctx context.Context) error {
			f.refreshes++
			return nil
		},
	}, logger.Nop())
	return f
}

func (f *fixture) write(t *testing.T, folder, kind, name, content string) {
	t.Helper()
	dir := filepath.Join(f.dataDir, "ipc", folder, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) fileGone(t *testing.T, folder, kind, name string) {
	t.Helper()
	if _, err := os.Stat(filepath.Join(f.dataDir, "ipc", folder, kind, name)); !os.IsNotExist(err) {
		t.Errorf("file %s/%s/%s still present", folder, kind, name)
	}
}

func TestPlainMessageDispatched(t *testing.T) {
	f := newFixture(t)
	f.write(t, "octocat--hello", "messages", "001.json",
		`{"type":"message","chatJid":"gh:octocat/hello#issue:3","text":"done"}`)

	f.watcher.Scan(context.Background())

	if len(f.sent) != 1 || f.sent[0].tid != "gh:octocat/hello#issue:3" || f.sent[0].text != "done" {
		t.Errorf("sent = %+v", f.sent)
	}
	f.fileGone(t, "octocat--hello", "messages", "001.json")
}

func TestUnauthorizedMessageBlocked(t *testing.T) {
	f := newFixture(t)
	// A non-main folder may only target its own repository's threads.
	f.write(t, "other--repo", "messages", "001.json",
		`{"type":"message","chatJid":"gh:octocat/hello#issue:3","text":"sneaky"}`)

	f.watcher.Scan(context.Background())

	if len(f.sent) != 0 {
		t.Errorf("unauthorized message delivered: %+v", f.sent)
	}
	f.fileGone(t, "other--repo", "messages", "001.json")
}

func TestMainMayTargetAnyThread(t *testing.T) {
	f := newFixture(t)
	f.write(t, model.MainFolder, "messages", "001.json",
		`{"type":"message","chatJid":"gh:octocat/hello#pr:9","text":"from main"}`)

	f.watcher.Scan(context.Background())

	if len(f.sent) != 1 {
		t.Errorf("sent = %+v", f.sent)
	}
}

func TestMalformedFileMovesToErrors(t *testing.T) {
	f := newFixture(t)
	f.write(t, "octocat--hello", "messages", "bad.json", `{not json`)

	f.watcher.Scan(context.Background())

	moved := filepath.Join(f.dataDir, "ipc", "errors", "octocat--hello-bad.json")
	if _, err := os.Stat(moved); err != nil {
		t.Errorf("file not moved to errors: %v", err)
	}
}

func TestGithubReviewDispatch(t *testing.T) {
	f := newFixture(t)
	f.write(t, "octocat--hello", "messages", "001.json",
		`{"type":"github_review","chatJid":"gh:octocat/hello#pr:5","body":"looks wrong",
		  "event":"REQUEST_CHANGES","prNumber":5,
		  "comments":[{"path":"a.go","line":3,"body":"typo"}]}`)

	f.watcher.Scan(context.Background())

	if len(f.sent) != 1 || f.sent[0].target == nil {
		t.Fatalf("sent = %+v", f.sent)
	}
	target := *f.sent[0].target
	if target.Type != channel.TargetPRReview || target.ReviewAction != "REQUEST_CHANGES" {
		t.Errorf("target = %+v", target)
	}
	if len(target.ReviewComments) != 1 || target.ReviewComments[0].Path != "a.go" {
		t.Errorf("comments = %+v", target.ReviewComments)
	}
}

func TestGithubReviewInvalidEventRejected(t *testing.T) {
	f := newFixture(t)
	f.write(t, "octocat--hello", "messages", "001.json",
		`{"type":"github_review","chatJid":"gh:octocat/hello#pr:5","body":"x","event":"MERGE"}`)

	f.watcher.Scan(context.Background())

	if len(f.sent) != 0 {
		t.Errorf("invalid event dispatched: %+v", f.sent)
	}
	if _, err := os.Stat(filepath.Join(f.dataDir, "ipc", "errors", "octocat--hello-001.json")); err != nil {
		t.Errorf("invalid review not routed to errors: %v", err)
	}
}

func TestGithubCommentPicksTargetFromThreadKind(t *testing.T) {
	f := newFixture(t)
	f.write(t, "octocat--hello", "messages", "001.json",
		`{"type":"github_comment","chatJid":"gh:octocat/hello#pr:5","text":"hi","prNumber":5}`)
	f.write(t, "octocat--hello", "messages", "002.json",
		`{"type":"github_comment","chatJid":"gh:octocat/hello#issue:2","text":"hi","issueNumber":2}`)

	f.watcher.Scan(context.Background())

	if len(f.sent) != 2 {
		t.Fatalf("sent = %+v", f.sent)
	}
	if f.sent[0].target.Type != channel.TargetPRComment {
		t.Errorf("pr thread target = %v", f.sent[0].target.Type)
	}
	if f.sent[1].target.Type != channel.TargetIssueComment {
		t.Errorf("issue thread target = %v", f.sent[1].target.Type)
	}
}

func TestGithubCreatePR(t *testing.T) {
	f := newFixture(t)
	f.write(t, "octocat--hello", "messages", "001.json",
		`{"type":"github_create_pr","chatJid":"gh:octocat/hello#issue:4",
		  "title":"Fix crash","head":"fix-crash","base":"main","body":"closes #4"}`)

	f.watcher.Scan(context.Background())

	if len(f.sent) != 1 || f.sent[0].target.Type != channel.TargetNewPR {
		t.Fatalf("sent = %+v", f.sent)
	}
	if f.sent[0].target.Head != "fix-crash" || f.sent[0].text != "closes #4" {
		t.Errorf("target = %+v text = %q", f.sent[0].target, f.sent[0].text)
	}
}

func TestScheduleTaskCreatesActiveTask(t *testing.T) {
	f := newFixture(t)
	f.write(t, "octocat--hello", "tasks", "001.json",
		`{"type":"schedule_task","prompt":"nightly check","schedule_type":"interval",
		  "schedule_value":"60000","targetJid":"gh:octocat/hello#issue:1","context_mode":"group"}`)

	f.watcher.Scan(context.Background())

	if len(f.store.created) != 1 {
		t.Fatalf("created = %+v", f.store.created)
	}
	task := f.store.created[0]
	if !strings.HasPrefix(task.ID, "task-") {
		t.Errorf("id = %q", task.ID)
	}
	if task.Folder != "octocat--hello" || task.Status != model.TaskActive {
		t.Errorf("task = %+v", task)
	}
	if task.ContextMode != model.ContextGroup {
		t.Errorf("context mode = %v", task.ContextMode)
	}
	if task.NextRun == nil || !task.NextRun.After(time.Now()) {
		t.Errorf("next run = %v", task.NextRun)
	}
}

func TestScheduleTaskCrossGroupBlocked(t *testing.T) {
	f := newFixture(t)
	f.store.repos["gh:other/repo"] = &model.RegisteredRepo{
		Prefix: "gh:other/repo", Folder: "other--repo",
	}
	f.write(t, "octocat--hello", "tasks", "001.json",
		`{"type":"schedule_task","prompt":"p","schedule_type":"interval",
		  "schedule_value":"1000","targetJid":"gh:other/repo#issue:1"}`)

	f.watcher.Scan(context.Background())

	if len(f.store.created) != 0 {
		t.Errorf("cross-group task created: %+v", f.store.created)
	}
}

func TestScheduleTaskInvalidCronIgnored(t *testing.T) {
	f := newFixture(t)
	f.write(t, "octocat--hello", "tasks", "001.json",
		`{"type":"schedule_task","prompt":"p","schedule_type":"cron",
		  "schedule_value":"not a cron","targetJid":"gh:octocat/hello#issue:1"}`)

	f.watcher.Scan(context.Background())

	if len(f.store.created) != 0 {
		t.Errorf("task created from invalid cron: %+v", f.store.created)
	}
	f.fileGone(t, "octocat--hello", "tasks", "001.json")
}

func TestPauseResumeCancelAuthorization(t *testing.T) {
	f := newFixture(t)
	f.store.tasks["task-1"] = &model.ScheduledTask{
		ID: "task-1", Folder: "octocat--hello", Status: model.TaskActive,
	}

	// Another group cannot pause it.
	f.write(t, "other--repo", "tasks", "001.json", `{"type":"pause_task","taskId":"task-1"}`)
	f.watcher.Scan(context.Background())
	if f.store.tasks["task-1"].Status != model.TaskActive {
		t.Error("unauthorized pause applied")
	}

	// The owning group can.
	f.write(t, "octocat--hello", "tasks", "002.json", `{"type":"pause_task","taskId":"task-1"}`)
	f.watcher.Scan(context.Background())
	if f.store.tasks["task-1"].Status != model.TaskPaused {
		t.Error("pause not applied")
	}

	f.write(t, "octocat--hello", "tasks", "003.json", `{"type":"resume_task","taskId":"task-1"}`)
	f.watcher.Scan(context.Background())
	if f.store.tasks["task-1"].Status != model.TaskActive {
		t.Error("resume not applied")
	}

	// Main can cancel anything.
	f.write(t, model.MainFolder, "tasks", "004.json", `{"type":"cancel_task","taskId":"task-1"}`)
	f.watcher.Scan(context.Background())
	if len(f.store.deleted) != 1 || f.store.deleted[0] != "task-1" {
		t.Errorf("deleted = %v", f.store.deleted)
	}
}

func TestRegisterGroupMainOnly(t *testing.T) {
	f := newFixture(t)
	reg := `{"type":"register_group","jid":"gh:new/repo","name":"new/repo","folder":"new--repo","trigger":"@codeclaw"}`

	f.write(t, "octocat--hello", "tasks", "001.json", reg)
	f.watcher.Scan(context.Background())
	if _, ok := f.store.repos["gh:new/repo"]; ok {
		t.Error("non-main registration accepted")
	}

	f.write(t, model.MainFolder, "tasks", "002.json", reg)
	f.watcher.Scan(context.Background())
	repo, ok := f.store.repos["gh:new/repo"]
	if !ok {
		t.Fatal("registration missing")
	}
	if repo.Folder != "new--repo" || !repo.RequiresTrigger {
		t.Errorf("repo = %+v", repo)
	}
}

func TestRegisterGroupBadFolderRoutedToErrors(t *testing.T) {
	f := newFixture(t)
	f.write(t, model.MainFolder, "tasks", "001.json",
		`{"type":"register_group","jid":"gh:new/repo","name":"n","folder":"../escape","trigger":"t"}`)

	f.watcher.Scan(context.Background())

	if _, ok := f.store.repos["gh:new/repo"]; ok {
		t.Error("unsafe folder registered")
	}
	if _, err := os.Stat(filepath.Join(f.dataDir, "ipc", "errors", "main-001.json")); err != nil {
		t.Errorf("bad registration not routed to errors: %v", err)
	}
}

func TestRefreshGroupsMainOnly(t *testing.T) {
	f := newFixture(t)
	f.write(t, "octocat--hello", "tasks", "001.json", `{"type":"refresh_groups"}`)
	f.watcher.Scan(context.Background())
	if f.refreshes != 0 {
		t.Error("non-main refresh honored")
	}

	f.write(t, model.MainFolder, "tasks", "002.json", `{"type":"refresh_groups"}`)
	f.watcher.Scan(context.Background())
	if f.refreshes != 1 {
		t.Errorf("refreshes = %d", f.refreshes)
	}
}
