// Package dispatch serializes container runs per repository while capping
// global concurrency. At most one container is active per repo prefix; new
// events for an active prefix are queued or piped into the running
// container, and scheduled tasks take strict priority over pending messages
// when a slot frees up.
package dispatch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nadahlberg/codeclaw/groups"
	"github.com/nadahlberg/codeclaw/logger"
)

const (
	DefaultMaxConcurrent = 5
	DefaultMaxRetries    = 5
	DefaultBaseRetry     = 5 * time.Second
)

// ProcessMessagesFunc drains pending messages for one repo prefix. It
// returns true when the run completed without surfaced error.
type ProcessMessagesFunc func(prefix string) bool

// TaskFunc runs one scheduled task to completion.
type TaskFunc func()

// Config holds queue tuning parameters.
type Config struct {
	MaxConcurrent int
	MaxRetries    int
	BaseRetry     time.Duration
	DataDir       string
	Log           *logger.Logger
}

type queuedTask struct {
	id string
	fn TaskFunc
}

type groupState struct {
	active          bool
	idleWaiting     bool
	isTaskContainer bool
	pendingMessages bool
	pendingTasks    []queuedTask
	containerName   string
	folder          string
	retryCount      int
}

// Queue is the dispatch layer. All admission decisions happen under one
// mutex: state is read and written atomically before any goroutine is
// launched.
type Queue struct {
	cfg Config
	log *logger.Logger

	mu           sync.Mutex
	groups       map[string]*groupState
	activeCount  int
	waiting      []string // FIFO of prefixes blocked by the global cap
	retryTimers  map[string]*time.Timer
	shuttingDown bool

	processMessages ProcessMessagesFunc
	wg              sync.WaitGroup
}

// New creates a Queue. Zero config fields take defaults.
func New(cfg Config) *Queue {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BaseRetry == 0 {
		cfg.BaseRetry = DefaultBaseRetry
	}
	if cfg.Log == nil {
		cfg.Log = logger.Default()
	}
	return &Queue{
		cfg:         cfg,
		log:         cfg.Log.Named("dispatch"),
		groups:      make(map[string]*groupState),
		retryTimers: make(map[string]*time.Timer),
	}
}

// SetProcessMessagesFn installs the message-run callback. Must be called
// before the first enqueue.
func (q *Queue) SetProcessMessagesFn(fn ProcessMessagesFunc) {
	q.mu.Lock()
	q.processMessages = fn
	q.mu.Unlock()
}

func (q *Queue) group(prefix string) *groupState {
	s, ok := q.groups[prefix]
	if !ok {
		s = &groupState{}
		q.groups[prefix] = s
	}
	return s
}

// EnqueueMessageCheck requests a message-processing run for prefix. If a
// container is already active the work is flagged pending; an idle-waiting
// container is told to wind down so the pending work drains next.
func (q *Queue) EnqueueMessageCheck(prefix string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shuttingDown {
		return
	}

	state := q.group(prefix)

	if state.active {
		state.pendingMessages = true
		if state.idleWaiting {
			q.closeStdinLocked(state)
		}
		q.log.Debug("container active, message queued", zap.String("prefix", prefix))
		return
	}

	if q.activeCount >= q.cfg.MaxConcurrent {
		state.pendingMessages = true
		q.appendWaiting(prefix)
		q.log.Debug("at concurrency limit, message queued",
			zap.String("prefix", prefix), zap.Int("active", q.activeCount))
		return
	}

	q.activate(state)
	q.wg.Add(1)
	go q.runMessages(prefix, "messages")
}

// EnqueueTask requests a task run for prefix. Duplicate task ids are
// dropped. When the prefix is active and idle-waiting, stdin is closed so
// the container exits and the task can start fresh.
func (q *Queue) EnqueueTask(prefix, taskID string, fn TaskFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shuttingDown {
		return
	}

	state := q.group(prefix)

	for _, t := range state.pendingTasks {
		if t.id == taskID {
			q.log.Debug("task already queued", zap.String("prefix", prefix), zap.String("task_id", taskID))
			return
		}
	}

	if state.active {
		state.pendingTasks = append(state.pendingTasks, queuedTask{id: taskID, fn: fn})
		if state.idleWaiting {
			q.closeStdinLocked(state)
		}
		q.log.Debug("container active, task queued", zap.String("prefix", prefix), zap.String("task_id", taskID))
		return
	}

	if q.activeCount >= q.cfg.MaxConcurrent {
		state.pendingTasks = append(state.pendingTasks, queuedTask{id: taskID, fn: fn})
		q.appendWaiting(prefix)
		q.log.Debug("at concurrency limit, task queued",
			zap.String("prefix", prefix), zap.String("task_id", taskID), zap.Int("active", q.activeCount))
		return
	}

	q.activate(state)
	q.wg.Add(1)
	go q.runTask(prefix, queuedTask{id: taskID, fn: fn})
}

// activate marks a slot active. Callers hold q.mu.
func (q *Queue) activate(state *groupState) {
	state.active = true
	q.activeCount++
}

func (q *Queue) appendWaiting(prefix string) {
	for _, w := range q.waiting {
		if w == prefix {
			return
		}
	}
	q.waiting = append(q.waiting, prefix)
}

// RegisterProcess records the container identity for an active run so
// messages can be piped into it.
func (q *Queue) RegisterProcess(prefix, containerName, folder string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	state := q.group(prefix)
	state.containerName = containerName
	if folder != "" {
		state.folder = folder
	}
}

// NotifyIdle marks the container for prefix as alive but blocking for more
// input. If tasks are pending, stdin is closed so the task can run.
func (q *Queue) NotifyIdle(prefix string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	state := q.group(prefix)
	state.idleWaiting = true
	if len(state.pendingTasks) > 0 {
		q.closeStdinLocked(state)
	}
}

// SendMessage pipes text into the running container for prefix via its
// input directory. Returns false when no live non-task container with a
// known folder exists; callers then fall back to EnqueueMessageCheck.
func (q *Queue) SendMessage(prefix, text string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	state := q.group(prefix)
	if !state.active || state.folder == "" || state.isTaskContainer {
		return false
	}
	state.idleWaiting = false

	inputDir, err := q.inputDir(state.folder)
	if err != nil {
		return false
	}
	payload, err := json.Marshal(map[string]string{"type": "message", "text": text})
	if err != nil {
		return false
	}
	name := fmt.Sprintf("%d-%s.json", time.Now().UnixMilli(), uuid.NewString()[:8])
	if err := writeFileAtomic(filepath.Join(inputDir, name), payload); err != nil {
		q.log.Warn("failed to pipe message", zap.String("prefix", prefix), zap.Error(err))
		return false
	}
	return true
}

// CloseStdin writes the close sentinel into the input directory of the
// active container for prefix.
func (q *Queue) CloseStdin(prefix string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closeStdinLocked(q.group(prefix))
}

// closeStdinLocked requires q.mu.
func (q *Queue) closeStdinLocked(state *groupState) {
	if !state.active || state.folder == "" {
		return
	}
	inputDir, err := q.inputDir(state.folder)
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(inputDir, "_close"), nil, 0o644); err != nil {
		q.log.Warn("failed to write close sentinel", zap.String("folder", state.folder), zap.Error(err))
	}
}

func (q *Queue) inputDir(folder string) (string, error) {
	ipcPath, err := groups.IPCPath(q.cfg.DataDir, folder)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(ipcPath, "input")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func (q *Queue) runMessages(prefix, reason string) {
	defer q.wg.Done()

	q.mu.Lock()
	state := q.group(prefix)
	state.idleWaiting = false
	state.isTaskContainer = false
	state.pendingMessages = false
	fn := q.processMessages
	q.mu.Unlock()

	q.log.Debug("starting container run", zap.String("prefix", prefix), zap.String("reason", reason))

	success := true
	if fn != nil {
		success = fn(prefix)
	}

	q.mu.Lock()
	if success {
		state.retryCount = 0
	} else {
		q.scheduleRetryLocked(prefix, state)
	}
	q.releaseLocked(state)
	q.drainGroupLocked(prefix)
	q.mu.Unlock()
}

func (q *Queue) runTask(prefix string, task queuedTask) {
	defer q.wg.Done()

	q.mu.Lock()
	state := q.group(prefix)
	state.idleWaiting = false
	state.isTaskContainer = true
	q.mu.Unlock()

	q.log.Debug("running queued task", zap.String("prefix", prefix), zap.String("task_id", task.id))

	task.fn()

	q.mu.Lock()
	state.isTaskContainer = false
	q.releaseLocked(state)
	q.drainGroupLocked(prefix)
	q.mu.Unlock()
}

// releaseLocked requires q.mu.
func (q *Queue) releaseLocked(state *groupState) {
	state.active = false
	state.containerName = ""
	state.folder = ""
	q.activeCount--
}

// scheduleRetryLocked requires q.mu.
func (q *Queue) scheduleRetryLocked(prefix string, state *groupState) {
	state.retryCount++
	if state.retryCount > q.cfg.MaxRetries {
		q.log.Error("max retries exceeded, dropping messages",
			zap.String("prefix", prefix), zap.Int("retries", state.retryCount))
		state.retryCount = 0
		return
	}

	delay := q.cfg.BaseRetry * (1 << (state.retryCount - 1))
	q.log.Info("scheduling retry with backoff",
		zap.String("prefix", prefix), zap.Int("retry", state.retryCount), zap.Duration("delay", delay))

	if t, ok := q.retryTimers[prefix]; ok {
		t.Stop()
	}
	q.retryTimers[prefix] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.retryTimers, prefix)
		down := q.shuttingDown
		q.mu.Unlock()
		if !down {
			q.EnqueueMessageCheck(prefix)
		}
	})
}

// drainGroupLocked requires q.mu. Tasks drain before messages; when the
// group is empty the global waiting list gets the freed slot.
func (q *Queue) drainGroupLocked(prefix string) {
	if q.shuttingDown {
		return
	}

	state := q.group(prefix)

	if len(state.pendingTasks) > 0 {
		task := state.pendingTasks[0]
		state.pendingTasks = state.pendingTasks[1:]
		q.activate(state)
		q.wg.Add(1)
		go q.runTask(prefix, task)
		return
	}

	if state.pendingMessages {
		q.activate(state)
		q.wg.Add(1)
		go q.runMessages(prefix, "drain")
		return
	}

	q.drainWaitingLocked()
}

// drainWaitingLocked requires q.mu.
func (q *Queue) drainWaitingLocked() {
	for len(q.waiting) > 0 && q.activeCount < q.cfg.MaxConcurrent {
		prefix := q.waiting[0]
		q.waiting = q.waiting[1:]
		state := q.group(prefix)

		if len(state.pendingTasks) > 0 {
			task := state.pendingTasks[0]
			state.pendingTasks = state.pendingTasks[1:]
			q.activate(state)
			q.wg.Add(1)
			go q.runTask(prefix, task)
		} else if state.pendingMessages {
			q.activate(state)
			q.wg.Add(1)
			go q.runMessages(prefix, "drain")
		}
	}
}

// ActiveCount returns the number of active slots.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeCount
}

// Shutdown stops admission and cancels scheduled retries. Active containers
// are detached, not killed; their names are returned so a future start can
// reap them. In-flight runs complete naturally.
func (q *Queue) Shutdown() []string {
	q.mu.Lock()
	q.shuttingDown = true
	for prefix, t := range q.retryTimers {
		t.Stop()
		delete(q.retryTimers, prefix)
	}
	var detached []string
	for _, state := range q.groups {
		if state.active && state.containerName != "" {
			detached = append(detached, state.containerName)
		}
	}
	q.mu.Unlock()

	q.log.Info("dispatch shutting down, containers detached",
		zap.Int("active", len(detached)), zap.Strings("containers", detached))
	return detached
}

// Wait blocks until all in-flight runs return. Used in tests and during
// graceful drain.
func (q *Queue) Wait() { q.wg.Wait() }

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
