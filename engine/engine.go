// Package engine orchestrates the webhook-to-agent pipeline. It dedupes and
// persists inbound events, drains them per repository through the dispatch
// queue into agent containers, and carries agent output back to the
// originating thread.
package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nadahlberg/codeclaw/access"
	"github.com/nadahlberg/codeclaw/channel"
	"github.com/nadahlberg/codeclaw/container"
	"github.com/nadahlberg/codeclaw/events"
	"github.com/nadahlberg/codeclaw/groups"
	"github.com/nadahlberg/codeclaw/logger"
	"github.com/nadahlberg/codeclaw/model"
	"github.com/nadahlberg/codeclaw/router"
	"github.com/nadahlberg/codeclaw/store"
)

// processedRetention bounds how long delivery ids are kept for idempotency.
const processedRetention = 24 * time.Hour

// rateLimitBucketAge is how long an idle rate-limit bucket survives.
const rateLimitBucketAge = 2 * time.Hour

// Tokens is the slice of the GitHub App manager the engine needs.
type Tokens interface {
	access.PermissionFetcher
	AppSlug(ctx context.Context) (string, error)
	TokenForRepo(ctx context.Context, owner, repo string) (string, error)
	ScopedTokenForRepo(ctx context.Context, owner, repo string) (string, error)
}

// MessageQueue is the dispatch surface the engine drives.
type MessageQueue interface {
	SendMessage(prefix, text string) bool
	EnqueueMessageCheck(prefix string)
	RegisterProcess(prefix, containerName, folder string)
	NotifyIdle(prefix string)
	CloseStdin(prefix string)
}

// AgentRunner spawns one agent container and streams its output.
type AgentRunner interface {
	Run(ctx context.Context, repo *model.RegisteredRepo, in container.Input, onProcess func(containerName string), onOutput func(container.Output)) (container.Output, error)
}

// Config holds the engine's static parameters.
type Config struct {
	AssistantName          string
	DataDir                string
	GroupsDir              string
	IdleTimeout            time.Duration
	ReconciliationInterval time.Duration
	Policy                 access.Policy
}

// Deps are the engine's injected collaborators. Tokens may be nil during
// setup mode; webhook events are then dropped after dedupe.
type Deps struct {
	Store    store.Store
	Tokens   Tokens
	Queue    MessageQueue
	Runner   AgentRunner
	Channels []channel.Channel
	Limiter  *access.RateLimiter
	Checkout CheckoutFunc
	Log      *logger.Logger
}

// Engine is the orchestrator. Sessions, cursors and registrations are cached
// in memory and written through to the store.
type Engine struct {
	cfg      Config
	st       store.Store
	tokens   Tokens
	queue    MessageQueue
	runner   AgentRunner
	channels []channel.Channel
	limiter  *access.RateLimiter
	checkout CheckoutFunc
	log      *logger.Logger

	mu       sync.Mutex
	sessions map[string]string
	cursors  map[string]time.Time
	repos    map[string]*model.RegisteredRepo

	lifecycle sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an Engine. Call LoadState before handling events.
func New(cfg Config, deps Deps) *Engine {
	if cfg.ReconciliationInterval <= 0 {
		cfg.ReconciliationInterval = time.Minute
	}
	if deps.Log == nil {
		deps.Log = logger.Default()
	}
	if deps.Checkout == nil {
		deps.Checkout = GitCheckout
	}
	if deps.Limiter == nil {
		deps.Limiter = access.NewRateLimiter()
	}
	return &Engine{
		cfg:      cfg,
		st:       deps.Store,
		tokens:   deps.Tokens,
		queue:    deps.Queue,
		runner:   deps.Runner,
		channels: deps.Channels,
		limiter:  deps.Limiter,
		checkout: deps.Checkout,
		log:      deps.Log.Named("engine"),
		sessions: make(map[string]string),
		cursors:  make(map[string]time.Time),
		repos:    make(map[string]*model.RegisteredRepo),
		ctx:      context.Background(),
	}
}

// LoadState hydrates the in-memory caches from the store.
func (e *Engine) LoadState() error {
	sessions, err := e.st.ListSessions()
	if err != nil {
		return err
	}
	cursors, err := e.st.ListCursors()
	if err != nil {
		return err
	}
	repos, err := e.st.ListRepos()
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.sessions = sessions
	e.cursors = cursors
	e.repos = make(map[string]*model.RegisteredRepo, len(repos))
	for _, r := range repos {
		e.repos[r.Prefix] = r
	}
	e.mu.Unlock()

	e.log.Info("state loaded", zap.Int("repos", len(repos)), zap.Int("sessions", len(sessions)))
	return nil
}

// Start launches the reconciliation loop. Safe to call once.
func (e *Engine) Start(ctx context.Context) {
	e.lifecycle.Lock()
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.lifecycle.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.ReconciliationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.baseCtx().Done():
				return
			case <-ticker.C:
				e.ReconcileOnce()
			}
		}
	}()
}

// Stop cancels background work and waits for it to drain.
func (e *Engine) Stop() {
	e.lifecycle.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.lifecycle.Unlock()
	e.wg.Wait()
}

func (e *Engine) baseCtx() context.Context {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	return e.ctx
}

// ReconcileOnce reclaims aged processed-event records and idle rate-limit
// buckets.
func (e *Engine) ReconcileOnce() {
	if n, err := e.st.CleanupProcessed(processedRetention); err != nil {
		e.log.Warn("processed-event cleanup failed", zap.Error(err))
	} else if n > 0 {
		e.log.Debug("processed events reclaimed", zap.Int64("count", n))
	}
	e.limiter.Cleanup(rateLimitBucketAge)
}

// HandleWebhookEvent ingests one verified webhook delivery. Matches the
// ingress EventFunc signature; runs on its own goroutine.
func (e *Engine) HandleWebhookEvent(eventName, deliveryID string, payload []byte) {
	ctx := e.baseCtx()
	log := e.log.With(zap.String("event", eventName), zap.String("delivery", deliveryID))

	done, err := e.st.IsProcessed(deliveryID)
	if err != nil {
		log.Error("idempotency lookup failed", zap.Error(err))
		return
	}
	if done {
		log.Debug("duplicate delivery, skipping")
		return
	}
	if err := e.st.MarkProcessed(deliveryID); err != nil {
		log.Error("marking delivery processed", zap.Error(err))
		return
	}

	if eventName == "installation_repositories" {
		e.handleInstallation(payload, log)
		return
	}

	if e.tokens == nil {
		return
	}
	appSlug, err := e.tokens.AppSlug(ctx)
	if err != nil {
		log.Error("resolving app slug", zap.Error(err))
		return
	}

	ev, err := events.Map(eventName, payload, appSlug)
	if err != nil {
		log.Warn("unmappable payload", zap.Error(err))
		return
	}
	if ev == nil {
		log.Debug("event not handled")
		return
	}

	repo := e.repoByPrefix(ev.RepoPrefix)
	if repo == nil {
		log.Debug("event for unregistered repo", zap.String("prefix", ev.RepoPrefix))
		return
	}

	owner, name, err := model.SplitRepoPrefix(ev.RepoPrefix)
	if err != nil {
		log.Warn("bad repo prefix", zap.Error(err))
		return
	}
	allowed, reason := access.CheckPermission(ctx, e.tokens, owner, name, ev.Sender, e.cfg.Policy)
	if !allowed {
		log.Info("event rejected",
			zap.String("sender", ev.Sender), zap.String("reason", reason))
		return
	}
	if ok, retryAfter := e.limiter.Check(ev.Sender, ev.RepoPrefix, e.cfg.Policy); !ok {
		log.Info("event rate limited",
			zap.String("sender", ev.Sender), zap.Duration("retry_after", retryAfter))
		return
	}

	now := time.Now().UTC()
	msg := model.Message{
		DeliveryID: deliveryID,
		ChatTID:    ev.ThreadTID,
		Sender:     ev.Sender,
		SenderName: ev.Sender,
		Content:    ev.Content,
		Timestamp:  now,
	}
	if err := e.st.InsertMessage(&msg); err != nil {
		log.Error("storing message", zap.Error(err))
		return
	}
	if err := e.st.UpsertChat(ev.RepoPrefix, ev.RepoFullName, now); err != nil {
		log.Warn("upserting repo chat", zap.Error(err))
	}
	if err := e.st.UpsertChat(ev.ThreadTID, "", now); err != nil {
		log.Warn("upserting thread chat", zap.Error(err))
	}

	log.Info("event stored",
		zap.String("type", ev.Type),
		zap.String("thread", ev.ThreadTID),
		zap.String("sender", ev.Sender))

	formatted := router.FormatMessages([]model.Message{msg})
	if e.queue.SendMessage(ev.RepoPrefix, formatted) {
		// Delivered into the live container; the cursor moves with it.
		log.Debug("piped event to active container")
		e.setCursor(ev.ThreadTID, msg.Timestamp)
		return
	}
	e.queue.EnqueueMessageCheck(ev.RepoPrefix)
}

type installationPayload struct {
	Installation *struct {
		AppSlug string `json:"app_slug"`
	} `json:"installation"`
	Added []struct {
		FullName string `json:"full_name"`
	} `json:"repositories_added"`
	Removed []struct {
		FullName string `json:"full_name"`
	} `json:"repositories_removed"`
}

// handleInstallation auto-registers repositories added to the app
// installation. Removals are logged but the registration is preserved so
// history and tasks survive a re-install.
func (e *Engine) handleInstallation(payload []byte, log *logger.Logger) {
	var p installationPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Installation == nil {
		return
	}
	appSlug := p.Installation.AppSlug
	if appSlug == "" {
		appSlug = "codeclaw"
	}

	for _, added := range p.Added {
		prefix := "gh:" + added.FullName
		if e.repoByPrefix(prefix) != nil {
			continue
		}
		repo := &model.RegisteredRepo{
			Prefix:          prefix,
			Name:            added.FullName,
			Folder:          strings.ReplaceAll(added.FullName, "/", "--"),
			TriggerPattern:  "@" + appSlug,
			RequiresTrigger: true,
			CreatedAt:       time.Now().UTC(),
		}
		if err := e.RegisterRepo(repo); err != nil {
			log.Warn("auto-registration rejected",
				zap.String("prefix", prefix), zap.Error(err))
			continue
		}
		log.Info("repo auto-registered",
			zap.String("prefix", prefix), zap.String("folder", repo.Folder))
	}

	for _, removed := range p.Removed {
		prefix := "gh:" + removed.FullName
		if e.repoByPrefix(prefix) != nil {
			log.Info("repo removed from installation, registration preserved",
				zap.String("prefix", prefix))
		}
	}
}

// ProcessMessages drains every thread of prefix with messages newer than its
// cursor. Returns false only when a run surfaced an error before emitting any
// output; the dispatch queue then retries with backoff.
func (e *Engine) ProcessMessages(prefix string) bool {
	ctx := e.baseCtx()
	repo := e.repoByPrefix(prefix)
	if repo == nil {
		return true
	}
	ch := router.FindChannel(e.channels, prefix)
	if ch == nil {
		e.log.Warn("no channel owns prefix, skipping", zap.String("prefix", prefix))
		return true
	}

	pending := e.pendingThreads(prefix)
	if len(pending) == 0 {
		return true
	}

	checkoutPath, scopedToken := e.prepareRepoContext(ctx, prefix)

	for _, chatTID := range pending {
		prev := e.cursor(chatTID)
		msgs, err := e.st.MessagesSince(chatTID, prev, e.cfg.AssistantName)
		if err != nil {
			e.log.Error("loading pending messages", zap.String("chat", chatTID), zap.Error(err))
			return false
		}
		if len(msgs) == 0 {
			continue
		}

		prompt := router.FormatMessages(msgs)
		// Advance before the run; rolled back below on a clean failure so
		// the retry replays the same range.
		e.setCursor(chatTID, msgs[len(msgs)-1].Timestamp)

		e.log.Info("processing messages",
			zap.String("repo", repo.Name),
			zap.String("chat", chatTID),
			zap.Int("count", len(msgs)))

		success, outputSent := e.runAgent(ctx, repo, prefix, chatTID, prompt, checkoutPath, scopedToken, ch)
		if !success {
			if outputSent {
				e.log.Warn("agent error after output was sent", zap.String("chat", chatTID))
				continue
			}
			e.setCursor(chatTID, prev)
			e.log.Warn("agent error, cursor rolled back for retry", zap.String("chat", chatTID))
			return false
		}
	}
	return true
}

// prepareRepoContext readies the git checkout and the container-scoped token.
// Failures degrade the run (no checkout, no token) instead of blocking it.
func (e *Engine) prepareRepoContext(ctx context.Context, prefix string) (checkoutPath, scopedToken string) {
	if e.tokens == nil {
		return "", ""
	}
	owner, name, err := model.SplitRepoPrefix(prefix)
	if err != nil {
		return "", ""
	}
	token, err := e.tokens.TokenForRepo(ctx, owner, name)
	if err != nil {
		e.log.Error("minting checkout token", zap.String("prefix", prefix), zap.Error(err))
		return "", ""
	}
	checkoutPath, err = e.checkout(ctx, filepath.Join(e.cfg.DataDir, "repos"), owner, name, token)
	if err != nil {
		e.log.Error("preparing repo checkout", zap.String("prefix", prefix), zap.Error(err))
		checkoutPath = ""
	}
	scopedToken, err = e.tokens.ScopedTokenForRepo(ctx, owner, name)
	if err != nil {
		e.log.Error("minting scoped token", zap.String("prefix", prefix), zap.Error(err))
		scopedToken = ""
	}
	return checkoutPath, scopedToken
}

// runAgent runs one container for chatTID and forwards its streamed results
// to the thread. outputSent reports whether any result reached the channel.
func (e *Engine) runAgent(ctx context.Context, repo *model.RegisteredRepo, prefix, chatTID, prompt, checkoutPath, scopedToken string, ch channel.Channel) (success, outputSent bool) {
	isMain := repo.IsMain()

	e.writeSnapshots(repo.Folder, isMain)

	// Idle watchdog: the agent gets IdleTimeout of silence before its stdin
	// closes and it winds down.
	idle := time.AfterFunc(e.cfg.IdleTimeout, func() { e.queue.CloseStdin(prefix) })
	defer idle.Stop()

	var mu sync.Mutex
	onOutput := func(out container.Output) {
		if out.NewSessionID != "" {
			e.setSession(repo.Folder, out.NewSessionID)
		}
		if out.Result != "" {
			if text := router.FormatOutbound(out.Result); text != "" {
				if err := ch.SendMessage(ctx, chatTID, text); err != nil {
					e.log.Error("sending agent reply", zap.String("chat", chatTID), zap.Error(err))
				} else {
					mu.Lock()
					outputSent = true
					mu.Unlock()
				}
			}
			idle.Reset(e.cfg.IdleTimeout)
		}
		if out.Status == "success" {
			e.queue.NotifyIdle(prefix)
		}
	}

	secrets := map[string]string{}
	if scopedToken != "" {
		secrets["GITHUB_TOKEN"] = scopedToken
	}

	in := container.Input{
		Prompt:           prompt,
		SessionID:        e.session(repo.Folder),
		GroupFolder:      repo.Folder,
		ChatTID:          chatTID,
		IsMain:           isMain,
		AssistantName:    e.cfg.AssistantName,
		Secrets:          secrets,
		RepoCheckoutPath: checkoutPath,
	}
	out, err := e.runner.Run(ctx, repo, in,
		func(containerName string) { e.queue.RegisterProcess(prefix, containerName, repo.Folder) },
		onOutput,
	)

	mu.Lock()
	sent := outputSent
	mu.Unlock()

	if err != nil {
		e.log.Error("container run failed", zap.String("repo", repo.Name), zap.Error(err))
		return false, sent
	}
	if out.NewSessionID != "" {
		e.setSession(repo.Folder, out.NewSessionID)
	}
	if out.Status == "error" {
		e.log.Error("agent reported error", zap.String("repo", repo.Name), zap.String("detail", out.Error))
		return false, sent
	}
	return true, sent
}

// writeSnapshots refreshes the task and registration snapshots visible to the
// group before a run.
func (e *Engine) writeSnapshots(folder string, isMain bool) {
	tasks, err := e.st.ListTasks()
	if err != nil {
		e.log.Warn("listing tasks for snapshot", zap.Error(err))
	} else {
		flat := make([]model.ScheduledTask, 0, len(tasks))
		for _, t := range tasks {
			flat = append(flat, *t)
		}
		if err := container.WriteTasksSnapshot(e.cfg.DataDir, folder, isMain, flat); err != nil {
			e.log.Warn("writing tasks snapshot", zap.Error(err))
		}
	}
	if err := container.WriteGroupsSnapshot(e.cfg.DataDir, folder, isMain, e.registeredRepos()); err != nil {
		e.log.Warn("writing groups snapshot", zap.Error(err))
	}
}

// RecoverPending enqueues a message check for every registered repo with
// messages newer than its threads' cursors. Called once at startup.
func (e *Engine) RecoverPending() {
	e.mu.Lock()
	prefixes := make([]string, 0, len(e.repos))
	for prefix := range e.repos {
		prefixes = append(prefixes, prefix)
	}
	e.mu.Unlock()
	sort.Strings(prefixes)

	for _, prefix := range prefixes {
		for _, chatTID := range e.pendingThreads(prefix) {
			msgs, err := e.st.MessagesSince(chatTID, e.cursor(chatTID), e.cfg.AssistantName)
			if err != nil || len(msgs) == 0 {
				continue
			}
			e.log.Info("recovery: unprocessed messages found",
				zap.String("prefix", prefix), zap.Int("count", len(msgs)))
			e.queue.EnqueueMessageCheck(prefix)
			break
		}
	}
}

// RefreshGroups rewrites the main group's registration snapshot. Main-only
// IPC command; carries no other behavior.
func (e *Engine) RefreshGroups(ctx context.Context) error {
	return container.WriteGroupsSnapshot(e.cfg.DataDir, model.MainFolder, true, e.registeredRepos())
}

// pendingThreads lists thread TIDs under prefix ordered lexicographically.
func (e *Engine) pendingThreads(prefix string) []string {
	chats, err := e.st.ListChats()
	if err != nil {
		e.log.Error("listing chats", zap.Error(err))
		return nil
	}
	var out []string
	for _, c := range chats {
		if strings.Contains(c.TID, "#") && model.RepoPrefix(c.TID) == prefix {
			out = append(out, c.TID)
		}
	}
	sort.Strings(out)
	return out
}

// --- cached state, write-through to the store ---

func (e *Engine) repoByPrefix(prefix string) *model.RegisteredRepo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.repos[prefix]
}

func (e *Engine) registeredRepos() []model.RegisteredRepo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.RegisteredRepo, 0, len(e.repos))
	for _, r := range e.repos {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out
}

func (e *Engine) cursor(chatTID string) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursors[chatTID]
}

func (e *Engine) setCursor(chatTID string, ts time.Time) {
	e.mu.Lock()
	e.cursors[chatTID] = ts
	e.mu.Unlock()
	if err := e.st.SetCursor(chatTID, ts); err != nil {
		e.log.Error("persisting cursor", zap.String("chat", chatTID), zap.Error(err))
	}
}

func (e *Engine) session(folder string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[folder]
}

func (e *Engine) setSession(folder, sessionID string) {
	e.mu.Lock()
	e.sessions[folder] = sessionID
	e.mu.Unlock()
	if err := e.st.SetSession(folder, sessionID); err != nil {
		e.log.Error("persisting session", zap.String("folder", folder), zap.Error(err))
	}
}

// --- store facade for the IPC watcher ---

// GetRepoByPrefix serves registrations from the cache.
func (e *Engine) GetRepoByPrefix(prefix string) (*model.RegisteredRepo, error) {
	return e.repoByPrefix(prefix), nil
}

// RegisterRepo validates and persists a registration, creates the group
// directory, and refreshes the cache.
func (e *Engine) RegisterRepo(r *model.RegisteredRepo) error {
	groupDir, err := groups.GroupPath(e.cfg.GroupsDir, r.Folder)
	if err != nil {
		return err
	}
	if err := e.st.RegisterRepo(r); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(groupDir, "logs"), 0o755); err != nil {
		e.log.Warn("creating group dir", zap.String("folder", r.Folder), zap.Error(err))
	}
	e.mu.Lock()
	e.repos[r.Prefix] = r
	e.mu.Unlock()
	e.log.Info("repo registered", zap.String("prefix", r.Prefix), zap.String("folder", r.Folder))
	return nil
}

// CreateTask delegates to the store.
func (e *Engine) CreateTask(t *model.ScheduledTask) error { return e.st.CreateTask(t) }

// UpdateTask delegates to the store.
func (e *Engine) UpdateTask(t *model.ScheduledTask) error { return e.st.UpdateTask(t) }

// DeleteTask delegates to the store.
func (e *Engine) DeleteTask(id string) error { return e.st.DeleteTask(id) }

// GetTask delegates to the store.
func (e *Engine) GetTask(id string) (*model.ScheduledTask, error) { return e.st.GetTask(id) }
