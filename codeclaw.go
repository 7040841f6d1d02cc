// Package codeclaw is the top-level entry point for the CodeClaw server.
//
// Use the Builder to compose an application:
//
//	app, err := codeclaw.NewBuilder().WithConfig(cfg).Build()
//	app.Start(ctx)
//
// Components default to the production implementations (SQLite store,
// Docker runner, GitHub channel) and can be swapped individually.
package codeclaw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nadahlberg/codeclaw/access"
	"github.com/nadahlberg/codeclaw/channel"
	ghchannel "github.com/nadahlberg/codeclaw/channel/github"
	"github.com/nadahlberg/codeclaw/container"
	"github.com/nadahlberg/codeclaw/dispatch"
	"github.com/nadahlberg/codeclaw/engine"
	"github.com/nadahlberg/codeclaw/githubapp"
	"github.com/nadahlberg/codeclaw/httpapi"
	"github.com/nadahlberg/codeclaw/internal/config"
	"github.com/nadahlberg/codeclaw/ipc"
	"github.com/nadahlberg/codeclaw/logger"
	"github.com/nadahlberg/codeclaw/router"
	"github.com/nadahlberg/codeclaw/scheduler"
	"github.com/nadahlberg/codeclaw/store"
	"github.com/nadahlberg/codeclaw/store/sqlite"
)

// Builder constructs a CodeClaw App.
type Builder struct {
	cfg      *config.Config
	store    store.Store
	log      *logger.Logger
	channels []channel.Channel
}

// NewBuilder creates a Builder.
func NewBuilder() *Builder { return &Builder{} }

// WithConfig sets the application configuration.
func (b *Builder) WithConfig(cfg *config.Config) *Builder {
	b.cfg = cfg
	return b
}

// WithStore overrides the SQLite store.
func (b *Builder) WithStore(s store.Store) *Builder {
	b.store = s
	return b
}

// WithLogger overrides the default logger.
func (b *Builder) WithLogger(l *logger.Logger) *Builder {
	b.log = l
	return b
}

// WithChannel adds an extra outbound channel ahead of the defaults.
func (b *Builder) WithChannel(ch channel.Channel) *Builder {
	b.channels = append(b.channels, ch)
	return b
}

// Build wires all components. Missing pieces get production defaults.
func (b *Builder) Build() (*App, error) {
	cfg := b.cfg
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	log := b.log
	if log == nil {
		log = logger.Default()
	}

	st := b.store
	if st == nil {
		opened, err := sqlite.New(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		st = opened
	}

	// GitHub App manager; nil means setup mode (webhooks accepted against a
	// random secret, no events processed).
	var manager *githubapp.Manager
	if cfg.GitHubEnabled() {
		m, err := githubapp.New(cfg.GitHub.AppID, cfg.GitHub.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("initializing GitHub App: %w", err)
		}
		manager = m
	}

	channels := b.channels
	if manager != nil {
		channels = append(channels, ghchannel.New(manager, log))
	}

	queue := dispatch.New(dispatch.Config{
		MaxConcurrent: cfg.MaxConcurrentContainers,
		DataDir:       cfg.DataDir,
		Log:           log,
	})

	validator := container.NewMountValidator(cfg.MountAllowlistPath, log)
	runner := container.New(container.Config{
		Image:         cfg.ContainerImage,
		ProjectRoot:   cfg.ProjectRoot,
		GroupsDir:     cfg.GroupsDir,
		DataDir:       cfg.DataDir,
		EnvFilePath:   cfg.EnvFilePath,
		Timezone:      cfg.Timezone,
		Timeout:       cfg.ContainerTimeout,
		IdleTimeout:   cfg.IdleTimeout,
		MaxOutputSize: cfg.ContainerMaxOutputSize,
	}, validator, log)

	var tokens engine.Tokens
	if manager != nil {
		tokens = manager
	}
	eng := engine.New(engine.Config{
		AssistantName:          cfg.AssistantName,
		DataDir:                cfg.DataDir,
		GroupsDir:              cfg.GroupsDir,
		IdleTimeout:            cfg.IdleTimeout,
		ReconciliationInterval: cfg.ReconciliationInterval,
		Policy:                 access.DefaultPolicy(),
	}, engine.Deps{
		Store:    st,
		Tokens:   tokens,
		Queue:    queue,
		Runner:   runner,
		Channels: channels,
		Log:      log,
	})
	queue.SetProcessMessagesFn(eng.ProcessMessages)

	send := func(ctx context.Context, tid, text string) error {
		ch := router.FindChannel(channels, tid)
		if ch == nil {
			return fmt.Errorf("no channel owns %s", tid)
		}
		return ch.SendMessage(ctx, tid, text)
	}
	sendStructured := func(ctx context.Context, tid, text string, target channel.ResponseTarget) error {
		ch := router.FindChannel(channels, tid)
		if ch == nil {
			return fmt.Errorf("no channel owns %s", tid)
		}
		return ch.SendStructured(ctx, tid, text, target)
	}

	sched := scheduler.New(scheduler.Config{
		Poll:          cfg.SchedulerPollInterval,
		AssistantName: cfg.AssistantName,
		DataDir:       cfg.DataDir,
		GroupsDir:     cfg.GroupsDir,
	}, st, queue, runner, send, log)

	watcher := ipc.New(cfg.DataDir, cfg.IPCPollInterval, eng, ipc.Deps{
		SendMessage:    send,
		SendStructured: sendStructured,
		RefreshGroups:  eng.RefreshGroups,
	}, log)

	return &App{
		cfg:     cfg,
		log:     log,
		store:   st,
		engine:  eng,
		queue:   queue,
		sched:   sched,
		watcher: watcher,
		handler: httpapi.New(log),
	}, nil
}

// App is a wired CodeClaw application.
type App struct {
	cfg     *config.Config
	log     *logger.Logger
	store   store.Store
	engine  *engine.Engine
	queue   *dispatch.Queue
	sched   *scheduler.Scheduler
	watcher *ipc.Watcher
	handler *httpapi.Handler
}

// Engine returns the orchestrator for direct access.
func (a *App) Engine() *engine.Engine { return a.engine }

// Store returns the persistence layer.
func (a *App) Store() store.Store { return a.store }

// Start runs the server until ctx is cancelled. The port binds immediately;
// webhook processing turns on once state is loaded and recovery has run.
func (a *App) Start(ctx context.Context) error {
	if err := container.EnsureRuntime(ctx, container.DefaultRuntimeBin); err != nil {
		return err
	}
	container.CleanupOrphans(ctx, container.DefaultRuntimeBin, a.log)

	if err := a.engine.LoadState(); err != nil {
		return fmt.Errorf("loading state: %w", err)
	}

	a.engine.Start(ctx)
	go a.sched.Run(ctx)
	go a.watcher.Run(ctx)

	secret := ""
	if a.cfg.GitHubEnabled() {
		secret = a.cfg.GitHub.WebhookSecret
	} else {
		// Setup mode: hold the port with a random secret so no delivery
		// can validate until real credentials are configured.
		secret = randomSecret()
		a.log.Warn("GitHub App not configured, running in setup mode",
			zap.String("env_file", a.cfg.EnvFilePath))
	}
	a.engine.RecoverPending()
	a.handler.MarkReady(secret, a.engine.HandleWebhookEvent)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Port),
		Handler: a.handler.Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.log.Info("codeclaw listening", zap.Int("port", a.cfg.Port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	// Containers are detached, not killed; the next start reaps them.
	detached := a.queue.Shutdown()
	if len(detached) > 0 {
		a.log.Info("containers left running", zap.Strings("names", detached))
	}
	a.engine.Stop()
	return a.store.Close()
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("setup-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
