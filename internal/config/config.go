// Package config provides configuration management for CodeClaw.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nadahlberg/codeclaw/envfile"
)

// Config holds all configuration for the CodeClaw server. Secrets are NOT
// loaded here; they stay in the dotfile and are read only where needed, so
// they never leak to child processes through the environment.
type Config struct {
	// AssistantName is the name the agent identifies as and the prefix
	// used to filter its own messages out of replay.
	AssistantName string

	// ProjectRoot anchors the on-disk layout: store/, groups/, data/.
	ProjectRoot string
	StoreDir    string
	GroupsDir   string
	DataDir     string

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string

	// EnvFilePath is the dotfile holding secrets and optional settings.
	EnvFilePath string

	// MountAllowlistPath lives outside the project root so container
	// agents cannot rewrite their own mount permissions.
	MountAllowlistPath string

	ContainerImage          string
	ContainerTimeout        time.Duration
	ContainerMaxOutputSize  int
	IdleTimeout             time.Duration
	MaxConcurrentContainers int

	Port     int
	Timezone string

	IPCPollInterval        time.Duration
	SchedulerPollInterval  time.Duration
	ReconciliationInterval time.Duration

	// GitHub is nil when the GitHub App is not configured.
	GitHub *GitHubAppConfig
}

// GitHubAppConfig carries the app credentials for webhook verification and
// installation-token minting.
type GitHubAppConfig struct {
	AppID         int64
	PrivateKey    []byte
	WebhookSecret string
}

// Load creates a Config from the environment and the project dotfile.
func Load() (*Config, error) {
	root := os.Getenv("CODECLAW_ROOT")
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving project root: %w", err)
		}
		root = cwd
	}
	return LoadFrom(root)
}

// LoadFrom creates a Config anchored at the given project root.
func LoadFrom(root string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = root
	}
	envPath := filepath.Join(root, ".env")

	assistantName := os.Getenv("ASSISTANT_NAME")
	if assistantName == "" {
		fromFile, err := envfile.Read(envPath, "ASSISTANT_NAME")
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", envPath, err)
		}
		assistantName = fromFile["ASSISTANT_NAME"]
	}
	if assistantName == "" {
		assistantName = "CodeClaw"
	}

	dataDir := filepath.Join(root, "data")
	cfg := &Config{
		AssistantName:      assistantName,
		ProjectRoot:        root,
		StoreDir:           filepath.Join(root, "store"),
		GroupsDir:          filepath.Join(root, "groups"),
		DataDir:            dataDir,
		DatabasePath:       filepath.Join(dataDir, "codeclaw.db"),
		EnvFilePath:        envPath,
		MountAllowlistPath: filepath.Join(home, ".config", "codeclaw", "mount-allowlist.json"),

		ContainerImage:          envOr("CONTAINER_IMAGE", "codeclaw-agent:latest"),
		ContainerTimeout:        time.Duration(envOrInt("CONTAINER_TIMEOUT", 1_800_000)) * time.Millisecond,
		ContainerMaxOutputSize:  envOrInt("CONTAINER_MAX_OUTPUT_SIZE", 10_485_760),
		IdleTimeout:             time.Duration(envOrInt("IDLE_TIMEOUT", 1_800_000)) * time.Millisecond,
		MaxConcurrentContainers: max(1, envOrInt("MAX_CONCURRENT_CONTAINERS", 5)),

		Port:     envOrInt("PORT", 3000),
		Timezone: envOr("TZ", "UTC"),

		IPCPollInterval:        time.Second,
		SchedulerPollInterval:  time.Minute,
		ReconciliationInterval: time.Minute,
	}

	gh, err := loadGitHubApp(envPath, home)
	if err != nil {
		return nil, err
	}
	cfg.GitHub = gh

	return cfg, nil
}

// loadGitHubApp reads the app credentials from the dotfile. Returns nil when
// the app is not configured. The private key is either inline or read from a
// file outside the project root.
func loadGitHubApp(envPath, home string) (*GitHubAppConfig, error) {
	env, err := envfile.Read(envPath,
		"GITHUB_APP_ID",
		"GITHUB_WEBHOOK_SECRET",
		"GITHUB_PRIVATE_KEY",
		"GITHUB_PRIVATE_KEY_PATH",
	)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", envPath, err)
	}

	appIDStr := env["GITHUB_APP_ID"]
	webhookSecret := env["GITHUB_WEBHOOK_SECRET"]
	if appIDStr == "" || webhookSecret == "" {
		return nil, nil
	}
	appID, err := strconv.ParseInt(appIDStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid GITHUB_APP_ID %q", appIDStr)
	}

	key := []byte(env["GITHUB_PRIVATE_KEY"])
	if len(key) == 0 {
		keyPath := env["GITHUB_PRIVATE_KEY_PATH"]
		if keyPath == "" {
			keyPath = filepath.Join(home, ".config", "codeclaw", "github-app.pem")
		}
		key, err = os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("reading GitHub App private key at %s: %w", keyPath, err)
		}
	}

	return &GitHubAppConfig{
		AppID:         appID,
		PrivateKey:    key,
		WebhookSecret: webhookSecret,
	}, nil
}

// EnsureDirs creates the on-disk layout.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.StoreDir, c.GroupsDir, c.DataDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// GitHubEnabled reports whether the GitHub App is configured.
func (c *Config) GitHubEnabled() bool { return c.GitHub != nil }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
