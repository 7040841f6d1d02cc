package container

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nadahlberg/codeclaw/envfile"
	"github.com/nadahlberg/codeclaw/groups"
	"github.com/nadahlberg/codeclaw/logger"
	"github.com/nadahlberg/codeclaw/model"
)

const (
	outputStartMarker = "---CLAWCODE_OUTPUT_START---"
	outputEndMarker   = "---CLAWCODE_OUTPUT_END---"

	// idleGrace keeps the hard timeout above the idle watchdog so the agent
	// always gets a chance to exit on its own.
	idleGrace = 30 * time.Second

	readChunkSize = 8192
)

// Input is one agent run request.
type Input struct {
	Prompt           string
	SessionID        string
	GroupFolder      string
	ChatTID          string
	IsMain           bool
	IsScheduledTask  bool
	AssistantName    string
	Secrets          map[string]string
	RepoCheckoutPath string
}

// Output is one parsed agent result block.
type Output struct {
	Status       string `json:"status"`
	Result       string `json:"result,omitempty"`
	NewSessionID string `json:"newSessionId,omitempty"`
	Error        string `json:"error,omitempty"`
}

// stdinPayload is the agent image's stdin contract. Secrets travel here, not
// through the environment, so sibling containers never inherit them.
type stdinPayload struct {
	Prompt          string            `json:"prompt"`
	SessionID       string            `json:"sessionId"`
	GroupFolder     string            `json:"groupFolder"`
	ChatJID         string            `json:"chatJid"`
	IsMain          bool              `json:"isMain"`
	IsScheduledTask bool              `json:"isScheduledTask"`
	AssistantName   string            `json:"assistantName"`
	Secrets         map[string]string `json:"secrets"`
}

// Config holds the static run parameters shared by every container.
type Config struct {
	RuntimeBin    string
	Image         string
	ProjectRoot   string
	GroupsDir     string
	DataDir       string
	EnvFilePath   string
	SkillsDir     string
	Timezone      string
	Timeout       time.Duration
	IdleTimeout   time.Duration
	MaxOutputSize int
	StopGrace     time.Duration
}

// Runner spawns agent containers and parses their marker-framed output.
type Runner struct {
	cfg    Config
	mounts *MountValidator
	log    *logger.Logger
}

// New creates a Runner.
func New(cfg Config, mounts *MountValidator, log *logger.Logger) *Runner {
	if cfg.RuntimeBin == "" {
		cfg.RuntimeBin = DefaultRuntimeBin
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = 15 * time.Second
	}
	return &Runner{cfg: cfg, mounts: mounts, log: log.Named("container")}
}

// effectiveTimeout picks the per-repo override when set and keeps the hard
// timeout at or above the idle watchdog plus grace.
func (r *Runner) effectiveTimeout(repo *model.RegisteredRepo) time.Duration {
	timeout := r.cfg.Timeout
	if repo.Container.TimeoutMs > 0 {
		timeout = time.Duration(repo.Container.TimeoutMs) * time.Millisecond
	}
	if floor := r.cfg.IdleTimeout + idleGrace; floor > timeout {
		return floor
	}
	return timeout
}

func containerName(folder string) string {
	safe := strings.NewReplacer("/", "-", `\`, "-").Replace(folder)
	return fmt.Sprintf("clawcode-%s-%d", safe, time.Now().UnixMilli())
}

// Run spawns one agent container and blocks until it exits. onProcess is
// called with the container name once the process is up. When onOutput is
// non-nil, each parsed result block is streamed to it and resets the
// watchdog; the final return then carries only status and session id.
func (r *Runner) Run(ctx context.Context, repo *model.RegisteredRepo, in Input, onProcess func(containerName string), onOutput func(Output)) (Output, error) {
	start := time.Now()

	groupDir, err := groups.GroupPath(r.cfg.GroupsDir, repo.Folder)
	if err != nil {
		return Output{}, err
	}
	if err := os.MkdirAll(groupDir, 0o755); err != nil {
		return Output{}, fmt.Errorf("creating group dir: %w", err)
	}

	mounts, err := r.buildMounts(repo, in.IsMain, in.RepoCheckoutPath)
	if err != nil {
		return Output{}, err
	}

	name := containerName(repo.Folder)
	args := r.containerArgs(mounts, name)

	r.log.Info("spawning container agent",
		zap.String("group", repo.Name),
		zap.String("container", name),
		zap.Int("mounts", len(mounts)),
		zap.Bool("is_main", in.IsMain))

	cmd := exec.Command(r.cfg.RuntimeBin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Output{}, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Output{}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Output{}, err
	}
	if err := cmd.Start(); err != nil {
		return Output{}, fmt.Errorf("starting container: %w", err)
	}
	if onProcess != nil {
		onProcess(name)
	}

	if err := r.writeStdin(stdin, in); err != nil {
		r.log.Warn("writing container stdin failed", zap.String("container", name), zap.Error(err))
	}

	timeout := r.effectiveTimeout(repo)
	var timedOut atomic.Bool
	watchdog := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		r.log.Error("container timeout, stopping gracefully",
			zap.String("group", repo.Name), zap.String("container", name))
		r.stop(name, cmd)
	})
	defer watchdog.Stop()

	var (
		stdoutBuf, stderrBuf limitedBuffer
		newSessionID         string
		hadStreamingOutput   bool
	)
	stdoutBuf.limit = r.cfg.MaxOutputSize
	stderrBuf.limit = r.cfg.MaxOutputSize

	parse := newStreamParser(r.log)

	var g errgroup.Group
	g.Go(func() error {
		buf := make([]byte, readChunkSize)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				if stdoutBuf.write(chunk) {
					r.log.Warn("container stdout truncated",
						zap.String("group", repo.Name), zap.Int("size", stdoutBuf.len()))
				}
				if onOutput != nil {
					for _, out := range parse.feed(string(chunk)) {
						if out.NewSessionID != "" {
							newSessionID = out.NewSessionID
						}
						hadStreamingOutput = true
						watchdog.Reset(timeout)
						onOutput(out)
					}
				}
			}
			if err != nil {
				return nil
			}
		}
	})
	g.Go(func() error {
		buf := make([]byte, readChunkSize)
		for {
			n, err := stderr.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				for _, line := range strings.Split(strings.TrimSpace(string(chunk)), "\n") {
					if line != "" {
						r.log.Debug(line, zap.String("container", repo.Folder))
					}
				}
				stderrBuf.write(chunk)
			}
			if err != nil {
				return nil
			}
		}
	})
	_ = g.Wait()
	waitErr := cmd.Wait()
	watchdog.Stop()

	duration := time.Since(start)

	if timedOut.Load() {
		if hadStreamingOutput {
			r.log.Info("container timed out after output, idle cleanup",
				zap.String("group", repo.Name), zap.Duration("duration", duration))
			return Output{Status: "success", NewSessionID: newSessionID}, nil
		}
		r.log.Error("container timed out with no output",
			zap.String("group", repo.Name), zap.Duration("duration", duration))
		return Output{Status: "error", Error: fmt.Sprintf("container timed out after %s", timeout)}, nil
	}

	if waitErr != nil {
		code := cmd.ProcessState.ExitCode()
		stderrText := stderrBuf.String()
		if len(stderrText) > 200 {
			stderrText = stderrText[len(stderrText)-200:]
		}
		r.log.Error("container exited with error",
			zap.String("group", repo.Name), zap.Int("code", code), zap.Duration("duration", duration))
		return Output{Status: "error", Error: fmt.Sprintf("container exited with code %d: %s", code, stderrText)}, nil
	}

	if onOutput != nil {
		r.log.Info("container completed",
			zap.String("group", repo.Name),
			zap.Duration("duration", duration),
			zap.String("session", newSessionID))
		return Output{Status: "success", NewSessionID: newSessionID}, nil
	}

	return parseFinalOutput(stdoutBuf.String()), nil
}

func (r *Runner) writeStdin(stdin io.WriteCloser, in Input) error {
	defer stdin.Close()

	secrets, err := envfile.Read(r.cfg.EnvFilePath, "CLAUDE_CODE_OAUTH_TOKEN", "ANTHROPIC_API_KEY")
	if err != nil {
		return fmt.Errorf("reading secrets file: %w", err)
	}
	for k, v := range in.Secrets {
		secrets[k] = v
	}

	payload, err := json.Marshal(stdinPayload{
		Prompt:          in.Prompt,
		SessionID:       in.SessionID,
		GroupFolder:     in.GroupFolder,
		ChatJID:         in.ChatTID,
		IsMain:          in.IsMain,
		IsScheduledTask: in.IsScheduledTask,
		AssistantName:   in.AssistantName,
		Secrets:         secrets,
	})
	if err != nil {
		return err
	}
	_, err = stdin.Write(payload)
	return err
}

// stop asks the runtime for a graceful stop, then kills the process if the
// runtime does not cooperate.
func (r *Runner) stop(name string, cmd *exec.Cmd) {
	if err := StopContainer(context.Background(), r.cfg.RuntimeBin, name, r.cfg.StopGrace); err != nil {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
}

func (r *Runner) containerArgs(mounts []Mount, name string) []string {
	args := []string{"run", "-i", "--rm", "--name", name}

	// Container hardening.
	args = append(args,
		"--cap-drop=ALL",
		"--cap-add=SYS_ADMIN",
		"--security-opt=no-new-privileges",
		"--pids-limit=512",
		"--add-host=metadata.google.internal:0.0.0.0",
		"--add-host=169.254.169.254:0.0.0.0",
	)

	args = append(args, "-e", "TZ="+r.cfg.Timezone)

	// The agent image expects uid 1000. Any other non-root host uid is
	// mapped through so bind mounts stay writable.
	uid, gid := os.Getuid(), os.Getgid()
	if uid > 0 && uid != 1000 {
		args = append(args, "--user", fmt.Sprintf("%d:%d", uid, gid))
		args = append(args, "-e", "HOME=/home/node")
	}

	for _, m := range mounts {
		if m.ReadOnly {
			args = append(args, readonlyMountArgs(m.HostPath, m.ContainerPath)...)
		} else {
			args = append(args, "-v", fmt.Sprintf("%s:%s", m.HostPath, m.ContainerPath))
		}
	}

	args = append(args, r.cfg.Image)
	return args
}

func (r *Runner) buildMounts(repo *model.RegisteredRepo, isMain bool, repoCheckoutPath string) ([]Mount, error) {
	var mounts []Mount

	groupDir, err := groups.GroupPath(r.cfg.GroupsDir, repo.Folder)
	if err != nil {
		return nil, err
	}

	if repoCheckoutPath != "" {
		mounts = append(mounts, Mount{HostPath: repoCheckoutPath, ContainerPath: "/workspace/repo"})
	}

	mounts = append(mounts, Mount{HostPath: groupDir, ContainerPath: "/workspace/group"})

	if isMain {
		storeDir := filepath.Join(r.cfg.ProjectRoot, "store")
		if _, err := os.Stat(storeDir); err == nil {
			mounts = append(mounts, Mount{HostPath: storeDir, ContainerPath: "/workspace/store", ReadOnly: true})
		}
		dataDir := filepath.Join(r.cfg.ProjectRoot, "data")
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, err
		}
		mounts = append(mounts, Mount{HostPath: dataDir, ContainerPath: "/workspace/data"})
		mounts = append(mounts, Mount{HostPath: r.cfg.GroupsDir, ContainerPath: "/workspace/groups"})
	} else {
		globalDir := filepath.Join(r.cfg.GroupsDir, "global")
		if _, err := os.Stat(globalDir); err == nil {
			mounts = append(mounts, Mount{HostPath: globalDir, ContainerPath: "/workspace/global", ReadOnly: true})
		}
	}

	sessionsDir, err := r.ensureSessionsDir(repo.Folder)
	if err != nil {
		return nil, err
	}
	mounts = append(mounts, Mount{HostPath: sessionsDir, ContainerPath: "/home/node/.claude"})

	ipcDir, err := groups.IPCPath(r.cfg.DataDir, repo.Folder)
	if err != nil {
		return nil, err
	}
	for _, sub := range []string{"messages", "tasks", "input"} {
		if err := os.MkdirAll(filepath.Join(ipcDir, sub), 0o755); err != nil {
			return nil, err
		}
	}
	mounts = append(mounts, Mount{HostPath: ipcDir, ContainerPath: "/workspace/ipc"})

	if len(repo.Container.AdditionalMounts) > 0 {
		mounts = append(mounts, r.mounts.Validate(repo.Container.AdditionalMounts, repo.Name, isMain)...)
	}

	return mounts, nil
}

// ensureSessionsDir creates the per-group agent state directory with default
// settings and synced skills.
func (r *Runner) ensureSessionsDir(folder string) (string, error) {
	stateDir, err := groups.StatePath(r.cfg.DataDir, folder)
	if err != nil {
		return "", err
	}
	sessionsDir := filepath.Join(stateDir, ".claude")
	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		return "", err
	}

	settingsFile := filepath.Join(sessionsDir, "settings.json")
	if _, err := os.Stat(settingsFile); os.IsNotExist(err) {
		settings := map[string]any{
			"env": map[string]string{
				"CLAUDE_CODE_EXPERIMENTAL_AGENT_TEAMS":         "1",
				"CLAUDE_CODE_ADDITIONAL_DIRECTORIES_CLAUDE_MD": "1",
				"CLAUDE_CODE_DISABLE_AUTO_MEMORY":              "0",
			},
		}
		raw, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(settingsFile, append(raw, '\n'), 0o644); err != nil {
			return "", err
		}
	}

	if r.cfg.SkillsDir != "" {
		if err := syncSkills(r.cfg.SkillsDir, filepath.Join(sessionsDir, "skills")); err != nil {
			r.log.Warn("skill sync failed", zap.String("folder", folder), zap.Error(err))
		}
	}

	return sessionsDir, nil
}

// syncSkills copies each skill directory into the group's state dir,
// overwriting stale copies.
func syncSkills(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := copyTree(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, raw, 0o644)
	})
}

// limitedBuffer keeps at most limit bytes and remembers whether it dropped
// any. Overflow never stops the process; only capture is truncated.
type limitedBuffer struct {
	buf       []byte
	limit     int
	truncated bool
}

// write appends chunk up to the limit. Returns true exactly once, on the
// write that first overflows.
func (b *limitedBuffer) write(chunk []byte) bool {
	if b.truncated {
		return false
	}
	remaining := b.limit - len(b.buf)
	if len(chunk) > remaining {
		b.buf = append(b.buf, chunk[:remaining]...)
		b.truncated = true
		return true
	}
	b.buf = append(b.buf, chunk...)
	return false
}

func (b *limitedBuffer) len() int       { return len(b.buf) }
func (b *limitedBuffer) String() string { return string(b.buf) }

// streamParser scans a byte stream for marker-framed JSON result blocks.
// Text outside markers is diagnostic noise and is discarded.
type streamParser struct {
	buf string
	log *logger.Logger
}

func newStreamParser(log *logger.Logger) *streamParser {
	return &streamParser{log: log}
}

func (p *streamParser) feed(text string) []Output {
	p.buf += text
	var outs []Output
	for {
		start := strings.Index(p.buf, outputStartMarker)
		if start < 0 {
			// Keep a marker-sized tail in case a marker is split across
			// chunks.
			if keep := len(outputStartMarker) - 1; len(p.buf) > keep {
				p.buf = p.buf[len(p.buf)-keep:]
			}
			return outs
		}
		end := strings.Index(p.buf[start:], outputEndMarker)
		if end < 0 {
			p.buf = p.buf[start:]
			return outs
		}
		jsonStr := strings.TrimSpace(p.buf[start+len(outputStartMarker) : start+end])
		p.buf = p.buf[start+end+len(outputEndMarker):]

		var out Output
		if err := json.Unmarshal([]byte(jsonStr), &out); err != nil {
			p.log.Warn("failed to parse streamed output chunk", zap.Error(err))
			continue
		}
		if out.Status == "" {
			out.Status = "success"
		}
		outs = append(outs, out)
	}
}

// parseFinalOutput handles non-streaming runs: the last marker pair wins,
// falling back to the last stdout line for older agent images.
func parseFinalOutput(stdout string) Output {
	var jsonStr string
	end := strings.LastIndex(stdout, outputEndMarker)
	start := -1
	if end >= 0 {
		start = strings.LastIndex(stdout[:end], outputStartMarker)
	}
	if start >= 0 {
		jsonStr = strings.TrimSpace(stdout[start+len(outputStartMarker) : end])
	} else {
		lines := strings.Split(strings.TrimSpace(stdout), "\n")
		jsonStr = lines[len(lines)-1]
	}

	var out Output
	if err := json.Unmarshal([]byte(jsonStr), &out); err != nil {
		return Output{Status: "error", Error: fmt.Sprintf("failed to parse container output: %v", err)}
	}
	if out.Status == "" {
		out.Status = "success"
	}
	return out
}
