// Package container spawns sandboxed agent runs. The runtime binary is
// isolated here so swapping runtimes means changing one file.
package container

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nadahlberg/codeclaw/logger"
)

// DefaultRuntimeBin is the container runtime CLI.
const DefaultRuntimeBin = "docker"

func readonlyMountArgs(hostPath, containerPath string) []string {
	return []string{"-v", fmt.Sprintf("%s:%s:ro", hostPath, containerPath)}
}

// EnsureRuntime verifies the container runtime is reachable. Agents cannot
// run without it, so startup fails hard when it is not.
func EnsureRuntime(ctx context.Context, bin string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, bin, "info").Run(); err != nil {
		return fmt.Errorf("container runtime %q is required but unreachable: %w", bin, err)
	}
	return nil
}

// StopContainer stops a container by name, waiting up to grace for the
// runtime to confirm.
func StopContainer(ctx context.Context, bin, name string, grace time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	return exec.CommandContext(ctx, bin, "stop", name).Run()
}

// CleanupOrphans stops leftover agent containers from a previous run. Their
// in-flight output is lost; the recovery pass re-enqueues the work.
func CleanupOrphans(ctx context.Context, bin string, log *logger.Logger) {
	out, err := exec.CommandContext(ctx, bin, "ps", "--filter", "name=clawcode-", "--format", "{{.Names}}").Output()
	if err != nil {
		log.Warn("orphan container scan failed", zap.Error(err))
		return
	}
	var stopped []string
	for _, name := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if name == "" {
			continue
		}
		if err := StopContainer(ctx, bin, name, 15*time.Second); err != nil {
			continue // already stopped
		}
		stopped = append(stopped, name)
	}
	if len(stopped) > 0 {
		log.Info("stopped orphaned containers", zap.Strings("names", stopped))
	}
}
