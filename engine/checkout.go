package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// CheckoutFunc prepares a local checkout of owner/repo under baseDir and
// returns its path. Injected so tests can substitute a fake.
type CheckoutFunc func(ctx context.Context, baseDir, owner, repo, token string) (string, error)

const (
	gitIdentityName  = "CodeClaw AI"
	gitIdentityEmail = "codeclaw[bot]@users.noreply.github.com"
)

// GitCheckout keeps a shallow clone of owner/repo under
// <baseDir>/<owner>--<repo>. An existing checkout is fetched and hard-reset;
// fetch failures fall back to the stale checkout rather than failing the run.
func GitCheckout(ctx context.Context, baseDir, owner, repo, token string) (string, error) {
	repoDir := filepath.Join(baseDir, owner+"--"+repo)
	cloneURL := fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", token, owner, repo)

	if _, err := os.Stat(filepath.Join(repoDir, ".git")); err != nil {
		if err := os.MkdirAll(baseDir, 0o755); err != nil {
			return "", fmt.Errorf("creating repos dir: %w", err)
		}
		if err := runGit(ctx, 2*time.Minute, "", "clone", "--depth", "50", cloneURL, repoDir); err != nil {
			return "", fmt.Errorf("cloning %s/%s: %w", owner, repo, err)
		}
	} else {
		// The remote URL embeds a short-lived token; refresh it first.
		err := runGit(ctx, 10*time.Second, repoDir, "remote", "set-url", "origin", cloneURL)
		if err == nil {
			err = runGit(ctx, time.Minute, repoDir, "fetch", "--depth", "50", "origin")
		}
		if err == nil {
			err = runGit(ctx, 10*time.Second, repoDir, "reset", "--hard", "origin/HEAD")
		}
		if err != nil {
			// Stale checkout is still usable for the agent.
			return repoDir, nil
		}
	}

	_ = runGit(ctx, 10*time.Second, repoDir, "config", "user.name", gitIdentityName)
	_ = runGit(ctx, 10*time.Second, repoDir, "config", "user.email", gitIdentityEmail)

	return repoDir, nil
}

func runGit(ctx context.Context, timeout time.Duration, dir string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if dir != "" {
		args = append([]string{"-C", dir}, args...)
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git %v: %w: %s", args, err, out)
	}
	return nil
}
