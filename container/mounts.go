package container

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/nadahlberg/codeclaw/logger"
	"github.com/nadahlberg/codeclaw/model"
)

// defaultBlockedPatterns reject credential material no matter what the
// allow-list says. User-supplied patterns are merged on top.
var defaultBlockedPatterns = []string{
	".ssh", ".gnupg", ".gpg", ".aws", ".azure", ".gcloud", ".kube", ".docker",
	"credentials", ".env", ".netrc", ".npmrc", ".pypirc",
	"id_rsa", "id_ed25519", "private_key", ".secret",
}

// Mount is a validated bind mount ready to pass to the runtime.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// AllowedRoot is one host directory subtree that additional mounts may come
// from.
type AllowedRoot struct {
	Path           string `json:"path"`
	AllowReadWrite bool   `json:"allow_read_write"`
	Description    string `json:"description,omitempty"`
}

// Allowlist is the external mount policy. It lives outside the project root
// so container agents cannot rewrite their own mount permissions.
type Allowlist struct {
	AllowedRoots    []AllowedRoot `json:"allowed_roots"`
	BlockedPatterns []string      `json:"blocked_patterns"`
	NonMainReadOnly bool          `json:"non_main_read_only"`
}

// MountValidator checks requested additional mounts against the allow-list.
// No allow-list means every additional mount is rejected.
type MountValidator struct {
	path string
	log  *logger.Logger

	mu     sync.Mutex
	loaded bool
	list   *Allowlist
}

// NewMountValidator creates a validator reading the allow-list at path.
func NewMountValidator(path string, log *logger.Logger) *MountValidator {
	return &MountValidator{path: path, log: log.Named("mounts")}
}

// allowlist loads and caches the policy. Both a successful load and a failed
// one stick for the process lifetime.
func (v *MountValidator) allowlist() *Allowlist {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.loaded {
		return v.list
	}
	v.loaded = true

	raw, err := os.ReadFile(v.path)
	if err != nil {
		v.log.Warn("mount allowlist unavailable, additional mounts will be blocked",
			zap.String("path", v.path), zap.Error(err))
		return nil
	}
	var list Allowlist
	if err := json.Unmarshal(raw, &list); err != nil {
		v.log.Error("mount allowlist is malformed, additional mounts will be blocked",
			zap.String("path", v.path), zap.Error(err))
		return nil
	}

	merged := map[string]bool{}
	for _, p := range defaultBlockedPatterns {
		merged[p] = true
	}
	for _, p := range list.BlockedPatterns {
		merged[p] = true
	}
	list.BlockedPatterns = list.BlockedPatterns[:0]
	for p := range merged {
		list.BlockedPatterns = append(list.BlockedPatterns, p)
	}

	v.list = &list
	v.log.Info("mount allowlist loaded",
		zap.String("path", v.path),
		zap.Int("allowed_roots", len(list.AllowedRoots)),
		zap.Int("blocked_patterns", len(list.BlockedPatterns)))
	return v.list
}

// Validate filters requested mounts down to the allowed set. Rejections are
// logged and skipped, never fatal.
func (v *MountValidator) Validate(mounts []model.AdditionalMount, groupName string, isMain bool) []Mount {
	var validated []Mount
	for _, m := range mounts {
		result, err := v.validateOne(m, isMain)
		if err != nil {
			v.log.Warn("additional mount rejected",
				zap.String("group", groupName),
				zap.String("host_path", m.HostPath),
				zap.String("reason", err.Error()))
			continue
		}
		v.log.Debug("additional mount validated",
			zap.String("group", groupName),
			zap.String("host_path", result.HostPath),
			zap.String("container_path", result.ContainerPath),
			zap.Bool("readonly", result.ReadOnly))
		validated = append(validated, result)
	}
	return validated
}

func (v *MountValidator) validateOne(m model.AdditionalMount, isMain bool) (Mount, error) {
	list := v.allowlist()
	if list == nil {
		return Mount{}, fmt.Errorf("no mount allowlist configured at %s", v.path)
	}

	containerPath := m.ContainerPath
	if containerPath == "" {
		containerPath = filepath.Base(m.HostPath)
	}
	if err := validateContainerPath(containerPath); err != nil {
		return Mount{}, err
	}

	realPath, err := realHostPath(m.HostPath)
	if err != nil {
		return Mount{}, fmt.Errorf("host path does not exist: %q", m.HostPath)
	}

	if pattern := matchBlockedPattern(realPath, list.BlockedPatterns); pattern != "" {
		return Mount{}, fmt.Errorf("path matches blocked pattern %q: %s", pattern, realPath)
	}

	root := findAllowedRoot(realPath, list.AllowedRoots)
	if root == nil {
		return Mount{}, fmt.Errorf("path %q is not under any allowed root", realPath)
	}

	// Read-write is granted only when requested, the root allows it, and the
	// group is main or the policy permits non-main writes. Otherwise the
	// mount is silently downgraded to read-only.
	readonly := true
	if !m.ReadOnly {
		switch {
		case !isMain && list.NonMainReadOnly:
		case !root.AllowReadWrite:
		default:
			readonly = false
		}
	}

	return Mount{
		HostPath:      realPath,
		ContainerPath: "/workspace/extra/" + containerPath,
		ReadOnly:      readonly,
	}, nil
}

func validateContainerPath(p string) error {
	if strings.TrimSpace(p) == "" {
		return fmt.Errorf("container path is empty")
	}
	if strings.HasPrefix(p, "/") {
		return fmt.Errorf("container path %q must be relative", p)
	}
	if strings.Contains(p, "..") {
		return fmt.Errorf("container path %q must not contain ..", p)
	}
	return nil
}

// expandPath resolves a leading ~ against the user's home directory.
func expandPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			if p == "~" {
				return home
			}
			return filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

// realHostPath resolves symlinks so blocked-pattern and root checks see the
// real target, not a link that dodges them.
func realHostPath(p string) (string, error) {
	return filepath.EvalSymlinks(expandPath(p))
}

func matchBlockedPattern(realPath string, patterns []string) string {
	parts := strings.Split(realPath, string(filepath.Separator))
	for _, pattern := range patterns {
		for _, part := range parts {
			if part == pattern || strings.Contains(part, pattern) {
				return pattern
			}
		}
		if strings.Contains(realPath, pattern) {
			return pattern
		}
	}
	return ""
}

func findAllowedRoot(realPath string, roots []AllowedRoot) *AllowedRoot {
	for i := range roots {
		realRoot, err := realHostPath(roots[i].Path)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(realRoot, realPath)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return &roots[i]
	}
	return nil
}
