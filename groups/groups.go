// Package groups validates group folder names and resolves their on-disk
// paths. A folder name that fails the grammar is never used as a path
// component anywhere in CodeClaw, so every path helper here revalidates
// before touching the filesystem.
package groups

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Folder names allow the owner--repo form used for auto-registered
// repositories (e.g. "octocat--hello-world").
var folderPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,127}$`)

var reservedFolders = map[string]bool{
	"global": true,
}

// IsValidFolder reports whether folder satisfies the grammar: leading
// alphanumeric, then alphanumerics plus "_.-", at most 128 runes, no path
// separators, no "..", no reserved name, no surrounding whitespace.
func IsValidFolder(folder string) bool {
	if folder == "" {
		return false
	}
	if folder != strings.TrimSpace(folder) {
		return false
	}
	if !folderPattern.MatchString(folder) {
		return false
	}
	if strings.ContainsAny(folder, `/\`) {
		return false
	}
	if strings.Contains(folder, "..") {
		return false
	}
	if reservedFolders[strings.ToLower(folder)] {
		return false
	}
	return true
}

// ValidateFolder returns an error when folder fails the grammar.
func ValidateFolder(folder string) error {
	if !IsValidFolder(folder) {
		return fmt.Errorf("invalid group folder %q", folder)
	}
	return nil
}

// FolderForRepo derives the auto-registration folder for a repository,
// "owner--repo".
func FolderForRepo(owner, repo string) string {
	return owner + "--" + repo
}

// ensureWithin verifies that path resolves under base after symlink and ".."
// resolution.
func ensureWithin(base, path string) error {
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path escapes base directory: %s", path)
	}
	return nil
}

// GroupPath resolves the working directory for a folder under groupsDir.
func GroupPath(groupsDir, folder string) (string, error) {
	if err := ValidateFolder(folder); err != nil {
		return "", err
	}
	p := filepath.Join(groupsDir, folder)
	if err := ensureWithin(groupsDir, p); err != nil {
		return "", err
	}
	return p, nil
}

// IPCPath resolves the IPC directory for a folder under dataDir/ipc.
func IPCPath(dataDir, folder string) (string, error) {
	if err := ValidateFolder(folder); err != nil {
		return "", err
	}
	base := filepath.Join(dataDir, "ipc")
	p := filepath.Join(base, folder)
	if err := ensureWithin(base, p); err != nil {
		return "", err
	}
	return p, nil
}

// StatePath resolves the per-group agent state directory under
// dataDir/sessions.
func StatePath(dataDir, folder string) (string, error) {
	if err := ValidateFolder(folder); err != nil {
		return "", err
	}
	base := filepath.Join(dataDir, "sessions")
	p := filepath.Join(base, folder)
	if err := ensureWithin(base, p); err != nil {
		return "", err
	}
	return p, nil
}
