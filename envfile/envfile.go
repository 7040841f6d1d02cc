// Package envfile reads selected keys from a .env dotfile without loading
// anything into the process environment. Secrets stay on disk and are read
// only where needed, so they never leak to child processes through inherited
// environment variables.
package envfile

import (
	"errors"
	"io/fs"
	"os"
	"strings"
)

// Read parses path and returns values for the requested keys. A missing file
// is not an error; it returns an empty map. Lines are KEY=VALUE with optional
// surrounding quotes; blank lines and #-comments are skipped. Empty values
// are omitted.
func Read(path string, keys ...string) (map[string]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, err
	}

	wanted := make(map[string]bool, len(keys))
	for _, k := range keys {
		wanted[k] = true
	}

	result := make(map[string]string)
	for _, line := range strings.Split(string(content), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, value, ok := strings.Cut(trimmed, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if !wanted[key] {
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		if value != "" {
			result[key] = value
		}
	}
	return result, nil
}
