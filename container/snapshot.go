package container

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/nadahlberg/codeclaw/groups"
	"github.com/nadahlberg/codeclaw/model"
)

// WriteTasksSnapshot writes the tasks visible to a group into its IPC
// directory before a run. Non-main groups only see their own tasks.
func WriteTasksSnapshot(dataDir, folder string, isMain bool, tasks []model.ScheduledTask) error {
	ipcDir, err := groups.IPCPath(dataDir, folder)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(ipcDir, 0o755); err != nil {
		return err
	}

	visible := tasks
	if !isMain {
		visible = nil
		for _, t := range tasks {
			if t.Folder == folder {
				visible = append(visible, t)
			}
		}
	}
	if visible == nil {
		visible = []model.ScheduledTask{}
	}

	raw, err := json.MarshalIndent(visible, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(ipcDir, "current_tasks.json"), raw, 0o644)
}

type groupsSnapshot struct {
	Groups   []model.RegisteredRepo `json:"groups"`
	LastSync string                 `json:"lastSync"`
}

// WriteGroupsSnapshot writes the registration list into a group's IPC
// directory. Only main sees the registry; other groups get an empty list.
func WriteGroupsSnapshot(dataDir, folder string, isMain bool, repos []model.RegisteredRepo) error {
	ipcDir, err := groups.IPCPath(dataDir, folder)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(ipcDir, 0o755); err != nil {
		return err
	}

	visible := []model.RegisteredRepo{}
	if isMain {
		visible = repos
	}

	raw, err := json.MarshalIndent(groupsSnapshot{
		Groups:   visible,
		LastSync: time.Now().UTC().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(ipcDir, "available_groups.json"), raw, 0o644)
}
