package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nadahlberg/codeclaw/internal/config"
	"github.com/nadahlberg/codeclaw/store/sqlite"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List scheduled tasks",
	RunE:  runTasks,
}

func init() {
	rootCmd.AddCommand(tasksCmd)
}

func runTasks(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	tasks, err := st.ListTasks()
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}
	if len(tasks) == 0 {
		fmt.Println("no scheduled tasks")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFOLDER\tSCHEDULE\tSTATUS\tNEXT RUN\tPROMPT")
	for _, t := range tasks {
		next := "-"
		if t.NextRun != nil {
			next = t.NextRun.UTC().Format(time.RFC3339)
		}
		prompt := t.Prompt
		if len(prompt) > 60 {
			prompt = prompt[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\t%s\t%s\n",
			t.ID, t.Folder, t.ScheduleKind, t.ScheduleValue, t.Status, next, prompt)
	}
	return w.Flush()
}
