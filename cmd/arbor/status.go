package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/arbor-sh/arbor/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show sessions and their tasks",
	Long: `Without arguments, lists all sessions. With a session ID, shows
that session's tasks, their statuses, and failure reasons.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	dbPath, err := resolveDBPath(cfg)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No sessions yet. Run 'arbor run -f tasks.yaml' to start.")
		return nil
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if len(args) == 1 {
		return printSession(db, args[0])
	}
	return printSessions(db)
}

func printSessions(db *state.DB) error {
	sessions, err := db.ListSessions()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions yet.")
		return nil
	}
	for _, s := range sessions {
		fmt.Printf("%s  %-10s  %s  %s\n",
			s.ID, statusColor(string(s.Status)), s.CreatedAt.Local().Format("2006-01-02 15:04"), s.Name)
	}
	return nil
}

func printSession(db *state.DB, sessionID string) error {
	s, err := db.GetSession(sessionID)
	if err != nil {
		return err
	}
	tasks, err := db.ListTasksBySession(sessionID)
	if err != nil {
		return err
	}

	fmt.Printf("%s  %s  %s\n\n", s.ID, statusColor(string(s.Status)), s.Name)
	for _, t := range tasks {
		line := fmt.Sprintf("  %s  %-10s  %s", t.ID, statusColor(string(t.Status)), t.Name)
		if t.RetryCount > 0 {
			line += fmt.Sprintf("  (%d retries)", t.RetryCount)
		}
		fmt.Println(line)
		if t.FailureReason != "" {
			color.New(color.Faint).Printf("      %s\n", t.FailureReason)
		}
	}
	return nil
}

func statusColor(status string) string {
	switch status {
	case "succeeded", "completed":
		return color.GreenString(status)
	case "failed":
		return color.RedString(status)
	case "skipped":
		return color.YellowString(status)
	case "running", "active":
		return color.CyanString(status)
	default:
		return status
	}
}
