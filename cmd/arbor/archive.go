package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arbor-sh/arbor/internal/state"
)

var archiveCmd = &cobra.Command{
	Use:   "archive <session-id>",
	Short: "Archive a finished session",
	Long: `Mark a completed or failed session as archived. Archived sessions
are kept in the database but hidden from day-to-day status output.
Active sessions cannot be archived.`,
	Args: cobra.ExactArgs(1),
	RunE: runArchive,
}

func runArchive(cmd *cobra.Command, args []string) error {
	dbPath, err := resolveDBPath(cfg)
	if err != nil {
		return err
	}
	db, err := state.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	id := args[0]
	if err := db.ArchiveSession(id); err != nil {
		if errors.Is(err, state.ErrSessionActive) {
			return fmt.Errorf("session %s is still active; wait for it to finish or cancel it first", id)
		}
		return err
	}
	fmt.Printf("Archived session %s\n", id)
	return nil
}
