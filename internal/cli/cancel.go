package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/acamarata/grillmaster/internal/store"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <taskId>",
	Short: "Request cancellation of a queued or running task",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	st, err := store.Open(cfg.SQLiteDBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	status, err := st.RequestTaskCancel(args[0])
	if err != nil {
		return err
	}

	cmd.Printf("task %s is now %s\n", args[0], status)
	return nil
}
