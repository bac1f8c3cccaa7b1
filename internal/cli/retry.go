package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry <taskId>",
	Short: "Retry a failed or canceled task and wait for it to finish",
	Args:  cobra.ExactArgs(1),
	RunE:  runRetry,
}

func runRetry(cmd *cobra.Command, args []string) error {
	log := NewLogger()
	cfg := loadConfig()

	app, err := Bootstrap(cmd.Context(), cfg, log)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer app.Store.Close()
	defer app.Cache.Close()

	result, err := app.Submission.Retry(args[0])
	if err != nil {
		return err
	}
	cmd.Printf("retrying task %s (project %s)\n", result.TaskID, result.ProjectID)

	return waitForTask(cmd, app, result.TaskID)
}
