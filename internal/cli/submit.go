package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/acamarata/grillmaster/internal/store"
)

var submitTranslationHint string

var submitCmd = &cobra.Command{
	Use:   "submit <sourceOrUrl>",
	Short: "Submit a new video for processing and wait for it to finish",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitTranslationHint, "translation-hint", "", "Optional context passed to the translation step")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	log := NewLogger()
	cfg := loadConfig()

	app, err := Bootstrap(cmd.Context(), cfg, log)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer app.Store.Close()
	defer app.Cache.Close()

	var hint *string
	if submitTranslationHint != "" {
		hint = &submitTranslationHint
	}

	result, err := app.Submission.Submit(args[0], hint)
	if err != nil {
		return err
	}
	cmd.Printf("submitted project %s, task %s\n", result.ProjectID, result.TaskID)

	return waitForTask(cmd, app, result.TaskID)
}

// waitForTask polls the store until taskID reaches a terminal status,
// printing every step/percent transition it observes.
func waitForTask(cmd *cobra.Command, app *App, taskID string) error {
	var lastStep string
	var lastPercent int

	for {
		task, _, err := app.Store.GetTaskByID(taskID)
		if err != nil {
			return err
		}

		if task.CurrentStep != lastStep || task.ProgressPercent != lastPercent {
			cmd.Printf("[%3d%%] %s: %s\n", task.ProgressPercent, task.CurrentStep, task.Message)
			lastStep = task.CurrentStep
			lastPercent = task.ProgressPercent
		}

		if task.Status.IsTerminal() {
			if task.Status == store.TaskCompleted {
				cmd.Printf("task %s completed\n", taskID)
				return nil
			}
			msg := ""
			if task.ErrorMessage != nil {
				msg = *task.ErrorMessage
			}
			return fmt.Errorf("task %s ended in status %s: %s", taskID, task.Status, msg)
		}

		time.Sleep(500 * time.Millisecond)
	}
}
