package store

import (
	"database/sql"
	"errors"

	"github.com/acamarata/grillmaster/internal/apperr"
)

// MarkStepStart upserts a task_step_states row into "running", bumping
// attempt. Used at the top of every pipeline step so a crash mid-step leaves
// a row recording how many attempts were made.
func (s *Store) MarkStepStart(taskID, projectID, step string) error {
	now := nowMillis()
	_, err := s.db.Exec(`
		INSERT INTO task_step_states (task_id, project_id, step, status, attempt, started_at, finished_at,
			duration_ms, error_message, output_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, NULL, NULL, NULL, NULL, ?, ?)
		ON CONFLICT (task_id, step) DO UPDATE SET
			status = excluded.status,
			attempt = task_step_states.attempt + 1,
			started_at = excluded.started_at,
			finished_at = NULL,
			duration_ms = NULL,
			error_message = NULL,
			updated_at = excluded.updated_at`,
		taskID, projectID, step, string(StepRunning), now, now, now)
	if err != nil {
		return apperr.Infrastructure(err, "marking step start")
	}
	return nil
}

// MarkStepEnd finalizes a step row as completed/failed/canceled, computing
// durationMs from the previously recorded startedAt (clamped to a minimum
// of 0, per spec.md §4.1's `max(0, now - startedAt)`). outputJSON, when
// non-nil, is the step's checkpointed result consumed by later steps or a
// resumed run. Returns the computed durationMs so the caller can attach it
// to a step_end task event.
func (s *Store) MarkStepEnd(taskID, step string, status StepStatus, errorMessage, outputJSON *string) (int64, error) {
	var startedAt sql.NullInt64
	err := s.db.QueryRow(`SELECT started_at FROM task_step_states WHERE task_id = ? AND step = ?`, taskID, step).Scan(&startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperr.NotFound("step state %s/%s not found", taskID, step)
	}
	if err != nil {
		return 0, apperr.Infrastructure(err, "fetching step state")
	}

	now := nowMillis()
	var durationMs int64
	if startedAt.Valid {
		durationMs = now - startedAt.Int64
		if durationMs < 0 {
			durationMs = 0
		}
	}

	_, err = s.db.Exec(`UPDATE task_step_states SET status = ?, finished_at = ?, duration_ms = ?,
		error_message = ?, output_json = ?, updated_at = ? WHERE task_id = ? AND step = ?`,
		string(status), now, durationMs, errorMessage, outputJSON, now, taskID, step)
	if err != nil {
		return 0, apperr.Infrastructure(err, "marking step end")
	}
	return durationMs, nil
}

// GetStepOutput returns the stored output_json and status for (taskID, step),
// whatever that status is, or nil and an empty status if no row exists. The
// runner reads checkpoints through GetTaskStepStates instead.
func (s *Store) GetStepOutput(taskID, step string) (*string, StepStatus, error) {
	var status string
	var outputJSON sql.NullString
	err := s.db.QueryRow(`SELECT status, output_json FROM task_step_states WHERE task_id = ? AND step = ?`, taskID, step).Scan(&status, &outputJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", apperr.Infrastructure(err, "fetching step output")
	}
	return nullToPtr(outputJSON), StepStatus(status), nil
}

// GetTaskStepStates returns every step row for a task in step-table order
// (insertion order via rowid, which matches execution order since steps run
// strictly sequentially).
func (s *Store) GetTaskStepStates(taskID string) ([]*TaskStepState, error) {
	rows, err := s.db.Query(`SELECT task_id, project_id, step, status, attempt, started_at, finished_at,
		duration_ms, error_message, output_json, created_at, updated_at
		FROM task_step_states WHERE task_id = ? ORDER BY rowid`, taskID)
	if err != nil {
		return nil, apperr.Infrastructure(err, "listing task step states")
	}
	defer rows.Close()

	var states []*TaskStepState
	for rows.Next() {
		var st TaskStepState
		var status string
		var startedAt, finishedAt, durationMs sql.NullInt64
		var errorMessage, outputJSON sql.NullString
		if err := rows.Scan(&st.TaskID, &st.ProjectID, &st.Step, &status, &st.Attempt, &startedAt, &finishedAt,
			&durationMs, &errorMessage, &outputJSON, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, apperr.Infrastructure(err, "scanning step state row")
		}
		st.Status = StepStatus(status)
		st.StartedAt = nullToInt64(startedAt)
		st.FinishedAt = nullToInt64(finishedAt)
		st.DurationMs = nullToInt64(durationMs)
		st.ErrorMessage = nullToPtr(errorMessage)
		st.OutputJSON = nullToPtr(outputJSON)
		states = append(states, &st)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Infrastructure(err, "iterating step state rows")
	}
	return states, nil
}
