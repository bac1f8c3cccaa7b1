package store

import (
	"database/sql"
	"errors"

	"github.com/acamarata/grillmaster/internal/apperr"
)

// ListTasks returns the most recently updated tasks across all projects.
func (s *Store) ListTasks(limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(taskSelectColumns+` FROM tasks ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperr.Infrastructure(err, "listing tasks")
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *Store) listTasksForProject(projectID string, limit int) ([]*Task, error) {
	rows, err := s.db.Query(taskSelectColumns+` FROM tasks WHERE project_id = ? ORDER BY created_at DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, apperr.Infrastructure(err, "listing tasks for project")
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *Store) latestTaskForProject(projectID string) (*Task, error) {
	tasks, err := s.listTasksForProject(projectID, 1)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[0], nil
}

// GetTaskByID returns a task plus its events (up to 400, newest first).
func (s *Store) GetTaskByID(taskID string) (*Task, []*TaskEvent, error) {
	row := s.db.QueryRow(taskSelectColumns+` FROM tasks WHERE task_id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, apperr.NotFound("task %s not found", taskID)
	}
	if err != nil {
		return nil, nil, apperr.Infrastructure(err, "fetching task")
	}

	events, err := s.listEventsForTask(taskID, 400)
	if err != nil {
		return nil, nil, err
	}
	return t, events, nil
}

const taskSelectColumns = `SELECT task_id, project_id, type, status, current_step, progress_percent, message,
	started_at, finished_at, cancel_requested_at, canceled_at, error_message, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var status string
	var startedAt, finishedAt, cancelRequestedAt, canceledAt sql.NullInt64
	var errorMessage sql.NullString

	err := row.Scan(&t.TaskID, &t.ProjectID, &t.Type, &status, &t.CurrentStep, &t.ProgressPercent, &t.Message,
		&startedAt, &finishedAt, &cancelRequestedAt, &canceledAt, &errorMessage, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.StartedAt = nullToInt64(startedAt)
	t.FinishedAt = nullToInt64(finishedAt)
	t.CancelRequestedAt = nullToInt64(cancelRequestedAt)
	t.CanceledAt = nullToInt64(canceledAt)
	t.ErrorMessage = nullToPtr(errorMessage)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apperr.Infrastructure(err, "scanning task row")
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Infrastructure(err, "iterating task rows")
	}
	return tasks, nil
}

func nullToInt64(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// TaskProgressUpdate is the payload for UpdateTaskProgress.
type TaskProgressUpdate struct {
	Status       TaskStatus
	Step         string
	Percent      int
	Message      string
	EventType    string // defaults to "system"
	Level        string // defaults to "info"
	ErrorMessage *string
	DurationMs   *int64
}

// UpdateTaskProgress updates the task row and appends a matching task event
// atomically. Sets startedAt on first transition into a non-queued status,
// and finishedAt iff status is terminal.
func (s *Store) UpdateTaskProgress(taskID string, update TaskProgressUpdate) error {
	tx, err := s.db.Begin()
	if err != nil {
		return apperr.Infrastructure(err, "beginning task progress transaction")
	}
	defer tx.Rollback()

	var projectID string
	var startedAt sql.NullInt64
	err = tx.QueryRow(`SELECT project_id, started_at FROM tasks WHERE task_id = ?`, taskID).Scan(&projectID, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("task %s not found", taskID)
	}
	if err != nil {
		return apperr.Infrastructure(err, "fetching task for progress update")
	}

	now := nowMillis()

	newStartedAt := startedAt
	if !startedAt.Valid && update.Status != TaskQueued {
		newStartedAt = sql.NullInt64{Int64: now, Valid: true}
	}

	var finishedAt sql.NullInt64
	if update.Status.IsTerminal() {
		finishedAt = sql.NullInt64{Int64: now, Valid: true}
	}

	_, err = tx.Exec(`UPDATE tasks SET status = ?, current_step = ?, progress_percent = ?, message = ?,
		started_at = ?, finished_at = ?, error_message = ?, updated_at = ? WHERE task_id = ?`,
		string(update.Status), update.Step, update.Percent, update.Message,
		newStartedAt, finishedAt, update.ErrorMessage, now, taskID)
	if err != nil {
		return apperr.Infrastructure(err, "updating task progress")
	}

	eventType := update.EventType
	if eventType == "" {
		eventType = "system"
	}
	level := update.Level
	if level == "" {
		level = "info"
	}
	if err := insertEventTx(tx, taskID, projectID, update.Step, eventType, level, update.Message, update.Percent, update.DurationMs, update.ErrorMessage, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperr.Infrastructure(err, "committing task progress transaction")
	}
	return nil
}

// RequestTaskCancel applies the state-dependent cancel transition described
// in spec.md §4.1 and returns the task's status after the call.
func (s *Store) RequestTaskCancel(taskID string) (TaskStatus, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", apperr.Infrastructure(err, "beginning cancel transaction")
	}
	defer tx.Rollback()

	var projectID, status string
	err = tx.QueryRow(`SELECT project_id, status FROM tasks WHERE task_id = ?`, taskID).Scan(&projectID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.NotFound("task %s not found", taskID)
	}
	if err != nil {
		return "", apperr.Infrastructure(err, "fetching task for cancel")
	}

	current := TaskStatus(status)
	now := nowMillis()

	if current.IsTerminal() {
		return current, tx.Commit()
	}

	if current == TaskQueued {
		if _, err := tx.Exec(`UPDATE tasks SET status = ?, canceled_at = ?, finished_at = ?, updated_at = ? WHERE task_id = ?`,
			string(TaskCanceled), now, now, now, taskID); err != nil {
			return "", apperr.Infrastructure(err, "canceling queued task")
		}
		if _, err := tx.Exec(`UPDATE projects SET status = ?, updated_at = ? WHERE project_id = ?`,
			string(ProjectCanceled), now, projectID); err != nil {
			return "", apperr.Infrastructure(err, "canceling project for queued task")
		}
		if err := insertEventTx(tx, taskID, projectID, "system", "system", "warn", "Task canceled before it started running", 0, nil, nil, now); err != nil {
			return "", err
		}
		if err := tx.Commit(); err != nil {
			return "", apperr.Infrastructure(err, "committing cancel transaction")
		}
		return TaskCanceled, nil
	}

	// running or canceling: request cancellation, observed at the next safe point.
	if _, err := tx.Exec(`UPDATE tasks SET status = ?, cancel_requested_at = ?, updated_at = ? WHERE task_id = ?`,
		string(TaskCanceling), now, now, taskID); err != nil {
		return "", apperr.Infrastructure(err, "requesting task cancel")
	}
	if _, err := tx.Exec(`UPDATE projects SET status = ?, updated_at = ? WHERE project_id = ?`,
		string(ProjectCanceling), now, projectID); err != nil {
		return "", apperr.Infrastructure(err, "requesting project cancel")
	}
	if err := insertEventTx(tx, taskID, projectID, "system", "system", "warn", "Cancel requested for running task", 0, nil, nil, now); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", apperr.Infrastructure(err, "committing cancel transaction")
	}
	return TaskCanceling, nil
}

// IsTaskCancelRequested reports whether cancelRequestedAt is set or the
// status is already canceling — true iff the runner must stop at the next
// safe point.
func (s *Store) IsTaskCancelRequested(taskID string) (bool, error) {
	var cancelRequestedAt sql.NullInt64
	var status string
	err := s.db.QueryRow(`SELECT cancel_requested_at, status FROM tasks WHERE task_id = ?`, taskID).Scan(&cancelRequestedAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, apperr.NotFound("task %s not found", taskID)
	}
	if err != nil {
		return false, apperr.Infrastructure(err, "checking cancel request")
	}
	return cancelRequestedAt.Valid || TaskStatus(status) == TaskCanceling, nil
}

// MarkTaskCanceled is the final transition out of "canceling": task and
// project both become canceled, with a warn event recorded.
func (s *Store) MarkTaskCanceled(taskID, reason, step string, percent int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return apperr.Infrastructure(err, "beginning mark-canceled transaction")
	}
	defer tx.Rollback()

	var projectID string
	err = tx.QueryRow(`SELECT project_id FROM tasks WHERE task_id = ?`, taskID).Scan(&projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("task %s not found", taskID)
	}
	if err != nil {
		return apperr.Infrastructure(err, "fetching task for mark-canceled")
	}

	now := nowMillis()
	if _, err := tx.Exec(`UPDATE tasks SET status = ?, current_step = ?, progress_percent = ?, canceled_at = ?, finished_at = ?, updated_at = ? WHERE task_id = ?`,
		string(TaskCanceled), step, percent, now, now, now, taskID); err != nil {
		return apperr.Infrastructure(err, "marking task canceled")
	}
	if _, err := tx.Exec(`UPDATE projects SET status = ?, updated_at = ? WHERE project_id = ?`,
		string(ProjectCanceled), now, projectID); err != nil {
		return apperr.Infrastructure(err, "marking project canceled")
	}
	if err := insertEventTx(tx, taskID, projectID, step, "system", "warn", reason, percent, nil, nil, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Infrastructure(err, "committing mark-canceled transaction")
	}
	return nil
}

// RetryTask resets a failed/canceled task to queued, clearing its terminal
// fields and resetting every step row whose status is not completed. Steps
// already completed are left untouched so a resumed run skips them.
func (s *Store) RetryTask(taskID string) (projectID string, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", apperr.Infrastructure(err, "beginning retry transaction")
	}
	defer tx.Rollback()

	err = tx.QueryRow(`SELECT project_id FROM tasks WHERE task_id = ?`, taskID).Scan(&projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.NotFound("task %s not found", taskID)
	}
	if err != nil {
		return "", apperr.Infrastructure(err, "fetching task for retry")
	}

	now := nowMillis()
	if _, err := tx.Exec(`UPDATE tasks SET status = ?, current_step = 'retry', progress_percent = 0,
		error_message = NULL, cancel_requested_at = NULL, canceled_at = NULL, finished_at = NULL, updated_at = ?
		WHERE task_id = ?`, string(TaskQueued), now, taskID); err != nil {
		return "", apperr.Infrastructure(err, "resetting task for retry")
	}
	if _, err := tx.Exec(`UPDATE projects SET status = ?, updated_at = ? WHERE project_id = ?`,
		string(ProjectQueued), now, projectID); err != nil {
		return "", apperr.Infrastructure(err, "resetting project for retry")
	}
	if _, err := tx.Exec(`UPDATE task_step_states SET status = ?, started_at = NULL, finished_at = NULL,
		duration_ms = NULL, error_message = NULL, updated_at = ? WHERE task_id = ? AND status != ?`,
		string(StepPending), now, taskID, string(StepCompleted)); err != nil {
		return "", apperr.Infrastructure(err, "resetting incomplete step states")
	}
	if err := insertEventTx(tx, taskID, projectID, "system", "system", "info", "Task retried; incomplete steps reset", 0, nil, nil, now); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", apperr.Infrastructure(err, "committing retry transaction")
	}
	return projectID, nil
}

// GetInterruptedTasks returns tasks left running or canceling, used once at
// startup by the runner's crash-recovery sweep.
func (s *Store) GetInterruptedTasks() ([]*Task, error) {
	rows, err := s.db.Query(taskSelectColumns+` FROM tasks WHERE status IN (?, ?)`, string(TaskRunning), string(TaskCanceling))
	if err != nil {
		return nil, apperr.Infrastructure(err, "listing interrupted tasks")
	}
	defer rows.Close()
	return scanTasks(rows)
}

// AppendTaskEvent implements eventlog.EventAppender.
func (s *Store) AppendTaskEvent(taskID, projectID, step, eventType, level, message string, percent int, durationMs *int64, errorMessage *string) error {
	_, err := s.db.Exec(`INSERT INTO task_events (task_id, project_id, step, event_type, level, message, percent, duration_ms, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		taskID, projectID, step, eventType, level, truncateMessage(message), percent, durationMs, errorMessage, nowMillis())
	if err != nil {
		return apperr.Infrastructure(err, "appending task event")
	}
	return nil
}

func (s *Store) listEventsForTask(taskID string, limit int) ([]*TaskEvent, error) {
	rows, err := s.db.Query(`SELECT id, task_id, project_id, step, event_type, level, message, percent, duration_ms, error_message, created_at
		FROM task_events WHERE task_id = ? ORDER BY created_at DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, apperr.Infrastructure(err, "listing task events")
	}
	defer rows.Close()

	var events []*TaskEvent
	for rows.Next() {
		var e TaskEvent
		var durationMs sql.NullInt64
		var errorMessage sql.NullString
		if err := rows.Scan(&e.ID, &e.TaskID, &e.ProjectID, &e.Step, &e.EventType, &e.Level, &e.Message, &e.Percent, &durationMs, &errorMessage, &e.CreatedAt); err != nil {
			return nil, apperr.Infrastructure(err, "scanning task event row")
		}
		e.DurationMs = nullToInt64(durationMs)
		e.ErrorMessage = nullToPtr(errorMessage)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Infrastructure(err, "iterating task event rows")
	}
	return events, nil
}
