package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acamarata/grillmaster/internal/apperr"
)

func nowMillis() int64 { return time.Now().UnixMilli() }

// SubmitProject atomically inserts a project (status=queued), its first
// task (status=queued, step=submit, percent=0), and an initial system/info
// event. Fails with apperr.Conflict if (source, sourceVideoId) already
// exists.
func (s *Store) SubmitProject(source, sourceVideoID, originalInput string, translationHint *string) (projectID, taskID string, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", "", apperr.Infrastructure(err, "beginning submit transaction")
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRow(`SELECT project_id FROM projects WHERE source = ? AND source_video_id = ?`, source, sourceVideoID).Scan(&existing)
	if err == nil {
		return "", "", apperr.Conflict("project already exists for (%s, %s)", source, sourceVideoID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", "", apperr.Infrastructure(err, "checking for duplicate project")
	}

	projectID = uuid.New().String()
	taskID = uuid.New().String()
	now := nowMillis()

	_, err = tx.Exec(`
		INSERT INTO projects (project_id, source, source_video_id, original_input, translation_hint, status, llm_cost_twd, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		projectID, source, sourceVideoID, originalInput, translationHint, string(ProjectQueued), now, now)
	if err != nil {
		return "", "", apperr.Infrastructure(err, "inserting project")
	}

	_, err = tx.Exec(`
		INSERT INTO tasks (task_id, project_id, type, status, current_step, progress_percent, message, created_at, updated_at)
		VALUES (?, ?, 'pipeline', ?, 'submit', 0, 'Task queued', ?, ?)`,
		taskID, projectID, string(TaskQueued), now, now)
	if err != nil {
		return "", "", apperr.Infrastructure(err, "inserting task")
	}

	if err := insertEventTx(tx, taskID, projectID, "system", "system", "info", "Project submitted", 0, nil, nil, now); err != nil {
		return "", "", err
	}

	if err := tx.Commit(); err != nil {
		return "", "", apperr.Infrastructure(err, "committing submit transaction")
	}
	return projectID, taskID, nil
}

// ListProjects returns the most recently created projects, each annotated
// with its latest task, newest first.
func (s *Store) ListProjects(limit int) ([]*Project, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(`SELECT project_id, source, source_video_id, original_input, translation_hint,
		status, title, thumbnail_url, source_url, media_path, subtitle_path, asr_vtt_path,
		llm_cost_twd, llm_provider, llm_model, input_tokens, output_tokens, created_at, updated_at
		FROM projects ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperr.Infrastructure(err, "listing projects")
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, apperr.Infrastructure(err, "scanning project row")
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Infrastructure(err, "iterating project rows")
	}

	for _, p := range projects {
		latest, err := s.latestTaskForProject(p.ProjectID)
		if err != nil {
			return nil, err
		}
		p.LatestTask = latest
	}
	return projects, nil
}

// GetProjectByID returns a project plus its associated tasks (up to 20,
// newest first). Returns apperr.NotFound if the project doesn't exist.
func (s *Store) GetProjectByID(projectID string) (*Project, []*Task, error) {
	row := s.db.QueryRow(`SELECT project_id, source, source_video_id, original_input, translation_hint,
		status, title, thumbnail_url, source_url, media_path, subtitle_path, asr_vtt_path,
		llm_cost_twd, llm_provider, llm_model, input_tokens, output_tokens, created_at, updated_at
		FROM projects WHERE project_id = ?`, projectID)

	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, apperr.NotFound("project %s not found", projectID)
	}
	if err != nil {
		return nil, nil, apperr.Infrastructure(err, "fetching project")
	}

	tasks, err := s.listTasksForProject(projectID, 20)
	if err != nil {
		return nil, nil, err
	}
	return p, tasks, nil
}

// UpdateProjectFromPipeline partially updates a project row; only non-nil
// fields in update are written. Always bumps updated_at.
func (s *Store) UpdateProjectFromPipeline(projectID string, update ProjectUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{nowMillis()}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *update.Title)
	}
	if update.ThumbnailURL != nil {
		sets = append(sets, "thumbnail_url = ?")
		args = append(args, *update.ThumbnailURL)
	}
	if update.SourceURL != nil {
		sets = append(sets, "source_url = ?")
		args = append(args, *update.SourceURL)
	}
	if update.MediaPath != nil {
		sets = append(sets, "media_path = ?")
		args = append(args, *update.MediaPath)
	}
	if update.SubtitlePath != nil {
		sets = append(sets, "subtitle_path = ?")
		args = append(args, *update.SubtitlePath)
	}
	if update.AsrVttPath != nil {
		sets = append(sets, "asr_vtt_path = ?")
		args = append(args, *update.AsrVttPath)
	}
	if update.LLMCostTwd != nil {
		sets = append(sets, "llm_cost_twd = ?")
		args = append(args, *update.LLMCostTwd)
	}
	if update.LLMProvider != nil {
		sets = append(sets, "llm_provider = ?")
		args = append(args, *update.LLMProvider)
	}
	if update.LLMModel != nil {
		sets = append(sets, "llm_model = ?")
		args = append(args, *update.LLMModel)
	}
	if update.InputTokens != nil {
		sets = append(sets, "input_tokens = ?")
		args = append(args, *update.InputTokens)
	}
	if update.OutputTokens != nil {
		sets = append(sets, "output_tokens = ?")
		args = append(args, *update.OutputTokens)
	}

	query := "UPDATE projects SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE project_id = ?"
	args = append(args, projectID)

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return apperr.Infrastructure(err, "updating project")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.NotFound("project %s not found", projectID)
	}
	return nil
}

// DeleteProject cascades deletion in order: tasks, events, step states,
// watch progress, then the project row itself, all in one transaction.
func (s *Store) DeleteProject(projectID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return apperr.Infrastructure(err, "beginning delete transaction")
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM tasks WHERE project_id = ?`,
		`DELETE FROM task_events WHERE project_id = ?`,
		`DELETE FROM task_step_states WHERE project_id = ?`,
		`DELETE FROM watch_progress WHERE project_id = ?`,
		`DELETE FROM projects WHERE project_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt, projectID); err != nil {
			return apperr.Infrastructure(err, "deleting project cascade: %s", stmt)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Infrastructure(err, "committing delete transaction")
	}
	return nil
}

func scanProject(row interface{ Scan(...any) error }) (*Project, error) {
	var p Project
	var translationHint, title, thumbnailURL, sourceURL, mediaPath, subtitlePath, asrVttPath, llmProvider, llmModel sql.NullString
	var inputTokens, outputTokens sql.NullInt64
	var status string

	err := row.Scan(&p.ProjectID, &p.Source, &p.SourceVideoID, &p.OriginalInput, &translationHint,
		&status, &title, &thumbnailURL, &sourceURL, &mediaPath, &subtitlePath, &asrVttPath,
		&p.LLMCostTwd, &llmProvider, &llmModel, &inputTokens, &outputTokens, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = ProjectStatus(status)
	p.TranslationHint = nullToPtr(translationHint)
	p.Title = nullToPtr(title)
	p.ThumbnailURL = nullToPtr(thumbnailURL)
	p.SourceURL = nullToPtr(sourceURL)
	p.MediaPath = nullToPtr(mediaPath)
	p.SubtitlePath = nullToPtr(subtitlePath)
	p.AsrVttPath = nullToPtr(asrVttPath)
	p.LLMProvider = nullToPtr(llmProvider)
	p.LLMModel = nullToPtr(llmModel)
	if inputTokens.Valid {
		p.InputTokens = &inputTokens.Int64
	}
	if outputTokens.Valid {
		p.OutputTokens = &outputTokens.Int64
	}
	return &p, nil
}

func nullToPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func insertEventTx(tx *sql.Tx, taskID, projectID, step, eventType, level, message string, percent int, durationMs *int64, errorMessage *string, createdAt int64) error {
	msg := truncateMessage(message)
	_, err := tx.Exec(`INSERT INTO task_events (task_id, project_id, step, event_type, level, message, percent, duration_ms, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		taskID, projectID, step, eventType, level, msg, percent, durationMs, errorMessage, createdAt)
	if err != nil {
		return apperr.Infrastructure(err, "inserting task event")
	}
	return nil
}

const maxEventMessageLen = 1600

func truncateMessage(message string) string {
	if len(message) <= maxEventMessageLen {
		return message
	}
	truncated := len(message) - maxEventMessageLen
	return fmt.Sprintf("%s...[truncated %d chars]", message[:maxEventMessageLen], truncated)
}
