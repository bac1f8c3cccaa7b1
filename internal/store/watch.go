package store

import "github.com/acamarata/grillmaster/internal/apperr"

// UpsertWatchProgress records a viewer's resume position for a project.
func (s *Store) UpsertWatchProgress(projectID, viewerID string, positionSec, durationSec float64) error {
	_, err := s.db.Exec(`
		INSERT INTO watch_progress (project_id, viewer_id, position_sec, duration_sec, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (project_id, viewer_id) DO UPDATE SET
			position_sec = excluded.position_sec,
			duration_sec = excluded.duration_sec,
			updated_at = excluded.updated_at`,
		projectID, viewerID, positionSec, durationSec, nowMillis())
	if err != nil {
		return apperr.Infrastructure(err, "upserting watch progress")
	}
	return nil
}

// GetWatchProgress returns a viewer's resume position for a project, or nil
// if none has been recorded yet.
func (s *Store) GetWatchProgress(projectID, viewerID string) (*WatchProgress, error) {
	var wp WatchProgress
	err := s.db.QueryRow(`SELECT project_id, viewer_id, position_sec, duration_sec, updated_at
		FROM watch_progress WHERE project_id = ? AND viewer_id = ?`, projectID, viewerID).
		Scan(&wp.ProjectID, &wp.ViewerID, &wp.PositionSec, &wp.DurationSec, &wp.UpdatedAt)
	if err != nil {
		return nil, nil
	}
	return &wp, nil
}
