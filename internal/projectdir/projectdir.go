// Package projectdir manages the on-disk working directory a pipeline run
// owns exclusively for the duration of one task: projects/<projectId>/. The
// lifecycle operations (ensure, find-poster, soft-delete) are adapted from
// the local-filesystem storage backend's directory handling.
package projectdir

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Manager resolves project directories under a single root.
type Manager struct {
	root string
}

// New returns a Manager rooted at root (e.g. config.ProjectsDir).
func New(root string) *Manager {
	return &Manager{root: root}
}

// Path returns the absolute directory for a project.
func (m *Manager) Path(projectID string) string {
	return filepath.Join(m.root, projectID)
}

// Ensure creates the project directory (and its parents) if missing.
func (m *Manager) Ensure(projectID string) (string, error) {
	dir := m.Path(projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("projectdir: creating %s: %w", dir, err)
	}
	return dir, nil
}

// FindMp4s lists every *.mp4 file directly under the project directory,
// sorted lexicographically, as consumed by the download_video step's
// single-part/multi-part decision.
func (m *Manager) FindMp4s(projectID string) ([]string, error) {
	return m.findByGlob(projectID, "*.mp4")
}

// FindPoster returns the path to the first poster.* file in the project
// directory, or "" if none exists.
func (m *Manager) FindPoster(projectID string) (string, error) {
	matches, err := m.findByGlob(projectID, "poster.*")
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", nil
	}
	return matches[0], nil
}

func (m *Manager) findByGlob(projectID, pattern string) ([]string, error) {
	dir := m.Path(projectID)
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("projectdir: globbing %s in %s: %w", pattern, dir, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// SoftDelete renames the project directory in place to _deleted_<projectId>.
// Missing directories are not an error; any other failure is.
func (m *Manager) SoftDelete(projectID string) error {
	src := m.Path(projectID)
	dst := filepath.Join(m.root, "_deleted_"+projectID)

	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("projectdir: soft-deleting %s: %w", src, err)
	}
	return nil
}
