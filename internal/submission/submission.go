// Package submission implements the one write path that creates new
// pipeline work: parse the caller's reference, reject malformed or
// duplicate input, persist the project/task pair, and hand the task to
// the pipeline runner. It owns no pipeline logic itself.
package submission

import (
	"github.com/acamarata/grillmaster/internal/apperr"
	"github.com/acamarata/grillmaster/internal/parser"
	"github.com/acamarata/grillmaster/internal/pipeline"
	"github.com/acamarata/grillmaster/internal/store"
)

const maxTranslationHintLen = 400

// Service wires the store and the runner together for submission and retry.
type Service struct {
	store  *store.Store
	runner *pipeline.Runner
}

// New builds a submission Service.
func New(st *store.Store, runner *pipeline.Runner) *Service {
	return &Service{store: st, runner: runner}
}

// Result is what a successful submission reports back to the caller.
type Result struct {
	ProjectID string
	TaskID    string
	Status    store.TaskStatus
}

// Submit validates sourceOrURL and translationHint, parses the reference,
// inserts the project/task pair, and enqueues the task. Per spec.md §6.1:
// validation and duplicate-conflict failures never reach the runner.
func (s *Service) Submit(sourceOrURL string, translationHint *string) (*Result, error) {
	if len(sourceOrURL) < 2 {
		return nil, apperr.Validation("sourceOrUrl must be at least 2 characters")
	}
	if translationHint != nil && len(*translationHint) > maxTranslationHintLen {
		return nil, apperr.Validation("translationHint must be at most %d characters", maxTranslationHintLen)
	}

	parsed, err := parser.Parse(sourceOrURL)
	if err != nil {
		return nil, err
	}

	projectID, taskID, err := s.store.SubmitProject(string(parsed.Source), parsed.SourceVideoID, sourceOrURL, translationHint)
	if err != nil {
		return nil, err
	}

	s.runner.Enqueue(pipeline.Item{TaskID: taskID, ProjectID: projectID})

	return &Result{ProjectID: projectID, TaskID: taskID, Status: store.TaskQueued}, nil
}

// Retry resets a task's non-completed step rows and re-enqueues it.
func (s *Service) Retry(taskID string) (*Result, error) {
	projectID, err := s.store.RetryTask(taskID)
	if err != nil {
		return nil, err
	}
	s.runner.Enqueue(pipeline.Item{TaskID: taskID, ProjectID: projectID})
	return &Result{ProjectID: projectID, TaskID: taskID}, nil
}
