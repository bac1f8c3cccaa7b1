package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/acamarata/grillmaster/internal/apperr"
	"github.com/acamarata/grillmaster/internal/eventlog"
	"github.com/acamarata/grillmaster/internal/parser"
	"github.com/acamarata/grillmaster/internal/store"
)

// Item identifies one queued unit of work.
type Item struct {
	TaskID    string
	ProjectID string
}

// Runner is the in-memory FIFO dispatcher. Exactly one task runs at a time;
// enqueue is idempotent by task id. The zero value is not usable; build one
// with New.
type Runner struct {
	store *store.Store
	log   *logrus.Logger
	deps  *Deps

	mu      sync.Mutex
	queue   []Item
	queued  map[string]bool
	running bool
}

// New constructs a Runner and runs the crash-recovery sweep once, per
// spec.md §4.5. It never re-enqueues recovered tasks; a human retries
// explicitly.
func New(st *store.Store, log *logrus.Logger, deps *Deps) (*Runner, error) {
	r := &Runner{
		store:  st,
		log:    log,
		deps:   deps,
		queued: make(map[string]bool),
	}

	if err := r.recoverInterrupted(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Runner) recoverInterrupted() error {
	tasks, err := r.store.GetInterruptedTasks()
	if err != nil {
		return fmt.Errorf("pipeline: loading interrupted tasks: %w", err)
	}

	for _, t := range tasks {
		switch t.Status {
		case store.TaskRunning:
			errMsg := "Server restart detected while task was running"
			if err := r.store.UpdateTaskProgress(t.TaskID, store.TaskProgressUpdate{
				Status: store.TaskFailed, Step: t.CurrentStep, Percent: t.ProgressPercent,
				Message: "Task execution interrupted by server restart",
				Level:   "error", EventType: "error", ErrorMessage: &errMsg,
			}); err != nil {
				return err
			}
			failed := store.ProjectFailed
			if err := r.store.UpdateProjectFromPipeline(t.ProjectID, store.ProjectUpdate{Status: &failed}); err != nil {
				return err
			}
		case store.TaskCanceling:
			if err := r.store.MarkTaskCanceled(t.TaskID, "Task canceled by user (processed after restart)", t.CurrentStep, t.ProgressPercent); err != nil {
				return err
			}
		}
	}
	return nil
}

// Enqueue adds item to the FIFO unless its task id is already queued, and
// starts the consumer loop if it isn't already running.
func (r *Runner) Enqueue(item Item) {
	r.mu.Lock()
	if r.queued[item.TaskID] {
		r.mu.Unlock()
		return
	}
	r.queued[item.TaskID] = true
	r.queue = append(r.queue, item)
	alreadyRunning := r.running
	if !alreadyRunning {
		r.running = true
	}
	r.mu.Unlock()

	if !alreadyRunning {
		go r.consume()
	}
}

func (r *Runner) consume() {
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.running = false
			r.mu.Unlock()
			return
		}
		item := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		r.runOne(context.Background(), item)

		r.mu.Lock()
		delete(r.queued, item.TaskID)
		r.mu.Unlock()
	}
}

// shouldCancel is polled by the subprocess supervisor and consults the
// store so a cancel requested by a concurrent RPC caller is observed even
// mid-subprocess.
func (r *Runner) shouldCancel(taskID string) func() bool {
	return func() bool {
		requested, err := r.store.IsTaskCancelRequested(taskID)
		if err != nil {
			r.log.WithError(err).Warn("pipeline: checking cancel request")
			return false
		}
		return requested
	}
}

// runOne drives item's per-task control flow per spec.md §4.5. Errors are
// swallowed here — they have already been persisted as task-event rows by
// the time they reach this layer.
func (r *Runner) runOne(ctx context.Context, item Item) {
	if err := r.runTask(ctx, item); err != nil {
		r.log.WithError(err).WithField("taskId", item.TaskID).Warn("pipeline: task run ended with error")
	}
}

func (r *Runner) runTask(ctx context.Context, item Item) error {
	task, _, err := r.store.GetTaskByID(item.TaskID)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if task.Status == store.TaskCanceled {
		return nil
	}

	project, _, err := r.store.GetProjectByID(item.ProjectID)
	if err != nil {
		return r.failTask(item, "submit", 0, fmt.Sprintf("project %s not found", item.ProjectID))
	}

	projectDir, err := r.deps.Dirs.Ensure(item.ProjectID)
	if err != nil {
		return r.failTask(item, "submit", 0, err.Error())
	}

	sourceURL := parser.SourceURL(parser.Source(project.Source), project.SourceVideoID, project.OriginalInput)
	sc := NewStepContext(item.ProjectID, item.TaskID, sourceURL, projectDir, project.TranslationHint)

	shouldCancel := r.shouldCancel(item.TaskID)
	stepDeps := *r.deps
	stepDeps.ShouldCancel = shouldCancel

	states, err := r.refreshStates(item.TaskID)
	if err != nil {
		return err
	}
	sc.States = states

	for _, stepDef := range Steps {
		if shouldCancel() {
			return r.store.MarkTaskCanceled(item.TaskID, "Task canceled by user", stepDef.ID, stepDef.Percent)
		}

		if existing, ok := sc.States[stepDef.ID]; ok && existing.Status == store.StepCompleted {
			r.stepLogger(item, stepDef).Debug("skipping already-completed step")
			continue
		}

		projectStatus := stepDef.ProjectStatus
		if err := r.store.UpdateProjectFromPipeline(item.ProjectID, store.ProjectUpdate{Status: &projectStatus}); err != nil {
			return err
		}
		if err := r.store.UpdateTaskProgress(item.TaskID, store.TaskProgressUpdate{
			Status: store.TaskRunning, Step: stepDef.ID, Percent: stepDef.Percent, Message: stepDef.Message,
		}); err != nil {
			return err
		}

		if err := r.store.MarkStepStart(item.TaskID, item.ProjectID, stepDef.ID); err != nil {
			return err
		}
		if err := r.store.AppendTaskEvent(item.TaskID, item.ProjectID, stepDef.ID, "step_start", "info",
			stepDef.Message, stepDef.Percent, nil, nil); err != nil {
			return err
		}
		logger := r.stepLogger(item, stepDef)
		logger.Info("step started: %s", stepDef.ID)
		sc.Logger = logger

		fn := StepFuncs[stepDef.ID]
		outputJSON, stepErr := fn(ctx, sc, &stepDeps)
		if stepErr != nil {
			msg := stepErr.Error()
			duration, _ := r.store.MarkStepEnd(item.TaskID, stepDef.ID, store.StepFailed, &msg, nil)
			_ = r.store.AppendTaskEvent(item.TaskID, item.ProjectID, stepDef.ID, "step_end", "error",
				"step failed", stepDef.Percent, &duration, &msg)
			failedStatus := store.ProjectFailed
			_ = r.store.UpdateProjectFromPipeline(item.ProjectID, store.ProjectUpdate{Status: &failedStatus})
			logger.Error(msg, "step failed: %s", stepDef.ID)
			return r.store.UpdateTaskProgress(item.TaskID, store.TaskProgressUpdate{
				Status: store.TaskFailed, Step: stepDef.ID, Percent: stepDef.Percent, Message: "Task failed",
				Level: "error", EventType: "error", ErrorMessage: &msg,
			})
		}

		duration, err := r.store.MarkStepEnd(item.TaskID, stepDef.ID, store.StepCompleted, nil, &outputJSON)
		if err != nil {
			return err
		}
		if err := r.store.AppendTaskEvent(item.TaskID, item.ProjectID, stepDef.ID, "step_end", "info",
			"step completed", stepDef.Percent, &duration, nil); err != nil {
			return err
		}
		logger.Info("step completed: %s", stepDef.ID)

		states, err = r.refreshStates(item.TaskID)
		if err != nil {
			return err
		}
		sc.States = states

		if shouldCancel() {
			return r.store.MarkTaskCanceled(item.TaskID, "Task canceled by user", stepDef.ID, stepDef.Percent)
		}
	}

	return r.finishTask(item, sc)
}

func (r *Runner) finishTask(item Item, sc *StepContext) error {
	var finalizeOut finalizeProjectOutput
	if err := decodeStepOutput(sc.States["finalize_project"], &finalizeOut); err != nil {
		return fmt.Errorf("pipeline: reading finalize_project output: %w", err)
	}
	var fetchOut fetchMetadataOutput
	_ = decodeStepOutput(sc.States["fetch_metadata"], &fetchOut)
	var translateOut translateSubtitlesOutput
	_ = decodeStepOutput(sc.States["translate_subtitles"], &translateOut)

	completed := store.ProjectCompleted
	title := fetchOut.Title
	sourceURL := fetchOut.SourceURL
	thumbURL := fetchOut.ThumbnailURL
	mediaPath := finalizeOut.MediaPath
	subtitlePath := finalizeOut.SubtitlePath
	llmProvider := translateOut.Translation.LLMProvider
	llmModel := translateOut.Translation.LLMModel
	inputTokens := translateOut.Translation.InputTokens
	outputTokens := translateOut.Translation.OutputTokens
	cost := translateOut.Translation.TotalCostTwd

	update := store.ProjectUpdate{
		Status: &completed, Title: &title, SourceURL: &sourceURL, MediaPath: &mediaPath, SubtitlePath: &subtitlePath,
		LLMProvider: &llmProvider, LLMModel: &llmModel, InputTokens: &inputTokens, OutputTokens: &outputTokens, LLMCostTwd: &cost,
	}
	if thumbURL != "" {
		update.ThumbnailURL = &thumbURL
	}
	if err := r.store.UpdateProjectFromPipeline(item.ProjectID, update); err != nil {
		return err
	}

	return r.store.UpdateTaskProgress(item.TaskID, store.TaskProgressUpdate{
		Status: store.TaskCompleted, Step: "done", Percent: 100, Message: "Pipeline completed",
	})
}

func (r *Runner) failTask(item Item, step string, percent int, message string) error {
	failed := store.ProjectFailed
	_ = r.store.UpdateProjectFromPipeline(item.ProjectID, store.ProjectUpdate{Status: &failed})
	return r.store.UpdateTaskProgress(item.TaskID, store.TaskProgressUpdate{
		Status: store.TaskFailed, Step: step, Percent: percent, Message: "Task failed",
		Level: "error", EventType: "error", ErrorMessage: &message,
	})
}

func (r *Runner) refreshStates(taskID string) (map[string]*store.TaskStepState, error) {
	states, err := r.store.GetTaskStepStates(taskID)
	if err != nil {
		return nil, err
	}
	byStep := make(map[string]*store.TaskStepState, len(states))
	for _, s := range states {
		byStep[s.Step] = s
	}
	return byStep, nil
}

func (r *Runner) stepLogger(item Item, stepDef StepDef) *eventlog.Logger {
	return eventlog.New(r.store, r.log, item.TaskID, item.ProjectID, stepDef.ID, stepDef.Percent)
}
