package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acamarata/grillmaster/internal/config"
	"github.com/acamarata/grillmaster/internal/projectdir"
	"github.com/acamarata/grillmaster/internal/store"
)

// fakeStepFuncs swaps in stub step bodies so runner tests exercise the
// control flow (checkpointing, cancellation, crash recovery) without
// spawning yt-dlp/ffmpeg or calling a provider.
func fakeStepFuncs(t *testing.T) {
	t.Helper()
	original := make(map[string]StepFunc, len(StepFuncs))
	for k, v := range StepFuncs {
		original[k] = v
	}
	t.Cleanup(func() {
		for k, v := range original {
			StepFuncs[k] = v
		}
	})

	trivial := func(ctx context.Context, sc *StepContext, deps *Deps) (string, error) {
		data, _ := json.Marshal(map[string]string{"ok": "true"})
		return string(data), nil
	}
	for id := range StepFuncs {
		StepFuncs[id] = trivial
	}
	StepFuncs["fetch_metadata"] = func(ctx context.Context, sc *StepContext, deps *Deps) (string, error) {
		data, _ := json.Marshal(fetchMetadataOutput{Title: "Test Video", SourceURL: sc.SourceURL})
		return string(data), nil
	}
	StepFuncs["download_video"] = func(ctx context.Context, sc *StepContext, deps *Deps) (string, error) {
		data, _ := json.Marshal(downloadVideoOutput{MediaPath: sc.ProjectID + "/video.mp4"})
		return string(data), nil
	}
	StepFuncs["translate_subtitles"] = func(ctx context.Context, sc *StepContext, deps *Deps) (string, error) {
		data, _ := json.Marshal(translateSubtitlesOutput{})
		return string(data), nil
	}
	StepFuncs["finalize_project"] = func(ctx context.Context, sc *StepContext, deps *Deps) (string, error) {
		data, _ := json.Marshal(finalizeProjectOutput{MediaPath: sc.ProjectID + "/video.mp4", SubtitlePath: sc.ProjectID + "/video.vtt"})
		return string(data), nil
	}
}

func newTestRunner(t *testing.T) (*Runner, *store.Store) {
	t.Helper()
	fakeStepFuncs(t)

	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log := logrus.New()
	log.SetOutput(noopWriter{})

	deps := &Deps{
		Config: &config.Config{},
		Dirs:   projectdir.New(t.TempDir()),
	}
	r, err := New(st, log, deps)
	require.NoError(t, err)
	return r, st
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

func waitForTerminal(t *testing.T, st *store.Store, taskID string) *store.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, _, err := st.GetTaskByID(taskID)
		require.NoError(t, err)
		if task.Status.IsTerminal() {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("task did not reach a terminal state in time")
	return nil
}

func TestRunner_CompletesAllSteps(t *testing.T) {
	r, st := newTestRunner(t)

	projectID, taskID, err := st.SubmitProject("youtube", "abc12345678", "https://youtu.be/abc12345678", nil)
	require.NoError(t, err)

	r.Enqueue(Item{TaskID: taskID, ProjectID: projectID})

	task := waitForTerminal(t, st, taskID)
	assert.Equal(t, store.TaskCompleted, task.Status)
	assert.Equal(t, 100, task.ProgressPercent)

	project, _, err := st.GetProjectByID(projectID)
	require.NoError(t, err)
	assert.Equal(t, store.ProjectCompleted, project.Status)

	states, err := st.GetTaskStepStates(taskID)
	require.NoError(t, err)
	assert.Len(t, states, len(Steps))
	for _, s := range states {
		assert.Equal(t, store.StepCompleted, s.Status)
	}

	_, events, err := st.GetTaskByID(taskID)
	require.NoError(t, err)
	var starts, ends int
	for _, e := range events {
		switch e.EventType {
		case "step_start":
			starts++
		case "step_end":
			ends++
			require.NotNil(t, e.DurationMs)
			assert.GreaterOrEqual(t, *e.DurationMs, int64(0))
		}
	}
	assert.Equal(t, len(Steps), starts)
	assert.GreaterOrEqual(t, ends, len(Steps))
}

func TestRunner_SkipsAlreadyCompletedStep(t *testing.T) {
	r, st := newTestRunner(t)

	projectID, taskID, err := st.SubmitProject("youtube", "def12345678", "https://youtu.be/def12345678", nil)
	require.NoError(t, err)

	// Pre-complete fetch_metadata as if a prior crashed run got that far.
	require.NoError(t, st.MarkStepStart(taskID, projectID, "fetch_metadata"))
	preOutput := `{"title":"Pre-existing","sourceUrl":"https://youtu.be/def12345678"}`
	_, err = st.MarkStepEnd(taskID, "fetch_metadata", store.StepCompleted, nil, &preOutput)
	require.NoError(t, err)

	r.Enqueue(Item{TaskID: taskID, ProjectID: projectID})
	task := waitForTerminal(t, st, taskID)
	assert.Equal(t, store.TaskCompleted, task.Status)

	states, err := st.GetTaskStepStates(taskID)
	require.NoError(t, err)
	for _, s := range states {
		if s.Step == "fetch_metadata" {
			assert.Equal(t, 1, s.Attempt, "pre-completed step should not be re-run")
		}
	}
}

func TestRunner_CancelQueuedTaskNeverRuns(t *testing.T) {
	r, st := newTestRunner(t)

	projectID, taskID, err := st.SubmitProject("youtube", "ghi12345678", "https://youtu.be/ghi12345678", nil)
	require.NoError(t, err)

	status, err := st.RequestTaskCancel(taskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCanceled, status)

	r.Enqueue(Item{TaskID: taskID, ProjectID: projectID})
	time.Sleep(50 * time.Millisecond)

	task, _, err := st.GetTaskByID(taskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCanceled, task.Status)

	states, err := st.GetTaskStepStates(taskID)
	require.NoError(t, err)
	assert.Empty(t, states, "no step should have run for a task canceled while queued")
}

func TestRunner_EnqueueIsIdempotentByTaskID(t *testing.T) {
	r, _ := newTestRunner(t)

	item := Item{TaskID: "dup-task", ProjectID: "dup-project"}
	r.Enqueue(item)
	r.Enqueue(item)

	r.mu.Lock()
	queueLen := len(r.queue)
	r.mu.Unlock()
	assert.LessOrEqual(t, queueLen, 1)
}

func TestRunner_RecoversInterruptedTasksOnConstruction(t *testing.T) {
	fakeStepFuncs(t)
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	projectID, taskID, err := st.SubmitProject("youtube", "jkl12345678", "https://youtu.be/jkl12345678", nil)
	require.NoError(t, err)
	require.NoError(t, st.UpdateTaskProgress(taskID, store.TaskProgressUpdate{
		Status: store.TaskRunning, Step: "download_video", Percent: 25, Message: "in progress",
	}))

	log := logrus.New()
	log.SetOutput(noopWriter{})
	deps := &Deps{Config: &config.Config{}, Dirs: projectdir.New(t.TempDir())}

	_, err = New(st, log, deps)
	require.NoError(t, err)

	task, _, err := st.GetTaskByID(taskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)

	project, _, err := st.GetProjectByID(projectID)
	require.NoError(t, err)
	assert.Equal(t, store.ProjectFailed, project.Status)
}
