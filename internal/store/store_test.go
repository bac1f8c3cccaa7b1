package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acamarata/grillmaster/internal/apperr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSubmitProject_CreatesProjectAndTask(t *testing.T) {
	s := newTestStore(t)

	projectID, taskID, err := s.SubmitProject("youtube", "dQw4w9WgXcQ", "https://youtu.be/dQw4w9WgXcQ", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, projectID)
	assert.NotEmpty(t, taskID)

	p, tasks, err := s.GetProjectByID(projectID)
	require.NoError(t, err)
	assert.Equal(t, ProjectQueued, p.Status)
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskQueued, tasks[0].Status)
	assert.Equal(t, "submit", tasks[0].CurrentStep)
}

func TestSubmitProject_DuplicateIsConflict(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.SubmitProject("youtube", "abc", "https://youtu.be/abc", nil)
	require.NoError(t, err)

	_, _, err = s.SubmitProject("youtube", "abc", "https://youtu.be/abc", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestGetProjectByID_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.GetProjectByID("does-not-exist")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestListProjects_PopulatesLatestTask(t *testing.T) {
	s := newTestStore(t)

	projectID, taskID, err := s.SubmitProject("bilibili", "BV1xyz", "https://bilibili.com/video/BV1xyz", nil)
	require.NoError(t, err)

	projects, err := s.ListProjects(10)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, projectID, projects[0].ProjectID)
	require.NotNil(t, projects[0].LatestTask)
	assert.Equal(t, taskID, projects[0].LatestTask.TaskID)
}

func TestUpdateProjectFromPipeline_PartialUpdate(t *testing.T) {
	s := newTestStore(t)
	projectID, _, err := s.SubmitProject("youtube", "abc", "https://youtu.be/abc", nil)
	require.NoError(t, err)

	title := "My Video"
	err = s.UpdateProjectFromPipeline(projectID, ProjectUpdate{Title: &title})
	require.NoError(t, err)

	p, _, err := s.GetProjectByID(projectID)
	require.NoError(t, err)
	require.NotNil(t, p.Title)
	assert.Equal(t, title, *p.Title)
	assert.Nil(t, p.MediaPath)
}

func TestUpdateProjectFromPipeline_NotFound(t *testing.T) {
	s := newTestStore(t)
	title := "x"
	err := s.UpdateProjectFromPipeline("nope", ProjectUpdate{Title: &title})
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestDeleteProject_CascadesEverything(t *testing.T) {
	s := newTestStore(t)
	projectID, taskID, err := s.SubmitProject("youtube", "abc", "https://youtu.be/abc", nil)
	require.NoError(t, err)

	require.NoError(t, s.MarkStepStart(taskID, projectID, "fetch_metadata"))
	require.NoError(t, s.UpsertWatchProgress(projectID, "viewer-1", 10, 100))

	require.NoError(t, s.DeleteProject(projectID))

	_, _, err = s.GetProjectByID(projectID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	states, err := s.GetTaskStepStates(taskID)
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestUpdateTaskProgress_SetsStartedAtOnce(t *testing.T) {
	s := newTestStore(t)
	_, taskID, err := s.SubmitProject("youtube", "abc", "https://youtu.be/abc", nil)
	require.NoError(t, err)

	require.NoError(t, s.UpdateTaskProgress(taskID, TaskProgressUpdate{
		Status: TaskRunning, Step: "fetch_metadata", Percent: 5, Message: "starting",
	}))
	task, _, err := s.GetTaskByID(taskID)
	require.NoError(t, err)
	require.NotNil(t, task.StartedAt)
	firstStart := *task.StartedAt

	require.NoError(t, s.UpdateTaskProgress(taskID, TaskProgressUpdate{
		Status: TaskRunning, Step: "download_video", Percent: 20, Message: "downloading",
	}))
	task, _, err = s.GetTaskByID(taskID)
	require.NoError(t, err)
	assert.Equal(t, firstStart, *task.StartedAt)
	assert.Equal(t, 20, task.ProgressPercent)
}

func TestUpdateTaskProgress_TerminalSetsFinishedAt(t *testing.T) {
	s := newTestStore(t)
	_, taskID, err := s.SubmitProject("youtube", "abc", "https://youtu.be/abc", nil)
	require.NoError(t, err)

	require.NoError(t, s.UpdateTaskProgress(taskID, TaskProgressUpdate{
		Status: TaskCompleted, Step: "finalize_project", Percent: 100, Message: "done",
	}))
	task, events, err := s.GetTaskByID(taskID)
	require.NoError(t, err)
	require.NotNil(t, task.FinishedAt)
	assert.True(t, task.Status.IsTerminal())
	assert.NotEmpty(t, events)
}

func TestRequestTaskCancel_QueuedCancelsImmediately(t *testing.T) {
	s := newTestStore(t)
	projectID, taskID, err := s.SubmitProject("youtube", "abc", "https://youtu.be/abc", nil)
	require.NoError(t, err)

	status, err := s.RequestTaskCancel(taskID)
	require.NoError(t, err)
	assert.Equal(t, TaskCanceled, status)

	p, _, err := s.GetProjectByID(projectID)
	require.NoError(t, err)
	assert.Equal(t, ProjectCanceled, p.Status)
}

func TestRequestTaskCancel_RunningGoesToCanceling(t *testing.T) {
	s := newTestStore(t)
	_, taskID, err := s.SubmitProject("youtube", "abc", "https://youtu.be/abc", nil)
	require.NoError(t, err)
	require.NoError(t, s.UpdateTaskProgress(taskID, TaskProgressUpdate{Status: TaskRunning, Step: "download_video", Percent: 10, Message: "go"}))

	status, err := s.RequestTaskCancel(taskID)
	require.NoError(t, err)
	assert.Equal(t, TaskCanceling, status)

	requested, err := s.IsTaskCancelRequested(taskID)
	require.NoError(t, err)
	assert.True(t, requested)
}

func TestRequestTaskCancel_TerminalIsNoop(t *testing.T) {
	s := newTestStore(t)
	_, taskID, err := s.SubmitProject("youtube", "abc", "https://youtu.be/abc", nil)
	require.NoError(t, err)
	require.NoError(t, s.UpdateTaskProgress(taskID, TaskProgressUpdate{Status: TaskCompleted, Step: "finalize_project", Percent: 100, Message: "done"}))

	status, err := s.RequestTaskCancel(taskID)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, status)
}

func TestMarkTaskCanceled_TransitionsTaskAndProject(t *testing.T) {
	s := newTestStore(t)
	projectID, taskID, err := s.SubmitProject("youtube", "abc", "https://youtu.be/abc", nil)
	require.NoError(t, err)
	require.NoError(t, s.UpdateTaskProgress(taskID, TaskProgressUpdate{Status: TaskRunning, Step: "download_video", Percent: 10, Message: "go"}))
	_, err = s.RequestTaskCancel(taskID)
	require.NoError(t, err)

	require.NoError(t, s.MarkTaskCanceled(taskID, "canceled at safe point", "download_video", 10))

	task, _, err := s.GetTaskByID(taskID)
	require.NoError(t, err)
	assert.Equal(t, TaskCanceled, task.Status)
	require.NotNil(t, task.CanceledAt)

	p, _, err := s.GetProjectByID(projectID)
	require.NoError(t, err)
	assert.Equal(t, ProjectCanceled, p.Status)
}

func TestRetryTask_ResetsOnlyIncompleteSteps(t *testing.T) {
	s := newTestStore(t)
	projectID, taskID, err := s.SubmitProject("youtube", "abc", "https://youtu.be/abc", nil)
	require.NoError(t, err)

	require.NoError(t, s.MarkStepStart(taskID, projectID, "fetch_metadata"))
	_, err = s.MarkStepEnd(taskID, "fetch_metadata", StepCompleted, nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.MarkStepStart(taskID, projectID, "download_video"))
	errMsg := "network blip"
	_, err = s.MarkStepEnd(taskID, "download_video", StepFailed, &errMsg, nil)
	require.NoError(t, err)

	require.NoError(t, s.UpdateTaskProgress(taskID, TaskProgressUpdate{Status: TaskFailed, Step: "download_video", Percent: 10, Message: "failed", ErrorMessage: &errMsg}))

	retProjectID, err := s.RetryTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, projectID, retProjectID)

	task, _, err := s.GetTaskByID(taskID)
	require.NoError(t, err)
	assert.Equal(t, TaskQueued, task.Status)
	assert.Nil(t, task.ErrorMessage)

	states, err := s.GetTaskStepStates(taskID)
	require.NoError(t, err)
	byStep := map[string]*TaskStepState{}
	for _, st := range states {
		byStep[st.Step] = st
	}
	assert.Equal(t, StepCompleted, byStep["fetch_metadata"].Status)
	assert.Equal(t, StepPending, byStep["download_video"].Status)
}

func TestGetInterruptedTasks_FindsRunningAndCanceling(t *testing.T) {
	s := newTestStore(t)
	_, taskA, err := s.SubmitProject("youtube", "a", "https://youtu.be/a", nil)
	require.NoError(t, err)
	_, taskB, err := s.SubmitProject("youtube", "b", "https://youtu.be/b", nil)
	require.NoError(t, err)
	_, taskC, err := s.SubmitProject("youtube", "c", "https://youtu.be/c", nil)
	require.NoError(t, err)

	require.NoError(t, s.UpdateTaskProgress(taskA, TaskProgressUpdate{Status: TaskRunning, Step: "download_video", Percent: 10, Message: "go"}))
	require.NoError(t, s.UpdateTaskProgress(taskB, TaskProgressUpdate{Status: TaskRunning, Step: "run_asr", Percent: 40, Message: "go"}))
	_, err = s.RequestTaskCancel(taskB)
	require.NoError(t, err)
	_ = taskC // left queued, should not show up

	interrupted, err := s.GetInterruptedTasks()
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, t := range interrupted {
		ids[t.TaskID] = true
	}
	assert.True(t, ids[taskA])
	assert.True(t, ids[taskB])
	assert.False(t, ids[taskC])
}

func TestMarkStepStart_IncrementsAttemptOnConflict(t *testing.T) {
	s := newTestStore(t)
	projectID, taskID, err := s.SubmitProject("youtube", "abc", "https://youtu.be/abc", nil)
	require.NoError(t, err)

	require.NoError(t, s.MarkStepStart(taskID, projectID, "download_video"))
	require.NoError(t, s.MarkStepStart(taskID, projectID, "download_video"))

	states, err := s.GetTaskStepStates(taskID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, 2, states[0].Attempt)
}

func TestMarkStepEnd_ComputesDuration(t *testing.T) {
	s := newTestStore(t)
	projectID, taskID, err := s.SubmitProject("youtube", "abc", "https://youtu.be/abc", nil)
	require.NoError(t, err)

	require.NoError(t, s.MarkStepStart(taskID, projectID, "extract_audio"))
	output := `{"audioPath":"audio.wav"}`
	duration, err := s.MarkStepEnd(taskID, "extract_audio", StepCompleted, nil, &output)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, duration, int64(0))

	states, err := s.GetTaskStepStates(taskID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, StepCompleted, states[0].Status)
	require.NotNil(t, states[0].DurationMs)
	assert.Equal(t, duration, *states[0].DurationMs)
	require.NotNil(t, states[0].OutputJSON)
	assert.Equal(t, output, *states[0].OutputJSON)
}

func TestGetStepOutput_ReturnsNilForUnstartedStep(t *testing.T) {
	s := newTestStore(t)
	_, taskID, err := s.SubmitProject("youtube", "abc", "https://youtu.be/abc", nil)
	require.NoError(t, err)

	output, status, err := s.GetStepOutput(taskID, "translate_subtitles")
	require.NoError(t, err)
	assert.Nil(t, output)
	assert.Equal(t, StepStatus(""), status)
}

func TestAppendTaskEvent_TruncatesLongMessages(t *testing.T) {
	s := newTestStore(t)
	projectID, taskID, err := s.SubmitProject("youtube", "abc", "https://youtu.be/abc", nil)
	require.NoError(t, err)

	longMsg := make([]byte, 2000)
	for i := range longMsg {
		longMsg[i] = 'x'
	}
	require.NoError(t, s.AppendTaskEvent(taskID, projectID, "run_asr", "log", "debug", string(longMsg), 0, nil, nil))

	_, events, err := s.GetTaskByID(taskID)
	require.NoError(t, err)
	found := false
	for _, e := range events {
		if e.Step == "run_asr" {
			found = true
			assert.Contains(t, e.Message, "...[truncated")
			assert.Less(t, len(e.Message), 2000)
		}
	}
	assert.True(t, found)
}

func TestUpsertWatchProgress_UpdatesExistingRow(t *testing.T) {
	s := newTestStore(t)
	projectID, _, err := s.SubmitProject("youtube", "abc", "https://youtu.be/abc", nil)
	require.NoError(t, err)

	require.NoError(t, s.UpsertWatchProgress(projectID, "viewer-1", 5, 120))
	require.NoError(t, s.UpsertWatchProgress(projectID, "viewer-1", 42, 120))

	wp, err := s.GetWatchProgress(projectID, "viewer-1")
	require.NoError(t, err)
	require.NotNil(t, wp)
	assert.Equal(t, 42.0, wp.PositionSec)
}
