// Package store implements the durable relational state layer: projects,
// tasks, task step states, task events, and watch progress, with every
// invariant from spec.md §3/§4.1 enforced inside a single *sql.DB handle.
package store

// ProjectStatus enumerates the project lifecycle.
type ProjectStatus string

const (
	ProjectQueued      ProjectStatus = "queued"
	ProjectDownloading ProjectStatus = "downloading"
	ProjectASR         ProjectStatus = "asr"
	ProjectTranslating ProjectStatus = "translating"
	ProjectCompleted   ProjectStatus = "completed"
	ProjectFailed      ProjectStatus = "failed"
	ProjectCanceling   ProjectStatus = "canceling"
	ProjectCanceled    ProjectStatus = "canceled"
)

// TaskStatus enumerates the task lifecycle.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCanceling TaskStatus = "canceling"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCanceled  TaskStatus = "canceled"
)

// IsTerminal reports whether status is one of completed/failed/canceled.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCanceled
}

// StepStatus enumerates a task_step_states row's lifecycle.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepCanceled  StepStatus = "canceled"
)

// Project is the logical job row.
type Project struct {
	ProjectID       string
	Source          string
	SourceVideoID   string
	OriginalInput   string
	TranslationHint *string
	Status          ProjectStatus
	Title           *string
	ThumbnailURL    *string
	SourceURL       *string
	MediaPath       *string
	SubtitlePath    *string
	AsrVttPath      *string
	LLMCostTwd      float64
	LLMProvider     *string
	LLMModel        *string
	InputTokens     *int64
	OutputTokens    *int64
	CreatedAt       int64
	UpdatedAt       int64

	// LatestTask is populated by listProjects.
	LatestTask *Task
}

// Task is one pipeline execution attempt for a project.
type Task struct {
	TaskID            string
	ProjectID         string
	Type              string
	Status            TaskStatus
	CurrentStep       string
	ProgressPercent   int
	Message           string
	StartedAt         *int64
	FinishedAt        *int64
	CancelRequestedAt *int64
	CanceledAt        *int64
	ErrorMessage      *string
	CreatedAt         int64
	UpdatedAt         int64
}

// TaskStepState is a checkpoint for one (taskID, step) pair.
type TaskStepState struct {
	TaskID       string
	ProjectID    string
	Step         string
	Status       StepStatus
	Attempt      int
	StartedAt    *int64
	FinishedAt   *int64
	DurationMs   *int64
	ErrorMessage *string
	OutputJSON   *string
	CreatedAt    int64
	UpdatedAt    int64
}

// TaskEvent is one append-only row in the task timeline.
type TaskEvent struct {
	ID           int64
	TaskID       string
	ProjectID    string
	Step         string
	EventType    string
	Level        string
	Message      string
	Percent      int
	DurationMs   *int64
	ErrorMessage *string
	CreatedAt    int64
}

// WatchProgress is one viewer's resume position for a project.
type WatchProgress struct {
	ProjectID   string
	ViewerID    string
	PositionSec float64
	DurationSec float64
	UpdatedAt   int64
}

// ProjectUpdate is a partial-update payload for updateProjectFromPipeline;
// nil fields are left untouched.
type ProjectUpdate struct {
	Status       *ProjectStatus
	Title        *string
	ThumbnailURL *string
	SourceURL    *string
	MediaPath    *string
	SubtitlePath *string
	AsrVttPath   *string
	LLMCostTwd   *float64
	LLMProvider  *string
	LLMModel     *string
	InputTokens  *int64
	OutputTokens *int64
}
