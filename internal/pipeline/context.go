// Package pipeline implements the fixed seven-step task pipeline: the
// dispatcher that drives one task at a time through fetch_metadata,
// download_video, extract_audio, run_asr, translate_subtitles, build_vtt,
// and finalize_project, with checkpointed steps and cooperative
// cancellation. Adapted from the stage/progress idiom of a channel-driven
// ingest pipeline, collapsed to a single-consumer FIFO per the runtime's
// one-task-at-a-time scheduling model.
package pipeline

import (
	"path/filepath"

	"github.com/acamarata/grillmaster/internal/eventlog"
	"github.com/acamarata/grillmaster/internal/store"
)

// StepDef names a fixed pipeline step with its entry percent and the
// project status it implies while it runs.
type StepDef struct {
	ID            string
	Percent       int
	ProjectStatus store.ProjectStatus
	Message       string
}

// Steps is the fixed, ordered step list from spec.md §4.5.
var Steps = []StepDef{
	{ID: "fetch_metadata", Percent: 10, ProjectStatus: store.ProjectDownloading, Message: "Fetching video metadata"},
	{ID: "download_video", Percent: 25, ProjectStatus: store.ProjectDownloading, Message: "Downloading video"},
	{ID: "extract_audio", Percent: 40, ProjectStatus: store.ProjectASR, Message: "Extracting audio"},
	{ID: "run_asr", Percent: 55, ProjectStatus: store.ProjectASR, Message: "Transcribing audio"},
	{ID: "translate_subtitles", Percent: 75, ProjectStatus: store.ProjectTranslating, Message: "Translating subtitles"},
	{ID: "build_vtt", Percent: 88, ProjectStatus: store.ProjectTranslating, Message: "Building WebVTT"},
	{ID: "finalize_project", Percent: 95, ProjectStatus: store.ProjectTranslating, Message: "Finalizing project"},
}

// StepContext is handed to every step body. Path fields are derived once up
// front; states is refreshed by the runner after each step completes so a
// later step can read an earlier step's checkpointed output.
type StepContext struct {
	ProjectID          string
	TaskID             string
	SourceURL          string
	ProjectDir         string
	VideoPath          string
	AudioPath          string
	AsrJSONPath        string
	AsrSrtPath         string
	TranslatedSrtPath  string
	TranslatedVttPath  string
	TranslationHint    *string
	States             map[string]*store.TaskStepState
	Logger             *eventlog.Logger
}

// NewStepContext derives every fixed path under projectDir.
func NewStepContext(projectID, taskID, sourceURL, projectDir string, translationHint *string) *StepContext {
	return &StepContext{
		ProjectID:         projectID,
		TaskID:            taskID,
		SourceURL:         sourceURL,
		ProjectDir:        projectDir,
		VideoPath:         filepath.Join(projectDir, "video.mp4"),
		AudioPath:         filepath.Join(projectDir, "audio.opus"),
		AsrJSONPath:       filepath.Join(projectDir, "asr.json"),
		AsrSrtPath:        filepath.Join(projectDir, "asr.srt"),
		TranslatedSrtPath: filepath.Join(projectDir, "video.srt"),
		TranslatedVttPath: filepath.Join(projectDir, "video.vtt"),
		TranslationHint:   translationHint,
	}
}
