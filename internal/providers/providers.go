// Package providers defines the contracts the pipeline's run_asr and
// translate_subtitles steps depend on, without committing to any concrete
// ASR or translation vendor. Concrete adapters live in the asr, translate,
// mock, and stage subpackages; PIPELINE_MODE selects which set the pipeline
// wires up.
package providers

import (
	"context"

	"github.com/acamarata/grillmaster/internal/eventlog"
)

// ASRInput is the contract run_asr hands to an ASR provider.
type ASRInput struct {
	ProjectID      string
	AudioPath      string
	OutputJSONPath string
	OutputSrtPath  string
	Logger         *eventlog.Logger
}

// ASRFunc transcribes the audio at AudioPath and writes OutputJSONPath and
// OutputSrtPath. It returns only after both files exist.
type ASRFunc func(ctx context.Context, in ASRInput) error

// TranslateInput is the contract translate_subtitles hands to a translation
// provider.
type TranslateInput struct {
	ProjectID       string
	AsrSrtPath      string
	AudioPath       string
	OutputSrtPath   string
	TranslationHint *string
	Logger          *eventlog.Logger
}

// TranslationResult carries usage and cost accounting back to the caller so
// it can be persisted onto the project row.
type TranslationResult struct {
	LLMProvider  string
	LLMModel     string
	InputTokens  int64
	OutputTokens int64
	TotalCostTwd float64
}

// TranslateFunc translates AsrSrtPath into OutputSrtPath, returning usage
// and cost accounting.
type TranslateFunc func(ctx context.Context, in TranslateInput) (*TranslationResult, error)
