// Package mock implements deterministic ASR and translation adapters for
// PIPELINE_MODE=mock, used in development so a full run never depends on
// network credentials.
package mock

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/acamarata/grillmaster/internal/apperr"
	"github.com/acamarata/grillmaster/internal/providers"
)

// ASR writes a deterministic placeholder transcript in place of a real
// transcription call.
func ASR(ctx context.Context, in providers.ASRInput) error {
	in.Logger.Debug("mock ASR: writing placeholder transcript")

	jsonBody := `[{"text":"This is a mock transcription.","startMs":0,"endMs":2500}]`
	if err := os.WriteFile(in.OutputJSONPath, []byte(jsonBody), 0o644); err != nil {
		return apperr.Pipeline("run_asr", false, fmt.Errorf("writing mock asr json: %w", err))
	}

	srt := "1\n00:00:00,000 --> 00:00:02,500\nThis is a mock transcription.\n\n"
	if err := os.WriteFile(in.OutputSrtPath, []byte(srt), 0o644); err != nil {
		return apperr.Pipeline("run_asr", false, fmt.Errorf("writing mock asr srt: %w", err))
	}
	return nil
}

// Translate copies the source SRT, substituting each cue's text with a
// bracketed placeholder, and returns zeroed usage/cost accounting.
func Translate(ctx context.Context, in providers.TranslateInput) (*providers.TranslationResult, error) {
	in.Logger.Debug("mock translate: substituting placeholder text")

	srtBytes, err := os.ReadFile(in.AsrSrtPath)
	if err != nil {
		return nil, apperr.Pipeline("translate_subtitles", false, fmt.Errorf("reading asr srt: %w", err))
	}

	lines := strings.Split(string(srtBytes), "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.Contains(trimmed, "-->") || isCueNumber(trimmed) {
			continue
		}
		lines[i] = "[mock translation] " + line
	}

	if err := os.WriteFile(in.OutputSrtPath, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return nil, apperr.Pipeline("translate_subtitles", false, fmt.Errorf("writing mock translated srt: %w", err))
	}

	return &providers.TranslationResult{
		LLMProvider:  "mock",
		LLMModel:     "mock",
		InputTokens:  0,
		OutputTokens: 0,
		TotalCostTwd: 0,
	}, nil
}

func isCueNumber(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
