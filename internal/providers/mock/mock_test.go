package mock_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acamarata/grillmaster/internal/eventlog"
	"github.com/acamarata/grillmaster/internal/providers"
	"github.com/acamarata/grillmaster/internal/providers/mock"
)

type noopAppender struct{}

func (noopAppender) AppendTaskEvent(string, string, string, string, string, string, int, *int64, *string) error {
	return nil
}

func TestASR_WritesPlaceholderFiles(t *testing.T) {
	dir := t.TempDir()
	logger := eventlog.New(noopAppender{}, logrus.New(), "task-1", "proj-1", "run_asr", 0)

	in := providers.ASRInput{
		ProjectID:      "proj-1",
		OutputJSONPath: filepath.Join(dir, "asr.json"),
		OutputSrtPath:  filepath.Join(dir, "asr.srt"),
		Logger:         logger,
	}
	require.NoError(t, mock.ASR(context.Background(), in))

	jsonData, err := os.ReadFile(in.OutputJSONPath)
	require.NoError(t, err)
	assert.Contains(t, string(jsonData), "mock transcription")

	srtData, err := os.ReadFile(in.OutputSrtPath)
	require.NoError(t, err)
	assert.Contains(t, string(srtData), "-->")
}

func TestTranslate_SubstitutesCueText(t *testing.T) {
	dir := t.TempDir()
	logger := eventlog.New(noopAppender{}, logrus.New(), "task-1", "proj-1", "translate_subtitles", 0)

	srtPath := filepath.Join(dir, "asr.srt")
	require.NoError(t, os.WriteFile(srtPath, []byte("1\n00:00:00,000 --> 00:00:02,500\nHello world\n\n"), 0o644))

	out := filepath.Join(dir, "video.srt")
	result, err := mock.Translate(context.Background(), providers.TranslateInput{
		AsrSrtPath:    srtPath,
		OutputSrtPath: out,
		Logger:        logger,
	})
	require.NoError(t, err)
	assert.Equal(t, "mock", result.LLMProvider)
	assert.Zero(t, result.TotalCostTwd)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[mock translation] Hello world")
	assert.Contains(t, string(data), "1\n")
}
