package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/acamarata/grillmaster/internal/apperr"
	"github.com/acamarata/grillmaster/internal/config"
	"github.com/acamarata/grillmaster/internal/projectdir"
	"github.com/acamarata/grillmaster/internal/providers"
	"github.com/acamarata/grillmaster/internal/retry"
	"github.com/acamarata/grillmaster/internal/store"
	"github.com/acamarata/grillmaster/internal/subtitle"
	"github.com/acamarata/grillmaster/internal/supervisor"
)

// Deps bundles every external collaborator a step body may call. ShouldCancel
// is per-task and polled by the supervisor at a fixed interval
// (supervisor.Options.PollInterval, 200ms by default) while a subprocess runs.
type Deps struct {
	Config       *config.Config
	Dirs         *projectdir.Manager
	ASR          providers.ASRFunc
	Translate    providers.TranslateFunc
	ShouldCancel func() bool
}

// StepFunc runs one pipeline step body and returns its checkpointed output
// as a JSON string.
type StepFunc func(ctx context.Context, sc *StepContext, deps *Deps) (string, error)

// StepFuncs maps every StepDef.ID to its implementation, in Steps order.
var StepFuncs = map[string]StepFunc{
	"fetch_metadata":      fetchMetadataStep,
	"download_video":      downloadVideoStep,
	"extract_audio":       extractAudioStep,
	"run_asr":             runAsrStep,
	"translate_subtitles": translateSubtitlesStep,
	"build_vtt":           buildVttStep,
	"finalize_project":    finalizeProjectStep,
}

type fetchMetadataOutput struct {
	Title        string `json:"title"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	SourceURL    string `json:"sourceUrl"`
}

func fetchMetadataStep(ctx context.Context, sc *StepContext, deps *Deps) (string, error) {
	var lastLine string

	opts := retry.Options{
		MaxRetries:  2,
		BaseDelay:   500 * time.Millisecond,
		Jitter:      true,
		IsRetryable: apperr.IsRetryable,
	}

	_, err := retry.Backoff(ctx, opts, func(ctx context.Context) (struct{}, error) {
		lastLine = ""
		_, runErr := supervisor.Run(ctx, deps.Config.YtDlpBin, []string{"--dump-single-json", "--skip-download", sc.SourceURL}, supervisor.Options{
			Cwd: sc.ProjectDir,
			OnStdoutLine: func(line string) {
				if strings.TrimSpace(line) != "" {
					lastLine = line
				}
				sc.Logger.Trace("yt-dlp: %s", line)
			},
			OnStderrLine: func(line string) { sc.Logger.Trace("yt-dlp(stderr): %s", line) },
			ShouldCancel: deps.ShouldCancel,
		})
		if runErr != nil {
			return struct{}{}, apperr.Pipeline("fetch_metadata", true, runErr)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return "", err
	}

	var meta map[string]any
	if err := json.Unmarshal([]byte(lastLine), &meta); err != nil {
		return "", apperr.Pipeline("fetch_metadata", false, fmt.Errorf("parsing yt-dlp metadata json: %w", err))
	}

	if err := os.WriteFile(filepath.Join(sc.ProjectDir, "metadata.info.json"), []byte(lastLine), 0o644); err != nil {
		return "", apperr.Pipeline("fetch_metadata", false, fmt.Errorf("writing metadata.info.json: %w", err))
	}

	title, _ := meta["title"].(string)
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(sc.VideoPath), ".mp4")
	}
	thumb, _ := meta["thumbnail"].(string)

	out := fetchMetadataOutput{Title: title, ThumbnailURL: thumb, SourceURL: sc.SourceURL}
	data, _ := json.Marshal(out)
	return string(data), nil
}

type downloadVideoOutput struct {
	MediaPath    string `json:"mediaPath"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

func downloadVideoStep(ctx context.Context, sc *StepContext, deps *Deps) (string, error) {
	opts := retry.Options{
		MaxRetries:  2,
		BaseDelay:   time.Second,
		Jitter:      true,
		IsRetryable: apperr.IsRetryable,
	}

	_, err := retry.Backoff(ctx, opts, func(ctx context.Context) (struct{}, error) {
		args := []string{
			"-f", "bestvideo+bestaudio/best",
			"--merge-output-format", "mp4",
			"--write-thumbnail", "--convert-thumbnails", "jpg",
			"--write-info-json",
			"-o", filepath.Join(sc.ProjectDir, "%(playlist_index|0)s.%(ext)s"),
			"-o", "infojson:" + filepath.Join(sc.ProjectDir, "metadata.%(ext)s"),
			"-o", "thumbnail:" + filepath.Join(sc.ProjectDir, "poster.%(ext)s"),
			sc.SourceURL,
		}
		_, runErr := supervisor.Run(ctx, deps.Config.YtDlpBin, args, supervisor.Options{
			Cwd:          sc.ProjectDir,
			OnStdoutLine: func(line string) { sc.Logger.Trace("yt-dlp: %s", line) },
			OnStderrLine: func(line string) { sc.Logger.Trace("yt-dlp(stderr): %s", line) },
			ShouldCancel: deps.ShouldCancel,
		})
		if runErr != nil {
			return struct{}{}, apperr.Pipeline("download_video", true, runErr)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return "", err
	}

	parts, err := deps.Dirs.FindMp4s(sc.ProjectID)
	if err != nil {
		return "", apperr.Pipeline("download_video", false, err)
	}
	if len(parts) == 0 {
		return "", apperr.Pipeline("download_video", false, fmt.Errorf("no .mp4 files produced by yt-dlp"))
	}

	if len(parts) == 1 {
		if err := os.Rename(parts[0], sc.VideoPath); err != nil {
			return "", apperr.Pipeline("download_video", false, fmt.Errorf("renaming %s: %w", parts[0], err))
		}
	} else {
		if err := concatParts(ctx, sc, deps, parts); err != nil {
			return "", err
		}
	}

	thumbURL := ""
	if poster, err := deps.Dirs.FindPoster(sc.ProjectID); err == nil && poster != "" {
		thumbURL = filepath.Join(sc.ProjectID, filepath.Base(poster))
	}

	out := downloadVideoOutput{MediaPath: filepath.Join(sc.ProjectID, "video.mp4"), ThumbnailURL: thumbURL}
	data, _ := json.Marshal(out)
	return string(data), nil
}

// concatParts writes an ffmpeg concat file listing every part, sorted
// lexicographically, quoting embedded single quotes by doubling them (the
// source behavior this module preserves byte-for-byte per spec's open
// question on multi-mp4 merge quoting), then concatenates with stream copy.
func concatParts(ctx context.Context, sc *StepContext, deps *Deps, parts []string) error {
	concatPath := filepath.Join(sc.ProjectDir, "concat.txt")

	f, err := os.Create(concatPath)
	if err != nil {
		return apperr.Pipeline("download_video", false, fmt.Errorf("creating concat file: %w", err))
	}
	w := bufio.NewWriter(f)
	for _, p := range parts {
		rel, err := filepath.Rel(sc.ProjectDir, p)
		if err != nil {
			rel = p
		}
		escaped := strings.ReplaceAll(rel, "'", "''")
		fmt.Fprintf(w, "file '%s'\n", escaped)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return apperr.Pipeline("download_video", false, fmt.Errorf("flushing concat file: %w", err))
	}
	f.Close()

	_, runErr := supervisor.Run(ctx, deps.Config.FFmpegBin, []string{
		"-y", "-f", "concat", "-safe", "0", "-i", "concat.txt", "-c", "copy", "-movflags", "faststart", "video.mp4",
	}, supervisor.Options{
		Cwd:          sc.ProjectDir,
		OnStdoutLine: func(line string) { sc.Logger.Trace("ffmpeg: %s", line) },
		OnStderrLine: func(line string) { sc.Logger.Trace("ffmpeg(stderr): %s", line) },
		ShouldCancel: deps.ShouldCancel,
	})
	if runErr != nil {
		return apperr.Pipeline("download_video", false, runErr)
	}

	for _, p := range parts {
		_ = os.Remove(p)
	}
	_ = os.Remove(concatPath)
	return nil
}

type extractAudioOutput struct {
	AudioPath string `json:"audioPath"`
}

func extractAudioStep(ctx context.Context, sc *StepContext, deps *Deps) (string, error) {
	opts := retry.Options{
		MaxRetries:  2,
		BaseDelay:   800 * time.Millisecond,
		Jitter:      true,
		IsRetryable: apperr.IsRetryable,
	}

	_, err := retry.Backoff(ctx, opts, func(ctx context.Context) (struct{}, error) {
		_, runErr := supervisor.Run(ctx, deps.Config.FFmpegBin,
			[]string{"-y", "-i", "video.mp4", "-ac", "1", "-ar", "16000", "-b:a", "24k", "audio.opus"},
			supervisor.Options{
				Cwd:          sc.ProjectDir,
				OnStdoutLine: func(line string) { sc.Logger.Trace("ffmpeg: %s", line) },
				OnStderrLine: func(line string) { sc.Logger.Trace("ffmpeg(stderr): %s", line) },
				ShouldCancel: deps.ShouldCancel,
			})
		if runErr != nil {
			return struct{}{}, apperr.Pipeline("extract_audio", true, runErr)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return "", err
	}

	out := extractAudioOutput{AudioPath: sc.AudioPath}
	data, _ := json.Marshal(out)
	return string(data), nil
}

type runAsrOutput struct {
	AsrJSONPath string `json:"asrJsonPath"`
	AsrSrtPath  string `json:"asrSrtPath"`
}

func runAsrStep(ctx context.Context, sc *StepContext, deps *Deps) (string, error) {
	if err := deps.ASR(ctx, providers.ASRInput{
		ProjectID:      sc.ProjectID,
		AudioPath:      sc.AudioPath,
		OutputJSONPath: sc.AsrJSONPath,
		OutputSrtPath:  sc.AsrSrtPath,
		Logger:         sc.Logger,
	}); err != nil {
		return "", err
	}

	srtBytes, err := os.ReadFile(sc.AsrSrtPath)
	if err != nil {
		return "", apperr.Pipeline("run_asr", false, fmt.Errorf("reading asr srt: %w", err))
	}
	vttPath := filepath.Join(sc.ProjectDir, "asr.vtt")
	if err := os.WriteFile(vttPath, []byte(subtitle.SrtToVtt(string(srtBytes))), 0o644); err != nil {
		return "", apperr.Pipeline("run_asr", false, fmt.Errorf("writing asr.vtt: %w", err))
	}

	out := runAsrOutput{AsrJSONPath: sc.AsrJSONPath, AsrSrtPath: sc.AsrSrtPath}
	data, _ := json.Marshal(out)
	return string(data), nil
}

type translateSubtitlesOutput struct {
	Translation providers.TranslationResult `json:"translation"`
}

func translateSubtitlesStep(ctx context.Context, sc *StepContext, deps *Deps) (string, error) {
	result, err := deps.Translate(ctx, providers.TranslateInput{
		ProjectID:       sc.ProjectID,
		AsrSrtPath:      sc.AsrSrtPath,
		AudioPath:       sc.AudioPath,
		OutputSrtPath:   sc.TranslatedSrtPath,
		TranslationHint: sc.TranslationHint,
		Logger:          sc.Logger,
	})
	if err != nil {
		return "", err
	}

	out := translateSubtitlesOutput{Translation: *result}
	data, _ := json.Marshal(out)
	return string(data), nil
}

type buildVttOutput struct {
	SubtitlePath string `json:"subtitlePath"`
}

func buildVttStep(ctx context.Context, sc *StepContext, deps *Deps) (string, error) {
	srtBytes, err := os.ReadFile(sc.TranslatedSrtPath)
	if err != nil {
		return "", apperr.Pipeline("build_vtt", false, fmt.Errorf("reading video.srt: %w", err))
	}
	if err := os.WriteFile(sc.TranslatedVttPath, []byte(subtitle.SrtToVtt(string(srtBytes))), 0o644); err != nil {
		return "", apperr.Pipeline("build_vtt", false, fmt.Errorf("writing video.vtt: %w", err))
	}

	out := buildVttOutput{SubtitlePath: filepath.Join(sc.ProjectID, "video.vtt")}
	data, _ := json.Marshal(out)
	return string(data), nil
}

type finalizeProjectOutput struct {
	MediaPath    string `json:"mediaPath"`
	SubtitlePath string `json:"subtitlePath"`
}

func finalizeProjectStep(ctx context.Context, sc *StepContext, deps *Deps) (string, error) {
	var fetchOut fetchMetadataOutput
	if err := decodeStepOutput(sc.States["fetch_metadata"], &fetchOut); err != nil {
		return "", apperr.Pipeline("finalize_project", false, err)
	}
	var downloadOut downloadVideoOutput
	if err := decodeStepOutput(sc.States["download_video"], &downloadOut); err != nil {
		return "", apperr.Pipeline("finalize_project", false, err)
	}
	var translateOut translateSubtitlesOutput
	if err := decodeStepOutput(sc.States["translate_subtitles"], &translateOut); err != nil {
		return "", apperr.Pipeline("finalize_project", false, err)
	}

	out := finalizeProjectOutput{
		MediaPath:    downloadOut.MediaPath,
		SubtitlePath: filepath.Join(sc.ProjectID, "video.vtt"),
	}
	data, _ := json.Marshal(out)

	_ = fetchOut // consumed by the runner, which reads States directly for project fields
	return string(data), nil
}

func decodeStepOutput(state *store.TaskStepState, dest any) error {
	if state == nil || state.OutputJSON == nil {
		return fmt.Errorf("missing checkpointed step output")
	}
	return json.Unmarshal([]byte(*state.OutputJSON), dest)
}
