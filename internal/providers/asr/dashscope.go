// Package asr implements the live ASR provider contract against Alibaba
// Cloud's DashScope async transcription API. No Go SDK for DashScope exists
// anywhere in the reference corpus, so this adapter talks to its HTTP API
// directly with net/http — the one provider boundary in this module built on
// the standard library rather than a vendor SDK (see DESIGN.md).
package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws/awserr"

	"github.com/acamarata/grillmaster/internal/apperr"
	"github.com/acamarata/grillmaster/internal/providers"
	"github.com/acamarata/grillmaster/internal/providers/stage"
	"github.com/acamarata/grillmaster/internal/retry"
)

// PollInterval is the spacing between status-poll attempts.
const PollInterval = 2 * time.Second

// MaxPollAttempts bounds the polling loop so a wedged job fails instead of
// blocking the worker forever.
const MaxPollAttempts = 600

// DashscopeASR calls the DashScope async transcription API.
type DashscopeASR struct {
	APIURL string
	APIKey string
	Model  string
	Stager *stage.Stager
	client *http.Client
}

// New builds a DashscopeASR adapter.
func New(apiURL, apiKey, model string, stager *stage.Stager) *DashscopeASR {
	return &DashscopeASR{
		APIURL: apiURL,
		APIKey: apiKey,
		Model:  model,
		Stager: stager,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Run implements providers.ASRFunc: upload, submit, poll, fetch, convert,
// clean up the staged object on both success and failure.
func (d *DashscopeASR) Run(ctx context.Context, in providers.ASRInput) error {
	stageKey := fmt.Sprintf("asr-staging/%s/audio.opus", in.ProjectID)
	uploadOpts := retry.Options{
		MaxRetries:  2,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Jitter:      true,
		IsRetryable: isRetryableStageErr,
	}
	audioURL, err := retry.Backoff(ctx, uploadOpts, func(ctx context.Context) (string, error) {
		return d.Stager.PutFile(ctx, in.AudioPath, stageKey, time.Hour)
	})
	if err != nil {
		return apperr.Pipeline("run_asr", true, fmt.Errorf("staging audio: %w", err))
	}
	defer func() { _ = d.Stager.Delete(context.Background(), stageKey) }()

	in.Logger.Debug("submitting transcription job for %s", audioURL)
	taskID, err := d.submit(ctx, audioURL)
	if err != nil {
		return err
	}

	segments, err := d.poll(ctx, taskID, in.Logger)
	if err != nil {
		return err
	}

	jsonBytes, err := json.MarshalIndent(segments, "", "  ")
	if err != nil {
		return apperr.Pipeline("run_asr", false, fmt.Errorf("marshaling asr result: %w", err))
	}
	if err := writeFile(in.OutputJSONPath, jsonBytes); err != nil {
		return apperr.Pipeline("run_asr", false, err)
	}

	srt := segmentsToSrt(segments)
	if err := writeFile(in.OutputSrtPath, []byte(srt)); err != nil {
		return apperr.Pipeline("run_asr", false, err)
	}
	return nil
}

// Segment is one transcribed span with its timing.
type Segment struct {
	Text      string  `json:"text"`
	StartMs   int64   `json:"startMs"`
	EndMs     int64   `json:"endMs"`
}

type submitRequest struct {
	Model string `json:"model"`
	Input struct {
		FileURLs []string `json:"file_urls"`
	} `json:"input"`
}

type submitResponse struct {
	Output struct {
		TaskID     string `json:"task_id"`
		TaskStatus string `json:"task_status"`
	} `json:"output"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (d *DashscopeASR) submit(ctx context.Context, audioURL string) (string, error) {
	body := submitRequest{Model: d.Model}
	body.Input.FileURLs = []string{audioURL}
	payload, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.APIURL+"/api/v1/services/audio/asr/transcription", bytes.NewReader(payload))
	if err != nil {
		return "", apperr.Pipeline("run_asr", false, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.APIKey)
	req.Header.Set("X-DashScope-Async", "enable")

	var out submitResponse
	if err := d.doJSON(req, &out); err != nil {
		return "", err
	}
	if out.Output.TaskID == "" {
		return "", apperr.Pipeline("run_asr", false, fmt.Errorf("dashscope: submit returned no task_id (%s: %s)", out.Code, out.Message))
	}
	return out.Output.TaskID, nil
}

type statusResponse struct {
	Output struct {
		TaskStatus string    `json:"task_status"`
		Results    []Segment `json:"results"`
	} `json:"output"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// isRetryableStageErr retries network failures and 5xx responses from the
// staging upload, but not 4xx responses (bad bucket, denied credentials)
// that a retry can't fix.
func isRetryableStageErr(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() < 500 {
		return false
	}
	return true
}

func (d *DashscopeASR) poll(ctx context.Context, taskID string, logger interface {
	Debug(string, ...any)
}) ([]Segment, error) {
	opts := retry.Options{
		MaxRetries:  MaxPollAttempts - 1,
		BaseDelay:   PollInterval,
		MaxDelay:    PollInterval,
		Jitter:      false,
		IsRetryable: apperr.IsRetryable,
	}

	return retry.Backoff(ctx, opts, func(ctx context.Context) ([]Segment, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.APIURL+"/api/v1/tasks/"+taskID, nil)
		if err != nil {
			return nil, apperr.Pipeline("run_asr", false, err)
		}
		req.Header.Set("Authorization", "Bearer "+d.APIKey)

		var out statusResponse
		if err := d.doJSON(req, &out); err != nil {
			return nil, err
		}

		switch out.Output.TaskStatus {
		case "SUCCEEDED":
			return out.Output.Results, nil
		case "FAILED", "CANCELED":
			return nil, apperr.Pipeline("run_asr", false, fmt.Errorf("dashscope: task %s (%s: %s)", out.Output.TaskStatus, out.Code, out.Message))
		default:
			logger.Debug("dashscope task %s status=%s", taskID, out.Output.TaskStatus)
			return nil, apperr.Pipeline("run_asr", true, fmt.Errorf("dashscope: task %s still %s", taskID, out.Output.TaskStatus))
		}
	})
}

func (d *DashscopeASR) doJSON(req *http.Request, out interface{}) error {
	resp, err := d.client.Do(req)
	if err != nil {
		return apperr.Pipeline("run_asr", true, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Pipeline("run_asr", true, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return apperr.Pipeline("run_asr", true, fmt.Errorf("dashscope: http %d: %s", resp.StatusCode, string(data)))
	}
	if resp.StatusCode >= 400 {
		return apperr.Pipeline("run_asr", false, fmt.Errorf("dashscope: http %d: %s", resp.StatusCode, string(data)))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return apperr.Pipeline("run_asr", false, fmt.Errorf("decoding dashscope response: %w", err))
	}
	return nil
}

// segmentsToSrt renders transcription segments as sentence-level SRT,
// joining English-letter run-on sentences across a `.` boundary when the gap
// between them is at most 500ms, and re-splitting long sentences on
// punctuation boundaries aiming for at most 40 characters per cue.
func segmentsToSrt(segments []Segment) string {
	sort.Slice(segments, func(i, j int) bool { return segments[i].StartMs < segments[j].StartMs })

	merged := mergeRunOnSentences(segments)

	var b strings.Builder
	idx := 1
	for _, seg := range merged {
		for _, part := range splitLongSentence(seg.Text, 40) {
			fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", idx, srtTime(seg.StartMs), srtTime(seg.EndMs), part)
			idx++
		}
	}
	return b.String()
}

func mergeRunOnSentences(segments []Segment) []Segment {
	if len(segments) == 0 {
		return nil
	}
	merged := []Segment{segments[0]}
	for _, seg := range segments[1:] {
		last := &merged[len(merged)-1]
		gap := seg.StartMs - last.EndMs
		lastEndsLetter := len(last.Text) > 0 && isASCIILetter(rune(last.Text[len(last.Text)-1]))
		endsWithPeriod := strings.HasSuffix(strings.TrimSpace(last.Text), ".")
		if gap <= 500 && lastEndsLetter && !endsWithPeriod {
			last.Text = strings.TrimSpace(last.Text) + " " + strings.TrimSpace(seg.Text)
			last.EndMs = seg.EndMs
			continue
		}
		merged = append(merged, seg)
	}
	return merged
}

func isASCIILetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func splitLongSentence(text string, maxLen int) []string {
	text = strings.TrimSpace(text)
	if len(text) <= maxLen {
		return []string{text}
	}

	var parts []string
	remaining := text
	for len(remaining) > maxLen {
		cut := -1
		for _, sep := range []string{". ", ", ", "; ", " "} {
			if i := strings.LastIndex(remaining[:maxLen], sep); i > 0 {
				cut = i + len(sep)
				break
			}
		}
		if cut <= 0 {
			cut = maxLen
		}
		parts = append(parts, strings.TrimSpace(remaining[:cut]))
		remaining = remaining[cut:]
	}
	if strings.TrimSpace(remaining) != "" {
		parts = append(parts, strings.TrimSpace(remaining))
	}
	return parts
}

func srtTime(ms int64) string {
	h := ms / 3600000
	m := (ms % 3600000) / 60000
	s := (ms % 60000) / 1000
	msRem := ms % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, msRem)
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
