// Package translate implements the live translation provider contract
// against the Gemini API, grounded on the genai client shape used elsewhere
// in the reference stack for Gemini-backed completion.
package translate

import (
	"context"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"

	"github.com/acamarata/grillmaster/internal/apperr"
	"github.com/acamarata/grillmaster/internal/providers"
)

// usdPerMillionTokens are the per-model USD/1M-token rates used for cost
// accounting; unknown models fall back to the default entry.
var usdPerMillionTokens = map[string][2]float64{
	"gemini-2.0-flash":      {0.10, 0.40},
	"gemini-1.5-pro":        {1.25, 5.00},
	"default":               {0.10, 0.40},
}

// usdToTwd is the fixed conversion rate used for cost accounting.
const usdToTwd = 32.0

// maxContinuations bounds multi-turn continuation when a response is
// truncated by MAX_TOKENS.
const maxContinuations = 10

// GeminiTranslator calls the Gemini API to translate an SRT transcript.
type GeminiTranslator struct {
	client *genai.Client
	model  string
}

// New creates a Gemini-backed translator.
func New(ctx context.Context, apiKey, model string) (*GeminiTranslator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("translate: creating gemini client: %w", err)
	}
	return &GeminiTranslator{client: client, model: model}, nil
}

// Run implements providers.TranslateFunc: send the translation prompt with
// the SRT and the audio attached inline to the first user turn, accumulate
// continuations up to maxContinuations when truncated, and write the
// concatenated result. The audio is not uploaded separately; every
// continuation request re-sends the whole conversation, audio included.
func (g *GeminiTranslator) Run(ctx context.Context, in providers.TranslateInput) (*providers.TranslationResult, error) {
	srtBytes, err := os.ReadFile(in.AsrSrtPath)
	if err != nil {
		return nil, apperr.Pipeline("translate_subtitles", false, fmt.Errorf("reading asr srt: %w", err))
	}

	audioBytes, err := os.ReadFile(in.AudioPath)
	if err != nil {
		return nil, apperr.Pipeline("translate_subtitles", false, fmt.Errorf("reading audio: %w", err))
	}

	hint := ""
	if in.TranslationHint != nil {
		hint = *in.TranslationHint
	}

	contents := []*genai.Content{
		{
			Role: "user",
			Parts: []*genai.Part{
				genai.NewPartFromText(translationPrompt(hint)),
				genai.NewPartFromText(string(srtBytes)),
				genai.NewPartFromBytes(audioBytes, "audio/ogg"),
			},
		},
	}

	var output strings.Builder
	var totalInput, totalOutput int64

	for turn := 0; turn <= maxContinuations; turn++ {
		in.Logger.Debug("requesting gemini translation turn %d", turn)
		resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
		if err != nil {
			return nil, apperr.Pipeline("translate_subtitles", true, fmt.Errorf("gemini generate content: %w", err))
		}

		text, truncated := extractText(resp)
		output.WriteString(text)

		if resp.UsageMetadata != nil {
			totalInput += int64(resp.UsageMetadata.PromptTokenCount)
			totalOutput += int64(resp.UsageMetadata.CandidatesTokenCount)
		}

		if !truncated {
			break
		}

		contents = append(contents,
			&genai.Content{Role: "model", Parts: []*genai.Part{genai.NewPartFromText(text)}},
			&genai.Content{Role: "user", Parts: []*genai.Part{genai.NewPartFromText("continue")}},
		)
	}

	if err := os.WriteFile(in.OutputSrtPath, []byte(output.String()), 0o644); err != nil {
		return nil, apperr.Pipeline("translate_subtitles", false, fmt.Errorf("writing translated srt: %w", err))
	}

	rates, ok := usdPerMillionTokens[g.model]
	if !ok {
		rates = usdPerMillionTokens["default"]
	}
	costUsd := (float64(totalInput)/1_000_000)*rates[0] + (float64(totalOutput)/1_000_000)*rates[1]

	return &providers.TranslationResult{
		LLMProvider:  "gemini",
		LLMModel:     g.model,
		InputTokens:  totalInput,
		OutputTokens: totalOutput,
		TotalCostTwd: costUsd * usdToTwd,
	}, nil
}

func extractText(resp *genai.GenerateContentResponse) (text string, truncated bool) {
	if len(resp.Candidates) == 0 {
		return "", false
	}
	cand := resp.Candidates[0]
	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			text += p.Text
		}
	}
	truncated = cand.FinishReason == genai.FinishReasonMaxTokens
	return text, truncated
}

func translationPrompt(hint string) string {
	base := "Translate the following SRT subtitle file into Traditional Chinese, preserving cue numbers and timestamps exactly, translating only the subtitle text."
	if hint == "" {
		return base
	}
	return base + " Context: " + hint
}
