// Package parser extracts a (source, sourceVideoId) pair from a raw
// user-supplied video reference: a platform URL or a bare video ID.
package parser

import (
	"regexp"
	"strings"

	"github.com/acamarata/grillmaster/internal/apperr"
)

// Source identifies the originating video platform.
type Source string

const (
	SourceBilibili Source = "bilibili"
	SourceTver     Source = "tver"
	SourceYoutube  Source = "youtube"
	SourceUnknown  Source = "unknown"
)

// Parsed is the result of parsing a raw input reference.
type Parsed struct {
	Source        Source
	SourceVideoID string
}

// sourceRule is one entry of the ordered pattern table tried against the
// raw input. idGroup is the regexp capture group index holding the video
// ID; 0 means "the whole match", used for the bilibili BV-id rule.
type sourceRule struct {
	source  Source
	pattern *regexp.Regexp
	idGroup int
	upper   bool
}

var rules = []sourceRule{
	{source: SourceBilibili, pattern: regexp.MustCompile(`BV[A-Za-z0-9]{10}`), idGroup: 0, upper: true},
	{source: SourceTver, pattern: regexp.MustCompile(`episodes/(\w+)`), idGroup: 1},
	{source: SourceYoutube, pattern: regexp.MustCompile(`(?:v=|youtu\.be/)([A-Za-z0-9_-]{11})`), idGroup: 1},
}

var unknownPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{6,30}$`)

// Parse extracts (source, sourceVideoId) from a raw input string by trying
// the pattern table in order, then falling back to treating the whole
// input as an opaque "unknown" ID if it matches the bare-ID shape.
func Parse(raw string) (*Parsed, error) {
	for _, rule := range rules {
		match := rule.pattern.FindStringSubmatch(raw)
		if match == nil {
			continue
		}
		id := match[rule.idGroup]
		if rule.upper {
			id = strings.ToUpper(id)
		}
		return &Parsed{Source: rule.source, SourceVideoID: id}, nil
	}

	if unknownPattern.MatchString(raw) {
		return &Parsed{Source: SourceUnknown, SourceVideoID: raw}, nil
	}

	return nil, apperr.Validation("unrecognized video reference: %q", raw)
}

// SourceURL derives the canonical URL to hand to yt-dlp for a project,
// following spec.md §4.6: verbatim if originalInput is already an http(s)
// URL, otherwise a platform-specific canonical URL, otherwise the raw
// original input as a last resort.
func SourceURL(source Source, sourceVideoID, originalInput string) string {
	if strings.HasPrefix(originalInput, "http://") || strings.HasPrefix(originalInput, "https://") {
		return originalInput
	}
	switch source {
	case SourceBilibili:
		return "https://www.bilibili.com/video/" + sourceVideoID
	case SourceYoutube:
		return "https://www.youtube.com/watch?v=" + sourceVideoID
	default:
		return originalInput
	}
}
