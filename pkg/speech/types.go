package speech

import (
	"context"
	"net/url"
	"path"
	"strings"
)

// Transcript is the outcome of converting one recorded answer to text.
type Transcript struct {
	Text        string
	Confidence  float64
	Language    string
	DurationSec float64
}

// TranscribeOptions tunes a single transcription request.
type TranscribeOptions struct {
	Language string
	Prompt   string
}

// Transcriber converts recorded answers referenced by URL into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioURL string, opts TranscribeOptions) (Transcript, error)
	SupportsFormat(format string) bool
	SupportedFormats() []string
	MaxFileSize() int64
}

// FormatFromURL derives the audio container format from the reference's
// path extension. Returns an empty string when none can be derived.
func FormatFromURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	ext := path.Ext(parsed.Path)
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
