package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/prepstack/eval-go-api/internal/errs"
	"github.com/prepstack/eval-go-api/pkg/ai"
)

// DefaultMaxAudioBytes caps downloaded recordings at the Whisper API limit.
const DefaultMaxAudioBytes = int64(25 << 20)

var whisperFormats = []string{"flac", "m4a", "mp3", "mp4", "mpeg", "mpga", "oga", "ogg", "wav", "webm"}

var (
	speechDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "eval",
		Subsystem: "speech",
		Name:      "transcription_duration_seconds",
		Help:      "Duration of audio transcription requests including the fetch",
	}, []string{"model"})

	speechFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eval",
		Subsystem: "speech",
		Name:      "transcription_failures_total",
		Help:      "Number of failed audio transcriptions",
	}, []string{"model"})
)

// WhisperConfig defines configuration options for the Whisper transcriber.
type WhisperConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxBytes   int64
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// WhisperTranscriber implements Transcriber against the OpenAI audio API.
type WhisperTranscriber struct {
	client   *openai.Client
	fetcher  *http.Client
	model    string
	maxBytes int64
	tracer   trace.Tracer
	logger   zerolog.Logger
}

// NewWhisperTranscriber builds a transcriber that downloads the referenced
// recording and sends it to the Whisper API.
func NewWhisperTranscriber(cfg WhisperConfig) (*WhisperTranscriber, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("whisper api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = openai.Whisper1
	}

	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxAudioBytes
	}

	fetcher := cfg.HTTPClient
	if fetcher == nil {
		fetcher = &http.Client{Timeout: 60 * time.Second}
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &WhisperTranscriber{
		client:   openai.NewClientWithConfig(config),
		fetcher:  fetcher,
		model:    cfg.Model,
		maxBytes: cfg.MaxBytes,
		tracer:   otel.Tracer("github.com/prepstack/eval-go-api/pkg/speech/whisper"),
		logger:   cfg.Logger,
	}, nil
}

// SupportsFormat reports whether the container format can be transcribed.
func (w *WhisperTranscriber) SupportsFormat(format string) bool {
	format = strings.ToLower(strings.TrimPrefix(format, "."))
	for _, supported := range whisperFormats {
		if format == supported {
			return true
		}
	}
	return false
}

// SupportedFormats lists the accepted audio container formats.
func (w *WhisperTranscriber) SupportedFormats() []string {
	formats := make([]string, len(whisperFormats))
	copy(formats, whisperFormats)
	return formats
}

// MaxFileSize returns the largest recording the transcriber accepts, in bytes.
func (w *WhisperTranscriber) MaxFileSize() int64 {
	return w.maxBytes
}

// Transcribe downloads the referenced recording and converts it to text.
func (w *WhisperTranscriber) Transcribe(parent context.Context, audioURL string, opts TranscribeOptions) (Transcript, error) {
	ctx, span := w.tracer.Start(parent, "speech.transcribe", trace.WithAttributes(
		attribute.String("model", w.model),
	))
	defer span.End()

	start := time.Now()
	transcript, err := w.transcribe(ctx, audioURL, opts)
	speechDuration.WithLabelValues(w.model).Observe(time.Since(start).Seconds())
	if err != nil {
		speechFailures.WithLabelValues(w.model).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Transcript{}, err
	}

	span.SetAttributes(
		attribute.Float64("confidence", transcript.Confidence),
		attribute.Float64("duration_sec", transcript.DurationSec),
	)
	return transcript, nil
}

func (w *WhisperTranscriber) transcribe(ctx context.Context, audioURL string, opts TranscribeOptions) (Transcript, error) {
	format := FormatFromURL(audioURL)
	if format != "" && !w.SupportsFormat(format) {
		return Transcript{}, errs.Newf(errs.CodeValidation, "unsupported audio format %q", format)
	}

	audio, err := w.fetchAudio(ctx, audioURL)
	if err != nil {
		return Transcript{}, err
	}

	if kind := mimetype.Detect(audio); !isAudioMIME(kind.String()) {
		return Transcript{}, errs.Newf(errs.CodeValidation, "audio reference resolved to %s content", kind.String())
	}

	filename := "answer"
	if format != "" {
		filename = "answer." + format
	}

	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: filename,
		Reader:   bytes.NewReader(audio),
		Language: opts.Language,
		Prompt:   opts.Prompt,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return Transcript{}, ai.MapProviderError(err)
	}

	return Transcript{
		Text:        strings.TrimSpace(resp.Text),
		Confidence:  confidenceFromSegments(resp.Segments),
		Language:    resp.Language,
		DurationSec: resp.Duration,
	}, nil
}

func (w *WhisperTranscriber) fetchAudio(ctx context.Context, audioURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return nil, errs.Wrap(errs.CodeValidation, err, "invalid audio reference")
	}

	resp, err := w.fetcher.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errs.Wrap(errs.CodeTimeout, err, "audio fetch timed out")
		}
		return nil, errs.Wrap(errs.CodeLLMService, err, "audio fetch failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, errs.Newf(errs.CodeLLMService, "audio fetch returned status %d", resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, errs.Newf(errs.CodeValidation, "audio reference not retrievable, status %d", resp.StatusCode)
	}

	if resp.ContentLength > w.maxBytes {
		return nil, errs.Newf(errs.CodeValidation, "audio exceeds %d byte limit", w.maxBytes)
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, w.maxBytes+1))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errs.Wrap(errs.CodeTimeout, err, "audio fetch timed out")
		}
		return nil, errs.Wrap(errs.CodeLLMService, err, "audio fetch failed")
	}
	if int64(len(audio)) > w.maxBytes {
		return nil, errs.Newf(errs.CodeValidation, "audio exceeds %d byte limit", w.maxBytes)
	}
	if len(audio) == 0 {
		return nil, errs.New(errs.CodeValidation, "audio reference resolved to an empty file")
	}

	return audio, nil
}

func isAudioMIME(mime string) bool {
	if strings.HasPrefix(mime, "audio/") || strings.HasPrefix(mime, "video/") {
		return true
	}
	// Ogg containers sniff as application/ogg.
	return strings.HasPrefix(mime, "application/ogg")
}

// audioSegment aliases the element type of openai.AudioResponse.Segments,
// which go-openai leaves anonymous; the alias must mirror it field for field.
type audioSegment = struct {
	ID               int     `json:"id"`
	Seek             int     `json:"seek"`
	Start            float64 `json:"start"`
	End              float64 `json:"end"`
	Text             string  `json:"text"`
	Tokens           []int   `json:"tokens"`
	Temperature      float64 `json:"temperature"`
	AvgLogprob       float64 `json:"avg_logprob"`
	CompressionRatio float64 `json:"compression_ratio"`
	NoSpeechProb     float64 `json:"no_speech_prob"`
	Transient        bool    `json:"transient"`
}

func confidenceFromSegments(segments []audioSegment) float64 {
	if len(segments) == 0 {
		return 1.0
	}

	total := 0.0
	for _, segment := range segments {
		total += math.Exp(segment.AvgLogprob)
	}
	confidence := total / float64(len(segments))
	return math.Min(1.0, math.Max(0.0, confidence))
}
