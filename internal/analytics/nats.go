package analytics

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	EventSubmissionStarted   = "submission_started"
	EventSubmissionCompleted = "submission_completed"
	EventSubmissionFailed    = "submission_failed"
	EventRetryAttempted      = "retry_attempted"
	EventCircuitOpened       = "circuit_opened"
	EventCircuitClosed       = "circuit_closed"
	EventFallbackUsed        = "fallback_used"
)

type natsSink struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSSink publishes events as JSON to `<base>.evaluations`, deriving the
// subject from channelBase the same way the messaging subjects are derived
// elsewhere in the stack.
func NewNATSSink(conn *nats.Conn, channelBase string, logger zerolog.Logger) Sink {
	subject := "eval.evaluations"
	if channelBase != "" {
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".evaluations"
	}
	return &natsSink{
		conn:    conn,
		subject: subject,
		logger:  logger.With().Str("component", "analytics").Logger(),
	}
}

func (s *natsSink) SubmissionStarted(ctx context.Context, event Event) {
	s.publish(ctx, EventSubmissionStarted, event)
}

func (s *natsSink) SubmissionCompleted(ctx context.Context, event Event) {
	s.publish(ctx, EventSubmissionCompleted, event)
}

func (s *natsSink) SubmissionFailed(ctx context.Context, event Event) {
	s.publish(ctx, EventSubmissionFailed, event)
}

func (s *natsSink) RetryAttempted(ctx context.Context, event Event) {
	s.publish(ctx, EventRetryAttempted, event)
}

func (s *natsSink) CircuitOpened(ctx context.Context, event Event) {
	s.publish(ctx, EventCircuitOpened, event)
}

func (s *natsSink) CircuitClosed(ctx context.Context, event Event) {
	s.publish(ctx, EventCircuitClosed, event)
}

func (s *natsSink) FallbackUsed(ctx context.Context, event Event) {
	s.publish(ctx, EventFallbackUsed, event)
}

func (s *natsSink) publish(_ context.Context, eventType string, event Event) {
	if s.conn == nil {
		return
	}

	event.Type = eventType
	if event.SentAt.IsZero() {
		event.SentAt = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error().Err(err).Str("event", eventType).Msg("failed to encode analytics event")
		return
	}
	if err := s.conn.Publish(s.subject, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("failed to publish analytics event")
	}
}
