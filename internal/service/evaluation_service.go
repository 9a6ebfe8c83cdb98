package service

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/prepstack/eval-go-api/internal/analytics"
	"github.com/prepstack/eval-go-api/internal/dto"
	"github.com/prepstack/eval-go-api/internal/errs"
	"github.com/prepstack/eval-go-api/internal/models"
	"github.com/prepstack/eval-go-api/internal/observability"
	"github.com/prepstack/eval-go-api/internal/queue"
	"github.com/prepstack/eval-go-api/internal/repository"
	"github.com/prepstack/eval-go-api/internal/resilience"
	"github.com/prepstack/eval-go-api/internal/store"
	"github.com/prepstack/eval-go-api/pkg/ai"
	"github.com/prepstack/eval-go-api/pkg/speech"
)

// Dependency labels used for breaker naming, retry metrics, and analytics.
const (
	DependencySpeech   = "speech"
	DependencyAnalysis = "analysis"
)

const statusPollPath = "/api/v1/evaluate/status/"

// EvaluationOptions tunes the pipeline. Zero fields fall back to the same
// defaults the configuration layer ships.
type EvaluationOptions struct {
	SyncWait         time.Duration
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryJitter      float64
	BreakerThreshold int
	BreakerOpenFor   time.Duration
	FallbackEnabled  bool
}

// EvaluationDeps bundles the collaborators of the evaluation service.
type EvaluationDeps struct {
	Submissions repository.SubmissionRepository
	Requests    repository.EvaluationRequestRepository
	Statuses    repository.EvaluationStatusRepository
	Feedbacks   repository.FeedbackRepository
	Results     store.ResultStore
	Dispatcher  *queue.Dispatcher
	Transcriber speech.Transcriber
	Analyzer    ai.Analyzer
	Analytics   analytics.Sink
	Validator   *validator.Validate
	Logger      zerolog.Logger
}

// EvaluationService accepts interview answers and drives them through the
// transcription and analysis pipeline.
type EvaluationService interface {
	// Submit handles one evaluation request idempotently: replaying stored
	// outcomes, joining in-flight duplicates, or enqueueing fresh work and
	// waiting up to the configured sync window.
	Submit(ctx context.Context, userID string, payload dto.EvaluateRequest) (dto.EvaluateResponse, error)
	// Status returns the polling view of one evaluation job owned by userID.
	Status(ctx context.Context, userID, jobID string) (dto.EvaluationStatusResponse, error)
	// History lists the caller's most recent evaluations.
	History(ctx context.Context, userID string, limit, offset int) ([]dto.EvaluationStatusResponse, error)
}

type evaluationService struct {
	submissions repository.SubmissionRepository
	requests    repository.EvaluationRequestRepository
	statuses    repository.EvaluationStatusRepository
	feedbacks   repository.FeedbackRepository
	results     store.ResultStore
	dispatcher  *queue.Dispatcher
	transcriber speech.Transcriber
	analyzer    ai.Analyzer
	sink        analytics.Sink
	validator   *validator.Validate
	sanitizer   *bluemonday.Policy
	tracer      trace.Tracer
	logger      zerolog.Logger

	opts            EvaluationOptions
	speechBreaker   *resilience.Breaker
	analysisBreaker *resilience.Breaker
}

// NewEvaluationService constructs the evaluation pipeline service. One
// breaker per external dependency is shared across all concurrent jobs.
func NewEvaluationService(deps EvaluationDeps, opts EvaluationOptions) EvaluationService {
	if opts.SyncWait <= 0 {
		opts.SyncWait = 30 * time.Second
	}

	s := &evaluationService{
		submissions: deps.Submissions,
		requests:    deps.Requests,
		statuses:    deps.Statuses,
		feedbacks:   deps.Feedbacks,
		results:     deps.Results,
		dispatcher:  deps.Dispatcher,
		transcriber: deps.Transcriber,
		analyzer:    deps.Analyzer,
		sink:        deps.Analytics,
		validator:   deps.Validator,
		sanitizer:   bluemonday.StrictPolicy(),
		tracer:      otel.Tracer("github.com/prepstack/eval-go-api/internal/service/evaluation"),
		logger:      deps.Logger.With().Str("component", "evaluation_service").Logger(),
		opts:        opts,
	}

	s.speechBreaker = resilience.NewBreaker(DependencySpeech, opts.BreakerThreshold, opts.BreakerOpenFor)
	s.analysisBreaker = resilience.NewBreaker(DependencyAnalysis, opts.BreakerThreshold, opts.BreakerOpenFor)
	s.instrumentBreaker(s.speechBreaker)
	s.instrumentBreaker(s.analysisBreaker)

	return s
}

func (s *evaluationService) instrumentBreaker(breaker *resilience.Breaker) {
	breaker.OnStateChange(func(name string, from, to resilience.State) {
		observability.BreakerState().WithLabelValues(name).Set(float64(to))
		observability.BreakerTransitions().WithLabelValues(name, to.String()).Inc()

		event := analytics.Event{Dependency: name, SentAt: time.Now().UTC()}
		switch to {
		case resilience.StateOpen:
			s.sink.CircuitOpened(context.Background(), event)
			s.logger.Warn().Str("dependency", name).Str("from", from.String()).Msg("circuit opened")
		case resilience.StateClosed:
			s.sink.CircuitClosed(context.Background(), event)
			s.logger.Info().Str("dependency", name).Str("from", from.String()).Msg("circuit closed")
		default:
			s.logger.Info().Str("dependency", name).Msg("circuit admitting half-open trial")
		}
	})
}

func (s *evaluationService) Submit(parent context.Context, userID string, payload dto.EvaluateRequest) (dto.EvaluateResponse, error) {
	ctx, span := s.tracer.Start(parent, "evaluation.submit", trace.WithAttributes(
		attribute.String("request_id", payload.RequestID),
		attribute.String("question_id", payload.QuestionID),
	))
	defer span.End()

	if strings.TrimSpace(userID) == "" {
		return dto.EvaluateResponse{}, errs.New(errs.CodeAuthentication, "caller identity is required")
	}

	if err := s.validator.Struct(payload); err != nil {
		return dto.EvaluateResponse{}, err
	}
	if strings.TrimSpace(payload.Text) == "" && strings.TrimSpace(payload.AudioURL) == "" {
		return dto.EvaluateResponse{}, errs.New(errs.CodeValidation, "either text or audio_url must be provided")
	}

	record, found, err := s.results.Get(ctx, payload.RequestID)
	if err != nil {
		return dto.EvaluateResponse{}, fmt.Errorf("look up result record: %w", err)
	}
	if found {
		if record.Terminal() {
			return s.replayRecord(record), nil
		}
		return s.awaitJob(ctx, record.JobID, payload.RequestID, true)
	}

	jobID := uuid.NewString()
	submissionID := uuid.NewString()
	now := time.Now().UTC()

	pending := store.Record{
		RequestID:    payload.RequestID,
		JobID:        jobID,
		SubmissionID: submissionID,
		Status:       store.StatusPending,
		StoredAt:     now,
	}
	held, won, err := s.results.Reserve(ctx, payload.RequestID, pending)
	if err != nil {
		return dto.EvaluateResponse{}, fmt.Errorf("reserve request: %w", err)
	}
	if !won {
		if held.Terminal() {
			return s.replayRecord(held), nil
		}
		return s.awaitJob(ctx, held.JobID, payload.RequestID, true)
	}

	submission := &models.Submission{
		ID:             submissionID,
		UserID:         userID,
		QuestionID:     payload.QuestionID,
		Question:       payload.Question,
		Content:        payload.Text,
		AudioReference: payload.AudioURL,
		SubmittedAt:    now,
		Metadata:       datatypes.JSONMap(payload.Metadata),
	}
	if err := s.submissions.Create(ctx, submission); err != nil {
		s.deleteReservation(ctx, payload.RequestID)
		return dto.EvaluateResponse{}, fmt.Errorf("persist submission: %w", err)
	}

	request := &models.EvaluationRequest{
		ID:           payload.RequestID,
		SubmissionID: submissionID,
		JobID:        jobID,
		RequestedAt:  now,
		Status:       models.EvaluationRequestStatusPending,
	}
	created, err := s.requests.CreateIfAbsent(ctx, request)
	if err != nil {
		s.rollbackIntake(ctx, payload.RequestID, submissionID, jobID)
		return dto.EvaluateResponse{}, fmt.Errorf("persist evaluation request: %w", err)
	}
	if !created {
		// The result record expired while the request row survives. Serve
		// the durable outcome instead of processing the answer a second time.
		if derr := s.submissions.Delete(ctx, submissionID); derr != nil {
			s.logger.Error().Err(derr).Str("submission_id", submissionID).Msg("intake rollback failed")
		}
		return s.recoverFromRequest(ctx, payload.RequestID)
	}

	status := &models.EvaluationStatus{
		ID:           jobID,
		SubmissionID: submissionID,
		Status:       models.EvaluationStatusPending,
		Progress:     0,
		Message:      "queued for evaluation",
		UserID:       userID,
		QuestionID:   payload.QuestionID,
		HasAudio:     submission.HasAudio(),
	}
	if err := s.statuses.Create(ctx, status); err != nil {
		s.rollbackIntake(ctx, payload.RequestID, submissionID, jobID)
		return dto.EvaluateResponse{}, fmt.Errorf("persist evaluation status: %w", err)
	}

	job := func(jobCtx context.Context) error {
		return s.process(jobCtx, jobID, payload.RequestID, submissionID)
	}
	if err := s.dispatcher.Enqueue(jobID, job); err != nil {
		s.rollbackIntake(ctx, payload.RequestID, submissionID, jobID)
		if errors.Is(err, queue.ErrQueueFull) {
			return dto.EvaluateResponse{}, err
		}
		return dto.EvaluateResponse{}, fmt.Errorf("enqueue evaluation: %w", err)
	}

	s.sink.SubmissionStarted(ctx, analytics.Event{
		RequestID:    payload.RequestID,
		JobID:        jobID,
		SubmissionID: submissionID,
		UserID:       userID,
		QuestionID:   payload.QuestionID,
		SentAt:       now,
	})
	s.logger.Info().
		Str("request_id", payload.RequestID).
		Str("job_id", jobID).
		Bool("has_audio", submission.HasAudio()).
		Msg("evaluation accepted")

	return s.awaitJob(ctx, jobID, payload.RequestID, false)
}

func (s *evaluationService) Status(ctx context.Context, userID, jobID string) (dto.EvaluationStatusResponse, error) {
	status, err := s.statuses.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.EvaluationStatusResponse{}, errs.New(errs.CodeNotFound, "evaluation job not found")
		}
		return dto.EvaluationStatusResponse{}, fmt.Errorf("load evaluation status: %w", err)
	}
	if status.UserID != userID {
		// Deliberately indistinguishable from a missing job.
		return dto.EvaluationStatusResponse{}, errs.New(errs.CodeNotFound, "evaluation job not found")
	}

	var feedback *models.Feedback
	if status.Status == models.EvaluationStatusCompleted {
		if fb, err := s.feedbacks.GetBySubmissionID(ctx, status.SubmissionID); err == nil {
			feedback = &fb
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.EvaluationStatusResponse{}, fmt.Errorf("load feedback: %w", err)
		}
	}

	return dto.NewEvaluationStatusResponse(status, feedback), nil
}

func (s *evaluationService) History(ctx context.Context, userID string, limit, offset int) ([]dto.EvaluationStatusResponse, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errs.New(errs.CodeAuthentication, "caller identity is required")
	}

	statuses, err := s.statuses.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}

	submissionIDs := make([]string, 0, len(statuses))
	for _, status := range statuses {
		if status.Status == models.EvaluationStatusCompleted {
			submissionIDs = append(submissionIDs, status.SubmissionID)
		}
	}

	feedbackBySubmission := make(map[string]models.Feedback, len(submissionIDs))
	if len(submissionIDs) > 0 {
		feedbacks, err := s.feedbacks.ListBySubmissionIDs(ctx, submissionIDs)
		if err != nil {
			return nil, fmt.Errorf("list feedback: %w", err)
		}
		for _, fb := range feedbacks {
			if _, ok := feedbackBySubmission[fb.SubmissionID]; !ok {
				feedbackBySubmission[fb.SubmissionID] = fb
			}
		}
	}

	responses := make([]dto.EvaluationStatusResponse, 0, len(statuses))
	for _, status := range statuses {
		var feedback *models.Feedback
		if fb, ok := feedbackBySubmission[status.SubmissionID]; ok {
			feedback = &fb
		}
		responses = append(responses, dto.NewEvaluationStatusResponse(status, feedback))
	}

	return responses, nil
}

// awaitJob blocks on the dispatcher up to the sync window and shapes the
// outcome. joined marks callers that attached to someone else's job; their
// failed outcomes replay as stored results rather than fresh errors.
func (s *evaluationService) awaitJob(ctx context.Context, jobID, requestID string, joined bool) (dto.EvaluateResponse, error) {
	err := s.dispatcher.Wait(ctx, jobID, s.opts.SyncWait)
	switch {
	case err == nil:
		return s.settledResponse(ctx, jobID, requestID, joined)
	case errors.Is(err, queue.ErrWaitTimeout):
		return s.queuedResponse(jobID), nil
	case errors.Is(err, queue.ErrUnknownJob):
		// Settled and evicted before we attached, or owned by another
		// instance. The stores hold the truth either way.
		return s.settledResponse(ctx, jobID, requestID, joined)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return s.queuedResponse(jobID), nil
	default:
		return s.failedResponse(jobID, err, joined), nil
	}
}

func (s *evaluationService) settledResponse(ctx context.Context, jobID, requestID string, joined bool) (dto.EvaluateResponse, error) {
	record, found, err := s.results.Get(ctx, requestID)
	if err != nil {
		return dto.EvaluateResponse{}, fmt.Errorf("look up result record: %w", err)
	}
	if !found || !record.Terminal() {
		return s.queuedResponse(jobID), nil
	}

	response := s.replayRecord(record)
	response.Replayed = joined
	return response, nil
}

func (s *evaluationService) queuedResponse(jobID string) dto.EvaluateResponse {
	return dto.EvaluateResponse{
		Status:  dto.EvaluateStatusQueued,
		JobID:   jobID,
		PollURL: statusPollPath + jobID,
	}
}

func (s *evaluationService) failedResponse(jobID string, jobErr error, joined bool) dto.EvaluateResponse {
	failure := errs.Normalize(jobErr)
	return dto.EvaluateResponse{
		Status: dto.EvaluateStatusFailed,
		JobID:  jobID,
		Error: &dto.EvaluationError{
			Code:         string(failure.Code),
			Message:      failure.Message,
			RetryAfterMs: failure.RetryAfter.Milliseconds(),
		},
		Replayed: joined,
	}
}

func (s *evaluationService) replayRecord(record store.Record) dto.EvaluateResponse {
	response := dto.EvaluateResponse{
		JobID:    record.JobID,
		Replayed: true,
	}
	switch record.Status {
	case store.StatusCompleted:
		response.Status = dto.EvaluateStatusCompleted
		response.Result = dto.NewFeedbackFromRecord(record)
	case store.StatusFailed:
		response.Status = dto.EvaluateStatusFailed
		response.Error = &dto.EvaluationError{
			Code:    record.ErrorCode,
			Message: record.ErrorMessage,
		}
	default:
		response.Status = dto.EvaluateStatusQueued
		response.PollURL = statusPollPath + record.JobID
	}
	return response
}

// recoverFromRequest serves a requestID whose result record expired but
// whose request row survives: terminal rows are replayed and re-warmed into
// the store, in-flight rows point the caller at the existing job.
func (s *evaluationService) recoverFromRequest(ctx context.Context, requestID string) (dto.EvaluateResponse, error) {
	request, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		s.deleteReservation(ctx, requestID)
		return dto.EvaluateResponse{}, fmt.Errorf("load evaluation request: %w", err)
	}

	switch request.Status {
	case models.EvaluationRequestStatusCompleted:
		feedback, err := s.feedbacks.GetBySubmissionID(ctx, request.SubmissionID)
		if err != nil {
			s.deleteReservation(ctx, requestID)
			return dto.EvaluateResponse{}, fmt.Errorf("load feedback for completed request: %w", err)
		}
		if err := s.results.Complete(ctx, requestID, completedRecord(request.ID, request.JobID, feedback)); err != nil {
			s.logger.Error().Err(err).Str("request_id", requestID).Msg("result record rewarm failed")
		}
		result := dto.NewFeedbackResponse(feedback)
		return dto.EvaluateResponse{
			Status:   dto.EvaluateStatusCompleted,
			JobID:    request.JobID,
			Result:   &result,
			Replayed: true,
		}, nil
	case models.EvaluationRequestStatusFailed:
		if err := s.results.Fail(ctx, requestID, failedRecord(request)); err != nil {
			s.logger.Error().Err(err).Str("request_id", requestID).Msg("result record rewarm failed")
		}
		return dto.EvaluateResponse{
			Status: dto.EvaluateStatusFailed,
			JobID:  request.JobID,
			Error: &dto.EvaluationError{
				Code:    request.ErrorCode,
				Message: request.ErrorMessage,
			},
			Replayed: true,
		}, nil
	default:
		// Still being driven, likely by another instance. Leave the durable
		// rows alone and send the caller to the poll endpoint.
		s.deleteReservation(ctx, requestID)
		return s.queuedResponse(request.JobID), nil
	}
}

// process is the worker body. It re-derives all state from the stores so a
// redelivered job is a no-op replay rather than a second evaluation.
func (s *evaluationService) process(parent context.Context, jobID, requestID, submissionID string) error {
	ctx, span := s.tracer.Start(parent, "evaluation.process", trace.WithAttributes(
		attribute.String("job_id", jobID),
		attribute.String("request_id", requestID),
	))
	defer span.End()

	started := time.Now()

	request, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return fmt.Errorf("load evaluation request: %w", err)
	}
	if request.Terminal() {
		return terminalOutcome(request)
	}

	status, err := s.statuses.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load evaluation status: %w", err)
	}

	// A redelivered run may find the request already marked processing.
	if request.Status != models.EvaluationRequestStatusProcessing {
		if err := request.Transition(models.EvaluationRequestStatusProcessing); err != nil {
			return err
		}
		if err := s.requests.Update(ctx, &request); err != nil {
			if errors.Is(err, models.ErrTerminalState) {
				// Another worker settled it between the load and the update.
				settled, gerr := s.requests.GetByID(ctx, requestID)
				if gerr != nil {
					return fmt.Errorf("load settled request: %w", gerr)
				}
				return terminalOutcome(settled)
			}
			return fmt.Errorf("mark request processing: %w", err)
		}
	}
	s.advance(ctx, &status, models.EvaluationStatusProcessing, models.ProgressAccepted, "validating submission")

	submission, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		return s.fail(ctx, &request, &status, errs.Wrap(errs.CodeNotFound, err, "submission not found"), started)
	}

	if err := validateSubmission(submission); err != nil {
		return s.fail(ctx, &request, &status, err, started)
	}

	span.SetAttributes(attribute.Bool("has_audio", submission.HasAudio()))

	answer := submission.Content
	if submission.HasAudio() {
		transcript, err := s.transcribeAudio(ctx, &request, &status, submission)
		if err != nil {
			if s.fallbackEligible(err) {
				return s.completeWithFallback(ctx, &request, &status, submission, err, started)
			}
			return s.fail(ctx, &request, &status, err, started)
		}
		answer = transcript.Text
	}

	answer = s.sanitizeAnswer(answer)
	if answer == "" {
		return s.fail(ctx, &request, &status, errs.New(errs.CodeValidation, "answer contains no analyzable text"), started)
	}

	s.advance(ctx, &status, models.EvaluationStatusProcessing, models.ProgressAnalyzing, "analyzing answer")

	result, err := s.analyzeAnswer(ctx, &request, submission, answer)
	if err != nil {
		if s.fallbackEligible(err) {
			return s.completeWithFallback(ctx, &request, &status, submission, err, started)
		}
		return s.fail(ctx, &request, &status, err, started)
	}

	s.advance(ctx, &status, models.EvaluationStatusProcessing, models.ProgressAnalyzed, "analysis complete")

	feedback := models.Feedback{
		ID:               uuid.NewString(),
		SubmissionID:     submission.ID,
		Score:            result.Score,
		Feedback:         result.Feedback,
		Strengths:        datatypes.JSONSlice[string](result.Strengths),
		Improvements:     datatypes.JSONSlice[string](result.Improvements),
		Model:            result.Model,
		ProcessingTimeMs: time.Since(started).Milliseconds(),
		GeneratedAt:      time.Now().UTC(),
	}
	if err := feedback.Validate(); err != nil {
		invalid := errs.Wrap(errs.CodeBusinessLogic, err, "analysis produced invalid feedback")
		if s.fallbackEligible(invalid) {
			return s.completeWithFallback(ctx, &request, &status, submission, invalid, started)
		}
		return s.fail(ctx, &request, &status, invalid, started)
	}

	return s.complete(ctx, &request, &status, submission, feedback, started)
}

func (s *evaluationService) transcribeAudio(ctx context.Context, request *models.EvaluationRequest, status *models.EvaluationStatus, submission models.Submission) (speech.Transcript, error) {
	if format := speech.FormatFromURL(submission.AudioReference); format != "" && !s.transcriber.SupportsFormat(format) {
		return speech.Transcript{}, errs.Newf(errs.CodeValidation, "unsupported audio format %q", format)
	}

	s.advance(ctx, status, models.EvaluationStatusProcessing, models.ProgressAudioFetched, "fetching audio")

	var transcript speech.Transcript
	wrapper := resilience.NewWrapper(s.retryPolicy(ctx, request, DependencySpeech), s.speechBreaker)
	err := wrapper.Do(ctx, func(ctx context.Context) error {
		t, terr := s.transcriber.Transcribe(ctx, submission.AudioReference, speech.TranscribeOptions{
			Language: submissionLanguage(submission),
		})
		if terr != nil {
			return terr
		}
		transcript = t
		return nil
	})
	if err != nil {
		return speech.Transcript{}, err
	}

	if strings.TrimSpace(transcript.Text) == "" {
		return speech.Transcript{}, errs.New(errs.CodeValidation, "transcription produced no text")
	}

	s.advance(ctx, status, models.EvaluationStatusProcessing, models.ProgressTranscribed, "audio transcribed")
	s.logger.Debug().
		Str("job_id", status.ID).
		Float64("confidence", transcript.Confidence).
		Float64("duration_sec", transcript.DurationSec).
		Msg("audio transcribed")

	return transcript, nil
}

func (s *evaluationService) analyzeAnswer(ctx context.Context, request *models.EvaluationRequest, submission models.Submission, answer string) (ai.AnalysisResult, error) {
	input := ai.AnalysisInput{
		Answer:     answer,
		QuestionID: submission.QuestionID,
		Question:   submission.Question,
		UserID:     submission.UserID,
		Language:   submissionLanguage(submission),
	}

	var result ai.AnalysisResult
	wrapper := resilience.NewWrapper(s.retryPolicy(ctx, request, DependencyAnalysis), s.analysisBreaker)
	err := wrapper.Do(ctx, func(ctx context.Context) error {
		r, aerr := s.analyzer.Analyze(ctx, input)
		if aerr != nil {
			return aerr
		}
		result = r
		return nil
	})
	if err != nil {
		return ai.AnalysisResult{}, err
	}

	return result, nil
}

// retryPolicy builds the per-job policy for one dependency. The OnAttempt
// hook carries the retry bookkeeping: the request moves to retrying while a
// backoff is pending and back to processing once an attempt lands.
func (s *evaluationService) retryPolicy(ctx context.Context, request *models.EvaluationRequest, dependency string) resilience.Policy {
	return resilience.Policy{
		MaxAttempts: s.opts.RetryMaxAttempts,
		BaseDelay:   s.opts.RetryBaseDelay,
		MaxDelay:    s.opts.RetryMaxDelay,
		Strategy:    resilience.StrategyExponential,
		Jitter:      s.opts.RetryJitter,
		OnAttempt: func(attempt resilience.Attempt) {
			s.observeAttempt(ctx, request, dependency, attempt)
		},
	}
}

func (s *evaluationService) observeAttempt(ctx context.Context, request *models.EvaluationRequest, dependency string, attempt resilience.Attempt) {
	if attempt.Err == nil {
		if request.Status != models.EvaluationRequestStatusRetrying {
			return
		}
		if err := request.Transition(models.EvaluationRequestStatusProcessing); err != nil {
			s.logger.Warn().Err(err).Str("request_id", request.ID).Msg("retry recovery transition rejected")
			return
		}
		if err := s.requests.Update(ctx, request); err != nil {
			s.logger.Error().Err(err).Str("request_id", request.ID).Msg("retry recovery update failed")
		}
		return
	}

	// A positive delay means another attempt follows.
	if attempt.Delay <= 0 {
		return
	}

	observability.RetryAttempts().WithLabelValues(dependency).Inc()

	if request.Status == models.EvaluationRequestStatusProcessing {
		if err := request.Transition(models.EvaluationRequestStatusRetrying); err != nil {
			s.logger.Warn().Err(err).Str("request_id", request.ID).Msg("retry transition rejected")
		}
	}
	if err := request.BumpRetry(); err != nil {
		s.logger.Warn().Err(err).Str("request_id", request.ID).Msg("retry count bump rejected")
	}
	if err := s.requests.Update(ctx, request); err != nil {
		s.logger.Error().Err(err).Str("request_id", request.ID).Msg("retry bookkeeping update failed")
	}

	s.sink.RetryAttempted(ctx, analytics.Event{
		RequestID:    request.ID,
		JobID:        request.JobID,
		SubmissionID: request.SubmissionID,
		Dependency:   dependency,
		Attempt:      attempt.Number,
		ErrorCode:    string(errs.CodeOf(attempt.Err)),
		SentAt:       time.Now().UTC(),
	})
	s.logger.Warn().
		Str("dependency", dependency).
		Str("request_id", request.ID).
		Int("attempt", attempt.Number).
		Dur("delay", attempt.Delay).
		Err(attempt.Err).
		Msg("dependency attempt failed, retrying")
}

// fallbackEligible reports whether a failure may be absorbed by degraded
// feedback: exhausted retries on provider trouble, an open circuit, or an
// unusable analysis payload. Caller-side errors never qualify.
func (s *evaluationService) fallbackEligible(err error) bool {
	if !s.opts.FallbackEnabled {
		return false
	}
	switch errs.CodeOf(err) {
	case errs.CodeLLMService, errs.CodeTimeout, errs.CodeRateLimit, errs.CodeCircuitOpen, errs.CodeBusinessLogic:
		return true
	default:
		return false
	}
}

func (s *evaluationService) completeWithFallback(ctx context.Context, request *models.EvaluationRequest, status *models.EvaluationStatus, submission models.Submission, cause error, started time.Time) error {
	failure := errs.Normalize(cause)
	s.logger.Warn().
		Str("request_id", request.ID).
		Str("code", string(failure.Code)).
		Err(cause).
		Msg("falling back to degraded feedback")

	s.advance(ctx, status, models.EvaluationStatusProcessing, models.ProgressAnalyzed, "generating fallback feedback")

	feedback := models.Feedback{
		ID:           uuid.NewString(),
		SubmissionID: submission.ID,
		Score:        50,
		Feedback: "Automatic evaluation was unavailable for this answer, so a full assessment could not be produced. " +
			"Review your answer against the question: check that it is structured, addresses what was asked, and backs " +
			"claims with concrete examples.",
		Strengths:        datatypes.JSONSlice[string]{"Answer was submitted and recorded for review"},
		Improvements:     datatypes.JSONSlice[string]{"Resubmit later to receive a full automated assessment"},
		Model:            models.FallbackModel,
		ProcessingTimeMs: time.Since(started).Milliseconds(),
		GeneratedAt:      time.Now().UTC(),
	}

	observability.Fallbacks().Inc()
	s.sink.FallbackUsed(ctx, analytics.Event{
		RequestID:    request.ID,
		JobID:        request.JobID,
		SubmissionID: submission.ID,
		UserID:       submission.UserID,
		QuestionID:   submission.QuestionID,
		Model:        models.FallbackModel,
		ErrorCode:    string(failure.Code),
		SentAt:       time.Now().UTC(),
	})

	return s.complete(ctx, request, status, submission, feedback, started)
}

func (s *evaluationService) complete(ctx context.Context, request *models.EvaluationRequest, status *models.EvaluationStatus, submission models.Submission, feedback models.Feedback, started time.Time) error {
	if err := s.feedbacks.Create(ctx, &feedback); err != nil {
		return s.fail(ctx, request, status, errs.Wrap(errs.CodeLLMService, err, "persist feedback"), started)
	}

	if err := request.Transition(models.EvaluationRequestStatusCompleted); err != nil {
		return err
	}
	if err := s.requests.Update(ctx, request); err != nil {
		return fmt.Errorf("mark request completed: %w", err)
	}
	s.advance(ctx, status, models.EvaluationStatusCompleted, models.ProgressDone, "evaluation complete")

	if err := s.results.Complete(ctx, request.ID, completedRecord(request.ID, request.JobID, feedback)); err != nil {
		s.logger.Error().Err(err).Str("request_id", request.ID).Msg("result record write failed")
	}

	duration := time.Since(started)
	observability.Evaluations().WithLabelValues("completed").Inc()
	observability.EvaluationDuration().Observe(duration.Seconds())

	s.sink.SubmissionCompleted(ctx, analytics.Event{
		RequestID:    request.ID,
		JobID:        request.JobID,
		SubmissionID: submission.ID,
		UserID:       submission.UserID,
		QuestionID:   submission.QuestionID,
		Model:        feedback.Model,
		Score:        feedback.Score,
		DurationMs:   duration.Milliseconds(),
		SentAt:       time.Now().UTC(),
	})
	s.logger.Info().
		Str("request_id", request.ID).
		Str("job_id", request.JobID).
		Int("score", feedback.Score).
		Str("model", feedback.Model).
		Dur("duration", duration).
		Msg("evaluation completed")

	return nil
}

func (s *evaluationService) fail(ctx context.Context, request *models.EvaluationRequest, status *models.EvaluationStatus, cause error, started time.Time) error {
	failure := errs.Normalize(cause)

	request.ErrorCode = string(failure.Code)
	request.ErrorMessage = failure.Message
	if err := request.Transition(models.EvaluationRequestStatusFailed); err != nil {
		s.logger.Warn().Err(err).Str("request_id", request.ID).Msg("failure transition rejected")
	} else if err := s.requests.Update(ctx, request); err != nil && !errors.Is(err, models.ErrTerminalState) {
		s.logger.Error().Err(err).Str("request_id", request.ID).Msg("failure update failed")
	}

	status.ErrorCode = string(failure.Code)
	s.advance(ctx, status, models.EvaluationStatusFailed, status.Progress, failure.Message)

	if err := s.results.Fail(ctx, request.ID, failedRecord(*request)); err != nil {
		s.logger.Error().Err(err).Str("request_id", request.ID).Msg("result record write failed")
	}

	duration := time.Since(started)
	observability.Evaluations().WithLabelValues("failed").Inc()
	observability.EvaluationDuration().Observe(duration.Seconds())

	s.sink.SubmissionFailed(ctx, analytics.Event{
		RequestID:    request.ID,
		JobID:        request.JobID,
		SubmissionID: request.SubmissionID,
		ErrorCode:    string(failure.Code),
		DurationMs:   duration.Milliseconds(),
		SentAt:       time.Now().UTC(),
	})
	s.logger.Warn().
		Str("request_id", request.ID).
		Str("job_id", request.JobID).
		Str("code", string(failure.Code)).
		Err(cause).
		Msg("evaluation failed")

	return failure
}

// advance publishes a progress checkpoint. Progress writes are best-effort:
// a refused or failed write is logged and never fails the evaluation.
func (s *evaluationService) advance(ctx context.Context, status *models.EvaluationStatus, state string, progress int, message string) {
	if err := status.Advance(state, progress, message); err != nil {
		s.logger.Warn().Err(err).Str("job_id", status.ID).Msg("status advance rejected")
		return
	}
	if err := s.statuses.Update(ctx, status); err != nil && !errors.Is(err, models.ErrTerminalState) {
		s.logger.Error().Err(err).Str("job_id", status.ID).Msg("status update failed")
	}
}

func (s *evaluationService) sanitizeAnswer(answer string) string {
	sanitized := s.sanitizer.Sanitize(answer)
	return strings.TrimSpace(html.UnescapeString(sanitized))
}

func (s *evaluationService) rollbackIntake(ctx context.Context, requestID, submissionID, jobID string) {
	if err := s.statuses.Delete(ctx, jobID); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("intake rollback failed")
	}
	if err := s.requests.Delete(ctx, requestID); err != nil {
		s.logger.Error().Err(err).Str("request_id", requestID).Msg("intake rollback failed")
	}
	if err := s.submissions.Delete(ctx, submissionID); err != nil {
		s.logger.Error().Err(err).Str("submission_id", submissionID).Msg("intake rollback failed")
	}
	s.deleteReservation(ctx, requestID)
}

func (s *evaluationService) deleteReservation(ctx context.Context, requestID string) {
	if err := s.results.Delete(ctx, requestID); err != nil {
		s.logger.Error().Err(err).Str("request_id", requestID).Msg("reservation release failed")
	}
}

func validateSubmission(submission models.Submission) error {
	if strings.TrimSpace(submission.UserID) == "" {
		return errs.New(errs.CodeValidation, "user id is required")
	}
	if strings.TrimSpace(submission.QuestionID) == "" {
		return errs.New(errs.CodeValidation, "question id is required")
	}
	if !submission.HasContent() && !submission.HasAudio() {
		return errs.New(errs.CodeValidation, "either answer text or an audio reference is required")
	}
	return nil
}

func submissionLanguage(submission models.Submission) string {
	if submission.Metadata == nil {
		return ""
	}
	if language, ok := submission.Metadata["language"].(string); ok {
		return language
	}
	return ""
}

// terminalOutcome converts a settled request row into the job result a
// redelivered run should settle with.
func terminalOutcome(request models.EvaluationRequest) error {
	if request.Status == models.EvaluationRequestStatusCompleted {
		return nil
	}
	failure := errs.New(errs.Code(request.ErrorCode), request.ErrorMessage)
	if request.ErrorCode == "" {
		failure = errs.New(errs.CodeLLMService, "evaluation failed")
	}
	return failure
}

func completedRecord(requestID, jobID string, feedback models.Feedback) store.Record {
	return store.Record{
		RequestID:    requestID,
		JobID:        jobID,
		SubmissionID: feedback.SubmissionID,
		Status:       store.StatusCompleted,
		Feedback: &store.FeedbackRecord{
			Score:            feedback.Score,
			Feedback:         feedback.Feedback,
			Strengths:        feedback.Strengths,
			Improvements:     feedback.Improvements,
			Model:            feedback.Model,
			ProcessingTimeMs: feedback.ProcessingTimeMs,
			GeneratedAt:      feedback.GeneratedAt,
		},
		StoredAt: time.Now().UTC(),
	}
}

func failedRecord(request models.EvaluationRequest) store.Record {
	return store.Record{
		RequestID:    request.ID,
		JobID:        request.JobID,
		SubmissionID: request.SubmissionID,
		Status:       store.StatusFailed,
		ErrorCode:    request.ErrorCode,
		ErrorMessage: request.ErrorMessage,
		StoredAt:     time.Now().UTC(),
	}
}
