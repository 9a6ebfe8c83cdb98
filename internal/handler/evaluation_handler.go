package handler

import (
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/prepstack/eval-go-api/internal/dto"
	"github.com/prepstack/eval-go-api/internal/errs"
	"github.com/prepstack/eval-go-api/internal/queue"
	"github.com/prepstack/eval-go-api/internal/service"
	"github.com/prepstack/eval-go-api/internal/utils"
)

// EvaluationHandler exposes the answer evaluation endpoints.
type EvaluationHandler struct {
	service service.EvaluationService
	logger  zerolog.Logger
}

// NewEvaluationHandler constructs an evaluation handler.
func NewEvaluationHandler(service service.EvaluationService, logger zerolog.Logger) *EvaluationHandler {
	return &EvaluationHandler{
		service: service,
		logger:  logger.With().Str("component", "evaluation_handler").Logger(),
	}
}

// Register wires evaluation routes.
func (h *EvaluationHandler) Register(router fiber.Router) {
	router.Post("", h.evaluate)
	router.Get("/status/:jobID", h.status)
	router.Get("/history", h.history)
}

func (h *EvaluationHandler) evaluate(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendErrorPayload(c, fiber.StatusUnauthorized, utils.ErrorPayload{
			Code:    string(errs.CodeAuthentication),
			Message: "authentication required",
		})
	}

	var payload dto.EvaluateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendErrorPayload(c, fiber.StatusBadRequest, utils.ErrorPayload{
			Code:    string(errs.CodeValidation),
			Message: "invalid payload",
		})
	}

	response, err := h.service.Submit(c.Context(), userID, payload)
	if err != nil {
		return h.handleError(c, err)
	}

	switch {
	case response.Status == dto.EvaluateStatusQueued:
		return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "evaluation queued", response)
	case response.Status == dto.EvaluateStatusFailed && !response.Replayed:
		status := httpStatusFor(errs.Code(response.Error.Code))
		setRetryAfterHeader(c, time.Duration(response.Error.RetryAfterMs)*time.Millisecond)
		return utils.SendFailure(c, status, utils.ErrorPayload{
			Code:         response.Error.Code,
			Message:      response.Error.Message,
			RetryAfterMs: response.Error.RetryAfterMs,
		}, response)
	case response.Status == dto.EvaluateStatusFailed:
		return utils.SendSuccess(c, "evaluation previously failed", response)
	default:
		return utils.SendSuccess(c, "evaluation completed", response)
	}
}

func (h *EvaluationHandler) status(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendErrorPayload(c, fiber.StatusUnauthorized, utils.ErrorPayload{
			Code:    string(errs.CodeAuthentication),
			Message: "authentication required",
		})
	}

	response, err := h.service.Status(c.Context(), userID, c.Params("jobID"))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "evaluation status", response)
}

func (h *EvaluationHandler) history(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendErrorPayload(c, fiber.StatusUnauthorized, utils.ErrorPayload{
			Code:    string(errs.CodeAuthentication),
			Message: "authentication required",
		})
	}

	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "limit must be an integer")
	}
	offset, err := parseQueryInt(c, "offset")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "offset must be an integer")
	}

	responses, err := h.service.History(c.Context(), userID, limit, offset)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "evaluation history", responses)
}

func (h *EvaluationHandler) handleError(c *fiber.Ctx, err error) error {
	log := requestLogger(h.logger, c)

	if isValidationError(err) {
		return utils.SendErrorPayload(c, fiber.StatusBadRequest, utils.ErrorPayload{
			Code:    string(errs.CodeValidation),
			Message: err.Error(),
		})
	}

	if errors.Is(err, queue.ErrQueueFull) {
		log.Warn().Msg("evaluation rejected, queue full")
		return utils.SendError(c, fiber.StatusServiceUnavailable, "evaluation queue is full, retry shortly")
	}

	var failure *errs.Error
	if errors.As(err, &failure) {
		status := httpStatusFor(failure.Code)
		if status >= fiber.StatusInternalServerError {
			log.Error().Err(err).Msg("evaluation request failed")
		}
		setRetryAfterHeader(c, failure.RetryAfter)
		return utils.SendErrorPayload(c, status, utils.ErrorPayload{
			Code:         string(failure.Code),
			Message:      failure.Message,
			RetryAfterMs: failure.RetryAfter.Milliseconds(),
		})
	}

	log.Error().Err(err).Msg("unhandled evaluation error")
	return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
}

func httpStatusFor(code errs.Code) int {
	switch code {
	case errs.CodeValidation:
		return fiber.StatusBadRequest
	case errs.CodeAuthentication:
		return fiber.StatusUnauthorized
	case errs.CodeNotFound:
		return fiber.StatusNotFound
	case errs.CodeRateLimit:
		return fiber.StatusTooManyRequests
	case errs.CodeBusinessLogic:
		return fiber.StatusUnprocessableEntity
	case errs.CodeLLMService:
		return fiber.StatusBadGateway
	case errs.CodeTimeout:
		return fiber.StatusGatewayTimeout
	case errs.CodeCircuitOpen:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func setRetryAfterHeader(c *fiber.Ctx, retryAfter time.Duration) {
	if retryAfter <= 0 {
		return
	}
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	c.Set(fiber.HeaderRetryAfter, strconv.Itoa(seconds))
}
