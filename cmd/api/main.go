package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/prepstack/eval-go-api/internal/analytics"
	"github.com/prepstack/eval-go-api/internal/config"
	"github.com/prepstack/eval-go-api/internal/database"
	"github.com/prepstack/eval-go-api/internal/handler"
	"github.com/prepstack/eval-go-api/internal/middleware"
	"github.com/prepstack/eval-go-api/internal/models"
	"github.com/prepstack/eval-go-api/internal/observability"
	"github.com/prepstack/eval-go-api/internal/queue"
	"github.com/prepstack/eval-go-api/internal/repository"
	"github.com/prepstack/eval-go-api/internal/router"
	"github.com/prepstack/eval-go-api/internal/service"
	"github.com/prepstack/eval-go-api/internal/store"
	"github.com/prepstack/eval-go-api/pkg/ai"
	"github.com/prepstack/eval-go-api/pkg/speech"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	observability.RegisterMetrics()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(&models.Submission{}, &models.EvaluationRequest{}, &models.EvaluationStatus{}, &models.Feedback{}); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	var sink analytics.Sink = analytics.NewNopSink()
	if cfg.NATSUrl != "" {
		natsConn, err := database.ConnectNATS(cfg.NATSUrl)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Close()
		sink = analytics.NewNATSSink(natsConn, "eval", logger)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	submissionRepo := repository.NewSubmissionRepository(db)
	requestRepo := repository.NewEvaluationRequestRepository(db)
	statusRepo := repository.NewEvaluationStatusRepository(db)
	feedbackRepo := repository.NewFeedbackRepository(db)

	resultStore := store.NewRedisStore(redisClient, cfg.ResultTTL, logger)

	var analyzer ai.Analyzer
	switch cfg.AIProvider {
	case "anthropic":
		analyzer, err = ai.NewAnthropicAnalyzer(ai.AnthropicConfig{
			APIKey: cfg.AnthropicAPIKey,
			Model:  cfg.AIModel,
		})
	default:
		analyzer, err = ai.NewOpenAIAnalyzer(ai.OpenAIConfig{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.AIModel,
			Logger: logger,
		})
	}
	if err != nil {
		log.Fatalf("failed to create analyzer: %v", err)
	}

	transcriber, err := speech.NewWhisperTranscriber(speech.WhisperConfig{
		APIKey:   cfg.OpenAIAPIKey,
		Model:    cfg.SpeechModel,
		MaxBytes: cfg.SpeechMaxBytes,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("failed to create transcriber: %v", err)
	}

	dispatcher := queue.NewDispatcher(cfg.QueueWorkers, cfg.QueueBuffer, cfg.QueueRedeliverLimit, logger)
	jobCtx, stopJobs := context.WithCancel(context.Background())
	defer stopJobs()
	dispatcher.Start(jobCtx)

	evaluationService := service.NewEvaluationService(service.EvaluationDeps{
		Submissions: submissionRepo,
		Requests:    requestRepo,
		Statuses:    statusRepo,
		Feedbacks:   feedbackRepo,
		Results:     resultStore,
		Dispatcher:  dispatcher,
		Transcriber: transcriber,
		Analyzer:    analyzer,
		Analytics:   sink,
		Validator:   validate,
		Logger:      logger,
	}, service.EvaluationOptions{
		SyncWait:         cfg.SyncWait,
		RetryMaxAttempts: cfg.RetryMaxAttempts,
		RetryBaseDelay:   cfg.RetryBaseDelay,
		RetryMaxDelay:    cfg.RetryMaxDelay,
		RetryJitter:      cfg.RetryJitter,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerOpenFor:   cfg.BreakerOpenFor,
		FallbackEnabled:  cfg.FallbackEnabled,
	})

	evaluationHandler := handler.NewEvaluationHandler(evaluationService, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		EvaluationHandler: evaluationHandler,
		JWTMiddleware:     middleware.JWTProtected(cfg.JWTSecret),
		RateLimiter:       middleware.RateLimit("evaluate", cfg.RateLimitMax, cfg.RateLimitWindow),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, dispatcher)
}

func waitForShutdown(app *fiber.App, dispatcher *queue.Dispatcher) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelDrain()

	if err := dispatcher.Shutdown(drainCtx); err != nil {
		log.Printf("job drain incomplete: %v", err)
	}

	log.Println("server stopped")
}
