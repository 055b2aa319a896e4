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
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/feedback-playground-api/internal/config"
	"github.com/noah-isme/feedback-playground-api/internal/database"
	"github.com/noah-isme/feedback-playground-api/internal/handler"
	"github.com/noah-isme/feedback-playground-api/internal/middleware"
	"github.com/noah-isme/feedback-playground-api/internal/models"
	"github.com/noah-isme/feedback-playground-api/internal/modules"
	"github.com/noah-isme/feedback-playground-api/internal/repository"
	"github.com/noah-isme/feedback-playground-api/internal/router"
	"github.com/noah-isme/feedback-playground-api/internal/service"
	"github.com/noah-isme/feedback-playground-api/pkg/ai"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()

	db, err := database.Connect(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(
		&models.Exercise{},
		&models.Submission{},
		&models.Feedback{},
		&models.ExpertEvaluationConfig{},
		&models.ExpertEvaluationProgress{},
	); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	// Redis and NATS are optional; without them runs are only visible on this node.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	}

	natsConn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName)
	if err != nil {
		log.Fatalf("failed to connect to nats: %v", err)
	}
	if natsConn != nil {
		defer natsConn.Drain()
	}

	registry := modules.NewRegistry(modules.HTTPConfig{
		BaseURL:       cfg.ModuleManagerURL,
		Secret:        cfg.ModuleManagerSecret,
		ServerURL:     cfg.LMSServerURL,
		Timeout:       cfg.ModuleTimeout,
		Logger:        logger,
		CorrelationID: middleware.CorrelationIDFromContext,
	}, cfg.Modules, redisClient, cfg.ModuleHealthTTL)

	if cfg.AIProvider == "openai" {
		suggester, err := ai.NewOpenAISuggester(ai.OpenAIConfig{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.OpenAIModel,
			Logger: logger,
		})
		if err != nil {
			log.Fatalf("failed to create openai suggester: %v", err)
		}
		registry.RegisterLocal(string(models.ExerciseTypeText), "local_openai", func() modules.Client {
			return modules.NewLocal(suggester)
		})
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	exerciseRepo := repository.NewExerciseRepository(db)
	submissionRepo := repository.NewSubmissionRepository(db)
	feedbackRepo := repository.NewFeedbackRepository(db)
	expertRepo := repository.NewExpertEvaluationRepository(db)

	experimentService := service.NewExperimentService(service.ExperimentServiceDeps{
		Exercises:   exerciseRepo,
		Submissions: submissionRepo,
		Feedbacks:   feedbackRepo,
		Resolver:    registry,
		Redis:       redisClient,
		NATS:        natsConn,
		ChannelBase: cfg.EventsChannel,
		Validator:   validate,
		Logger:      logger,
	})
	moduleService := service.NewModuleService(registry, logger)
	expertService := service.NewExpertEvaluationService(expertRepo, redisClient, cfg.ExpertConfigCacheTTL, validate, logger)

	runCtx, stopRuns := context.WithCancel(context.Background())
	defer stopRuns()
	experimentService.Start(runCtx)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AllowOrigins: cfg.CORSAllowOrigins})
	router.Register(app, cfg, router.Dependencies{
		ExperimentHandler:       handler.NewExperimentHandler(experimentService, logger, cfg.StreamKeepAlive),
		ExerciseHandler:         handler.NewExerciseHandler(experimentService, logger),
		ModuleHandler:           handler.NewModuleHandler(moduleService, validate, logger),
		ExpertEvaluationHandler: handler.NewExpertEvaluationHandler(expertService, logger),
		ModuleHealth:            registry,
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	logger.Info().Str("address", cfg.HTTPAddress()).Msg("playground api started")
	waitForShutdown(app, stopRuns)
}

func waitForShutdown(app *fiber.App, stopRuns context.CancelFunc) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	// Discard running experiments first so open streams end.
	stopRuns()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
