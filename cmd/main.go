package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/docsense/docsense-backend/internal/clients/redis"
	"github.com/docsense/docsense-backend/internal/db"
	"github.com/docsense/docsense-backend/internal/handlers"
	"github.com/docsense/docsense-backend/internal/logger"
	"github.com/docsense/docsense-backend/internal/observability"
	"github.com/docsense/docsense-backend/internal/repos"
	"github.com/docsense/docsense-backend/internal/server"
	"github.com/docsense/docsense-backend/internal/services"
	"github.com/docsense/docsense-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Tracing
	shutdownOtel := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "docsense",
		Environment: utils.GetEnv("DEPLOY_ENV", "development", log),
		Version:     utils.GetEnv("SERVICE_VERSION", "dev", log),
	})
	if shutdownOtel != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownOtel(ctx)
		}()
	}

	// RAG configuration, resolved once and passed in explicitly
	ragConfig := services.RAGConfig{
		Enabled:             utils.GetEnvAsBool("RAG_ENABLED", true, log),
		SimilarityThreshold: utils.GetEnvAsFloat("RAG_SIMILARITY_THRESHOLD", 0.85, log),
		HighConfidence:      utils.GetEnvAsFloat("RAG_HIGH_CONFIDENCE", 0.95, log),
		EmbeddingDim:        utils.GetEnvAsInt("RAG_EMBEDDING_DIM", 1536, log),
		MinEmbedChars:       utils.GetEnvAsInt("RAG_MIN_EMBED_CHARS", 16, log),
		SearchLimit:         utils.GetEnvAsInt("RAG_SEARCH_LIMIT", 5, log),
	}

	// Database
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Database init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Warn("Auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up repos from main...")
	documentRepo := repos.NewDocumentRepo(thePG, log)

	// Clients
	log.Info("Setting up clients from main...")
	openaiClient, err := services.NewOpenAIClient(log)
	if err != nil {
		log.Error("Could not init OpenAIClient", "error", err)
		os.Exit(1)
	}

	var resultCache services.ResultCache
	if cache, err := redis.NewResultCache(log); err != nil {
		log.Warn("Result cache disabled", "error", err)
	} else {
		resultCache = cache
		defer cache.Close()
	}

	var visionProvider services.VisionProviderService
	if vp, err := services.NewVisionProviderService(context.Background(), log); err != nil {
		log.Warn("Vision OCR disabled", "error", err)
	} else {
		visionProvider = vp
		defer vp.Close()
	}

	// Services
	log.Info("Setting up services from main...")
	extractionService := services.NewExtractionService(log, visionProvider)
	ragService := services.NewRAGService(thePG, log, documentRepo, openaiClient, resultCache, ragConfig)

	// Handlers
	log.Info("Setting up handlers from main...")
	documentHandler := handlers.NewDocumentHandler(log, ragService, extractionService)

	// Router
	log.Info("Setting up router from main...")
	var origins []string
	if raw := utils.GetEnv("CORS_ALLOWED_ORIGINS", "", log); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}
	router := server.NewRouter(server.RouterConfig{
		ServiceName:     "docsense",
		AllowedOrigins:  origins,
		DocumentHandler: documentHandler,
	})

	port := utils.GetEnv("PORT", "8080", log)
	log.Info("Server listening", "port", port)
	if err := router.Run(":" + port); err != nil {
		log.Error("Server failed", "error", err)
	}
}
