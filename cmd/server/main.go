package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/peoplemarket/server/internal/api"
	"github.com/peoplemarket/server/internal/config"
	"github.com/peoplemarket/server/internal/events"
	"github.com/peoplemarket/server/internal/idempotency"
	"github.com/peoplemarket/server/internal/repository"
	"github.com/peoplemarket/server/internal/service"
	"github.com/peoplemarket/server/internal/utils"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()

	logger := utils.NewLogger()
	defer logger.Sync()

	// Set up database connection
	db, err := config.SetupDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to set up database: %v", err)
	}
	defer db.Close()

	// Create repository
	repo := repository.NewPostgresRepository(db)

	// Select the idempotency backend
	var keys idempotency.Store = repo
	if cfg.Idempotency.Backend == "redis" {
		redisStore, err := idempotency.NewRedisStore(cfg.Idempotency.RedisAddr)
		if err != nil {
			log.Fatalf("Failed to connect redis: %v", err)
		}
		defer redisStore.Close()
		keys = redisStore
	} else {
		// Postgres keys need a sweep; Redis expires its own.
		go sweepIdempotencyKeys(repo, logger)
	}

	// Purchase events are optional; without a broker they are dropped.
	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.Events.RabbitURL != "" {
		rabbit, err := events.NewRabbitPublisher(cfg.Events.RabbitURL, cfg.Events.Queue)
		if err != nil {
			log.Fatalf("Failed to connect rabbitmq: %v", err)
		}
		defer rabbit.Close()
		publisher = rabbit
	}

	// Create service
	svc := service.NewDefaultService(repo, keys, publisher, logger, cfg.Auth.JWTSecret)

	// Create API handler
	handler := api.NewHandler(svc, []byte(cfg.Auth.JWTSecret))

	// Set up Gin router
	router := gin.Default()
	handler.SetupRoutes(router)

	// Start server
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	logger.Info("Starting server on %s", serverAddr)
	if err := http.ListenAndServe(serverAddr, router); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// sweepIdempotencyKeys periodically deletes keys past the retention window.
func sweepIdempotencyKeys(repo *repository.PostgresRepository, logger *utils.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().UTC().Add(-idempotency.TTL)
		deleted, err := repo.DeleteExpiredIdempotencyKeys(context.Background(), cutoff)
		if err != nil {
			logger.Error("Failed to sweep idempotency keys: %v", err)
			continue
		}
		if deleted > 0 {
			logger.Info("Swept %d expired idempotency keys", deleted)
		}
	}
}
