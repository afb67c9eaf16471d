package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"health-program-service/consumer"
	"health-program-service/handlers"
	"health-program-service/middleware"
	"health-program-service/models"
	"health-program-service/monitoring"
	"health-program-service/utils"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
)

func main() {
	logger := log.New(os.Stdout, "HEALTH-PROGRAMS: ", log.LstdFlags|log.Lshortfile)

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := utils.InitSentry(dsn); err != nil {
			logger.Printf("Sentry disabled: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	monitoring.Init()

	repo, err := models.NewPostgresRepository()
	if err != nil {
		logger.Fatalf("Failed to initialize repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Printf("Error closing database connection: %v", err)
		}
	}()

	var redisClient utils.RedisClient
	maxRetries := 5
	retryDelay := 3 * time.Second

	for i := 0; i < maxRetries; i++ {
		redisClient, err = utils.NewRedisClient()
		if err == nil {
			break
		}
		logger.Printf("Attempt %d: Failed to connect to Redis: %v", i+1, err)
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}
	if err != nil {
		logger.Fatalf("Failed to initialize Redis after %d attempts: %v", maxRetries, err)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Printf("Error closing Redis connection: %v", err)
		}
	}()

	kafkaProducer, err := utils.NewKafkaProducer()
	if err != nil {
		logger.Printf("Kafka unavailable, events disabled: %v", err)
		kafkaProducer = nil
	} else {
		defer func() {
			if err := kafkaProducer.Close(); err != nil {
				logger.Printf("Error closing Kafka producer: %v", err)
			}
		}()
	}

	esClient, err := utils.NewElasticsearchClient()
	if err != nil {
		logger.Printf("Elasticsearch unavailable, indexing disabled: %v", err)
		esClient = nil
	}

	if kafkaProducer != nil {
		clientConsumer := consumer.NewClientConsumer(repo, redisClient, esClient)
		consumerCtx, cancelConsumer := context.WithCancel(context.Background())
		defer cancelConsumer()
		clientConsumer.Start(consumerCtx)
		defer clientConsumer.Stop()
	}

	clientHandler := handlers.NewClientHandler(repo, kafkaProducer)
	programHandler := handlers.NewProgramHandler(repo, kafkaProducer)

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(middleware.SentryMiddleware())
	router.Use(middleware.ErrorHandler())
	router.Use(middleware.PrometheusMetrics())

	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := redisClient.SetToCache(ctx, "healthcheck", "ping", 10*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "degraded",
				"details": gin.H{"redis": "unavailable"},
				"error":   err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"details": gin.H{"redis": "available"},
		})
	})
	router.GET("/metrics", gin.WrapH(monitoring.Handler()))

	programs := router.Group("/programs")
	{
		programs.POST("", programHandler.CreateProgram)
		programs.GET("", programHandler.ListPrograms)
		programs.GET("/:id", programHandler.GetProgram)
		programs.PUT("/:id", programHandler.UpdateProgram)
		programs.DELETE("/:id", programHandler.DeleteProgram)
		programs.GET("/:id/clients", programHandler.ListProgramClients)
	}

	clients := router.Group("/clients")
	{
		clients.POST("", clientHandler.RegisterClient)
		clients.GET("", clientHandler.ListClients)
		clients.GET("/:id", clientHandler.GetClient)
		clients.PUT("/:id", clientHandler.UpdateClient)
		clients.DELETE("/:id", clientHandler.DeleteClient)
		clients.POST("/:id/enroll", clientHandler.BulkEnroll)
		clients.GET("/:id/programs", clientHandler.ListClientPrograms)
		clients.POST("/:id/programs/:program_id", clientHandler.EnrollInProgram)
		clients.DELETE("/:id/programs/:program_id", clientHandler.RemoveFromProgram)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logger.Printf("Server is running on port %s", port)
	if err := http.ListenAndServe(":"+port, router); err != nil {
		logger.Fatalf("Server error: %v", err)
	}
}
