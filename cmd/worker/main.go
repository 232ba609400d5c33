package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/chartlens/chartlens/database"
	"github.com/chartlens/chartlens/queue"
	"github.com/chartlens/chartlens/services"
	"github.com/chartlens/chartlens/worker"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	viper.SetConfigFile(".env")
	viper.SetConfigType("env")

	// Set default values
	viper.SetDefault("WORKER_COUNT", 4)
	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("REDIS_PASSWORD", "")
	viper.SetDefault("EMBEDDING_CACHE_DIR", "embeddings_cache")

	if err := viper.ReadInConfig(); err != nil {
		log.Println("Warning: Error reading .env file:", err)
	}
	viper.AutomaticEnv()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal("Failed to create logger:", err)
	}
	defer logger.Sync()

	database.Connect()
	queue.Initialize(logger)

	store := database.NewChartStore(database.DB)
	extractor := services.NewOllamaExtractor()
	cache := services.NewEmbeddingCache(viper.GetString("EMBEDDING_CACHE_DIR"), extractor, logger)
	maps := services.NewMapGenerator(".", logger)

	numWorkers := viper.GetInt("WORKER_COUNT")
	if numWorkers <= 0 {
		numWorkers = 4
	}

	pool := worker.NewWorker(queue.ChartProcessingQueue, numWorkers, store, cache, maps, logger)
	pool.Start()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("stopping workers")
	pool.Stop()
}
