package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/chartlens/chartlens/database"
	"github.com/chartlens/chartlens/models"
	"github.com/chartlens/chartlens/queue"
	"github.com/chartlens/chartlens/services"
	"github.com/chartlens/chartlens/worker"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type server struct {
	store    *database.ChartStore
	analyzer *services.Analyzer
	index    *services.SimilarityIndex
	log      *zap.Logger
}

func (s *server) uploadChart(w http.ResponseWriter, r *http.Request) {
	uploadsDir := "uploads"
	if err := os.MkdirAll(uploadsDir, 0755); err != nil {
		http.Error(w, "Failed to create uploads directory", http.StatusInternalServerError)
		return
	}

	r.ParseMultipartForm(10 << 20) // 10M max upload size
	file, handler, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "Failed to upload file: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()

	filePath := fmt.Sprintf("%s/%d_%s", uploadsDir, time.Now().UnixNano(), handler.Filename)

	out, err := os.Create(filePath)
	if err != nil {
		http.Error(w, "Failed to save file: "+err.Error(), http.StatusInternalServerError)
		return
	}
	defer out.Close()

	if _, err := io.Copy(out, file); err != nil {
		http.Error(w, "Failed while copying file: "+err.Error(), http.StatusInternalServerError)
		return
	}

	rec := models.ChartRecord{
		Filename:   handler.Filename,
		FilePath:   filePath,
		Instrument: r.FormValue("instrument"),
		Timeframe:  r.FormValue("timeframe"),
		Session:    r.FormValue("session"),
	}
	if err := s.store.CreateChart(r.Context(), &rec); err != nil {
		http.Error(w, "Failed to save to database: "+err.Error(), http.StatusInternalServerError)
		return
	}

	// Embedding and visual maps are attached by the background worker; the
	// record is usable for analysis before they land.
	taskID, err := queue.Enqueue(queue.ChartProcessingQueue, worker.TaskTypeProcessChart,
		map[string]any{"chart_id": rec.ID})
	if err != nil {
		s.log.Warn("failed to enqueue chart processing", zap.Uint("id", rec.ID), zap.Error(err))
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{"id": rec.ID, "task_id": taskID})
}

func (s *server) analyzeChart(w http.ResponseWriter, r *http.Request) {
	var req models.AnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	result, err := s.analyzer.Analyze(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInput):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, services.ErrUpstreamModel):
			http.Error(w, err.Error(), http.StatusBadGateway)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(result)
}

func (s *server) searchSimilar(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChartID uint `json:"chartId"`
		TopK    int  `json:"topK"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	rec, err := s.store.GetChart(r.Context(), req.ChartID)
	if err != nil {
		http.Error(w, "Chart not found", http.StatusNotFound)
		return
	}
	if rec.Embedding == nil {
		http.Error(w, "Chart has no embedding yet", http.StatusConflict)
		return
	}

	neighbors, err := s.index.FindSimilar(r.Context(), rec.Embedding.Slice(), rec.ID, req.TopK)
	if err != nil {
		http.Error(w, "Failed to search: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(neighbors)
}

func (s *server) taskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]

	status, err := queue.GetTaskStatus(taskID)
	if err != nil {
		http.Error(w, "Failed to read task status: "+err.Error(), http.StatusInternalServerError)
		return
	}
	result, _ := queue.GetTaskResult(taskID)

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{"status": status, "result": result})
}

func staticDir(r *mux.Router, prefix, dir string) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Fatal("Failed to create directory:", err)
	}
	fs := http.FileServer(http.Dir(dir))
	r.PathPrefix(prefix).Handler(http.StripPrefix(prefix, fs))
}

func main() {
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
	index := services.NewSimilarityIndex(database.DB)
	assembler := services.NewPromptAssembler(".", viper.GetString("PUBLIC_BASE_URL"), logger)

	adapter, err := services.NewModelAdapter(logger)
	if err != nil {
		logger.Fatal("failed to init model adapter", zap.Error(err))
	}

	topK := viper.GetInt("SIMILAR_TOP_K")
	analyzer := services.NewAnalyzer(store, cache, maps, index, assembler, adapter, topK, logger)

	s := &server{store: store, analyzer: analyzer, index: index, log: logger}

	r := mux.NewRouter()
	r.HandleFunc("/upload", s.uploadChart).Methods("POST")
	r.HandleFunc("/analyze", s.analyzeChart).Methods("POST")
	r.HandleFunc("/search", s.searchSimilar).Methods("POST")
	r.HandleFunc("/tasks/{id}", s.taskStatus).Methods("GET")

	// Serve originals and derived maps so similar-item links resolve
	staticDir(r, "/uploads/", "uploads")
	staticDir(r, "/depthmaps/", "depthmaps")
	staticDir(r, "/edgemaps/", "edgemaps")
	staticDir(r, "/gradientmaps/", "gradientmaps")

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	handler := c.Handler(r)

	port := viper.GetInt("PORT")
	if port == 0 {
		port = 8080
	}

	logger.Info("server running", zap.Int("port", port))
	log.Fatal(http.ListenAndServe(":"+strconv.Itoa(port), handler))
}

func init() {
	viper.SetConfigFile(".env")
	viper.SetConfigType("env")

	viper.SetDefault("EMBEDDING_CACHE_DIR", "embeddings_cache")
	viper.SetDefault("SIMILAR_TOP_K", services.DefaultTopK)

	if err := viper.ReadInConfig(); err != nil {
		log.Println("Warning: Error reading .env file:", err)
	}
	viper.AutomaticEnv()
}
