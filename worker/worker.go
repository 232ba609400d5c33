package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/chartlens/chartlens/database"
	"github.com/chartlens/chartlens/models"
	"github.com/chartlens/chartlens/queue"
	"github.com/chartlens/chartlens/services"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
)

// Task types
const (
	TaskTypeProcessChart = "process_chart"
	TaskTypeBackfillMaps = "backfill_maps"
)

// Worker processes chart ingestion tasks from the queue: computing the
// embedding through the cache and deriving visual maps, then attaching both
// to the record with field-level updates.
type Worker struct {
	queueName  string
	numWorkers int
	store      *database.ChartStore
	cache      *services.EmbeddingCache
	maps       *services.MapGenerator
	log        *zap.Logger
	stopChan   chan struct{}
	doneChan   chan struct{}
}

func NewWorker(queueName string, numWorkers int, store *database.ChartStore,
	cache *services.EmbeddingCache, maps *services.MapGenerator, log *zap.Logger) *Worker {
	return &Worker{
		queueName:  queueName,
		numWorkers: numWorkers,
		store:      store,
		cache:      cache,
		maps:       maps,
		log:        log,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
}

// Start begins processing tasks from the queue.
func (w *Worker) Start() {
	w.log.Info("starting workers", zap.Int("count", w.numWorkers), zap.String("queue", w.queueName))
	for i := range w.numWorkers {
		go w.processItems(i)
	}
}

// Stop signals the workers to stop and waits for them to finish.
func (w *Worker) Stop() {
	close(w.stopChan)
	for range w.numWorkers {
		<-w.doneChan
	}
	w.log.Info("all workers stopped")
}

// processItems continuously processes tasks from the queue.
func (w *Worker) processItems(workerID int) {
	w.log.Info("worker started", zap.Int("worker", workerID))
	defer func() {
		w.log.Info("worker stopped", zap.Int("worker", workerID))
		w.doneChan <- struct{}{}
	}()

	for {
		select {
		case <-w.stopChan:
			return
		default:
			task, err := queue.Dequeue(w.queueName, 5*time.Second)
			if err != nil {
				w.log.Error("error dequeueing task", zap.Error(err))
				time.Sleep(1 * time.Second)
				continue
			}

			if task == nil {
				time.Sleep(500 * time.Millisecond)
				continue
			}

			w.log.Info("processing task",
				zap.Int("worker", workerID),
				zap.String("task", task.TaskID),
				zap.String("type", task.TaskType))

			if err := queue.SetTaskStatus(task.TaskID, "processing"); err != nil {
				w.log.Error("error updating task status", zap.Error(err))
			}

			var result map[string]any
			var processErr error
			switch task.TaskType {
			case TaskTypeProcessChart:
				result, processErr = w.processChartTask(task)
			case TaskTypeBackfillMaps:
				result, processErr = w.backfillMapsTask()
			default:
				result = map[string]any{"error": "unknown task type"}
			}

			if processErr != nil {
				w.log.Error("task failed", zap.String("task", task.TaskID), zap.Error(processErr))
				if err := queue.SetTaskStatus(task.TaskID, "failed"); err != nil {
					w.log.Error("error updating task status", zap.Error(err))
				}
				if err := queue.StoreTaskResult(task.TaskID, map[string]any{
					"error": processErr.Error(),
				}); err != nil {
					w.log.Error("error storing task result", zap.Error(err))
				}
			} else {
				if err := queue.SetTaskStatus(task.TaskID, "completed"); err != nil {
					w.log.Error("error updating task status", zap.Error(err))
				}
				if err := queue.StoreTaskResult(task.TaskID, result); err != nil {
					w.log.Error("error storing task result", zap.Error(err))
				}
			}
		}
	}
}

// processChartTask attaches the embedding and derived maps to one uploaded
// chart. Map derivation failures never fail the task; the embedding path
// does, since analysis retrieval depends on it.
func (w *Worker) processChartTask(task *queue.TaskPayload) (map[string]any, error) {
	chartID, ok := task.Data["chart_id"].(float64)
	if !ok {
		return nil, fmt.Errorf("task %s has no chart_id", task.TaskID)
	}

	ctx := context.Background()
	rec, err := w.store.GetChart(ctx, uint(chartID))
	if err != nil {
		return nil, err
	}

	imageBytes, err := os.ReadFile(rec.FilePath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rec.FilePath, err)
	}

	vec, err := w.cache.GetOrCompute(ctx, rec.FilePath, services.Digest(imageBytes))
	if err != nil {
		return nil, err
	}
	if err := w.store.UpdateChartField(ctx, rec.ID, "embedding", pgvector.NewVector(vec)); err != nil {
		return nil, err
	}

	set := w.attachMaps(ctx, rec)

	return map[string]any{
		"id":       rec.ID,
		"filename": rec.Filename,
		"depth":    set.Depth,
		"edge":     set.Edge,
		"gradient": set.Gradient,
	}, nil
}

// backfillMapsTask re-derives maps for every stored chart still missing one.
func (w *Worker) backfillMapsTask() (map[string]any, error) {
	ctx := context.Background()
	recs, err := w.store.ChartsMissingMaps(ctx)
	if err != nil {
		return nil, err
	}

	for i := range recs {
		w.attachMaps(ctx, &recs[i])
	}

	return map[string]any{"processed": len(recs)}, nil
}

func (w *Worker) attachMaps(ctx context.Context, rec *models.ChartRecord) models.VisualMapSet {
	set := w.maps.GenerateAll(rec.FilePath)

	attach := func(column, path string) {
		if path == "" {
			return
		}
		if err := w.store.UpdateChartField(ctx, rec.ID, column, path); err != nil {
			w.log.Warn("failed to attach map path",
				zap.Uint("id", rec.ID), zap.String("column", column), zap.Error(err))
		}
	}
	attach("depth_map_path", set.Depth)
	attach("edge_map_path", set.Edge)
	attach("gradient_map_path", set.Gradient)
	return set
}
