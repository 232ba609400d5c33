package services

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/chartlens/chartlens/models"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
)

// ChartStore is the slice of the chart storage collaborator the analyzer
// needs.
type ChartStore interface {
	GetChart(ctx context.Context, id uint) (*models.ChartRecord, error)
	UpdateChartField(ctx context.Context, id uint, column string, value any) error
}

// SimilarFinder answers nearest-neighbor queries; *SimilarityIndex is the
// production implementation.
type SimilarFinder interface {
	FindSimilar(ctx context.Context, query []float32, selfID uint, k int) ([]Neighbor, error)
}

// ModelInvoker issues the single vision-model call per analysis.
type ModelInvoker interface {
	Invoke(ctx context.Context, prompt *AssembledPrompt) (map[string]any, string, error)
}

// Analyzer composes the pipeline: image -> embedding (cached) -> maps
// (generated or discovered) -> similar charts (retrieved) -> prompt
// (assembled) -> model call -> normalized result.
type Analyzer struct {
	store     ChartStore
	cache     *EmbeddingCache
	maps      *MapGenerator
	index     SimilarFinder
	assembler *PromptAssembler
	model     ModelInvoker
	topK      int
	log       *zap.Logger
}

func NewAnalyzer(store ChartStore, cache *EmbeddingCache, maps *MapGenerator,
	index SimilarFinder, assembler *PromptAssembler, model ModelInvoker,
	topK int, log *zap.Logger) *Analyzer {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Analyzer{
		store:     store,
		cache:     cache,
		maps:      maps,
		index:     index,
		assembler: assembler,
		model:     model,
		topK:      topK,
		log:       log,
	}
}

// Analyze runs one analysis request end to end. Input and dimension errors
// stop the pipeline before any model call; model failures surface as
// ErrUpstreamModel; malformed model output and missing optional maps are
// absorbed into the normalized result.
func (a *Analyzer) Analyze(ctx context.Context, req models.AnalysisRequest) (*models.AnalysisResult, error) {
	var rec *models.ChartRecord
	if req.ChartID != 0 {
		var err error
		rec, err = a.store.GetChart(ctx, req.ChartID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInput, err)
		}
		if req.Target.Original == "" {
			req.Target = rec.VisualMaps()
		}
	}

	if req.Target.Original == "" {
		return nil, fmt.Errorf("%w: request has no target image", ErrInput)
	}

	// Discover maps from the stored record; derive the missing ones so the
	// prompt carries every layer we can produce.
	if a.maps != nil && (req.Target.Depth == "" || req.Target.Edge == "" || req.Target.Gradient == "") {
		derived := a.maps.GenerateAll(req.Target.Original)
		if req.Target.Depth == "" {
			req.Target.Depth = derived.Depth
			a.attachMap(ctx, rec, "depth_map_path", derived.Depth)
		}
		if req.Target.Edge == "" {
			req.Target.Edge = derived.Edge
			a.attachMap(ctx, rec, "edge_map_path", derived.Edge)
		}
		if req.Target.Gradient == "" {
			req.Target.Gradient = derived.Gradient
			a.attachMap(ctx, rec, "gradient_map_path", derived.Gradient)
		}
	}

	var similars []models.SimilarItem
	if req.IncludeSimilar {
		var err error
		similars, err = a.retrieveSimilar(ctx, rec, req.Target)
		if err != nil {
			return nil, err
		}
	}

	prompt, err := a.assembler.Assemble(req, similars)
	if err != nil {
		return nil, err
	}

	raw, _, err := a.model.Invoke(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("analysis model call: %w", err)
	}

	return Normalize(raw, similars, req.Target), nil
}

// retrieveSimilar resolves the target's embedding (stored or computed through
// the cache) and queries the index. Input and dimension failures propagate; a
// store-side retrieval failure is absorbed so an index outage degrades the
// analysis to non-RAG instead of failing it.
func (a *Analyzer) retrieveSimilar(ctx context.Context, rec *models.ChartRecord, target models.VisualMapSet) ([]models.SimilarItem, error) {
	var selfID uint
	var vec []float32

	if rec != nil {
		selfID = rec.ID
		if rec.Embedding != nil {
			vec = rec.Embedding.Slice()
		}
	}

	if vec == nil {
		imageBytes, err := os.ReadFile(target.Original)
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", ErrInput, target.Original, err)
		}

		vec, err = a.cache.GetOrCompute(ctx, target.Original, Digest(imageBytes))
		if err != nil {
			return nil, err
		}

		if rec != nil {
			embedding := pgvector.NewVector(vec)
			if err := a.store.UpdateChartField(ctx, rec.ID, "embedding", embedding); err != nil {
				a.log.Warn("failed to attach embedding to chart", zap.Uint("id", rec.ID), zap.Error(err))
			}
		}
	}

	neighbors, err := a.index.FindSimilar(ctx, vec, selfID, a.topK)
	if err != nil {
		if errors.Is(err, ErrEmbeddingDimension) {
			return nil, err
		}
		a.log.Warn("similarity retrieval failed, continuing without similar charts", zap.Error(err))
		return nil, nil
	}

	similars := make([]models.SimilarItem, 0, len(neighbors))
	for _, n := range neighbors {
		similars = append(similars, models.SimilarItem{
			Record:     n.Record,
			Similarity: n.Similarity,
			Maps:       n.Record.VisualMaps(),
			Renderable: true,
		})
	}
	return similars, nil
}

func (a *Analyzer) attachMap(ctx context.Context, rec *models.ChartRecord, column, path string) {
	if rec == nil || path == "" {
		return
	}
	if err := a.store.UpdateChartField(ctx, rec.ID, column, path); err != nil {
		a.log.Warn("failed to attach map path to chart",
			zap.Uint("id", rec.ID), zap.String("column", column), zap.Error(err))
	}
}
