package services

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/chartlens/chartlens/models"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
)

// DefaultTopK bounds how many similar charts retrieval returns, which in turn
// caps prompt size and model cost.
const DefaultTopK = 3

// exactSearchThreshold is the row count below which the hnsw-backed SQL path
// is bypassed for in-memory exact ranking; small collections can return no
// results through the approximate index.
const exactSearchThreshold = 10

// Neighbor is one similarity result: a stored chart and its cosine similarity
// to the query, clamped to [0,1].
type Neighbor struct {
	Record     models.ChartRecord
	Similarity float64
}

// SimilarityIndex answers nearest-neighbor queries over stored chart
// embeddings.
type SimilarityIndex struct {
	db *gorm.DB
}

func NewSimilarityIndex(db *gorm.DB) *SimilarityIndex {
	return &SimilarityIndex{db: db}
}

// FindSimilar returns up to k stored charts most similar to query, excluding
// selfID, ordered by non-increasing similarity with ascending id breaking
// ties. Pure read, no side effects.
func (ix *SimilarityIndex) FindSimilar(ctx context.Context, query []float32, selfID uint, k int) ([]Neighbor, error) {
	if len(query) != models.EmbeddingDim {
		return nil, fmt.Errorf("%w: query vector has %d values, want %d",
			ErrEmbeddingDimension, len(query), models.EmbeddingDim)
	}
	if k <= 0 {
		k = DefaultTopK
	}

	var total int64
	if err := ix.db.WithContext(ctx).Model(&models.ChartRecord{}).
		Where("embedding IS NOT NULL").Count(&total).Error; err != nil {
		return nil, fmt.Errorf("counting indexed charts: %w", err)
	}

	if total < exactSearchThreshold {
		return ix.exactSearch(ctx, query, selfID, k)
	}

	type row struct {
		models.ChartRecord `gorm:"embedded"`
		Distance           float64
	}
	var rows []row
	err := ix.db.WithContext(ctx).Raw(`
		SELECT *, embedding <=> ? AS distance
		FROM chart_records
		WHERE embedding IS NOT NULL AND id <> ?
		ORDER BY distance ASC, id ASC
		LIMIT ?`,
		pgvector.NewVector(query), selfID, k).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("similarity query: %w", err)
	}

	neighbors := make([]Neighbor, 0, len(rows))
	for _, r := range rows {
		neighbors = append(neighbors, Neighbor{
			Record:     r.ChartRecord,
			Similarity: clamp01(1 - r.Distance),
		})
	}
	return neighbors, nil
}

func (ix *SimilarityIndex) exactSearch(ctx context.Context, query []float32, selfID uint, k int) ([]Neighbor, error) {
	var records []models.ChartRecord
	if err := ix.db.WithContext(ctx).
		Where("embedding IS NOT NULL").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("loading charts for exact search: %w", err)
	}
	return Rank(query, records, selfID, k)
}

// Rank is the exact in-memory counterpart of FindSimilar: cosine similarity
// against every candidate with an embedding, self-exclusion, descending score
// with ascending id as the deterministic tie-break, top k.
func Rank(query []float32, candidates []models.ChartRecord, selfID uint, k int) ([]Neighbor, error) {
	if len(query) != models.EmbeddingDim {
		return nil, fmt.Errorf("%w: query vector has %d values, want %d",
			ErrEmbeddingDimension, len(query), models.EmbeddingDim)
	}
	if k <= 0 {
		k = DefaultTopK
	}

	neighbors := make([]Neighbor, 0, len(candidates))
	for _, rec := range candidates {
		if rec.ID == selfID || rec.Embedding == nil {
			continue
		}
		vec := rec.Embedding.Slice()
		if len(vec) != models.EmbeddingDim {
			continue
		}
		neighbors = append(neighbors, Neighbor{
			Record:     rec,
			Similarity: clamp01(cosineSimilarity(query, vec)),
		})
	}

	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].Similarity != neighbors[j].Similarity {
			return neighbors[i].Similarity > neighbors[j].Similarity
		}
		return neighbors[i].Record.ID < neighbors[j].Record.ID
	})

	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors, nil
}

// cosineSimilarity computes cos(θ) = (A · B) / (||A|| * ||B||), returning 0
// for a zero vector.
func cosineSimilarity(a, b []float32) float64 {
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
