package services

import (
	"testing"

	"github.com/chartlens/chartlens/models"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// embeddedRecord builds a record whose embedding leans toward the first axis
// by the given weight, so similarity ordering between candidates is
// controlled.
func embeddedRecord(id uint, lead float32) models.ChartRecord {
	vec := make([]float32, models.EmbeddingDim)
	vec[0] = lead
	vec[1] = 1 - lead
	v := pgvector.NewVector(vec)
	return models.ChartRecord{ID: id, Embedding: &v}
}

func queryVector() []float32 {
	vec := make([]float32, models.EmbeddingDim)
	vec[0] = 1
	return vec
}

func TestRankRejectsWrongDimension(t *testing.T) {
	_, err := Rank([]float32{1, 2, 3}, nil, 0, 3)
	require.ErrorIs(t, err, ErrEmbeddingDimension)
}

func TestRankSelfExclusion(t *testing.T) {
	records := []models.ChartRecord{
		embeddedRecord(1, 1.0),
		embeddedRecord(2, 0.9),
	}

	neighbors, err := Rank(queryVector(), records, 1, 3)
	require.NoError(t, err)

	require.Len(t, neighbors, 1)
	assert.Equal(t, uint(2), neighbors[0].Record.ID)
}

func TestRankOrderingNonIncreasing(t *testing.T) {
	records := []models.ChartRecord{
		embeddedRecord(1, 0.2),
		embeddedRecord(2, 0.95),
		embeddedRecord(3, 0.6),
		embeddedRecord(4, 0.8),
	}

	neighbors, err := Rank(queryVector(), records, 0, 10)
	require.NoError(t, err)
	require.Len(t, neighbors, 4)

	for i := 1; i < len(neighbors); i++ {
		assert.GreaterOrEqual(t, neighbors[i-1].Similarity, neighbors[i].Similarity)
	}
}

func TestRankTieBreakLowestIDFirst(t *testing.T) {
	records := []models.ChartRecord{
		embeddedRecord(9, 0.7),
		embeddedRecord(3, 0.7),
		embeddedRecord(5, 0.7),
	}

	neighbors, err := Rank(queryVector(), records, 0, 3)
	require.NoError(t, err)
	require.Len(t, neighbors, 3)

	assert.Equal(t, uint(3), neighbors[0].Record.ID)
	assert.Equal(t, uint(5), neighbors[1].Record.ID)
	assert.Equal(t, uint(9), neighbors[2].Record.ID)
}

func TestRankBoundsResultCount(t *testing.T) {
	records := []models.ChartRecord{
		embeddedRecord(1, 0.9),
		embeddedRecord(2, 0.8),
		embeddedRecord(3, 0.7),
		embeddedRecord(4, 0.6),
		embeddedRecord(5, 0.5),
	}

	neighbors, err := Rank(queryVector(), records, 0, 3)
	require.NoError(t, err)
	assert.Len(t, neighbors, 3)
}

func TestRankSkipsPartialRecords(t *testing.T) {
	records := []models.ChartRecord{
		{ID: 1}, // no embedding yet: tolerated, not an error
		embeddedRecord(2, 0.9),
	}

	neighbors, err := Rank(queryVector(), records, 0, 3)
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
	assert.Equal(t, uint(2), neighbors[0].Record.ID)
}

func TestRankSimilarityInUnitRange(t *testing.T) {
	opposite := make([]float32, models.EmbeddingDim)
	opposite[0] = -1
	v := pgvector.NewVector(opposite)

	neighbors, err := Rank(queryVector(), []models.ChartRecord{{ID: 1, Embedding: &v}}, 0, 3)
	require.NoError(t, err)
	require.Len(t, neighbors, 1)

	// Raw cosine is -1; similarity is clamped into [0,1].
	assert.Equal(t, 0.0, neighbors[0].Similarity)
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{name: "identical", a: []float32{1, 2, 3}, b: []float32{1, 2, 3}, want: 1},
		{name: "orthogonal", a: []float32{1, 0}, b: []float32{0, 1}, want: 0},
		{name: "opposite", a: []float32{1, 0}, b: []float32{-1, 0}, want: -1},
		{name: "zero vector", a: []float32{0, 0}, b: []float32{1, 2}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, cosineSimilarity(tt.a, tt.b), 1e-6)
		})
	}
}
