package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/chartlens/chartlens/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// countingExtractor returns a fixed vector and counts invocations.
type countingExtractor struct {
	vec   []float32
	calls int
	err   error
}

func (e *countingExtractor) Extract(_ context.Context, _ []byte) ([]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return append([]float32(nil), e.vec...), nil
}

func testVector(dim int) []float32 {
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = float32(i%7) - 3
	}
	return vec
}

func writeTestImage(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0644))
	return path
}

func TestDigestDeterministic(t *testing.T) {
	a := Digest([]byte("chart bytes"))
	b := Digest([]byte("chart bytes"))
	c := Digest([]byte("other bytes"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32) // sha256 truncated to 128 bits, hex
}

func TestGetOrComputeIdempotent(t *testing.T) {
	dir := t.TempDir()
	extractor := &countingExtractor{vec: testVector(models.EmbeddingDim)}
	cache := NewEmbeddingCache(filepath.Join(dir, "cache"), extractor, zap.NewNop())

	imageBytes := []byte("identical image bytes")
	imagePath := writeTestImage(t, dir, "chart.png", imageBytes)
	digest := Digest(imageBytes)

	first, err := cache.GetOrCompute(context.Background(), imagePath, digest)
	require.NoError(t, err)

	second, err := cache.GetOrCompute(context.Background(), imagePath, digest)
	require.NoError(t, err)

	// Bit-identical vectors, extraction ran exactly once.
	assert.Equal(t, first, second)
	assert.Equal(t, 1, extractor.calls)
}

func TestGetOrComputeNormalizes(t *testing.T) {
	dir := t.TempDir()
	extractor := &countingExtractor{vec: testVector(models.EmbeddingDim)}
	cache := NewEmbeddingCache(filepath.Join(dir, "cache"), extractor, zap.NewNop())

	imageBytes := []byte("img")
	imagePath := writeTestImage(t, dir, "chart.png", imageBytes)

	vec, err := cache.GetOrCompute(context.Background(), imagePath, Digest(imageBytes))
	require.NoError(t, err)

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}

func TestGetOrComputeDimensionInvariant(t *testing.T) {
	dir := t.TempDir()
	extractor := &countingExtractor{vec: testVector(models.EmbeddingDim - 1)}
	cache := NewEmbeddingCache(filepath.Join(dir, "cache"), extractor, zap.NewNop())

	imageBytes := []byte("img")
	imagePath := writeTestImage(t, dir, "chart.png", imageBytes)
	digest := Digest(imageBytes)

	_, err := cache.GetOrCompute(context.Background(), imagePath, digest)
	require.ErrorIs(t, err, ErrEmbeddingDimension)

	// A wrong-length vector must never be persisted.
	_, statErr := os.Stat(filepath.Join(dir, "cache", digest+".vec"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestGetOrComputeUnreadableImage(t *testing.T) {
	dir := t.TempDir()
	extractor := &countingExtractor{vec: testVector(models.EmbeddingDim)}
	cache := NewEmbeddingCache(filepath.Join(dir, "cache"), extractor, zap.NewNop())

	_, err := cache.GetOrCompute(context.Background(), filepath.Join(dir, "missing.png"), Digest([]byte("x")))
	require.ErrorIs(t, err, ErrInput)
	assert.Equal(t, 0, extractor.calls)
}

func TestGetOrComputeExtractorError(t *testing.T) {
	dir := t.TempDir()
	upstream := errors.New("extractor offline")
	extractor := &countingExtractor{err: upstream}
	cache := NewEmbeddingCache(filepath.Join(dir, "cache"), extractor, zap.NewNop())

	imagePath := writeTestImage(t, dir, "chart.png", []byte("img"))
	_, err := cache.GetOrCompute(context.Background(), imagePath, Digest([]byte("img")))
	require.ErrorIs(t, err, upstream)
}

func TestVectorBlobRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob.vec")

	vec := testVector(models.EmbeddingDim)
	l2Normalize(vec)

	require.NoError(t, writeVector(path, vec))

	// D little-endian float32s, 4 bytes each.
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(models.EmbeddingDim*4), info.Size())

	loaded, err := readVector(path)
	require.NoError(t, err)
	assert.Equal(t, vec, loaded)
}

func TestCorruptBlobTreatedAsMiss(t *testing.T) {
	dir := t.TempDir()
	cacheDir := filepath.Join(dir, "cache")
	extractor := &countingExtractor{vec: testVector(models.EmbeddingDim)}
	cache := NewEmbeddingCache(cacheDir, extractor, zap.NewNop())

	imageBytes := []byte("img")
	imagePath := writeTestImage(t, dir, "chart.png", imageBytes)
	digest := Digest(imageBytes)

	// Seed a truncated blob under the digest.
	require.NoError(t, os.MkdirAll(cacheDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, digest+".vec"), []byte{1, 2, 3}, 0644))

	vec, err := cache.GetOrCompute(context.Background(), imagePath, digest)
	require.NoError(t, err)
	assert.Len(t, vec, models.EmbeddingDim)
	assert.Equal(t, 1, extractor.calls)
}
