package services

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/chartlens/chartlens/models"
	"go.uber.org/zap"
)

// Digest is the content identifier for an image byte sequence: sha256
// truncated to 128 bits, hex encoded. Truncation halves key length; at any
// plausible corpus size the collision probability stays negligible.
func Digest(imageBytes []byte) string {
	sum := sha256.Sum256(imageBytes)
	return hex.EncodeToString(sum[:16])
}

// EmbeddingCache memoizes image -> embedding on disk, one file per content
// digest containing the raw little-endian float32 vector.
type EmbeddingCache struct {
	dir       string
	extractor FeatureExtractor
	log       *zap.Logger

	mu       sync.Mutex
	inflight map[string]*sync.Mutex
}

func NewEmbeddingCache(dir string, extractor FeatureExtractor, log *zap.Logger) *EmbeddingCache {
	return &EmbeddingCache{
		dir:       dir,
		extractor: extractor,
		log:       log,
		inflight:  make(map[string]*sync.Mutex),
	}
}

// GetOrCompute returns the cached vector for digest, or runs the extractor on
// the image at imagePath, L2-normalizes the result, persists it and returns
// it. Concurrent calls for the same digest run the extractor once. A failed
// cache write is logged and non-fatal; the fresh vector is still returned.
func (c *EmbeddingCache) GetOrCompute(ctx context.Context, imagePath, digest string) ([]float32, error) {
	lock := c.digestLock(digest)
	lock.Lock()
	defer lock.Unlock()

	blobPath := filepath.Join(c.dir, digest+".vec")
	if vec, err := readVector(blobPath); err == nil {
		return vec, nil
	} else if !os.IsNotExist(err) {
		// Corrupt or wrong-size blob: treat as a miss and recompute.
		c.log.Warn("discarding unreadable cache entry", zap.String("path", blobPath), zap.Error(err))
	}

	imageBytes, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrInput, imagePath, err)
	}

	vec, err := c.extractor.Extract(ctx, imageBytes)
	if err != nil {
		return nil, err
	}
	if len(vec) != models.EmbeddingDim {
		return nil, fmt.Errorf("%w: extractor returned %d values, want %d",
			ErrEmbeddingDimension, len(vec), models.EmbeddingDim)
	}

	l2Normalize(vec)

	if err := writeVector(blobPath, vec); err != nil {
		c.log.Warn("embedding cache write failed", zap.String("digest", digest), zap.Error(err))
	}

	return vec, nil
}

func (c *EmbeddingCache) digestLock(digest string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.inflight[digest]
	if !ok {
		lock = &sync.Mutex{}
		c.inflight[digest] = lock
	}
	return lock
}

// l2Normalize scales vec to unit length in place. A zero vector is left
// unchanged.
func l2Normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}

// readVector loads a persisted embedding blob. The blob must be exactly
// EmbeddingDim little-endian float32s; any other size is an error.
func readVector(path string) ([]float32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) != models.EmbeddingDim*4 {
		return nil, fmt.Errorf("cache blob %s has %d bytes, want %d", path, len(raw), models.EmbeddingDim*4)
	}

	vec := make([]float32, models.EmbeddingDim)
	for i := range vec {
		bits := binary.LittleEndian.Uint32(raw[i*4:])
		vec[i] = math.Float32frombits(bits)
	}
	return vec, nil
}

func writeVector(path string, vec []float32) error {
	if len(vec) != models.EmbeddingDim {
		return fmt.Errorf("%w: refusing to persist %d values", ErrEmbeddingDimension, len(vec))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	raw := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}

	// Write to a temp file then rename so a concurrent reader never sees a
	// half-written blob.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
