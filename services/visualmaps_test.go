package services

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// writeChartPNG writes a synthetic chart-like image: dark left half, light
// right half, so edge and gradient responses concentrate on the boundary.
func writeChartPNG(t *testing.T, dir, name string) string {
	t.Helper()

	const w, h = 64, 48
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{20, 20, 20, 255}
			if x >= w/2 {
				c = color.RGBA{230, 230, 230, 255}
			}
			img.Set(x, y, c)
		}
	}

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

func TestGenerateAllProducesThreeMaps(t *testing.T) {
	dir := t.TempDir()
	src := writeChartPNG(t, dir, "eurusd_m15.png")
	gen := NewMapGenerator(dir, zap.NewNop())

	set := gen.GenerateAll(src)

	assert.Equal(t, src, set.Original)
	assert.Equal(t, filepath.Join(dir, "depthmaps", "depth_eurusd_m15.png"), set.Depth)
	assert.Equal(t, filepath.Join(dir, "edgemaps", "edge_eurusd_m15.png"), set.Edge)
	assert.Equal(t, filepath.Join(dir, "gradientmaps", "gradient_eurusd_m15.png"), set.Gradient)

	for _, p := range []string{set.Depth, set.Edge, set.Gradient} {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
	}
}

func TestGenerateAllUnreadableSource(t *testing.T) {
	dir := t.TempDir()
	gen := NewMapGenerator(dir, zap.NewNop())

	// Missing source never fails: the set simply has no optional layers.
	set := gen.GenerateAll(filepath.Join(dir, "missing.png"))
	assert.Empty(t, set.Depth)
	assert.Empty(t, set.Edge)
	assert.Empty(t, set.Gradient)
}

func TestOutputPathNaming(t *testing.T) {
	gen := NewMapGenerator("data", zap.NewNop())

	assert.Equal(t, filepath.Join("data", "depthmaps", "depth_chart.png"),
		gen.OutputPath("depth", "uploads/chart.jpg"))
	assert.Equal(t, filepath.Join("data", "gradientmaps", "gradient_btc_1h.png"),
		gen.OutputPath("gradient", "/tmp/somewhere/btc_1h.png"))
}

func TestConvolutionMapGradientHighlightsStep(t *testing.T) {
	// 8x8 buffer: step from 0 to 200 at column 4.
	const w, h = 8, 8
	buf := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 4; x < w; x++ {
			buf[y*w+x] = 200
		}
	}

	img, err := convolutionMap(buf, w, h, sobelXKernel)
	require.NoError(t, err)

	// The response peaks on the step boundary and vanishes in flat regions.
	mid := h / 2
	assert.Equal(t, uint8(255), img.GrayAt(3, mid).Y)
	assert.Equal(t, uint8(0), img.GrayAt(0, mid).Y)
	assert.Equal(t, uint8(0), img.GrayAt(7, mid).Y)
}

func TestConvolutionMapFlatImageIsBlack(t *testing.T) {
	const w, h = 8, 8
	buf := make([]float64, w*h)
	for i := range buf {
		buf[i] = 128
	}

	img, err := convolutionMap(buf, w, h, laplacianKernel)
	require.NoError(t, err)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			assert.Equal(t, uint8(0), img.GrayAt(x, y).Y)
		}
	}
}

func TestConvolutionMapRejectsTinyImages(t *testing.T) {
	_, err := convolutionMap(make([]float64, 4), 2, 2, laplacianKernel)
	require.Error(t, err)
}

func TestNormalizeToGrayStretchesFullRange(t *testing.T) {
	buf := []float64{10, 20, 30, 40}
	img := normalizeToGray(buf, 2, 2)

	assert.Equal(t, uint8(0), img.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(255), img.GrayAt(1, 1).Y)
}
