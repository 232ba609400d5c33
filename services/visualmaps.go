package services

import (
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chartlens/chartlens/models"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// Laplacian kernel for the edge map and horizontal Sobel kernel for the
// gradient map, row-major.
var (
	laplacianKernel = [9]float64{-1, -1, -1, -1, 8, -1, -1, -1, -1}
	sobelXKernel    = [9]float64{-1, 0, 1, -2, 0, 2, -1, 0, 1}
)

const depthBlurSigma = 4.0

// MapGenerator derives depth, edge and gradient grayscale maps from a source
// chart image. Outputs land under <root>/<kind>maps/<kind>_<stem>.png. Every
// map is optional: a failed derivation is logged and skipped, never fatal.
type MapGenerator struct {
	root string
	log  *zap.Logger
}

func NewMapGenerator(root string, log *zap.Logger) *MapGenerator {
	return &MapGenerator{root: root, log: log}
}

// OutputPath returns the artifact path for one map kind derived from srcPath.
func (g *MapGenerator) OutputPath(kind, srcPath string) string {
	base := filepath.Base(srcPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(g.root, kind+"maps", fmt.Sprintf("%s_%s.png", kind, stem))
}

// GenerateAll derives all three maps from srcPath. The derivations are
// independent pure functions of the same grayscale buffer and run
// concurrently. The returned set always carries Original; each optional layer
// is present only if its derivation and save both succeeded.
func (g *MapGenerator) GenerateAll(srcPath string) models.VisualMapSet {
	set := models.VisualMapSet{Original: srcPath}

	src, err := imaging.Open(srcPath)
	if err != nil {
		g.log.Warn("cannot open source image for map generation",
			zap.String("path", srcPath), zap.Error(err))
		return set
	}

	gray := imaging.Grayscale(src)
	buf, w, h := grayBuffer(gray)

	var wg sync.WaitGroup
	results := make([]string, 3)
	derive := func(idx int, kind string, fn func() (*image.Gray, error)) {
		defer wg.Done()
		img, err := fn()
		if err == nil {
			err = g.save(img, kind, srcPath)
		}
		if err != nil {
			g.log.Warn("visual map derivation failed",
				zap.String("kind", kind), zap.String("source", srcPath), zap.Error(err))
			return
		}
		results[idx] = g.OutputPath(kind, srcPath)
	}

	wg.Add(3)
	go derive(0, "depth", func() (*image.Gray, error) { return depthMap(gray) })
	go derive(1, "edge", func() (*image.Gray, error) { return convolutionMap(buf, w, h, laplacianKernel) })
	go derive(2, "gradient", func() (*image.Gray, error) { return convolutionMap(buf, w, h, sobelXKernel) })
	wg.Wait()

	set.Depth, set.Edge, set.Gradient = results[0], results[1], results[2]
	return set
}

func (g *MapGenerator) save(img *image.Gray, kind, srcPath string) error {
	out := g.OutputPath(kind, srcPath)
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return err
	}
	return imaging.Save(img, out)
}

// depthMap is the deterministic monocular-depth fallback: Gaussian blur over
// the grayscale image followed by full-range contrast normalization. It has no
// failure modes beyond the encoder, so map generation never blocks the upload
// or analysis flow.
func depthMap(gray image.Image) (*image.Gray, error) {
	blurred := imaging.Blur(gray, depthBlurSigma)
	buf, w, h := grayBuffer(blurred)
	return normalizeToGray(buf, w, h), nil
}

// convolutionMap applies a 3x3 kernel over the grayscale buffer, takes the
// magnitude of the response and normalizes intensities to the full 0-255
// range.
func convolutionMap(buf []float64, w, h int, kernel [9]float64) (*image.Gray, error) {
	if w < 3 || h < 3 {
		return nil, fmt.Errorf("image %dx%d too small for 3x3 convolution", w, h)
	}

	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for ky := -1; ky <= 1; ky++ {
				for kx := -1; kx <= 1; kx++ {
					sx, sy := clampInt(x+kx, 0, w-1), clampInt(y+ky, 0, h-1)
					acc += buf[sy*w+sx] * kernel[(ky+1)*3+(kx+1)]
				}
			}
			out[y*w+x] = math.Abs(acc)
		}
	}

	return normalizeToGray(out, w, h), nil
}

// grayBuffer flattens an image into a row-major float64 luminance buffer.
func grayBuffer(img image.Image) ([]float64, int, int) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	buf := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, _, _, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			buf[y*w+x] = float64(r >> 8)
		}
	}
	return buf, w, h
}

// normalizeToGray min/max stretches the buffer into an 8-bit grayscale image.
// A flat buffer maps to black, matching the original depth generator.
func normalizeToGray(buf []float64, w, h int) *image.Gray {
	lo, hi := buf[0], buf[0]
	for _, v := range buf {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}

	img := image.NewGray(image.Rect(0, 0, w, h))
	if hi > lo {
		scale := 255.0 / (hi - lo)
		for i, v := range buf {
			img.Pix[i] = uint8((v - lo) * scale)
		}
	}
	return img
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
