package models

import (
	"time"

	"github.com/pgvector/pgvector-go"
)

// EmbeddingDim is the embedding dimension produced by the feature extractor
// (OpenCLIP ViT-H/14). Every cache write, cache read, index insert and index
// query enforces this length.
const EmbeddingDim = 1024

// ChartRecord is a stored trading-chart screenshot. Embedding and the derived
// map paths are populated asynchronously after upload and may be nil for a
// while; every consumer must tolerate partial records.
type ChartRecord struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	Filename   string `json:"filename"`
	FilePath   string `gorm:"unique" json:"file_path"`
	Instrument string `gorm:"index" json:"instrument"`
	Timeframe  string `json:"timeframe"`
	Session    string `json:"session"`

	Embedding      *pgvector.Vector `gorm:"type:vector(1024)" json:"-"`
	EmbeddingModel string           `json:"embedding_model,omitempty"`

	DepthMapPath    *string `json:"depth_map_path,omitempty"`
	EdgeMapPath     *string `json:"edge_map_path,omitempty"`
	GradientMapPath *string `json:"gradient_map_path,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// VisualMapSet groups the original image with its derived grayscale layers.
// Empty strings mean the layer has not been generated yet, which is a normal
// state, not an error.
type VisualMapSet struct {
	Original string `json:"original"`
	Depth    string `json:"depth,omitempty"`
	Edge     string `json:"edge,omitempty"`
	Gradient string `json:"gradient,omitempty"`
}

// VisualMaps collects the record's artifact paths into a VisualMapSet.
func (c *ChartRecord) VisualMaps() VisualMapSet {
	set := VisualMapSet{Original: c.FilePath}
	if c.DepthMapPath != nil {
		set.Depth = *c.DepthMapPath
	}
	if c.EdgeMapPath != nil {
		set.Edge = *c.EdgeMapPath
	}
	if c.GradientMapPath != nil {
		set.Gradient = *c.GradientMapPath
	}
	return set
}

// SimilarItem is one retrieval result: a stored chart plus its cosine
// similarity to the query, in [0,1]. Renderable is set by the producer of the
// entry; retrieval always produces renderable items with resolvable links.
type SimilarItem struct {
	Record     ChartRecord  `json:"record"`
	Similarity float64      `json:"similarity"`
	Maps       VisualMapSet `json:"maps"`
	Renderable bool         `json:"renderable"`
}

// AnalysisRequest describes one analysis call. ChartID is optional; when set,
// the target set and self-exclusion are resolved from the stored record.
type AnalysisRequest struct {
	ChartID        uint         `json:"chartId,omitempty"`
	Target         VisualMapSet `json:"target"`
	Instructions   string       `json:"instructions"`
	SystemPrompt   string       `json:"systemPrompt,omitempty"`
	IncludeSimilar bool         `json:"includeSimilar"`
}

// MapLinks is the per-item set of client-resolvable artifact URLs.
type MapLinks struct {
	Original string `json:"original,omitempty"`
	Depth    string `json:"depth,omitempty"`
	Edge     string `json:"edge,omitempty"`
	Gradient string `json:"gradient,omitempty"`
}

// SimilarImage is the wire shape of one similar chart. The flat *URL fields
// mirror Links under the historical spellings so that old dashboard builds
// keep reading correct values; both are always populated from the same
// canonical paths.
type SimilarImage struct {
	ID         uint     `json:"id,omitempty"`
	Label      string   `json:"label,omitempty"`
	URL        string   `json:"url,omitempty"`
	Links      MapLinks `json:"links"`
	Similarity *int     `json:"similarity,omitempty"`

	OriginalURL    string `json:"originalUrl,omitempty"`
	DepthMapURL    string `json:"depthMapUrl,omitempty"`
	EdgeMapURL     string `json:"edgeMapUrl,omitempty"`
	GradientMapURL string `json:"gradientMapUrl,omitempty"`

	Renderable bool `json:"-"`
}

// AnalysisResult is the canonical wire object. Prediction/Bias/Maps duplicate
// SessionPrediction/DirectionBias/TargetVisuals under their legacy names;
// every pair is populated from one canonical value.
type AnalysisResult struct {
	SessionPrediction *string `json:"sessionPrediction"`
	Prediction        *string `json:"prediction"`
	DirectionBias     *string `json:"directionBias"`
	Bias              *string `json:"bias"`
	Confidence        *int    `json:"confidence"`
	Reasoning         string  `json:"reasoning"`

	SimilarImages []SimilarImage `json:"similarImages"`
	SimilarCharts []SimilarImage `json:"similarCharts"`

	TargetVisuals MapLinks `json:"targetVisuals"`
	Maps          MapLinks `json:"maps"`
}
