package services

import (
	"math"
	"strconv"
	"strings"

	"github.com/chartlens/chartlens/models"
)

// fieldAliases maps each logical result field to the source keys accepted for
// it, in lookup order. Legacy callers and different model builds have used all
// of these spellings; the table keeps the tolerance auditable in one place.
var fieldAliases = map[string][]string{
	"prediction": {"sessionPrediction", "prediction", "session", "outcome"},
	"bias":       {"directionBias", "bias", "direction"},
	"confidence": {"confidence", "confidenceScore", "score"},
	"reasoning":  {"reasoning", "analysis", "explanation", "summary"},
	"similar":    {"similarImages", "similarCharts", "similar"},
}

// Normalize converts arbitrarily-shaped model (or legacy caller) output into
// the canonical result. retrieved is the Similarity Index's own result list,
// used to backfill similar items whenever the model's list is absent, empty
// or not independently renderable. Every canonical field comes out well-typed
// or null; legacy field variants are populated from the same canonical value.
func Normalize(raw map[string]any, retrieved []models.SimilarItem, target models.VisualMapSet) *models.AnalysisResult {
	prediction := CanonPrediction(firstAlias(raw, "prediction"))
	bias := CanonBias(firstAlias(raw, "bias"))
	if bias == nil {
		bias = deriveBias(prediction)
	}
	confidence := CanonConfidence(firstAlias(raw, "confidence"))

	reasoning := ""
	if v, ok := firstAlias(raw, "reasoning").(string); ok {
		reasoning = v
	}

	similar := similarFromModel(firstAlias(raw, "similar"))
	if !allRenderable(similar) {
		similar = similarFromRetrieval(retrieved)
	}

	targetLinks := linksFromMapSet(target)

	return &models.AnalysisResult{
		SessionPrediction: prediction,
		Prediction:        prediction,
		DirectionBias:     bias,
		Bias:              bias,
		Confidence:        confidence,
		Reasoning:         reasoning,
		SimilarImages:     similar,
		SimilarCharts:     similar,
		TargetVisuals:     targetLinks,
		Maps:              targetLinks,
	}
}

// firstAlias returns the first present value among the logical field's
// accepted source keys.
func firstAlias(raw map[string]any, logical string) any {
	for _, key := range fieldAliases[logical] {
		if v, ok := raw[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

// CanonPrediction canonicalizes a prediction value to exactly one of Bullish,
// Bearish, Neutral or nil, matching common prefixes case-insensitively.
func CanonPrediction(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	switch lower := strings.ToLower(strings.TrimSpace(s)); {
	case strings.HasPrefix(lower, "bull"):
		return strptr("Bullish")
	case strings.HasPrefix(lower, "bear"):
		return strptr("Bearish")
	case strings.HasPrefix(lower, "neut"), strings.HasPrefix(lower, "side"), strings.HasPrefix(lower, "flat"):
		return strptr("Neutral")
	default:
		return nil
	}
}

// CanonBias canonicalizes a direction-bias value to Long, Short, Neutral or
// nil.
func CanonBias(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	switch lower := strings.ToLower(strings.TrimSpace(s)); {
	case strings.HasPrefix(lower, "long"), strings.HasPrefix(lower, "buy"), strings.HasPrefix(lower, "bull"):
		return strptr("Long")
	case strings.HasPrefix(lower, "short"), strings.HasPrefix(lower, "sell"), strings.HasPrefix(lower, "bear"):
		return strptr("Short")
	case strings.HasPrefix(lower, "neut"), strings.HasPrefix(lower, "flat"):
		return strptr("Neutral")
	default:
		return nil
	}
}

func deriveBias(prediction *string) *string {
	if prediction == nil {
		return strptr("Neutral")
	}
	switch *prediction {
	case "Bullish":
		return strptr("Long")
	case "Bearish":
		return strptr("Short")
	default:
		return strptr("Neutral")
	}
}

// CanonConfidence accepts a percentage string, a 0..1 fraction or a 0..100
// number and canonicalizes to an integer 0..100 clamped to range, or nil if
// unparseable. A fraction in (0,1] is multiplied by 100 before clamping.
func CanonConfidence(v any) *int {
	var f float64
	switch val := v.(type) {
	case float64:
		f = val
	case int:
		f = float64(val)
	case string:
		s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(val), "%"))
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}

	if f > 0 && f <= 1 {
		f *= 100
	}

	n := int(math.Round(f))
	if n < 0 {
		n = 0
	}
	if n > 100 {
		n = 100
	}
	return &n
}

// renderableRef reports whether a client can display the reference on its
// own: an absolute http(s) URL or a same-origin artifact path. Bare filenames
// are intentionally rejected; the dashboard has nothing to resolve them
// against.
func renderableRef(ref string) bool {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return true
	}
	return strings.HasPrefix(ref, "/uploads/") ||
		strings.HasPrefix(ref, "/depthmaps/") ||
		strings.HasPrefix(ref, "/edgemaps/") ||
		strings.HasPrefix(ref, "/gradientmaps/")
}

// similarFromModel parses whatever the model returned as its similar-items
// list, tagging each entry's renderability at this single ingestion point.
func similarFromModel(v any) []models.SimilarImage {
	entries, ok := v.([]any)
	if !ok {
		return nil
	}

	out := make([]models.SimilarImage, 0, len(entries))
	for _, e := range entries {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}

		si := models.SimilarImage{}
		if id, ok := m["id"].(float64); ok {
			si.ID = uint(id)
		}
		if label, ok := m["label"].(string); ok {
			si.Label = label
		}

		for _, key := range []string{"url", "originalUrl", "image", "filename"} {
			if s, ok := m[key].(string); ok && s != "" {
				si.URL = s
				break
			}
		}
		if links, ok := m["links"].(map[string]any); ok {
			if s, ok := links["original"].(string); ok {
				si.Links.Original = s
				if si.URL == "" {
					si.URL = s
				}
			}
			if s, ok := links["depth"].(string); ok {
				si.Links.Depth = s
			}
			if s, ok := links["edge"].(string); ok {
				si.Links.Edge = s
			}
			if s, ok := links["gradient"].(string); ok {
				si.Links.Gradient = s
			}
		}
		if si.Links.Original == "" {
			si.Links.Original = si.URL
		}

		si.Renderable = renderableRef(si.Links.Original)
		applyLegacyLinks(&si)
		out = append(out, si)
	}
	return out
}

// similarFromRetrieval builds the backfill list from the Similarity Index's
// own results; these are renderable by construction.
func similarFromRetrieval(retrieved []models.SimilarItem) []models.SimilarImage {
	out := make([]models.SimilarImage, 0, len(retrieved))
	for _, item := range retrieved {
		pct := int(math.Round(item.Similarity * 100))
		si := models.SimilarImage{
			ID:         item.Record.ID,
			Label:      similarLabel(item.Record),
			Links:      linksFromMapSet(item.Maps),
			Similarity: &pct,
			Renderable: true,
		}
		si.URL = si.Links.Original
		applyLegacyLinks(&si)
		out = append(out, si)
	}
	return out
}

func similarLabel(rec models.ChartRecord) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{rec.Instrument, rec.Timeframe, rec.Session} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return rec.Filename
	}
	return strings.Join(parts, " ")
}

// allRenderable reports whether the model's list can be handed to the caller
// as-is: non-empty and every entry independently renderable.
func allRenderable(items []models.SimilarImage) bool {
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		if !item.Renderable {
			return false
		}
	}
	return true
}

// applyLegacyLinks mirrors the nested links into the historical flat
// spellings from the same canonical values.
func applyLegacyLinks(si *models.SimilarImage) {
	si.OriginalURL = si.Links.Original
	si.DepthMapURL = si.Links.Depth
	si.EdgeMapURL = si.Links.Edge
	si.GradientMapURL = si.Links.Gradient
}

// linksFromMapSet converts stored artifact paths into client-resolvable URLs.
func linksFromMapSet(set models.VisualMapSet) models.MapLinks {
	return models.MapLinks{
		Original: PublicPath(set.Original),
		Depth:    PublicPath(set.Depth),
		Edge:     PublicPath(set.Edge),
		Gradient: PublicPath(set.Gradient),
	}
}

// PublicPath rewrites a stored filesystem path into the URL path the static
// handlers serve it under. Absolute URLs pass through unchanged.
func PublicPath(p string) string {
	if p == "" || strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p
	}
	p = strings.TrimPrefix(p, "./")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func strptr(s string) *string { return &s }
