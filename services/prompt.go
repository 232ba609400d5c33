package services

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chartlens/chartlens/models"
	"go.uber.org/zap"
)

// layerOrder is the fixed per-item image order. Missing optional layers are
// omitted, never reordered.
var layerOrder = [4]string{"original", "depth", "edge", "gradient"}

// outputContract is the fixed instruction block closing every prompt. It pins
// the exact response schema and requires per-claim layer citations.
const outputContract = `Respond with a single JSON object and nothing else, using exactly this shape:
{
  "sessionPrediction": "Bullish" | "Bearish" | "Neutral",
  "directionBias": "Long" | "Short" | "Neutral",
  "confidence": <integer 0-100>,
  "reasoning": "<your analysis>",
  "similarImages": []
}
For every claim in "reasoning", cite which visual layer supports it (original, depth, edge or gradient).`

// ImageAttachment is one inline image payload in assembly order.
type ImageAttachment struct {
	Label string
	MIME  string
	Data  []byte
}

// AssembledPrompt is a deterministic multi-part instruction: free text plus an
// ordered image sequence.
type AssembledPrompt struct {
	System string
	Text   string
	Images []ImageAttachment
}

// PromptAssembler builds analysis prompts. Local paths and same-origin
// references resolve to inline bytes from fsRoot; external references are
// fetched best-effort and dropped silently when unreachable.
type PromptAssembler struct {
	fsRoot     string
	publicBase string
	client     *http.Client
	log        *zap.Logger
}

func NewPromptAssembler(fsRoot, publicBase string, log *zap.Logger) *PromptAssembler {
	return &PromptAssembler{
		fsRoot:     fsRoot,
		publicBase: strings.TrimRight(publicBase, "/"),
		client:     &http.Client{Timeout: 10 * time.Second},
		log:        log,
	}
}

// Assemble builds the prompt for one request: target item first, then the
// similar items in retrieval order, each with images in [original, depth,
// edge, gradient] order, then the fixed output contract. If the target's
// original image cannot be resolved the assembly fails hard; every analysis
// carries at least one image.
func (a *PromptAssembler) Assemble(req models.AnalysisRequest, similars []models.SimilarItem) (*AssembledPrompt, error) {
	if req.Target.Original == "" {
		return nil, fmt.Errorf("%w: request has no target image", ErrInput)
	}

	prompt := &AssembledPrompt{System: req.SystemPrompt}

	var text strings.Builder
	instructions := strings.TrimSpace(req.Instructions)
	if instructions == "" {
		instructions = "Analyze this trading chart and predict the likely session outcome."
	}
	text.WriteString(instructions)
	text.WriteString("\n\n")

	attached := a.attachItem(prompt, "target", req.Target)
	if len(attached) == 0 || attached[0] != "original" {
		return nil, fmt.Errorf("%w: target original image %q is not resolvable", ErrInput, req.Target.Original)
	}
	fmt.Fprintf(&text, "Target chart layers, in attachment order: %s.\n", strings.Join(attached, ", "))

	for i, item := range similars {
		label := fmt.Sprintf("similar chart %d", i+1)
		attached := a.attachItem(prompt, label, item.Maps)
		if len(attached) == 0 {
			continue
		}
		fmt.Fprintf(&text, "Historical %s (similarity %d%%", label, int(item.Similarity*100+0.5))
		if item.Record.Instrument != "" {
			fmt.Fprintf(&text, ", %s", item.Record.Instrument)
		}
		if item.Record.Timeframe != "" {
			fmt.Fprintf(&text, " %s", item.Record.Timeframe)
		}
		fmt.Fprintf(&text, "), layers in attachment order: %s.\n", strings.Join(attached, ", "))
	}

	text.WriteString("\n")
	text.WriteString(outputContract)
	prompt.Text = text.String()

	return prompt, nil
}

// attachItem resolves one item's layers in fixed order and appends the
// resolvable ones to the prompt. Returns the layer names actually attached.
func (a *PromptAssembler) attachItem(prompt *AssembledPrompt, itemLabel string, set models.VisualMapSet) []string {
	refs := [4]string{set.Original, set.Depth, set.Edge, set.Gradient}

	var attached []string
	for i, ref := range refs {
		if ref == "" {
			continue
		}
		data, err := a.resolve(ref)
		if err != nil {
			a.log.Debug("dropping unresolvable image reference",
				zap.String("item", itemLabel), zap.String("ref", ref), zap.Error(err))
			continue
		}
		prompt.Images = append(prompt.Images, ImageAttachment{
			Label: itemLabel + " " + layerOrder[i],
			MIME:  mimeForRef(ref),
			Data:  data,
		})
		attached = append(attached, layerOrder[i])
	}
	return attached
}

// resolve turns an image reference into raw bytes. Same-origin URLs are
// rewritten to local paths first; the model cannot fetch arbitrary local
// paths, so everything local must be inlined here.
func (a *PromptAssembler) resolve(ref string) ([]byte, error) {
	if a.publicBase != "" && strings.HasPrefix(ref, a.publicBase+"/") {
		ref = strings.TrimPrefix(ref, a.publicBase)
	}

	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return a.fetch(ref)
	}

	data, err := os.ReadFile(ref)
	if err == nil {
		return data, nil
	}
	// A leading slash that is not a real filesystem path is a same-origin URL
	// path like /uploads/...; map it under the serving root.
	if strings.HasPrefix(ref, "/") {
		if data, rootErr := os.ReadFile(filepath.Join(a.fsRoot, strings.TrimPrefix(ref, "/"))); rootErr == nil {
			return data, nil
		}
	}
	return nil, err
}

func (a *PromptAssembler) fetch(url string) ([]byte, error) {
	resp, err := a.client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}

	const maxImageBytes = 20 << 20
	return io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
}

func mimeForRef(ref string) string {
	switch strings.ToLower(filepath.Ext(ref)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/png"
	}
}
