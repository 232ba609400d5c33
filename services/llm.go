package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"go.uber.org/zap"
)

// contentGenerator is the slice of the langchaingo model surface the adapter
// needs; tests substitute fakes.
type contentGenerator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// ModelAdapter issues exactly one request per analysis to a vision-capable
// model with a structured-JSON response contract. Sampling temperature is
// kept near zero so identical inputs produce near-identical runs.
type ModelAdapter struct {
	llm         contentGenerator
	temperature float64
	timeout     time.Duration
	log         *zap.Logger
}

// NewModelAdapter builds the adapter from LLM_HOST / LLM_MODEL / LLM_TIMEOUT
// config, defaulting to a local Ollama vision model.
func NewModelAdapter(log *zap.Logger) (*ModelAdapter, error) {
	host := viper.GetString("LLM_HOST")
	if host == "" {
		host = "localhost"
	}
	model := viper.GetString("LLM_MODEL")
	if model == "" {
		model = "llama3.2-vision"
	}
	timeout := viper.GetDuration("LLM_TIMEOUT")
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	l, err := ollama.New(
		ollama.WithModel(model),
		ollama.WithServerURL(fmt.Sprintf("http://%s:11434", host)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to init ollama: %w", err)
	}

	return &ModelAdapter{llm: l, temperature: 0.1, timeout: timeout, log: log}, nil
}

// Invoke sends the assembled prompt and returns the parsed response object
// plus the raw model text. A transport or API failure (timeouts included)
// surfaces as ErrUpstreamModel; a response that is not valid JSON is wrapped
// into a reasoning-shaped default with neutral values instead, which is
// recoverable, not fatal.
func (m *ModelAdapter) Invoke(ctx context.Context, prompt *AssembledPrompt) (map[string]any, string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var messages []llms.MessageContent
	if prompt.System != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, prompt.System))
	}

	parts := make([]llms.ContentPart, 0, len(prompt.Images)+1)
	parts = append(parts, llms.TextPart(prompt.Text))
	for _, img := range prompt.Images {
		parts = append(parts, llms.BinaryPart(img.MIME, img.Data))
	}
	messages = append(messages, llms.MessageContent{Role: llms.ChatMessageTypeHuman, Parts: parts})

	resp, err := m.llm.GenerateContent(ctx, messages,
		llms.WithJSONMode(),
		llms.WithTemperature(m.temperature),
	)
	if err != nil {
		return nil, "", fmt.Errorf("%w: generate: %v", ErrUpstreamModel, err)
	}
	if len(resp.Choices) == 0 {
		return nil, "", fmt.Errorf("%w: model returned no choices", ErrUpstreamModel)
	}

	raw := strings.TrimSpace(resp.Choices[0].Content)

	parsed := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		m.log.Warn("model returned non-JSON output, using neutral default", zap.Error(err))
		return neutralDefault(raw), raw, nil
	}

	return parsed, raw, nil
}

// neutralDefault wraps unparseable model text into a reasoning-shaped object
// with neutral field values.
func neutralDefault(raw string) map[string]any {
	return map[string]any{
		"sessionPrediction": nil,
		"directionBias":     nil,
		"confidence":        nil,
		"reasoning":         raw,
		"similarImages":     []any{},
	}
}
