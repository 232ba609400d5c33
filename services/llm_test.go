package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
)

type fakeGenerator struct {
	content  string
	err      error
	messages []llms.MessageContent
	calls    int
}

func (f *fakeGenerator) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.calls++
	f.messages = messages
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: f.content}},
	}, nil
}

func newTestAdapter(gen *fakeGenerator) *ModelAdapter {
	return &ModelAdapter{llm: gen, temperature: 0.1, timeout: time.Second, log: zap.NewNop()}
}

func TestInvokeParsesStructuredResponse(t *testing.T) {
	gen := &fakeGenerator{content: `{"sessionPrediction":"Bullish","confidence":80,"reasoning":"higher lows on the edge map"}`}
	adapter := newTestAdapter(gen)

	parsed, raw, err := adapter.Invoke(context.Background(), &AssembledPrompt{Text: "analyze"})
	require.NoError(t, err)

	assert.Equal(t, "Bullish", parsed["sessionPrediction"])
	assert.Contains(t, raw, "higher lows")
	assert.Equal(t, 1, gen.calls)
}

func TestInvokeRecoversFromNonJSON(t *testing.T) {
	gen := &fakeGenerator{content: "The chart looks bullish to me, roughly 80% sure."}
	adapter := newTestAdapter(gen)

	parsed, raw, err := adapter.Invoke(context.Background(), &AssembledPrompt{Text: "analyze"})

	// Malformed output is recoverable, never fatal.
	require.NoError(t, err)
	assert.Equal(t, gen.content, raw)
	assert.Equal(t, gen.content, parsed["reasoning"])
	assert.Nil(t, parsed["sessionPrediction"])
	assert.Nil(t, parsed["confidence"])
}

func TestInvokeUpstreamFailure(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("connection refused")}
	adapter := newTestAdapter(gen)

	_, _, err := adapter.Invoke(context.Background(), &AssembledPrompt{Text: "analyze"})
	require.ErrorIs(t, err, ErrUpstreamModel)
}

func TestInvokeEmptyChoices(t *testing.T) {
	adapter := &ModelAdapter{
		llm: generatorFunc(func() (*llms.ContentResponse, error) {
			return &llms.ContentResponse{}, nil
		}),
		temperature: 0.1, timeout: time.Second, log: zap.NewNop(),
	}

	_, _, err := adapter.Invoke(context.Background(), &AssembledPrompt{Text: "analyze"})
	require.ErrorIs(t, err, ErrUpstreamModel)
}

type generatorFunc func() (*llms.ContentResponse, error)

func (f generatorFunc) GenerateContent(context.Context, []llms.MessageContent, ...llms.CallOption) (*llms.ContentResponse, error) {
	return f()
}

func TestInvokeMessageShape(t *testing.T) {
	gen := &fakeGenerator{content: `{}`}
	adapter := newTestAdapter(gen)

	prompt := &AssembledPrompt{
		System: "You are a chart analyst.",
		Text:   "analyze",
		Images: []ImageAttachment{
			{Label: "target original", MIME: "image/png", Data: []byte{1}},
			{Label: "target depth", MIME: "image/png", Data: []byte{2}},
		},
	}

	_, _, err := adapter.Invoke(context.Background(), prompt)
	require.NoError(t, err)

	// One system message plus one human message carrying text then images in
	// assembly order.
	require.Len(t, gen.messages, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, gen.messages[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, gen.messages[1].Role)
	require.Len(t, gen.messages[1].Parts, 3)
	assert.IsType(t, llms.TextContent{}, gen.messages[1].Parts[0])
	assert.IsType(t, llms.BinaryContent{}, gen.messages[1].Parts[1])
}
