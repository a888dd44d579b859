package assist

import (
	"context"
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"google.golang.org/genai"
)

// DefaultModel is used when WEEKWISE_AI_MODEL is unset.
const DefaultModel = "gemini-2.0-flash"

// Gemini is an Engine backed by the Gemini API with structured output.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini engine for model.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

// Generate implements Engine.
func (g *Gemini) Generate(ctx context.Context, prompt string, schema *genai.Schema) ([]byte, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   schema,
	})
	if err != nil {
		return nil, err
	}
	text := resp.Text()
	if text == "" {
		return nil, errors.New("empty model response")
	}
	return []byte(text), nil
}

// FromEnv builds a Bridge from GEMINI_API_KEY and WEEKWISE_AI_MODEL. Without
// a key the bridge has no engine and every call reports the generic failure.
func FromEnv(ctx context.Context, logger *log.Logger) *Bridge {
	if logger == nil {
		logger = log.StandardLogger()
	}
	key := os.Getenv("GEMINI_API_KEY")
	if key == "" {
		logger.Warn("assist: GEMINI_API_KEY not set; suggestions and summaries disabled")
		return NewBridge(nil, logger)
	}
	engine, err := NewGemini(ctx, key, os.Getenv("WEEKWISE_AI_MODEL"))
	if err != nil {
		logger.WithError(err).Warn("assist: model unavailable")
		return NewBridge(nil, logger)
	}
	return NewBridge(engine, logger)
}
