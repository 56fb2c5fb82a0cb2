// Package ai builds model inputs for insider events, judges them with
// Gemini, and validates the structured output before anything is persisted.
package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

// Generator produces model text for a prompt. The live implementation calls
// Gemini; tests substitute a canned one.
type Generator interface {
	GenerateJSON(ctx context.Context, prompt string, temperature float32, maxTokens int32) (string, error)
}

// GeminiClient calls the Gemini API with responseMimeType application/json.
type GeminiClient struct {
	apiKey  string
	model   string
	retries int
	log     zerolog.Logger
}

func NewGeminiClient(apiKey, model string, logger zerolog.Logger) *GeminiClient {
	return &GeminiClient{
		apiKey:  apiKey,
		model:   model,
		retries: 3,
		log:     logger.With().Str("component", "gemini").Logger(),
	}
}

// GenerateJSON returns the model text, which should be JSON but may still
// carry code fences or stray prose. Transient failures are retried with a
// linear backoff.
func (c *GeminiClient) GenerateJSON(ctx context.Context, prompt string, temperature float32, maxTokens int32) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("GEMINI_API_KEY is not set")
	}
	if prompt == "" {
		return "", fmt.Errorf("prompt is empty")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  c.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create genai client: %w", err)
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(temperature),
		MaxOutputTokens:  maxTokens,
		ResponseMIMEType: "application/json",
	}

	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * 1500 * time.Millisecond):
			}
		}

		result, err := client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), cfg)
		if err != nil {
			lastErr = err
			c.log.Warn().Err(err).Int("attempt", attempt+1).Msg("Gemini call failed")
			continue
		}

		text := result.Text()
		if text == "" {
			lastErr = fmt.Errorf("empty response from model")
			continue
		}
		return text, nil
	}
	return "", fmt.Errorf("failed to call Gemini after %d attempts: %w", c.retries, lastErr)
}
