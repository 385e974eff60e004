package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

// Generator produces a single non-streamed completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// NewOllamaClient returns an API client for the Ollama server at baseURL.
func NewOllamaClient(baseURL string, httpClient *http.Client) (*api.Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: scheme and host required", baseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return api.NewClient(parsed, httpClient), nil
}

// OllamaGenerator asks an Ollama model for a completion, JSON unless built
// with NewOllamaTextGenerator.
type OllamaGenerator struct {
	client      *api.Client
	model       string
	temperature float64
	format      json.RawMessage
}

// NewOllamaGenerator creates a generator for model that requests JSON output.
func NewOllamaGenerator(client *api.Client, model string, temperature float64) *OllamaGenerator {
	return &OllamaGenerator{
		client:      client,
		model:       model,
		temperature: temperature,
		format:      json.RawMessage(`"json"`),
	}
}

// NewOllamaTextGenerator creates a generator for free-form prose.
func NewOllamaTextGenerator(client *api.Client, model string, temperature float64) *OllamaGenerator {
	return &OllamaGenerator{
		client:      client,
		model:       model,
		temperature: temperature,
	}
}

// Model returns the model name.
func (g *OllamaGenerator) Model() string { return g.model }

// Generate sends the prompt and returns the complete response text.
func (g *OllamaGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	req := &api.GenerateRequest{
		Model:  g.model,
		Prompt: prompt,
		Stream: new(bool), // false
		Format: g.format,
		Options: map[string]any{
			"temperature": g.temperature,
		},
	}

	var fullResponse strings.Builder
	err := g.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		fullResponse.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama generate (%s): %w", g.model, err)
	}
	return fullResponse.String(), nil
}

// truncateText truncates text to maxLen bytes without splitting a rune.
func truncateText(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	cut := maxLen
	for cut > 0 && !isRuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// extractJSON attempts to extract JSON from a text response that might contain extra text
func extractJSON(text string) string {
	// Find first { and last }
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
