package llm

import (
	"context"
	"fmt"
	log "log/slog"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

const DefaultGeminiModel = "gemini-2.5-flash"

type Gemini struct {
	client *genai.Client
	model  string
}

type GeminiOptions struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

func NewGemini(ctx context.Context, opt GeminiOptions) (*Gemini, error) {
	cfg := &genai.ClientConfig{
		APIKey:     opt.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: opt.HTTPClient,
	}
	if opt.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: opt.BaseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	model := opt.Model
	if model == "" {
		model = DefaultGeminiModel
	}
	return &Gemini{client: client, model: model}, nil
}

// Generate returns the text of the first candidate.
func (g *Gemini) Generate(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		log.Warn("generation without candidates", "model", g.model)
		return "", nil
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		b.WriteString(part.Text)
	}

	text := strings.TrimSpace(b.String())
	log.Debug("Generated", "model", g.model, "chars", len(text))
	return text, nil
}
