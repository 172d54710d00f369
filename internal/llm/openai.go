package llm

import (
	"context"
	"fmt"
	log "log/slog"
	"strings"

	openai "github.com/openai/openai-go/v3"
)

type OpenAI struct {
	client openai.Client
	model  string
}

func NewOpenAI(client openai.Client, model string) *OpenAI {
	if model == "" {
		model = string(openai.ChatModelGPT5Nano)
	}
	return &OpenAI{client: client, model: model}
}

func (o *OpenAI) Generate(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Model: openai.ChatModel(o.model),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		log.Warn("chat completion without choices", "model", o.model)
		return "", nil
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	log.Debug("Generated", "model", o.model, "chars", len(content))
	return content, nil
}
