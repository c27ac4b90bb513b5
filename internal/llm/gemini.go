package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"twinloop/internal/errs"
)

// GeminiClient implements Client using Google's Gemini API.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient creates a Gemini-backed client.
func NewGeminiClient(apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, errs.New(errs.Validation, "Gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiClient{
		client: client,
		model:  model,
	}, nil
}

// Complete sends a prompt and returns the completion.
func (g *GeminiClient) Complete(ctx context.Context, prompt string) (string, error) {
	return g.generate(ctx, nil, prompt)
}

// CompleteWithSystem sends a prompt with a system instruction.
func (g *GeminiClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var config *genai.GenerateContentConfig
	if systemPrompt != "" {
		config = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		}
	}
	return g.generate(ctx, config, userPrompt)
}

func (g *GeminiClient) generate(ctx context.Context, config *genai.GenerateContentConfig, prompt string) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return "", errs.Wrap(err, errs.ExternalService, "GenAI generate failed")
	}

	text := result.Text()
	if text == "" {
		return "", errs.New(errs.ExternalService, "GenAI returned empty response")
	}
	return text, nil
}

// Close closes the underlying client. The genai.Client holds no
// resources that require explicit closing, so this is a no-op.
func (g *GeminiClient) Close() error {
	return nil
}
