package ai

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

const systemInstruction = "You are an expert email marketing copywriter. Create engaging, professional email content that drives action while maintaining authenticity and avoiding spam language."

// TextModel turns a prompt into raw model text.
type TextModel interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
	Name() string
}

// GenAIModel calls Gemini through the Google GenAI SDK in JSON response mode.
type GenAIModel struct {
	client *genai.Client
	model  string
}

func NewGenAIModel(ctx context.Context, apiKey, model string) (*GenAIModel, error) {
	if apiKey == "" {
		return nil, errors.New("AI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAIModel{client: client, model: model}, nil
}

func (m *GenAIModel) GenerateText(ctx context.Context, prompt string) (string, error) {
	resp, err := m.client.Models.GenerateContent(ctx, m.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemInstruction, genai.RoleUser),
			ResponseMIMEType:  "application/json",
			Temperature:       genai.Ptr[float32](0.7),
		},
	)
	if err != nil {
		return "", err
	}
	text := resp.Text()
	if text == "" {
		return "", errors.New("model returned no text")
	}
	return text, nil
}

func (m *GenAIModel) Name() string {
	return "genai:" + m.model
}
