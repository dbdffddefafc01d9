package analysis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

const DefaultGeminiModel = "gemini-2.5-flash"

// GeminiConfig configures the Gemini-backed coach and transcriber.
type GeminiConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

func newGeminiClient(ctx context.Context, cfg GeminiConfig) (*genai.Client, string, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, "", errors.New("gemini api key is required")
	}
	model := cfg.Model
	if model == "" {
		model = DefaultGeminiModel
	}
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: strings.TrimRight(cfg.BaseURL, "/") + "/"}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, "", fmt.Errorf("create gemini client: %w", err)
	}
	return client, model, nil
}

// GeminiCoach scores transcripts with Gemini structured output.
type GeminiCoach struct {
	client *genai.Client
	model  string
}

func NewGeminiCoach(ctx context.Context, cfg GeminiConfig) (*GeminiCoach, error) {
	client, model, err := newGeminiClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &GeminiCoach{client: client, model: model}, nil
}

func (c *GeminiCoach) Name() string {
	return "gemini"
}

func (c *GeminiCoach) Feedback(ctx context.Context, prompt Prompt) ([]byte, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt.Text()), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(SystemPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		ResponseSchema:    geminiTurnSchema(),
	})
	if err != nil {
		return nil, geminiError(err)
	}
	text := strings.TrimSpace(resp.Text())
	if !isJSONObject(text) {
		return nil, &ProviderError{Provider: "gemini", StatusCode: http.StatusBadGateway, Message: "unable to parse analysis response"}
	}
	return []byte(text), nil
}

// GeminiTranscriber sends the audio inline and asks for a verbatim
// transcript.
type GeminiTranscriber struct {
	client *genai.Client
	model  string
}

func NewGeminiTranscriber(ctx context.Context, cfg GeminiConfig) (*GeminiTranscriber, error) {
	client, model, err := newGeminiClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &GeminiTranscriber{client: client, model: model}, nil
}

func (t *GeminiTranscriber) Name() string {
	return "gemini"
}

func (t *GeminiTranscriber) Transcribe(ctx context.Context, audio []byte, _ string, mimeType string) (string, error) {
	if mimeType == "" {
		mimeType = "audio/webm"
	}
	// Gemini rejects codec parameters on inline data.
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	contents := []*genai.Content{genai.NewContentFromParts([]*genai.Part{
		genai.NewPartFromText("Transcribe this recording verbatim. Return only the spoken words."),
		genai.NewPartFromBytes(audio, mimeType),
	}, genai.RoleUser)}

	resp, err := t.client.Models.GenerateContent(ctx, t.model, contents, nil)
	if err != nil {
		return "", geminiError(err)
	}
	return strings.TrimSpace(resp.Text()), nil
}

func geminiTurnSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"response": {Type: genai.TypeString},
			"rating": {
				Type:    genai.TypeInteger,
				Minimum: genai.Ptr[float64](1),
				Maximum: genai.Ptr[float64](100),
			},
			"fixes": {
				Type:     genai.TypeArray,
				Items:    &genai.Schema{Type: genai.TypeString},
				MinItems: genai.Ptr[int64](1),
			},
		},
		Required:         []string{"response", "rating", "fixes"},
		PropertyOrdering: []string{"response", "rating", "fixes"},
	}
}

func geminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: "gemini", StatusCode: apiErr.Code, Message: apiErr.Message}
	}
	return fmt.Errorf("gemini request: %w", err)
}
