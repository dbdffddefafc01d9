package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
)

const (
	openAIBaseURL            = "https://api.openai.com"
	DefaultOpenAITranscriber = "gpt-4o-transcribe"
	DefaultOpenAICoach       = "gpt-4.1-mini"
)

type openAIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func newOpenAIClient(apiKey, baseURL string, client *http.Client) openAIClient {
	if baseURL == "" {
		baseURL = openAIBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return openAIClient{apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/"), httpClient: client}
}

func (c openAIClient) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{
			Provider:   "openai",
			StatusCode: resp.StatusCode,
			Message:    openAIErrorMessage(body),
			Body:       string(body),
		}
	}
	return body, nil
}

func openAIErrorMessage(body []byte) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return http.StatusText(http.StatusBadGateway)
}

// OpenAITranscriber uses the audio transcription endpoint.
type OpenAITranscriber struct {
	client openAIClient
	model  string
}

// NewOpenAITranscriber creates a transcriber. Empty model and baseURL use the
// defaults.
func NewOpenAITranscriber(apiKey, model, baseURL string, client *http.Client) *OpenAITranscriber {
	if model == "" {
		model = DefaultOpenAITranscriber
	}
	return &OpenAITranscriber{client: newOpenAIClient(apiKey, baseURL, client), model: model}
}

func (t *OpenAITranscriber) Name() string {
	return "openai"
}

func (t *OpenAITranscriber) Transcribe(ctx context.Context, audio []byte, filename, mimeType string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if mimeType != "" {
		h.Set("Content-Type", mimeType)
	} else {
		h.Set("Content-Type", "application/octet-stream")
	}
	fw, err := mw.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return "", fmt.Errorf("write audio data: %w", err)
	}
	if err := mw.WriteField("model", t.model); err != nil {
		return "", fmt.Errorf("write model field: %w", err)
	}
	if err := mw.WriteField("response_format", "text"); err != nil {
		return "", fmt.Errorf("write response_format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.client.baseURL+"/v1/audio/transcriptions", &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	body, err := t.client.do(req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// OpenAICoach scores transcripts with the Responses API and a strict JSON
// schema.
type OpenAICoach struct {
	client openAIClient
	model  string
}

func NewOpenAICoach(apiKey, model, baseURL string, client *http.Client) *OpenAICoach {
	if model == "" {
		model = DefaultOpenAICoach
	}
	return &OpenAICoach{client: newOpenAIClient(apiKey, baseURL, client), model: model}
}

func (c *OpenAICoach) Name() string {
	return "openai"
}

type responsesRequest struct {
	Model string             `json:"model"`
	Input []responsesMessage `json:"input"`
	Text  responsesText      `json:"text"`
}

type responsesMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responsesText struct {
	Format responsesFormat `json:"format"`
}

type responsesFormat struct {
	Type   string         `json:"type"`
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string          `json:"type"`
			Text *string         `json:"text,omitempty"`
			JSON json.RawMessage `json:"json,omitempty"`
		} `json:"content"`
	} `json:"output"`
	OutputText *string `json:"output_text,omitempty"`
}

func (c *OpenAICoach) Feedback(ctx context.Context, prompt Prompt) ([]byte, error) {
	payload := responsesRequest{
		Model: c.model,
		Input: []responsesMessage{
			{Role: "system", Content: SystemPrompt},
			{Role: "user", Content: prompt.Text()},
		},
		Text: responsesText{Format: responsesFormat{
			Type:   "json_schema",
			Name:   "conversation_turn",
			Schema: JSONSchema(),
			Strict: true,
		}},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.client.baseURL+"/v1/responses", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.client.do(req)
	if err != nil {
		return nil, err
	}

	var resp responsesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if out, ok := extractFeedback(resp); ok {
		return out, nil
	}
	return nil, &ProviderError{Provider: "openai", StatusCode: http.StatusBadGateway, Message: "unable to parse analysis response"}
}

// extractFeedback finds the first JSON object in the response: structured
// json parts first, then text parts, then the aggregated output_text.
func extractFeedback(resp responsesResponse) ([]byte, bool) {
	for _, out := range resp.Output {
		for _, part := range out.Content {
			if len(part.JSON) > 0 && json.Valid(part.JSON) && bytes.HasPrefix(bytes.TrimSpace(part.JSON), []byte("{")) {
				return part.JSON, true
			}
			if part.Text != nil && isJSONObject(*part.Text) {
				return []byte(*part.Text), true
			}
		}
	}
	if resp.OutputText != nil && isJSONObject(*resp.OutputText) {
		return []byte(*resp.OutputText), true
	}
	return nil, false
}

func isJSONObject(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") && json.Valid([]byte(s))
}
