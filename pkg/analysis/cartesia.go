package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
)

const (
	cartesiaBaseURL = "https://api.cartesia.ai"
	cartesiaVersion = "2025-04-16"
)

// CartesiaTranscriber transcribes recordings with Cartesia's batch STT API.
type CartesiaTranscriber struct {
	apiKey     string
	baseURL    string
	model      string
	language   string
	httpClient *http.Client
}

// NewCartesiaTranscriber creates a transcriber. Empty model defaults to
// ink-whisper.
func NewCartesiaTranscriber(apiKey, model, language string, client *http.Client) *CartesiaTranscriber {
	if model == "" {
		model = "ink-whisper"
	}
	if client == nil {
		client = &http.Client{}
	}
	return &CartesiaTranscriber{
		apiKey:     apiKey,
		baseURL:    cartesiaBaseURL,
		model:      model,
		language:   language,
		httpClient: client,
	}
}

// WithBaseURL points the transcriber at another host.
func (c *CartesiaTranscriber) WithBaseURL(u string) *CartesiaTranscriber {
	if u != "" {
		c.baseURL = strings.TrimRight(u, "/")
	}
	return c
}

func (c *CartesiaTranscriber) Name() string {
	return "cartesia"
}

type cartesiaTranscriptionResponse struct {
	Text     string   `json:"text"`
	Language *string  `json:"language,omitempty"`
	Duration *float64 `json:"duration,omitempty"`
}

func (c *CartesiaTranscriber) Transcribe(ctx context.Context, audio []byte, filename, _ string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", cartesiaFilename(filename))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return "", fmt.Errorf("write audio data: %w", err)
	}
	if err := mw.WriteField("model", c.model); err != nil {
		return "", fmt.Errorf("write model field: %w", err)
	}
	if c.language != "" {
		if err := mw.WriteField("language", c.language); err != nil {
			return "", fmt.Errorf("write language field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/stt", &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("cartesia request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", &ProviderError{
			Provider:   "cartesia",
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       string(body),
		}
	}

	var out cartesiaTranscriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	return out.Text, nil
}

// cartesiaFilename keeps the upload name when its extension is one Cartesia
// decodes, otherwise falls back to webm.
func cartesiaFilename(name string) string {
	ext := ""
	if i := strings.LastIndex(name, "."); i >= 0 {
		ext = strings.ToLower(name[i+1:])
	}
	switch ext {
	case "wav", "mp3", "webm", "ogg", "flac", "m4a", "mp4", "mpeg", "mpga", "oga":
		return "audio." + ext
	default:
		return "audio.webm"
	}
}
