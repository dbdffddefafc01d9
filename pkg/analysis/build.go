package analysis

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Options selects and configures the providers behind a Pipeline.
type Options struct {
	Transcriber string // openai, cartesia, gemini
	Coach       string // openai, gemini

	OpenAIKey             string
	OpenAIBaseURL         string
	OpenAITranscribeModel string
	OpenAICoachModel      string
	CartesiaKey           string
	CartesiaModel         string
	CartesiaLanguage      string
	GeminiKey             string
	GeminiModel           string
	GeminiBaseURL         string

	HTTPClient *http.Client
}

// NewPipeline builds the configured transcriber and coach.
func NewPipeline(ctx context.Context, opts Options) (*Pipeline, error) {
	transcriber, err := newTranscriber(ctx, opts)
	if err != nil {
		return nil, err
	}
	coach, err := newCoach(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Pipeline{Transcriber: transcriber, Coach: coach}, nil
}

func newTranscriber(ctx context.Context, opts Options) (Transcriber, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Transcriber)) {
	case "", "openai":
		if opts.OpenAIKey == "" {
			return nil, fmt.Errorf("openai transcriber requires an api key")
		}
		return NewOpenAITranscriber(opts.OpenAIKey, opts.OpenAITranscribeModel, opts.OpenAIBaseURL, opts.HTTPClient), nil
	case "cartesia":
		if opts.CartesiaKey == "" {
			return nil, fmt.Errorf("cartesia transcriber requires an api key")
		}
		return NewCartesiaTranscriber(opts.CartesiaKey, opts.CartesiaModel, opts.CartesiaLanguage, opts.HTTPClient), nil
	case "gemini":
		return NewGeminiTranscriber(ctx, GeminiConfig{
			APIKey:     opts.GeminiKey,
			Model:      opts.GeminiModel,
			BaseURL:    opts.GeminiBaseURL,
			HTTPClient: opts.HTTPClient,
		})
	default:
		return nil, fmt.Errorf("unknown transcriber %q", opts.Transcriber)
	}
}

func newCoach(ctx context.Context, opts Options) (Coach, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Coach)) {
	case "", "openai":
		if opts.OpenAIKey == "" {
			return nil, fmt.Errorf("openai coach requires an api key")
		}
		return NewOpenAICoach(opts.OpenAIKey, opts.OpenAICoachModel, opts.OpenAIBaseURL, opts.HTTPClient), nil
	case "gemini":
		return NewGeminiCoach(ctx, GeminiConfig{
			APIKey:     opts.GeminiKey,
			Model:      opts.GeminiModel,
			BaseURL:    opts.GeminiBaseURL,
			HTTPClient: opts.HTTPClient,
		})
	default:
		return nil, fmt.Errorf("unknown coach %q", opts.Coach)
	}
}
