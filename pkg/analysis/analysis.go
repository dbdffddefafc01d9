// Package analysis converts one recorded turn into coach feedback: a
// Transcriber turns audio into text and a Coach scores the text against the
// user's conversation goal.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sationly/sationly/pkg/practice"
)

// SystemPrompt instructs the coach model.
const SystemPrompt = "You are a confident, empathetic conversation coach. Adapt your tone and style to the user's stated conversation goal. " +
	"If the goal is romantic, keep the flirtatious warmth; if it is professional, be polished and encouraging; if it is custom, mirror the intent provided. " +
	"Respond strictly with valid JSON that follows the provided schema. Rating is an integer 1-100 reflecting how well the user matched the desired tone, confidence, and goal. " +
	"Fixes are concise bullet-style strings highlighting improvements around tonality, word choice, pacing, pauses, stutters, etc."

// Request is one turn to analyze.
type Request struct {
	Audio           []byte
	MIMEType        string
	Extension       string
	Goal            string
	RawGoal         string
	CustomGoal      string
	DurationMinutes int
}

// Filename is the name the audio is uploaded under; providers use the
// extension to pick a decoder.
func (r Request) Filename() string {
	ext := strings.TrimPrefix(r.Extension, ".")
	if ext == "" {
		ext = "webm"
	}
	return "audio." + ext
}

// Prompt is the user message sent to the coach.
type Prompt struct {
	Goal            string
	RawGoal         string
	CustomGoal      string
	DurationMinutes int
	Transcript      string
}

// Text renders the prompt body.
func (p Prompt) Text() string {
	return fmt.Sprintf("Conversation goal: %s\nRaw goal value: %s\nCustom goal description: %s\nDuration: %d minutes\nTranscript:\n%s",
		p.Goal, p.RawGoal, p.CustomGoal, p.DurationMinutes, p.Transcript)
}

// Transcriber is the speech-to-text half of the analysis boundary.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, audio []byte, filename, mimeType string) (string, error)
}

// Coach is the language-model half. It returns the raw JSON feedback object
// so the caller validates it against the turn schema.
type Coach interface {
	Name() string
	Feedback(ctx context.Context, prompt Prompt) ([]byte, error)
}

// Service is the whole analysis boundary.
type Service interface {
	Analyze(ctx context.Context, req Request) (practice.Turn, error)
}

// Pipeline chains a Transcriber and a Coach.
type Pipeline struct {
	Transcriber Transcriber
	Coach       Coach
}

// Analyze transcribes then scores the turn. Provider failures come back as
// *ProviderError; schema violations as practice MalformedAnalysis errors.
func (p Pipeline) Analyze(ctx context.Context, req Request) (practice.Turn, error) {
	if p.Transcriber == nil || p.Coach == nil {
		return practice.Turn{}, errors.New("analysis pipeline is not configured")
	}
	if len(req.Audio) == 0 {
		return practice.Turn{}, &ProviderError{Provider: "request", StatusCode: 400, Message: "audio is empty"}
	}

	transcript, err := p.Transcriber.Transcribe(ctx, req.Audio, req.Filename(), req.MIMEType)
	if err != nil {
		return practice.Turn{}, fmt.Errorf("transcribe: %w", err)
	}
	transcript = strings.TrimSpace(transcript)

	raw, err := p.Coach.Feedback(ctx, Prompt{
		Goal:            req.Goal,
		RawGoal:         req.RawGoal,
		CustomGoal:      req.CustomGoal,
		DurationMinutes: req.DurationMinutes,
		Transcript:      transcript,
	})
	if err != nil {
		return practice.Turn{}, fmt.Errorf("coach: %w", err)
	}

	turn, err := practice.DecodeTurn(raw, false)
	if err != nil {
		return practice.Turn{}, err
	}
	turn.Transcript = transcript
	return turn, nil
}

// ProviderError is a failed call to an upstream provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Body       string
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	if e.Body != "" {
		return fmt.Sprintf("%s error %d: %s: %s", e.Provider, e.StatusCode, e.Message, e.Body)
	}
	return fmt.Sprintf("%s error %d: %s", e.Provider, e.StatusCode, e.Message)
}

// BadRequest reports whether the provider rejected the input itself, which
// for audio uploads almost always means an unsupported container or codec.
func (e *ProviderError) BadRequest() bool {
	return e != nil && e.StatusCode == 400
}

// Classify converts an analysis failure into the practice error taxonomy.
func Classify(err error) *practice.Error {
	if err == nil {
		return nil
	}
	var pe *practice.Error
	if errors.As(err, &pe) && pe != nil {
		return pe
	}
	var provErr *ProviderError
	if errors.As(err, &provErr) && provErr.BadRequest() {
		return practice.UnsupportedFormat(provErr.Error())
	}
	return practice.ServiceError(err.Error(), err)
}

// JSONSchema is the turn feedback schema shared by the coaches.
func JSONSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"response": map[string]any{"type": "string"},
			"rating": map[string]any{
				"type":    "integer",
				"minimum": practice.MinRating,
				"maximum": practice.MaxRating,
			},
			"fixes": map[string]any{
				"type":     "array",
				"items":    map[string]any{"type": "string"},
				"minItems": 1,
			},
		},
		"required":             []string{"response", "rating", "fixes"},
		"additionalProperties": false,
	}
}
