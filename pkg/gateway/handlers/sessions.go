package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sationly/sationly/pkg/analysis"
	"github.com/sationly/sationly/pkg/gateway/auth"
	"github.com/sationly/sationly/pkg/gateway/config"
	"github.com/sationly/sationly/pkg/practice"
	"github.com/sationly/sationly/pkg/practice/capture"
	"github.com/sationly/sationly/pkg/practice/journal"
)

const defaultTurnDurationMinutes = 3

// multipartOverhead covers form fields and part headers on top of the audio.
const multipartOverhead = 64 << 10

// SessionsHandler serves POST /api/sessions: one recorded turn in, feedback
// out.
type SessionsHandler struct {
	Config   config.Config
	Analysis analysis.Service
	Journal  *journal.Journal
	Logger   *slog.Logger
	// Timeout bounds the provider round trip. Zero means no extra bound.
	Timeout time.Duration
}

type sessionResponse struct {
	Transcript string   `json:"transcript"`
	Response   string   `json:"response"`
	Rating     int      `json:"rating"`
	Fixes      []string `json:"fixes"`
	RawGoal    string   `json:"rawGoal"`
	CustomGoal string   `json:"customGoal"`
	Goal       string   `json:"goal"`
	Duration   int      `json:"duration"`
}

func (h SessionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeLegacyMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if h.Analysis == nil {
		writeLegacyMessage(w, http.StatusInternalServerError, "Analysis service is not configured on the server.")
		return
	}

	maxAudio := h.Config.MaxUploadBytes
	if maxAudio <= 0 {
		maxAudio = 10 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxAudio+multipartOverhead)
	if err := r.ParseMultipartForm(maxAudio + multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeLegacyMessage(w, http.StatusRequestEntityTooLarge, "Audio file is too large.")
			return
		}
		writeLegacyMessage(w, http.StatusBadRequest, "Audio file is required.")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeLegacyMessage(w, http.StatusBadRequest, "Audio file is required.")
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(io.LimitReader(file, maxAudio+1))
	if err != nil {
		writeLegacyMessage(w, http.StatusBadRequest, "Audio file is required.")
		return
	}
	if int64(len(audio)) > maxAudio {
		writeLegacyMessage(w, http.StatusRequestEntityTooLarge, "Audio file is too large.")
		return
	}
	if len(audio) == 0 {
		writeLegacyMessage(w, http.StatusBadRequest, "Audio file is required.")
		return
	}

	goal := formValueOr(r, "goal", practice.DefaultGoal)
	rawGoal := r.FormValue("rawGoal")
	customGoal := r.FormValue("customGoal")
	duration := parseDuration(r)

	serverMIME := header.Header.Get("Content-Type")
	clientMIME := strings.TrimSpace(r.FormValue("mimeType"))
	ext := capture.ResolveExtension(capture.ExtensionHints{
		Explicit:       r.FormValue("fileExtension"),
		Filename:       header.Filename,
		ClientMIMEType: clientMIME,
		ServerMIMEType: serverMIME,
	})
	mimeType := clientMIME
	if mimeType == "" {
		mimeType = serverMIME
	}

	ctx := r.Context()
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	turn, err := h.Analysis.Analyze(ctx, analysis.Request{
		Audio:           audio,
		MIMEType:        mimeType,
		Extension:       ext,
		Goal:            goal,
		RawGoal:         rawGoal,
		CustomGoal:      customGoal,
		DurationMinutes: duration,
	})
	if err == nil {
		err = practice.ValidateTurn(turn)
	}
	if err != nil {
		pe := analysis.Classify(err)
		h.logger().Error("session processing failed",
			"request_id", requestIDFromContext(r.Context()),
			"kind", pe.Kind,
			"details", pe.Details,
			"extension", ext,
			"error", err,
		)
		writeLegacyError(w, pe)
		return
	}

	var userID string
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		userID = p.UserID
	}
	h.Journal.Record(r.Context(), journal.Entry{
		Record: practice.TurnRecord{
			UserID:          userID,
			EnvironmentID:   strings.TrimSpace(r.FormValue("environmentId")),
			Goal:            goal,
			RawGoalKey:      rawGoal,
			CustomGoalText:  customGoal,
			DurationMinutes: duration,
			Turn:            turn,
		},
		Audio:    audio,
		MIMEType: mimeType,
		Ext:      ext,
	})

	writeJSON(w, http.StatusOK, sessionResponse{
		Transcript: turn.Transcript,
		Response:   turn.Response,
		Rating:     turn.Rating,
		Fixes:      turn.Fixes,
		RawGoal:    rawGoal,
		CustomGoal: customGoal,
		Goal:       goal,
		Duration:   duration,
	})
}

func (h SessionsHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func formValueOr(r *http.Request, key, def string) string {
	if _, ok := r.MultipartForm.Value[key]; !ok {
		return def
	}
	return r.FormValue(key)
}

// parseDuration reads the duration field: absent means the default, and a
// value that is not a number means 0.
func parseDuration(r *http.Request) int {
	if _, ok := r.MultipartForm.Value["duration"]; !ok {
		return defaultTurnDurationMinutes
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(r.FormValue("duration")), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int(f)
}
