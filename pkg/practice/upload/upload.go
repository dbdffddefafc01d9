// Package upload sends one recorded turn for analysis. Every call is exactly
// one attempt; retrying is the caller's decision.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/sationly/sationly/pkg/analysis"
	"github.com/sationly/sationly/pkg/practice"
	"github.com/sationly/sationly/pkg/practice/capture"
)

// Metadata describes the turn being uploaded.
type Metadata struct {
	Goal            string
	RawGoalKey      string
	CustomGoal      string
	DurationMinutes int
	EnvironmentID   string
	Extension       string
}

// Uploader analyzes one turn. Errors are *practice.Error values of kind
// UnsupportedFormat, ServiceError or MalformedAnalysis.
type Uploader interface {
	Upload(ctx context.Context, audio []byte, mimeType string, meta Metadata) (practice.Turn, error)
}

// HTTPUploader posts the turn to the /api/sessions endpoint.
type HTTPUploader struct {
	Endpoint   string
	HTTPClient *http.Client
	// Token, when set, is sent as a bearer credential.
	Token string
}

// NewHTTPUploader creates an uploader. A nil client gets one without a
// timeout; analysis can legitimately take a long time.
func NewHTTPUploader(endpoint string, client *http.Client) *HTTPUploader {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPUploader{Endpoint: endpoint, HTTPClient: client}
}

type errorBody struct {
	Message string `json:"message"`
	Details string `json:"details"`
}

func (u *HTTPUploader) Upload(ctx context.Context, audio []byte, mimeType string, meta Metadata) (practice.Turn, error) {
	body, contentType, err := encodeForm(audio, mimeType, meta)
	if err != nil {
		return practice.Turn{}, practice.ServiceError(err.Error(), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.Endpoint, body)
	if err != nil {
		return practice.Turn{}, practice.ServiceError(err.Error(), err)
	}
	req.Header.Set("Content-Type", contentType)
	if u.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.Token)
	}

	client := u.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return practice.Turn{}, practice.ServiceError(err.Error(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return practice.Turn{}, practice.ServiceError(err.Error(), err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return practice.DecodeTurn(data, true)
	case resp.StatusCode == http.StatusBadRequest:
		return practice.Turn{}, practice.UnsupportedFormat(remoteDetails(data))
	default:
		return practice.Turn{}, practice.ServiceError(remoteDetails(data), fmt.Errorf("analysis endpoint returned %d", resp.StatusCode))
	}
}

func remoteDetails(data []byte) string {
	var eb errorBody
	if err := json.Unmarshal(data, &eb); err == nil {
		if eb.Details != "" {
			return eb.Details
		}
		if eb.Message != "" {
			return eb.Message
		}
	}
	return strings.TrimSpace(string(data))
}

func encodeForm(audio []byte, mimeType string, meta Metadata) (*bytes.Buffer, string, error) {
	ext := capture.ResolveExtension(capture.ExtensionHints{
		Explicit:       meta.Extension,
		ClientMIMEType: mimeType,
	})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename="session.%s"`, ext))
	if mimeType != "" {
		h.Set("Content-Type", mimeType)
	} else {
		h.Set("Content-Type", "application/octet-stream")
	}
	fw, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create audio part: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return nil, "", fmt.Errorf("write audio part: %w", err)
	}

	fields := [][2]string{
		{"goal", meta.Goal},
		{"rawGoal", meta.RawGoalKey},
		{"customGoal", meta.CustomGoal},
		{"duration", strconv.Itoa(meta.DurationMinutes)},
		{"mimeType", mimeType},
		{"fileExtension", ext},
		{"environmentId", meta.EnvironmentID},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("write %s field: %w", f[0], err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

// DirectUploader calls the analysis service in process. It is used by the
// practice socket, which already runs next to the analysis providers.
type DirectUploader struct {
	Service analysis.Service
	Timeout time.Duration
}

func (u DirectUploader) Upload(ctx context.Context, audio []byte, mimeType string, meta Metadata) (practice.Turn, error) {
	if u.Service == nil {
		return practice.Turn{}, practice.ServiceError("analysis service is not configured", nil)
	}
	if u.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.Timeout)
		defer cancel()
	}
	ext := capture.ResolveExtension(capture.ExtensionHints{
		Explicit:       meta.Extension,
		ClientMIMEType: mimeType,
	})
	turn, err := u.Service.Analyze(ctx, analysis.Request{
		Audio:           audio,
		MIMEType:        mimeType,
		Extension:       ext,
		Goal:            meta.Goal,
		RawGoal:         meta.RawGoalKey,
		CustomGoal:      meta.CustomGoal,
		DurationMinutes: meta.DurationMinutes,
	})
	if err != nil {
		return practice.Turn{}, analysis.Classify(err)
	}
	if err := practice.ValidateTurn(turn); err != nil {
		return practice.Turn{}, err
	}
	return turn, nil
}
