package apierror

import (
	"context"
	"errors"
	"net/http"

	"github.com/sationly/sationly/pkg/billing"
	"github.com/sationly/sationly/pkg/core"
	"github.com/sationly/sationly/pkg/gateway/auth"
	"github.com/sationly/sationly/pkg/practice"
)

type Envelope struct {
	Error *core.Error `json:"error"`
}

// Legacy is the {message, details} body the /api endpoints answer with.
type Legacy struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func FromError(err error, requestID string) (*core.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	// Context timeouts/cancellation.
	if errors.Is(err, context.DeadlineExceeded) {
		return &core.Error{
			Type:      core.ErrAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &core.Error{
			Type:      core.ErrAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	// Already canonical.
	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr != nil {
		out := *coreErr
		out.RequestID = requestID
		return &out, coreErr.Type.Status()
	}

	if errors.Is(err, auth.ErrInvalidToken) {
		return &core.Error{
			Type:      core.ErrAuthentication,
			Message:   "invalid session",
			RequestID: requestID,
		}, http.StatusUnauthorized
	}

	var pe *practice.Error
	if errors.As(err, &pe) && pe != nil {
		return fromPractice(pe, requestID)
	}

	if be, ok := billing.AsError(err); ok {
		typ := core.TypeForStatus(be.Status)
		out := &core.Error{Type: typ, Message: be.Message, RequestID: requestID}
		if be.Details != "" {
			out.Details = map[string]any{"details": be.Details}
		}
		return out, be.Status
	}

	// Unknown errors: treat as internal API error (do not leak details by default).
	return &core.Error{
		Type:      core.ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func fromPractice(pe *practice.Error, requestID string) (*core.Error, int) {
	out := &core.Error{Message: pe.Message, Code: string(pe.Kind), RequestID: requestID}
	if pe.Details != "" {
		out.Details = map[string]any{"details": pe.Details}
	}
	// Per-turn failures report the underlying cause.
	kind := pe.Kind
	if kind == practice.KindAnalysisFailed {
		if inner := practice.KindOf(pe.Err); inner != "" {
			kind = inner
		}
	}
	switch kind {
	case practice.KindPolicyViolation:
		out.Type = core.ErrPermission
		return out, http.StatusForbidden
	case practice.KindUnsupportedFormat, practice.KindEmptyConversation, practice.KindDeviceUnavailable:
		out.Type = core.ErrInvalidRequest
		return out, http.StatusBadRequest
	case practice.KindInvalidTransition:
		out.Type = core.ErrInvalidRequest
		return out, http.StatusConflict
	case practice.KindServiceError, practice.KindAnalysisFailed:
		out.Type = core.ErrUpstream
		return out, http.StatusBadGateway
	default:
		out.Type = core.ErrAPI
		return out, http.StatusInternalServerError
	}
}

// LegacyFromError maps err to the {message, details} body and status used by
// the /api endpoints. Analysis failures other than a rejected format answer
// 500, matching what browser clients already handle.
func LegacyFromError(err error) (Legacy, int) {
	if err == nil {
		return Legacy{}, http.StatusOK
	}
	if be, ok := billing.AsError(err); ok {
		return Legacy{Message: be.Message, Details: be.Details}, be.Status
	}
	var pe *practice.Error
	if errors.As(err, &pe) && pe != nil {
		status := http.StatusInternalServerError
		switch pe.Kind {
		case practice.KindUnsupportedFormat:
			status = http.StatusBadRequest
		case practice.KindPolicyViolation:
			status = http.StatusForbidden
		}
		return Legacy{Message: pe.Message, Details: pe.Details}, status
	}
	ce, status := FromError(err, "")
	return Legacy{Message: ce.Message}, status
}
