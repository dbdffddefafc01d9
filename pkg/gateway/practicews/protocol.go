// Package practicews is the wire protocol of the practice socket: the frames
// a browser tab sends, the frames the server pushes back, and the writer and
// tracker that carry them.
package practicews

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sationly/sationly/pkg/practice"
	"github.com/sationly/sationly/pkg/practice/session"
)

const ProtocolVersion1 = "1"

const (
	OpStopTurn        = "stop_turn"
	OpEndConversation = "end_conversation"
	OpReset           = "reset"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

type HelloClient struct {
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
}

type HelloAuth struct {
	Token string `json:"token,omitempty"`
}

// HelloAudio lists the MediaRecorder encodings the tab can produce.
type HelloAudio struct {
	MIMETypes []string `json:"mime_types,omitempty"`
}

type ClientHello struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Client          HelloClient `json:"client,omitempty"`
	Auth            *HelloAuth  `json:"auth,omitempty"`
	Audio           HelloAudio  `json:"audio,omitempty"`
}

func (h ClientHello) RedactedForLog() map[string]any {
	return map[string]any{
		"type":             h.Type,
		"protocol_version": h.ProtocolVersion,
		"client":           h.Client,
		"mime_types":       h.Audio.MIMETypes,
		"has_token":        h.Auth != nil && strings.TrimSpace(h.Auth.Token) != "",
	}
}

// ClientStartTurn opens a turn. Goal is the preset key; CustomGoal, when
// set, overrides it.
type ClientStartTurn struct {
	Type       string `json:"type"`
	Goal       string `json:"goal,omitempty"`
	CustomGoal string `json:"custom_goal,omitempty"`
	Duration   int    `json:"duration,omitempty"`
}

type ClientControl struct {
	Type string `json:"type"`
	Op   string `json:"op"`
}

func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "hello":
		var msg ClientHello
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid hello frame", "")
		}
		if err := ValidateHello(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "start_turn":
		var msg ClientStartTurn
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start_turn", "")
		}
		if msg.Duration < 0 {
			return nil, badRequest("start_turn.duration must be >= 0", "duration")
		}
		msg.Goal = strings.TrimSpace(msg.Goal)
		msg.CustomGoal = strings.TrimSpace(msg.CustomGoal)
		return msg, nil
	case "control":
		var msg ClientControl
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid control", "")
		}
		op := strings.TrimSpace(msg.Op)
		if op == "" {
			return nil, badRequest("control.op is required", "op")
		}
		switch op {
		case OpStopTurn, OpEndConversation, OpReset:
		default:
			return nil, unsupported("unsupported control operation", "op")
		}
		msg.Op = op
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

func ValidateHello(msg ClientHello) error {
	v := strings.TrimSpace(msg.ProtocolVersion)
	if v == "" {
		return badRequest("hello.protocol_version is required", "protocol_version")
	}
	if v != ProtocolVersion1 {
		return unsupported("unsupported protocol version", "protocol_version")
	}
	for i, m := range msg.Audio.MIMETypes {
		if strings.TrimSpace(m) == "" {
			return badRequest("hello.audio.mime_types entries must be non-empty", fmt.Sprintf("audio.mime_types[%d]", i))
		}
	}
	return nil
}

type Limits struct {
	MaxAudioFrameBytes  int `json:"max_audio_frame_bytes"`
	MaxJSONMessageBytes int `json:"max_json_message_bytes"`
	MaxRecordingBytes   int `json:"max_recording_bytes"`
}

type HelloAck struct {
	Type             string `json:"type"`
	ProtocolVersion  string `json:"protocol_version"`
	SessionID        string `json:"session_id"`
	UserID           string `json:"user_id"`
	Tier             string `json:"tier,omitempty"`
	TierStatus       string `json:"tier_status,omitempty"`
	AllowedDurations []int  `json:"allowed_durations"`
	CustomGoals      bool   `json:"custom_goals"`
	// MIMEType is "" when none of the offered encodings is preferred; the
	// tab then records with its platform default.
	MIMEType string `json:"mime_type"`
	Limits   Limits `json:"limits"`
}

type StateFrame struct {
	Type  string        `json:"type"`
	State session.State `json:"state"`
}

type TickFrame struct {
	Type                        string `json:"type"`
	EnvironmentElapsedSeconds   int    `json:"environment_elapsed_seconds"`
	EnvironmentRemainingSeconds int    `json:"environment_remaining_seconds"`
	EnvironmentTargetSeconds    int    `json:"environment_target_seconds"`
	Warning                     bool   `json:"warning"`
	Recording                   bool   `json:"recording"`
	TurnElapsedSeconds          int    `json:"turn_elapsed_seconds,omitempty"`
	TurnRemainingSeconds        int    `json:"turn_remaining_seconds,omitempty"`
	TurnLimitSeconds            int    `json:"turn_limit_seconds,omitempty"`
	TurnWarning                 bool   `json:"turn_warning,omitempty"`
}

type TurnFrame struct {
	Type string        `json:"type"`
	Turn practice.Turn `json:"turn"`
}

type SummaryFrame struct {
	Type    string           `json:"type"`
	Summary practice.Summary `json:"summary"`
}

type EnvironmentFrame struct {
	Type        string               `json:"type"`
	Environment practice.Environment `json:"environment"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Scope   string `json:"scope,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Param   string `json:"param,omitempty"`
	Close   bool   `json:"close,omitempty"`
}

type WarningFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorFromPractice renders a practice error as a non-fatal frame.
func ErrorFromPractice(scope string, err *practice.Error) ErrorFrame {
	if err == nil {
		return ErrorFrame{Type: "error", Scope: scope, Code: "internal", Message: "internal error"}
	}
	code := string(err.Kind)
	details := err.Details
	// Turn failures report the underlying cause.
	var inner *practice.Error
	if err.Kind == practice.KindAnalysisFailed && errors.As(err.Err, &inner) && inner != nil {
		code = string(inner.Kind)
		if details == "" {
			details = inner.Details
		}
	}
	return ErrorFrame{Type: "error", Scope: scope, Code: code, Message: err.Message, Details: details}
}

// EventFrame converts a machine event to its wire frame. It returns nil for
// events with no wire form.
func EventFrame(e session.Event) any {
	switch e.Type {
	case session.EventState:
		return StateFrame{Type: "state", State: e.State}
	case session.EventTick:
		if e.Tick == nil {
			return nil
		}
		return tickFrame(*e.Tick)
	case session.EventTurn:
		if e.Turn == nil {
			return nil
		}
		return TurnFrame{Type: "turn", Turn: *e.Turn}
	case session.EventTurnFailed:
		f := ErrorFromPractice("turn", e.Err)
		f.Type = "turn_failed"
		return f
	case session.EventSummary:
		if e.Summary == nil {
			return nil
		}
		return SummaryFrame{Type: "summary", Summary: *e.Summary}
	case session.EventEnvironment:
		if e.Environment == nil {
			return nil
		}
		return EnvironmentFrame{Type: "environment", Environment: *e.Environment}
	case session.EventError:
		return ErrorFromPractice("session", e.Err)
	default:
		return nil
	}
}

func tickFrame(t session.Tick) TickFrame {
	return TickFrame{
		Type:                        "tick",
		EnvironmentElapsedSeconds:   seconds(t.EnvironmentElapsed),
		EnvironmentRemainingSeconds: seconds(t.EnvironmentRemaining),
		EnvironmentTargetSeconds:    seconds(t.EnvironmentTarget),
		Warning:                     t.Warning,
		Recording:                   t.Recording,
		TurnElapsedSeconds:          seconds(t.TurnElapsed),
		TurnRemainingSeconds:        seconds(t.TurnRemaining),
		TurnLimitSeconds:            seconds(t.TurnLimit),
		TurnWarning:                 t.TurnWarning,
	}
}

func seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d / time.Second)
}
