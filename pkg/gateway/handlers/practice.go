package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sationly/sationly/pkg/core"
	"github.com/sationly/sationly/pkg/gateway/auth"
	"github.com/sationly/sationly/pkg/gateway/config"
	"github.com/sationly/sationly/pkg/gateway/lifecycle"
	"github.com/sationly/sationly/pkg/gateway/metrics"
	"github.com/sationly/sationly/pkg/gateway/mw"
	"github.com/sationly/sationly/pkg/gateway/practicews"
	"github.com/sationly/sationly/pkg/gateway/principal"
	"github.com/sationly/sationly/pkg/gateway/ratelimit"
	"github.com/sationly/sationly/pkg/practice"
	"github.com/sationly/sationly/pkg/practice/capture"
	"github.com/sationly/sationly/pkg/practice/journal"
	"github.com/sationly/sationly/pkg/practice/session"
	"github.com/sationly/sationly/pkg/practice/tier"
	"github.com/sationly/sationly/pkg/practice/upload"
)

// PracticeHandler handles /v1/practice websocket sessions. Each socket owns
// one session.Machine; the tab streams MediaRecorder chunks as binary frames
// and drives the machine with JSON control frames.
type PracticeHandler struct {
	Config       config.Config
	Logger       *slog.Logger
	Verifier     auth.Verifier
	Limiter      *ratelimit.Limiter
	Lifecycle    *lifecycle.Lifecycle
	Sessions     *practicews.Tracker
	Policy       tier.Policy
	Uploader     upload.Uploader
	Environments session.EnvironmentStore
	Journal      *journal.Journal
	Clock        session.Clock
	Metrics      *metrics.Metrics
}

func (h PracticeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	if r.Method != http.MethodGet {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle.IsDraining() {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrOverloaded, Message: "server is draining", Code: "draining"}, core.StatusOverloaded)
		return
	}
	if !h.originAllowed(r) {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrPermission, Message: "origin is not allowed", Param: "Origin"}, http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	readLimit := h.Config.PracticeMaxJSONMessageBytes
	if n := int64(h.Config.PracticeMaxAudioFrameBytes); n > readLimit {
		readLimit = n
	}
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}

	handshakeTimeout := h.Config.PracticeHandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		h.writeWSError(conn, "bad_request", "failed to read hello")
		return
	}
	if messageType != websocket.TextMessage {
		h.writeWSError(conn, "bad_request", "first frame must be hello")
		return
	}
	decoded, err := practicews.DecodeClientMessage(firstFrame)
	if err != nil {
		var decErr *practicews.DecodeError
		if errors.As(err, &decErr) {
			h.writeWSError(conn, decErr.Code, decErr.Message)
			return
		}
		h.writeWSError(conn, "bad_request", "invalid hello frame")
		return
	}
	hello, ok := decoded.(practicews.ClientHello)
	if !ok {
		h.writeWSError(conn, "bad_request", "first frame must be hello")
		return
	}

	p, err := h.resolvePrincipal(r.Context(), hello, handshakeTimeout)
	if err != nil {
		h.logger().Warn("practice session verification failed", "request_id", reqID, "error", err)
		h.writeWSError(conn, "auth_unavailable", "session verification unavailable")
		return
	}
	if p == nil {
		h.writeWSError(conn, "unauthorized", "invalid session")
		return
	}

	if h.Limiter != nil && h.Config.WSMaxSessionsPerPrincipal > 0 {
		dec := h.Limiter.AcquireWSSession(principal.ForUser(p.UserID).Key, time.Now())
		if !dec.Allowed {
			h.Metrics.RecordRateLimitHit("ws_sessions")
			h.writeWSError(conn, "rate_limited", "too many open practice sessions")
			return
		}
		defer dec.Permit.Release()
	}

	state, err := h.Policy.State(r.Context(), p.UserID)
	if err != nil {
		h.logger().Error("practice tier lookup failed", "request_id", reqID, "user_id", p.UserID, "error", err)
		h.writeWSError(conn, "internal", "failed to load tier")
		return
	}

	mimeType := capture.NegotiateFrom(hello.Audio.MIMETypes)
	sessionID := "ps_" + randHex(8)
	ack := practicews.HelloAck{
		Type:             "hello_ack",
		ProtocolVersion:  practicews.ProtocolVersion1,
		SessionID:        sessionID,
		UserID:           p.UserID,
		Tier:             string(state.Tier),
		TierStatus:       string(state.Status),
		AllowedDurations: []int{},
		CustomGoals:      tier.CustomGoalsAllowed(state.Tier),
		MIMEType:         mimeType,
		Limits: practicews.Limits{
			MaxAudioFrameBytes:  h.Config.PracticeMaxAudioFrameBytes,
			MaxJSONMessageBytes: int(h.Config.PracticeMaxJSONMessageBytes),
			MaxRecordingBytes:   int(h.Config.MaxUploadBytes),
		},
	}
	if state.Usable() {
		ack.AllowedDurations = tier.AllowedDurations(state.Tier)
	}
	if err := conn.WriteJSON(ack); err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	h.logger().Info("practice session started",
		"request_id", reqID,
		"session_id", sessionID,
		"user_id", p.UserID,
		"hello", hello.RedactedForLog(),
	)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writer := practicews.NewWriter(ctx, conn, practicews.WriterConfig{
		PingInterval: h.Config.PracticeWSPingInterval,
		WriteTimeout: h.Config.PracticeWSWriteTimeout,
	})
	go func() {
		if err := writer.Run(); err != nil {
			h.logger().Debug("practice writer stopped", "session_id", sessionID, "error", err)
		}
		cancel()
		// Unblocks the read loop when the peer stopped reading.
		_ = conn.Close()
	}()

	ps := &practiceSocket{
		sessionID: sessionID,
		writer:    writer,
		maxFrame:  h.Config.PracticeMaxAudioFrameBytes,
		logger:    h.logger(),
		metrics:   h.Metrics,
	}
	machine, err := session.New(session.Dependencies{
		UserID:       p.UserID,
		Capture:      ps.factory(mimeType, int(h.Config.MaxUploadBytes)),
		Uploader:     h.Uploader,
		Policy:       h.Policy,
		Environments: h.Environments,
		Journal:      h.Journal,
		Clock:        h.Clock,
		Events:       session.EventSinkFunc(ps.emit),
		Logger:       h.logger().With("session_id", sessionID, "user_id", p.UserID),
	})
	if err != nil {
		_ = writer.SendPriority(practicews.ErrorFrame{Type: "error", Scope: "session", Code: "internal", Message: "failed to initialize practice session", Close: true})
		writer.Close()
		<-writer.Done()
		return
	}
	defer machine.Close()

	unregister := h.Sessions.Register(sessionID, practicews.Handle{
		UserID: p.UserID,
		Cancel: cancel,
		Warn: func(code, message string) error {
			return writer.SendPriority(practicews.WarningFrame{Type: "warning", Code: code, Message: message})
		},
	})
	defer unregister()

	started := time.Now()
	h.Metrics.RecordPracticeSessionStart()
	defer func() {
		outcome := "closed"
		if h.Lifecycle.IsDraining() {
			outcome = "drained"
		}
		h.Metrics.RecordPracticeSessionEnd(outcome, time.Since(started))
	}()

	ps.readLoop(ctx, conn, machine)

	// The machine stops emitting once closed; after that the writer can
	// drain and exit.
	machine.Close()
	writer.Close()
	select {
	case <-writer.Done():
	case <-time.After(2 * time.Second):
		cancel()
	}
	h.logger().Info("practice session ended", "session_id", sessionID, "user_id", p.UserID)
}

// resolvePrincipal turns the hello token into a definite user or nil.
func (h PracticeHandler) resolvePrincipal(ctx context.Context, hello practicews.ClientHello, timeout time.Duration) (*auth.Principal, error) {
	if h.Config.AuthMode == config.AuthModeDisabled {
		return &auth.Principal{UserID: h.Config.DevUserID}, nil
	}
	token := ""
	if hello.Auth != nil {
		token = strings.TrimSpace(hello.Auth.Token)
	}
	if token == "" || h.Verifier == nil {
		return nil, nil
	}
	source := auth.SessionSourceFunc(func(ctx context.Context) (*auth.Principal, error) {
		return h.Verifier.Verify(ctx, token)
	})
	return auth.AwaitSessionReady(ctx, source, timeout)
}

// originAllowed admits non-browser clients, which send no Origin.
func (h PracticeHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	return origin == "" || mw.OriginAllowed(h.Config, origin)
}

func (h PracticeHandler) writeWSError(conn *websocket.Conn, code, message string) {
	_ = conn.WriteJSON(practicews.ErrorFrame{Type: "error", Scope: "session", Code: code, Message: message, Close: true})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), time.Now().Add(2*time.Second))
}

func (h PracticeHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// practiceSocket is the per-connection glue between frames and the machine.
type practiceSocket struct {
	sessionID string
	writer    *practicews.Writer
	maxFrame  int
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu     sync.Mutex
	device *capture.StreamDevice
}

// factory opens stream devices fed by this socket's binary frames.
func (s *practiceSocket) factory(mimeType string, maxBytes int) capture.Factory {
	return capture.FactoryFunc(func(context.Context) (capture.Device, error) {
		var dev *capture.StreamDevice
		dev = capture.NewStreamDevice(mimeType, maxBytes, func() {
			s.mu.Lock()
			if s.device == dev {
				s.device = nil
			}
			s.mu.Unlock()
		})
		s.mu.Lock()
		s.device = dev
		s.mu.Unlock()
		return dev, nil
	})
}

func (s *practiceSocket) emit(e session.Event) {
	frame := practicews.EventFrame(e)
	if frame == nil {
		return
	}
	switch e.Type {
	case session.EventTurn:
		s.metrics.RecordTurn("ok")
	case session.EventTurnFailed:
		s.metrics.RecordTurn("failed")
	}
	switch e.Type {
	case session.EventError, session.EventTurnFailed, session.EventSummary:
		_ = s.writer.SendPriority(frame)
	default:
		_ = s.writer.Send(frame)
	}
}

func (s *practiceSocket) sendError(scope string, err error) {
	var pe *practice.Error
	if errors.As(err, &pe) && pe != nil {
		_ = s.writer.SendPriority(practicews.ErrorFromPractice(scope, pe))
		return
	}
	var decErr *practicews.DecodeError
	if errors.As(err, &decErr) {
		_ = s.writer.SendPriority(practicews.ErrorFrame{Type: "error", Scope: scope, Code: decErr.Code, Message: decErr.Message, Param: decErr.Param})
		return
	}
	s.logger.Error("practice command failed", "session_id", s.sessionID, "error", err)
	_ = s.writer.SendPriority(practicews.ErrorFrame{Type: "error", Scope: scope, Code: "internal", Message: "internal error"})
}

func (s *practiceSocket) readLoop(ctx context.Context, conn *websocket.Conn, m *session.Machine) {
	for {
		if ctx.Err() != nil {
			return
		}
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			s.pushAudio(data, m)
		case websocket.TextMessage:
			s.handleCommand(ctx, data, m)
		}
	}
}

func (s *practiceSocket) pushAudio(chunk []byte, m *session.Machine) {
	if s.maxFrame > 0 && len(chunk) > s.maxFrame {
		_ = s.writer.SendPriority(practicews.ErrorFrame{Type: "error", Scope: "audio", Code: "frame_too_large", Message: "audio frame exceeds max_audio_frame_bytes"})
		return
	}
	s.mu.Lock()
	dev := s.device
	s.mu.Unlock()
	if dev == nil {
		return
	}
	// Chunks that arrive after the turn stopped belong to no recording.
	err := dev.Push(chunk)
	switch {
	case err == nil:
		s.metrics.RecordPracticeAudio(len(chunk))
	case errors.Is(err, capture.ErrNotRecording):
	case errors.Is(err, capture.ErrRecordingTooLarge):
		// The turn ends at the cap and what was captured goes for analysis.
		if m.StopTurn() {
			_ = s.writer.SendPriority(practicews.ErrorFrame{Type: "error", Scope: "audio", Code: "recording_too_large", Message: "recording reached max_recording_bytes; the turn was stopped"})
		}
	default:
		s.sendError("audio", err)
	}
}

func (s *practiceSocket) handleCommand(ctx context.Context, data []byte, m *session.Machine) {
	decoded, err := practicews.DecodeClientMessage(data)
	if err != nil {
		s.sendError("command", err)
		return
	}
	switch msg := decoded.(type) {
	case practicews.ClientHello:
		_ = s.writer.SendPriority(practicews.ErrorFrame{Type: "error", Scope: "command", Code: "bad_request", Message: "hello already received"})
	case practicews.ClientStartTurn:
		err := m.StartTurn(ctx, session.StartRequest{
			GoalKey:         msg.Goal,
			CustomGoal:      msg.CustomGoal,
			DurationMinutes: msg.Duration,
		})
		if err != nil {
			s.sendError("start_turn", err)
		}
	case practicews.ClientControl:
		switch msg.Op {
		case practicews.OpStopTurn:
			m.StopTurn()
		case practicews.OpEndConversation:
			// The summary reaches the tab as a summary event.
			if _, err := m.EndConversation(ctx); err != nil {
				s.sendError("end_conversation", err)
			}
		case practicews.OpReset:
			m.Reset()
		}
	}
}
