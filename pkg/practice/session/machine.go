// Package session implements the per-tab practice state machine:
// setup -> recording -> processing -> active -> feedback.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sationly/sationly/pkg/practice"
	"github.com/sationly/sationly/pkg/practice/capture"
	"github.com/sationly/sationly/pkg/practice/journal"
	"github.com/sationly/sationly/pkg/practice/tier"
	"github.com/sationly/sationly/pkg/practice/upload"
)

// Gate decides whether a turn may start.
type Gate interface {
	Check(ctx context.Context, userID string, req tier.Request, now time.Time) (tier.Decision, error)
}

// EnvironmentStore persists environment rows.
type EnvironmentStore interface {
	CreateEnvironment(ctx context.Context, env practice.Environment) (practice.Environment, error)
	FinalizeEnvironment(ctx context.Context, id, userID string, endedAt time.Time, totalSeconds int) error
}

// Dependencies are the ports a Machine drives. Capture, Uploader and Policy
// are required.
type Dependencies struct {
	UserID       string
	Capture      capture.Factory
	Uploader     upload.Uploader
	Policy       Gate
	Environments EnvironmentStore
	Journal      *journal.Journal
	Clock        Clock
	Events       EventSink
	Logger       *slog.Logger
}

// StartRequest carries the setup choices. They are only read when the turn
// opens a new environment; later turns reuse the environment's settings.
type StartRequest struct {
	GoalKey         string
	CustomGoal      string
	DurationMinutes int
}

// Snapshot is a read-only view of the machine.
type Snapshot struct {
	State       State
	Environment *practice.Environment
	Turns       []practice.Turn
	Summary     *practice.Summary
	Tick        Tick
	EndPending  bool
}

type endReason int

const (
	endNone endReason = iota
	endRequested
	endExpired
)

// Machine owns one practice conversation. All methods are safe for
// concurrent use; timer callbacks and upload completions re-enter through
// the same mutex.
type Machine struct {
	deps   Dependencies
	clock  Clock
	events EventSink
	logger *slog.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc
	uploads    sync.WaitGroup
	emitMu     sync.Mutex

	mu           sync.Mutex
	state        State
	env          *practice.Environment
	turns        []practice.Turn
	summary      *practice.Summary
	device       capture.Device
	turnSeq      uint64
	turnStarted  time.Time
	turnLimit    time.Duration
	autoStop     Timer
	ticker       Timer
	cancelUpload context.CancelFunc
	endPending   endReason
	generation   uint64
	pending      []Event
	closed       bool
}

// New creates a machine in the setup state.
func New(deps Dependencies) (*Machine, error) {
	if deps.Capture == nil {
		return nil, errors.New("session: capture factory is required")
	}
	if deps.Uploader == nil {
		return nil, errors.New("session: uploader is required")
	}
	if deps.Policy == nil {
		return nil, errors.New("session: tier policy is required")
	}
	m := &Machine{
		deps:   deps,
		clock:  deps.Clock,
		events: deps.Events,
		logger: deps.Logger,
		state:  StateSetup,
	}
	if m.clock == nil {
		m.clock = SystemClock()
	}
	if m.events == nil {
		m.events = discardSink{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.baseCtx, m.cancelBase = context.WithCancel(context.Background())
	return m, nil
}

// StartTurn begins recording a turn, opening a new environment first when
// none is open. Tier rules are applied before any device or store is
// touched; a rejected start leaves the machine unchanged, including a start
// against an environment whose time has run out.
func (m *Machine) StartTurn(ctx context.Context, req StartRequest) error {
	m.mu.Lock()
	defer m.unlockAndEmit()

	if m.closed || (m.state != StateSetup && m.state != StateActive) {
		return practice.InvalidTransition("start", m.state)
	}
	now := m.clock.Now()

	greq := tier.Request{NewEnvironment: m.env == nil}
	if m.env != nil {
		// Expiry itself belongs to the tick.
		if m.env.Target()-now.Sub(m.env.StartedAt) <= 0 {
			return practice.PolicyViolation("Time is up for this conversation.")
		}
		greq.GoalKey = m.env.RawGoalKey
		greq.CustomGoal = m.env.CustomGoalText
		greq.DurationMinutes = m.env.DurationMinutes
	} else {
		greq.GoalKey = strings.TrimSpace(req.GoalKey)
		greq.CustomGoal = strings.TrimSpace(req.CustomGoal)
		greq.DurationMinutes = req.DurationMinutes
		if practice.EffectiveGoal(greq.GoalKey, greq.CustomGoal) == "" {
			return practice.PolicyViolation("Please select a conversation goal before starting.")
		}
	}

	dec, err := m.deps.Policy.Check(ctx, m.deps.UserID, greq, now)
	if err != nil {
		return serviceFailure("Failed to start the conversation.", err)
	}

	dev, err := m.deps.Capture.Open(ctx)
	if err != nil {
		return practice.DeviceUnavailable(err)
	}

	if m.env == nil {
		env := practice.Environment{
			UserID:          m.deps.UserID,
			Goal:            practice.EffectiveGoal(greq.GoalKey, greq.CustomGoal),
			RawGoalKey:      greq.GoalKey,
			CustomGoalText:  greq.CustomGoal,
			DurationMinutes: dec.DurationMinutes,
			StartedAt:       now,
			ExpiresAt:       now.Add(practice.EnvironmentRetention),
		}
		if m.deps.Environments != nil {
			created, err := m.deps.Environments.CreateEnvironment(ctx, env)
			if err != nil {
				_ = dev.Close()
				return serviceFailure("Failed to start the conversation.", err)
			}
			env = created
		}
		if env.ID == "" {
			env.ID = uuid.NewString()
		}
		m.env = &env
		m.turns = nil
		m.summary = nil
		m.emit(Event{Type: EventEnvironment, Environment: m.envCopy()})
		m.startTickerLocked()
		m.logger.Info("environment started",
			"environment_id", env.ID,
			"user_id", env.UserID,
			"tier", string(dec.Tier.Tier),
			"duration_minutes", env.DurationMinutes,
		)
	}

	limit := time.Duration(dec.DurationMinutes) * time.Minute
	if remaining := m.env.Target() - now.Sub(m.env.StartedAt); remaining < limit {
		limit = remaining
	}

	m.device = dev
	m.turnSeq++
	m.turnStarted = now
	m.turnLimit = limit
	gen, seq := m.generation, m.turnSeq
	m.autoStop = m.clock.AfterFunc(limit, func() { m.onAutoStop(gen, seq) })
	m.setStateLocked(StateRecording)
	return nil
}

// StopTurn ends the current recording and starts its upload. It reports
// false, and does nothing, unless the machine is recording.
func (m *Machine) StopTurn() bool {
	m.mu.Lock()
	defer m.unlockAndEmit()
	return m.stopTurnLocked()
}

// EndConversation finalizes the open environment and returns its summary.
// While a turn is recording or processing the end is deferred until the
// turn resolves; the summary then arrives as an EventSummary and the call
// returns (nil, nil). Ending before any turn fails with EmptyConversation.
func (m *Machine) EndConversation(ctx context.Context) (*practice.Summary, error) {
	m.mu.Lock()
	defer m.unlockAndEmit()

	switch m.state {
	case StateRecording:
		m.deferEnd(endRequested)
		m.stopTurnLocked()
		return nil, nil
	case StateProcessing:
		m.deferEnd(endRequested)
		return nil, nil
	case StateActive:
		return m.endLocked(ctx, false)
	case StateSetup:
		return nil, practice.EmptyConversation()
	default:
		return nil, practice.InvalidTransition("end", m.state)
	}
}

// Reset tears down timers, the device and any in-flight upload and returns
// to setup. Persisted rows are left as they are. Reset is idempotent.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.unlockAndEmit()
	m.resetLocked()
}

// Close resets the machine, refuses further turns and waits for an
// in-flight upload to return.
func (m *Machine) Close() {
	m.mu.Lock()
	m.resetLocked()
	m.closed = true
	m.cancelBase()
	m.unlockAndEmit()
	m.uploads.Wait()
}

// Wait blocks until no upload is in flight.
func (m *Machine) Wait() {
	m.uploads.Wait()
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns a copy of the machine's observable data.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		State:       m.state,
		Environment: m.envCopy(),
		Turns:       append([]practice.Turn(nil), m.turns...),
		EndPending:  m.endPending != endNone,
	}
	if m.summary != nil {
		sum := *m.summary
		s.Summary = &sum
	}
	if m.env != nil {
		s.Tick = m.tickLocked(m.clock.Now())
	}
	return s
}

func (m *Machine) stopTurnLocked() bool {
	if m.state != StateRecording || m.device == nil {
		return false
	}
	stopTimer(&m.autoStop)

	rec := m.device.Stop()
	mimeType := rec.MIMEType
	if mimeType == "" {
		mimeType = m.device.MIMEType()
	}
	_ = m.device.Close()
	m.device = nil
	m.setStateLocked(StateProcessing)

	meta := upload.Metadata{
		Goal:            m.env.Goal,
		RawGoalKey:      m.env.RawGoalKey,
		CustomGoal:      m.env.CustomGoalText,
		DurationMinutes: m.env.DurationMinutes,
		EnvironmentID:   m.env.ID,
		Extension:       rec.Extension,
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	m.cancelUpload = cancel
	gen := m.generation

	m.uploads.Add(1)
	go m.runUpload(ctx, cancel, gen, rec.Bytes(), mimeType, meta)
	return true
}

func (m *Machine) runUpload(ctx context.Context, cancel context.CancelFunc, gen uint64, audio []byte, mimeType string, meta upload.Metadata) {
	defer m.uploads.Done()
	defer cancel()

	var (
		turn practice.Turn
		err  error
	)
	if len(audio) == 0 {
		err = practice.UnsupportedFormat("no audio was captured")
	} else {
		turn, err = m.deps.Uploader.Upload(ctx, audio, mimeType, meta)
	}

	m.mu.Lock()
	accepted := m.finishUploadLocked(gen, turn, err)
	m.unlockAndEmitAfter(func() {
		if !accepted || m.deps.Journal == nil {
			return
		}
		m.deps.Journal.Record(context.WithoutCancel(ctx), journal.Entry{
			Record: practice.TurnRecord{
				UserID:          m.deps.UserID,
				EnvironmentID:   meta.EnvironmentID,
				Goal:            meta.Goal,
				RawGoalKey:      meta.RawGoalKey,
				CustomGoalText:  meta.CustomGoal,
				DurationMinutes: meta.DurationMinutes,
				Turn:            turn,
				CreatedAt:       m.clock.Now(),
			},
			Audio:    audio,
			MIMEType: mimeType,
			Ext:      meta.Extension,
		})
	})
}

// finishUploadLocked applies an upload result and reports whether the turn
// was added to the conversation. Results from a superseded generation are
// dropped.
func (m *Machine) finishUploadLocked(gen uint64, turn practice.Turn, err error) bool {
	if gen != m.generation || m.state != StateProcessing {
		return false
	}
	m.cancelUpload = nil
	accepted := err == nil

	if !accepted {
		failure := practice.AnalysisFailed(err)
		m.logger.Warn("turn analysis failed",
			"environment_id", m.env.ID,
			"kind", string(practice.KindOf(err)),
			"error", err,
		)
		m.emit(Event{Type: EventTurnFailed, Err: failure})
	} else {
		m.turns = append(m.turns, turn)
		t := turn
		m.emit(Event{Type: EventTurn, Turn: &t})
	}
	m.setStateLocked(StateActive)

	reason := m.endPending
	m.endPending = endNone
	switch reason {
	case endRequested:
		if _, err := m.endLocked(m.baseCtx, false); err != nil {
			m.emit(Event{Type: EventError, Err: asPracticeError(err)})
		}
	case endExpired:
		if _, err := m.endLocked(m.baseCtx, true); err != nil {
			m.emit(Event{Type: EventError, Err: asPracticeError(err)})
		}
	}
	return accepted
}

// endLocked finalizes the environment. A zero-turn end is refused; when the
// end comes from expiry the row is still closed and the machine returns to
// setup.
func (m *Machine) endLocked(ctx context.Context, expired bool) (*practice.Summary, error) {
	now := m.clock.Now()
	if len(m.turns) == 0 {
		if expired {
			m.finalizeRowLocked(ctx, now)
			m.resetLocked()
		}
		return nil, practice.EmptyConversation()
	}

	m.finalizeRowLocked(ctx, now)
	stopTimer(&m.ticker)
	s := practice.Summarize(m.env.Goal, m.turns)
	m.summary = &s
	out := s
	m.emit(Event{Type: EventSummary, Summary: &out})
	m.setStateLocked(StateFeedback)
	m.logger.Info("environment finished",
		"environment_id", m.env.ID,
		"turns", s.TurnCount,
		"average_rating", s.AverageRating,
		"total_seconds", *m.env.TotalElapsedSeconds,
	)
	result := s
	return &result, nil
}

func (m *Machine) finalizeRowLocked(ctx context.Context, now time.Time) {
	ended := now
	total := int(now.Sub(m.env.StartedAt) / time.Second)
	if total < 0 {
		total = 0
	}
	m.env.EndedAt = &ended
	m.env.TotalElapsedSeconds = &total
	if m.deps.Environments == nil {
		return
	}
	if err := m.deps.Environments.FinalizeEnvironment(ctx, m.env.ID, m.env.UserID, ended, total); err != nil {
		m.logger.Warn("environment finalize failed", "environment_id", m.env.ID, "error", err)
	}
}

func (m *Machine) expireLocked(now time.Time) {
	switch m.state {
	case StateRecording:
		m.deferEnd(endExpired)
		m.stopTurnLocked()
	case StateProcessing:
		m.deferEnd(endExpired)
	case StateActive:
		if _, err := m.endLocked(m.baseCtx, true); err != nil {
			m.emit(Event{Type: EventError, Err: asPracticeError(err)})
		}
	}
}

func (m *Machine) deferEnd(reason endReason) {
	if reason > m.endPending {
		m.endPending = reason
	}
}

func (m *Machine) resetLocked() {
	m.generation++
	stopTimer(&m.autoStop)
	stopTimer(&m.ticker)
	if m.cancelUpload != nil {
		m.cancelUpload()
		m.cancelUpload = nil
	}
	if m.device != nil {
		m.device.Stop()
		_ = m.device.Close()
		m.device = nil
	}
	m.env = nil
	m.turns = nil
	m.summary = nil
	m.endPending = endNone
	m.turnLimit = 0
	m.setStateLocked(StateSetup)
}

func (m *Machine) startTickerLocked() {
	stopTimer(&m.ticker)
	gen := m.generation
	m.ticker = m.clock.AfterFunc(time.Second, func() { m.onTick(gen) })
}

func (m *Machine) onTick(gen uint64) {
	m.mu.Lock()
	defer m.unlockAndEmit()

	if gen != m.generation || m.env == nil || m.state == StateSetup || m.state == StateFeedback {
		return
	}
	m.ticker = nil
	now := m.clock.Now()
	tick := m.tickLocked(now)
	m.emit(Event{Type: EventTick, Tick: &tick})

	if tick.EnvironmentRemaining <= 0 {
		m.expireLocked(now)
		return
	}
	m.ticker = m.clock.AfterFunc(time.Second, func() { m.onTick(gen) })
}

func (m *Machine) onAutoStop(gen, seq uint64) {
	m.mu.Lock()
	defer m.unlockAndEmit()

	if gen != m.generation || seq != m.turnSeq || m.state != StateRecording {
		return
	}
	m.autoStop = nil
	m.logger.Debug("turn auto-stopped", "environment_id", m.env.ID, "limit", m.turnLimit)
	m.stopTurnLocked()
}

func (m *Machine) tickLocked(now time.Time) Tick {
	target := m.env.Target()
	elapsed := clampDuration(now.Sub(m.env.StartedAt), target)
	t := Tick{
		EnvironmentElapsed:   elapsed,
		EnvironmentRemaining: target - elapsed,
		EnvironmentTarget:    target,
	}
	t.Warning = inWarning(t.EnvironmentRemaining, target)

	if m.state == StateRecording {
		te := clampDuration(now.Sub(m.turnStarted), m.turnLimit)
		t.Recording = true
		t.TurnElapsed = te
		t.TurnLimit = m.turnLimit
		t.TurnRemaining = m.turnLimit - te
		t.TurnWarning = inWarning(t.TurnRemaining, m.turnLimit)
	}
	return t
}

func (m *Machine) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.emit(Event{Type: EventState, State: s})
}

func (m *Machine) envCopy() *practice.Environment {
	if m.env == nil {
		return nil
	}
	env := *m.env
	return &env
}

func (m *Machine) emit(e Event) {
	if e.State == "" {
		e.State = m.state
	}
	m.pending = append(m.pending, e)
}

// unlockAndEmit releases m.mu and delivers queued events in order. emitMu is
// taken before m.mu is released so concurrent transitions cannot reorder
// their events.
func (m *Machine) unlockAndEmit() {
	m.unlockAndEmitAfter(nil)
}

// unlockAndEmitAfter releases mu and runs fn before the queued events go
// out, so no listener sees an event ahead of fn's side effects.
func (m *Machine) unlockAndEmitAfter(fn func()) {
	events := m.pending
	m.pending = nil
	m.emitMu.Lock()
	m.mu.Unlock()
	defer m.emitMu.Unlock()
	if fn != nil {
		fn()
	}
	for _, e := range events {
		m.events.Emit(e)
	}
}

func stopTimer(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func clampDuration(d, limit time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > limit {
		return limit
	}
	return d
}

func serviceFailure(message string, err error) *practice.Error {
	var pe *practice.Error
	if errors.As(err, &pe) && pe != nil {
		return pe
	}
	return practice.NewError(practice.KindServiceError, message, err)
}

func asPracticeError(err error) *practice.Error {
	return serviceFailure("Unexpected session failure.", err)
}
